// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package machinecomm implements a comm.Transport over bigmachine.
// Each rank of the world group is a bigmachine machine running the
// "Rank" service; messages are delivered by RPC into the receiving
// rank's mailbox.
//
// SPMD programs are registered by name with Register, from an init
// function, so that they are available in every machine, which runs
// the same binary as the driver. A Cluster started by Start runs
// registered programs on all of its ranks, passing each the same
// argument.
package machinecomm

import (
	"context"
	"encoding/gob"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigmachine"
	"github.com/grailbio/obspool/comm"
	"golang.org/x/sync/errgroup"
)

func init() {
	gob.Register(&rankService{})
}

// A Program is an SPMD program run by each rank of a cluster. Arg is
// the argument passed to Cluster.Run.
type Program func(ctx context.Context, g *comm.Group, arg []byte) error

var (
	mu       sync.Mutex
	programs = make(map[string]Program)
)

// Register registers program p under the provided name. Register
// should be called from an init function. It panics if a program is
// already registered under the name.
func Register(name string, p Program) {
	mu.Lock()
	defer mu.Unlock()
	if _, ok := programs[name]; ok {
		log.Panicf("machinecomm: program %s registered twice", name)
	}
	programs[name] = p
}

// Programs returns the names of the registered programs.
func Programs() []string {
	mu.Lock()
	defer mu.Unlock()
	names := make([]string, 0, len(programs))
	for name := range programs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func lookup(name string) (Program, error) {
	mu.Lock()
	defer mu.Unlock()
	p, ok := programs[name]
	if !ok {
		return nil, errors.E(errors.NotExist, fmt.Sprintf("machinecomm: program %s", name))
	}
	return p, nil
}

type setupRequest struct {
	Rank  int
	Addrs []string
}

type message struct {
	Src     int
	Key     comm.Key
	Payload []byte
}

type runRequest struct {
	Program string
	Arg     []byte
}

// rankService is the bigmachine service that hosts one rank.
type rankService struct {
	// Cluster names the cluster in logs; gob requires an exported
	// field.
	Cluster string

	b       *bigmachine.B
	mailbox *comm.Mailbox

	mu       sync.Mutex
	rank     int
	addrs    []string
	machines map[int]*bigmachine.Machine
}

func (s *rankService) Init(b *bigmachine.B) error {
	s.b = b
	s.mailbox = comm.NewMailbox()
	s.machines = make(map[int]*bigmachine.Machine)
	s.rank = -1
	return nil
}

// Setup assigns the service its rank and the addresses of its peers.
func (s *rankService) Setup(ctx context.Context, req setupRequest, _ *struct{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if req.Rank < 0 || req.Rank >= len(req.Addrs) {
		return errors.E(errors.Invalid, fmt.Sprintf("machinecomm: rank %d of %d", req.Rank, len(req.Addrs)))
	}
	s.rank = req.Rank
	s.addrs = req.Addrs
	log.Debug.Printf("machinecomm %s: rank %d/%d", s.Cluster, s.rank, len(s.addrs))
	return nil
}

// Deliver queues a message sent by a peer.
func (s *rankService) Deliver(ctx context.Context, m message, _ *struct{}) error {
	s.mailbox.Put(m.Src, m.Key, m.Payload)
	return nil
}

// Run runs the named program on this rank.
func (s *rankService) Run(ctx context.Context, req runRequest, _ *struct{}) (err error) {
	p, err := lookup(req.Program)
	if err != nil {
		return err
	}
	s.mu.Lock()
	rank := s.rank
	s.mu.Unlock()
	if rank < 0 {
		return errors.E(errors.Invalid, "machinecomm: rank not set up")
	}
	defer func() {
		if e := recover(); e != nil {
			err = errors.E(errors.Fatal, fmt.Errorf("rank %d panicked: %v\n%s", rank, e, debug.Stack()))
		}
	}()
	g := comm.New(&transport{s})
	if err := p(ctx, g, req.Arg); err != nil {
		return errors.E(err, fmt.Sprintf("rank %d: program %s", rank, req.Program))
	}
	if n := s.mailbox.Pending(); n > 0 {
		log.Error.Printf("machinecomm: rank %d: program %s left %d unreceived messages", rank, req.Program, n)
	}
	return nil
}

func (s *rankService) machine(ctx context.Context, rank int) (*bigmachine.Machine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m := s.machines[rank]; m != nil {
		return m, nil
	}
	m, err := s.b.Dial(ctx, s.addrs[rank])
	if err != nil {
		return nil, err
	}
	s.machines[rank] = m
	return m, nil
}

// transport implements comm.Transport for the rank hosted by a
// service.
type transport struct{ s *rankService }

func (t *transport) Rank() int { return t.s.rank }
func (t *transport) Size() int { return len(t.s.addrs) }

// Send delivers p synchronously. Since a rank's group is driven from a
// single goroutine, messages to a peer arrive in the order sent.
func (t *transport) Send(ctx context.Context, dst int, key comm.Key, p []byte) error {
	if dst == t.s.rank {
		t.s.mailbox.Put(dst, key, p)
		return nil
	}
	m, err := t.s.machine(ctx, dst)
	if err != nil {
		return err
	}
	return m.Call(ctx, "Rank.Deliver", message{Src: t.s.rank, Key: key, Payload: p}, nil)
}

func (t *transport) Recv(ctx context.Context, src int, key comm.Key) ([]byte, error) {
	return t.s.mailbox.Take(ctx, src, key)
}

// A Cluster is a world group of bigmachine machines.
type Cluster struct {
	name     string
	machines []*bigmachine.Machine
	status   *status.Group
}

// Start starts a cluster of n ranks on b. The provided status group,
// which may be nil, displays the state of each rank.
func Start(ctx context.Context, b *bigmachine.B, name string, n int, group *status.Group, params ...bigmachine.Param) (*Cluster, error) {
	if n <= 0 {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("machinecomm: invalid cluster size %d", n))
	}
	params = append([]bigmachine.Param{bigmachine.Services{"Rank": &rankService{Cluster: name}}}, params...)
	machines, err := b.Start(ctx, n, params...)
	if err != nil {
		return nil, err
	}
	addrs := make([]string, len(machines))
	for i, m := range machines {
		<-m.Wait(bigmachine.Running)
		if err := m.Err(); err != nil {
			return nil, errors.E(err, fmt.Sprintf("machinecomm: machine %d failed to start", i))
		}
		addrs[i] = m.Addr
	}
	err = forEach(ctx, machines, func(ctx context.Context, i int, m *bigmachine.Machine) error {
		return m.RetryCall(ctx, "Rank.Setup", setupRequest{Rank: i, Addrs: addrs}, nil)
	})
	if err != nil {
		return nil, err
	}
	log.Printf("machinecomm: cluster %s: %d ranks", name, n)
	return &Cluster{name: name, machines: machines, status: group}, nil
}

// Size returns the number of ranks in the cluster.
func (c *Cluster) Size() int { return len(c.machines) }

// Run runs the named program with the provided argument on every rank
// of the cluster and waits for all ranks to complete. If a rank fails,
// the remaining ranks are canceled and the first error is returned.
func (c *Cluster) Run(ctx context.Context, program string, arg []byte) error {
	if _, err := lookup(program); err != nil {
		return err
	}
	return forEach(ctx, c.machines, func(ctx context.Context, i int, m *bigmachine.Machine) error {
		var task *status.Task
		if c.status != nil {
			task = c.status.Startf("rank %d", i)
			task.Printf("%s: running %s", m.Addr, program)
			defer task.Done()
		}
		err := m.Call(ctx, "Rank.Run", runRequest{Program: program, Arg: arg}, nil)
		if task != nil {
			if err != nil {
				task.Printf("%s: %s failed: %v", m.Addr, program, err)
			} else {
				task.Printf("%s: %s done", m.Addr, program)
			}
		}
		return err
	})
}

func forEach(ctx context.Context, machines []*bigmachine.Machine, fn func(ctx context.Context, i int, m *bigmachine.Machine) error) error {
	g, ctx := errgroup.WithContext(ctx)
	for i, m := range machines {
		i, m := i, m
		g.Go(func() error { return fn(ctx, i, m) })
	}
	return g.Wait()
}

// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package comm implements process groups: a set of ranks that execute
// the same program (SPMD) and coordinate through point-to-point
// messages and collective operations (broadcast, scatter, gather,
// all-gather, barrier, split).
//
// A Group is layered on a Transport, which moves opaque payloads
// between the ranks of the world group. Every collective is blocking
// and must be issued in the same order by every rank of the group;
// there is no timeout other than the caller's context.
package comm

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/gob"
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/spaolacci/murmur3"
)

// Transport moves payloads between the ranks of a world group.
// Transports must preserve the order of messages sent from one rank to
// another under the same key.
type Transport interface {
	// Rank returns the world rank of the caller.
	Rank() int
	// Size returns the number of ranks in the world group.
	Size() int
	// Send delivers payload p to world rank dst under the provided key.
	Send(ctx context.Context, dst int, key Key, p []byte) error
	// Recv returns the next payload sent from world rank src under the
	// provided key, blocking until one arrives.
	Recv(ctx context.Context, src int, key Key) ([]byte, error)
}

// A Group is a process group: an ordered set of world ranks together
// with a communication context. Group ranks are dense in [0, Size()).
// Groups are not safe for concurrent use; each rank drives its own
// Group from a single goroutine.
type Group struct {
	t       Transport
	context uint32
	// world maps group ranks to world ranks.
	world []int
	rank  int
	// nsplit counts the splits issued on this group. It is part of the
	// derived context of the split groups, so that successive splits
	// with the same colors do not share a context.
	nsplit int
	freed  bool
}

// New returns the world group of transport t.
func New(t Transport) *Group {
	world := make([]int, t.Size())
	for i := range world {
		world[i] = i
	}
	return &Group{t: t, world: world, rank: t.Rank()}
}

// Rank returns the caller's rank within the group.
func (g *Group) Rank() int { return g.rank }

// Size returns the number of ranks in the group.
func (g *Group) Size() int { return len(g.world) }

// WorldRank returns the world rank of group rank r.
func (g *Group) WorldRank(r int) int { return g.world[r] }

// Context returns the group's communication context.
func (g *Group) Context() uint32 { return g.context }

func (g *Group) String() string {
	return fmt.Sprintf("group(%x) rank %d/%d", g.context, g.rank, len(g.world))
}

func (g *Group) check(peer int) error {
	if g.freed {
		return errors.E(errors.Fatal, errors.Invalid, fmt.Sprintf("%s: use of freed group", g))
	}
	if peer < 0 || peer >= len(g.world) {
		return errors.E(errors.Invalid, fmt.Sprintf("%s: rank %d out of range", g, peer))
	}
	return nil
}

// Send encodes v and sends it to group rank dst with the provided
// kind and tag.
func (g *Group) Send(ctx context.Context, dst int, kind Kind, tag int, v interface{}) error {
	if err := g.check(dst); err != nil {
		return err
	}
	p, err := encode(v)
	if err != nil {
		return errors.E(err, fmt.Sprintf("%s: encode %s message", g, kind))
	}
	key := Key{Context: g.context, Kind: kind, Tag: tag}
	if err := g.t.Send(ctx, g.world[dst], key, p); err != nil {
		return errors.E(err, fmt.Sprintf("%s: send %s to rank %d", g, key, dst))
	}
	return nil
}

// Recv receives the next message sent from group rank src with the
// provided kind and tag and decodes it into v, which must be a
// pointer.
func (g *Group) Recv(ctx context.Context, src int, kind Kind, tag int, v interface{}) error {
	if err := g.check(src); err != nil {
		return err
	}
	key := Key{Context: g.context, Kind: kind, Tag: tag}
	p, err := g.t.Recv(ctx, g.world[src], key)
	if err != nil {
		return errors.E(err, fmt.Sprintf("%s: receive %s from rank %d", g, key, src))
	}
	if err := decode(p, v); err != nil {
		return errors.E(err, fmt.Sprintf("%s: decode %s message from rank %d", g, key, src))
	}
	return nil
}

// Split partitions the group by color. Every rank of the group must
// call Split; ranks that pass the same color form a new group, ordered
// by their rank in g. Every rank lands in some group: there is no
// color that excludes a rank.
func (g *Group) Split(ctx context.Context, color int) (*Group, error) {
	if err := g.check(g.rank); err != nil {
		return nil, err
	}
	colors, err := gather(ctx, g, 0, KindSplit, 0, color)
	if err != nil {
		return nil, err
	}
	if err := broadcast(ctx, g, 0, KindSplit, 1, &colors); err != nil {
		return nil, err
	}
	seq := g.nsplit
	g.nsplit++
	sub := &Group{t: g.t, rank: -1}
	for r, c := range colors {
		if c != color {
			continue
		}
		if r == g.rank {
			sub.rank = len(sub.world)
		}
		sub.world = append(sub.world, g.world[r])
	}
	sub.context = splitContext(g.context, seq, color)
	return sub, nil
}

// Free releases the group. Any further use of the group fails. Free
// returns an error if the group was already freed.
func (g *Group) Free() error {
	if g.freed {
		return errors.E(errors.Invalid, fmt.Sprintf("%s: group freed twice", g))
	}
	g.freed = true
	return nil
}

// Freed tells whether the group has been freed.
func (g *Group) Freed() bool { return g.freed }

// splitContext derives the context of a group split from a parent
// with the given context. All members of the parent compute the same
// value for the same split sequence number and color.
func splitContext(parent uint32, seq, color int) uint32 {
	var b [20]byte
	binary.LittleEndian.PutUint32(b[:4], parent)
	binary.LittleEndian.PutUint64(b[4:12], uint64(seq))
	binary.LittleEndian.PutUint64(b[12:], uint64(color))
	h := murmur3.Sum32WithSeed(b[:], parent)
	if h == 0 {
		// Context 0 is reserved for world groups.
		h = 1
	}
	return h
}

func encode(v interface{}) ([]byte, error) {
	var b bytes.Buffer
	if err := gob.NewEncoder(&b).Encode(v); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

func decode(p []byte, v interface{}) error {
	return gob.NewDecoder(bytes.NewReader(p)).Decode(v)
}

// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package iopool implements I/O pools: a subset of the ranks of a
// process group that perform physical I/O on behalf of the whole
// group. Pool formation proceeds in a fixed sequence of collective
// steps, issued identically by every rank:
//
//	sizing     rank 0 computes the pool size and broadcasts it
//	grouping   rank 0 groups ranks into contiguous runs, one per pool rank
//	assignment location counts are exchanged and each rank learns its peers
//	split      the group is split into pool and non-pool sub-groups
//	layout     (writers) pool ranks compute their offsets in a shared file
//
// After formation, Save gathers the data of associates onto their
// pool ranks and hands contiguous tiles to a TileWriter; Load performs
// the inverse through a TileReader. Finalize releases the sub-groups.
package iopool

import (
	"context"
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/eventlog"
	"github.com/grailbio/base/log"
	"github.com/grailbio/obspool/comm"
	"github.com/grailbio/obspool/stats"
)

// State is the lifecycle state of a pool.
type State int

const (
	Unformed State = iota
	Sized
	Grouped
	Assigned
	Split
	LayoutComputed
	Active
	Finalized
)

var stateNames = [...]string{
	Unformed:       "unformed",
	Sized:          "sized",
	Grouped:        "grouped",
	Assigned:       "assigned",
	Split:          "split",
	LayoutComputed: "layout-computed",
	Active:         "active",
	Finalized:      "finalized",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// Colors passed to the group split.
const (
	poolColor    = 1
	nonPoolColor = 2
)

// Layout is the placement of a pool rank's tile in a single shared
// output of GlobalNlocs locations.
type Layout struct {
	GlobalNlocs int
	Start       int
}

// An Option configures a pool.
type Option func(p *Pool)

// Eventer configures the pool with an eventer to which lifecycle
// events are logged.
func Eventer(e eventlog.Eventer) Option {
	return func(p *Pool) {
		p.eventer = e
	}
}

// Pool is an I/O pool handle. Pools are created collectively by New;
// every rank of the group obtains its own handle.
type Pool struct {
	mode     Mode
	params   Params
	strategy Strategy
	eventer  eventlog.Eventer
	stats    stats.Counters

	g     *comm.Group
	state State
	nlocs int

	target     int
	groups     RankGroupMap
	assignment RankAssignment

	// sub is the sub-group obtained from the split. It is the pool
	// group on pool ranks.
	sub    *comm.Group
	inPool bool
	layout Layout
}

// New forms an I/O pool over group g. Every rank of g must call New
// with the same mode and parameters; nlocs is the number of locations
// the calling rank contributes (writers) or expects (readers).
//
// Configuration errors are reported identically on every rank before
// any communication takes place.
func New(ctx context.Context, g *comm.Group, mode Mode, nlocs int, params Params, opts ...Option) (*Pool, error) {
	if nlocs < 0 {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("iopool: negative location count %d", nlocs))
	}
	strategy, err := params.strategy(mode)
	if err != nil {
		return nil, err
	}
	p := &Pool{
		mode:     mode,
		params:   params,
		strategy: strategy,
		eventer:  eventlog.Nop{},
		g:        g,
		nlocs:    nlocs,
	}
	for _, opt := range opts {
		opt(p)
	}
	if err := p.form(ctx); err != nil {
		return nil, errors.E(err, fmt.Sprintf("%s: forming pool", p))
	}
	return p, nil
}

func (p *Pool) advance(to State) {
	ok := to == p.state+1
	if p.mode == Reader && p.state == Split && to == Active {
		ok = true
	}
	if p.state == Active && to == Active {
		ok = true
	}
	if !ok {
		log.Panicf("%s: invalid transition from %s to %s", p, p.state, to)
	}
	p.state = to
}

func (p *Pool) form(ctx context.Context) error {
	// Sizing.
	if p.g.Rank() == 0 {
		p.target = p.strategy.SizePool(p.params.MaxPoolSize, p.g.Size())
	}
	if err := comm.Broadcast(ctx, p.g, 0, &p.target); err != nil {
		return err
	}
	p.advance(Sized)

	// Grouping.
	if p.g.Rank() == 0 {
		p.groups = p.strategy.GroupRanks(p.g.Size(), p.target)
		if err := p.groups.Validate(p.g.Size()); err != nil {
			log.Panicf("%s: strategy %s produced an invalid grouping: %v", p, p.strategy.Name(), err)
		}
	}
	if err := comm.Broadcast(ctx, p.g, 0, &p.groups); err != nil {
		return err
	}
	p.advance(Grouped)

	// Assignment.
	var err error
	p.assignment, err = assignRanks(ctx, p.g, p.strategy, p.groups, p.nlocs)
	if err != nil {
		return err
	}
	p.advance(Assigned)

	// Split.
	var colors []int
	if p.g.Rank() == 0 {
		colors = make([]int, p.g.Size())
		for r := range colors {
			colors[r] = nonPoolColor
			if _, ok := p.groups[r]; ok {
				colors[r] = poolColor
			}
		}
	}
	color, err := comm.Scatter(ctx, p.g, 0, colors)
	if err != nil {
		return err
	}
	if p.sub, err = p.g.Split(ctx, color); err != nil {
		return err
	}
	p.inPool = color == poolColor
	p.advance(Split)

	if p.mode == Writer {
		if err := p.computeLayout(ctx); err != nil {
			return err
		}
		p.advance(LayoutComputed)
	}
	p.eventer.Event("obspool:poolFormed",
		"mode", p.mode.String(),
		"strategy", p.strategy.Name(),
		"rank", p.g.Rank(),
		"groupSize", p.g.Size(),
		"poolSize", p.target,
		"inPool", p.inPool,
		"associates", len(p.assignment))
	if p.g.Rank() == 0 {
		log.Printf("%s: formed pool of %d ranks (%s)", p, p.target, p.strategy.Name())
	}
	log.Debug.Printf("%s: assignment %s", p, p.assignment)
	return nil
}

// computeLayout computes the offset of each pool rank's tile within a
// single shared output. Pool rank 0 gathers the tile sizes, computes
// their prefix sums, broadcasts the global count and scatters the
// start offsets. Non-pool ranks keep a zero layout.
func (p *Pool) computeLayout(ctx context.Context) error {
	if !p.inPool {
		return nil
	}
	pg := p.sub
	totals, err := comm.Gather(ctx, pg, 0, p.Total())
	if err != nil {
		return err
	}
	var (
		starts []int
		global int
	)
	if pg.Rank() == 0 {
		starts = make([]int, len(totals))
		for i, n := range totals {
			starts[i] = global
			global += n
		}
	}
	if err := comm.Broadcast(ctx, pg, 0, &global); err != nil {
		return err
	}
	start, err := comm.Scatter(ctx, pg, 0, starts)
	if err != nil {
		return err
	}
	p.layout = Layout{GlobalNlocs: global, Start: start}
	return nil
}

// Finalize releases the pool's sub-group. Every rank releases the
// sub-group it obtained from the split, whether or not it used it.
// Finalize returns an error if the pool was already finalized.
func (p *Pool) Finalize() error {
	if p.state == Finalized {
		return errors.E(errors.Invalid, fmt.Sprintf("%s: already finalized", p))
	}
	if p.sub == nil {
		log.Panicf("%s: finalize before split", p)
	}
	if err := p.sub.Free(); err != nil {
		return err
	}
	p.state = Finalized
	p.eventer.Event("obspool:poolFinalized",
		"rank", p.g.Rank(),
		"inPool", p.inPool)
	log.Debug.Printf("%s: finalized: %s", p, p.stats.Snapshot())
	return nil
}

// String returns a description of the pool as seen from the calling
// rank.
func (p *Pool) String() string {
	return fmt.Sprintf("iopool(%s, rank %d/%d)", p.mode, p.g.Rank(), p.g.Size())
}

// Mode returns the pool's mode.
func (p *Pool) Mode() Mode { return p.mode }

// State returns the pool's current state.
func (p *Pool) State() State { return p.state }

// Group returns the group over which the pool was formed.
func (p *Pool) Group() *comm.Group { return p.g }

// InPool tells whether the calling rank is a pool rank.
func (p *Pool) InPool() bool { return p.inPool }

// PoolGroup returns the pool sub-group, or nil if the calling rank is
// not a pool rank or the pool has been finalized.
func (p *Pool) PoolGroup() *comm.Group {
	if !p.inPool || p.state == Finalized {
		return nil
	}
	return p.sub
}

// TargetPoolSize returns the pool size computed during sizing.
func (p *Pool) TargetPoolSize() int { return p.target }

// PoolSize returns the number of pool ranks.
func (p *Pool) PoolSize() int { return len(p.groups) }

// Groups returns the pool's rank group map.
func (p *Pool) Groups() RankGroupMap { return p.groups }

// Assignment returns the calling rank's assignment.
func (p *Pool) Assignment() RankAssignment { return p.assignment }

// Nlocs returns the number of locations of the calling rank.
func (p *Pool) Nlocs() int { return p.nlocs }

// Total returns the number of locations the calling pool rank performs
// I/O for: its own and those of its associates. Total returns 0 on
// non-pool ranks.
func (p *Pool) Total() int {
	if !p.inPool {
		return 0
	}
	return p.nlocs + p.assignment.Nlocs()
}

// GlobalNlocs returns the number of locations in the shared output.
// It is valid on pool ranks after the layout is computed.
func (p *Pool) GlobalNlocs() int { return p.layout.GlobalNlocs }

// Start returns the offset of the calling pool rank's tile in the
// shared output.
func (p *Pool) Start() int { return p.layout.Start }

// Layout returns the calling rank's layout.
func (p *Pool) Layout() Layout { return p.layout }

// IsParallelIO tells whether the pool ranks cooperatively write a
// single shared file.
func (p *Pool) IsParallelIO() bool {
	return p.inPool && !p.params.WriteMultipleFiles && p.PoolSize() > 1
}

// CreateMultipleFiles tells whether each pool rank writes its own
// file.
func (p *Pool) CreateMultipleFiles() bool {
	return p.inPool && p.params.WriteMultipleFiles && p.PoolSize() > 1
}

// Stats returns a snapshot of the pool's transfer counters.
func (p *Pool) Stats() stats.Values { return p.stats.Snapshot() }

// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package iopool

import (
	"fmt"
	"sort"
	"sync"

	"github.com/grailbio/base/errors"
)

// DefaultMaxPoolSize is the maximum pool size used when none (or a
// non-positive one) is configured.
const DefaultMaxPoolSize = 10

// A RankGroupMap maps each pool rank to the ordered list of its
// associates. Every rank of the group appears exactly once, either as
// a key or in exactly one associate list.
type RankGroupMap map[int][]int

// PoolRanks returns the pool ranks of the map in increasing order.
func (m RankGroupMap) PoolRanks() []int {
	ranks := make([]int, 0, len(m))
	for r := range m {
		ranks = append(ranks, r)
	}
	sort.Ints(ranks)
	return ranks
}

// PoolRankOf returns the mapping from each rank to its pool rank.
// Pool ranks map to themselves.
func (m RankGroupMap) PoolRankOf() map[int]int {
	of := make(map[int]int)
	for p, associates := range m {
		of[p] = p
		for _, a := range associates {
			of[a] = p
		}
	}
	return of
}

// Validate checks that m partitions the ranks [0, size).
func (m RankGroupMap) Validate(size int) error {
	seen := make([]bool, size)
	mark := func(r int) error {
		if r < 0 || r >= size {
			return errors.E(errors.Invalid, fmt.Sprintf("rank %d outside group of size %d", r, size))
		}
		if seen[r] {
			return errors.E(errors.Invalid, fmt.Sprintf("rank %d appears more than once", r))
		}
		seen[r] = true
		return nil
	}
	for _, p := range m.PoolRanks() {
		if err := mark(p); err != nil {
			return err
		}
		for _, a := range m[p] {
			if err := mark(a); err != nil {
				return err
			}
		}
	}
	for r, ok := range seen {
		if !ok {
			return errors.E(errors.Invalid, fmt.Sprintf("rank %d is not grouped", r))
		}
	}
	return nil
}

// A Strategy determines the shape of an I/O pool: how many ranks are
// in the pool, which ranks they are, and which ranks each pool rank
// performs I/O for. Strategy methods are invoked on rank 0 only.
type Strategy interface {
	// Name returns the strategy's registered name.
	Name() string
	// SizePool returns the number of pool ranks for a group of the
	// provided size, given the configured maximum pool size.
	SizePool(maxPoolSize, groupSize int) int
	// GroupRanks groups the ranks [0, groupSize) into target groups.
	GroupRanks(groupSize, target int) RankGroupMap
	// AssignRanks returns the assignment of every rank given the
	// group map and the location count of every rank. Ranks with no
	// assignment may be omitted.
	AssignRanks(groups RankGroupMap, nlocs []int) map[int]RankAssignment
}

var (
	strategyMu sync.Mutex
	strategies = map[string]Strategy{
		"single-pool": singlePool{},
		"all-tasks":   allTasks{},
	}
)

// RegisterStrategy registers a strategy under its name. It panics if
// a strategy of the same name is already registered.
func RegisterStrategy(s Strategy) {
	strategyMu.Lock()
	defer strategyMu.Unlock()
	if _, ok := strategies[s.Name()]; ok {
		panic(fmt.Sprintf("iopool: strategy %s already registered", s.Name()))
	}
	strategies[s.Name()] = s
}

// LookupStrategy returns the named strategy. An error with kind
// errors.NotExist is returned if no such strategy is registered.
func LookupStrategy(name string) (Strategy, error) {
	strategyMu.Lock()
	defer strategyMu.Unlock()
	s, ok := strategies[name]
	if !ok {
		return nil, errors.E(errors.NotExist, fmt.Sprintf("iopool: strategy %q", name))
	}
	return s, nil
}

// PoolSize returns min(maxPoolSize, groupSize), substituting
// DefaultMaxPoolSize for a non-positive maxPoolSize.
func PoolSize(maxPoolSize, groupSize int) int {
	if maxPoolSize <= 0 {
		maxPoolSize = DefaultMaxPoolSize
	}
	if groupSize < maxPoolSize {
		return groupSize
	}
	return maxPoolSize
}

// GroupContiguous splits the ranks [0, groupSize) into target
// contiguous runs. The first groupSize%target runs hold one rank more
// than the others. The first rank of each run is its pool rank; the
// remaining ranks are its associates, in increasing order. Pool
// outputs concatenated in pool rank order thus preserve the original
// rank order.
func GroupContiguous(groupSize, target int) RankGroupMap {
	groups := make(RankGroupMap)
	if target <= 0 {
		return groups
	}
	var (
		base = groupSize / target
		rem  = groupSize % target
		r    int
	)
	for i := 0; i < target; i++ {
		n := base
		if i < rem {
			n++
		}
		if n == 0 {
			continue
		}
		associates := make([]int, 0, n-1)
		for a := r + 1; a < r+n; a++ {
			associates = append(associates, a)
		}
		groups[r] = associates
		r += n
	}
	return groups
}

// AssignFromGroups builds the assignments implied by a group map:
// each pool rank is assigned its associates with their location
// counts, and each associate is assigned its pool rank with its own
// location count.
func AssignFromGroups(groups RankGroupMap, nlocs []int) map[int]RankAssignment {
	assignments := make(map[int]RankAssignment)
	for _, p := range groups.PoolRanks() {
		for _, a := range groups[p] {
			assignments[p] = append(assignments[p], Assignment{Rank: a, Nlocs: nlocs[a]})
			assignments[a] = RankAssignment{{Rank: p, Nlocs: nlocs[a]}}
		}
	}
	return assignments
}

// singlePool elects a single pool of contiguous rank runs.
type singlePool struct{}

func (singlePool) Name() string { return "single-pool" }

func (singlePool) SizePool(maxPoolSize, groupSize int) int {
	return PoolSize(maxPoolSize, groupSize)
}

func (singlePool) GroupRanks(groupSize, target int) RankGroupMap {
	return GroupContiguous(groupSize, target)
}

func (singlePool) AssignRanks(groups RankGroupMap, nlocs []int) map[int]RankAssignment {
	return AssignFromGroups(groups, nlocs)
}

// allTasks places every rank in the pool. Each rank performs its own
// I/O and no rank has associates.
type allTasks struct{}

func (allTasks) Name() string { return "all-tasks" }

func (allTasks) SizePool(_, groupSize int) int { return groupSize }

func (allTasks) GroupRanks(groupSize, _ int) RankGroupMap {
	groups := make(RankGroupMap)
	for r := 0; r < groupSize; r++ {
		groups[r] = []int{}
	}
	return groups
}

func (allTasks) AssignRanks(RankGroupMap, []int) map[int]RankAssignment {
	return nil
}

// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package distribution assigns records to the ranks of a process group.
// Every location of a record is held by the rank that owns the record.
// Distributions are deterministic functions of the record number (and
// the group size) so that every rank agrees on the owner of any record
// without communication.
package distribution

import (
	"encoding/binary"
	"fmt"
	"sort"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/spaolacci/murmur3"
)

// A Distribution assigns records to ranks.
type Distribution interface {
	// Name returns the name of the distribution.
	Name() string
	// Owner returns the rank that owns record rec.
	Owner(rec int) int
	// AssignRecord offers location gloc of record rec to the
	// distribution. The location is retained if the record belongs to
	// the calling rank.
	AssignRecord(rec, gloc int)
	// IsMyRecord tells whether record rec belongs to the calling rank.
	IsMyRecord(rec int) bool
	// Locations returns the global indices of the locations retained by
	// AssignRecord, in assignment order.
	Locations() []int
}

// A Maker constructs a distribution for a rank in a group of the given
// size.
type Maker func(rank, size int) Distribution

var (
	mu     sync.Mutex
	makers = map[string]Maker{
		"round-robin": func(rank, size int) Distribution { return NewRoundRobin(rank, size) },
		"hash":        func(rank, size int) Distribution { return NewHash(rank, size) },
	}
)

// Register registers a named distribution. Register panics if the name
// is already registered.
func Register(name string, mk Maker) {
	mu.Lock()
	defer mu.Unlock()
	if _, ok := makers[name]; ok {
		panic(fmt.Sprintf("distribution %s already registered", name))
	}
	makers[name] = mk
}

// Names returns the registered distribution names, sorted.
func Names() []string {
	mu.Lock()
	defer mu.Unlock()
	names := make([]string, 0, len(makers))
	for name := range makers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New returns the named distribution for the provided rank and group
// size. An error with kind errors.NotExist is returned if no such
// distribution is registered.
func New(name string, rank, size int) (Distribution, error) {
	mu.Lock()
	mk, ok := makers[name]
	mu.Unlock()
	if !ok {
		return nil, errors.E(errors.NotExist, fmt.Sprintf("distribution %q", name))
	}
	if size <= 0 || rank < 0 || rank >= size {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("distribution %q: rank %d in group of size %d", name, rank, size))
	}
	return mk(rank, size), nil
}

// base holds the state shared by the rule-based distributions.
type base struct {
	rank, size int
	locs       []int
	owner      func(rec int) int
}

func (b *base) Owner(rec int) int       { return b.owner(rec) }
func (b *base) IsMyRecord(rec int) bool { return b.owner(rec) == b.rank }
func (b *base) Locations() []int        { return b.locs }

func (b *base) AssignRecord(rec, gloc int) {
	if b.IsMyRecord(rec) {
		b.locs = append(b.locs, gloc)
	}
}

// RoundRobin assigns record rec to rank rec mod size.
type RoundRobin struct{ base }

// NewRoundRobin returns a round-robin distribution.
func NewRoundRobin(rank, size int) *RoundRobin {
	d := &RoundRobin{base{rank: rank, size: size}}
	d.owner = func(rec int) int { return rec % size }
	return d
}

// Name implements Distribution.
func (*RoundRobin) Name() string { return "round-robin" }

// Hash assigns records to ranks by the 32-bit murmur3 hash of the
// record number.
type Hash struct{ base }

// NewHash returns a hash distribution.
func NewHash(rank, size int) *Hash {
	d := &Hash{base{rank: rank, size: size}}
	d.owner = func(rec int) int {
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], uint64(rec))
		return int(murmur3.Sum32(b[:]) % uint32(size))
	}
	return d
}

// Name implements Distribution.
func (*Hash) Name() string { return "hash" }

// PatchObs returns, for each location with the provided record
// numbers, whether the location belongs to the patch of the calling
// rank, i.e., whether its record is owned by the rank.
func PatchObs(d Distribution, recnums []int) []bool {
	patch := make([]bool, len(recnums))
	for i, rec := range recnums {
		patch[i] = d.IsMyRecord(rec)
	}
	return patch
}

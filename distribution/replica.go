// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package distribution

import (
	"fmt"

	"github.com/grailbio/base/log"
)

// Replica is a distribution derived from a master distribution. Record
// rec of the replica is owned by the owner of record rec-Offset in the
// master. Replicas are used to place companion records, numbered
// above an offset, on the rank that owns the originating record.
//
// Replicas are created programmatically and are not registered by
// name.
type Replica struct {
	master Distribution
	offset int
	locs   []int
}

// NewReplica returns a replica of master whose record numbers are
// shifted by offset.
func NewReplica(master Distribution, offset int) *Replica {
	return &Replica{master: master, offset: offset}
}

// Name implements Distribution.
func (r *Replica) Name() string { return "replica of " + r.master.Name() }

// Owner implements Distribution.
func (r *Replica) Owner(rec int) int {
	if rec < r.offset {
		log.Panicf("replica of %s: record %d below offset %d", r.master.Name(), rec, r.offset)
	}
	return r.master.Owner(rec - r.offset)
}

// IsMyRecord implements Distribution.
func (r *Replica) IsMyRecord(rec int) bool {
	return rec >= r.offset && r.master.IsMyRecord(rec-r.offset)
}

// AssignRecord implements Distribution.
func (r *Replica) AssignRecord(rec, gloc int) {
	if r.IsMyRecord(rec) {
		r.locs = append(r.locs, gloc)
	}
}

// Locations implements Distribution.
func (r *Replica) Locations() []int { return r.locs }

// Pair is the union of two distributions over disjoint record number
// ranges: records below Offset are distributed by the first, the rest
// by the second. Pairs describe a dataset extended with companion
// records.
type Pair struct {
	first, second Distribution
	offset        int
}

// NewPair returns the pair of distributions first and second, split at
// record number offset.
func NewPair(first, second Distribution, offset int) *Pair {
	return &Pair{first: first, second: second, offset: offset}
}

// Name implements Distribution.
func (p *Pair) Name() string {
	return fmt.Sprintf("pair(%s, %s)", p.first.Name(), p.second.Name())
}

func (p *Pair) pick(rec int) Distribution {
	if rec < p.offset {
		return p.first
	}
	return p.second
}

// Owner implements Distribution.
func (p *Pair) Owner(rec int) int { return p.pick(rec).Owner(rec) }

// IsMyRecord implements Distribution.
func (p *Pair) IsMyRecord(rec int) bool { return p.pick(rec).IsMyRecord(rec) }

// AssignRecord panics: no records may be assigned to a pair after its
// creation.
func (p *Pair) AssignRecord(rec, gloc int) {
	log.Panicf("%s: cannot assign record %d after creation", p.Name(), rec)
}

// Locations implements Distribution. It returns the locations of the
// first distribution followed by those of the second.
func (p *Pair) Locations() []int {
	locs := append([]int(nil), p.first.Locations()...)
	return append(locs, p.second.Locations()...)
}

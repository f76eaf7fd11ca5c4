// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package distribution

import (
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
)

func TestNew(t *testing.T) {
	_, err := New("nonexistent", 0, 1)
	expect.True(t, errors.Is(errors.NotExist, err))
	_, err = New("round-robin", 3, 2)
	expect.True(t, errors.Is(errors.Invalid, err))
	d, err := New("hash", 1, 4)
	assert.NoError(t, err)
	expect.EQ(t, d.Name(), "hash")
	expect.EQ(t, Names(), []string{"hash", "round-robin"})
}

func TestRuleOwnership(t *testing.T) {
	const size = 5
	for _, name := range []string{"round-robin", "hash"} {
		dists := make([]Distribution, size)
		for r := range dists {
			var err error
			dists[r], err = New(name, r, size)
			assert.NoError(t, err)
		}
		for rec := 0; rec < 100; rec++ {
			owner := dists[0].Owner(rec)
			if owner < 0 || owner >= size {
				t.Fatalf("%s: record %d: owner %d out of range", name, rec, owner)
			}
			var n int
			for r, d := range dists {
				expect.EQ(t, d.Owner(rec), owner)
				if d.IsMyRecord(rec) {
					n++
					expect.EQ(t, r, owner)
				}
				d.AssignRecord(rec, rec*10)
			}
			expect.EQ(t, n, 1)
		}
		var total int
		for _, d := range dists {
			total += len(d.Locations())
		}
		expect.EQ(t, total, 100)
	}
	rr := NewRoundRobin(2, 3)
	expect.True(t, rr.IsMyRecord(5))
	expect.False(t, rr.IsMyRecord(6))
}

func TestReplicaAndPair(t *testing.T) {
	const (
		size   = 3
		offset = 100
	)
	for r := 0; r < size; r++ {
		master := NewHash(r, size)
		replica := NewReplica(master, offset)
		pair := NewPair(master, replica, offset)
		for rec := 0; rec < offset; rec++ {
			expect.EQ(t, replica.Owner(rec+offset), master.Owner(rec))
			expect.EQ(t, replica.IsMyRecord(rec+offset), master.IsMyRecord(rec))
			expect.EQ(t, pair.Owner(rec), master.Owner(rec))
			expect.EQ(t, pair.Owner(rec+offset), master.Owner(rec))
			replica.AssignRecord(rec+offset, rec)
		}
		expect.False(t, replica.IsMyRecord(3))
		for _, loc := range replica.Locations() {
			expect.True(t, master.IsMyRecord(loc))
		}
		expect.EQ(t, replica.Name(), "replica of hash")
	}
}

func TestPatchObs(t *testing.T) {
	d := NewRoundRobin(1, 2)
	expect.EQ(t, PatchObs(d, []int{0, 1, 1, 2, 3}), []bool{false, true, true, false, true})
}

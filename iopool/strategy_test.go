// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package iopool

import (
	"testing"

	fuzz "github.com/google/gofuzz"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
)

func TestPoolSize(t *testing.T) {
	for _, c := range []struct{ max, size, want int }{
		{2, 5, 2},
		{0, 5, 5},
		{0, 50, DefaultMaxPoolSize},
		{-3, 12, DefaultMaxPoolSize},
		{8, 3, 3},
		{1, 1, 1},
	} {
		if got, want := PoolSize(c.max, c.size), c.want; got != want {
			t.Errorf("PoolSize(%d, %d): got %v, want %v", c.max, c.size, got, want)
		}
	}
}

func TestGroupContiguous(t *testing.T) {
	expect.EQ(t, GroupContiguous(5, 2), RankGroupMap{0: {1, 2}, 3: {4}})
	expect.EQ(t, GroupContiguous(4, 4), RankGroupMap{0: {}, 1: {}, 2: {}, 3: {}})
	expect.EQ(t, GroupContiguous(7, 1), RankGroupMap{0: {1, 2, 3, 4, 5, 6}})
	expect.EQ(t, GroupContiguous(5, 2).PoolRanks(), []int{0, 3})
}

// TestGroupingCoverage checks that for random group and pool sizes,
// the grouping partitions the group into runs whose first rank is the
// pool rank.
func TestGroupingCoverage(t *testing.T) {
	fz := fuzz.NewWithSeed(31415)
	for iter := 0; iter < 500; iter++ {
		var a, b uint8
		fz.Fuzz(&a)
		fz.Fuzz(&b)
		size := int(a)%200 + 1
		target := int(b)%size + 1
		groups := GroupContiguous(size, target)
		if err := groups.Validate(size); err != nil {
			t.Fatalf("size %d target %d: %v", size, target, err)
		}
		if got, want := len(groups), target; got != want {
			t.Fatalf("size %d target %d: got %d groups", size, target, got)
		}
		var (
			next  int
			ranks = groups.PoolRanks()
		)
		for i, p := range ranks {
			if p != next {
				t.Fatalf("size %d target %d: pool rank %d, expected %d", size, target, p, next)
			}
			n := size / target
			if i < size%target {
				n++
			}
			if got, want := len(groups[p])+1, n; got != want {
				t.Errorf("size %d target %d: group %d has %d ranks, want %d", size, target, i, got, want)
			}
			for k, a := range groups[p] {
				if a != p+k+1 {
					t.Errorf("size %d target %d: group %d: associate %d is %d", size, target, i, k, a)
				}
			}
			next = p + len(groups[p]) + 1
		}
	}
}

func TestValidate(t *testing.T) {
	expect.True(t, errors.Is(errors.Invalid, RankGroupMap{0: {1}, 2: {1}}.Validate(3)))
	expect.True(t, errors.Is(errors.Invalid, RankGroupMap{0: {1}}.Validate(3)))
	expect.True(t, errors.Is(errors.Invalid, RankGroupMap{0: {5}}.Validate(2)))
	expect.NoError(t, RankGroupMap{0: {1}, 2: nil}.Validate(3))
}

// TestAssignmentSymmetry checks that each associate is assigned
// exactly its pool rank, with its own count, and that each pool rank
// is assigned its associates with the counts they reported.
func TestAssignmentSymmetry(t *testing.T) {
	fz := fuzz.NewWithSeed(12345)
	for iter := 0; iter < 100; iter++ {
		var a, b uint8
		fz.Fuzz(&a)
		fz.Fuzz(&b)
		size := int(a)%40 + 1
		target := int(b)%size + 1
		nlocs := make([]int, size)
		for r := range nlocs {
			var n uint16
			fz.Fuzz(&n)
			nlocs[r] = int(n % 100)
		}
		groups := GroupContiguous(size, target)
		assignments := AssignFromGroups(groups, nlocs)
		for p, associates := range groups {
			if got, want := len(assignments[p]), len(associates); got != want {
				t.Fatalf("pool rank %d: got %d assignments, want %d", p, got, want)
			}
			for i, a := range associates {
				expect.EQ(t, assignments[p][i], Assignment{Rank: a, Nlocs: nlocs[a]})
				expect.EQ(t, assignments[a], RankAssignment{{Rank: p, Nlocs: nlocs[a]}})
			}
		}
	}
}

func TestStrategies(t *testing.T) {
	s, err := LookupStrategy("all-tasks")
	assert.NoError(t, err)
	expect.EQ(t, s.SizePool(2, 6), 6)
	groups := s.GroupRanks(3, 3)
	expect.EQ(t, groups.PoolRanks(), []int{0, 1, 2})
	expect.EQ(t, len(s.AssignRanks(groups, []int{1, 2, 3})), 0)

	_, err = LookupStrategy("round-robin-pool")
	expect.True(t, errors.Is(errors.NotExist, err))
	expect.True(t, errors.Is(errors.NotExist, Params{WriterStrategy: "nope"}.Validate()))
	expect.NoError(t, DefaultParams().Validate())
	expect.NoError(t, Params{}.Validate())
}

func TestUniquifyFileName(t *testing.T) {
	for _, c := range []struct {
		name           string
		rank, timeRank int
		want           string
	}{
		{"obs.nc4", 3, -1, "obs_0003.nc4"},
		{"obs.nc4", 3, 1, "obs_0003_0001.nc4"},
		{"out/obs", 12, -1, "out/obs_0012"},
		{"s3://bucket.x/obs", 1, -1, "s3://bucket.x/obs_0001"},
		{"a.b/obs.odb.gz", 0, -1, "a.b/obs.odb_0000.gz"},
	} {
		if got := UniquifyFileName(c.name, c.rank, c.timeRank); got != c.want {
			t.Errorf("UniquifyFileName(%q, %d, %d): got %q, want %q", c.name, c.rank, c.timeRank, got, c.want)
		}
	}
}

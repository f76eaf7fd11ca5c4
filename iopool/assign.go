// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package iopool

import (
	"context"
	"fmt"
	"strings"

	"github.com/grailbio/base/must"
	"github.com/grailbio/obspool/comm"
)

// An Assignment pairs a peer rank with a location count. For a pool
// rank, the peer is an associate and the count is the number of
// locations the associate holds. For an associate, the peer is its
// pool rank and the count is the associate's own location count.
type Assignment struct {
	Rank  int
	Nlocs int
}

// A RankAssignment is the list of assignments of a rank: a pool rank's
// associates in order, or an associate's single pool rank. Pool ranks
// without associates hold an empty assignment.
type RankAssignment []Assignment

// Nlocs returns the sum of the location counts in the assignment.
func (a RankAssignment) Nlocs() int {
	var n int
	for _, x := range a {
		n += x.Nlocs
	}
	return n
}

func (a RankAssignment) String() string {
	parts := make([]string, len(a))
	for i, x := range a {
		parts[i] = fmt.Sprintf("%d:%d", x.Rank, x.Nlocs)
	}
	return "[" + strings.Join(parts, " ") + "]"
}

// assignRanks distributes rank assignments. Every rank contributes its
// location count; rank 0 computes the assignments with the provided
// strategy, scatters their sizes, and sends each non-empty assignment
// to its rank. The groups argument is consulted on rank 0 only.
func assignRanks(ctx context.Context, g *comm.Group, strategy Strategy, groups RankGroupMap, nlocs int) (RankAssignment, error) {
	counts, err := comm.AllGather(ctx, g, nlocs)
	if err != nil {
		return nil, err
	}
	var (
		sizes []int
		lists map[int]RankAssignment
	)
	if g.Rank() == 0 {
		lists = strategy.AssignRanks(groups, counts)
		sizes = make([]int, g.Size())
		for r := range sizes {
			sizes[r] = len(lists[r])
		}
	}
	size, err := comm.Scatter(ctx, g, 0, sizes)
	if err != nil {
		return nil, err
	}
	if g.Rank() == 0 {
		for r := 1; r < g.Size(); r++ {
			if len(lists[r]) == 0 {
				continue
			}
			if err := comm.SendValue(ctx, g, r, comm.KindAssignment, r, lists[r]); err != nil {
				return nil, err
			}
		}
		if lists[0] == nil {
			return RankAssignment{}, nil
		}
		return lists[0], nil
	}
	if size == 0 {
		return RankAssignment{}, nil
	}
	list, err := comm.RecvValue[RankAssignment](ctx, g, 0, comm.KindAssignment, g.Rank())
	if err != nil {
		return nil, err
	}
	must.Truef(len(list) == size, "rank %d: received assignment of %d entries, expected %d", g.Rank(), len(list), size)
	return list, nil
}

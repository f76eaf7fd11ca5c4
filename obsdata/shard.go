// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package obsdata

import (
	"fmt"
	"sort"

	"github.com/grailbio/base/errors"
)

// A Shard is the set of locations held by one rank, after time-window
// filtering and record grouping. Locations are indexed locally in
// [0, Nlocs()).
type Shard struct {
	// Locations holds the global index of each local location.
	Locations []int
	// RecNums holds the record number of each local location.
	RecNums []int
	// Patch marks the locations owned ("patch" locations) by this
	// rank. A location may be held by more than one rank (e.g., in a
	// halo) but is owned by exactly one. A nil Patch means that every
	// location is owned.
	Patch []bool
	// Columns holds the location-dimensioned variables, by name.
	Columns map[string]Column
}

// NewShard returns an empty shard with no columns.
func NewShard() *Shard {
	return &Shard{Columns: make(map[string]Column)}
}

// Nlocs returns the number of locations held by the shard.
func (s *Shard) Nlocs() int { return len(s.RecNums) }

// IsPatch tells whether location i is owned by this rank.
func (s *Shard) IsPatch(i int) bool {
	return s.Patch == nil || s.Patch[i]
}

// PatchNlocs returns the number of locations owned by this rank.
func (s *Shard) PatchNlocs() int {
	if s.Patch == nil {
		return s.Nlocs()
	}
	var n int
	for _, p := range s.Patch {
		if p {
			n++
		}
	}
	return n
}

// PatchIndices returns the local indices of the owned locations, in
// increasing order.
func (s *Shard) PatchIndices() []int {
	indices := make([]int, 0, s.PatchNlocs())
	for i := 0; i < s.Nlocs(); i++ {
		if s.IsPatch(i) {
			indices = append(indices, i)
		}
	}
	return indices
}

// Column returns the named column. An error with kind errors.NotExist
// is returned if the shard has no such column.
func (s *Shard) Column(name string) (Column, error) {
	c, ok := s.Columns[name]
	if !ok {
		return nil, errors.E(errors.NotExist, fmt.Sprintf("column %q", name))
	}
	return c, nil
}

// Names returns the names of the shard's columns in lexicographic
// order. Every rank iterates columns in this order, so that variable
// numbers agree across ranks.
func (s *Shard) Names() []string {
	names := make([]string, 0, len(s.Columns))
	for name := range s.Columns {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks that the shard's fields are consistently sized.
func (s *Shard) Validate() error {
	n := s.Nlocs()
	if s.Locations != nil && len(s.Locations) != n {
		return errors.E(errors.Invalid,
			fmt.Sprintf("shard has %d locations but %d record numbers", len(s.Locations), n))
	}
	if s.Patch != nil && len(s.Patch) != n {
		return errors.E(errors.Invalid,
			fmt.Sprintf("shard has %d patch flags but %d locations", len(s.Patch), n))
	}
	for _, name := range s.Names() {
		if got := s.Columns[name].Len(); got != n {
			return errors.E(errors.Invalid,
				fmt.Sprintf("column %q has %d values but shard has %d locations", name, got, n))
		}
	}
	return nil
}

// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package recidx

import (
	"fmt"
	"sort"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/obspool/obsdata"
)

// Order is a sort order.
type Order int

const (
	Ascending Order = iota
	Descending
)

func (o Order) String() string {
	if o == Descending {
		return "descending"
	}
	return "ascending"
}

// MissingTreatment determines how records containing missing sort
// values are sorted.
type MissingTreatment int

const (
	// Sort sorts missing values together with the present ones,
	// placing them according to the configured MissingPlacement.
	Sort MissingTreatment = iota
	// NoSort leaves a record containing any missing sort value in
	// arrival order. Other records are sorted.
	NoSort
	// IgnoreMissing keeps locations with missing sort values in their
	// original positions and sorts the remaining locations into the
	// remaining positions.
	IgnoreMissing
)

var treatmentNames = map[MissingTreatment]string{
	Sort:          "sort",
	NoSort:        "do not sort",
	IgnoreMissing: "ignore missing",
}

func (t MissingTreatment) String() string {
	if name, ok := treatmentNames[t]; ok {
		return name
	}
	return fmt.Sprintf("treatment(%d)", int(t))
}

// MissingPlacement determines where missing sort values are placed
// under the Sort treatment.
type MissingPlacement int

const (
	// Literal compares the missing-value sentinel as an ordinary
	// value.
	Literal MissingPlacement = iota
	// Last places missing values after all present values, in either
	// order.
	Last
	// First places missing values before all present values, in
	// either order.
	First
)

func (p MissingPlacement) String() string {
	switch p {
	case Last:
		return "last"
	case First:
		return "first"
	default:
		return "literal"
	}
}

// ParseOrder parses a sort order name.
func ParseOrder(s string) (Order, error) {
	switch strings.ToLower(s) {
	case "", "ascending":
		return Ascending, nil
	case "descending":
		return Descending, nil
	}
	return 0, errors.E(errors.Invalid, fmt.Sprintf("invalid sort order %q", s))
}

// ParseMissingTreatment parses a missing sort value treatment. Both
// the descriptive names ("sort", "do not sort", "ignore missing") and
// the symbolic ones ("SORT", "NO_SORT", "IGNORE_MISSING") are
// accepted.
func ParseMissingTreatment(s string) (MissingTreatment, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "sort":
		return Sort, nil
	case "do not sort", "no_sort":
		return NoSort, nil
	case "ignore missing", "ignore_missing":
		return IgnoreMissing, nil
	}
	return 0, errors.E(errors.Invalid, fmt.Sprintf("invalid missing sort value treatment %q", s))
}

// ParseMissingPlacement parses a missing value placement.
func ParseMissingPlacement(s string) (MissingPlacement, error) {
	switch strings.ToLower(s) {
	case "", "literal":
		return Literal, nil
	case "last":
		return Last, nil
	case "first":
		return First, nil
	}
	return 0, errors.E(errors.Invalid, fmt.Sprintf("invalid missing placement %q", s))
}

// Params configures the construction of an index.
type Params struct {
	// SortVariable names the column by which each record's locations
	// are sorted. An empty SortVariable builds an unsorted index.
	SortVariable string
	SortOrder    Order
	// MissingSortValueTreatment determines how records with missing
	// sort values are handled.
	MissingSortValueTreatment MissingTreatment
	// MissingPlacement applies to the Sort treatment only.
	MissingPlacement MissingPlacement
}

// FromShard builds the index of the provided shard according to
// params. An error with kind errors.NotExist is returned if the sort
// variable is absent from the shard.
func FromShard(shard *obsdata.Shard, params Params) (*Index, error) {
	if params.SortVariable == "" {
		return Build(shard.RecNums), nil
	}
	col, err := shard.Column(params.SortVariable)
	if err != nil {
		return nil, errors.E(err, "sort variable")
	}
	return BuildColumn(shard.RecNums, col, params)
}

// BuildColumn builds an index sorted by the values of col. See
// BuildSorted.
func BuildColumn(recnums []int, col obsdata.Column, params Params) (*Index, error) {
	switch c := col.(type) {
	case obsdata.Values[int32]:
		return BuildSorted(recnums, c, params)
	case obsdata.Values[int64]:
		return BuildSorted(recnums, c, params)
	case obsdata.Values[float32]:
		return BuildSorted(recnums, c, params)
	case obsdata.Values[float64]:
		return BuildSorted(recnums, c, params)
	case obsdata.Values[string]:
		return BuildSorted(recnums, c, params)
	default:
		return nil, errors.E(errors.Invalid, fmt.Sprintf("cannot sort by column of type %T", col))
	}
}

// BuildSorted returns an index whose records list their locations
// sorted by the provided values. Sorting is per record and stable:
// locations with equal values keep ascending index order, whether the
// order is ascending or descending.
func BuildSorted[T obsdata.Element](recnums []int, values obsdata.Values[T], params Params) (*Index, error) {
	if len(values) != len(recnums) {
		return nil, errors.E(errors.Invalid,
			fmt.Sprintf("%d sort values for %d locations", len(values), len(recnums)))
	}
	ix := Build(recnums)
	s := sorter[T]{values: values, params: params, missing: obsdata.Missing[T]()}
	for _, rec := range ix.recs {
		s.sortRecord(ix.locs[rec])
	}
	return ix, nil
}

type sorter[T obsdata.Element] struct {
	values  obsdata.Values[T]
	params  Params
	missing T
}

func (s sorter[T]) isMissing(i int) bool { return s.values[i] == s.missing }

// less compares the values at location indices i and j in the
// configured order, ignoring missing value placement.
func (s sorter[T]) less(i, j int) bool {
	if s.params.SortOrder == Descending {
		return s.values[i] > s.values[j]
	}
	return s.values[i] < s.values[j]
}

// lessPlaced is less, with missing values placed according to the
// configured placement.
func (s sorter[T]) lessPlaced(i, j int) bool {
	if s.params.MissingPlacement == Literal {
		return s.less(i, j)
	}
	mi, mj := s.isMissing(i), s.isMissing(j)
	switch {
	case mi && mj:
		return false
	case mi:
		return s.params.MissingPlacement == First
	case mj:
		return s.params.MissingPlacement == Last
	}
	return s.less(i, j)
}

// sortRecord sorts the location indices of one record in place. Locs is in
// ascending index order on entry, so a stable sort breaks ties by
// index.
func (s sorter[T]) sortRecord(locs []int) {
	switch s.params.MissingSortValueTreatment {
	case Sort:
		sort.SliceStable(locs, func(a, b int) bool { return s.lessPlaced(locs[a], locs[b]) })
	case NoSort:
		for _, i := range locs {
			if s.isMissing(i) {
				return
			}
		}
		sort.SliceStable(locs, func(a, b int) bool { return s.less(locs[a], locs[b]) })
	case IgnoreMissing:
		var present []int
		for _, i := range locs {
			if !s.isMissing(i) {
				present = append(present, i)
			}
		}
		if len(present) == len(locs) || len(present) == 0 {
			sort.SliceStable(locs, func(a, b int) bool { return s.less(locs[a], locs[b]) })
			return
		}
		sort.SliceStable(present, func(a, b int) bool { return s.less(present[a], present[b]) })
		// Missing locations keep their slots; present ones fill the
		// others in sorted order.
		for k, i := range locs {
			if s.isMissing(i) {
				continue
			}
			locs[k], present = present[0], present[1:]
		}
	}
}

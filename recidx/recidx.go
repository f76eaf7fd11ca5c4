// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package recidx implements per-rank record indexes. A record index
// maps each record number held by a rank to the ordered list of the
// local indices of its locations. Indexes are built once, either in
// arrival order or sorted (per record) by a designated variable, and
// may be appended to afterwards, e.g., when a dataset is extended with
// companion records.
package recidx

import (
	"fmt"
	"sort"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
)

// Index is a record index. Record numbers are iterated in ascending
// order. The zero Index is empty and ready to use.
type Index struct {
	locs map[int][]int
	// recs holds the record numbers of the index, sorted.
	recs []int
	n    int
}

// Build returns an unsorted index for locations with the provided
// record numbers: the locations of each record are listed in arrival
// order.
func Build(recnums []int) *Index {
	ix := new(Index)
	for i, rec := range recnums {
		ix.Append(rec, i)
	}
	return ix
}

// Append appends the provided local location indices to record rec,
// adding the record to the index if necessary.
func (ix *Index) Append(rec int, locs ...int) {
	if ix.locs == nil {
		ix.locs = make(map[int][]int)
	}
	cur, ok := ix.locs[rec]
	if !ok {
		i := sort.SearchInts(ix.recs, rec)
		ix.recs = append(ix.recs, 0)
		copy(ix.recs[i+1:], ix.recs[i:])
		ix.recs[i] = rec
	}
	ix.locs[rec] = append(cur, locs...)
	ix.n += len(locs)
}

// Has tells whether the index contains record rec.
func (ix *Index) Has(rec int) bool {
	_, ok := ix.locs[rec]
	return ok
}

// Vector returns the ordered local indices of the locations of record
// rec. An error with kind errors.NotExist is returned if the index does
// not contain the record. The returned slice must not be modified.
func (ix *Index) Vector(rec int) ([]int, error) {
	locs, ok := ix.locs[rec]
	if !ok {
		return nil, errors.E(errors.NotExist, fmt.Sprintf("record %d", rec))
	}
	return locs, nil
}

// MustVector is like Vector, but panics if the record does not exist.
// Looking up a record that is not held locally is a consistency
// failure.
func (ix *Index) MustVector(rec int) []int {
	locs, ok := ix.locs[rec]
	if !ok {
		log.Panicf("recidx: record %d is not in the index", rec)
	}
	return locs
}

// RecordNumbers returns the record numbers of the index in ascending
// order. The returned slice must not be modified.
func (ix *Index) RecordNumbers() []int { return ix.recs }

// Len returns the number of records in the index.
func (ix *Index) Len() int { return len(ix.recs) }

// NumLocations returns the total number of locations in the index.
func (ix *Index) NumLocations() int { return ix.n }

// Each calls fn for each record, in ascending record number order,
// with the record's ordered location indices.
func (ix *Index) Each(fn func(rec int, locs []int)) {
	for _, rec := range ix.recs {
		fn(rec, ix.locs[rec])
	}
}

// String returns a short description of the index.
func (ix *Index) String() string {
	return fmt.Sprintf("recidx(%d records, %d locations)", ix.Len(), ix.NumLocations())
}

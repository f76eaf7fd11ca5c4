// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package extend extends a distributed dataset with companion
// records. Every original record owned by a rank receives a companion
// record of a fixed number of locations (levels), owned by the same
// rank. Companion record numbers are offset by an upper bound on the
// original record numbers, so that they sort after every original
// record.
package extend

import (
	"context"
	"fmt"

	"github.com/grailbio/base/log"
	"github.com/grailbio/obspool/comm"
	"github.com/grailbio/obspool/distribution"
	"github.com/grailbio/obspool/obsdata"
	"github.com/grailbio/obspool/recidx"
)

// FlagVariable names the int32 column that marks companion locations
// with 1 and original locations with 0.
const FlagVariable = "extended_obs_space"

// DefaultFillVariables are the variables whose companion values are
// filled by default.
var DefaultFillVariables = []string{"latitude", "longitude", "dateTime", "air_pressure", "air_pressure_levels"}

// Params configures an extension.
type Params struct {
	// Levels is the number of locations of each companion record. A
	// non-positive value disables extension.
	Levels int
	// FillVariables lists the variables whose companion values are
	// filled with the first non-missing value of the original record.
	// All other companion values are missing. Variables absent from the
	// dataset are ignored.
	FillVariables []string
}

// Result describes a completed extension.
type Result struct {
	// UpperBound is the offset between an original record number and
	// that of its companion.
	UpperBound int
	// Added is the number of locations added on the calling rank.
	Added int
	// GlobalNlocs is the number of locations of the extended dataset,
	// each counted once, by the rank that owns it.
	GlobalNlocs int
	// Distribution distributes both the original and the companion
	// records.
	Distribution distribution.Distribution
}

// Extend extends the dataset held by the ranks of g. Shard and index
// hold the calling rank's locations; dist is the distribution of the
// original records. Extend is collective over g.
//
// Companion locations are appended to the shard (as patch locations)
// and to the index; every column is resized accordingly, and the
// column FlagVariable is added. Companion locations are assigned new
// global location indices above those of the original dataset.
func Extend(ctx context.Context, g *comm.Group, shard *obsdata.Shard, index *recidx.Index, dist distribution.Distribution, params Params) (Result, error) {
	if params.Levels <= 0 {
		return Result{Distribution: dist}, nil
	}
	// A rank with an invalid shard still joins the agreement so that
	// every rank fails together.
	if err := comm.Agree(ctx, g, shard.Validate()); err != nil {
		return Result{}, err
	}
	var upper int
	if recs := index.RecordNumbers(); len(recs) > 0 {
		upper = recs[len(recs)-1] + 1
	}
	upper, err := comm.AllReduce(ctx, g, upper, maxInt)
	if err != nil {
		return Result{}, err
	}

	var owned []int
	for _, rec := range index.RecordNumbers() {
		if dist.IsMyRecord(rec) {
			owned = append(owned, rec)
		}
	}
	added := len(owned) * params.Levels

	// New global location indices follow those of the original
	// dataset, ordered by rank.
	var maxLoc = -1
	for _, loc := range shard.Locations {
		if loc > maxLoc {
			maxLoc = loc
		}
	}
	maxLoc, err = comm.AllReduce(ctx, g, maxLoc, maxInt)
	if err != nil {
		return Result{}, err
	}
	counts, err := comm.AllGather(ctx, g, added)
	if err != nil {
		return Result{}, err
	}
	gloc := maxLoc + 1
	for r := 0; r < g.Rank(); r++ {
		gloc += counts[r]
	}

	replica := distribution.NewReplica(dist, upper)
	nlocs := shard.Nlocs()
	// A shard without global indices stays without them.
	withLocations := shard.Locations != nil || nlocs == 0
	companions := make(map[int][]int, len(owned))
	for _, rec := range owned {
		crec := rec + upper
		if owner, want := replica.Owner(crec), dist.Owner(rec); owner != want {
			log.Panicf("extend: rank %d: companion %d of record %d owned by rank %d, expected %d",
				g.Rank(), crec, rec, owner, want)
		}
		locs := make([]int, params.Levels)
		for k := range locs {
			locs[k] = nlocs
			replica.AssignRecord(crec, gloc)
			shard.RecNums = append(shard.RecNums, crec)
			if withLocations {
				shard.Locations = append(shard.Locations, gloc)
			}
			if shard.Patch != nil {
				shard.Patch = append(shard.Patch, true)
			}
			nlocs++
			gloc++
		}
		index.Append(crec, locs...)
		companions[rec] = locs
	}

	norig := nlocs - added
	for name, col := range shard.Columns {
		shard.Columns[name] = col.Resize(nlocs)
	}
	for _, name := range params.FillVariables {
		col, ok := shard.Columns[name]
		if !ok {
			log.Debug.Printf("extend: fill variable %s not present", name)
			continue
		}
		for _, rec := range owned {
			src := -1
			for _, i := range index.MustVector(rec) {
				if !col.IsMissing(i) {
					src = i
					break
				}
			}
			if src < 0 {
				continue
			}
			for _, i := range companions[rec] {
				col.Copy(i, src)
			}
		}
	}
	flag := make(obsdata.Values[int32], nlocs)
	for i := norig; i < nlocs; i++ {
		flag[i] = 1
	}
	shard.Columns[FlagVariable] = flag
	if err := shard.Validate(); err != nil {
		log.Panicf("extend: rank %d: inconsistent shard after extension: %v", g.Rank(), err)
	}

	global, err := comm.AllReduce(ctx, g, shard.PatchNlocs(), func(x, y int) int { return x + y })
	if err != nil {
		return Result{}, err
	}
	if g.Rank() == 0 {
		log.Printf("extend: added %d levels to each record; %d locations, record offset %d", params.Levels, global, upper)
	}
	return Result{
		UpperBound:   upper,
		Added:        added,
		GlobalNlocs:  global,
		Distribution: distribution.NewPair(dist, replica, upper),
	}, nil
}

func maxInt(x, y int) int {
	if x > y {
		return x
	}
	return y
}

// String returns a summary of the result.
func (r Result) String() string {
	return fmt.Sprintf("extension(+%d locations, %d global, offset %d)", r.Added, r.GlobalNlocs, r.UpperBound)
}

// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package extend

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/grailbio/obspool/comm"
	"github.com/grailbio/obspool/distribution"
	"github.com/grailbio/obspool/obsdata"
	"github.com/grailbio/obspool/recidx"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
)

const nrank = 3

// testShard returns the shard of rank r: record r with 3 locations,
// record r+nrank with 2 locations, and one halo location of the record
// owned by the next rank. Global location indices are rec*10+k.
func testShard(r int) *obsdata.Shard {
	s := obsdata.NewShard()
	var (
		pressure obsdata.Values[float32]
		station  obsdata.Values[string]
		lat      obsdata.Values[float64]
	)
	add := func(rec, k int, p float32, patch bool) {
		s.RecNums = append(s.RecNums, rec)
		s.Locations = append(s.Locations, rec*10+k)
		s.Patch = append(s.Patch, patch)
		pressure = append(pressure, p)
		station = append(station, fmt.Sprintf("s%d", rec))
		lat = append(lat, float64(rec))
	}
	m := obsdata.MissingFloat32
	add(r, 0, m, true)
	add(r, 1, float32(7+r), true)
	add(r, 2, m, true)
	add(r+nrank, 0, m, true)
	add(r+nrank, 1, m, true)
	add((r+1)%nrank, 0, 99, false)
	s.Columns["air_pressure"] = pressure
	s.Columns["station_id"] = station
	s.Columns["latitude"] = lat
	return s
}

func TestExtend(t *testing.T) {
	var (
		shards  [nrank]*obsdata.Shard
		indices [nrank]*recidx.Index
		results [nrank]Result
	)
	err := comm.Run(context.Background(), nrank, func(ctx context.Context, g *comm.Group) error {
		r := g.Rank()
		shard := testShard(r)
		index := recidx.Build(shard.RecNums)
		dist := distribution.NewRoundRobin(r, g.Size())
		params := Params{Levels: 2, FillVariables: append([]string{"nonexistent"}, DefaultFillVariables...)}
		res, err := Extend(ctx, g, shard, index, dist, params)
		if err != nil {
			return err
		}
		shards[r], indices[r], results[r] = shard, index, res
		return nil
	})
	assert.NoError(t, err)

	var newLocs []int
	for r := 0; r < nrank; r++ {
		shard, index, res := shards[r], indices[r], results[r]
		expect.EQ(t, res.UpperBound, 6)
		expect.EQ(t, res.Added, 4)
		expect.EQ(t, res.GlobalNlocs, nrank*5+nrank*4)
		expect.EQ(t, shard.Nlocs(), 10)
		assert.NoError(t, shard.Validate())

		c1, c2 := r+6, r+nrank+6
		expect.EQ(t, index.MustVector(c1), []int{6, 7})
		expect.EQ(t, index.MustVector(c2), []int{8, 9})
		recs := index.RecordNumbers()
		expect.EQ(t, recs[len(recs)-2:], []int{c1, c2})
		expect.EQ(t, shard.RecNums[6:], []int{c1, c1, c2, c2})
		expect.EQ(t, shard.Patch[6:], []bool{true, true, true, true})
		newLocs = append(newLocs, shard.Locations[6:]...)

		pressure := shard.Columns["air_pressure"].(obsdata.Values[float32])
		expect.EQ(t, pressure[6:8], obsdata.Values[float32]{float32(7 + r), float32(7 + r)})
		// All values of the original record are missing.
		expect.True(t, pressure.IsMissing(8))
		expect.True(t, pressure.IsMissing(9))

		station := shard.Columns["station_id"]
		for i := 6; i < 10; i++ {
			expect.True(t, station.IsMissing(i), "rank %d location %d", r, i)
		}
		lat := shard.Columns["latitude"].(obsdata.Values[float64])
		expect.EQ(t, lat[6:], obsdata.Values[float64]{float64(r), float64(r), float64(r + nrank), float64(r + nrank)})

		expect.EQ(t, shard.Columns[FlagVariable],
			obsdata.Column(obsdata.Values[int32]{0, 0, 0, 0, 0, 0, 1, 1, 1, 1}))

		d := res.Distribution
		expect.EQ(t, d.Owner(c1), r)
		expect.EQ(t, d.Owner(c2), r)
		expect.EQ(t, d.Owner(r), r)
		expect.True(t, d.IsMyRecord(c2))
		expect.False(t, d.IsMyRecord((r+1)%nrank+6))
	}
	// Companion locations are numbered after the largest original
	// global index (51), in rank order.
	want := make([]int, 4*nrank)
	for i := range want {
		want[i] = 52 + i
	}
	expect.EQ(t, newLocs, want)
}

func TestExtendDisabled(t *testing.T) {
	err := comm.Run(context.Background(), 2, func(ctx context.Context, g *comm.Group) error {
		shard := testShard(g.Rank())
		index := recidx.Build(shard.RecNums)
		dist := distribution.NewRoundRobin(g.Rank(), g.Size())
		res, err := Extend(ctx, g, shard, index, dist, Params{Levels: 0})
		if err != nil {
			return err
		}
		if shard.Nlocs() != 6 || index.NumLocations() != 6 || res.Added != 0 {
			return fmt.Errorf("rank %d: shard modified: %s", g.Rank(), res)
		}
		if _, ok := shard.Columns[FlagVariable]; ok {
			return fmt.Errorf("rank %d: unexpected %s", g.Rank(), FlagVariable)
		}
		return nil
	})
	assert.NoError(t, err)
}

func TestExtendSortedIndex(t *testing.T) {
	// Fill values are taken in index order.
	err := comm.Run(context.Background(), 1, func(ctx context.Context, g *comm.Group) error {
		shard := obsdata.NewShard()
		shard.RecNums = []int{0, 0, 0}
		shard.Columns["air_pressure"] = obsdata.Values[float32]{3, obsdata.MissingFloat32, 5}
		shard.Columns["latitude"] = obsdata.Values[float64]{1, 2, 3}
		index, err := recidx.FromShard(shard, recidx.Params{
			SortVariable:              "air_pressure",
			SortOrder:                 recidx.Descending,
			MissingSortValueTreatment: recidx.Sort,
		})
		if err != nil {
			return err
		}
		dist := distribution.NewRoundRobin(0, 1)
		if _, err := Extend(ctx, g, shard, index, dist, Params{Levels: 1, FillVariables: []string{"latitude"}}); err != nil {
			return err
		}
		first := index.MustVector(0)[0]
		lat := shard.Columns["latitude"].(obsdata.Values[float64])
		if got, want := lat[3], lat[first]; got != want {
			return fmt.Errorf("latitude: got %v, want %v", got, want)
		}
		return nil
	})
	assert.NoError(t, err)
}

func TestExtendInvalidShard(t *testing.T) {
	// Ranks run without a shared cancellation: the rank with the
	// invalid shard must not leave its peers blocked.
	const n = 2
	var (
		wg   sync.WaitGroup
		errs = make([]error, n)
	)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for r, tr := range comm.Local(n) {
		r, g := r, comm.New(tr)
		wg.Add(1)
		go func() {
			defer wg.Done()
			shard := testShard(r)
			index := recidx.Build(shard.RecNums)
			if r == 1 {
				shard.Patch = shard.Patch[:1]
			}
			dist := distribution.NewRoundRobin(r, n)
			_, errs[r] = Extend(ctx, g, shard, index, dist, Params{Levels: 2})
		}()
	}
	wg.Wait()
	for r, err := range errs {
		if err == nil || !strings.Contains(err.Error(), "patch flags") {
			t.Errorf("rank %d: unexpected error %v", r, err)
		}
		if ctx.Err() != nil {
			t.Errorf("rank %d: timed out", r)
		}
	}
}

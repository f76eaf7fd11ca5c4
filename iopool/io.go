// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package iopool

import (
	"context"
	"fmt"
	"sort"

	"github.com/grailbio/base/data"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/obspool/comm"
	"github.com/grailbio/obspool/obsdata"
	"github.com/grailbio/obspool/stats"
)

// A Tile is the contiguous block of locations saved or loaded by one
// pool rank.
type Tile struct {
	// PoolRank and PoolSize identify the writing rank within the pool.
	PoolRank, PoolSize int
	// Start is the offset of the tile in the shared output, and
	// GlobalCount the number of locations in it. When Multiple is set,
	// each pool rank writes its own output: Start is 0 and GlobalCount
	// equals Count.
	Start, Count, GlobalCount int
	Multiple                  bool
	// Names lists the tile's variables in variable number order.
	Names []string
	// Columns holds the values of each variable.
	Columns map[string]obsdata.Column
}

// Bytes returns the approximate size of the tile's values.
func (t Tile) Bytes() int64 {
	var n int64
	for _, c := range t.Columns {
		n += obsdata.Bytes(c)
	}
	return n
}

// TileWriter is the physical output of a writer pool.
type TileWriter interface {
	// WriteTile writes the provided tile. WriteTile is called
	// concurrently by all pool ranks.
	WriteTile(ctx context.Context, tile Tile) error
}

// TileReader is the physical input of a reader pool.
type TileReader interface {
	// ReadTile reads count locations starting at the provided offset.
	ReadTile(ctx context.Context, start, count int) (Tile, error)
}

// LocationReader is a TileReader that can also read an arbitrary set
// of locations of the shared output.
type LocationReader interface {
	TileReader
	// ReadLocations reads the locations with the provided global
	// indices, in the order given. The returned tile's Count is
	// len(locations); Start is meaningless.
	ReadLocations(ctx context.Context, locations []int) (Tile, error)
}

// RecordVariable names the int64 variable under which Save stores the
// record number of each location. Loads restore it into the shard's
// record numbers.
const RecordVariable = "record_number"

// header describes a variable on the wire.
type header struct {
	Name string
	Kind obsdata.Kind
}

func headerNames(headers []header) []string {
	names := make([]string, len(headers))
	for i, h := range headers {
		names[i] = h.Name
	}
	return names
}

// compareHeaders reports whether rank r's variables, got, match rank
// 0's, want, in name and kind.
func compareHeaders(r int, got, want []header) error {
	sameNames := len(got) == len(want)
	for i := 0; sameNames && i < len(got); i++ {
		sameNames = got[i].Name == want[i].Name
	}
	if !sameNames {
		return errors.E(errors.Invalid, fmt.Sprintf("rank %d holds variables %q, rank 0 holds %q",
			r, headerNames(got), headerNames(want)))
	}
	for i := range got {
		if got[i].Kind != want[i].Kind {
			return errors.E(errors.Invalid, fmt.Sprintf("rank %d holds variable %s as %s, rank 0 as %s",
				r, got[i].Name, got[i].Kind, want[i].Kind))
		}
	}
	return nil
}

// Save gathers the patch locations of shard onto the pool ranks, which
// write them through w, together with their record numbers under
// RecordVariable. Save is collective over the pool's group: every rank
// must call it, with shards holding variables of the same names and
// kinds. If
// any rank fails, every rank returns an error. Save returns after all
// pool ranks have finished writing.
func (p *Pool) Save(ctx context.Context, shard *obsdata.Shard, w TileWriter) error {
	if p.mode != Writer {
		return errors.E(errors.Invalid, fmt.Sprintf("%s: save on a reader pool", p))
	}
	p.advance(Active)
	err := shard.Validate()
	if err == nil && shard.PatchNlocs() != p.nlocs {
		err = errors.E(errors.Invalid,
			fmt.Sprintf("shard has %d patch locations, pool was formed with %d", shard.PatchNlocs(), p.nlocs))
	}
	if _, ok := shard.Columns[RecordVariable]; err == nil && ok {
		err = errors.E(errors.Invalid, fmt.Sprintf("variable %s is reserved", RecordVariable))
	}
	columns := make(map[string]obsdata.Column, len(shard.Columns)+1)
	for name, col := range shard.Columns {
		columns[name] = col
	}
	recs := make(obsdata.Values[int64], shard.Nlocs())
	for i, rec := range shard.RecNums {
		recs[i] = int64(rec)
	}
	columns[RecordVariable] = recs
	names := make([]string, 0, len(columns))
	for name := range columns {
		names = append(names, name)
	}
	sort.Strings(names)
	headers := make([]header, len(names))
	for i, name := range names {
		headers[i] = header{name, columns[name].Kind()}
	}
	// Every rank must agree on the names and kinds of the variables
	// before data move.
	all, cerr := comm.AllGather(ctx, p.g, headers)
	if cerr != nil {
		return cerr
	}
	for r := 1; err == nil && r < len(all); r++ {
		err = compareHeaders(r, all[r], all[0])
	}
	if err = comm.Agree(ctx, p.g, err); err != nil {
		return errors.E(err, fmt.Sprintf("%s: save", p))
	}

	patch := shard.PatchIndices()
	tile := Tile{
		PoolRank:    -1,
		Names:       names,
		Columns:     make(map[string]obsdata.Column),
		Start:       p.layout.Start,
		Count:       p.Total(),
		GlobalCount: p.layout.GlobalNlocs,
		Multiple:    p.CreateMultipleFiles(),
	}
	if p.inPool {
		tile.PoolRank, tile.PoolSize = p.sub.Rank(), p.sub.Size()
	}
	if tile.Multiple {
		tile.Start, tile.GlobalCount = 0, tile.Count
	}
	for varNum, name := range names {
		col := columns[name]
		if shard.Patch != nil {
			col = col.Select(patch)
		}
		var gathered obsdata.Column
		if gathered, err = gatherColumn(ctx, p, varNum, col); err != nil {
			break
		}
		if p.inPool {
			if gathered == nil {
				gathered = obsdata.Make(col.Kind(), 0)
			}
			tile.Columns[name] = gathered
		}
	}
	if err == nil && p.inPool {
		if err = w.WriteTile(ctx, tile); err == nil {
			p.stats.Add(stats.TilesWritten, 1)
			log.Debug.Printf("%s: wrote tile [%d, %d) of %d (%s)",
				p, tile.Start, tile.Start+tile.Count, tile.GlobalCount, data.Size(tile.Bytes()))
		}
	}
	// The agreement doubles as the barrier that holds every rank until
	// all writers have finished.
	if err = comm.Agree(ctx, p.g, err); err != nil {
		return errors.E(err, fmt.Sprintf("%s: save", p))
	}
	p.eventer.Event("obspool:save",
		"rank", p.g.Rank(),
		"inPool", p.inPool,
		"count", tile.Count,
		"variables", len(names))
	return nil
}

// Load reads the locations of the calling rank through r. Pool ranks
// read a tile holding their own locations followed by those of their
// associates, and scatter it. Load is collective over the pool's
// group. The returned shard holds the rank's locations, all of which
// are patch locations, with the record numbers stored by Save. Global
// location indices are left to the caller.
func (p *Pool) Load(ctx context.Context, r TileReader) (*obsdata.Shard, error) {
	if err := p.beginLoad(ctx); err != nil {
		return nil, err
	}
	var (
		tile    Tile
		headers []header
		err     error
	)
	if p.inPool {
		tile, err = r.ReadTile(ctx, p.layout.Start, p.Total())
		if err == nil {
			headers, err = tileHeaders(tile, p.Total())
		}
		if err == nil {
			p.stats.Add(stats.TilesRead, 1)
			log.Debug.Printf("%s: read tile [%d, %d) (%s)",
				p, p.layout.Start, p.layout.Start+p.Total(), data.Size(tile.Bytes()))
		}
	}
	if err = comm.Agree(ctx, p.g, err); err != nil {
		return nil, errors.E(err, fmt.Sprintf("%s: load", p))
	}
	return p.scatterTile(ctx, tile, headers)
}

// LoadLocations reads the locations with the provided global indices
// through r, so that each rank obtains exactly the locations it owns
// under an arbitrary distribution. Every rank passes as many indices
// as the location count the pool was formed with. Associates send
// their indices to their pool rank, which reads the union of its own
// and its associates' locations and scatters them back.
//
// LoadLocations is collective over the pool's group. The returned
// shard holds the requested locations in the order given, with their
// global indices and the record numbers stored by Save.
func (p *Pool) LoadLocations(ctx context.Context, r LocationReader, locations []int) (*obsdata.Shard, error) {
	if err := p.beginLoad(ctx); err != nil {
		return nil, err
	}
	var err error
	if len(locations) != p.nlocs {
		err = errors.E(errors.Invalid,
			fmt.Sprintf("%d locations requested, pool was formed with %d", len(locations), p.nlocs))
	}
	for _, loc := range locations {
		if err == nil && loc < 0 {
			err = errors.E(errors.Invalid, fmt.Sprintf("negative location index %d", loc))
		}
	}
	if err = comm.Agree(ctx, p.g, err); err != nil {
		return nil, errors.E(err, fmt.Sprintf("%s: load locations", p))
	}

	var (
		tile    Tile
		headers []header
	)
	if !p.inPool {
		if err := comm.SendValue(ctx, p.g, p.assignment[0].Rank, comm.KindLocations, -1, locations); err != nil {
			return nil, err
		}
	} else {
		all := make([]int, 0, p.Total())
		all = append(all, locations...)
		for _, a := range p.assignment {
			part, err := comm.RecvValue[[]int](ctx, p.g, a.Rank, comm.KindLocations, -1)
			if err != nil {
				return nil, err
			}
			if len(part) != a.Nlocs {
				log.Panicf("%s: received %d location indices from rank %d, expected %d", p, len(part), a.Rank, a.Nlocs)
			}
			all = append(all, part...)
		}
		tile, err = r.ReadLocations(ctx, all)
		if err == nil {
			headers, err = tileHeaders(tile, len(all))
		}
		if err == nil {
			p.stats.Add(stats.TilesRead, 1)
			log.Debug.Printf("%s: read %d scattered locations (%s)", p, len(all), data.Size(tile.Bytes()))
		}
	}
	if err = comm.Agree(ctx, p.g, err); err != nil {
		return nil, errors.E(err, fmt.Sprintf("%s: load locations", p))
	}
	shard, err := p.scatterTile(ctx, tile, headers)
	if err != nil {
		return nil, err
	}
	shard.Locations = append([]int(nil), locations...)
	return shard, nil
}

// beginLoad checks the pool's mode and activates it. Reader layouts
// are computed on the first load.
func (p *Pool) beginLoad(ctx context.Context) error {
	if p.mode != Reader {
		return errors.E(errors.Invalid, fmt.Sprintf("%s: load on a writer pool", p))
	}
	first := p.state == Split
	p.advance(Active)
	if first {
		return p.computeLayout(ctx)
	}
	return nil
}

// scatterTile distributes a tile read by each pool rank, holding its
// own locations followed by those of its associates, and returns the
// calling rank's shard. Tile and headers are ignored on associates.
func (p *Pool) scatterTile(ctx context.Context, tile Tile, headers []header) (*obsdata.Shard, error) {
	// Associates learn the variables from their pool rank.
	if p.inPool {
		for _, a := range p.assignment {
			if err := comm.SendValue(ctx, p.g, a.Rank, comm.KindVarData, -1, headers); err != nil {
				return nil, err
			}
		}
	} else {
		var err error
		if headers, err = comm.RecvValue[[]header](ctx, p.g, p.assignment[0].Rank, comm.KindVarData, -1); err != nil {
			return nil, err
		}
	}
	shard := obsdata.NewShard()
	shard.RecNums = make([]int, p.nlocs)
	for varNum, h := range headers {
		col, err := scatterColumn(ctx, p, varNum, h.Kind, tile.Columns[h.Name])
		if err != nil {
			return nil, errors.E(err, fmt.Sprintf("%s: load variable %s", p, h.Name))
		}
		if col == nil {
			col = obsdata.Make(h.Kind, 0)
		}
		if h.Name != RecordVariable {
			shard.Columns[h.Name] = col
			continue
		}
		recs, ok := obsdata.Of[int64](col)
		if !ok {
			return nil, errors.E(errors.Integrity, fmt.Sprintf("%s: variable %s has kind %s", p, h.Name, h.Kind))
		}
		for i, rec := range recs {
			shard.RecNums[i] = int(rec)
		}
	}
	return shard, nil
}

// tileHeaders checks that a tile read from a backend holds count
// values of each of its variables, and returns its variable headers.
func tileHeaders(tile Tile, count int) ([]header, error) {
	names := tile.Names
	if names == nil {
		for name := range tile.Columns {
			names = append(names, name)
		}
		sort.Strings(names)
	}
	headers := make([]header, len(names))
	for i, name := range names {
		col, ok := tile.Columns[name]
		if !ok {
			return nil, errors.E(errors.NotExist, fmt.Sprintf("tile variable %q", name))
		}
		if col.Len() != count {
			return nil, errors.E(errors.Invalid,
				fmt.Sprintf("tile variable %q has %d values, expected %d", name, col.Len(), count))
		}
		headers[i] = header{name, col.Kind()}
	}
	return headers, nil
}

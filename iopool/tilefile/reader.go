// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package tilefile

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/limiter"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/retry"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/obspool/iopool"
	"github.com/grailbio/obspool/obsdata"
)

// MaxConcurrentReads bounds the number of tile files a Reader reads
// at once.
var MaxConcurrentReads = 16

const maxRetries = 3

var retryPolicy = retry.Backoff(100*time.Millisecond, 2*time.Second, 2)

// Reader is an iopool.LocationReader that reads the single-file
// output stored under a prefix. The output may have been written by a
// pool of any size. A Reader may be shared by the ranks of a process;
// transient read failures are retried.
type Reader struct {
	Prefix string

	limiter *limiter.Limiter

	mu      sync.Mutex
	headers []header
}

// NewReader returns a reader of the output stored under prefix.
func NewReader(prefix string) *Reader {
	r := &Reader{Prefix: prefix, limiter: limiter.New()}
	r.limiter.Release(MaxConcurrentReads)
	return r
}

// do calls fn with a read slot, retrying failures other than missing
// or corrupt files.
func (r *Reader) do(ctx context.Context, path string, fn func() error) error {
	if err := r.limiter.Acquire(ctx, 1); err != nil {
		return err
	}
	defer r.limiter.Release(1)
	for retries := 0; ; retries++ {
		err := fn()
		if err == nil || retries == maxRetries || errors.Is(errors.NotExist, err) || errors.Is(errors.Integrity, err) {
			return err
		}
		log.Printf("tilefile: %s: retrying(%d) read: %v", path, retries+1, err)
		if err := retry.Wait(ctx, retryPolicy, retries); err != nil {
			return err
		}
	}
}

func (r *Reader) readHeader(ctx context.Context, path string) (h header, err error) {
	err = r.do(ctx, path, func() error {
		var closer func() error
		if h, _, closer, err = open(ctx, path); err != nil {
			return err
		}
		return closer()
	})
	return
}

func (r *Reader) readFile(ctx context.Context, path string) (tile iopool.Tile, err error) {
	err = r.do(ctx, path, func() (err error) {
		tile, err = ReadFile(ctx, path)
		return
	})
	return
}

// index returns the headers of all tiles of the output, in pool rank
// order. The first tile determines the number of tiles.
func (r *Reader) index(ctx context.Context) ([]header, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.headers != nil {
		return r.headers, nil
	}
	first, err := r.readHeader(ctx, TilePath(r.Prefix, 0))
	if err != nil {
		return nil, err
	}
	if first.Multiple {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("tilefile: %s holds one of multiple outputs", r.Prefix))
	}
	headers := make([]header, first.PoolSize)
	headers[0] = first
	err = traverse.Each(first.PoolSize-1, func(i int) (err error) {
		headers[i+1], err = r.readHeader(ctx, TilePath(r.Prefix, i+1))
		return
	})
	if err != nil {
		return nil, err
	}
	var off int
	for i, h := range headers {
		if h.Start != off || h.GlobalCount != first.GlobalCount || h.PoolRank != i {
			return nil, errors.E(errors.Integrity,
				fmt.Sprintf("tilefile: %s: tile %d covers [%d, %d) of %d, expected start %d of %d",
					r.Prefix, i, h.Start, h.Start+h.Count, h.GlobalCount, off, first.GlobalCount))
		}
		off += h.Count
	}
	if off != first.GlobalCount {
		return nil, errors.E(errors.Integrity,
			fmt.Sprintf("tilefile: %s: tiles cover %d of %d locations", r.Prefix, off, first.GlobalCount))
	}
	log.Debug.Printf("tilefile: %s: %d tiles, %d locations", r.Prefix, len(headers), off)
	r.headers = headers
	return headers, nil
}

// GlobalCount returns the number of locations in the output.
func (r *Reader) GlobalCount(ctx context.Context) (int, error) {
	headers, err := r.index(ctx)
	if err != nil {
		return 0, err
	}
	return headers[0].GlobalCount, nil
}

// ReadTile implements iopool.TileReader. It assembles the locations
// [start, start+count) from the tiles that overlap the range.
func (r *Reader) ReadTile(ctx context.Context, start, count int) (iopool.Tile, error) {
	headers, err := r.index(ctx)
	if err != nil {
		return iopool.Tile{}, err
	}
	first := headers[0]
	if start < 0 || count < 0 || start+count > first.GlobalCount {
		return iopool.Tile{}, errors.E(errors.Invalid,
			fmt.Sprintf("tilefile: %s: range [%d, %d) outside output of %d locations",
				r.Prefix, start, start+count, first.GlobalCount))
	}
	var overlapping []int
	for i, h := range headers {
		if h.Count > 0 && h.Start < start+count && start < h.Start+h.Count {
			overlapping = append(overlapping, i)
		}
	}
	parts := make([]iopool.Tile, len(overlapping))
	err = traverse.Each(len(overlapping), func(i int) (err error) {
		parts[i], err = r.readFile(ctx, TilePath(r.Prefix, overlapping[i]))
		return
	})
	if err != nil {
		return iopool.Tile{}, err
	}
	tile := iopool.Tile{
		Start:       start,
		Count:       count,
		GlobalCount: first.GlobalCount,
		Names:       first.Names,
		Columns:     make(map[string]obsdata.Column),
	}
	for k, name := range first.Names {
		cols := make([]obsdata.Column, 0, len(parts))
		for _, part := range parts {
			col, ok := part.Columns[name]
			if !ok {
				return iopool.Tile{}, errors.E(errors.NotExist,
					fmt.Sprintf("tilefile: %s: tile %d has no variable %s", r.Prefix, part.PoolRank, name))
			}
			lo, hi := start-part.Start, start+count-part.Start
			if lo < 0 {
				lo = 0
			}
			if hi > part.Count {
				hi = part.Count
			}
			cols = append(cols, col.Slice(lo, hi))
		}
		if tile.Columns[name], err = obsdata.Concat(first.Kinds[k], cols...); err != nil {
			return iopool.Tile{}, errors.E(err, fmt.Sprintf("tilefile: %s: variable %s", r.Prefix, name))
		}
	}
	return tile, nil
}

// ReadLocations implements iopool.LocationReader. It reads every tile
// that holds one of the requested locations and selects them, in the
// order given.
func (r *Reader) ReadLocations(ctx context.Context, locations []int) (iopool.Tile, error) {
	headers, err := r.index(ctx)
	if err != nil {
		return iopool.Tile{}, err
	}
	first := headers[0]
	// owner returns the tile that holds location loc.
	owner := func(loc int) int {
		return sort.Search(len(headers), func(i int) bool {
			return headers[i].Start+headers[i].Count > loc
		})
	}
	needed := make(map[int]bool)
	for _, loc := range locations {
		if loc < 0 || loc >= first.GlobalCount {
			return iopool.Tile{}, errors.E(errors.Invalid,
				fmt.Sprintf("tilefile: %s: location %d outside output of %d locations",
					r.Prefix, loc, first.GlobalCount))
		}
		needed[owner(loc)] = true
	}
	tiles := make([]int, 0, len(needed))
	for i := range needed {
		tiles = append(tiles, i)
	}
	sort.Ints(tiles)
	parts := make([]iopool.Tile, len(tiles))
	err = traverse.Each(len(tiles), func(i int) (err error) {
		parts[i], err = r.readFile(ctx, TilePath(r.Prefix, tiles[i]))
		return
	})
	if err != nil {
		return iopool.Tile{}, err
	}
	// The parts are concatenated; base maps a tile to the offset of
	// its first location in the concatenation.
	base := make(map[int]int, len(tiles))
	var off int
	for i, t := range tiles {
		base[t] = off
		off += parts[i].Count
	}
	indices := make([]int, len(locations))
	for i, loc := range locations {
		t := owner(loc)
		indices[i] = base[t] + loc - headers[t].Start
	}
	tile := iopool.Tile{
		Count:       len(locations),
		GlobalCount: first.GlobalCount,
		Names:       first.Names,
		Columns:     make(map[string]obsdata.Column),
	}
	for k, name := range first.Names {
		cols := make([]obsdata.Column, len(parts))
		for i, part := range parts {
			col, ok := part.Columns[name]
			if !ok || col.Len() != part.Count {
				return iopool.Tile{}, errors.E(errors.Integrity,
					fmt.Sprintf("tilefile: %s: tile %d: variable %s missing or truncated", r.Prefix, tiles[i], name))
			}
			cols[i] = col
		}
		all, err := obsdata.Concat(first.Kinds[k], cols...)
		if err != nil {
			return iopool.Tile{}, errors.E(err, fmt.Sprintf("tilefile: %s: variable %s", r.Prefix, name))
		}
		tile.Columns[name] = all.Select(indices)
	}
	return tile, nil
}

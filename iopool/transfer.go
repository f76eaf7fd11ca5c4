// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package iopool

import (
	"context"
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/obspool/comm"
	"github.com/grailbio/obspool/obsdata"
	"github.com/grailbio/obspool/stats"
)

// GatherValues gathers the values of variable varNum onto pool ranks.
// Each rank passes the values of its own locations. Associates send
// their values to their pool rank; pool ranks return a contiguous tile
// holding their own values followed by each associate's values, in
// assignment order. GatherValues returns nil on associates.
func GatherValues[T obsdata.Element](ctx context.Context, p *Pool, varNum int, vals []T) ([]T, error) {
	if len(vals) != p.nlocs {
		return nil, errors.E(errors.Invalid,
			fmt.Sprintf("%s: variable %d has %d values for %d locations", p, varNum, len(vals), p.nlocs))
	}
	if !p.inPool {
		if len(p.assignment) != 1 {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("%s: associate without a pool rank", p))
		}
		to := p.assignment[0].Rank
		p.count(stats.LocationsSent, stats.BytesSent, obsdata.Values[T](vals))
		return nil, comm.SendValue(ctx, p.g, to, comm.KindVarData, varNum, vals)
	}
	tile := make([]T, 0, p.Total())
	tile = append(tile, vals...)
	for _, a := range p.assignment {
		part, err := comm.RecvValue[[]T](ctx, p.g, a.Rank, comm.KindVarData, varNum)
		if err != nil {
			return nil, err
		}
		if len(part) != a.Nlocs {
			return nil, errors.E(errors.Invalid,
				fmt.Sprintf("%s: variable %d: received %d values from rank %d, expected %d",
					p, varNum, len(part), a.Rank, a.Nlocs))
		}
		p.count(stats.LocationsReceived, stats.BytesReceived, obsdata.Values[T](part))
		tile = append(tile, part...)
	}
	return tile, nil
}

// ScatterValues is the inverse of GatherValues: pool ranks split the
// tile of variable varNum into their own values followed by each
// associate's values, and send each associate its part. Every rank
// returns the values of its own locations. The tile is ignored on
// associates.
func ScatterValues[T obsdata.Element](ctx context.Context, p *Pool, varNum int, tile []T) ([]T, error) {
	if !p.inPool {
		if len(p.assignment) != 1 {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("%s: associate without a pool rank", p))
		}
		from := p.assignment[0].Rank
		vals, err := comm.RecvValue[[]T](ctx, p.g, from, comm.KindVarData, varNum)
		if err != nil {
			return nil, err
		}
		if len(vals) != p.nlocs {
			return nil, errors.E(errors.Invalid,
				fmt.Sprintf("%s: variable %d: received %d values, expected %d", p, varNum, len(vals), p.nlocs))
		}
		p.count(stats.LocationsReceived, stats.BytesReceived, obsdata.Values[T](vals))
		return vals, nil
	}
	if len(tile) != p.Total() {
		return nil, errors.E(errors.Invalid,
			fmt.Sprintf("%s: variable %d: tile of %d values, expected %d", p, varNum, len(tile), p.Total()))
	}
	off := p.nlocs
	for _, a := range p.assignment {
		part := tile[off : off+a.Nlocs]
		off += a.Nlocs
		p.count(stats.LocationsSent, stats.BytesSent, obsdata.Values[T](part))
		if err := comm.SendValue(ctx, p.g, a.Rank, comm.KindVarData, varNum, part); err != nil {
			return nil, err
		}
	}
	return tile[:p.nlocs:p.nlocs], nil
}

func (p *Pool) count(locs, bytes string, vals obsdata.Column) {
	p.stats.Add(locs, int64(vals.Len()))
	p.stats.Add(bytes, obsdata.Bytes(vals))
}

// gatherColumn dispatches GatherValues on the element type of col.
func gatherColumn(ctx context.Context, p *Pool, varNum int, col obsdata.Column) (obsdata.Column, error) {
	switch c := col.(type) {
	case obsdata.Values[int32]:
		return wrap(GatherValues(ctx, p, varNum, []int32(c)))
	case obsdata.Values[int64]:
		return wrap(GatherValues(ctx, p, varNum, []int64(c)))
	case obsdata.Values[float32]:
		return wrap(GatherValues(ctx, p, varNum, []float32(c)))
	case obsdata.Values[float64]:
		return wrap(GatherValues(ctx, p, varNum, []float64(c)))
	case obsdata.Values[string]:
		return wrap(GatherValues(ctx, p, varNum, []string(c)))
	}
	return nil, errors.E(errors.Invalid, fmt.Sprintf("variable %d: unsupported column type %T", varNum, col))
}

// scatterColumn dispatches ScatterValues on the provided kind. Tile is
// nil on associates.
func scatterColumn(ctx context.Context, p *Pool, varNum int, kind obsdata.Kind, tile obsdata.Column) (obsdata.Column, error) {
	switch kind {
	case obsdata.Int32:
		v, _ := tileOf[int32](tile)
		return wrap(ScatterValues(ctx, p, varNum, v))
	case obsdata.Int64:
		v, _ := tileOf[int64](tile)
		return wrap(ScatterValues(ctx, p, varNum, v))
	case obsdata.Float32:
		v, _ := tileOf[float32](tile)
		return wrap(ScatterValues(ctx, p, varNum, v))
	case obsdata.Float64:
		v, _ := tileOf[float64](tile)
		return wrap(ScatterValues(ctx, p, varNum, v))
	case obsdata.String:
		v, _ := tileOf[string](tile)
		return wrap(ScatterValues(ctx, p, varNum, v))
	}
	return nil, errors.E(errors.Invalid, fmt.Sprintf("variable %d: unsupported kind %v", varNum, kind))
}

func tileOf[T obsdata.Element](c obsdata.Column) ([]T, bool) {
	if c == nil {
		return nil, false
	}
	v, ok := obsdata.Of[T](c)
	return v, ok
}

func wrap[T obsdata.Element](vals []T, err error) (obsdata.Column, error) {
	if err != nil || vals == nil {
		return nil, err
	}
	return obsdata.Values[T](vals), nil
}

// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package tilefile implements a tile backend for I/O pools on top of
// GRAIL's file library, so that outputs may be stored locally or in a
// distributed object store such as S3.
//
// In single-file mode, each pool rank writes its tile to
// "prefix/tile-nnnn", where nnnn is its pool rank; the tiles together
// make up one logical output of GlobalCount locations. In
// multiple-file mode, each pool rank writes a standalone output named
// by iopool.UniquifyFileName. Tiles are zstd-compressed gob streams: a
// header followed by one value block per variable.
package tilefile

import (
	"context"
	"encoding/gob"
	"fmt"
	"io"

	"github.com/grailbio/base/compress/zstd"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/fileio"
	"github.com/grailbio/obspool/iopool"
	"github.com/grailbio/obspool/obsdata"
)

// header is the first record of each tile file.
type header struct {
	Start, Count, GlobalCount int
	PoolRank, PoolSize        int
	Multiple                  bool
	Names                     []string
	Kinds                     []obsdata.Kind
}

// columnBox carries a value block; the box lets empty blocks survive
// encoding.
type columnBox[T obsdata.Element] struct{ V obsdata.Values[T] }

// TilePath returns the path of the tile written by the provided pool
// rank under prefix in single-file mode.
func TilePath(prefix string, poolRank int) string {
	return file.Join(prefix, fmt.Sprintf("tile-%04d", poolRank))
}

// Writer is an iopool.TileWriter that stores tiles under a prefix.
type Writer struct {
	Prefix string
}

// NewWriter returns a writer that stores tiles under prefix.
func NewWriter(prefix string) *Writer {
	return &Writer{Prefix: prefix}
}

// Path returns the path of the provided tile.
func (w *Writer) Path(tile iopool.Tile) string {
	if tile.Multiple {
		return iopool.UniquifyFileName(w.Prefix, tile.PoolRank, -1)
	}
	return TilePath(w.Prefix, tile.PoolRank)
}

// WriteTile implements iopool.TileWriter.
func (w *Writer) WriteTile(ctx context.Context, tile iopool.Tile) (err error) {
	path := w.Path(tile)
	f, err := file.Create(ctx, path)
	if err != nil {
		return errors.E(err, fmt.Sprintf("tilefile: create %s", path))
	}
	defer func() {
		if cerr := f.Close(ctx); cerr != nil && err == nil {
			err = errors.E(cerr, fmt.Sprintf("tilefile: close %s", path))
		}
	}()
	zw, err := zstd.NewWriter(f.Writer(ctx))
	if err != nil {
		return err
	}
	defer fileio.CloseAndReport(zw, &err)
	h := header{
		Start:       tile.Start,
		Count:       tile.Count,
		GlobalCount: tile.GlobalCount,
		PoolRank:    tile.PoolRank,
		PoolSize:    tile.PoolSize,
		Multiple:    tile.Multiple,
		Names:       tile.Names,
		Kinds:       make([]obsdata.Kind, len(tile.Names)),
	}
	for i, name := range tile.Names {
		col, ok := tile.Columns[name]
		if !ok {
			return errors.E(errors.NotExist, fmt.Sprintf("tilefile: tile variable %q", name))
		}
		h.Kinds[i] = col.Kind()
	}
	enc := gob.NewEncoder(zw)
	if err := enc.Encode(h); err != nil {
		return errors.E(err, fmt.Sprintf("tilefile: encode header %s", path))
	}
	for _, name := range tile.Names {
		if err := encodeColumn(enc, tile.Columns[name]); err != nil {
			return errors.E(err, fmt.Sprintf("tilefile: %s: encode variable %s", path, name))
		}
	}
	return nil
}

func encodeColumn(enc *gob.Encoder, col obsdata.Column) error {
	switch c := col.(type) {
	case obsdata.Values[int32]:
		return enc.Encode(columnBox[int32]{c})
	case obsdata.Values[int64]:
		return enc.Encode(columnBox[int64]{c})
	case obsdata.Values[float32]:
		return enc.Encode(columnBox[float32]{c})
	case obsdata.Values[float64]:
		return enc.Encode(columnBox[float64]{c})
	case obsdata.Values[string]:
		return enc.Encode(columnBox[string]{c})
	}
	return errors.E(errors.Invalid, fmt.Sprintf("unsupported column type %T", col))
}

func decodeColumn(dec *gob.Decoder, kind obsdata.Kind) (obsdata.Column, error) {
	switch kind {
	case obsdata.Int32:
		return decodeValues[int32](dec)
	case obsdata.Int64:
		return decodeValues[int64](dec)
	case obsdata.Float32:
		return decodeValues[float32](dec)
	case obsdata.Float64:
		return decodeValues[float64](dec)
	case obsdata.String:
		return decodeValues[string](dec)
	}
	return nil, errors.E(errors.Invalid, fmt.Sprintf("unsupported kind %v", kind))
}

func decodeValues[T obsdata.Element](dec *gob.Decoder) (obsdata.Column, error) {
	var b columnBox[T]
	if err := dec.Decode(&b); err != nil {
		return nil, err
	}
	if b.V == nil {
		b.V = obsdata.Values[T]{}
	}
	return b.V, nil
}

// open opens the tile file at path and decodes its header. The
// returned decoder is positioned at the first value block; the
// returned closer must be called to release the file.
func open(ctx context.Context, path string) (h header, dec *gob.Decoder, closer func() error, err error) {
	f, err := file.Open(ctx, path)
	if err != nil {
		return h, nil, nil, errors.E(err, fmt.Sprintf("tilefile: open %s", path))
	}
	zr, err := zstd.NewReader(f.Reader(ctx))
	if err != nil {
		_ = f.Close(ctx)
		return h, nil, nil, errors.E(err, fmt.Sprintf("tilefile: open (zstd) %s", path))
	}
	closer = func() (err error) {
		fileio.CloseAndReport(zr, &err)
		if cerr := f.Close(ctx); cerr != nil && err == nil {
			err = cerr
		}
		return
	}
	dec = gob.NewDecoder(zr)
	if err = dec.Decode(&h); err != nil {
		_ = closer()
		return h, nil, nil, errors.E(err, fmt.Sprintf("tilefile: decode header %s", path))
	}
	return h, dec, closer, nil
}

// ReadFile reads the whole tile stored at path.
func ReadFile(ctx context.Context, path string) (tile iopool.Tile, err error) {
	h, dec, closer, err := open(ctx, path)
	if err != nil {
		return tile, err
	}
	defer func() {
		if cerr := closer(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	tile = iopool.Tile{
		PoolRank:    h.PoolRank,
		PoolSize:    h.PoolSize,
		Start:       h.Start,
		Count:       h.Count,
		GlobalCount: h.GlobalCount,
		Multiple:    h.Multiple,
		Names:       h.Names,
		Columns:     make(map[string]obsdata.Column),
	}
	for i, name := range h.Names {
		col, err := decodeColumn(dec, h.Kinds[i])
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		if err != nil {
			return tile, errors.E(err, fmt.Sprintf("tilefile: %s: decode variable %s", path, name))
		}
		if col.Len() != h.Count {
			return tile, errors.E(errors.Integrity,
				fmt.Sprintf("tilefile: %s: variable %s has %d values, header claims %d", path, name, col.Len(), h.Count))
		}
		tile.Columns[name] = col
	}
	return tile, nil
}

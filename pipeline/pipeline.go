// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package pipeline runs the complete observation I/O pipeline on a
// process group: each rank synthesizes the records it owns, builds a
// (sorted) record index, optionally extends the dataset with companion
// records, saves it through a writer pool and, in single-file mode,
// loads it back through a reader pool and verifies the round trip.
package pipeline

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"reflect"

	"github.com/grailbio/base/data"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/obspool/comm"
	"github.com/grailbio/obspool/comm/machinecomm"
	"github.com/grailbio/obspool/distribution"
	"github.com/grailbio/obspool/extend"
	"github.com/grailbio/obspool/iopool"
	"github.com/grailbio/obspool/iopool/tilefile"
	"github.com/grailbio/obspool/obsdata"
	"github.com/grailbio/obspool/recidx"
	"github.com/grailbio/obspool/stats"
)

// ProgramName is the name under which the pipeline is registered with
// machinecomm.
const ProgramName = "obspool.pipeline"

func init() {
	machinecomm.Register(ProgramName, func(ctx context.Context, g *comm.Group, arg []byte) error {
		opts, err := DecodeOptions(arg)
		if err != nil {
			return err
		}
		_, err = Run(ctx, g, opts)
		return err
	})
}

// Options configures a pipeline run. Options are shared by every rank.
type Options struct {
	// Records is the number of records in the synthesized dataset.
	Records int
	// RecordSize is the number of locations of each record.
	RecordSize int
	// Distribution names the record distribution.
	Distribution string
	// Output is the path prefix of the saved dataset.
	Output string

	Pool   iopool.Params
	Index  recidx.Params
	Extend extend.Params
}

// DefaultOptions returns the default pipeline options.
func DefaultOptions() Options {
	return Options{
		Records:      100,
		RecordSize:   8,
		Distribution: "round-robin",
		Pool:         iopool.DefaultParams(),
		Index: recidx.Params{
			SortVariable: "air_pressure",
			SortOrder:    recidx.Descending,
		},
		Extend: extend.Params{FillVariables: extend.DefaultFillVariables},
	}
}

// Validate checks the options.
func (o Options) Validate() error {
	if o.Records < 0 || o.RecordSize <= 0 {
		return errors.E(errors.Invalid,
			fmt.Sprintf("invalid dataset shape: %d records of %d locations", o.Records, o.RecordSize))
	}
	if o.Output == "" {
		return errors.E(errors.Invalid, "missing output path")
	}
	return o.Pool.Validate()
}

// Encode encodes the options so that they may be passed to remote
// ranks.
func (o Options) Encode() ([]byte, error) {
	var b bytes.Buffer
	if err := gob.NewEncoder(&b).Encode(o); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

// DecodeOptions decodes options encoded by Options.Encode.
func DecodeOptions(p []byte) (Options, error) {
	var o Options
	if err := gob.NewDecoder(bytes.NewReader(p)).Decode(&o); err != nil {
		return o, errors.E(errors.Invalid, err)
	}
	return o, nil
}

// Summary describes a completed run. Every rank returns the same
// summary.
type Summary struct {
	// GlobalNlocs is the number of locations saved.
	GlobalNlocs int
	// Extension describes the record extension, if any.
	Extension extend.Result
	// Verified tells whether the saved dataset was loaded back and
	// compared.
	Verified bool
	// Stats holds the transfer counters of all ranks.
	Stats stats.Values
}

func (s Summary) String() string {
	return fmt.Sprintf("%d locations saved, verified=%v: %s", s.GlobalNlocs, s.Verified, s.Stats)
}

// Synthesize returns the shard of the records owned by the calling
// rank under d, in record order. Location k of record rec has global
// index rec*recordSize+k. Some values are missing.
func Synthesize(d distribution.Distribution, records, recordSize int) *obsdata.Shard {
	s := obsdata.NewShard()
	var (
		lat      obsdata.Values[float64]
		lon      obsdata.Values[float64]
		time     obsdata.Values[int64]
		pressure obsdata.Values[float32]
		temp     obsdata.Values[float32]
		station  obsdata.Values[string]
	)
	for rec := 0; rec < records; rec++ {
		if !d.IsMyRecord(rec) {
			continue
		}
		for k := 0; k < recordSize; k++ {
			gloc := rec*recordSize + k
			d.AssignRecord(rec, gloc)
			s.RecNums = append(s.RecNums, rec)
			s.Locations = append(s.Locations, gloc)
			lat = append(lat, float64(rec%180)-90+float64(k)*0.01)
			lon = append(lon, float64(rec*7%360)-180+float64(k)*0.01)
			time = append(time, 1577836800+int64(rec)*3600+int64(k)*60)
			p := float32(50000 + 5000*k)
			if (rec+k)%7 == 3 {
				p = obsdata.MissingFloat32
			}
			pressure = append(pressure, p)
			t := float32(288) - 6.5*float32(recordSize-k)
			if gloc%11 == 0 {
				t = obsdata.MissingFloat32
			}
			temp = append(temp, t)
			station = append(station, fmt.Sprintf("ST%04d", rec))
		}
	}
	s.Patch = distribution.PatchObs(d, s.RecNums)
	s.Columns["latitude"] = lat
	s.Columns["longitude"] = lon
	s.Columns["dateTime"] = time
	s.Columns["air_pressure"] = pressure
	s.Columns["air_temperature"] = temp
	s.Columns["station_id"] = station
	return s
}

// Run runs the pipeline on the ranks of g. Run is collective over g.
func Run(ctx context.Context, g *comm.Group, opts Options, poolOpts ...iopool.Option) (Summary, error) {
	var summary Summary
	if err := opts.Validate(); err != nil {
		return summary, err
	}
	dist, err := distribution.New(opts.Distribution, g.Rank(), g.Size())
	if err != nil {
		return summary, err
	}
	shard := Synthesize(dist, opts.Records, opts.RecordSize)
	index, err := recidx.FromShard(shard, opts.Index)
	if err != nil {
		return summary, err
	}
	log.Debug.Printf("pipeline: rank %d: %s", g.Rank(), index)
	if summary.Extension, err = extend.Extend(ctx, g, shard, index, dist, opts.Extend); err != nil {
		return summary, err
	}

	writer, err := iopool.New(ctx, g, iopool.Writer, shard.PatchNlocs(), opts.Pool, poolOpts...)
	if err != nil {
		return summary, err
	}
	if err := writer.Save(ctx, shard, tilefile.NewWriter(opts.Output)); err != nil {
		return summary, err
	}
	var (
		global = writer.GlobalNlocs()
		vals   = writer.Stats()
	)
	if err := writer.Finalize(); err != nil {
		return summary, err
	}

	var verr error
	if !opts.Pool.WriteMultipleFiles {
		reader, err := iopool.New(ctx, g, iopool.Reader, shard.PatchNlocs(), opts.Pool, poolOpts...)
		if err != nil {
			return summary, err
		}
		loaded, err := reader.Load(ctx, tilefile.NewReader(opts.Output))
		if err != nil {
			return summary, err
		}
		verr = verify(shard, loaded)
		vals.Merge(reader.Stats())
		if err := reader.Finalize(); err != nil {
			return summary, err
		}
		summary.Verified = true
	}

	// Every rank learns the outcome and the counters of the others.
	type result struct {
		Err         string
		GlobalNlocs int
		Stats       stats.Values
	}
	mine := result{GlobalNlocs: global, Stats: vals}
	if verr != nil {
		mine.Err = verr.Error()
	}
	results, err := comm.AllGather(ctx, g, mine)
	if err != nil {
		return summary, err
	}
	summary.Stats = make(stats.Values)
	for r, res := range results {
		if res.Err != "" {
			return summary, errors.E(errors.Integrity, fmt.Sprintf("rank %d: %s", r, res.Err))
		}
		if res.GlobalNlocs > summary.GlobalNlocs {
			summary.GlobalNlocs = res.GlobalNlocs
		}
		summary.Stats.Merge(res.Stats)
	}
	if g.Rank() == 0 {
		log.Printf("pipeline: %s (%s sent)", summary, data.Size(summary.Stats[stats.BytesSent]))
	}
	return summary, nil
}

// verify checks that the loaded shard holds the patch values and
// record numbers of the saved one.
func verify(saved, loaded *obsdata.Shard) error {
	patch := saved.PatchIndices()
	if len(loaded.RecNums) != len(patch) {
		return fmt.Errorf("loaded %d locations, saved %d", len(loaded.RecNums), len(patch))
	}
	for i, j := range patch {
		if loaded.RecNums[i] != saved.RecNums[j] {
			return fmt.Errorf("location %d: loaded record %d, saved %d", i, loaded.RecNums[i], saved.RecNums[j])
		}
	}
	for _, name := range saved.Names() {
		want := saved.Columns[name].Select(patch)
		got, ok := loaded.Columns[name]
		if !ok {
			return fmt.Errorf("variable %s not loaded", name)
		}
		if !reflect.DeepEqual(got, want) {
			return fmt.Errorf("variable %s: loaded %d values differ from the %d saved", name, got.Len(), want.Len())
		}
	}
	return nil
}

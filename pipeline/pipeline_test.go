// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package pipeline

import (
	"context"
	"os"
	"testing"

	"github.com/grailbio/base/file"
	"github.com/grailbio/bigmachine"
	"github.com/grailbio/bigmachine/testsystem"
	"github.com/grailbio/obspool/comm"
	"github.com/grailbio/obspool/comm/machinecomm"
	"github.com/grailbio/obspool/distribution"
	"github.com/grailbio/obspool/iopool"
	"github.com/grailbio/obspool/iopool/tilefile"
	"github.com/grailbio/obspool/stats"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
)

func testOptions(t *testing.T) (Options, func()) {
	t.Helper()
	dir, cleanup := testutil.TempDir(t, "", "")
	opts := DefaultOptions()
	opts.Records = 23
	opts.RecordSize = 4
	opts.Output = file.Join(dir, "out")
	opts.Pool.MaxPoolSize = 2
	opts.Extend.Levels = 2
	assert.NoError(t, os.MkdirAll(opts.Output, 0777))
	return opts, cleanup
}

func runLocal(t *testing.T, n int, opts Options) []Summary {
	t.Helper()
	summaries := make([]Summary, n)
	err := comm.Run(context.Background(), n, func(ctx context.Context, g *comm.Group) error {
		s, err := Run(ctx, g, opts)
		summaries[g.Rank()] = s
		return err
	})
	assert.NoError(t, err)
	return summaries
}

func TestSynthesize(t *testing.T) {
	var total int
	for r := 0; r < 3; r++ {
		d := distribution.NewRoundRobin(r, 3)
		s := Synthesize(d, 10, 4)
		assert.NoError(t, s.Validate())
		expect.EQ(t, s.PatchNlocs(), s.Nlocs())
		expect.EQ(t, d.Locations(), s.Locations)
		for _, rec := range s.RecNums {
			expect.EQ(t, rec%3, r)
		}
		total += s.Nlocs()
	}
	expect.EQ(t, total, 40)
}

func TestRun(t *testing.T) {
	opts, cleanup := testOptions(t)
	defer cleanup()
	const n = 5
	for _, s := range runLocal(t, n, opts) {
		expect.EQ(t, s.GlobalNlocs, 23*4+23*2)
		expect.True(t, s.Verified)
		expect.EQ(t, s.Extension.UpperBound, 23)
		expect.EQ(t, s.Stats[stats.TilesWritten], int64(2))
		// Readers default to all-tasks pools.
		expect.EQ(t, s.Stats[stats.TilesRead], int64(n))
		expect.EQ(t, s.Stats[stats.LocationsSent], s.Stats[stats.LocationsReceived])
	}
	count, err := tilefile.NewReader(opts.Output).GlobalCount(context.Background())
	assert.NoError(t, err)
	expect.EQ(t, count, 23*4+23*2)
}

func TestRunVariants(t *testing.T) {
	for _, modify := range []func(*Options){
		func(o *Options) { o.Distribution = "hash" },
		func(o *Options) { o.Extend.Levels = 0 },
		func(o *Options) { o.Index.SortVariable = "" },
		func(o *Options) {
			o.Pool.ReaderStrategy = "single-pool"
			o.Pool.WriterStrategy = "all-tasks"
		},
	} {
		opts, cleanup := testOptions(t)
		modify(&opts)
		for _, s := range runLocal(t, 3, opts) {
			expect.True(t, s.Verified, "options %+v", opts)
		}
		cleanup()
	}
}

func TestRunMultipleFiles(t *testing.T) {
	opts, cleanup := testOptions(t)
	defer cleanup()
	opts.Pool.WriteMultipleFiles = true
	opts.Output = file.Join(opts.Output, "obs.tiles")
	for _, s := range runLocal(t, 4, opts) {
		expect.False(t, s.Verified)
		expect.EQ(t, s.Stats[stats.TilesWritten], int64(2))
	}
	ctx := context.Background()
	var total int
	for poolRank := 0; poolRank < 2; poolRank++ {
		tile, err := tilefile.ReadFile(ctx, iopool.UniquifyFileName(opts.Output, poolRank, -1))
		assert.NoError(t, err)
		total += tile.Count
	}
	expect.EQ(t, total, 23*4+23*2)
}

func TestInvalidOptions(t *testing.T) {
	opts := DefaultOptions()
	expect.NotNil(t, opts.Validate())
	opts.Output = "/tmp/unused"
	opts.Distribution = "nonexistent"
	err := comm.Run(context.Background(), 2, func(ctx context.Context, g *comm.Group) error {
		_, err := Run(ctx, g, opts)
		return err
	})
	expect.NotNil(t, err)
}

func TestOptionsEncoding(t *testing.T) {
	opts := DefaultOptions()
	opts.Output = "s3://bucket/obs"
	opts.Extend.Levels = 3
	p, err := opts.Encode()
	assert.NoError(t, err)
	decoded, err := DecodeOptions(p)
	assert.NoError(t, err)
	expect.EQ(t, decoded, opts)
	_, err = DecodeOptions([]byte("garbage"))
	expect.NotNil(t, err)
}

func TestBigmachine(t *testing.T) {
	opts, cleanup := testOptions(t)
	defer cleanup()
	b := bigmachine.Start(testsystem.New())
	defer b.Shutdown()
	ctx := context.Background()
	cluster, err := machinecomm.Start(ctx, b, "pipeline", 3, nil)
	assert.NoError(t, err)
	arg, err := opts.Encode()
	assert.NoError(t, err)
	assert.NoError(t, cluster.Run(ctx, ProgramName, arg))
	count, err := tilefile.NewReader(opts.Output).GlobalCount(ctx)
	assert.NoError(t, err)
	expect.EQ(t, count, 23*4+23*2)
}

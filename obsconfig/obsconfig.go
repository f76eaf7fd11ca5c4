// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package obsconfig configures obspool runs through the configuration
// mechanism in package github.com/grailbio/base/config. It registers
// the "obspool" instance, whose parameters cover the I/O pool, the
// record index, and the record extender, and reads a default profile
// from $HOME/.obspool/config.
//
// For example, the profile
//
//	param obspool (
//		ranks = 16
//		max-pool-size = 4
//		sort-variable = "air_pressure"
//		extended-levels = 3
//		system = bigmachine/ec2system
//	)
//
// runs 16 ranks on EC2 with pools of at most 4 ranks.
package obsconfig

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/grailbio/base/config"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/must"
	"github.com/grailbio/bigmachine"
	"github.com/grailbio/obspool/extend"
	"github.com/grailbio/obspool/iopool"
	"github.com/grailbio/obspool/pipeline"
	"github.com/grailbio/obspool/recidx"

	// Used to provide ec2system.System bigmachines.
	_ "github.com/grailbio/bigmachine/ec2system"
)

// Path determines the location of the profile read by Parse.
var Path = os.ExpandEnv("$HOME/.obspool/config")

// Config is the configuration of a run.
type Config struct {
	// Ranks is the size of the world group.
	Ranks int
	// Options configures the pipeline run by every rank.
	Options pipeline.Options
	// System is the bigmachine system that hosts the ranks. If nil,
	// ranks are goroutines of the driver process.
	System bigmachine.System
}

func (c *Config) String() string {
	where := "in-process"
	if c.System != nil {
		where = c.System.Name()
	}
	return fmt.Sprintf("%d ranks (%s), pool %s, output %s", c.Ranks, where, c.Options.Pool, c.Options.Output)
}

func init() {
	config.Register("obspool", func(inst *config.Constructor) {
		var (
			c                           = &Config{Options: pipeline.DefaultOptions()}
			opts                        = &c.Options
			order, treatment, placement string
			fill                        string
			writeMultiple               bool
		)
		inst.IntVar(&c.Ranks, "ranks", 4, "number of ranks in the world group")
		inst.IntVar(&opts.Records, "records", opts.Records, "number of records in the synthesized dataset")
		inst.IntVar(&opts.RecordSize, "record-size", opts.RecordSize, "number of locations per record")
		inst.StringVar(&opts.Distribution, "distribution", opts.Distribution, "record distribution (round-robin or hash)")
		inst.StringVar(&opts.Output, "output", "", "path prefix of the saved dataset")

		inst.IntVar(&opts.Pool.MaxPoolSize, "max-pool-size", iopool.DefaultMaxPoolSize, "maximum number of ranks in an I/O pool")
		inst.BoolVar(&writeMultiple, "write-multiple-files", false, "write one standalone output per pool rank")
		inst.StringVar(&opts.Pool.WriterStrategy, "writer-strategy", opts.Pool.WriterStrategy, "writer pool strategy")
		inst.StringVar(&opts.Pool.ReaderStrategy, "reader-strategy", opts.Pool.ReaderStrategy, "reader pool strategy")

		inst.StringVar(&opts.Index.SortVariable, "sort-variable", opts.Index.SortVariable, "variable by which the locations of each record are sorted")
		inst.StringVar(&order, "sort-order", opts.Index.SortOrder.String(), "ascending or descending")
		inst.StringVar(&treatment, "missing-sort-value-treatment", recidx.Sort.String(), `"sort", "do not sort" or "ignore missing"`)
		inst.StringVar(&placement, "missing-placement", recidx.Literal.String(), `placement of missing sort values: "literal", "first" or "last"`)

		inst.IntVar(&opts.Extend.Levels, "extended-levels", 0, "number of locations of each companion record; 0 disables extension")
		inst.StringVar(&fill, "extended-fill-variables", strings.Join(extend.DefaultFillVariables, ","), "comma-separated variables filled in companion records")

		inst.InstanceVar(&c.System, "system", "", "the bigmachine system that hosts the ranks; empty for in-process ranks")
		inst.Doc = "obspool configures distributed observation I/O runs"
		inst.New = func() (interface{}, error) {
			var err error
			if opts.Index.SortOrder, err = recidx.ParseOrder(order); err != nil {
				return nil, err
			}
			if opts.Index.MissingSortValueTreatment, err = recidx.ParseMissingTreatment(treatment); err != nil {
				return nil, err
			}
			if opts.Index.MissingPlacement, err = recidx.ParseMissingPlacement(placement); err != nil {
				return nil, err
			}
			opts.Extend.FillVariables = nil
			for _, name := range strings.Split(fill, ",") {
				if name = strings.TrimSpace(name); name != "" {
					opts.Extend.FillVariables = append(opts.Extend.FillVariables, name)
				}
			}
			opts.Pool.WriteMultipleFiles = writeMultiple
			if c.Ranks <= 0 {
				return nil, errors.E(errors.Invalid, fmt.Sprintf("obspool: invalid number of ranks %d", c.Ranks))
			}
			if err := opts.Pool.Validate(); err != nil {
				return nil, err
			}
			return c, nil
		}
	})
}

// Parse registers configuration flags and calls flag.Parse. It reads
// the configuration from Path, and returns the obspool configuration
// as modified by any flags provided. Parse panics if the configuration
// is invalid.
func Parse() *Config {
	config.RegisterFlags("", Path)
	flag.Parse()
	must.Nil(config.ProcessFlags())
	var c *Config
	config.Must("obspool", &c)
	return c
}

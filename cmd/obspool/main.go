// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Obspool runs the distributed observation I/O pipeline: every rank
// synthesizes the records it owns, indexes and optionally extends
// them, and saves the dataset through an I/O pool; single-file outputs
// are then loaded back through a reader pool and verified.
//
// Ranks run in-process by default, or on a bigmachine system as
// configured by the "obspool" configuration instance (see package
// obsconfig). Outputs may be written to local paths or to S3.
//
//	obspool -set obspool.ranks=8 -set obspool.output=/tmp/obs
//	obspool -set obspool.system=bigmachine/ec2system -set obspool.output=s3://bucket/obs
package main

import (
	"context"
	"flag"
	"net/http"
	_ "net/http/pprof"
	"os"

	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/file/s3file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/must"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigmachine"
	"github.com/grailbio/obspool/comm"
	"github.com/grailbio/obspool/comm/machinecomm"
	"github.com/grailbio/obspool/obsconfig"
	"github.com/grailbio/obspool/pipeline"
)

func init() {
	file.RegisterImplementation("s3", func() file.Implementation {
		return s3file.NewImplementation(s3file.NewDefaultProvider(session.Options{}), s3file.Options{})
	})
}

func main() {
	var (
		consoleStatus = flag.Bool("status", false, "print rank status to stdout")
		httpAddr      = flag.String("http", "", "address of the diagnostic HTTP server, if any")
	)
	log.AddFlags()
	must.Func = log.Fatal
	c := obsconfig.Parse()
	must.Truef(c.Options.Output != "", "missing output path: set obspool.output")
	log.Printf("obspool: %s", c)

	ctx := context.Background()
	if c.System == nil {
		err := comm.Run(ctx, c.Ranks, func(ctx context.Context, g *comm.Group) error {
			_, err := pipeline.Run(ctx, g, c.Options)
			return err
		})
		if err != nil {
			log.Fatal(err)
		}
		return
	}

	// In worker processes, bigmachine.Start does not return.
	b := bigmachine.Start(c.System)
	defer b.Shutdown()
	var st status.Status
	if *consoleStatus {
		var console status.Reporter
		go console.Go(os.Stdout, &st)
	}
	if *httpAddr != "" {
		b.HandleDebug(http.DefaultServeMux)
		http.Handle("/debug/status", status.Handler(&st))
		go func() {
			log.Printf("obspool: HTTP status at %s", *httpAddr)
			if err := http.ListenAndServe(*httpAddr, nil); err != nil {
				log.Error.Printf("obspool: HTTP server: %v", err)
			}
		}()
	}
	cluster, err := machinecomm.Start(ctx, b, "obspool", c.Ranks, st.Group("obspool"))
	if err != nil {
		log.Fatal(err)
	}
	arg, err := c.Options.Encode()
	must.Nil(err)
	if err := cluster.Run(ctx, pipeline.ProgramName, arg); err != nil {
		log.Fatal(err)
	}
	log.Printf("obspool: done")
}

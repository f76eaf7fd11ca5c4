// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package machinecomm

import (
	"context"
	"fmt"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigmachine"
	"github.com/grailbio/bigmachine/testsystem"
	"github.com/grailbio/obspool/comm"
	"github.com/grailbio/obspool/iopool"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
)

func init() {
	Register("test.collectives", func(ctx context.Context, g *comm.Group, arg []byte) error {
		sum, err := comm.AllReduce(ctx, g, g.Rank(), func(x, y int) int { return x + y })
		if err != nil {
			return err
		}
		if want := g.Size() * (g.Size() - 1) / 2; sum != want {
			return fmt.Errorf("rank %d: sum %d, want %d", g.Rank(), sum, want)
		}
		var msg string
		if g.Rank() == 0 {
			msg = string(arg)
		}
		if err := comm.Broadcast(ctx, g, 0, &msg); err != nil {
			return err
		}
		if msg != "hello" {
			return fmt.Errorf("rank %d: broadcast %q", g.Rank(), msg)
		}
		sub, err := g.Split(ctx, g.Rank()%2)
		if err != nil {
			return err
		}
		defer sub.Free()
		return comm.Barrier(ctx, sub)
	})
	Register("test.pool", func(ctx context.Context, g *comm.Group, arg []byte) error {
		p, err := iopool.New(ctx, g, iopool.Writer, 10, iopool.Params{MaxPoolSize: 2})
		if err != nil {
			return err
		}
		if got, want := p.PoolSize(), 2; got != want {
			return fmt.Errorf("rank %d: pool size %d, want %d", g.Rank(), got, want)
		}
		if got, want := p.GlobalNlocs(), 10*g.Size(); p.InPool() && got != want {
			return fmt.Errorf("rank %d: global nlocs %d, want %d", g.Rank(), got, want)
		}
		return p.Finalize()
	})
	Register("test.fail", func(ctx context.Context, g *comm.Group, arg []byte) error {
		if g.Rank() == 1 {
			return errors.E(errors.Invalid, "bad input")
		}
		return nil
	})
}

func startCluster(t *testing.T, n int) (*Cluster, func()) {
	t.Helper()
	b := bigmachine.Start(testsystem.New())
	c, err := Start(context.Background(), b, t.Name(), n, nil)
	if err != nil {
		b.Shutdown()
		t.Fatal(err)
	}
	return c, b.Shutdown
}

func TestCluster(t *testing.T) {
	c, shutdown := startCluster(t, 4)
	defer shutdown()
	expect.EQ(t, c.Size(), 4)
	ctx := context.Background()
	assert.NoError(t, c.Run(ctx, "test.collectives", []byte("hello")))
	// Programs may run repeatedly on the same cluster.
	assert.NoError(t, c.Run(ctx, "test.pool", nil))
	assert.NoError(t, c.Run(ctx, "test.collectives", []byte("hello")))
}

func TestClusterErrors(t *testing.T) {
	c, shutdown := startCluster(t, 3)
	defer shutdown()
	ctx := context.Background()
	err := c.Run(ctx, "test.fail", nil)
	expect.NotNil(t, err)
	expect.HasSubstr(t, err.Error(), "bad input")
	err = c.Run(ctx, "test.nonexistent", nil)
	expect.True(t, errors.Is(errors.NotExist, err))
}

func TestRegister(t *testing.T) {
	names := Programs()
	expect.EQ(t, names, []string{"test.collectives", "test.fail", "test.pool"})
	defer func() {
		expect.NotNil(t, recover())
	}()
	Register("test.fail", nil)
}

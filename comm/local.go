// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package comm

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"golang.org/x/sync/errgroup"
)

// localTransport is a transport between goroutines of the same
// process. Each rank owns a mailbox; sends never block.
type localTransport struct {
	rank  int
	boxes []*Mailbox
}

// Local returns the transports of an in-process world group of n
// ranks. Transport i has rank i.
func Local(n int) []Transport {
	boxes := make([]*Mailbox, n)
	for i := range boxes {
		boxes[i] = NewMailbox()
	}
	ts := make([]Transport, n)
	for i := range ts {
		ts[i] = &localTransport{rank: i, boxes: boxes}
	}
	return ts
}

func (t *localTransport) Rank() int { return t.rank }
func (t *localTransport) Size() int { return len(t.boxes) }

func (t *localTransport) Send(ctx context.Context, dst int, key Key, p []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.boxes[dst].Put(t.rank, key, p)
	return nil
}

func (t *localTransport) Recv(ctx context.Context, src int, key Key) ([]byte, error) {
	return t.boxes[t.rank].Take(ctx, src, key)
}

// Run runs fn as an SPMD program over an in-process world group of n
// ranks, each in its own goroutine. If any rank fails, the context
// passed to the other ranks is canceled so that ranks blocked in a
// collective return rather than hang. Run returns the first error
// encountered. Panics in fn are recovered and reported as fatal errors
// that carry the rank.
func Run(ctx context.Context, n int, fn func(ctx context.Context, g *Group) error) error {
	if n <= 0 {
		return errors.E(errors.Invalid, fmt.Sprintf("comm.Run: invalid group size %d", n))
	}
	ts := Local(n)
	eg, ctx := errgroup.WithContext(ctx)
	for i := range ts {
		g := New(ts[i])
		eg.Go(func() (err error) {
			defer func() {
				if e := recover(); e != nil {
					err = errors.E(errors.Fatal,
						fmt.Errorf("rank %d panicked: %v\n%s", g.Rank(), e, debug.Stack()))
				}
			}()
			if err := fn(ctx, g); err != nil {
				log.Debug.Printf("comm.Run: rank %d: %v", g.Rank(), err)
				return err
			}
			return nil
		})
	}
	return eg.Wait()
}

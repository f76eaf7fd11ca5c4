// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package comm

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
)

func TestCollectives(t *testing.T) {
	for _, n := range []int{1, 2, 3, 7} {
		n := n
		t.Run(fmt.Sprint(n), func(t *testing.T) {
			err := Run(context.Background(), n, func(ctx context.Context, g *Group) error {
				var v string
				if g.Rank() == 0 {
					v = "hello"
				}
				if err := Broadcast(ctx, g, 0, &v); err != nil {
					return err
				}
				if v != "hello" {
					return fmt.Errorf("rank %d: broadcast got %q", g.Rank(), v)
				}
				var send []int
				if g.Rank() == 0 {
					for i := 0; i < n; i++ {
						send = append(send, i*10)
					}
				}
				got, err := Scatter(ctx, g, 0, send)
				if err != nil {
					return err
				}
				if want := g.Rank() * 10; got != want {
					return fmt.Errorf("rank %d: scatter got %d, want %d", g.Rank(), got, want)
				}
				all, err := AllGather(ctx, g, g.Rank()+1)
				if err != nil {
					return err
				}
				for r, v := range all {
					if v != r+1 {
						return fmt.Errorf("rank %d: allgather got %v", g.Rank(), all)
					}
				}
				gathered, err := Gather(ctx, g, n-1, []int{g.Rank()})
				if err != nil {
					return err
				}
				if g.Rank() == n-1 {
					if len(gathered) != n {
						return fmt.Errorf("gather: got %d values", len(gathered))
					}
					for r, v := range gathered {
						if len(v) != 1 || v[0] != r {
							return fmt.Errorf("gather: got %v", gathered)
						}
					}
				} else if gathered != nil {
					return fmt.Errorf("rank %d: gather returned values on non-root", g.Rank())
				}
				sum, err := AllReduce(ctx, g, g.Rank(), func(x, y int) int { return x + y })
				if err != nil {
					return err
				}
				if want := n * (n - 1) / 2; sum != want {
					return fmt.Errorf("allreduce: got %d, want %d", sum, want)
				}
				return Barrier(ctx, g)
			})
			assert.NoError(t, err)
		})
	}
}

func TestZeroValues(t *testing.T) {
	err := Run(context.Background(), 3, func(ctx context.Context, g *Group) error {
		var v []int
		if g.Rank() == 0 {
			v = []int{}
		} else {
			v = []int{1, 2, 3}
		}
		if err := Broadcast(ctx, g, 0, &v); err != nil {
			return err
		}
		if len(v) != 0 {
			return fmt.Errorf("rank %d: got %v", g.Rank(), v)
		}
		counts, err := AllGather(ctx, g, 0)
		if err != nil {
			return err
		}
		if len(counts) != 3 {
			return fmt.Errorf("rank %d: got %v", g.Rank(), counts)
		}
		return nil
	})
	assert.NoError(t, err)
}

func TestSplit(t *testing.T) {
	const n = 6
	var (
		mu     sync.Mutex
		result = make(map[int][2]int)
	)
	err := Run(context.Background(), n, func(ctx context.Context, g *Group) error {
		color := 2
		if g.Rank()%3 == 0 {
			color = 1
		}
		sub, err := g.Split(ctx, color)
		if err != nil {
			return err
		}
		// Traffic in the subgroup must not be confused with traffic in
		// the parent, even though ranks and kinds coincide.
		sum, err := AllReduce(ctx, sub, g.Rank(), func(x, y int) int { return x + y })
		if err != nil {
			return err
		}
		parentSum, err := AllReduce(ctx, g, 1, func(x, y int) int { return x + y })
		if err != nil {
			return err
		}
		if parentSum != n {
			return fmt.Errorf("parent allreduce: got %d", parentSum)
		}
		mu.Lock()
		result[g.Rank()] = [2]int{sub.Rank(), sum}
		mu.Unlock()
		return sub.Free()
	})
	assert.NoError(t, err)
	// Color 1: ranks 0, 3. Color 2: ranks 1, 2, 4, 5.
	expect.EQ(t, result, map[int][2]int{
		0: {0, 3},
		3: {1, 3},
		1: {0, 12},
		2: {1, 12},
		4: {2, 12},
		5: {3, 12},
	})
}

// kindRecorder is a transport that records the kinds of the messages
// it sends.
type kindRecorder struct {
	Transport
	mu    *sync.Mutex
	kinds map[Kind]int
}

func (k kindRecorder) Send(ctx context.Context, dst int, key Key, p []byte) error {
	k.mu.Lock()
	k.kinds[key.Kind]++
	k.mu.Unlock()
	return k.Transport.Send(ctx, dst, key, p)
}

func TestSplitKind(t *testing.T) {
	const n = 4
	var (
		mu    sync.Mutex
		kinds = make(map[Kind]int)
		wg    sync.WaitGroup
		errs  = make([]error, n)
	)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for i, tr := range Local(n) {
		i, g := i, New(kindRecorder{tr, &mu, kinds})
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = g.Split(ctx, i%2)
		}()
	}
	wg.Wait()
	for _, err := range errs {
		assert.NoError(t, err)
	}
	// Three colors gathered, then three broadcasts of the vector.
	expect.EQ(t, kinds, map[Kind]int{KindSplit: 2 * (n - 1)})
}

func TestSplitContextsDiffer(t *testing.T) {
	a := splitContext(0, 0, 1)
	b := splitContext(0, 0, 2)
	c := splitContext(0, 1, 1)
	if a == b || a == c || b == c {
		t.Errorf("split contexts collide: %x %x %x", a, b, c)
	}
}

func TestFreedGroup(t *testing.T) {
	g := New(Local(1)[0])
	assert.NoError(t, g.Free())
	err := g.Send(context.Background(), 0, KindUser, 0, 1)
	if err == nil || !errors.Is(errors.Invalid, err) {
		t.Errorf("expected invalid error, got %v", err)
	}
	if err := g.Free(); err == nil {
		t.Error("expected error freeing twice")
	}
}

func TestRunFailureUnblocksPeers(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := Run(ctx, 3, func(ctx context.Context, g *Group) error {
		if g.Rank() == 1 {
			return errors.E(errors.Invalid, "rank 1 refuses")
		}
		return Barrier(ctx, g)
	})
	if err == nil || !errors.Is(errors.Invalid, err) {
		t.Errorf("expected invalid error, got %v", err)
	}
}

func TestRunPanic(t *testing.T) {
	err := Run(context.Background(), 2, func(ctx context.Context, g *Group) error {
		if g.Rank() == 1 {
			panic("boom")
		}
		return nil
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "rank 1 panicked") {
		t.Errorf("unexpected error %v", err)
	}
}

func TestMailboxOrder(t *testing.T) {
	m := NewMailbox()
	key := Key{Kind: KindUser, Tag: 3}
	for i := 0; i < 5; i++ {
		m.Put(1, key, []byte{byte(i)})
	}
	m.Put(2, key, []byte{99})
	expect.EQ(t, m.Pending(), 6)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		p, err := m.Take(ctx, 1, key)
		assert.NoError(t, err)
		expect.EQ(t, p, []byte{byte(i)})
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	if _, err := m.Take(ctx, 1, key); err != context.DeadlineExceeded {
		t.Errorf("got %v, want deadline exceeded", err)
	}
	expect.EQ(t, m.Pending(), 1)
}

func TestAgree(t *testing.T) {
	// Ranks run without a shared cancellation, so a rank that fails
	// without joining the agreement would strand its peers.
	const n = 3
	var (
		wg   sync.WaitGroup
		errs = make([]error, n)
	)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for i, tr := range Local(n) {
		i, g := i, New(tr)
		wg.Add(1)
		go func() {
			defer wg.Done()
			var err error
			if i == 2 {
				err = errors.E(errors.Invalid, "bad input")
			}
			if errs[i] = Agree(ctx, g, err); errs[i] != nil {
				return
			}
			errs[i] = Barrier(ctx, g)
		}()
	}
	wg.Wait()
	expect.True(t, errors.Is(errors.Invalid, errs[2]))
	for _, err := range errs[:2] {
		if err == nil || !strings.Contains(err.Error(), "rank 2 failed: bad input") {
			t.Errorf("unexpected error %v", err)
		}
	}
	err := Run(context.Background(), n, func(ctx context.Context, g *Group) error {
		return Agree(ctx, g, nil)
	})
	assert.NoError(t, err)
}

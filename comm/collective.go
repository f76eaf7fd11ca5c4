// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package comm

import (
	"context"
	"fmt"

	"github.com/grailbio/base/errors"
)

// box wraps values on the wire so that zero values (including nil
// slices) survive encoding.
type box[T any] struct{ V T }

// SendValue sends v to group rank dst with the given kind and tag.
func SendValue[T any](ctx context.Context, g *Group, dst int, kind Kind, tag int, v T) error {
	return g.Send(ctx, dst, kind, tag, box[T]{v})
}

// RecvValue receives a value sent by SendValue from group rank src
// with the given kind and tag.
func RecvValue[T any](ctx context.Context, g *Group, src int, kind Kind, tag int) (T, error) {
	var b box[T]
	err := g.Recv(ctx, src, kind, tag, &b)
	return b.V, err
}

// Broadcast distributes the value *v held by root to every rank of the
// group. On return, *v on every rank holds root's value.
func Broadcast[T any](ctx context.Context, g *Group, root int, v *T) error {
	return broadcast(ctx, g, root, KindBroadcast, 0, v)
}

func broadcast[T any](ctx context.Context, g *Group, root int, kind Kind, tag int, v *T) error {
	if g.rank != root {
		var err error
		*v, err = RecvValue[T](ctx, g, root, kind, tag)
		return err
	}
	for r := range g.world {
		if r == root {
			continue
		}
		if err := SendValue(ctx, g, r, kind, tag, *v); err != nil {
			return err
		}
	}
	return nil
}

// Scatter distributes vals, held by root, so that rank r receives
// vals[r]. Vals is ignored on ranks other than root; on root it must
// have exactly one element per rank.
func Scatter[T any](ctx context.Context, g *Group, root int, vals []T) (T, error) {
	if g.rank != root {
		return RecvValue[T](ctx, g, root, KindScatter, 0)
	}
	var mine T
	if len(vals) != len(g.world) {
		return mine, errors.E(errors.Invalid,
			fmt.Sprintf("%s: scatter of %d values in a group of size %d", g, len(vals), len(g.world)))
	}
	for r, v := range vals {
		if r == root {
			mine = v
			continue
		}
		if err := SendValue(ctx, g, r, KindScatter, 0, v); err != nil {
			return mine, err
		}
	}
	return mine, nil
}

// Gather collects v from every rank at root, in rank order. Gather
// returns nil on ranks other than root.
func Gather[T any](ctx context.Context, g *Group, root int, v T) ([]T, error) {
	return gather(ctx, g, root, KindGather, 0, v)
}

func gather[T any](ctx context.Context, g *Group, root int, kind Kind, tag int, v T) ([]T, error) {
	if g.rank != root {
		return nil, SendValue(ctx, g, root, kind, tag, v)
	}
	vals := make([]T, len(g.world))
	for r := range g.world {
		if r == root {
			vals[r] = v
			continue
		}
		var err error
		vals[r], err = RecvValue[T](ctx, g, r, kind, tag)
		if err != nil {
			return nil, err
		}
	}
	return vals, nil
}

// AllGather collects v from every rank, in rank order, at every rank.
func AllGather[T any](ctx context.Context, g *Group, v T) ([]T, error) {
	vals, err := Gather(ctx, g, 0, v)
	if err != nil {
		return nil, err
	}
	if err := Broadcast(ctx, g, 0, &vals); err != nil {
		return nil, err
	}
	return vals, nil
}

// AllReduce combines v from every rank with the associative function
// op, in rank order, and returns the result at every rank.
func AllReduce[T any](ctx context.Context, g *Group, v T, op func(x, y T) T) (T, error) {
	vals, err := AllGather(ctx, g, v)
	if err != nil {
		var zero T
		return zero, err
	}
	acc := vals[0]
	for _, x := range vals[1:] {
		acc = op(acc, x)
	}
	return acc, nil
}

// Barrier blocks until every rank of the group has entered it.
func Barrier(ctx context.Context, g *Group) error {
	const root = 0
	if g.rank != root {
		if err := SendValue(ctx, g, root, KindBarrier, 0, true); err != nil {
			return err
		}
		_, err := RecvValue[bool](ctx, g, root, KindBarrier, 1)
		return err
	}
	for r := 1; r < len(g.world); r++ {
		if _, err := RecvValue[bool](ctx, g, r, KindBarrier, 0); err != nil {
			return err
		}
	}
	for r := 1; r < len(g.world); r++ {
		if err := SendValue(ctx, g, r, KindBarrier, 1, true); err != nil {
			return err
		}
	}
	return nil
}

// Agree reports the outcome of a phase uniformly across the group:
// every rank contributes its error (if any), and if any rank failed,
// every rank returns an error. Ranks that fail locally must still call
// Agree so that their peers are not left waiting. Agree synchronizes
// the whole group.
func Agree(ctx context.Context, g *Group, err error) error {
	var msg string
	if err != nil {
		msg = err.Error()
	}
	msgs, cerr := AllGather(ctx, g, msg)
	if cerr != nil {
		return cerr
	}
	if err != nil {
		return err
	}
	for r, m := range msgs {
		if m != "" {
			return errors.E(fmt.Sprintf("rank %d failed: %s", r, m))
		}
	}
	return nil
}

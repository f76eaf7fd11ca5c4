// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package iopool

import (
	"fmt"
	"strings"

	"github.com/grailbio/base/errors"
)

// Mode selects the direction of a pool's I/O.
type Mode int

const (
	// Writer pools gather data from their associates and save it.
	Writer Mode = iota
	// Reader pools load data and scatter it to their associates.
	Reader
)

func (m Mode) String() string {
	if m == Reader {
		return "reader"
	}
	return "writer"
}

// Params configures I/O pools.
type Params struct {
	// MaxPoolSize is the maximum number of ranks in the pool. A
	// non-positive value selects DefaultMaxPoolSize.
	MaxPoolSize int
	// WriteMultipleFiles makes each pool rank of a writer pool write
	// its own file instead of a tile of a single shared file.
	WriteMultipleFiles bool
	// WriterStrategy names the strategy of writer pools.
	WriterStrategy string
	// ReaderStrategy names the strategy of reader pools.
	ReaderStrategy string
}

// DefaultParams returns the default pool parameters.
func DefaultParams() Params {
	return Params{
		MaxPoolSize:    DefaultMaxPoolSize,
		WriterStrategy: "single-pool",
		ReaderStrategy: "all-tasks",
	}
}

// strategy returns the strategy for the provided mode.
func (p Params) strategy(mode Mode) (Strategy, error) {
	name := p.strategyName(mode)
	if name == "" {
		name = DefaultParams().strategyName(mode)
	}
	return LookupStrategy(name)
}

func (p Params) strategyName(mode Mode) string {
	if mode == Reader {
		return p.ReaderStrategy
	}
	return p.WriterStrategy
}

// String returns a compact description of the parameters.
func (p Params) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "maxpoolsize=%d", p.MaxPoolSize)
	if p.WriteMultipleFiles {
		b.WriteString(" multiplefiles")
	}
	fmt.Fprintf(&b, " writer=%s reader=%s", p.WriterStrategy, p.ReaderStrategy)
	return b.String()
}

// Validate checks that the parameters name registered strategies.
func (p Params) Validate() error {
	for _, mode := range []Mode{Writer, Reader} {
		if _, err := p.strategy(mode); err != nil {
			return errors.E(err, fmt.Sprintf("%s pool", mode))
		}
	}
	return nil
}

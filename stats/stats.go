// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package stats counts the data moved by the ranks of an I/O pool.
// Each rank keeps its own Counters; snapshots from several ranks may
// be merged to summarize a run.
package stats

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/grailbio/base/data"
)

// Counter names maintained by the I/O pool.
const (
	// LocationsSent is the number of locations sent to a peer.
	LocationsSent = "locationsSent"
	// LocationsReceived is the number of locations received from a
	// peer.
	LocationsReceived = "locationsReceived"
	// BytesSent is the approximate number of value bytes sent.
	BytesSent = "bytesSent"
	// BytesReceived is the approximate number of value bytes received.
	BytesReceived = "bytesReceived"
	// TilesWritten counts tiles handed to a tile writer.
	TilesWritten = "tilesWritten"
	// TilesRead counts tiles obtained from a tile reader.
	TilesRead = "tilesRead"
)

// Values is a snapshot of a set of counters.
type Values map[string]int64

// Merge adds the values in w to v.
func (v Values) Merge(w Values) {
	for k, n := range w {
		v[k] += n
	}
}

// String returns the values sorted by name. Byte counters are
// rendered as sizes.
func (v Values) String() string {
	keys := make([]string, 0, len(v))
	for key := range v {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for i, key := range keys {
		if strings.HasPrefix(key, "bytes") {
			keys[i] = fmt.Sprintf("%s:%s", key, data.Size(v[key]))
		} else {
			keys[i] = fmt.Sprintf("%s:%d", key, v[key])
		}
	}
	return strings.Join(keys, " ")
}

// Counters is a set of named counters. The zero Counters is ready to
// use; a nil *Counters discards updates.
type Counters struct {
	mu   sync.Mutex
	vals map[string]*int64
}

func (c *Counters) counter(name string) *int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.vals == nil {
		c.vals = make(map[string]*int64)
	}
	p := c.vals[name]
	if p == nil {
		p = new(int64)
		c.vals[name] = p
	}
	return p
}

// Add adds delta to the named counter.
func (c *Counters) Add(name string, delta int64) {
	if c == nil {
		return
	}
	atomic.AddInt64(c.counter(name), delta)
}

// Get returns the current value of the named counter.
func (c *Counters) Get(name string) int64 {
	if c == nil {
		return 0
	}
	return atomic.LoadInt64(c.counter(name))
}

// Snapshot returns the current values of all counters.
func (c *Counters) Snapshot() Values {
	vals := make(Values)
	if c == nil {
		return vals
	}
	c.mu.Lock()
	for k, p := range c.vals {
		vals[k] = atomic.LoadInt64(p)
	}
	c.mu.Unlock()
	return vals
}

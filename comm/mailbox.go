// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package comm

import (
	"context"
	"sync"

	"github.com/grailbio/base/sync/ctxsync"
)

type mailKey struct {
	src int
	key Key
}

// A Mailbox holds messages delivered to a single rank until they are
// taken by a matching receive. Messages with the same source and key
// are queued in arrival order. Mailboxes are used by transports to
// implement eager sends: a send completes once the message is queued.
type Mailbox struct {
	mu   sync.Mutex
	cond *ctxsync.Cond
	q    map[mailKey][][]byte
	n    int
}

// NewMailbox returns an empty mailbox.
func NewMailbox() *Mailbox {
	m := &Mailbox{q: make(map[mailKey][][]byte)}
	m.cond = ctxsync.NewCond(&m.mu)
	return m
}

// Put queues payload p from rank src under key.
func (m *Mailbox) Put(src int, key Key, p []byte) {
	m.mu.Lock()
	k := mailKey{src, key}
	m.q[k] = append(m.q[k], p)
	m.n++
	m.cond.Broadcast()
	m.mu.Unlock()
}

// Take removes and returns the oldest message from rank src under key,
// waiting for one to arrive if necessary. Take returns the context's
// error if the context is done before a message arrives.
func (m *Mailbox) Take(ctx context.Context, src int, key Key) ([]byte, error) {
	k := mailKey{src, key}
	m.mu.Lock()
	defer m.mu.Unlock()
	for {
		if q := m.q[k]; len(q) > 0 {
			p := q[0]
			if len(q) == 1 {
				delete(m.q, k)
			} else {
				m.q[k] = q[1:]
			}
			m.n--
			return p, nil
		}
		if err := m.cond.Wait(ctx); err != nil {
			return nil, err
		}
	}
}

// Pending returns the number of queued messages that have not yet been
// taken.
func (m *Mailbox) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.n
}

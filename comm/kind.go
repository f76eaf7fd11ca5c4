// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package comm

import "fmt"

// Kind is the kind of a message exchanged between two ranks. Together
// with the group context and a tag, the kind forms the Key under which
// a message is matched by its receiver. Kinds are part of the wire
// contract between ranks: new protocol steps must add a new kind
// rather than reuse tags of an existing one.
type Kind uint8

const (
	// KindBroadcast carries a value from a broadcast root.
	KindBroadcast Kind = iota + 1
	// KindScatter carries one element of a scattered vector.
	KindScatter
	// KindGather carries one rank's contribution to a gather.
	KindGather
	// KindBarrier carries barrier arrival and release tokens.
	KindBarrier
	// KindSplit carries the colors exchanged while splitting a group:
	// tag 0 gathers them at rank 0, tag 1 broadcasts the full vector.
	KindSplit
	// KindAssignment carries a rank's pool assignment list. The tag is
	// the destination rank.
	KindAssignment
	// KindVarData carries location-dimensioned variable values between
	// a pool rank and one of its associates. The tag encodes the
	// variable number and the associate rank.
	KindVarData
	// KindLocations carries the global location indices an associate
	// asks its pool rank to read.
	KindLocations
	// KindUser is available to programs layered on a Group.
	KindUser

	maxKind
)

var kindNames = [...]string{
	KindBroadcast:  "broadcast",
	KindScatter:    "scatter",
	KindGather:     "gather",
	KindBarrier:    "barrier",
	KindSplit:      "split",
	KindAssignment: "assignment",
	KindVarData:    "vardata",
	KindLocations:  "locations",
	KindUser:       "user",
}

// String returns the name of the kind k.
func (k Kind) String() string {
	if k == 0 || k >= maxKind {
		return fmt.Sprintf("kind(%d)", k)
	}
	return kindNames[k]
}

// Key addresses a message. Messages between the same pair of ranks with
// the same key are delivered in the order in which they were sent.
type Key struct {
	// Context identifies the group in which the message is exchanged.
	// Groups derived by Split have distinct contexts so that their
	// traffic is never matched with the parent's.
	Context uint32
	// Kind is the message kind.
	Kind Kind
	// Tag disambiguates messages of the same kind.
	Tag int
}

func (k Key) String() string {
	return fmt.Sprintf("%x/%s/%d", k.Context, k.Kind, k.Tag)
}

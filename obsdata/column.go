// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package obsdata defines the location-dimensioned value columns held
// by a rank, the missing-value sentinels of each element kind, and the
// Shard: the set of locations owned by one rank.
package obsdata

import (
	"fmt"
	"math"
)

// Element is the closed set of element types a column may hold.
// Datetimes are held as int64 seconds since the epoch.
type Element interface {
	int32 | int64 | float32 | float64 | string
}

// Kind identifies the element type of a column.
type Kind int

const (
	Int32 Kind = iota
	Int64
	Float32
	Float64
	String
)

var kindNames = map[Kind]string{
	Int32:   "int32",
	Int64:   "int64",
	Float32: "float32",
	Float64: "float64",
	String:  "string",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Missing-value sentinels. A value equal to the sentinel of its element
// type is missing.
const (
	MissingInt32   int32   = math.MinInt32 + 5
	MissingInt64   int64   = math.MinInt64 + 5
	MissingFloat32 float32 = -3.3687953e+38
	MissingFloat64 float64 = -3.3687953e+38
	MissingString          = "*** MISSING ***"
)

// Missing returns the missing-value sentinel of element type T.
func Missing[T Element]() T {
	var v T
	switch p := any(&v).(type) {
	case *int32:
		*p = MissingInt32
	case *int64:
		*p = MissingInt64
	case *float32:
		*p = MissingFloat32
	case *float64:
		*p = MissingFloat64
	case *string:
		*p = MissingString
	}
	return v
}

// KindOf returns the kind of element type T.
func KindOf[T Element]() Kind {
	var v T
	switch any(v).(type) {
	case int32:
		return Int32
	case int64:
		return Int64
	case float32:
		return Float32
	case float64:
		return Float64
	default:
		return String
	}
}

// A Column is a location-dimensioned variable: one value per location
// held by a rank. Columns are implemented by Values.
type Column interface {
	// Kind returns the element kind of the column.
	Kind() Kind
	// Len returns the number of values in the column.
	Len() int
	// IsMissing tells whether the i'th value is missing.
	IsMissing(i int) bool
	// Select returns a new column holding the values at the provided
	// indices, in order.
	Select(indices []int) Column
	// Slice returns the values in [i, j). The returned column shares
	// storage with the receiver.
	Slice(i, j int) Column
	// Resize returns a column of length n. Existing values are kept;
	// new values are missing.
	Resize(n int) Column
	// Copy sets the value at index dst to the value at index src.
	Copy(dst, src int)
	// SetMissing sets the value at index i to missing.
	SetMissing(i int)
}

// Values is a column of elements of type T.
type Values[T Element] []T

// Kind implements Column.
func (v Values[T]) Kind() Kind { return KindOf[T]() }

// Len implements Column.
func (v Values[T]) Len() int { return len(v) }

// IsMissing implements Column.
func (v Values[T]) IsMissing(i int) bool { return v[i] == Missing[T]() }

// Select implements Column.
func (v Values[T]) Select(indices []int) Column {
	w := make(Values[T], len(indices))
	for i, j := range indices {
		w[i] = v[j]
	}
	return w
}

// Slice implements Column.
func (v Values[T]) Slice(i, j int) Column { return v[i:j:j] }

// Resize implements Column.
func (v Values[T]) Resize(n int) Column {
	if n <= len(v) {
		return v[:n:n]
	}
	w := make(Values[T], n)
	copy(w, v)
	missing := Missing[T]()
	for i := len(v); i < n; i++ {
		w[i] = missing
	}
	return w
}

// Copy implements Column.
func (v Values[T]) Copy(dst, src int) { v[dst] = v[src] }

// SetMissing implements Column.
func (v Values[T]) SetMissing(i int) { v[i] = Missing[T]() }

// Of returns column c as Values[T], or false if c holds another
// element type.
func Of[T Element](c Column) (Values[T], bool) {
	v, ok := c.(Values[T])
	return v, ok
}

// MissingMask returns, for each value of c, whether it is missing.
func MissingMask(c Column) []bool {
	mask := make([]bool, c.Len())
	for i := range mask {
		mask[i] = c.IsMissing(i)
	}
	return mask
}

// Make returns a column of the provided kind holding n missing values.
func Make(kind Kind, n int) Column {
	switch kind {
	case Int32:
		return Values[int32](nil).Resize(n)
	case Int64:
		return Values[int64](nil).Resize(n)
	case Float32:
		return Values[float32](nil).Resize(n)
	case Float64:
		return Values[float64](nil).Resize(n)
	case String:
		return Values[string](nil).Resize(n)
	}
	panic(fmt.Sprintf("obsdata.Make: invalid kind %v", kind))
}

// Concat returns the concatenation of the provided columns, which must
// all be of the provided kind.
func Concat(kind Kind, cols ...Column) (Column, error) {
	switch kind {
	case Int32:
		return concat[int32](cols)
	case Int64:
		return concat[int64](cols)
	case Float32:
		return concat[float32](cols)
	case Float64:
		return concat[float64](cols)
	case String:
		return concat[string](cols)
	}
	return nil, fmt.Errorf("obsdata.Concat: invalid kind %v", kind)
}

func concat[T Element](cols []Column) (Column, error) {
	var n int
	for _, c := range cols {
		n += c.Len()
	}
	w := make(Values[T], 0, n)
	for _, c := range cols {
		v, ok := Of[T](c)
		if !ok {
			return nil, fmt.Errorf("obsdata.Concat: column of kind %v, expected %v", c.Kind(), KindOf[T]())
		}
		w = append(w, v...)
	}
	return w, nil
}

// Bytes returns the approximate in-memory size of the values in c.
func Bytes(c Column) int64 {
	switch v := c.(type) {
	case Values[int32]:
		return 4 * int64(len(v))
	case Values[float32]:
		return 4 * int64(len(v))
	case Values[int64]:
		return 8 * int64(len(v))
	case Values[float64]:
		return 8 * int64(len(v))
	case Values[string]:
		var n int64
		for _, s := range v {
			n += int64(len(s))
		}
		return n
	}
	return 0
}

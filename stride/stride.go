/*
 * StrataDB
 *
 * Copyright 2016 Matthias Ladkau. All rights reserved.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

/*
Package stride contains strided column views.

A strided view describes the per-task inputs of a batched engine call
without copying the underlying column data. A view either steps through
a backing slice (stride 1) or broadcasts a single value across all
tasks (stride 0). Broadcasting is used whenever a request supplies a
single value for all tasks - e.g. a collection id given as a URI
parameter instead of a column.
*/
package stride

/*
Int64s is a strided view over signed 64-bit values (e.g. keys).
*/
type Int64s struct {
	data      []int64
	broadcast bool
}

/*
NewInt64s returns a view which steps through the given values.
*/
func NewInt64s(data []int64) Int64s {
	return Int64s{data, false}
}

/*
BroadcastInt64 returns a view which repeats a single value.
*/
func BroadcastInt64(v int64) Int64s {
	return Int64s{[]int64{v}, true}
}

/*
IsEmpty checks if the view has no backing data.
*/
func (s Int64s) IsEmpty() bool {
	return len(s.data) == 0
}

/*
At returns the value of a given task.
*/
func (s Int64s) At(i int) int64 {
	if s.broadcast {
		return s.data[0]
	}

	return s.data[i]
}

/*
Uint64s is a strided view over unsigned 64-bit values (e.g. collection ids).
*/
type Uint64s struct {
	data      []uint64
	broadcast bool
}

/*
NewUint64s returns a view which steps through the given values.
*/
func NewUint64s(data []uint64) Uint64s {
	return Uint64s{data, false}
}

/*
BroadcastUint64 returns a view which repeats a single value.
*/
func BroadcastUint64(v uint64) Uint64s {
	return Uint64s{[]uint64{v}, true}
}

/*
IsEmpty checks if the view has no backing data.
*/
func (s Uint64s) IsEmpty() bool {
	return len(s.data) == 0
}

/*
At returns the value of a given task. An empty view broadcasts zero
which addresses the main collection.
*/
func (s Uint64s) At(i int) uint64 {
	if len(s.data) == 0 {
		return 0
	} else if s.broadcast {
		return s.data[0]
	}

	return s.data[i]
}

/*
Lengths is a strided view over unsigned 32-bit values (e.g. count limits).
*/
type Lengths struct {
	data      []uint32
	broadcast bool
}

/*
NewLengths returns a view which steps through the given values.
*/
func NewLengths(data []uint32) Lengths {
	return Lengths{data, false}
}

/*
BroadcastLength returns a view which repeats a single value.
*/
func BroadcastLength(v uint32) Lengths {
	return Lengths{[]uint32{v}, true}
}

/*
IsEmpty checks if the view has no backing data.
*/
func (s Lengths) IsEmpty() bool {
	return len(s.data) == 0
}

/*
At returns the value of a given task.
*/
func (s Lengths) At(i int) uint32 {
	if s.broadcast {
		return s.data[0]
	}

	return s.data[i]
}

/*
Bytes is a strided view over variable-length binary values. The value
of task i is Contents[Offsets[i]:Offsets[i+1]]. A cleared bit in the
presence bitmap marks the task's value as absent - on writes this
deletes the key. A nil presence bitmap means all values are present.
*/
type Bytes struct {
	Contents  []byte   // Concatenated value bytes
	Offsets   []uint32 // Value offsets (task count + 1 entries)
	Presences []byte   // Presence bitmap (LSB first) or nil
	broadcast bool
}

/*
NewBytes returns a view which steps through the given values.
*/
func NewBytes(contents []byte, offsets []uint32, presences []byte) Bytes {
	return Bytes{contents, offsets, presences, false}
}

/*
BroadcastBytes returns a view which repeats a single value.
*/
func BroadcastBytes(value []byte) Bytes {
	return Bytes{value, []uint32{0, uint32(len(value))}, nil, true}
}

/*
IsEmpty checks if the view has no backing data.
*/
func (s Bytes) IsEmpty() bool {
	return len(s.Offsets) == 0
}

/*
Present checks the presence bit of a given task.
*/
func (s Bytes) Present(i int) bool {
	if s.Presences == nil {
		return true
	} else if s.broadcast {
		i = 0
	}

	return s.Presences[i/8]&(1<<(uint(i)%8)) != 0
}

/*
At returns the value bytes of a given task.
*/
func (s Bytes) At(i int) []byte {
	if s.broadcast {
		i = 0
	}

	return s.Contents[s.Offsets[i]:s.Offsets[i+1]]
}

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
Package engine contains the abstraction for the transactional key-value
substrate of StrataDB.

All modalities (binary blobs, documents, graphs, paths) are projections
over this substrate. The substrate is modelled by the Database interface
which exposes batched operations. Each batched operation receives a set
of tasks described through strided column views (see the stride package)
and an arena which is the sole allocator for returned buffers.

Two backends are provided: engine/memory is an in-memory ordered store
with MVCC semantics and engine/leveldb is a persistent LSM-tree variant.
*/
package engine

import (
	"errors"
	"fmt"

	"devt.de/krotik/stratadb/arena"
	"devt.de/krotik/stratadb/stride"
)

/*
MainCollection is the id of the default main collection. It always
exists and has the empty name.
*/
const MainCollection uint64 = 0

/*
LengthMissing is the length sentinel reported for keys which are not
present in a collection.
*/
const LengthMissing uint32 = 0xFFFFFFFF

/*
Options is a bitmask of per-call engine options.
*/
type Options int

/*
Available engine options.
*/
const (
	OptDefault   Options = 0
	OptDontWatch Options = 1 << iota // Do not add transactional reads to the watch-set
	OptFlush                         // Flush to durable media before returning
	OptSharedMem                     // Allow the result to reference shared memory
)

/*
DropMode determines what a collection drop should remove.
*/
type DropMode int

/*
Available collection drop modes.
*/
const (
	DropValues   DropMode = iota // Only remove the stored values
	DropContents                 // Remove keys and values but keep the collection
	DropHandle                   // Remove keys, values and the collection itself
)

/*
Common engine failure kinds.
*/
var (
	ErrArgsWrong   = errors.New("Invalid arguments")
	ErrOutOfMemory = errors.New("Out of memory")
	ErrConflict    = errors.New("Conflicting write")
	ErrEngine      = errors.New("Engine failure")
	ErrUnknown     = errors.New("Unknown failure")
)

/*
Error is an engine related error.
*/
type Error struct {
	Type   error  // Failure kind
	Detail string // Further details
}

/*
NewError returns a new engine specific error.
*/
func NewError(kind error, detail string) *Error {
	return &Error{kind, detail}
}

/*
Error returns a string representation of the error.
*/
func (e *Error) Error() string {
	if e.Detail == "" {
		return e.Type.Error()
	}

	return fmt.Sprintf("%s (%s)", e.Type.Error(), e.Detail)
}

/*
IsKind checks if a given error is an engine error of a certain kind.
*/
func IsKind(err error, kind error) bool {
	var ee *Error

	if errors.As(err, &ee) {
		return ee.Type == kind
	}

	return false
}

/*
Transaction is an opaque handle for an engine transaction. Handles are
created by TxnInit and recycled by the session manager - a handle must
only ever be used by one call at a time.
*/
type Transaction interface {

	/*
	   Pending returns the number of buffered writes of the transaction.
	*/
	Pending() int
}

/*
ReadResult holds the result buffers of a batched read. All buffers are
allocated from the arena which was given to the read call. Offsets has
one more entry than there are tasks - the value of task i is the byte
range Values[Offsets[i]:Offsets[i+1]]. Missing keys have a cleared
presence bit and report LengthMissing in Lengths.
*/
type ReadResult struct {
	Presences []byte   // Presence bitmap (LSB first within each byte)
	Offsets   []uint32 // Value offsets (task count + 1 entries)
	Lengths   []uint32 // Value lengths (LengthMissing for absent keys)
	Values    []byte   // Concatenated value bytes
}

/*
Present checks the presence bit of a given task.
*/
func (r *ReadResult) Present(i int) bool {
	return r.Presences[i/8]&(1<<(uint(i)%8)) != 0
}

/*
Value returns the value bytes of a given task.
*/
func (r *ReadResult) Value(i int) []byte {
	return r.Values[r.Offsets[i]:r.Offsets[i+1]]
}

/*
KeysResult holds the result buffers of a batched scan or sample. Offsets
has one more entry than there are tasks - the keys of task i are
Keys[Offsets[i]:Offsets[i+1]]. Counts repeats the per-task key count.
*/
type KeysResult struct {
	Offsets []uint32 // Key offsets (task count + 1 entries)
	Keys    []int64  // Concatenated result keys
	Counts  []uint32 // Number of keys per task
}

/*
TaskKeys returns the result keys of a given task.
*/
func (r *KeysResult) TaskKeys(i int) []int64 {
	return r.Keys[r.Offsets[i]:r.Offsets[i+1]]
}

/*
Database models the storage backend for the multi-modal database. The
interface exposes batched operations - every operation works on a list
of tasks given as strided columns. Reads may either run under a
transaction or under a snapshot (never both). All operations must be
safe for concurrent use as long as every transaction handle is only
used by a single call at a time.
*/
type Database interface {

	/*
	   Read looks up the values of a batch of keys. Tasks read either the
	   latest committed state, the state of a given snapshot (snap != 0) or
	   the state visible to a given transaction (latest committed state
	   plus the transaction's own writes). Transactional reads are added
	   to the transaction's watch-set unless OptDontWatch is set.
	*/
	Read(txn Transaction, snap uint64, a *arena.Arena, opts Options,
		cols stride.Uint64s, keys stride.Int64s, count int) (*ReadResult, error)

	/*
	   Write stores, overwrites or deletes a batch of keys. A task with a
	   cleared presence bit deletes its key; a present task with length
	   zero writes an empty value. Without a transaction the batch is
	   applied atomically as a singleton transaction.
	*/
	Write(txn Transaction, a *arena.Arena, opts Options,
		cols stride.Uint64s, keys stride.Int64s, vals stride.Bytes, count int) error

	/*
	   Scan returns for every task up to limit keys which are greater or
	   equal to the start key in ascending order.
	*/
	Scan(txn Transaction, snap uint64, a *arena.Arena, opts Options,
		cols stride.Uint64s, starts stride.Int64s, limits stride.Lengths, count int) (*KeysResult, error)

	/*
	   Sample returns for every task up to limit keys sampled uniformly
	   without replacement from the collection.
	*/
	Sample(txn Transaction, a *arena.Arena, opts Options,
		cols stride.Uint64s, limits stride.Lengths, count int) (*KeysResult, error)

	/*
	   CollectionCreate looks up or creates a named collection and returns
	   its id. The config string is backend specific and may be empty.
	*/
	CollectionCreate(name string, config string) (uint64, error)

	/*
	   CollectionDrop removes a collection's values, contents or handle
	   depending on the given mode. The main collection's handle cannot
	   be dropped.
	*/
	CollectionDrop(id uint64, mode DropMode) error

	/*
	   CollectionList returns ids and names of all named collections.
	*/
	CollectionList() ([]uint64, []string, error)

	/*
	   SnapshotCreate captures a consistent read-only view of the current
	   committed state and returns its id.
	*/
	SnapshotCreate() (uint64, error)

	/*
	   SnapshotDrop releases a snapshot.
	*/
	SnapshotDrop(id uint64) error

	/*
	   SnapshotList returns the ids of all open snapshots.
	*/
	SnapshotList() ([]uint64, error)

	/*
	   TxnInit creates a new transaction or recycles a previously freed
	   handle. The recycled handle may be nil.
	*/
	TxnInit(recycled Transaction) (Transaction, error)

	/*
	   TxnCommit atomically applies all writes of a transaction. The commit
	   fails with an ErrConflict error if any entry of the transaction's
	   watch-set was overwritten by another committed transaction. The
	   handle is reset and may be recycled afterwards regardless of the
	   outcome.
	*/
	TxnCommit(txn Transaction, opts Options) error

	/*
	   TxnFree discards a transaction handle and its buffered state.
	*/
	TxnFree(txn Transaction)

	/*
	   Close closes the database.
	*/
	Close() error
}

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
Package paths contains the path modality of StrataDB.

The modality projects string keys onto the integer key space of the KV
substrate. A path is hashed to its substrate key; the stored record
carries the path itself in front of the value so lookups can verify
the path and hash collisions read as missing keys. Pattern matching
walks the collection and filters the stored paths - patterns are
regular expressions, matched against the full path.
*/
package paths

import (
	"encoding/binary"
	"hash/fnv"
	"regexp"
	"sort"

	"devt.de/krotik/stratadb/arena"
	"devt.de/krotik/stratadb/engine"
	"devt.de/krotik/stratadb/stride"
)

/*
DefaultSeparator is the default path separator.
*/
const DefaultSeparator byte = '/'

/*
matchBatchSize is the number of keys fetched per matching step.
*/
const matchBatchSize = 128

/*
Store provides path operations over a collection of the KV substrate.
*/
type Store struct {
	db        engine.Database // Underlying engine
	col       uint64          // Collection holding the path records
	Separator byte            // Path separator
}

/*
NewStore creates a new path store over a given collection.
*/
func NewStore(db engine.Database, col uint64) *Store {
	return &Store{db, col, DefaultSeparator}
}

/*
keyOf hashes a path to its substrate key.
*/
func keyOf(path []byte) int64 {
	h := fnv.New64a()
	h.Write(path)

	return int64(h.Sum64())
}

/*
encodeRecord builds the stored record of a path value.
*/
func encodeRecord(path []byte, val []byte) []byte {
	rec := make([]byte, 0, binary.MaxVarintLen32+len(path)+len(val))
	rec = binary.AppendUvarint(rec, uint64(len(path)))
	rec = append(rec, path...)
	rec = append(rec, val...)

	return rec
}

/*
decodeRecord splits a stored record into path and value.
*/
func decodeRecord(rec []byte) ([]byte, []byte, error) {
	size, n := binary.Uvarint(rec)

	if n <= 0 || uint64(n)+size > uint64(len(rec)) {
		return nil, nil, engine.NewError(engine.ErrEngine, "Corrupt path record")
	}

	return rec[n : uint64(n)+size], rec[uint64(n)+size:], nil
}

/*
Write stores, overwrites or deletes a batch of paths. A task with a
cleared presence bit in the value column deletes its path.
*/
func (ps *Store) Write(txn engine.Transaction, a *arena.Arena, opts engine.Options,
	pathList stride.Bytes, vals stride.Bytes, count int) error {

	keys := make([]int64, count)
	var contents []byte
	offsets := make([]uint32, count+1)
	presences := make([]byte, (count+7)/8)

	for i := 0; i < count; i++ {
		path := pathList.At(i)
		keys[i] = keyOf(path)
		offsets[i] = uint32(len(contents))

		if vals.IsEmpty() || !vals.Present(i) {
			continue
		}

		presences[i/8] |= 1 << (uint(i) % 8)
		contents = append(contents, encodeRecord(path, vals.At(i))...)
	}

	offsets[count] = uint32(len(contents))

	return ps.db.Write(txn, a, opts, stride.BroadcastUint64(ps.col),
		stride.NewInt64s(keys), stride.NewBytes(contents, offsets, presences), count)
}

/*
Read looks up the values of a batch of paths. The result has the same
layout as a binary read - a hash collision with a different path reads
as a missing key.
*/
func (ps *Store) Read(txn engine.Transaction, snap uint64, a *arena.Arena,
	opts engine.Options, pathList stride.Bytes, count int) (*engine.ReadResult, error) {

	keys := make([]int64, count)
	for i := 0; i < count; i++ {
		keys[i] = keyOf(pathList.At(i))
	}

	raw, err := ps.db.Read(txn, snap, a, opts, stride.BroadcastUint64(ps.col),
		stride.NewInt64s(keys), count)

	if err != nil {
		return nil, err
	}

	// Re-pack the records - the stored path prefix is stripped and
	// verified against the requested path

	found := make([][]byte, count)
	present := make([]bool, count)
	total := 0

	for i := 0; i < count; i++ {
		if !raw.Present(i) {
			continue
		}

		path, val, err := decodeRecord(raw.Value(i))
		if err != nil {
			return nil, err
		}

		if string(path) != string(pathList.At(i)) {
			continue
		}

		found[i], present[i] = val, true
		total += len(val)
	}

	res := &engine.ReadResult{
		Presences: a.Bytes((count + 7) / 8),
		Offsets:   a.Uint32s(count + 1),
		Lengths:   a.Uint32s(count),
		Values:    a.Bytes(total),
	}

	off := uint32(0)

	for i := 0; i < count; i++ {
		res.Offsets[i] = off

		if present[i] {
			res.Presences[i/8] |= 1 << (uint(i) % 8)
			res.Lengths[i] = uint32(len(found[i]))
			copy(res.Values[off:], found[i])
			off += uint32(len(found[i]))
		} else {
			res.Lengths[i] = engine.LengthMissing
		}
	}

	res.Offsets[count] = off

	return res, nil
}

/*
MatchResult holds the matches of a batch of pattern tasks. The matched
paths of task i are the Counts[i] strings at Paths[Offsets[i]:].
*/
type MatchResult struct {
	Counts  []uint32 // Number of matches per task
	Offsets []uint32 // Match offsets per task (task count + 1 entries)
	Paths   []string // Concatenated matched paths
}

/*
Match finds for every pattern task up to limit stored paths which match
the pattern. Matches are returned in lexicographic order; a non-empty
previous path restricts the result to strictly greater paths which
makes repeated calls paginate.
*/
func (ps *Store) Match(txn engine.Transaction, snap uint64, a *arena.Arena,
	opts engine.Options, patterns stride.Bytes, previous stride.Bytes,
	limits stride.Lengths, count int) (*MatchResult, error) {

	all, err := ps.allPaths(txn, snap, a, opts)
	if err != nil {
		return nil, err
	}

	res := &MatchResult{
		Counts:  make([]uint32, count),
		Offsets: make([]uint32, count+1),
	}

	for i := 0; i < count; i++ {
		res.Offsets[i] = uint32(len(res.Paths))

		matcher, err := regexp.Compile("^(?:" + string(patterns.At(i)) + ")$")
		if err != nil {
			return nil, engine.NewError(engine.ErrArgsWrong,
				"Invalid pattern: "+err.Error())
		}

		after := ""
		if !previous.IsEmpty() && previous.Present(i) {
			after = string(previous.At(i))
		}

		limit := int(limits.At(i))

		for _, path := range all {
			if limit == 0 {
				break
			}

			if after != "" && path <= after {
				continue
			}

			if matcher.MatchString(path) {
				res.Paths = append(res.Paths, path)
				res.Counts[i]++
				limit--
			}
		}
	}

	res.Offsets[count] = uint32(len(res.Paths))

	return res, nil
}

/*
allPaths collects all stored paths of the collection in lexicographic
order.
*/
func (ps *Store) allPaths(txn engine.Transaction, snap uint64, a *arena.Arena,
	opts engine.Options) ([]string, error) {

	var all []string

	next := int64(-1 << 63)

	for {
		scan, err := ps.db.Scan(txn, snap, a, opts, stride.BroadcastUint64(ps.col),
			stride.BroadcastInt64(next), stride.BroadcastLength(matchBatchSize), 1)

		if err != nil {
			return nil, err
		}

		keys := scan.TaskKeys(0)

		if len(keys) == 0 {
			break
		}

		read, err := ps.db.Read(txn, snap, a, opts, stride.BroadcastUint64(ps.col),
			stride.NewInt64s(keys), len(keys))

		if err != nil {
			return nil, err
		}

		for i := range keys {
			if !read.Present(i) {
				continue
			}

			path, _, err := decodeRecord(read.Value(i))
			if err != nil {
				return nil, err
			}

			all = append(all, string(path))
		}

		if len(keys) < matchBatchSize {
			break
		}

		last := keys[len(keys)-1]

		if last == (1<<63)-1 {
			break
		}

		next = last + 1
	}

	sort.Strings(all)

	return all, nil
}

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
Package graph contains the graph modality of StrataDB.

The modality projects a labeled directed graph onto the KV substrate.
Every vertex key stores its adjacency record: a fixed-stride sequence
of (neighbor, edge id, direction) entries. An edge is stored twice - as
an outgoing entry in its source vertex and as an incoming entry in its
target vertex. Fixed-stride records allow in-place append, cheap degree
counting and a stable iteration order.

All multi-record updates go through a single engine write batch under
the active transaction (if any), so they are atomic.
*/
package graph

import (
	"encoding/binary"
	"sort"

	"devt.de/krotik/stratadb/arena"
	"devt.de/krotik/stratadb/engine"
	"devt.de/krotik/stratadb/stride"
)

/*
DefaultEdgeID is the sentinel which is stored when the client does not
assign an edge id. On removal the sentinel matches any edge id between
the given endpoints.
*/
const DefaultEdgeID int64 = -1 << 63

/*
entrySize is the byte size of one adjacency entry: neighbor key, edge
id and a direction flag.
*/
const entrySize = 17

/*
Direction filters adjacency entries.
*/
type Direction byte

/*
Available directions.
*/
const (
	Out Direction = 0 // Entries where the vertex is the edge source
	In  Direction = 1 // Entries where the vertex is the edge target
	Any Direction = 2 // All entries
)

/*
Edge is a directed edge between two vertices.
*/
type Edge struct {
	Source int64 // Key of the source vertex
	Target int64 // Key of the target vertex
	ID     int64 // Edge id (DefaultEdgeID if unassigned)
}

/*
entry is a single decoded adjacency entry.
*/
type entry struct {
	neighbor int64
	edge     int64
	dir      Direction
}

/*
edgeOf projects an adjacency entry of a given vertex to an edge.
*/
func (e entry) edgeOf(vertex int64) Edge {
	if e.dir == Out {
		return Edge{vertex, e.neighbor, e.edge}
	}

	return Edge{e.neighbor, vertex, e.edge}
}

/*
decodeRecord decodes an adjacency record into entries.
*/
func decodeRecord(rec []byte) []entry {
	entries := make([]entry, 0, len(rec)/entrySize)

	for i := 0; i+entrySize <= len(rec); i += entrySize {
		entries = append(entries, entry{
			neighbor: int64(binary.LittleEndian.Uint64(rec[i:])),
			edge:     int64(binary.LittleEndian.Uint64(rec[i+8:])),
			dir:      Direction(rec[i+16]),
		})
	}

	return entries
}

/*
encodeRecord encodes adjacency entries into a record.
*/
func encodeRecord(entries []entry) []byte {
	rec := make([]byte, len(entries)*entrySize)

	for i, e := range entries {
		off := i * entrySize
		binary.LittleEndian.PutUint64(rec[off:], uint64(e.neighbor))
		binary.LittleEndian.PutUint64(rec[off+8:], uint64(e.edge))
		rec[off+16] = byte(e.dir)
	}

	return rec
}

/*
Store provides graph operations over a collection of the KV substrate.
*/
type Store struct {
	db  engine.Database // Underlying engine
	col uint64          // Collection holding the vertex records
}

/*
NewStore creates a new graph store over a given collection.
*/
func NewStore(db engine.Database, col uint64) *Store {
	return &Store{db, col}
}

/*
readRecords fetches the adjacency records of a batch of vertices. The
returned map only contains vertices which exist.
*/
func (gs *Store) readRecords(txn engine.Transaction, a *arena.Arena,
	vertices []int64) (map[int64][]entry, error) {

	records := make(map[int64][]entry, len(vertices))

	if len(vertices) == 0 {
		return records, nil
	}

	res, err := gs.db.Read(txn, 0, a, engine.OptDefault,
		stride.BroadcastUint64(gs.col), stride.NewInt64s(vertices), len(vertices))

	if err != nil {
		return nil, err
	}

	for i, vertex := range vertices {
		if res.Present(i) {
			records[vertex] = decodeRecord(res.Value(i))
		}
	}

	return records, nil
}

/*
writeRecords stores a batch of adjacency records in a single engine
write. Every vertex in records is stored, an empty entry list as an
empty record; the vertices in deletes are deleted.
*/
func (gs *Store) writeRecords(txn engine.Transaction, a *arena.Arena,
	records map[int64][]entry, deletes []int64) error {

	count := len(records) + len(deletes)

	if count == 0 {
		return nil
	}

	keys := make([]int64, 0, count)
	var contents []byte
	offsets := make([]uint32, 0, count+1)
	presences := make([]byte, (count+7)/8)

	// Deterministic write order

	ordered := make([]int64, 0, len(records))
	for vertex := range records {
		ordered = append(ordered, vertex)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i] < ordered[j] })

	offsets = append(offsets, 0)

	for _, vertex := range ordered {
		i := len(keys)
		keys = append(keys, vertex)
		contents = append(contents, encodeRecord(records[vertex])...)
		offsets = append(offsets, uint32(len(contents)))
		presences[i/8] |= 1 << (uint(i) % 8)
	}

	for _, vertex := range deletes {
		keys = append(keys, vertex)
		offsets = append(offsets, uint32(len(contents)))
	}

	return gs.db.Write(txn, a, engine.OptDefault,
		stride.BroadcastUint64(gs.col), stride.NewInt64s(keys),
		stride.NewBytes(contents, offsets, presences), count)
}

/*
Upsert inserts a batch of edges. Every edge is appended to the records
of both of its endpoints; an edge which is already present (same
source, target and edge id) is not duplicated. Missing endpoint
vertices are created.
*/
func (gs *Store) Upsert(txn engine.Transaction, a *arena.Arena, edges []Edge) error {

	vertices := endpoints(edges)

	records, err := gs.readRecords(txn, a, vertices)
	if err != nil {
		return err
	}

	touched := make(map[int64][]entry, len(vertices))

	// Make sure all endpoints get a record - missing vertices are
	// created with what their edges contribute

	for _, vertex := range vertices {
		if _, ok := touched[vertex]; !ok {
			touched[vertex] = records[vertex]
		}
	}

	for _, edge := range edges {
		touched[edge.Source] = appendEntry(touched[edge.Source],
			entry{edge.Target, edge.ID, Out})
		touched[edge.Target] = appendEntry(touched[edge.Target],
			entry{edge.Source, edge.ID, In})
	}

	return gs.writeRecords(txn, a, touched, nil)
}

/*
appendEntry appends an adjacency entry unless it is already present.
*/
func appendEntry(entries []entry, e entry) []entry {
	for _, have := range entries {
		if have == e {
			return entries
		}
	}

	return append(entries, e)
}

/*
RemoveEdges removes a batch of edges from the records of both of their
endpoints. An edge with the default edge id matches any edge between
its endpoints. The endpoint vertices survive with their remaining
entries - possibly with an empty record.
*/
func (gs *Store) RemoveEdges(txn engine.Transaction, a *arena.Arena, edges []Edge) error {

	vertices := endpoints(edges)

	records, err := gs.readRecords(txn, a, vertices)
	if err != nil {
		return err
	}

	matches := func(e entry, vertex int64) bool {
		for _, edge := range edges {
			if edge.ID != DefaultEdgeID && edge.ID != e.edge {
				continue
			}

			if e.dir == Out && edge.Source == vertex && edge.Target == e.neighbor {
				return true
			}

			if e.dir == In && edge.Target == vertex && edge.Source == e.neighbor {
				return true
			}
		}

		return false
	}

	touched := make(map[int64][]entry, len(records))

	for vertex, entries := range records {
		kept := make([]entry, 0, len(entries))

		for _, e := range entries {
			if !matches(e, vertex) {
				kept = append(kept, e)
			}
		}

		touched[vertex] = kept
	}

	return gs.writeRecords(txn, a, touched, nil)
}

/*
RemoveVertices deletes a batch of vertices. All reciprocal entries are
removed from the records of their neighbors; the vertex keys are
deleted from the collection. The update is a single write batch.
*/
func (gs *Store) RemoveVertices(txn engine.Transaction, a *arena.Arena, vertices []int64) error {

	records, err := gs.readRecords(txn, a, vertices)
	if err != nil {
		return err
	}

	removed := make(map[int64]bool, len(vertices))
	for _, vertex := range vertices {
		removed[vertex] = true
	}

	// Collect the neighbors which need their reciprocal entries removed

	neighborSet := make(map[int64]bool)

	for _, entries := range records {
		for _, e := range entries {
			if !removed[e.neighbor] {
				neighborSet[e.neighbor] = true
			}
		}
	}

	neighbors := make([]int64, 0, len(neighborSet))
	for n := range neighborSet {
		neighbors = append(neighbors, n)
	}
	sort.Slice(neighbors, func(i, j int) bool { return neighbors[i] < neighbors[j] })

	neighborRecords, err := gs.readRecords(txn, a, neighbors)
	if err != nil {
		return err
	}

	touched := make(map[int64][]entry, len(neighborRecords))

	for vertex, entries := range neighborRecords {
		kept := make([]entry, 0, len(entries))

		for _, e := range entries {
			if !removed[e.neighbor] {
				kept = append(kept, e)
			}
		}

		touched[vertex] = kept
	}

	deletes := make([]int64, 0, len(vertices))
	for _, vertex := range vertices {
		if _, ok := touched[vertex]; !ok {
			deletes = append(deletes, vertex)
		}
	}

	return gs.writeRecords(txn, a, touched, deletes)
}

/*
endpoints returns the deduplicated endpoint vertices of a batch of
edges in first-seen order.
*/
func endpoints(edges []Edge) []int64 {
	seen := make(map[int64]bool, len(edges)*2)
	vertices := make([]int64, 0, len(edges)*2)

	for _, edge := range edges {
		if !seen[edge.Source] {
			seen[edge.Source] = true
			vertices = append(vertices, edge.Source)
		}

		if !seen[edge.Target] {
			seen[edge.Target] = true
			vertices = append(vertices, edge.Target)
		}
	}

	return vertices
}

/*
Contains checks if a vertex exists.
*/
func (gs *Store) Contains(txn engine.Transaction, a *arena.Arena, vertex int64) (bool, error) {

	res, err := gs.db.Read(txn, 0, a, engine.OptDefault,
		stride.BroadcastUint64(gs.col), stride.BroadcastInt64(vertex), 1)

	if err != nil {
		return false, err
	}

	return res.Present(0), nil
}

/*
Degree counts the adjacency entries of a vertex matching a direction
filter. A missing vertex has degree zero.
*/
func (gs *Store) Degree(txn engine.Transaction, a *arena.Arena, vertex int64,
	dir Direction) (int, error) {

	entries, err := gs.entriesOf(txn, a, vertex)
	if err != nil {
		return 0, err
	}

	if dir == Any {
		return len(entries), nil
	}

	count := 0

	for _, e := range entries {
		if e.dir == dir {
			count++
		}
	}

	return count, nil
}

/*
Edges returns the edges incident to a vertex matching a direction
filter.
*/
func (gs *Store) Edges(txn engine.Transaction, a *arena.Arena, vertex int64,
	dir Direction) ([]Edge, error) {

	entries, err := gs.entriesOf(txn, a, vertex)
	if err != nil {
		return nil, err
	}

	edges := make([]Edge, 0, len(entries))

	for _, e := range entries {
		if dir == Any || e.dir == dir {
			edges = append(edges, e.edgeOf(vertex))
		}
	}

	return edges, nil
}

/*
EdgesBetween returns the edges leading from a source to a target
vertex.
*/
func (gs *Store) EdgesBetween(txn engine.Transaction, a *arena.Arena,
	source int64, target int64) ([]Edge, error) {

	entries, err := gs.entriesOf(txn, a, source)
	if err != nil {
		return nil, err
	}

	var edges []Edge

	for _, e := range entries {
		if e.dir == Out && e.neighbor == target {
			edges = append(edges, Edge{source, target, e.edge})
		}
	}

	return edges, nil
}

/*
entriesOf fetches and decodes the adjacency record of a vertex.
*/
func (gs *Store) entriesOf(txn engine.Transaction, a *arena.Arena, vertex int64) ([]entry, error) {

	res, err := gs.db.Read(txn, 0, a, engine.OptDefault,
		stride.BroadcastUint64(gs.col), stride.BroadcastInt64(vertex), 1)

	if err != nil {
		return nil, err
	}

	if !res.Present(0) {
		return nil, nil
	}

	return decodeRecord(res.Value(0)), nil
}

/*
scanBatchSize is the number of vertices fetched per iteration step.
*/
const scanBatchSize = 128

/*
EdgeIterator iterates over all edges of the graph by walking the vertex
records in key order. Since every edge is stored in both of its
endpoint records the iterator yields each edge exactly twice -
deduplicate by (source, target, id) for the distinct edge set.
*/
type EdgeIterator struct {
	gs      *Store
	txn     engine.Transaction
	arena   *arena.Arena
	pending []Edge
	next    int64
	done    bool
	LastErr error // Last encountered error
}

/*
EdgeIterator returns a new iterator over all edges of the graph.
*/
func (gs *Store) EdgeIterator(txn engine.Transaction, a *arena.Arena) *EdgeIterator {
	return &EdgeIterator{gs: gs, txn: txn, arena: a, next: -1 << 63}
}

/*
HasNext checks if the iterator can produce another edge.
*/
func (it *EdgeIterator) HasNext() bool {
	for len(it.pending) == 0 && !it.done && it.LastErr == nil {
		it.fetch()
	}

	return len(it.pending) > 0
}

/*
Next returns the next edge.
*/
func (it *EdgeIterator) Next() Edge {
	edge := it.pending[0]
	it.pending = it.pending[1:]

	return edge
}

/*
fetch loads the next batch of vertex records.
*/
func (it *EdgeIterator) fetch() {

	res, err := it.gs.db.Scan(it.txn, 0, it.arena, engine.OptDefault,
		stride.BroadcastUint64(it.gs.col), stride.BroadcastInt64(it.next),
		stride.BroadcastLength(scanBatchSize), 1)

	if err != nil {
		it.LastErr = err
		return
	}

	keys := res.TaskKeys(0)

	if len(keys) == 0 {
		it.done = true
		return
	}

	records, err := it.gs.readRecords(it.txn, it.arena, keys)
	if err != nil {
		it.LastErr = err
		return
	}

	for _, vertex := range keys {
		for _, e := range records[vertex] {
			it.pending = append(it.pending, e.edgeOf(vertex))
		}
	}

	if len(keys) < scanBatchSize {
		it.done = true
		return
	}

	last := keys[len(keys)-1]

	if last == (1<<63)-1 {
		it.done = true
		return
	}

	it.next = last + 1
}

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
Package memory contains the in-memory engine backend.

The backend keeps every collection as an ordered key list with a
version chain per key. Committed writes never mutate existing versions
which gives cheap snapshots: a snapshot is just a recorded sequence
number and snapshot reads return the newest version at or below that
number. Transactions buffer their writes and record a watch-set of
(key, observed sequence) pairs; a commit fails if any watched key has a
newer committed version.
*/
package memory

import (
	"math/rand"
	"sort"
	"sync"

	"devt.de/krotik/stratadb/arena"
	"devt.de/krotik/stratadb/engine"
	"devt.de/krotik/stratadb/stride"
)

/*
version is a committed value of a key.
*/
type version struct {
	seq     uint64 // Commit sequence number
	val     []byte // Value bytes (immutable once committed)
	deleted bool   // Flag if this version is a deletion
}

/*
collection holds the committed state of a single collection.
*/
type collection struct {
	id    uint64              // Stable collection id
	name  string              // Collection name (empty for main)
	keys  []int64             // Sorted list of all keys with versions
	items map[int64][]version // Version chains per key
}

/*
insertKey adds a key to the sorted key list if it is not yet known.
*/
func (c *collection) insertKey(key int64) {
	idx := sort.Search(len(c.keys), func(i int) bool { return c.keys[i] >= key })

	if idx < len(c.keys) && c.keys[idx] == key {
		return
	}

	c.keys = append(c.keys, 0)
	copy(c.keys[idx+1:], c.keys[idx:])
	c.keys[idx] = key
}

/*
visible returns the value of a key at a given sequence horizon. A
horizon of zero means the latest committed state.
*/
func (c *collection) visible(key int64, horizon uint64) ([]byte, bool) {
	chain := c.items[key]

	for i := len(chain) - 1; i >= 0; i-- {
		v := chain[i]

		if horizon != 0 && v.seq > horizon {
			continue
		}

		if v.deleted {
			return nil, false
		}

		return v.val, true
	}

	return nil, false
}

/*
latestSeq returns the sequence number of the newest version of a key or
zero if the key has no versions.
*/
func (c *collection) latestSeq(key int64) uint64 {
	chain := c.items[key]

	if len(chain) == 0 {
		return 0
	}

	return chain[len(chain)-1].seq
}

/*
writeKey addresses a single key within the database.
*/
type writeKey struct {
	col uint64
	key int64
}

/*
writeEntry is a buffered transactional write.
*/
type writeEntry struct {
	val     []byte
	deleted bool
}

/*
Txn is a transaction of the in-memory backend.
*/
type Txn struct {
	writes  map[writeKey]writeEntry // Buffered writes
	watches map[writeKey]uint64     // Watched keys with observed sequence
}

/*
Pending returns the number of buffered writes of the transaction.
*/
func (t *Txn) Pending() int {
	return len(t.writes)
}

/*
reset clears all buffered transaction state.
*/
func (t *Txn) reset() {
	t.writes = make(map[writeKey]writeEntry)
	t.watches = make(map[writeKey]uint64)
}

/*
Database is the in-memory engine backend.
*/
type Database struct {
	mutex    sync.RWMutex           // Lock for committed state
	seq      uint64                 // Commit sequence counter
	cols     map[uint64]*collection // Collections by id
	byName   map[string]uint64      // Collection ids by name
	nextCol  uint64                 // Next collection id
	snaps    map[uint64]uint64      // Snapshot horizons by id
	nextSnap uint64                 // Next snapshot id
	rndLock  sync.Mutex             // Lock for the sampling source
	rnd      *rand.Rand             // Sampling source
}

/*
New creates a new empty in-memory database with a main collection.
*/
func New() *Database {
	db := &Database{
		cols:     make(map[uint64]*collection),
		byName:   make(map[string]uint64),
		nextCol:  1,
		snaps:    make(map[uint64]uint64),
		nextSnap: 1,
		rnd:      rand.New(rand.NewSource(42)),
	}

	db.cols[engine.MainCollection] = &collection{
		id:    engine.MainCollection,
		items: make(map[int64][]version),
	}

	return db
}

/*
Open creates a new in-memory database from an engine configuration
document. The document is parsed for validation - an in-memory store
has no use for the datastore directory.
*/
func Open(configDoc string) (engine.Database, error) {

	if _, err := engine.ParseConfig(configDoc); err != nil {
		return nil, err
	}

	return New(), nil
}

/*
lookup returns a collection by id.
*/
func (db *Database) lookup(id uint64) (*collection, error) {
	col, ok := db.cols[id]

	if !ok {
		return nil, engine.NewError(engine.ErrArgsWrong, "Unknown collection")
	}

	return col, nil
}

/*
checkTask validates the transaction / snapshot combination of a read.
*/
func checkTask(txn engine.Transaction, snap uint64) error {
	if txn != nil && snap != 0 {
		return engine.NewError(engine.ErrArgsWrong,
			"Transactions and snapshots are mutually exclusive")
	}

	return nil
}

/*
Read looks up the values of a batch of keys.
*/
func (db *Database) Read(txn engine.Transaction, snap uint64, a *arena.Arena,
	opts engine.Options, cols stride.Uint64s, keys stride.Int64s, count int) (*engine.ReadResult, error) {

	if err := checkTask(txn, snap); err != nil {
		return nil, err
	}

	t, err := db.txnState(txn)
	if err != nil {
		return nil, err
	}

	db.mutex.RLock()
	defer db.mutex.RUnlock()

	horizon := uint64(0)

	if snap != 0 {
		h, ok := db.snaps[snap]
		if !ok {
			return nil, engine.NewError(engine.ErrArgsWrong, "Unknown snapshot")
		}
		horizon = h
	}

	// First pass - resolve all values

	found := make([][]byte, count)
	present := make([]bool, count)
	total := 0

	for i := 0; i < count; i++ {
		col, err := db.lookup(cols.At(i))
		if err != nil {
			return nil, err
		}

		key := keys.At(i)
		wk := writeKey{col.id, key}

		if t != nil {

			// Transactional reads see the buffered writes of the
			// transaction first and watch everything else

			if w, ok := t.writes[wk]; ok {
				if !w.deleted {
					found[i], present[i] = w.val, true
					total += len(w.val)
				}
				continue
			}

			if opts&engine.OptDontWatch == 0 {
				if _, ok := t.watches[wk]; !ok {
					t.watches[wk] = col.latestSeq(key)
				}
			}
		}

		if val, ok := col.visible(key, horizon); ok {
			found[i], present[i] = val, true
			total += len(val)
		}
	}

	// Second pass - fill the arena buffers

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
Write stores, overwrites or deletes a batch of keys.
*/
func (db *Database) Write(txn engine.Transaction, a *arena.Arena, opts engine.Options,
	cols stride.Uint64s, keys stride.Int64s, vals stride.Bytes, count int) error {

	t, err := db.txnState(txn)
	if err != nil {
		return err
	}

	db.mutex.Lock()
	defer db.mutex.Unlock()

	// Validate all collections before anything is applied so the batch
	// stays atomic

	for i := 0; i < count; i++ {
		if _, err := db.lookup(cols.At(i)); err != nil {
			return err
		}
	}

	// A write without a value column deletes all of its keys

	noVals := vals.IsEmpty()

	if t != nil {

		// Buffer the writes in the transaction

		for i := 0; i < count; i++ {
			wk := writeKey{cols.At(i), keys.At(i)}

			if noVals || !vals.Present(i) {
				t.writes[wk] = writeEntry{nil, true}
				continue
			}

			val := append([]byte(nil), vals.At(i)...)
			t.writes[wk] = writeEntry{val, false}
		}

		return nil
	}

	// Non-transactional writes are applied as a singleton transaction

	db.seq++

	for i := 0; i < count; i++ {
		col := db.cols[cols.At(i)]
		key := keys.At(i)

		if noVals || !vals.Present(i) {
			db.applyWrite(col, key, writeEntry{nil, true})
			continue
		}

		val := append([]byte(nil), vals.At(i)...)
		db.applyWrite(col, key, writeEntry{val, false})
	}

	return nil
}

/*
applyWrite appends a committed version for a key. The caller must hold
the write lock and have advanced the sequence counter.
*/
func (db *Database) applyWrite(col *collection, key int64, w writeEntry) {
	col.insertKey(key)
	col.items[key] = append(col.items[key], version{db.seq, w.val, w.deleted})
}

/*
visibleKeys collects all visible keys of a collection which are greater
or equal to a start key. A transactional overlay adds buffered writes
and hides buffered deletions.
*/
func (db *Database) visibleKeys(col *collection, start int64, horizon uint64, t *Txn) []int64 {
	var result []int64

	idx := sort.Search(len(col.keys), func(i int) bool { return col.keys[i] >= start })

	for ; idx < len(col.keys); idx++ {
		key := col.keys[idx]

		if t != nil {
			if w, ok := t.writes[writeKey{col.id, key}]; ok {
				if !w.deleted {
					result = append(result, key)
				}
				continue
			}
		}

		if _, ok := col.visible(key, horizon); ok {
			result = append(result, key)
		}
	}

	if t != nil {

		// Add buffered keys which have no committed versions yet

		added := false

		for wk, w := range t.writes {
			if wk.col != col.id || w.deleted || wk.key < start {
				continue
			}

			if _, ok := col.items[wk.key]; !ok {
				result = append(result, wk.key)
				added = true
			}
		}

		if added {
			sort.Slice(result, func(i, j int) bool { return result[i] < result[j] })
		}
	}

	return result
}

/*
Scan returns for every task up to limit keys which are greater or equal
to the start key in ascending order.
*/
func (db *Database) Scan(txn engine.Transaction, snap uint64, a *arena.Arena,
	opts engine.Options, cols stride.Uint64s, starts stride.Int64s,
	limits stride.Lengths, count int) (*engine.KeysResult, error) {

	if err := checkTask(txn, snap); err != nil {
		return nil, err
	}

	t, err := db.txnState(txn)
	if err != nil {
		return nil, err
	}

	db.mutex.RLock()
	defer db.mutex.RUnlock()

	horizon := uint64(0)

	if snap != 0 {
		h, ok := db.snaps[snap]
		if !ok {
			return nil, engine.NewError(engine.ErrArgsWrong, "Unknown snapshot")
		}
		horizon = h
	}

	found := make([][]int64, count)
	total := 0

	for i := 0; i < count; i++ {
		col, err := db.lookup(cols.At(i))
		if err != nil {
			return nil, err
		}

		keys := db.visibleKeys(col, starts.At(i), horizon, t)

		if limit := int(limits.At(i)); len(keys) > limit {
			keys = keys[:limit]
		}

		found[i] = keys
		total += len(keys)
	}

	return db.fillKeysResult(a, found, total, count), nil
}

/*
Sample returns for every task up to limit keys sampled uniformly
without replacement from the collection.
*/
func (db *Database) Sample(txn engine.Transaction, a *arena.Arena, opts engine.Options,
	cols stride.Uint64s, limits stride.Lengths, count int) (*engine.KeysResult, error) {

	t, err := db.txnState(txn)
	if err != nil {
		return nil, err
	}

	db.mutex.RLock()
	defer db.mutex.RUnlock()

	found := make([][]int64, count)
	total := 0

	for i := 0; i < count; i++ {
		col, err := db.lookup(cols.At(i))
		if err != nil {
			return nil, err
		}

		keys := db.visibleKeys(col, -1<<63, 0, t)
		limit := int(limits.At(i))

		if len(keys) > limit {

			// Uniform selection without replacement - shuffle the
			// candidate list, keep the first limit keys and order them

			db.rndLock.Lock()
			db.rnd.Shuffle(len(keys), func(x, y int) {
				keys[x], keys[y] = keys[y], keys[x]
			})
			db.rndLock.Unlock()

			keys = keys[:limit]
			sort.Slice(keys, func(x, y int) bool { return keys[x] < keys[y] })
		}

		found[i] = keys
		total += len(keys)
	}

	return db.fillKeysResult(a, found, total, count), nil
}

/*
fillKeysResult packs per-task key lists into arena buffers.
*/
func (db *Database) fillKeysResult(a *arena.Arena, found [][]int64, total int, count int) *engine.KeysResult {
	res := &engine.KeysResult{
		Offsets: a.Uint32s(count + 1),
		Keys:    a.Int64s(total),
		Counts:  a.Uint32s(count),
	}

	off := uint32(0)

	for i, keys := range found {
		res.Offsets[i] = off
		res.Counts[i] = uint32(len(keys))
		copy(res.Keys[off:], keys)
		off += uint32(len(keys))
	}

	res.Offsets[count] = off

	return res
}

// Collection lifecycle
// ====================

/*
CollectionCreate looks up or creates a named collection and returns its
id. The empty name addresses the main collection.
*/
func (db *Database) CollectionCreate(name string, config string) (uint64, error) {
	db.mutex.Lock()
	defer db.mutex.Unlock()

	if name == "" {
		return engine.MainCollection, nil
	}

	if id, ok := db.byName[name]; ok {
		return id, nil
	}

	id := db.nextCol
	db.nextCol++

	db.cols[id] = &collection{
		id:    id,
		name:  name,
		items: make(map[int64][]version),
	}
	db.byName[name] = id

	return id, nil
}

/*
CollectionDrop removes a collection's values, contents or handle.
*/
func (db *Database) CollectionDrop(id uint64, mode engine.DropMode) error {
	db.mutex.Lock()
	defer db.mutex.Unlock()

	col, err := db.lookup(id)
	if err != nil {
		return err
	}

	switch mode {

	case engine.DropValues:

		// Keep the keys but overwrite all visible values with empty ones

		db.seq++

		for _, key := range col.keys {
			if _, ok := col.visible(key, 0); ok {
				db.applyWrite(col, key, writeEntry{[]byte{}, false})
			}
		}

	case engine.DropContents:
		col.keys = nil
		col.items = make(map[int64][]version)

	case engine.DropHandle:
		if id == engine.MainCollection {
			return engine.NewError(engine.ErrArgsWrong, "Cannot drop the main collection")
		}

		delete(db.cols, id)
		delete(db.byName, col.name)

	default:
		return engine.NewError(engine.ErrArgsWrong, "Unknown drop mode")
	}

	return nil
}

/*
CollectionList returns ids and names of all named collections.
*/
func (db *Database) CollectionList() ([]uint64, []string, error) {
	db.mutex.RLock()
	defer db.mutex.RUnlock()

	ids := make([]uint64, 0, len(db.cols)-1)

	for id := range db.cols {
		if id != engine.MainCollection {
			ids = append(ids, id)
		}
	}

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	names := make([]string, len(ids))
	for i, id := range ids {
		names[i] = db.cols[id].name
	}

	return ids, names, nil
}

// Snapshots
// =========

/*
SnapshotCreate captures a consistent read-only view of the current
committed state and returns its id.
*/
func (db *Database) SnapshotCreate() (uint64, error) {
	db.mutex.Lock()
	defer db.mutex.Unlock()

	id := db.nextSnap
	db.nextSnap++

	// A snapshot is just the current sequence horizon - committed
	// versions are immutable so nothing needs to be copied. A horizon
	// of zero would read the latest state, so an empty database first
	// advances its sequence.

	if db.seq == 0 {
		db.seq++
	}

	db.snaps[id] = db.seq

	return id, nil
}

/*
SnapshotDrop releases a snapshot.
*/
func (db *Database) SnapshotDrop(id uint64) error {
	db.mutex.Lock()
	defer db.mutex.Unlock()

	if _, ok := db.snaps[id]; !ok {
		return engine.NewError(engine.ErrArgsWrong, "Unknown snapshot")
	}

	delete(db.snaps, id)

	return nil
}

/*
SnapshotList returns the ids of all open snapshots.
*/
func (db *Database) SnapshotList() ([]uint64, error) {
	db.mutex.RLock()
	defer db.mutex.RUnlock()

	ids := make([]uint64, 0, len(db.snaps))

	for id := range db.snaps {
		ids = append(ids, id)
	}

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	return ids, nil
}

// Transactions
// ============

/*
txnState casts an opaque transaction handle into the backend's own
transaction type.
*/
func (db *Database) txnState(txn engine.Transaction) (*Txn, error) {
	if txn == nil {
		return nil, nil
	}

	t, ok := txn.(*Txn)
	if !ok {
		return nil, engine.NewError(engine.ErrArgsWrong, "Foreign transaction handle")
	}

	return t, nil
}

/*
TxnInit creates a new transaction or recycles a previously freed handle.
*/
func (db *Database) TxnInit(recycled engine.Transaction) (engine.Transaction, error) {

	if t, ok := recycled.(*Txn); ok {
		t.reset()
		return t, nil
	}

	t := &Txn{}
	t.reset()

	return t, nil
}

/*
TxnCommit atomically applies all writes of a transaction. The commit
fails with an ErrConflict error if any watched key was overwritten by
another committed transaction after the watch was recorded. The handle
is reset regardless of the outcome.
*/
func (db *Database) TxnCommit(txn engine.Transaction, opts engine.Options) error {

	t, err := db.txnState(txn)
	if err != nil {
		return err
	} else if t == nil {
		return engine.NewError(engine.ErrArgsWrong, "Missing transaction handle")
	}

	db.mutex.Lock()
	defer db.mutex.Unlock()

	defer t.reset()

	// Validate the watch-set first

	for wk, seen := range t.watches {
		col, ok := db.cols[wk.col]
		if !ok {
			return engine.NewError(engine.ErrConflict, "Watched collection was dropped")
		}

		if col.latestSeq(wk.key) != seen {
			return engine.NewError(engine.ErrConflict, "Watched key was overwritten")
		}
	}

	if len(t.writes) == 0 {
		return nil
	}

	db.seq++

	for wk, w := range t.writes {
		col, ok := db.cols[wk.col]
		if !ok {
			continue
		}

		db.applyWrite(col, wk.key, w)
	}

	return nil
}

/*
TxnFree discards a transaction handle and its buffered state.
*/
func (db *Database) TxnFree(txn engine.Transaction) {
	if t, ok := txn.(*Txn); ok {
		t.reset()
	}
}

/*
Close closes the database.
*/
func (db *Database) Close() error {
	return nil
}

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
Package leveldb contains the persistent LSM-tree engine backend.

All collections share a single LevelDB key space. Data keys are encoded
as 'd' + collection id + order-preserving key bytes so every collection
occupies a contiguous ascending range. Collection names and the id
counter live under separate meta prefixes. Snapshots map directly to
LevelDB snapshots. Transactions buffer writes and watch observed write
sequence numbers like the in-memory backend - the sequence table is
process local which is sufficient since transaction handles never
survive a server restart.

Values can optionally be stored LZ4 compressed (engine config
"compression": "lz4"). Every stored value carries a one byte marker so
compressed and raw values can be mixed freely.
*/
package leveldb

import (
	"encoding/binary"
	"math/rand"
	"sort"
	"sync"

	"github.com/pierrec/lz4/v4"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	ldbutil "github.com/syndtr/goleveldb/leveldb/util"

	"devt.de/krotik/stratadb/arena"
	"devt.de/krotik/stratadb/engine"
	"devt.de/krotik/stratadb/stride"
)

/*
Key space prefixes.
*/
const (
	prefixData    = 'd' // Data entries: 'd' + col id + encoded key
	prefixName    = 'c' // Collection names: 'c' + name -> col id
	prefixCounter = 'n' // Collection id counter
)

/*
Value markers.
*/
const (
	valueRaw = 0 // Value bytes are stored as-is
	valueLZ4 = 1 // Value bytes are LZ4 block compressed
)

/*
encodeKey builds the LevelDB key of a data entry. The signed key is
offset so the byte order matches the numeric order.
*/
func encodeKey(col uint64, key int64) []byte {
	var buf [17]byte

	buf[0] = prefixData
	binary.BigEndian.PutUint64(buf[1:], col)
	binary.BigEndian.PutUint64(buf[9:], uint64(key)^(1<<63))

	return buf[:]
}

/*
decodeKey extracts the signed key from a data entry key.
*/
func decodeKey(ldbKey []byte) int64 {
	return int64(binary.BigEndian.Uint64(ldbKey[9:]) ^ (1 << 63))
}

/*
colRange returns the LevelDB iteration range of a collection.
*/
func colRange(col uint64) *ldbutil.Range {
	start := encodeKey(col, -1<<63)
	limit := make([]byte, 9)
	limit[0] = prefixData
	binary.BigEndian.PutUint64(limit[1:], col+1)

	return &ldbutil.Range{Start: start, Limit: limit}
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
Txn is a transaction of the LevelDB backend.
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
Database is the LevelDB engine backend.
*/
type Database struct {
	ldb      *leveldb.DB                  // Underlying LevelDB store
	mutex    sync.Mutex                   // Lock for meta state and commits
	byName   map[string]uint64            // Collection ids by name
	names    map[uint64]string            // Collection names by id
	nextCol  uint64                       // Next collection id
	snaps    map[uint64]*leveldb.Snapshot // Open snapshots by id
	nextSnap uint64                       // Next snapshot id
	seq      uint64                       // Commit sequence counter
	lastSeq  map[writeKey]uint64          // Last write sequence per key
	compress bool                         // Flag if values are LZ4 compressed
	rnd      *rand.Rand                   // Sampling source
}

/*
Open opens or creates a LevelDB backed database from an engine
configuration document.
*/
func Open(configDoc string) (engine.Database, error) {

	conf, err := engine.ParseConfig(configDoc)
	if err != nil {
		return nil, err
	}

	ldb, err := leveldb.OpenFile(conf.Directory, &opt.Options{})
	if err != nil {
		return nil, engine.NewError(engine.ErrEngine, err.Error())
	}

	db := &Database{
		ldb:      ldb,
		byName:   make(map[string]uint64),
		names:    make(map[uint64]string),
		nextCol:  1,
		snaps:    make(map[uint64]*leveldb.Snapshot),
		nextSnap: 1,
		lastSeq:  make(map[writeKey]uint64),
		compress: conf.BackendOption("compression") == "lz4",
		rnd:      rand.New(rand.NewSource(42)),
	}

	if err := db.loadMeta(); err != nil {
		ldb.Close()
		return nil, err
	}

	return db, nil
}

/*
loadMeta reads the collection registry from the store.
*/
func (db *Database) loadMeta() error {

	if counter, err := db.ldb.Get([]byte{prefixCounter}, nil); err == nil {
		db.nextCol = binary.BigEndian.Uint64(counter)
	} else if err != leveldb.ErrNotFound {
		return engine.NewError(engine.ErrEngine, err.Error())
	}

	iter := db.ldb.NewIterator(ldbutil.BytesPrefix([]byte{prefixName}), nil)
	defer iter.Release()

	for iter.Next() {
		name := string(iter.Key()[1:])
		id := binary.BigEndian.Uint64(iter.Value())

		db.byName[name] = id
		db.names[id] = name
	}

	if err := iter.Error(); err != nil {
		return engine.NewError(engine.ErrEngine, err.Error())
	}

	return nil
}

/*
knownCollection checks if a collection id is known.
*/
func (db *Database) knownCollection(id uint64) bool {
	if id == engine.MainCollection {
		return true
	}

	_, ok := db.names[id]

	return ok
}

/*
encodeValue prepares value bytes for storage.
*/
func (db *Database) encodeValue(val []byte) []byte {

	if db.compress && len(val) > 0 {
		dst := make([]byte, 5+lz4.CompressBlockBound(len(val)))

		if n, err := lz4.CompressBlock(val, dst[5:]); err == nil && n > 0 && n < len(val) {
			dst[0] = valueLZ4
			binary.BigEndian.PutUint32(dst[1:], uint32(len(val)))

			return dst[:5+n]
		}
	}

	stored := make([]byte, 1+len(val))
	stored[0] = valueRaw
	copy(stored[1:], val)

	return stored
}

/*
decodeValue unpacks stored value bytes.
*/
func decodeValue(stored []byte) ([]byte, error) {
	if len(stored) == 0 {
		return nil, engine.NewError(engine.ErrEngine, "Corrupt value record")
	}

	if stored[0] == valueRaw {
		return stored[1:], nil
	}

	size := binary.BigEndian.Uint32(stored[1:])
	val := make([]byte, size)

	if _, err := lz4.UncompressBlock(stored[5:], val); err != nil {
		return nil, engine.NewError(engine.ErrEngine, err.Error())
	}

	return val, nil
}

/*
reader is the common read interface of the store and its snapshots.
*/
type reader interface {
	Get(key []byte, ro *opt.ReadOptions) ([]byte, error)
	NewIterator(slice *ldbutil.Range, ro *opt.ReadOptions) iteratorIface
}

/*
iteratorIface is the subset of the LevelDB iterator used here.
*/
type iteratorIface interface {
	Next() bool
	Key() []byte
	Release()
	Error() error
}

/*
dbReader adapts the store to the reader interface.
*/
type dbReader struct{ ldb *leveldb.DB }

func (r dbReader) Get(key []byte, ro *opt.ReadOptions) ([]byte, error) {
	return r.ldb.Get(key, ro)
}

func (r dbReader) NewIterator(slice *ldbutil.Range, ro *opt.ReadOptions) iteratorIface {
	return r.ldb.NewIterator(slice, ro)
}

/*
snapReader adapts a snapshot to the reader interface.
*/
type snapReader struct{ snap *leveldb.Snapshot }

func (r snapReader) Get(key []byte, ro *opt.ReadOptions) ([]byte, error) {
	return r.snap.Get(key, ro)
}

func (r snapReader) NewIterator(slice *ldbutil.Range, ro *opt.ReadOptions) iteratorIface {
	return r.snap.NewIterator(slice, ro)
}

/*
source resolves the reader for a given snapshot id.
*/
func (db *Database) source(snap uint64) (reader, error) {
	if snap == 0 {
		return dbReader{db.ldb}, nil
	}

	db.mutex.Lock()
	s, ok := db.snaps[snap]
	db.mutex.Unlock()

	if !ok {
		return nil, engine.NewError(engine.ErrArgsWrong, "Unknown snapshot")
	}

	return snapReader{s}, nil
}

/*
txnState casts an opaque transaction handle into the backend's own
transaction type.
*/
func txnState(txn engine.Transaction) (*Txn, error) {
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
Read looks up the values of a batch of keys.
*/
func (db *Database) Read(txn engine.Transaction, snap uint64, a *arena.Arena,
	opts engine.Options, cols stride.Uint64s, keys stride.Int64s, count int) (*engine.ReadResult, error) {

	if txn != nil && snap != 0 {
		return nil, engine.NewError(engine.ErrArgsWrong,
			"Transactions and snapshots are mutually exclusive")
	}

	t, err := txnState(txn)
	if err != nil {
		return nil, err
	}

	src, err := db.source(snap)
	if err != nil {
		return nil, err
	}

	found := make([][]byte, count)
	present := make([]bool, count)
	total := 0

	for i := 0; i < count; i++ {
		col := cols.At(i)
		key := keys.At(i)
		wk := writeKey{col, key}

		if t != nil {
			if w, ok := t.writes[wk]; ok {
				if !w.deleted {
					found[i], present[i] = w.val, true
					total += len(w.val)
				}
				continue
			}

			if opts&engine.OptDontWatch == 0 {
				db.mutex.Lock()
				if _, ok := t.watches[wk]; !ok {
					t.watches[wk] = db.lastSeq[wk]
				}
				db.mutex.Unlock()
			}
		}

		stored, err := src.Get(encodeKey(col, key), nil)

		if err == leveldb.ErrNotFound {
			continue
		} else if err != nil {
			return nil, engine.NewError(engine.ErrEngine, err.Error())
		}

		val, err := decodeValue(stored)
		if err != nil {
			return nil, err
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
Write stores, overwrites or deletes a batch of keys.
*/
func (db *Database) Write(txn engine.Transaction, a *arena.Arena, opts engine.Options,
	cols stride.Uint64s, keys stride.Int64s, vals stride.Bytes, count int) error {

	t, err := txnState(txn)
	if err != nil {
		return err
	}

	// A write without a value column deletes all of its keys

	noVals := vals.IsEmpty()

	if t != nil {

		for i := 0; i < count; i++ {
			wk := writeKey{cols.At(i), keys.At(i)}

			if noVals || !vals.Present(i) {
				t.writes[wk] = writeEntry{nil, true}
				continue
			}

			t.writes[wk] = writeEntry{append([]byte(nil), vals.At(i)...), false}
		}

		return nil
	}

	batch := new(leveldb.Batch)
	touched := make([]writeKey, 0, count)

	for i := 0; i < count; i++ {
		wk := writeKey{cols.At(i), keys.At(i)}
		touched = append(touched, wk)

		if noVals || !vals.Present(i) {
			batch.Delete(encodeKey(wk.col, wk.key))
			continue
		}

		batch.Put(encodeKey(wk.col, wk.key), db.encodeValue(vals.At(i)))
	}

	wo := &opt.WriteOptions{Sync: opts&engine.OptFlush != 0}

	db.mutex.Lock()
	defer db.mutex.Unlock()

	if err := db.ldb.Write(batch, wo); err != nil {
		return engine.NewError(engine.ErrEngine, err.Error())
	}

	db.seq++

	for _, wk := range touched {
		db.lastSeq[wk] = db.seq
	}

	return nil
}

/*
scanKeys collects visible keys of a collection which are greater or
equal to a start key, merging a transactional overlay.
*/
func (db *Database) scanKeys(src reader, col uint64, start int64, limit int, t *Txn) ([]int64, error) {
	var result []int64

	overlay := 0

	if t != nil {
		overlay = len(t.writes)
	}

	rng := colRange(col)
	rng.Start = encodeKey(col, start)

	iter := src.NewIterator(rng, nil)

	for len(result) < limit+overlay && iter.Next() {
		result = append(result, decodeKey(iter.Key()))
	}

	err := iter.Error()
	iter.Release()

	if err != nil {
		return nil, engine.NewError(engine.ErrEngine, err.Error())
	}

	if t != nil {

		// Apply the transactional overlay - remove buffered deletions
		// and merge in buffered writes

		merged := result[:0]

		for _, key := range result {
			if w, ok := t.writes[writeKey{col, key}]; ok && w.deleted {
				continue
			}
			merged = append(merged, key)
		}

		result = merged

		for wk, w := range t.writes {
			if wk.col != col || w.deleted || wk.key < start {
				continue
			}

			idx := sort.Search(len(result), func(i int) bool { return result[i] >= wk.key })

			if idx == len(result) || result[idx] != wk.key {
				result = append(result, 0)
				copy(result[idx+1:], result[idx:])
				result[idx] = wk.key
			}
		}
	}

	if len(result) > limit {
		result = result[:limit]
	}

	return result, nil
}

/*
Scan returns for every task up to limit keys which are greater or equal
to the start key in ascending order.
*/
func (db *Database) Scan(txn engine.Transaction, snap uint64, a *arena.Arena,
	opts engine.Options, cols stride.Uint64s, starts stride.Int64s,
	limits stride.Lengths, count int) (*engine.KeysResult, error) {

	if txn != nil && snap != 0 {
		return nil, engine.NewError(engine.ErrArgsWrong,
			"Transactions and snapshots are mutually exclusive")
	}

	t, err := txnState(txn)
	if err != nil {
		return nil, err
	}

	src, err := db.source(snap)
	if err != nil {
		return nil, err
	}

	found := make([][]int64, count)
	total := 0

	for i := 0; i < count; i++ {
		keys, err := db.scanKeys(src, cols.At(i), starts.At(i), int(limits.At(i)), t)
		if err != nil {
			return nil, err
		}

		found[i] = keys
		total += len(keys)
	}

	return fillKeysResult(a, found, total, count), nil
}

/*
Sample returns for every task up to limit keys sampled uniformly
without replacement from the collection. The selection uses reservoir
sampling over the collection's key range.
*/
func (db *Database) Sample(txn engine.Transaction, a *arena.Arena, opts engine.Options,
	cols stride.Uint64s, limits stride.Lengths, count int) (*engine.KeysResult, error) {

	found := make([][]int64, count)
	total := 0

	for i := 0; i < count; i++ {
		limit := int(limits.At(i))
		reservoir := make([]int64, 0, limit)

		iter := db.ldb.NewIterator(colRange(cols.At(i)), nil)

		seen := 0

		for iter.Next() {
			key := decodeKey(iter.Key())
			seen++

			if len(reservoir) < limit {
				reservoir = append(reservoir, key)
				continue
			}

			db.mutex.Lock()
			j := db.rnd.Intn(seen)
			db.mutex.Unlock()

			if j < limit {
				reservoir[j] = key
			}
		}

		err := iter.Error()
		iter.Release()

		if err != nil {
			return nil, engine.NewError(engine.ErrEngine, err.Error())
		}

		sort.Slice(reservoir, func(x, y int) bool { return reservoir[x] < reservoir[y] })

		found[i] = reservoir
		total += len(reservoir)
	}

	return fillKeysResult(a, found, total, count), nil
}

/*
fillKeysResult packs per-task key lists into arena buffers.
*/
func fillKeysResult(a *arena.Arena, found [][]int64, total int, count int) *engine.KeysResult {
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

	counter := make([]byte, 8)
	binary.BigEndian.PutUint64(counter, db.nextCol)

	idVal := make([]byte, 8)
	binary.BigEndian.PutUint64(idVal, id)

	batch := new(leveldb.Batch)
	batch.Put([]byte{prefixCounter}, counter)
	batch.Put(append([]byte{prefixName}, name...), idVal)

	if err := db.ldb.Write(batch, nil); err != nil {
		return 0, engine.NewError(engine.ErrEngine, err.Error())
	}

	db.byName[name] = id
	db.names[id] = name

	return id, nil
}

/*
CollectionDrop removes a collection's values, contents or handle.
*/
func (db *Database) CollectionDrop(id uint64, mode engine.DropMode) error {
	db.mutex.Lock()
	defer db.mutex.Unlock()

	if !db.knownCollection(id) {
		return engine.NewError(engine.ErrArgsWrong, "Unknown collection")
	}

	batch := new(leveldb.Batch)

	iter := db.ldb.NewIterator(colRange(id), nil)

	for iter.Next() {
		switch mode {

		case engine.DropValues:
			batch.Put(append([]byte(nil), iter.Key()...), []byte{valueRaw})

		case engine.DropContents, engine.DropHandle:
			batch.Delete(append([]byte(nil), iter.Key()...))
		}
	}

	err := iter.Error()
	iter.Release()

	if err != nil {
		return engine.NewError(engine.ErrEngine, err.Error())
	}

	if mode == engine.DropHandle {
		if id == engine.MainCollection {
			return engine.NewError(engine.ErrArgsWrong, "Cannot drop the main collection")
		}

		batch.Delete(append([]byte{prefixName}, db.names[id]...))
	}

	if err := db.ldb.Write(batch, nil); err != nil {
		return engine.NewError(engine.ErrEngine, err.Error())
	}

	if mode == engine.DropHandle {
		delete(db.byName, db.names[id])
		delete(db.names, id)
	}

	return nil
}

/*
CollectionList returns ids and names of all named collections.
*/
func (db *Database) CollectionList() ([]uint64, []string, error) {
	db.mutex.Lock()
	defer db.mutex.Unlock()

	ids := make([]uint64, 0, len(db.names))

	for id := range db.names {
		ids = append(ids, id)
	}

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	names := make([]string, len(ids))
	for i, id := range ids {
		names[i] = db.names[id]
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
	snap, err := db.ldb.GetSnapshot()
	if err != nil {
		return 0, engine.NewError(engine.ErrEngine, err.Error())
	}

	db.mutex.Lock()
	defer db.mutex.Unlock()

	id := db.nextSnap
	db.nextSnap++
	db.snaps[id] = snap

	return id, nil
}

/*
SnapshotDrop releases a snapshot.
*/
func (db *Database) SnapshotDrop(id uint64) error {
	db.mutex.Lock()
	defer db.mutex.Unlock()

	snap, ok := db.snaps[id]
	if !ok {
		return engine.NewError(engine.ErrArgsWrong, "Unknown snapshot")
	}

	snap.Release()
	delete(db.snaps, id)

	return nil
}

/*
SnapshotList returns the ids of all open snapshots.
*/
func (db *Database) SnapshotList() ([]uint64, error) {
	db.mutex.Lock()
	defer db.mutex.Unlock()

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

	t, err := txnState(txn)
	if err != nil {
		return err
	} else if t == nil {
		return engine.NewError(engine.ErrArgsWrong, "Missing transaction handle")
	}

	db.mutex.Lock()
	defer db.mutex.Unlock()

	defer t.reset()

	for wk, seen := range t.watches {
		if db.lastSeq[wk] != seen {
			return engine.NewError(engine.ErrConflict, "Watched key was overwritten")
		}
	}

	if len(t.writes) == 0 {
		return nil
	}

	batch := new(leveldb.Batch)

	for wk, w := range t.writes {
		if w.deleted {
			batch.Delete(encodeKey(wk.col, wk.key))
			continue
		}

		batch.Put(encodeKey(wk.col, wk.key), db.encodeValue(w.val))
	}

	wo := &opt.WriteOptions{Sync: opts&engine.OptFlush != 0}

	if err := db.ldb.Write(batch, wo); err != nil {
		return engine.NewError(engine.ErrEngine, err.Error())
	}

	db.seq++

	for wk := range t.writes {
		db.lastSeq[wk] = db.seq
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
	db.mutex.Lock()
	defer db.mutex.Unlock()

	for id, snap := range db.snaps {
		snap.Release()
		delete(db.snaps, id)
	}

	if err := db.ldb.Close(); err != nil {
		return engine.NewError(engine.ErrEngine, err.Error())
	}

	return nil
}

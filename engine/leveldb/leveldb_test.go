/*
 * StrataDB
 *
 * Copyright 2016 Matthias Ladkau. All rights reserved.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package leveldb

import (
	"bytes"
	"flag"
	"fmt"
	"os"
	"testing"

	"devt.de/krotik/common/fileutil"
	"devt.de/krotik/stratadb/arena"
	"devt.de/krotik/stratadb/engine"
	"devt.de/krotik/stratadb/stride"
)

const LevelDBTestDBDir1 = "ldbtest1"
const LevelDBTestDBDir2 = "ldbtest2"
const LevelDBTestDBDir3 = "ldbtest3"

var DBDIRS = []string{LevelDBTestDBDir1, LevelDBTestDBDir2, LevelDBTestDBDir3}

// Main function for all tests in this package

func TestMain(m *testing.M) {
	flag.Parse()

	for _, dbdir := range DBDIRS {
		if res, _ := fileutil.PathExists(dbdir); res {
			if err := os.RemoveAll(dbdir); err != nil {
				fmt.Print("Could not remove test directory:", err.Error())
			}
		}
	}

	// Run the tests

	res := m.Run()

	// Teardown

	for _, dbdir := range DBDIRS {
		if res, _ := fileutil.PathExists(dbdir); res {
			if err := os.RemoveAll(dbdir); err != nil {
				fmt.Print("Could not remove test directory:", err.Error())
			}
		}
	}

	os.Exit(res)
}

/*
testConfig builds an engine config for a test directory.
*/
func testConfig(dir string, backend string) string {
	return fmt.Sprintf(`{
    "version": "1.0",
    "directory": %q,
    "data_directories": [],
    "engine": {
        "config_url": "",
        "config_file_path": "",
        "config": %v
    }}`, dir, backend)
}

/*
writeValue is a test helper which writes a single value.
*/
func writeValue(db engine.Database, txn engine.Transaction, a *arena.Arena,
	col uint64, key int64, val []byte) error {

	offsets := []uint32{0, uint32(len(val))}
	presences := []byte{1}

	return db.Write(txn, a, engine.OptDefault, stride.BroadcastUint64(col),
		stride.BroadcastInt64(key), stride.NewBytes(val, offsets, presences), 1)
}

func TestRoundTripAndPersistence(t *testing.T) {
	a := arena.New()

	db, err := Open(testConfig(LevelDBTestDBDir1, "{}"))
	if err != nil {
		t.Error(err)
		return
	}

	col, err := db.CollectionCreate("docs", "")
	if err != nil {
		t.Error(err)
		return
	}

	if err := writeValue(db, nil, a, col, 42, []byte("hello")); err != nil {
		t.Error(err)
		return
	}

	if err := writeValue(db, nil, a, 0, 7, []byte("main")); err != nil {
		t.Error(err)
		return
	}

	res, err := db.Read(nil, 0, a, engine.OptDefault, stride.BroadcastUint64(col),
		stride.BroadcastInt64(42), 1)
	if err != nil {
		t.Error(err)
		return
	}

	if !res.Present(0) || !bytes.Equal(res.Value(0), []byte("hello")) {
		t.Error("Unexpected result:", res.Value(0))
		return
	}

	if err := db.Close(); err != nil {
		t.Error(err)
		return
	}

	// Reopen the store - collection registry and data must survive

	db, err = Open(testConfig(LevelDBTestDBDir1, "{}"))
	if err != nil {
		t.Error(err)
		return
	}
	defer db.Close()

	ids, names, err := db.CollectionList()
	if err != nil {
		t.Error(err)
		return
	}

	if fmt.Sprint(ids) != fmt.Sprint([]uint64{col}) || fmt.Sprint(names) != "[docs]" {
		t.Error("Unexpected result:", ids, names)
		return
	}

	// A new collection gets a fresh id

	col2, err := db.CollectionCreate("docs2", "")
	if err != nil {
		t.Error(err)
		return
	}

	if col2 == col {
		t.Error("Unexpected result:", col2)
		return
	}

	res, err = db.Read(nil, 0, a, engine.OptDefault, stride.BroadcastUint64(col),
		stride.BroadcastInt64(42), 1)
	if err != nil {
		t.Error(err)
		return
	}

	if !bytes.Equal(res.Value(0), []byte("hello")) {
		t.Error("Unexpected result:", res.Value(0))
		return
	}
}

func TestCompressedValues(t *testing.T) {
	a := arena.New()

	db, err := Open(testConfig(LevelDBTestDBDir2, `{"compression": "lz4"}`))
	if err != nil {
		t.Error(err)
		return
	}
	defer db.Close()

	// A highly repetitive value compresses; the round-trip must still
	// be bit-exact

	val := bytes.Repeat([]byte("stratadb"), 512)

	if err := writeValue(db, nil, a, 0, 1, val); err != nil {
		t.Error(err)
		return
	}

	// A tiny value stays raw

	if err := writeValue(db, nil, a, 0, 2, []byte("x")); err != nil {
		t.Error(err)
		return
	}

	res, err := db.Read(nil, 0, a, engine.OptDefault, stride.Uint64s{},
		stride.NewInt64s([]int64{1, 2}), 2)
	if err != nil {
		t.Error(err)
		return
	}

	if !bytes.Equal(res.Value(0), val) || !bytes.Equal(res.Value(1), []byte("x")) {
		t.Error("Unexpected result:", res.Lengths)
		return
	}
}

func TestTransactionsAndScan(t *testing.T) {
	a := arena.New()

	db, err := Open(testConfig(LevelDBTestDBDir3, "{}"))
	if err != nil {
		t.Error(err)
		return
	}
	defer db.Close()

	for _, key := range []int64{10, 20, 30} {
		if err := writeValue(db, nil, a, 0, key, []byte{byte(key)}); err != nil {
			t.Error(err)
			return
		}
	}

	scan, err := db.Scan(nil, 0, a, engine.OptDefault, stride.Uint64s{},
		stride.BroadcastInt64(15), stride.BroadcastLength(10), 1)
	if err != nil {
		t.Error(err)
		return
	}

	if fmt.Sprint(scan.TaskKeys(0)) != "[20 30]" {
		t.Error("Unexpected result:", scan.TaskKeys(0))
		return
	}

	// Snapshot reads see the frozen state

	snap, err := db.SnapshotCreate()
	if err != nil {
		t.Error(err)
		return
	}

	writeValue(db, nil, a, 0, 40, []byte{40})

	scan, err = db.Scan(nil, snap, a, engine.OptDefault, stride.Uint64s{},
		stride.BroadcastInt64(-1<<63), stride.BroadcastLength(10), 1)
	if err != nil {
		t.Error(err)
		return
	}

	if fmt.Sprint(scan.TaskKeys(0)) != "[10 20 30]" {
		t.Error("Unexpected result:", scan.TaskKeys(0))
		return
	}

	if err := db.SnapshotDrop(snap); err != nil {
		t.Error(err)
		return
	}

	// Transactional writes are invisible before commit

	txn, err := db.TxnInit(nil)
	if err != nil {
		t.Error(err)
		return
	}

	if err := writeValue(db, txn, a, 0, 50, []byte{50}); err != nil {
		t.Error(err)
		return
	}

	res, _ := db.Read(nil, 0, a, engine.OptDefault, stride.Uint64s{},
		stride.BroadcastInt64(50), 1)

	if res.Present(0) {
		t.Error("Key should be missing before commit")
		return
	}

	// A scan under the transaction sees the buffered key

	scan, err = db.Scan(txn, 0, a, engine.OptDefault, stride.Uint64s{},
		stride.BroadcastInt64(35), stride.BroadcastLength(10), 1)
	if err != nil {
		t.Error(err)
		return
	}

	if fmt.Sprint(scan.TaskKeys(0)) != "[40 50]" {
		t.Error("Unexpected result:", scan.TaskKeys(0))
		return
	}

	if err := db.TxnCommit(txn, engine.OptDefault); err != nil {
		t.Error(err)
		return
	}

	res, _ = db.Read(nil, 0, a, engine.OptDefault, stride.Uint64s{},
		stride.BroadcastInt64(50), 1)

	if !bytes.Equal(res.Value(0), []byte{50}) {
		t.Error("Unexpected result:", res.Value(0))
		return
	}

	// A watched read conflicts with a later overwrite

	t1, _ := db.TxnInit(nil)

	if _, err := db.Read(t1, 0, a, engine.OptDefault, stride.Uint64s{},
		stride.BroadcastInt64(10), 1); err != nil {
		t.Error(err)
		return
	}

	writeValue(db, nil, a, 0, 10, []byte{11})

	writeValue(db, t1, a, 0, 60, []byte{60})

	if err := db.TxnCommit(t1, engine.OptDefault); !engine.IsKind(err, engine.ErrConflict) {
		t.Error("Unexpected result:", err)
		return
	}
}

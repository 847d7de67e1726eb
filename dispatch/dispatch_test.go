/*
 * StrataDB
 *
 * Copyright 2016 Matthias Ladkau. All rights reserved.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package dispatch

import (
	"encoding/binary"
	"fmt"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	arrowmem "github.com/apache/arrow-go/v18/arrow/memory"

	"devt.de/krotik/stratadb/codec"
	"devt.de/krotik/stratadb/engine"
	"devt.de/krotik/stratadb/engine/memory"
	"devt.de/krotik/stratadb/session"
)

const testClient = 1

/*
newTestDispatcher creates a dispatcher over a fresh in-memory database.
*/
func newTestDispatcher() *Dispatcher {
	db := memory.New()

	return New(db, session.NewManager(db, 16, session.DefaultIdleTimeout))
}

/*
writeBatch builds a record batch in the shape of a write request. A nil
value marks a deletion.
*/
func writeBatch(keys []int64, vals [][]byte) arrow.Record {
	schema := arrow.NewSchema([]arrow.Field{
		{Name: codec.ColKeys, Type: arrow.PrimitiveTypes.Int64},
		{Name: codec.ColVals, Type: arrow.BinaryTypes.Binary, Nullable: true},
	}, nil)

	b := array.NewRecordBuilder(arrowmem.NewGoAllocator(), schema)
	defer b.Release()

	b.Field(0).(*array.Int64Builder).AppendValues(keys, nil)

	vb := b.Field(1).(*array.BinaryBuilder)

	for _, val := range vals {
		if val == nil {
			vb.AppendNull()
		} else {
			vb.Append(val)
		}
	}

	return b.NewRecord()
}

/*
keysBatch builds a record batch with a single int64 keys column.
*/
func keysBatch(name string, keys []int64) arrow.Record {
	schema := arrow.NewSchema([]arrow.Field{
		{Name: name, Type: arrow.PrimitiveTypes.Int64},
	}, nil)

	b := array.NewRecordBuilder(arrowmem.NewGoAllocator(), schema)
	defer b.Release()

	b.Field(0).(*array.Int64Builder).AppendValues(keys, nil)

	return b.NewRecord()
}

/*
scanBatch builds a record batch in the shape of a scan request.
*/
func scanBatch(starts []int64, limits []uint32) arrow.Record {
	schema := arrow.NewSchema([]arrow.Field{
		{Name: codec.ColScanStarts, Type: arrow.PrimitiveTypes.Int64},
		{Name: codec.ColCountLimits, Type: arrow.PrimitiveTypes.Uint32},
	}, nil)

	b := array.NewRecordBuilder(arrowmem.NewGoAllocator(), schema)
	defer b.Release()

	b.Field(0).(*array.Int64Builder).AppendValues(starts, nil)
	b.Field(1).(*array.Uint32Builder).AppendValues(limits, nil)

	return b.NewRecord()
}

/*
limitsBatch builds a record batch with a single count limits column.
*/
func limitsBatch(limits []uint32) arrow.Record {
	schema := arrow.NewSchema([]arrow.Field{
		{Name: codec.ColCountLimits, Type: arrow.PrimitiveTypes.Uint32},
	}, nil)

	b := array.NewRecordBuilder(arrowmem.NewGoAllocator(), schema)
	defer b.Release()

	b.Field(0).(*array.Uint32Builder).AppendValues(limits, nil)

	return b.NewRecord()
}

/*
stringsBatch builds a record batch with utf-8 columns.
*/
func stringsBatch(names []string, columns ...[]string) arrow.Record {
	fields := make([]arrow.Field, len(names))

	for i, name := range names {
		fields[i] = arrow.Field{Name: name, Type: arrow.BinaryTypes.String}
	}

	b := array.NewRecordBuilder(arrowmem.NewGoAllocator(), arrow.NewSchema(fields, nil))
	defer b.Release()

	for i, col := range columns {
		b.Field(i).(*array.StringBuilder).AppendValues(col, nil)
	}

	return b.NewRecord()
}

func TestWriteReadScan(t *testing.T) {
	d := newTestDispatcher()

	rec := writeBatch([]int64{34, 35, 36},
		[][]byte{[]byte("X"), []byte("Y"), []byte("Z")})
	defer rec.Release()

	if err := d.Put(testClient, "write", rec); err != nil {
		t.Error(err)
		return
	}

	// Read the values back

	req := keysBatch(codec.ColKeys, []int64{34, 35, 36, 37})
	defer req.Release()

	out, guard, err := d.Exchange(testClient, "read", req)
	if err != nil {
		t.Error(err)
		return
	}

	vals := out.Column(0).(*array.Binary)

	if string(vals.Value(0)) != "X" || string(vals.Value(2)) != "Z" {
		t.Error("Unexpected result:", vals)
		return
	}

	if !vals.IsNull(3) {
		t.Error("Key 37 should be missing")
		return
	}

	guard.Release()

	// Read only the lengths

	out, guard, err = d.Exchange(testClient, "read?part=lengths", req)
	if err != nil {
		t.Error(err)
		return
	}

	lengths := out.Column(0).(*array.Uint32)

	if lengths.Value(0) != 1 || lengths.Value(3) != engine.LengthMissing {
		t.Error("Unexpected result:", lengths)
		return
	}

	guard.Release()

	// Read only the packed presence bitmap

	out, guard, err = d.Exchange(testClient, "read?part=presences", req)
	if err != nil {
		t.Error(err)
		return
	}

	if out.NumRows() != 1 || out.Column(0).(*array.Uint8).Value(0) != 0x07 {
		t.Error("Unexpected result:", out)
		return
	}

	guard.Release()

	// Scan the main collection

	sreq := scanBatch([]int64{-1 << 63}, []uint32{10})
	defer sreq.Release()

	out, guard, err = d.Exchange(testClient, "scan", sreq)
	if err != nil {
		t.Error(err)
		return
	}

	keys := out.Column(0).(*array.Int64)

	if fmt.Sprint(keys.Int64Values()) != "[34 35 36]" {
		t.Error("Unexpected result:", keys.Int64Values())
		return
	}

	guard.Release()

	// Sample with a limit beyond the population returns everything

	lreq := limitsBatch([]uint32{100})
	defer lreq.Release()

	out, guard, err = d.Exchange(testClient, "sample", lreq)
	if err != nil {
		t.Error(err)
		return
	}

	if out.NumRows() != 3 {
		t.Error("Unexpected result:", out.NumRows())
		return
	}

	guard.Release()

	// Deleting via null values

	del := writeBatch([]int64{34, 35, 36}, [][]byte{nil, nil, nil})
	defer del.Release()

	if err := d.Put(testClient, "write", del); err != nil {
		t.Error(err)
		return
	}

	out, guard, err = d.Exchange(testClient, "read?part=lengths", req)
	if err != nil {
		t.Error(err)
		return
	}

	lengths = out.Column(0).(*array.Uint32)

	for i := 0; i < 4; i++ {
		if lengths.Value(i) != engine.LengthMissing {
			t.Error("Unexpected result:", lengths)
			return
		}
	}

	guard.Release()
}

func TestMissingColumns(t *testing.T) {
	d := newTestDispatcher()

	rec := limitsBatch([]uint32{1})
	defer rec.Release()

	if _, _, err := d.Exchange(testClient, "read", rec); !engine.IsKind(err, engine.ErrArgsWrong) {
		t.Error("Unexpected result:", err)
		return
	}

	if _, _, err := d.Exchange(testClient, "scan", rec); !engine.IsKind(err, engine.ErrArgsWrong) {
		t.Error("Unexpected result:", err)
		return
	}

	if err := d.Put(testClient, "write", rec); !engine.IsKind(err, engine.ErrArgsWrong) {
		t.Error("Unexpected result:", err)
		return
	}

	req := keysBatch(codec.ColKeys, []int64{1})
	defer req.Release()

	if _, _, err := d.Exchange(testClient, "sample", req); !engine.IsKind(err, engine.ErrArgsWrong) {
		t.Error("Unexpected result:", err)
		return
	}

	if _, _, err := d.Exchange(testClient, "bogus", req); !engine.IsKind(err, engine.ErrArgsWrong) {
		t.Error("Unexpected result:", err)
		return
	}
}

func TestActions(t *testing.T) {
	d := newTestDispatcher()

	// Collections

	body, err := d.Action(testClient, "col_open?col_name=col1", nil)
	if err != nil {
		t.Error(err)
		return
	}

	col1 := binary.LittleEndian.Uint64(body)

	if col1 == 0 {
		t.Error("Unexpected result:", col1)
		return
	}

	if _, err := d.Action(testClient, "col_open", nil); !engine.IsKind(err, engine.ErrArgsWrong) {
		t.Error("Unexpected result:", err)
		return
	}

	// Listing via DoGet

	rec, guard, err := d.Get(testClient, "list_cols")
	if err != nil {
		t.Error(err)
		return
	}

	if rec.NumRows() != 1 || rec.Column(1).(*array.String).Value(0) != "col1" {
		t.Error("Unexpected result:", rec)
		return
	}

	guard.Release()

	// Dropping the collection again

	body, err = d.Action(testClient, fmt.Sprintf("col_drop?col=%x", col1), nil)
	if err != nil || body != nil {
		t.Error("Unexpected result:", body, err)
		return
	}

	rec, guard, err = d.Get(testClient, "list_cols")
	if err != nil {
		t.Error(err)
		return
	}

	if rec.NumRows() != 0 {
		t.Error("Unexpected result:", rec.NumRows())
		return
	}

	guard.Release()

	// Snapshots

	body, err = d.Action(testClient, "snap_open", nil)
	if err != nil {
		t.Error(err)
		return
	}

	snap := binary.LittleEndian.Uint64(body)

	rec, guard, err = d.Get(testClient, "list_snaps")
	if err != nil {
		t.Error(err)
		return
	}

	if rec.NumRows() != 1 || rec.Column(0).(*array.Uint64).Value(0) != snap {
		t.Error("Unexpected result:", rec)
		return
	}

	guard.Release()

	if _, err = d.Action(testClient, fmt.Sprintf("snap_drop?snap=%d", snap), nil); err != nil {
		t.Error(err)
		return
	}

	if _, err = d.Action(testClient, "snap_drop", nil); !engine.IsKind(err, engine.ErrArgsWrong) {
		t.Error("Unexpected result:", err)
		return
	}
}

func TestTransactionFlow(t *testing.T) {
	d := newTestDispatcher()

	// Begin a transaction with a client chosen id

	body, err := d.Action(testClient, "txn_begin?txn=9", nil)
	if err != nil {
		t.Error(err)
		return
	}

	if binary.LittleEndian.Uint64(body) != 9 {
		t.Error("Unexpected result:", body)
		return
	}

	// A begin without an id picks a random one

	body, err = d.Action(testClient, "txn_begin", nil)
	if err != nil {
		t.Error(err)
		return
	}

	if binary.LittleEndian.Uint64(body) == 0 {
		t.Error("Random transaction id should not be zero")
		return
	}

	// Write through the transaction

	rec := writeBatch([]int64{54, 55, 56},
		[][]byte{[]byte("A"), []byte("B"), []byte("C")})
	defer rec.Release()

	if err := d.Put(testClient, "write?txn=9", rec); err != nil {
		t.Error(err)
		return
	}

	// The non-transactional path does not see the writes yet

	req := keysBatch(codec.ColKeys, []int64{54, 55, 56})
	defer req.Release()

	out, guard, err := d.Exchange(testClient, "read", req)
	if err != nil {
		t.Error(err)
		return
	}

	if out.Column(0).(*array.Binary).IsValid(0) {
		t.Error("Write should be invisible before commit")
		return
	}

	guard.Release()

	// The transactional path does

	out, guard, err = d.Exchange(testClient, "read?txn=9", req)
	if err != nil {
		t.Error(err)
		return
	}

	if string(out.Column(0).(*array.Binary).Value(0)) != "A" {
		t.Error("Unexpected result:", out)
		return
	}

	guard.Release()

	// Commit and check visibility

	if _, err := d.Action(testClient, "txn_commit?txn=9", nil); err != nil {
		t.Error(err)
		return
	}

	out, guard, err = d.Exchange(testClient, "read", req)
	if err != nil {
		t.Error(err)
		return
	}

	if string(out.Column(0).(*array.Binary).Value(0)) != "A" {
		t.Error("Unexpected result:", out)
		return
	}

	guard.Release()

	// The committed transaction is gone

	if _, _, err := d.Exchange(testClient, "read?txn=9", req); !engine.IsKind(err, engine.ErrArgsWrong) {
		t.Error("Unexpected result:", err)
		return
	}
}

func TestPathEndpoints(t *testing.T) {
	d := newTestDispatcher()

	rec := stringsBatch([]string{codec.ColPaths, codec.ColVals},
		[]string{"usr/bin/a", "usr/bin/b"}, []string{"va", "vb"})
	defer rec.Release()

	if err := d.Put(testClient, "write_path", rec); err != nil {
		t.Error(err)
		return
	}

	// Read one path back

	req := stringsBatch([]string{codec.ColPaths}, []string{"usr/bin/b"})
	defer req.Release()

	out, guard, err := d.Exchange(testClient, "read_path", req)
	if err != nil {
		t.Error(err)
		return
	}

	if string(out.Column(0).(*array.Binary).Value(0)) != "vb" {
		t.Error("Unexpected result:", out)
		return
	}

	guard.Release()

	// Match both paths

	mreq := stringsBatch([]string{codec.ColPatterns}, []string{"usr/bin/.*"})
	defer mreq.Release()

	out, guard, err = d.Exchange(testClient, "match_path", mreq)
	if err != nil {
		t.Error(err)
		return
	}

	if out.NumRows() != 2 ||
		out.Column(1).(*array.String).Value(0) != "usr/bin/a" {
		t.Error("Unexpected result:", out)
		return
	}

	guard.Release()
}

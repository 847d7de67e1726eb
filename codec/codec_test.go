/*
 * StrataDB
 *
 * Copyright 2016 Matthias Ladkau. All rights reserved.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package codec

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"devt.de/krotik/stratadb/arena"
	"devt.de/krotik/stratadb/engine"
)

/*
buildWriteBatch builds a record batch in the shape of a write request.
*/
func buildWriteBatch(keys []int64, vals [][]byte) arrow.Record {
	schema := arrow.NewSchema([]arrow.Field{
		{Name: ColKeys, Type: arrow.PrimitiveTypes.Int64},
		{Name: ColVals, Type: arrow.BinaryTypes.Binary, Nullable: true},
	}, nil)

	b := array.NewRecordBuilder(memory.NewGoAllocator(), schema)
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

func TestFormatOf(t *testing.T) {

	checks := map[string]arrow.DataType{
		"b":    arrow.FixedWidthTypes.Boolean,
		"c":    arrow.PrimitiveTypes.Int8,
		"s":    arrow.PrimitiveTypes.Int16,
		"i":    arrow.PrimitiveTypes.Int32,
		"l":    arrow.PrimitiveTypes.Int64,
		"C":    arrow.PrimitiveTypes.Uint8,
		"S":    arrow.PrimitiveTypes.Uint16,
		"I":    arrow.PrimitiveTypes.Uint32,
		"L":    arrow.PrimitiveTypes.Uint64,
		"e":    arrow.FixedWidthTypes.Float16,
		"f":    arrow.PrimitiveTypes.Float32,
		"g":    arrow.PrimitiveTypes.Float64,
		"z":    arrow.BinaryTypes.Binary,
		"u":    arrow.BinaryTypes.String,
		"w:16": &arrow.FixedSizeBinaryType{ByteWidth: 16},
		"+l":   arrow.ListOf(arrow.PrimitiveTypes.Int64),
		"+s":   arrow.StructOf(arrow.Field{Name: "f", Type: arrow.PrimitiveTypes.Int64}),
	}

	for expected, dt := range checks {
		if format := FormatOf(dt); format != expected {
			t.Error("Unexpected format:", dt, format)
			return
		}
	}

	if format := FormatOf(&arrow.FixedSizeBinaryType{ByteWidth: 8}); format != "" {
		t.Error("Unexpected format:", format)
		return
	}
}

func TestImportColumns(t *testing.T) {
	a := arena.New()

	rec := buildWriteBatch([]int64{34, 35, 36},
		[][]byte{[]byte("x"), nil, []byte("zz")})
	defer rec.Release()

	if !HasColumn(rec, ColKeys) || HasColumn(rec, ColCols) {
		t.Error("Unexpected column lookup result")
		return
	}

	keys, err := Int64Column(rec, ColKeys)
	if err != nil {
		t.Error(err)
		return
	}

	if keys.At(0) != 34 || keys.At(2) != 36 {
		t.Error("Unexpected result:", keys)
		return
	}

	vals, err := BytesColumn(a, rec, ColVals)
	if err != nil {
		t.Error(err)
		return
	}

	if !vals.Present(0) || vals.Present(1) || !vals.Present(2) {
		t.Error("Unexpected presences")
		return
	}

	if string(vals.At(0)) != "x" || string(vals.At(2)) != "zz" {
		t.Error("Unexpected result:", vals.At(0), vals.At(2))
		return
	}

	// A missing column yields an empty view without an error

	missing, err := Int64Column(rec, ColScanStarts)
	if err != nil || !missing.IsEmpty() {
		t.Error("Unexpected result:", missing, err)
		return
	}

	// A column with the wrong format is rejected

	if _, err := Uint64Column(rec, ColKeys); !engine.IsKind(err, engine.ErrArgsWrong) {
		t.Error("Unexpected result:", err)
		return
	}

	if _, err := BytesColumn(a, rec, ColKeys); !engine.IsKind(err, engine.ErrArgsWrong) {
		t.Error("Unexpected result:", err)
		return
	}
}

func TestImportStringColumn(t *testing.T) {
	a := arena.New()

	schema := arrow.NewSchema([]arrow.Field{
		{Name: ColPaths, Type: arrow.BinaryTypes.String},
	}, nil)

	b := array.NewRecordBuilder(memory.NewGoAllocator(), schema)
	defer b.Release()

	b.Field(0).(*array.StringBuilder).AppendValues([]string{"a/b", "a/c"}, nil)

	rec := b.NewRecord()
	defer rec.Release()

	pathList, err := BytesColumn(a, rec, ColPaths)
	if err != nil {
		t.Error(err)
		return
	}

	if string(pathList.At(0)) != "a/b" || string(pathList.At(1)) != "a/c" {
		t.Error("Unexpected result:", pathList)
		return
	}
}

func TestExportValues(t *testing.T) {
	a := arena.New()

	// Build a read result: "aa" present, missing, "" present

	res := &engine.ReadResult{
		Presences: a.Bytes(1),
		Offsets:   a.Uint32s(4),
		Lengths:   a.Uint32s(3),
		Values:    a.Bytes(2),
	}

	copy(res.Values, "aa")
	res.Presences[0] = 0x05
	res.Offsets[1], res.Offsets[2], res.Offsets[3] = 2, 2, 2
	res.Lengths[0], res.Lengths[1], res.Lengths[2] = 2, engine.LengthMissing, 0

	rec := ExportValues(res, 3)

	if rec.NumRows() != 3 || rec.Schema().Field(0).Name != ColVals {
		t.Error("Unexpected record shape:", rec)
		return
	}

	col := rec.Column(0).(*array.Binary)

	if !bytes.Equal(col.Value(0), []byte("aa")) {
		t.Error("Unexpected result:", col.Value(0))
		return
	}

	if !col.IsNull(1) || col.IsNull(2) {
		t.Error("Unexpected validity")
		return
	}

	if len(col.Value(2)) != 0 {
		t.Error("Unexpected result:", col.Value(2))
		return
	}

	// The lengths part carries the missing sentinel

	lrec := ExportLengths(res, 3)
	lcol := lrec.Column(0).(*array.Uint32)

	if lcol.Value(0) != 2 || lcol.Value(1) != engine.LengthMissing || !lcol.IsNull(1) {
		t.Error("Unexpected result:", lcol)
		return
	}

	// The presences part is the packed bitmap

	prec := ExportPresences(res, 3)

	if prec.NumRows() != 1 {
		t.Error("Unexpected record shape:", prec)
		return
	}

	if pcol := prec.Column(0).(*array.Uint8); pcol.Value(0) != 0x05 {
		t.Error("Unexpected result:", pcol.Value(0))
		return
	}
}

func TestExportKeys(t *testing.T) {
	a := arena.New()

	res := &engine.KeysResult{
		Offsets: a.Uint32s(3),
		Keys:    a.Int64s(4),
		Counts:  a.Uint32s(2),
	}

	copy(res.Keys, []int64{1, 2, 3, 9})
	res.Offsets[0], res.Offsets[1], res.Offsets[2] = 0, 3, 4
	res.Counts[0], res.Counts[1] = 3, 1

	rec := ExportKeys(a, res, 2)

	if rec.NumRows() != 4 {
		t.Error("Unexpected record shape:", rec)
		return
	}

	keys := rec.Column(0).(*array.Int64)

	if fmt.Sprint(keys.Int64Values()) != "[1 2 3 9]" {
		t.Error("Unexpected result:", keys.Int64Values())
		return
	}

	offsets := rec.Column(1).(*array.Uint32)

	if offsets.Value(0) != 0 || offsets.Value(1) != 3 {
		t.Error("Unexpected result:", offsets)
		return
	}
}

func TestExportListings(t *testing.T) {
	a := arena.New()

	rec := ExportCollections(a, []uint64{1, 2}, []string{"col1", "col2"})

	if rec.NumRows() != 2 {
		t.Error("Unexpected record shape:", rec)
		return
	}

	ids := rec.Column(0).(*array.Uint64)
	names := rec.Column(1).(*array.String)

	if ids.Value(0) != 1 || ids.Value(1) != 2 ||
		names.Value(0) != "col1" || names.Value(1) != "col2" {
		t.Error("Unexpected result:", ids, names)
		return
	}

	srec := ExportSnapshots(a, []uint64{7})

	if srec.NumRows() != 1 || srec.Column(0).(*array.Uint64).Value(0) != 7 {
		t.Error("Unexpected result:", srec)
		return
	}
}

func TestExportMatches(t *testing.T) {
	a := arena.New()

	rec := ExportMatches(a, []uint32{2, 1}, []string{"a/b", "a/c", "b/x"}, false)

	if rec.NumRows() != 3 {
		t.Error("Unexpected record shape:", rec)
		return
	}

	counts := rec.Column(0).(*array.Uint32)
	matched := rec.Column(1).(*array.String)

	if counts.Value(0) != 2 || counts.Value(1) != 1 || counts.Value(2) != 0 {
		t.Error("Unexpected result:", counts)
		return
	}

	if matched.Value(0) != "a/b" || matched.Value(2) != "b/x" {
		t.Error("Unexpected result:", matched)
		return
	}

	// Lengths only - one row per task

	lrec := ExportMatches(a, []uint32{2, 1}, []string{"a/b", "a/c", "b/x"}, true)

	if lrec.NumRows() != 2 {
		t.Error("Unexpected record shape:", lrec)
		return
	}
}

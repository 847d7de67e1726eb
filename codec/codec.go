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
Package codec contains the columnar codec of StrataDB.

The codec translates between Arrow record batches and the strided
column views consumed by the engine. Imported columns are validated
against the Arrow format string expected for their argument kind and
passed to the engine without copying. Exported columns reference the
result buffers which the engine allocated from the session's arena -
the response record is valid until the session slot is reset.
*/
package codec

import (
	"unsafe"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"devt.de/krotik/stratadb/arena"
	"devt.de/krotik/stratadb/engine"
	"devt.de/krotik/stratadb/stride"
)

/*
Recognized column names.
*/
const (
	ColCols        = "cols"
	ColKeys        = "keys"
	ColVals        = "vals"
	ColPaths       = "paths"
	ColPatterns    = "patterns"
	ColPrevious    = "previous"
	ColLengths     = "lengths"
	ColOffsets     = "offsets"
	ColScanStarts  = "scan_starts"
	ColCountLimits = "count_limits"
	ColPresences   = "presences"
	ColSnaps       = "snaps"
	ColNames       = "names"
)

/*
FormatOf returns the Arrow C data interface format string of a data
type. Unsupported types yield an empty string.
*/
func FormatOf(dt arrow.DataType) string {

	switch dt.ID() {
	case arrow.NULL:
		return "n"
	case arrow.BOOL:
		return "b"
	case arrow.INT8:
		return "c"
	case arrow.INT16:
		return "s"
	case arrow.INT32:
		return "i"
	case arrow.INT64:
		return "l"
	case arrow.UINT8:
		return "C"
	case arrow.UINT16:
		return "S"
	case arrow.UINT32:
		return "I"
	case arrow.UINT64:
		return "L"
	case arrow.FLOAT16:
		return "e"
	case arrow.FLOAT32:
		return "f"
	case arrow.FLOAT64:
		return "g"
	case arrow.BINARY:
		return "z"
	case arrow.STRING:
		return "u"
	case arrow.FIXED_SIZE_BINARY:
		if dt.(*arrow.FixedSizeBinaryType).ByteWidth == 16 {
			return "w:16"
		}
		return ""
	case arrow.LIST:
		return "+l"
	case arrow.STRUCT:
		return "+s"
	}

	return ""
}

/*
HasColumn checks if a record batch carries a named column. The check
distinguishes a missing column from a present column with zero rows.
*/
func HasColumn(rec arrow.Record, name string) bool {
	return len(rec.Schema().FieldIndices(name)) > 0
}

/*
lookup finds a named column in a record batch.
*/
func lookup(rec arrow.Record, name string) (arrow.Array, bool) {
	indices := rec.Schema().FieldIndices(name)

	if len(indices) == 0 {
		return nil, false
	}

	return rec.Column(indices[0]), true
}

/*
validated finds a named column and checks its format string.
*/
func validated(rec arrow.Record, name string, formats ...string) (arrow.Array, error) {
	col, ok := lookup(rec, name)

	if !ok {
		return nil, nil
	}

	format := FormatOf(col.DataType())

	for _, f := range formats {
		if format == f {
			return col, nil
		}
	}

	return nil, engine.NewError(engine.ErrArgsWrong,
		"Unexpected format of column "+name)
}

/*
Int64Column imports a signed 64-bit column (keys, scan starts). The
column may not contain nulls. A missing column yields an empty view.
*/
func Int64Column(rec arrow.Record, name string) (stride.Int64s, error) {
	col, err := validated(rec, name, "l")

	if err != nil || col == nil {
		return stride.Int64s{}, err
	}

	if col.NullN() != 0 {
		return stride.Int64s{}, engine.NewError(engine.ErrArgsWrong,
			"Column "+name+" may not contain nulls")
	}

	return stride.NewInt64s(col.(*array.Int64).Int64Values()), nil
}

/*
Uint64Column imports an unsigned 64-bit column (collection ids). The
column may not contain nulls. A missing column yields an empty view
which broadcasts the main collection.
*/
func Uint64Column(rec arrow.Record, name string) (stride.Uint64s, error) {
	col, err := validated(rec, name, "L")

	if err != nil || col == nil {
		return stride.Uint64s{}, err
	}

	if col.NullN() != 0 {
		return stride.Uint64s{}, engine.NewError(engine.ErrArgsWrong,
			"Column "+name+" may not contain nulls")
	}

	return stride.NewUint64s(col.(*array.Uint64).Uint64Values()), nil
}

/*
LengthColumn imports an unsigned 32-bit column (count limits). The
column may not contain nulls. A missing column yields an empty view.
*/
func LengthColumn(rec arrow.Record, name string) (stride.Lengths, error) {
	col, err := validated(rec, name, "I")

	if err != nil || col == nil {
		return stride.Lengths{}, err
	}

	if col.NullN() != 0 {
		return stride.Lengths{}, engine.NewError(engine.ErrArgsWrong,
			"Column "+name+" may not contain nulls")
	}

	return stride.NewLengths(col.(*array.Uint32).Uint32Values()), nil
}

/*
BytesColumn imports a variable-length binary or utf-8 column (values,
paths, patterns). Null entries keep a cleared presence bit - on writes
this deletes the addressed key. A missing column yields an empty view.
*/
func BytesColumn(a *arena.Arena, rec arrow.Record, name string) (stride.Bytes, error) {
	col, err := validated(rec, name, "z", "u")

	if err != nil || col == nil {
		return stride.Bytes{}, err
	}

	n := col.Len()
	offsets := a.Uint32s(n + 1)

	var contents []byte

	switch c := col.(type) {

	case *array.Binary:
		contents = c.ValueBytes()

		base := c.ValueOffset(0)
		for i := 0; i <= n; i++ {
			offsets[i] = uint32(c.ValueOffset(i) - base)
		}

	case *array.String:

		// String arrays do not expose their backing buffer - gather the
		// values into the arena

		total := 0
		for i := 0; i < n; i++ {
			total += len(c.Value(i))
		}

		contents = a.Bytes(total)

		off := uint32(0)
		for i := 0; i < n; i++ {
			offsets[i] = off
			off += uint32(copy(contents[off:], c.Value(i)))
		}
		offsets[n] = off
	}

	var presences []byte

	if col.NullN() != 0 {
		presences = col.NullBitmapBytes()
	}

	return stride.NewBytes(contents, offsets, presences), nil
}

// Export
// ======

/*
bytesOfUint32 reinterprets a uint32 region as raw bytes.
*/
func bytesOfUint32(v []uint32) []byte {
	if len(v) == 0 {
		return nil
	}

	return unsafe.Slice((*byte)(unsafe.Pointer(&v[0])), len(v)*4)
}

/*
bytesOfInt64 reinterprets an int64 region as raw bytes.
*/
func bytesOfInt64(v []int64) []byte {
	if len(v) == 0 {
		return nil
	}

	return unsafe.Slice((*byte)(unsafe.Pointer(&v[0])), len(v)*8)
}

/*
column describes a single exported column.
*/
type column struct {
	name     string
	dtype    arrow.DataType
	validity []byte   // Validity bitmap or nil
	offsets  []uint32 // Offsets buffer for variable-length layouts
	values   []byte   // Value bytes
}

/*
export assembles a record batch from column descriptions. The buffers
are referenced, not copied - they stay alive as long as the arena they
were allocated from is not reset.
*/
func export(rows int, columns ...column) arrow.Record {
	fields := make([]arrow.Field, len(columns))
	arrays := make([]arrow.Array, len(columns))

	for i, c := range columns {
		fields[i] = arrow.Field{Name: c.name, Type: c.dtype, Nullable: c.validity != nil}

		var validity *memory.Buffer
		nulls := 0

		if c.validity != nil {
			validity = memory.NewBufferBytes(c.validity)
			nulls = array.UnknownNullCount
		}

		var buffers []*memory.Buffer

		if c.offsets != nil {
			buffers = []*memory.Buffer{validity,
				memory.NewBufferBytes(bytesOfUint32(c.offsets)),
				memory.NewBufferBytes(c.values)}
		} else {
			buffers = []*memory.Buffer{validity,
				memory.NewBufferBytes(c.values)}
		}

		data := array.NewData(c.dtype, rows, buffers, nil, nulls, 0)
		arrays[i] = array.MakeFromData(data)
	}

	return array.NewRecord(arrow.NewSchema(fields, nil), arrays, int64(rows))
}

/*
ExportValues exports a read result as a record with a single nullable
binary column named vals.
*/
func ExportValues(res *engine.ReadResult, count int) arrow.Record {
	return export(count, column{
		name:     ColVals,
		dtype:    arrow.BinaryTypes.Binary,
		validity: res.Presences,
		offsets:  res.Offsets,
		values:   res.Values,
	})
}

/*
ExportLengths exports a read result as a record with a single nullable
uint32 column named lengths. Missing keys report the missing length
sentinel and a cleared validity bit.
*/
func ExportLengths(res *engine.ReadResult, count int) arrow.Record {
	return export(count, column{
		name:     ColLengths,
		dtype:    arrow.PrimitiveTypes.Uint32,
		validity: res.Presences,
		values:   bytesOfUint32(res.Lengths),
	})
}

/*
ExportPresences exports a read result as a record with a single uint8
column named presences holding the packed presence bitmap.
*/
func ExportPresences(res *engine.ReadResult, count int) arrow.Record {
	packed := (count + 7) / 8

	return export(packed, column{
		name:   ColPresences,
		dtype:  arrow.PrimitiveTypes.Uint8,
		values: res.Presences,
	})
}

/*
ExportKeys exports a scan or sample result as a record with an int64
keys column and a uint32 offsets column. Both columns have one row per
result key; the offsets column is padded with its last value.
*/
func ExportKeys(a *arena.Arena, res *engine.KeysResult, count int) arrow.Record {
	rows := int(res.Offsets[count])

	// The offsets buffer has count+1 entries - pad it to the row count
	// so both columns share one length

	offsets := res.Offsets

	if len(offsets) < rows {
		padded := a.Uint32s(rows)
		copy(padded, offsets)

		for i := len(offsets); i < rows; i++ {
			padded[i] = offsets[len(offsets)-1]
		}

		offsets = padded
	} else {
		offsets = offsets[:rows]
	}

	return export(rows,
		column{
			name:   ColKeys,
			dtype:  arrow.PrimitiveTypes.Int64,
			values: bytesOfInt64(res.Keys),
		},
		column{
			name:   ColOffsets,
			dtype:  arrow.PrimitiveTypes.Uint32,
			values: bytesOfUint32(offsets),
		})
}

/*
ExportCollections exports the collection listing as a record with a
uint64 cols column and a utf-8 names column.
*/
func ExportCollections(a *arena.Arena, ids []uint64, names []string) arrow.Record {
	n := len(ids)

	idValues := a.Bytes(n * 8)
	for i, id := range ids {
		v := idValues[i*8 : i*8+8]
		for b := 0; b < 8; b++ {
			v[b] = byte(id >> (8 * uint(b)))
		}
	}

	total := 0
	for _, name := range names {
		total += len(name)
	}

	offsets := a.Uint32s(n + 1)
	contents := a.Bytes(total)

	off := uint32(0)
	for i, name := range names {
		offsets[i] = off
		off += uint32(copy(contents[off:], name))
	}
	offsets[n] = off

	return export(n,
		column{
			name:   ColCols,
			dtype:  arrow.PrimitiveTypes.Uint64,
			values: idValues,
		},
		column{
			name:    ColNames,
			dtype:   arrow.BinaryTypes.String,
			offsets: offsets,
			values:  contents,
		})
}

/*
ExportMatches exports a path match result. With lengthsOnly the record
has one row per task and a single lengths column of match counts.
Otherwise the record has one row per matched path: a lengths column
carrying the task counts (zero padded) and a utf-8 vals column with
the matched paths.
*/
func ExportMatches(a *arena.Arena, counts []uint32, matched []string, lengthsOnly bool) arrow.Record {

	if lengthsOnly {
		return export(len(counts), column{
			name:   ColLengths,
			dtype:  arrow.PrimitiveTypes.Uint32,
			values: bytesOfUint32(counts),
		})
	}

	rows := len(matched)

	padded := a.Uint32s(rows)
	copy(padded, counts)

	total := 0
	for _, path := range matched {
		total += len(path)
	}

	offsets := a.Uint32s(rows + 1)
	contents := a.Bytes(total)

	off := uint32(0)
	for i, path := range matched {
		offsets[i] = off
		off += uint32(copy(contents[off:], path))
	}
	offsets[rows] = off

	return export(rows,
		column{
			name:   ColLengths,
			dtype:  arrow.PrimitiveTypes.Uint32,
			values: bytesOfUint32(padded),
		},
		column{
			name:    ColVals,
			dtype:   arrow.BinaryTypes.String,
			offsets: offsets,
			values:  contents,
		})
}

/*
ExportSnapshots exports the snapshot listing as a record with a single
uint64 snaps column.
*/
func ExportSnapshots(a *arena.Arena, ids []uint64) arrow.Record {
	n := len(ids)

	idValues := a.Bytes(n * 8)
	for i, id := range ids {
		v := idValues[i*8 : i*8+8]
		for b := 0; b < 8; b++ {
			v[b] = byte(id >> (8 * uint(b)))
		}
	}

	return export(n, column{
		name:   ColSnaps,
		dtype:  arrow.PrimitiveTypes.Uint64,
		values: idValues,
	})
}

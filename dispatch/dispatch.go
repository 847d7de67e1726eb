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
Package dispatch contains the request dispatcher of StrataDB.

The dispatcher binds the wire protocol to the engine: it parses the
command URI, locks a session, validates the input columns, translates
the request into engine calls and builds the response record batch.
Commands follow the grammar <verb>?<k=v>(&<k=v>)*.

Responses which carry a record batch keep their session guard until the
batch has been serialized - the response buffers live in the session's
arena.
*/
package dispatch

import (
	"bytes"
	"encoding/binary"
	"math/rand"

	"github.com/apache/arrow-go/v18/arrow"

	"devt.de/krotik/stratadb/codec"
	"devt.de/krotik/stratadb/engine"
	"devt.de/krotik/stratadb/paths"
	"devt.de/krotik/stratadb/session"
	"devt.de/krotik/stratadb/stride"
)

/*
Recognized commands.
*/
const (
	CmdColOpen   = "col_open"   // DoAction: look up / create a collection
	CmdColDrop   = "col_drop"   // DoAction: drop a collection
	CmdSnapOpen  = "snap_open"  // DoAction: create a snapshot
	CmdSnapDrop  = "snap_drop"  // DoAction: drop a snapshot
	CmdTxnBegin  = "txn_begin"  // DoAction: begin a transaction
	CmdTxnCommit = "txn_commit" // DoAction: commit a transaction
	CmdListCols  = "list_cols"  // DoGet: list collections
	CmdListSnaps = "list_snaps" // DoGet: list snapshots
	CmdWrite     = "write"      // DoPut: binary write
	CmdWritePath = "write_path" // DoPut: path write
	CmdRead      = "read"       // DoExchange: binary read
	CmdReadPath  = "read_path"  // DoExchange: path read
	CmdMatchPath = "match_path" // DoExchange: path pattern match
	CmdScan      = "scan"       // DoExchange: ordered key scan
	CmdSample    = "sample"     // DoExchange: uniform key sample
)

/*
Dispatcher translates wire requests into engine calls.
*/
type Dispatcher struct {
	DB       engine.Database  // Engine of the served database
	Sessions *session.Manager // Session manager of the server
}

/*
New creates a new dispatcher.
*/
func New(db engine.Database, sessions *session.Manager) *Dispatcher {
	return &Dispatcher{db, sessions}
}

/*
scalar encodes a DoAction result as the little-endian bytes of an
unsigned 64-bit value.
*/
func scalar(v uint64) []byte {
	body := make([]byte, 8)
	binary.LittleEndian.PutUint64(body, v)

	return body
}

/*
configString extracts a collection config from an action body. The
config is the body up to the first zero byte.
*/
func configString(body []byte) string {
	if idx := bytes.IndexByte(body, 0); idx != -1 {
		return string(body[:idx])
	}

	return string(body)
}

/*
Action executes a DoAction command. A non-nil result is the body of a
single scalar response; a nil result denotes an empty response stream.
*/
func (d *Dispatcher) Action(client uint64, uri string, body []byte) ([]byte, error) {
	params := ParseParams(client, uri)

	switch {

	case IsCommand(uri, CmdColOpen):
		if !params.HasName {
			return nil, engine.NewError(engine.ErrArgsWrong, "Missing collection name argument")
		}

		id, err := d.DB.CollectionCreate(params.ColName, configString(body))
		if err != nil {
			return nil, err
		}

		return scalar(id), nil

	case IsCommand(uri, CmdColDrop):
		if !params.HasCol {
			return nil, engine.NewError(engine.ErrArgsWrong, "Missing collection ID argument")
		}

		mode := engine.DropHandle

		switch params.DropMode {
		case DropModeValues:
			mode = engine.DropValues
		case DropModeContents:
			mode = engine.DropContents
		}

		return nil, d.DB.CollectionDrop(params.Col, mode)

	case IsCommand(uri, CmdSnapOpen):
		id, err := d.DB.SnapshotCreate()
		if err != nil {
			return nil, err
		}

		return scalar(id), nil

	case IsCommand(uri, CmdSnapDrop):
		if params.Snapshot == 0 {
			return nil, engine.NewError(engine.ErrArgsWrong, "Missing snapshot ID argument")
		}

		return nil, d.DB.SnapshotDrop(params.Snapshot)

	case IsCommand(uri, CmdTxnBegin):
		if !params.HasTxn {

			// The client did not pick a transaction id - choose a random
			// one; a collision with a running transaction fails the call
			// and the client retries

			for params.ID.Txn == 0 {
				params.ID.Txn = rand.Uint64()
			}
		}

		guard, err := d.Sessions.BeginTxn(params.ID, params.Options)
		if err != nil {
			return nil, err
		}

		guard.Release()

		return scalar(params.ID.Txn), nil

	case IsCommand(uri, CmdTxnCommit):
		if !params.HasTxn {
			return nil, engine.NewError(engine.ErrArgsWrong, "Missing transaction ID argument")
		}

		return nil, d.Sessions.CommitTxn(params.ID, params.Options)
	}

	return nil, engine.NewError(engine.ErrArgsWrong, "Unknown action: "+uri)
}

/*
Get executes a DoGet command. The returned guard must be released after
the record has been serialized.
*/
func (d *Dispatcher) Get(client uint64, ticket string) (arrow.Record, *session.Guard, error) {
	params := ParseParams(client, ticket)

	guard, err := d.Sessions.Lock(params.ID)
	if err != nil {
		return nil, nil, err
	}

	switch {

	case IsCommand(ticket, CmdListCols):
		ids, names, err := d.DB.CollectionList()
		if err != nil {
			guard.Release()
			return nil, nil, err
		}

		return codec.ExportCollections(guard.Arena, ids, names), guard, nil

	case IsCommand(ticket, CmdListSnaps):
		ids, err := d.DB.SnapshotList()
		if err != nil {
			guard.Release()
			return nil, nil, err
		}

		return codec.ExportSnapshots(guard.Arena, ids), guard, nil
	}

	guard.Release()

	return nil, nil, engine.NewError(engine.ErrArgsWrong, "Unknown ticket: "+ticket)
}

/*
collections resolves the collection column of a request. A collection
id parameter takes precedence and is broadcast across all tasks.
*/
func collections(params Params, rec arrow.Record) (stride.Uint64s, error) {
	if params.HasCol {
		return stride.BroadcastUint64(params.Col), nil
	}

	return codec.Uint64Column(rec, codec.ColCols)
}

/*
Put executes a DoPut command.
*/
func (d *Dispatcher) Put(client uint64, cmd string, rec arrow.Record) error {
	params := ParseParams(client, cmd)
	count := int(rec.NumRows())

	cols, err := collections(params, rec)
	if err != nil {
		return err
	}

	guard, err := d.Sessions.Lock(params.ID)
	if err != nil {
		return err
	}
	defer guard.Release()

	switch {

	case IsCommand(cmd, CmdWrite):
		if !codec.HasColumn(rec, codec.ColKeys) {
			return engine.NewError(engine.ErrArgsWrong, "Keys must have been provided for writes")
		}

		keys, err := codec.Int64Column(rec, codec.ColKeys)
		if err != nil {
			return err
		}

		vals, err := codec.BytesColumn(guard.Arena, rec, codec.ColVals)
		if err != nil {
			return err
		}

		return d.DB.Write(guard.Txn, guard.Arena, params.Options, cols, keys, vals, count)

	case IsCommand(cmd, CmdWritePath):
		if !codec.HasColumn(rec, codec.ColPaths) {
			return engine.NewError(engine.ErrArgsWrong, "Paths must have been provided for writes")
		}

		pathList, err := codec.BytesColumn(guard.Arena, rec, codec.ColPaths)
		if err != nil {
			return err
		}

		vals, err := codec.BytesColumn(guard.Arena, rec, codec.ColVals)
		if err != nil {
			return err
		}

		ps := paths.NewStore(d.DB, params.Col)

		return ps.Write(guard.Txn, guard.Arena, params.Options, pathList, vals, count)
	}

	return engine.NewError(engine.ErrArgsWrong, "Unknown command: "+cmd)
}

/*
Exchange executes a DoExchange command. The returned guard must be
released after the record has been serialized.
*/
func (d *Dispatcher) Exchange(client uint64, cmd string, rec arrow.Record) (arrow.Record, *session.Guard, error) {
	params := ParseParams(client, cmd)
	count := int(rec.NumRows())

	cols, err := collections(params, rec)
	if err != nil {
		return nil, nil, err
	}

	guard, err := d.Sessions.Lock(params.ID)
	if err != nil {
		return nil, nil, err
	}

	out, err := d.exchange(params, cmd, rec, cols, count, guard)

	if err != nil {
		guard.Release()
		return nil, nil, err
	}

	return out, guard, nil
}

/*
exchange runs a DoExchange command under a locked session.
*/
func (d *Dispatcher) exchange(params Params, cmd string, rec arrow.Record,
	cols stride.Uint64s, count int, guard *session.Guard) (arrow.Record, error) {

	switch {

	case IsCommand(cmd, CmdRead):
		if !codec.HasColumn(rec, codec.ColKeys) {
			return nil, engine.NewError(engine.ErrArgsWrong, "Keys must have been provided for reads")
		}

		keys, err := codec.Int64Column(rec, codec.ColKeys)
		if err != nil {
			return nil, err
		}

		res, err := d.DB.Read(guard.Txn, params.Snapshot, guard.Arena, params.Options,
			cols, keys, count)
		if err != nil {
			return nil, err
		}

		return exportReadPart(params.Part, res, count), nil

	case IsCommand(cmd, CmdReadPath):
		if !codec.HasColumn(rec, codec.ColPaths) {
			return nil, engine.NewError(engine.ErrArgsWrong, "Paths must have been provided for reads")
		}

		pathList, err := codec.BytesColumn(guard.Arena, rec, codec.ColPaths)
		if err != nil {
			return nil, err
		}

		ps := paths.NewStore(d.DB, params.Col)

		res, err := ps.Read(guard.Txn, params.Snapshot, guard.Arena, params.Options,
			pathList, count)
		if err != nil {
			return nil, err
		}

		return exportReadPart(params.Part, res, count), nil

	case IsCommand(cmd, CmdMatchPath):
		if !codec.HasColumn(rec, codec.ColPatterns) {
			return nil, engine.NewError(engine.ErrArgsWrong, "Patterns must have been provided for matching")
		}

		patterns, err := codec.BytesColumn(guard.Arena, rec, codec.ColPatterns)
		if err != nil {
			return nil, err
		}

		previous, err := codec.BytesColumn(guard.Arena, rec, codec.ColPrevious)
		if err != nil {
			return nil, err
		}

		limits, err := codec.LengthColumn(rec, codec.ColCountLimits)
		if err != nil {
			return nil, err
		}

		if limits.IsEmpty() {
			limits = stride.BroadcastLength(0xFFFFFFFF)
		}

		ps := paths.NewStore(d.DB, params.Col)

		res, err := ps.Match(guard.Txn, params.Snapshot, guard.Arena, params.Options,
			patterns, previous, limits, count)
		if err != nil {
			return nil, err
		}

		return codec.ExportMatches(guard.Arena, res.Counts, res.Paths,
			params.Part == PartLengths), nil

	case IsCommand(cmd, CmdScan):
		if !codec.HasColumn(rec, codec.ColScanStarts) || !codec.HasColumn(rec, codec.ColCountLimits) {
			return nil, engine.NewError(engine.ErrArgsWrong,
				"Keys and limits must have been provided for scans")
		}

		starts, err := codec.Int64Column(rec, codec.ColScanStarts)
		if err != nil {
			return nil, err
		}

		limits, err := codec.LengthColumn(rec, codec.ColCountLimits)
		if err != nil {
			return nil, err
		}

		res, err := d.DB.Scan(guard.Txn, params.Snapshot, guard.Arena, params.Options,
			cols, starts, limits, count)
		if err != nil {
			return nil, err
		}

		return codec.ExportKeys(guard.Arena, res, count), nil

	case IsCommand(cmd, CmdSample):
		if !codec.HasColumn(rec, codec.ColCountLimits) {
			return nil, engine.NewError(engine.ErrArgsWrong,
				"Limits must have been provided for sampling")
		}

		limits, err := codec.LengthColumn(rec, codec.ColCountLimits)
		if err != nil {
			return nil, err
		}

		res, err := d.DB.Sample(guard.Txn, guard.Arena, params.Options, cols, limits, count)
		if err != nil {
			return nil, err
		}

		return codec.ExportKeys(guard.Arena, res, count), nil
	}

	return nil, engine.NewError(engine.ErrArgsWrong, "Unknown command: "+cmd)
}

/*
exportReadPart builds the response record of a read depending on the
requested part.
*/
func exportReadPart(part string, res *engine.ReadResult, count int) arrow.Record {

	switch part {
	case PartPresences:
		return codec.ExportPresences(res, count)
	case PartLengths:
		return codec.ExportLengths(res, count)
	}

	return codec.ExportValues(res, count)
}

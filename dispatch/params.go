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
	"strconv"
	"strings"

	"devt.de/krotik/stratadb/engine"
	"devt.de/krotik/stratadb/session"
)

/*
Recognized URI parameters.
*/
const (
	ParamTxn       = "txn"        // Transaction id (hex)
	ParamSnap      = "snap"       // Snapshot id (decimal)
	ParamCol       = "col"        // Collection id (hex)
	ParamColName   = "col_name"   // Collection name
	ParamDropMode  = "drop_mode"  // Collection drop mode
	ParamPart      = "part"       // Requested read part
	ParamFlush     = "flush"      // Flag: flush writes
	ParamDontWatch = "dont_watch" // Flag: do not watch transactional reads
	ParamSharedMem = "shared_mem" // Flag: allow shared memory reads
)

/*
Values of the drop_mode parameter.
*/
const (
	DropModeValues   = "values"
	DropModeContents = "contents"
	DropModeHandle   = "handle"
)

/*
Values of the part parameter. An absent part requests the full content.
*/
const (
	PartPresences = "presences"
	PartLengths   = "lengths"
)

/*
IsCommand checks if a request URI addresses a given command - either
exactly or followed by query parameters.
*/
func IsCommand(uri string, cmd string) bool {
	if len(uri) > len(cmd) {
		return strings.HasPrefix(uri, cmd) && uri[len(cmd)] == '?'
	}

	return uri == cmd
}

/*
ParamValue extracts a parameter from the query part of a request URI.
The second return flags if the parameter was found at all - flag
parameters appear without a value. A name only matches if it is
preceded by a separator so a parameter cannot be matched inside a
longer name.
*/
func ParamValue(params string, name string) (string, bool) {

	for off := 0; ; {
		idx := strings.Index(params[off:], name)
		if idx == -1 {
			return "", false
		}

		begin := off + idx

		if begin+len(name) == len(params) {

			// Parameter is the suffix of the query - a flag

			if begin > 0 && isParamSep(params[begin-1]) {
				return "", true
			}

			return "", false
		}

		// Check if a part of a bigger name was matched - in that case
		// skip to the next starting point

		if begin == 0 || !isParamSep(params[begin-1]) {
			off = begin + 1
			continue
		}

		next := params[begin+len(name)]

		if next == '&' {
			return "", true
		}

		if next == '=' {
			valueBegin := begin + len(name) + 1
			valueEnd := strings.IndexByte(params[valueBegin:], '&')

			if valueEnd == -1 {
				return params[valueBegin:], true
			}

			return params[valueBegin : valueBegin+valueEnd], true
		}

		off = begin + 1
	}
}

/*
isParamSep checks if a byte separates URI parameters.
*/
func isParamSep(b byte) bool {
	return b == '?' || b == '&' || b == '/'
}

/*
parseHex parses an unsigned 64-bit hex value with an optional 0x
prefix. Malformed values yield the default.
*/
func parseHex(str string, def uint64) uint64 {
	str = strings.TrimPrefix(str, "0x")

	v, err := strconv.ParseUint(str, 16, 64)
	if err != nil {
		return def
	}

	return v
}

/*
Params holds the session parameters of a single request.
*/
type Params struct {
	ID       session.ID     // Session of the request
	HasTxn   bool           // Flag if a transaction id was given
	Snapshot uint64         // Snapshot id (0 if absent)
	HasCol   bool           // Flag if a collection id was given
	Col      uint64         // Collection id
	ColName  string         // Collection name
	HasName  bool           // Flag if a collection name was given
	DropMode string         // Collection drop mode
	Part     string         // Requested read part
	Options  engine.Options // Engine options from flag parameters
}

/*
ParseParams extracts the session parameters from a request URI.
*/
func ParseParams(client uint64, uri string) Params {
	result := Params{ID: session.ID{Client: client}}

	paramsOffset := strings.IndexByte(uri, '?')
	if paramsOffset == -1 {
		return result
	}

	params := uri[paramsOffset:]

	if v, ok := ParamValue(params, ParamTxn); ok {
		result.HasTxn = true
		result.ID.Txn = parseHex(v, 0)
	}

	if v, ok := ParamValue(params, ParamSnap); ok {
		result.Snapshot, _ = strconv.ParseUint(v, 10, 64)
	}

	if v, ok := ParamValue(params, ParamCol); ok {
		result.HasCol = true
		result.Col = parseHex(v, engine.MainCollection)
	}

	if v, ok := ParamValue(params, ParamColName); ok {
		result.HasName = true
		result.ColName = v
	}

	if v, ok := ParamValue(params, ParamDropMode); ok {
		result.DropMode = v
	}

	if v, ok := ParamValue(params, ParamPart); ok {
		result.Part = v
	}

	if _, ok := ParamValue(params, ParamFlush); ok {
		result.Options |= engine.OptFlush
	}

	if _, ok := ParamValue(params, ParamDontWatch); ok {
		result.Options |= engine.OptDontWatch
	}

	if _, ok := ParamValue(params, ParamSharedMem); ok {
		result.Options |= engine.OptSharedMem
	}

	return result
}

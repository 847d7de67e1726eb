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
	"testing"

	"devt.de/krotik/stratadb/engine"
)

func TestParamValue(t *testing.T) {

	// Simple key value pairs

	if v, ok := ParamValue("?txn=5&col=a", "txn"); !ok || v != "5" {
		t.Error("Unexpected result:", v, ok)
		return
	}

	if v, ok := ParamValue("?txn=5&col=a", "col"); !ok || v != "a" {
		t.Error("Unexpected result:", v, ok)
		return
	}

	// Flag parameters have no value

	if v, ok := ParamValue("?flush", "flush"); !ok || v != "" {
		t.Error("Unexpected result:", v, ok)
		return
	}

	if v, ok := ParamValue("?dont_watch&col=1", "dont_watch"); !ok || v != "" {
		t.Error("Unexpected result:", v, ok)
		return
	}

	// A name must not match inside a bigger name

	if _, ok := ParamValue("?my_txn=7", "txn"); ok {
		t.Error("Parameter should not match inside a bigger name")
		return
	}

	if _, ok := ParamValue("?txns=7", "txn"); ok {
		t.Error("Parameter should not match a prefix of a bigger name")
		return
	}

	// Unknown parameters are not found

	if _, ok := ParamValue("?txn=5", "snap"); ok {
		t.Error("Unknown parameter should not be found")
		return
	}

	// The real parameter is found after a name-in-name mismatch

	if v, ok := ParamValue("?my_txn=7&txn=8", "txn"); !ok || v != "8" {
		t.Error("Unexpected result:", v, ok)
		return
	}
}

func TestIsCommand(t *testing.T) {

	if !IsCommand("read", "read") || !IsCommand("read?col=1", "read") {
		t.Error("Commands should match")
		return
	}

	if IsCommand("read_path?col=1", "read") || IsCommand("rea", "read") {
		t.Error("Commands should not match")
		return
	}
}

func TestParseParams(t *testing.T) {

	params := ParseParams(42, "read?txn=0x1a&snap=7&col=ff&part=lengths&flush&dont_watch")

	if params.ID.Client != 42 || !params.HasTxn || params.ID.Txn != 0x1a {
		t.Error("Unexpected result:", params)
		return
	}

	if params.Snapshot != 7 || !params.HasCol || params.Col != 0xff {
		t.Error("Unexpected result:", params)
		return
	}

	if params.Part != PartLengths {
		t.Error("Unexpected result:", params.Part)
		return
	}

	if params.Options&engine.OptFlush == 0 || params.Options&engine.OptDontWatch == 0 ||
		params.Options&engine.OptSharedMem != 0 {
		t.Error("Unexpected result:", params.Options)
		return
	}

	// A URI without parameters yields the defaults

	params = ParseParams(1, "list_cols")

	if params.HasTxn || params.HasCol || params.Snapshot != 0 || params.ID.Txn != 0 {
		t.Error("Unexpected result:", params)
		return
	}

	// A malformed transaction id falls back to zero

	params = ParseParams(1, "read?txn=zz")

	if !params.HasTxn || params.ID.Txn != 0 {
		t.Error("Unexpected result:", params)
		return
	}

	params = ParseParams(1, "col_drop?col=2&drop_mode=values&col_name=abc")

	if params.DropMode != DropModeValues || params.ColName != "abc" || !params.HasName {
		t.Error("Unexpected result:", params)
		return
	}
}

/*
 * StrataDB
 *
 * Copyright 2016 Matthias Ladkau. All rights reserved.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package paths

import (
	"fmt"
	"testing"

	"devt.de/krotik/stratadb/arena"
	"devt.de/krotik/stratadb/engine"
	"devt.de/krotik/stratadb/engine/memory"
	"devt.de/krotik/stratadb/stride"
)

/*
bytesView builds a stride view over a list of string values.
*/
func bytesView(values []string) stride.Bytes {
	var contents []byte
	offsets := make([]uint32, len(values)+1)
	presences := make([]byte, (len(values)+7)/8)

	for i, v := range values {
		offsets[i] = uint32(len(contents))
		presences[i/8] |= 1 << (uint(i) % 8)
		contents = append(contents, v...)
	}

	offsets[len(values)] = uint32(len(contents))

	return stride.NewBytes(contents, offsets, presences)
}

func TestWriteAndRead(t *testing.T) {
	ps := NewStore(memory.New(), engine.MainCollection)
	a := arena.New()

	pathList := []string{"usr/bin/a", "usr/bin/b", "etc/conf"}
	vals := []string{"va", "vb", "vc"}

	err := ps.Write(nil, a, engine.OptDefault, bytesView(pathList), bytesView(vals), 3)
	if err != nil {
		t.Error(err)
		return
	}

	res, err := ps.Read(nil, 0, a, engine.OptDefault, bytesView(pathList), 3)
	if err != nil {
		t.Error(err)
		return
	}

	for i, v := range vals {
		if !res.Present(i) || string(res.Value(i)) != v {
			t.Error("Unexpected result:", i, string(res.Value(i)))
			return
		}
	}

	// An unknown path reads as missing

	res, err = ps.Read(nil, 0, a, engine.OptDefault, bytesView([]string{"usr/bin/c"}), 1)
	if err != nil {
		t.Error(err)
		return
	}

	if res.Present(0) || res.Lengths[0] != engine.LengthMissing {
		t.Error("Unexpected result:", res.Lengths)
		return
	}

	// Deleting a path by writing without a value

	err = ps.Write(nil, a, engine.OptDefault, bytesView(pathList[:1]), stride.Bytes{}, 1)
	if err != nil {
		t.Error(err)
		return
	}

	res, _ = ps.Read(nil, 0, a, engine.OptDefault, bytesView(pathList), 3)

	if res.Present(0) || !res.Present(1) {
		t.Error("Unexpected result:", res.Lengths)
		return
	}
}

func TestMatch(t *testing.T) {
	ps := NewStore(memory.New(), engine.MainCollection)
	a := arena.New()

	pathList := []string{"usr/bin/a", "usr/bin/b", "usr/lib/c", "etc/conf"}
	vals := []string{"1", "2", "3", "4"}

	err := ps.Write(nil, a, engine.OptDefault, bytesView(pathList), bytesView(vals), 4)
	if err != nil {
		t.Error(err)
		return
	}

	res, err := ps.Match(nil, 0, a, engine.OptDefault,
		bytesView([]string{"usr/bin/.*", "usr/.*"}), stride.Bytes{},
		stride.BroadcastLength(10), 2)
	if err != nil {
		t.Error(err)
		return
	}

	if fmt.Sprint(res.Counts) != "[2 3]" {
		t.Error("Unexpected result:", res.Counts)
		return
	}

	if fmt.Sprint(res.Paths) != "[usr/bin/a usr/bin/b usr/bin/a usr/bin/b usr/lib/c]" {
		t.Error("Unexpected result:", res.Paths)
		return
	}

	// The limit truncates the match list

	res, err = ps.Match(nil, 0, a, engine.OptDefault,
		bytesView([]string{"usr/.*"}), stride.Bytes{}, stride.BroadcastLength(2), 1)
	if err != nil {
		t.Error(err)
		return
	}

	if fmt.Sprint(res.Paths) != "[usr/bin/a usr/bin/b]" {
		t.Error("Unexpected result:", res.Paths)
		return
	}

	// Pagination via the previous path

	res, err = ps.Match(nil, 0, a, engine.OptDefault,
		bytesView([]string{"usr/.*"}), bytesView([]string{"usr/bin/b"}),
		stride.BroadcastLength(2), 1)
	if err != nil {
		t.Error(err)
		return
	}

	if fmt.Sprint(res.Paths) != "[usr/lib/c]" {
		t.Error("Unexpected result:", res.Paths)
		return
	}

	// A malformed pattern is rejected

	if _, err := ps.Match(nil, 0, a, engine.OptDefault,
		bytesView([]string{"("}), stride.Bytes{},
		stride.BroadcastLength(10), 1); !engine.IsKind(err, engine.ErrArgsWrong) {
		t.Error("Unexpected result:", err)
		return
	}
}

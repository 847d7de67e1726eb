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
Package docs contains the contract of the document modality.

The document modality projects hierarchical values (JSON, BSON,
MessagePack) onto the KV substrate. The server core only depends on
this contract - the parsing and field addressing implementation is an
external collaborator.
*/
package docs

import (
	"devt.de/krotik/stratadb/arena"
	"devt.de/krotik/stratadb/engine"
	"devt.de/krotik/stratadb/stride"
)

/*
Format identifies the encoding of a stored document.
*/
type Format int

/*
Available document formats.
*/
const (
	FormatJSON Format = iota
	FormatBSON
	FormatMessagePack
)

/*
Store is the contract of a document store over a collection of the KV
substrate. Field paths use dot notation ("user.address.city").
*/
type Store interface {

	/*
	   Write stores a batch of documents in a given format. Documents are
	   normalized to a single internal representation before storage.
	*/
	Write(txn engine.Transaction, a *arena.Arena, opts engine.Options,
		keys stride.Int64s, docs stride.Bytes, format Format, count int) error

	/*
	   Read fetches a batch of documents encoded in a given format.
	*/
	Read(txn engine.Transaction, snap uint64, a *arena.Arena, opts engine.Options,
		keys stride.Int64s, format Format, count int) (*engine.ReadResult, error)

	/*
	   ReadField fetches a single field from a batch of documents.
	*/
	ReadField(txn engine.Transaction, snap uint64, a *arena.Arena, opts engine.Options,
		keys stride.Int64s, field string, count int) (*engine.ReadResult, error)
}

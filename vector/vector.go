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
Package vector contains the contract of the vector modality.

The vector modality stores fixed-dimension float vectors under
substrate keys and answers nearest-neighbour queries. The server core
only depends on this contract - index structures and similarity search
are external collaborators.
*/
package vector

import (
	"devt.de/krotik/stratadb/arena"
	"devt.de/krotik/stratadb/engine"
	"devt.de/krotik/stratadb/stride"
)

/*
Metric identifies a similarity measure.
*/
type Metric int

/*
Available similarity measures.
*/
const (
	MetricCosine Metric = iota
	MetricDotProduct
	MetricEuclidean
)

/*
Result is a single nearest-neighbour match.
*/
type Result struct {
	Key      int64   // Key of the matched vector
	Distance float32 // Distance to the query vector
}

/*
Index is the contract of a vector index over a collection of the KV
substrate.
*/
type Index interface {

	/*
	   Write stores a batch of vectors. All vectors of a collection share
	   one dimension.
	*/
	Write(txn engine.Transaction, a *arena.Arena, opts engine.Options,
		keys stride.Int64s, vectors stride.Bytes, count int) error

	/*
	   Search returns for every query vector up to limit keys ordered by
	   ascending distance under the given metric.
	*/
	Search(txn engine.Transaction, snap uint64, a *arena.Arena, opts engine.Options,
		queries stride.Bytes, limits stride.Lengths, metric Metric, count int) ([][]Result, error)
}

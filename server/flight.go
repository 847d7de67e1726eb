/*
 * StrataDB
 *
 * Copyright 2016 Matthias Ladkau. All rights reserved.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package server

import (
	"context"
	"hash/fnv"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"devt.de/krotik/stratadb/dispatch"
	"devt.de/krotik/stratadb/engine"
)

/*
actionTypes are the actions reported by ListActions.
*/
var actionTypes = []flight.ActionType{
	{Type: dispatch.CmdColOpen, Description: "Find or create a collection by name."},
	{Type: dispatch.CmdColDrop, Description: "Delete a collection."},
	{Type: dispatch.CmdSnapOpen, Description: "Create a snapshot and return its ID."},
	{Type: dispatch.CmdSnapDrop, Description: "Delete a snapshot."},
	{Type: dispatch.CmdTxnBegin, Description: "Start an ACID transaction and return its ID."},
	{Type: dispatch.CmdTxnCommit, Description: "Commit a previously started transaction."},
}

/*
flightService implements the Arrow Flight RPC surface of StrataDB. The
four data verbs route through the request dispatcher; every call is
attributed to a session derived from the peer address.
*/
type flightService struct {
	flight.BaseFlightServer
	dispatcher *dispatch.Dispatcher
}

/*
clientID derives the client id of a call from the peer address.
*/
func clientID(ctx context.Context) uint64 {
	p, ok := peer.FromContext(ctx)

	if !ok {
		return 0
	}

	h := fnv.New64a()
	h.Write([]byte(p.Addr.String()))

	return h.Sum64()
}

/*
flightError maps an engine error to a Flight status.
*/
func flightError(err error) error {
	if engine.IsKind(err, engine.ErrArgsWrong) {
		return status.Error(codes.InvalidArgument, err.Error())
	}

	return status.Error(codes.Internal, err.Error())
}

/*
ListActions lists the available DoAction commands.
*/
func (s *flightService) ListActions(_ *flight.Empty,
	stream flight.FlightService_ListActionsServer) error {

	for i := range actionTypes {
		if err := stream.Send(&actionTypes[i]); err != nil {
			return err
		}
	}

	return nil
}

/*
DoAction executes a metadata command. A scalar result is sent as a
single Result whose body holds the little-endian bytes of an unsigned
64-bit value; an empty response is a stream yielding zero results.
*/
func (s *flightService) DoAction(action *flight.Action,
	stream flight.FlightService_DoActionServer) error {

	body, err := s.dispatcher.Action(clientID(stream.Context()),
		string(action.Type), action.Body)

	if err != nil {
		return flightError(err)
	}

	if body == nil {
		return nil
	}

	return stream.Send(&flight.Result{Body: body})
}

/*
DoGet serves listing requests.
*/
func (s *flightService) DoGet(tkt *flight.Ticket,
	stream flight.FlightService_DoGetServer) error {

	rec, guard, err := s.dispatcher.Get(clientID(stream.Context()),
		string(tkt.GetTicket()))

	if err != nil {
		return flightError(err)
	}

	// The response buffers live in the session's arena - the guard is
	// held until the record has been written to the wire

	defer guard.Release()

	w := flight.NewRecordWriter(stream, ipc.WithSchema(rec.Schema()))
	defer w.Close()

	return w.Write(rec)
}

/*
DoPut serves write requests.
*/
func (s *flightService) DoPut(stream flight.FlightService_DoPutServer) error {

	rdr, err := flight.NewRecordReader(stream)
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	defer rdr.Release()

	desc := rdr.LatestFlightDescriptor()
	if desc == nil {
		return status.Error(codes.InvalidArgument, "Missing flight descriptor")
	}

	cmd := string(desc.Cmd)
	client := clientID(stream.Context())

	for rdr.Next() {
		if err := s.dispatcher.Put(client, cmd, rdr.Record()); err != nil {
			return flightError(err)
		}
	}

	return rdr.Err()
}

/*
DoExchange serves read, scan and sample requests. Every received batch
produces one response batch.
*/
func (s *flightService) DoExchange(stream flight.FlightService_DoExchangeServer) error {

	rdr, err := flight.NewRecordReader(stream)
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	defer rdr.Release()

	desc := rdr.LatestFlightDescriptor()
	if desc == nil {
		return status.Error(codes.InvalidArgument, "Missing flight descriptor")
	}

	cmd := string(desc.Cmd)
	client := clientID(stream.Context())

	var w *flight.Writer

	for rdr.Next() {
		out, guard, err := s.dispatcher.Exchange(client, cmd, rdr.Record())
		if err != nil {
			return flightError(err)
		}

		if w == nil {
			w = flight.NewRecordWriter(stream, ipc.WithSchema(out.Schema()))
			defer w.Close()
		}

		err = w.Write(out)

		// Release the arena only after the response batch has been
		// serialized to the wire

		guard.Release()

		if err != nil {
			return err
		}
	}

	return rdr.Err()
}

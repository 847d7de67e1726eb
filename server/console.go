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
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"devt.de/krotik/common/datautil"
	"devt.de/krotik/common/timeutil"
	"devt.de/krotik/stratadb/config"
	"devt.de/krotik/stratadb/session"
)

/*
EndpointAbout is the about endpoint URL of the console. Returns version
information about the server.
*/
const EndpointAbout = "/db/about"

/*
EndpointSock is the websocket endpoint URL of the console. Streams
server events.
*/
const EndpointSock = "/db/sock"

/*
EventLogSize is the number of server events kept for the console.
*/
const EventLogSize = 100

/*
EventLog is the ring buffer of server events which backs the console
websocket.
*/
var EventLog = datautil.NewRingBuffer(EventLogSize)

/*
logEvent records a server event for the console and prints it.
*/
func logEvent(v ...interface{}) {
	EventLog.Log(append([]interface{}{timeutil.MakeTimestamp(), " "}, v...)...)
	print(v...)
}

/*
sockUpgrader can upgrade normal requests to websocket communications.
*/
var sockUpgrader = websocket.Upgrader{
	Subprotocols:    []string{"stratadb-sock"},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

/*
consoleSockInterval is the polling interval of the console websocket.
*/
var consoleSockInterval = time.Second

/*
registerConsoleEndpoints registers the console endpoints on the
default mux which is served by the console HTTP server.
*/
func registerConsoleEndpoints(sessions *session.Manager) {

	http.HandleFunc(EndpointAbout, func(w http.ResponseWriter, r *http.Request) {
		data := map[string]interface{}{
			"product":         "StrataDB",
			"version":         config.ProductVersion,
			"active_sessions": sessions.ActiveCount(),
			"free_slots":      sessions.FreeCount(),
		}

		w.Header().Set("content-type", "application/json; charset=utf-8")

		ret := json.NewEncoder(w)
		ret.Encode(data)
	})

	http.HandleFunc(EndpointSock, func(w http.ResponseWriter, r *http.Request) {

		// Update the incoming connection to a websocket. If the upgrade
		// fails the client gets an HTTP error response.

		conn, err := sockUpgrader.Upgrade(w, r, nil)

		if err != nil {
			w.Write([]byte(err.Error()))
			return
		}

		defer conn.Close()

		// Send the buffered events first, then push new events as they
		// appear until the client goes away

		sent := 0

		for {
			events := EventLog.StringSlice()

			for ; sent < len(events); sent++ {
				data := map[string]interface{}{"event": events[sent]}

				if err := conn.WriteJSON(data); err != nil {
					return
				}
			}

			if sent > len(events) {

				// The ring buffer wrapped around - resend everything

				sent = 0
			}

			time.Sleep(consoleSockInterval)
		}
	})
}

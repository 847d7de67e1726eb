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
Package server contains the code for the StrataDB server.

The server binds a single database engine and a session manager to an
Arrow Flight endpoint. An optional console endpoint exposes version
information and a live event feed over HTTP.
*/
package server

import (
	"fmt"
	"io/ioutil"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/apache/arrow-go/v18/arrow/flight"

	"devt.de/krotik/common/fileutil"
	"devt.de/krotik/common/httputil"
	"devt.de/krotik/common/lockutil"
	"devt.de/krotik/stratadb/config"
	"devt.de/krotik/stratadb/dispatch"
	"devt.de/krotik/stratadb/engine"
	"devt.de/krotik/stratadb/engine/leveldb"
	"devt.de/krotik/stratadb/engine/memory"
	"devt.de/krotik/stratadb/session"
)

/*
Using custom consolelogger type so we can test log.Fatal calls with unit tests. Overwrite
these if the server should not call os.Exit on a fatal error.
*/
type consolelogger func(v ...interface{})

var fatal = consolelogger(log.Fatal)
var print = consolelogger(log.Print)

/*
Base path for all files (used by unit tests)
*/
var basepath = ""

/*
StartServer runs the StrataDB server. The server uses config.Config for
all its configuration parameters.
*/
func StartServer() {
	StartServerWithSingleOp(nil)
}

/*
StartServerWithSingleOp runs the StrataDB server. If the singleOperation
function is not nil then the server executes the function and exits if
the function returns true.
*/
func StartServerWithSingleOp(singleOperation func(engine.Database) bool) {
	var db engine.Database
	var err error

	print(fmt.Sprintf("StrataDB %v", config.ProductVersion))

	// Ensure we have a configuration - use the default configuration if nothing was set

	if config.Config == nil {
		config.LoadDefaultConfig()
	}

	// Open the engine

	engineConf, err := engineConfig()
	if err != nil {
		fatal(err)
		return
	}

	if config.Bool(config.MemoryOnlyStorage) {

		print("Starting memory only datastore")

		db, err = memory.Open(engineConf)

	} else {

		loc := filepath.Join(basepath, config.Str(config.LocationDatastore))

		print("Starting datastore in ", loc)

		db, err = leveldb.Open(engineConf)
	}

	if err != nil {
		fatal(err)
		return
	}

	defer func() {

		print("Closing datastore")

		if err := db.Close(); err != nil {
			fatal(err)
			return
		}

		os.RemoveAll(filepath.Join(basepath, config.Str(config.LockFile)))
	}()

	// Handle single operation - these are operations which work on the
	// engine and then exit.

	if singleOperation != nil && singleOperation(db) {
		return
	}

	// Create the session manager and the dispatcher

	capacity := int(config.Int(config.SessionCapacity))
	idleTimeout := time.Duration(config.Int(config.SessionIdleSeconds)) * time.Second

	sessions := session.NewManager(db, capacity, idleTimeout)
	dispatcher := dispatch.New(db, sessions)

	// Start the console endpoint

	var hs *httputil.HTTPServer

	if config.Bool(config.EnableConsole) {

		registerConsoleEndpoints(sessions)

		hs = &httputil.HTTPServer{}

		var wg sync.WaitGroup
		wg.Add(1)

		consoleAddr := ":" + config.Str(config.ConsolePort)

		print("Starting console on: ", consoleAddr)

		go hs.RunHTTPServer(consoleAddr, &wg)

		// Wait until the console server has started

		wg.Wait()

		if hs.LastError != nil {
			fatal(hs.LastError)
			return
		}
	}

	// Initialise the Flight endpoint

	addr := config.Str(config.FlightHost) + ":" + config.Str(config.FlightPort)

	srv := flight.NewServerWithMiddleware(nil)

	if err := srv.Init(addr); err != nil {
		fatal(err)
		return
	}

	srv.RegisterFlightService(&flightService{dispatcher: dispatcher})

	// Create a lockfile so the server can be shut down

	lf := lockutil.NewLockFile(basepath+config.Str(config.LockFile),
		time.Duration(2)*time.Second)

	lf.Start()

	go func() {

		// Check if the lockfile watcher is running and
		// call shutdown once it has finished

		for lf.WatcherRunning() {
			time.Sleep(time.Duration(1) * time.Second)
		}

		print("Lockfile was modified")

		if hs != nil {
			hs.Shutdown()
		}

		srv.Shutdown()
	}()

	logEvent("Listening on: ", addr)

	if err := srv.Serve(); err != nil {
		fatal(err)
		return
	}

	print("Shutting down")
}

/*
engineConfig builds the engine configuration document. An explicitly
configured engine config file takes precedence; otherwise a minimal
document pointing at the datastore location is built.
*/
func engineConfig() (string, error) {

	if file := config.Str(config.EngineConfigFile); file != "" {
		if ok, _ := fileutil.PathExists(file); ok {
			content, err := ioutil.ReadFile(file)
			if err != nil {
				return "", err
			}

			return string(content), nil
		}
	}

	return fmt.Sprintf(`{
    "version": "1.0",
    "directory": %q,
    "data_directories": [],
    "engine": {
        "config_url": "",
        "config_file_path": "",
        "config": {}
    }}`, filepath.Join(basepath, config.Str(config.LocationDatastore))), nil
}

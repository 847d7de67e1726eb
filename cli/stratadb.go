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
StrataDB is a multi-modal database server. It exposes a transactional
key-value substrate over an Arrow Flight (gRPC) endpoint; binary,
document, graph and path data are projections over that substrate.

Usage:

	stratadb [options]

The options are:

	--config <path>  Configuration file path
	-p, --port <n>   Port of the Flight endpoint (default 38709)
	-q, --quiet      Silence outputs
	-h, --help       Print usage information and exit
*/
package main

import (
	"flag"
	"fmt"
	"io/ioutil"
	"log"
	"os"

	"devt.de/krotik/stratadb/config"
	"devt.de/krotik/stratadb/server"
)

/*
DefaultConfigFile is the config file which is loaded when no explicit
config was given.
*/
const DefaultConfigFile = "stratadb.config.json"

func main() {
	var configFile string
	var port int
	var quiet, help bool

	flag.StringVar(&configFile, "config", DefaultConfigFile, "Configuration file path")
	flag.IntVar(&port, "p", 0, "Port of the Flight endpoint")
	flag.IntVar(&port, "port", 0, "Port of the Flight endpoint")
	flag.BoolVar(&quiet, "q", false, "Silence outputs")
	flag.BoolVar(&quiet, "quiet", false, "Silence outputs")
	flag.BoolVar(&help, "h", false, "Print usage information and exit")
	flag.BoolVar(&help, "help", false, "Print usage information and exit")

	flag.Usage = func() {
		fmt.Fprintln(flag.CommandLine.Output(), "Usage of stratadb [options]")
		flag.PrintDefaults()
	}

	flag.Parse()

	if help {
		flag.Usage()
		os.Exit(0)
	}

	if err := config.LoadConfigFile(configFile); err != nil {
		fmt.Fprintln(os.Stderr, "Could not load config file:", err)
		os.Exit(1)
	}

	if port != 0 {
		config.Config[config.FlightPort] = fmt.Sprint(port)
	}

	if quiet {
		log.SetOutput(ioutil.Discard)
	}

	server.StartServer()
}

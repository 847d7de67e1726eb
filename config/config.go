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
Package config contains the configuration of the StrataDB server.
*/
package config

import (
	"fmt"
	"path"
	"strconv"

	"devt.de/krotik/common/errorutil"
	"devt.de/krotik/common/fileutil"
)

// Global variables
// ================

/*
ProductVersion is the current version of StrataDB
*/
const ProductVersion = "1.0.0"

/*
Config is the global configuration which is read by all server
components
*/
var Config map[string]interface{}

// Configuration keys
// ==================

/*
Known configuration options for StrataDB
*/
const (
	MemoryOnlyStorage  = "MemoryOnlyStorage"
	LocationDatastore  = "LocationDatastore"
	EngineConfigFile   = "EngineConfigFile"
	FlightPort         = "FlightPort"
	FlightHost         = "FlightHost"
	SessionCapacity    = "SessionCapacity"
	SessionIdleSeconds = "SessionIdleSeconds"
	EnableConsole      = "EnableConsole"
	ConsolePort        = "ConsolePort"
	LockFile           = "LockFile"
)

/*
DefaultConfig is the defaut configuration
*/
var DefaultConfig = map[string]interface{}{
	MemoryOnlyStorage:  false,
	LocationDatastore:  "db",
	EngineConfigFile:   "",
	FlightHost:         "0.0.0.0",
	FlightPort:         "38709",
	SessionCapacity:    "4096",
	SessionIdleSeconds: "30",
	EnableConsole:      false,
	ConsolePort:        "38710",
	LockFile:           "stratadb.lck",
}

/*
LoadConfigFile loads a given config file. If the config file does not exist
it is created with the default options.
*/
func LoadConfigFile(configfile string) error {
	var err error

	Config, err = fileutil.LoadConfig(configfile, DefaultConfig)

	return err
}

/*
LoadDefaultConfig loads the default configuration.
*/
func LoadDefaultConfig() {
	data := make(map[string]interface{})
	for k, v := range DefaultConfig {
		data[k] = v
	}

	Config = data
}

// Helper functions
// ================

/*
Str reads a config value as a string value.
*/
func Str(key string) string {
	return fmt.Sprint(Config[key])
}

/*
Int reads a config value as an int value.
*/
func Int(key string) int64 {
	ret, err := strconv.ParseInt(fmt.Sprint(Config[key]), 10, 64)

	errorutil.AssertTrue(err == nil,
		fmt.Sprintf("Could not parse config key %v: %v", key, err))

	return ret
}

/*
Bool reads a config value as a boolean value.
*/
func Bool(key string) bool {
	ret, err := strconv.ParseBool(fmt.Sprint(Config[key]))

	errorutil.AssertTrue(err == nil,
		fmt.Sprintf("Could not parse config key %v: %v", key, err))

	return ret
}

/*
DatastorePath returns a path within the datastore location.
*/
func DatastorePath(parts ...string) string {
	return path.Join(append([]string{Str(LocationDatastore)}, parts...)...)
}

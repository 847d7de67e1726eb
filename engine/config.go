/*
 * StrataDB
 *
 * Copyright 2016 Matthias Ladkau. All rights reserved.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package engine

import (
	"encoding/json"
	"os"
	"strings"
)

/*
DefaultDirectory is the datastore directory which is used when the
engine config does not name one.
*/
const DefaultDirectory = "./tmp/stratadb/"

/*
Config is the engine configuration document. The document is JSON; an
empty document selects the defaults.
*/
type Config struct {
	Version         string        `json:"version"`          // Config format version
	Directory       string        `json:"directory"`        // Main datastore directory
	DataDirectories []string      `json:"data_directories"` // Additional data directories
	Engine          EngineSection `json:"engine"`           // Backend specific section
}

/*
EngineSection is the backend specific part of the engine configuration.
*/
type EngineSection struct {
	ConfigURL      string                 `json:"config_url"`       // URL of a remote backend config
	ConfigFilePath string                 `json:"config_file_path"` // Path of a backend config file
	Config         map[string]interface{} `json:"config"`           // Inline backend config
}

/*
ParseConfig parses an engine configuration document. An empty document
produces the default configuration and ensures the default datastore
directory exists.
*/
func ParseConfig(doc string) (*Config, error) {
	var conf Config

	if strings.TrimSpace(doc) == "" {

		if err := os.MkdirAll(DefaultDirectory, 0770); err != nil {
			return nil, NewError(ErrEngine, err.Error())
		}

		return &Config{
			Version:         "1.0",
			Directory:       DefaultDirectory,
			DataDirectories: nil,
			Engine:          EngineSection{Config: make(map[string]interface{})},
		}, nil
	}

	if err := json.Unmarshal([]byte(doc), &conf); err != nil {
		return nil, NewError(ErrArgsWrong, "Invalid engine config: "+err.Error())
	}

	if conf.Directory == "" {
		conf.Directory = DefaultDirectory
	}

	if conf.Engine.Config == nil {
		conf.Engine.Config = make(map[string]interface{})
	}

	return &conf, nil
}

/*
BackendOption reads a string option from the backend specific config
section.
*/
func (c *Config) BackendOption(key string) string {
	if v, ok := c.Engine.Config[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}

	return ""
}

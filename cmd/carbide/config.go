// Copyright 2025 The carbide Authors
// This file is part of carbide.
//
// carbide is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// carbide is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with carbide. If not, see <http://www.gnu.org/licenses/>.

package main

import (
	"fmt"
	"os"

	"github.com/carbide-eth/carbide/consensus/beacon"
	"github.com/carbide-eth/carbide/prune"
	"github.com/naoina/toml"
)

// Config is the TOML-backed node configuration. CLI flags override whatever
// the file provides.
type Config struct {
	DataDir   string
	Verbosity int

	DBCache   int
	DBHandles int

	Engine beacon.Config
	Prune  prune.Config
}

// defaultConfig are the node defaults, before file and flag overrides.
func defaultConfig() Config {
	return Config{
		DataDir:   "carbide-data",
		Verbosity: 3,
		DBCache:   512,
		DBHandles: 128,
		Engine:    beacon.DefaultConfig,
		Prune:     prune.DefaultConfig,
	}
}

// loadConfig merges the TOML file at the given path into the config.
func loadConfig(path string, cfg *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := toml.NewDecoder(f).Decode(cfg); err != nil {
		return fmt.Errorf("invalid config file %s: %w", path, err)
	}
	return nil
}

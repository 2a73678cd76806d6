// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package main

import (
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/wallgrid/hub/service"

	"github.com/BurntSushi/toml"
	"github.com/kelseyhightower/envconfig"
)

// loadConfig builds the effective configuration: defaults, overlaid by the
// config file if present, overlaid by HUB_* environment variables.
func loadConfig(path string) (service.Config, error) {
	var cfg service.Config
	cfg.SetDefaults()

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		log.Printf("hub: config file not found at %s, using defaults", path)
	} else if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to decode config file: %w", err)
	}

	if err := envconfig.Process("hub", &cfg); err != nil {
		return cfg, err
	}

	return cfg, nil
}

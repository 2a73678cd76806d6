// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package service

import (
	"fmt"
	"time"

	"github.com/wallgrid/hub/logger"
	"github.com/wallgrid/hub/service/api"
)

type SecurityConfig struct {
	// Whether or not to require authentication for admin operations.
	EnableAdmin bool `toml:"enable_admin"`
	// The secret key used to authenticate admin connections.
	AdminSecretKey string `toml:"admin_secret_key"`
}

func (c SecurityConfig) IsValid() error {
	if !c.EnableAdmin {
		return nil
	}

	if c.AdminSecretKey == "" {
		return fmt.Errorf("invalid AdminSecretKey value: should not be empty")
	}

	return nil
}

type APIConfig struct {
	HTTP     api.Config     `toml:"http"`
	Security SecurityConfig `toml:"security"`
}

func (c APIConfig) IsValid() error {
	if err := c.Security.IsValid(); err != nil {
		return fmt.Errorf("failed to validate security config: %w", err)
	}

	if err := c.HTTP.IsValid(); err != nil {
		return fmt.Errorf("failed to validate http config: %w", err)
	}

	return nil
}

type RegistryConfig struct {
	// StaleTTLSeconds controls how long a disconnected viewer's record
	// is retained before being garbage collected, discarding its region.
	StaleTTLSeconds int `toml:"stale_ttl_seconds"`
}

func (c RegistryConfig) IsValid() error {
	if c.StaleTTLSeconds <= 0 {
		return fmt.Errorf("invalid StaleTTLSeconds value: should be greater than 0")
	}
	return nil
}

func (c RegistryConfig) StaleTTL() time.Duration {
	return time.Duration(c.StaleTTLSeconds) * time.Second
}

type StoreConfig struct {
	DataSource string `toml:"data_source"`
}

func (c StoreConfig) IsValid() error {
	if c.DataSource == "" {
		return fmt.Errorf("invalid DataSource value: should not be empty")
	}
	return nil
}

type Config struct {
	API      APIConfig
	Registry RegistryConfig
	Store    StoreConfig
	Logger   logger.Config
}

func (c Config) IsValid() error {
	if err := c.API.IsValid(); err != nil {
		return err
	}

	if err := c.Registry.IsValid(); err != nil {
		return err
	}

	if err := c.Store.IsValid(); err != nil {
		return err
	}

	if err := c.Logger.IsValid(); err != nil {
		return err
	}

	return nil
}

func (c *Config) SetDefaults() {
	c.API.HTTP.ListenAddress = ":3000"
	c.Registry.StaleTTLSeconds = 1800
	c.Store.DataSource = "/tmp/hub_db"
	c.Logger.EnableConsole = true
	c.Logger.ConsoleJSON = false
	c.Logger.ConsoleLevel = "INFO"
	c.Logger.EnableFile = true
	c.Logger.FileJSON = true
	c.Logger.FileLocation = "hub.log"
	c.Logger.FileLevel = "DEBUG"
	c.Logger.EnableColor = false
}

// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/wallgrid/hub/service"
)

const (
	exitOK            = 0
	exitBindFailure   = 2
	exitFatalInternal = 3
)

func main() {
	var configPath string
	var port int
	var staleTTLSeconds int
	flag.StringVar(&configPath, "config", "config/config.toml", "Path to the configuration file for the hub.")
	flag.IntVar(&port, "port", 3000, "Port the hub should listen on.")
	flag.IntVar(&staleTTLSeconds, "stale-ttl-seconds", 1800, "How long disconnected viewer records are retained, in seconds.")
	flag.Parse()

	cfg, err := loadConfig(configPath)
	if err != nil {
		log.Fatalf("hub: failed to load config: %s", err.Error())
	}

	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "port":
			cfg.API.HTTP.ListenAddress = fmt.Sprintf(":%d", port)
		case "stale-ttl-seconds":
			cfg.Registry.StaleTTLSeconds = staleTTLSeconds
		}
	})

	if err := cfg.IsValid(); err != nil {
		log.Fatalf("hub: failed to validate config: %s", err.Error())
	}

	srv, err := service.New(cfg)
	if err != nil {
		log.Fatalf("hub: failed to create service: %s", err.Error())
	}

	if err := srv.Start(); err != nil {
		log.Printf("hub: failed to start service: %s", err.Error())
		os.Exit(exitBindFailure)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sig:
	case err := <-srv.FatalCh():
		log.Printf("hub: fatal invariant violation: %s", err.Error())
		_ = srv.Stop()
		os.Exit(exitFatalInternal)
	}

	if err := srv.Stop(); err != nil {
		log.Fatalf("hub: failed to stop service: %s", err.Error())
	}

	os.Exit(exitOK)
}

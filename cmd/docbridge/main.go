/*
 * Copyright 2022 RapidLoop, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/docbridge/docbridge"
)

var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	var (
		showVersion bool
		check       bool
		logType     string
		noColor     bool
		asYAML      bool
	)
	pflag.BoolVarP(&showVersion, "version", "v", false, "show version and exit")
	pflag.BoolVarP(&check, "check", "c", false, "validate the configuration file and exit")
	pflag.StringVarP(&logType, "logtype", "l", "console", "log output format: console or json")
	pflag.BoolVar(&noColor, "no-color", false, "disable colored console logging")
	pflag.BoolVarP(&asYAML, "yaml", "y", false, "parse the configuration file as YAML instead of JSON")
	pflag.Parse()

	if showVersion {
		fmt.Println("docbridge", version)
		return 0
	}

	args := pflag.Args()
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: docbridge [flags] <config-file>")
		return 2
	}

	logger := newLogger(logType, noColor)

	cfg, err := loadConfig(args[0], asYAML)
	if err != nil {
		logger.Error().Err(err).Msg("failed to load configuration")
		return 2
	}

	if check {
		ok := true
		for _, r := range cfg.Validate() {
			ev := logger.Info()
			if !r.Warn {
				ev = logger.Error()
				ok = false
			}
			ev.Msg(r.Message)
		}
		if ok {
			return 0
		}
		return 2
	}
	if err := cfg.IsValid(); err != nil {
		logger.Error().Err(err).Msg("invalid configuration")
		return 2
	}

	return serve(cfg, logger)
}

func newLogger(logType string, noColor bool) zerolog.Logger {
	var w zerolog.ConsoleWriter
	if logType == "json" {
		return zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	w = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	w.NoColor = noColor || !isatty.IsTerminal(os.Stderr.Fd())
	return zerolog.New(w).With().Timestamp().Logger()
}

func loadConfig(path string, asYAML bool) (*docbridge.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	// JSON is a subset of YAML, so goccy/go-yaml parses either regardless
	// of asYAML; the flag is kept for config-file-extension clarity.
	var cfg docbridge.Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return &cfg, nil
}

func serve(cfg *docbridge.Config, logger zerolog.Logger) int {
	ctx := context.Background()

	storage, err := docbridge.NewStorage(ctx, cfg.SQL, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to connect to SQL backend")
		return 1
	}
	defer storage.Close()

	dispatcher := docbridge.NewDispatcher(storage, cfg)

	server := docbridge.NewServer(cfg, dispatcher, logger)
	if err := server.Start(); err != nil {
		logger.Error().Err(err).Msg("failed to start listener")
		return 1
	}

	scheduler := docbridge.NewMaintenanceScheduler(storage, logger)
	if err := scheduler.Start(); err != nil {
		logger.Error().Err(err).Msg("failed to start maintenance scheduler")
		server.Stop()
		return 1
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	<-sig

	logger.Info().Msg("shutting down")
	scheduler.Stop()
	server.Stop()
	return 0
}

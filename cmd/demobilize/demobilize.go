//  Copyright 2025 The demobilize Authors
//
//  Licensed under the Apache License, Version 2.0 (the "License");
//  you may not use this file except in compliance with the License.
//  You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
//  Unless required by applicable law or agreed to in writing, software
//  distributed under the License is distributed on an "AS IS" BASIS,
//  WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
//  See the License for the specific language governing permissions and
//  limitations under the License.

// Package main is the demobilize binary: it migrates directory-bound mobile
// accounts into self-contained local accounts.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/GoogleCloudPlatform/galog"

	"github.com/macfleet/demobilize/cmd/demobilize/commands"
	"github.com/macfleet/demobilize/internal/cfg"
	"github.com/macfleet/demobilize/internal/logger"
	"github.com/macfleet/demobilize/internal/migrate"
)

// version is the version of the binary, set at build time.
var version = "unknown"

// galogShutdownTimeout is the period of time we should wait for galog to
// shutdown.
const galogShutdownTimeout = time.Second

// readExtraConfig reads the extra config from the file set in the environment
// variable.
func readExtraConfig() ([]byte, error) {
	configPath := os.Getenv("DEMOBILIZE_EXTRA_CONFIG")
	if configPath == "" {
		return nil, nil
	}
	return os.ReadFile(configPath)
}

func main() {
	ctx := context.Background()

	extraCfg, err := readExtraConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Failed to read extra config:", err)
		os.Exit(migrate.ExitFatal)
	}
	if err := cfg.Load(extraCfg); err != nil {
		fmt.Fprintln(os.Stderr, "Failed to load config:", err)
		os.Exit(migrate.ExitFatal)
	}

	// Set the version of the binary as soon as config is loaded for any other
	// modules to use.
	cfg.Retrieve().Core.Version = version

	logOpts := logger.Options{
		Ident:          logger.LocalLoggerIdent,
		ProgramVersion: version,
		LogToStderr:    true,
		Level:          cfg.Retrieve().Core.LogLevel,
		Verbosity:      cfg.Retrieve().Core.LogVerbosity,
		LogFile:        cfg.Retrieve().Core.LogFile,
	}

	if err := logger.Init(ctx, logOpts); err != nil {
		fmt.Fprintln(os.Stderr, "Failed to initialize logger:", err)
		os.Exit(migrate.ExitFatal)
	}

	rootCmd := commands.NewRootCommand(version)
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		galog.Errorf("%v", err)
		galog.Shutdown(galogShutdownTimeout)

		var exitErr *migrate.ExitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.Code)
		}
		os.Exit(migrate.ExitFatal)
	}

	galog.Shutdown(galogShutdownTimeout)
}

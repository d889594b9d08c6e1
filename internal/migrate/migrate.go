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

// Package migrate orchestrates a whole migration run: environment probe,
// one-shot domain unbind, candidate enumeration and the strictly sequential
// per-account classify, convert, reconcile loop.
package migrate

import (
	"context"
	"fmt"
	"os"

	"github.com/GoogleCloudPlatform/galog"

	"github.com/macfleet/demobilize/internal/accounts"
	"github.com/macfleet/demobilize/internal/audit"
	"github.com/macfleet/demobilize/internal/cfg"
	"github.com/macfleet/demobilize/internal/classify"
	"github.com/macfleet/demobilize/internal/convert"
	"github.com/macfleet/demobilize/internal/osinfo"
	"github.com/macfleet/demobilize/internal/reconcile"
	"github.com/macfleet/demobilize/internal/unbind"
)

const (
	// ExitFatal is the exit code of fatal failures: a missing required tool,
	// the zero group id guard or a verification failure.
	ExitFatal = 1
	// ExitProbe is the exit code of environment probe failures.
	ExitProbe = 2
)

// geteuid is swapped in unit tests.
var geteuid = os.Geteuid

// Options are the migration run options.
type Options struct {
	// DryRun stops after classification and reports what would be converted.
	DryRun bool
	// SkipUnbind skips the one-shot domain unbind (i.e. the host was unbound
	// in an earlier run).
	SkipUnbind bool
	// Unbind carries the forced-unbind domain credentials.
	Unbind unbind.Credentials
}

// ExitError carries the process exit code for a failed run.
type ExitError struct {
	// Code is the process exit code.
	Code int
	// Err is the underlying error.
	Err error
}

// Error returns the error message.
func (e *ExitError) Error() string {
	return e.Err.Error()
}

// Unwrap returns the underlying error.
func (e *ExitError) Unwrap() error {
	return e.Err
}

// Run performs a whole migration run.
func Run(ctx context.Context, opts Options) error {
	if err := probeEnvironment(ctx); err != nil {
		return &ExitError{Code: ExitProbe, Err: fmt.Errorf("environment probe failed: %w", err)}
	}

	if err := resolveTools(); err != nil {
		return &ExitError{Code: ExitFatal, Err: err}
	}

	auditRun, err := audit.Begin()
	if err != nil {
		return &ExitError{Code: ExitFatal, Err: err}
	}

	var runErr error
	defer func() {
		if err := auditRun.Close(runErr); err != nil {
			galog.Errorf("Could not finalize audit run: %v", err)
		}
	}()

	if opts.SkipUnbind {
		galog.Infof("Skipping domain unbind on request.")
	} else if err := unbind.Run(ctx, opts.Unbind); err != nil {
		runErr = err
		return &ExitError{Code: ExitFatal, Err: err}
	}

	candidates, err := accounts.ListCandidates(ctx)
	if err != nil {
		runErr = err
		return &ExitError{Code: ExitFatal, Err: err}
	}
	galog.Infof("Found %d candidate accounts.", len(candidates))

	if err := auditRun.WriteIdentities(candidates); err != nil {
		galog.Errorf("Could not write identity dump: %v", err)
	}

	if opts.DryRun {
		runErr = dryRun(ctx, candidates, auditRun)
		return runErr
	}

	staff, err := accounts.FindGroup(ctx, cfg.Retrieve().Conversion.StaffGroup)
	if err != nil {
		runErr = fmt.Errorf("could not resolve staff group: %w", err)
		return &ExitError{Code: ExitFatal, Err: runErr}
	}

	engine := convert.NewEngine()

	// Strictly sequential: one account is processed start-to-finish before the
	// next begins. The cache refresh and verification require a globally
	// consistent view between mutation and check.
	for _, user := range candidates {
		outcome, err := engine.Convert(ctx, user)
		if err != nil {
			// Both fatal checks and record store failures halt the whole run:
			// an aborted run leaves no ambiguity about which accounts were
			// touched.
			auditRun.Record(user.Username, audit.Failed, err.Error())
			runErr = err
			return &ExitError{Code: ExitFatal, Err: err}
		}

		if outcome.Skipped {
			auditRun.Record(user.Username, audit.Skipped, outcome.SkipReason)
			continue
		}

		if err := reconcile.Home(ctx, reconcile.Options{
			User:   user,
			OldGID: outcome.OldGID,
			Staff:  staff,
			Audit:  auditRun,
		}); err != nil {
			galog.Errorf("Home reconciliation of %s failed: %v", user.Username, err)
		}

		if err := reconcile.Sweep(outcome.OldGID, staff); err != nil {
			galog.Errorf("Filesystem sweep for %s failed: %v", user.Username, err)
		}

		auditRun.Record(user.Username, audit.Converted, "")
	}

	galog.Infof("Migration run complete.")
	return nil
}

// dryRun classifies every candidate and reports what a real run would do.
func dryRun(ctx context.Context, candidates []*accounts.User, auditRun *audit.Run) error {
	for _, user := range candidates {
		cls, err := classify.Classify(ctx, user.Username)
		if err != nil {
			return &ExitError{Code: ExitFatal, Err: err}
		}
		if cls.Convertible() {
			galog.Infof("Would convert %s (%s).", user.Username, cls)
		} else {
			galog.Infof("Would skip %s (%s).", user.Username, cls)
		}
		auditRun.Record(user.Username, audit.Skipped, fmt.Sprintf("dry-run: %s", cls))
	}
	return nil
}

// probeEnvironment validates the run can start at all: effective root and a
// readable OS product version.
func probeEnvironment(ctx context.Context) error {
	if uid := geteuid(); uid != 0 {
		return fmt.Errorf("must run as root, running as uid %d", uid)
	}

	info, err := osinfo.Read(ctx)
	if err != nil {
		return fmt.Errorf("could not read OS product version: %w", err)
	}
	galog.Infof("Running on %s %s.", info.OS, info.VersionID)
	return nil
}

// resolveTools verifies every configured external tool exists. A missing
// required tool is fatal before any account is touched.
func resolveTools() error {
	tools := cfg.Retrieve().Tools
	for name, path := range map[string]string{
		"dscl":        tools.Dscl,
		"dseditgroup": tools.Dseditgroup,
		"dsconfigad":  tools.Dsconfigad,
		"sw_vers":     tools.SwVers,
	} {
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("required tool %s not found at %s: %w", name, path, err)
		}
	}
	return nil
}

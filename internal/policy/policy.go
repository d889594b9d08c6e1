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

// Package policy consumes the external administrative-rights policy signal.
// The signal is an opaque external fact, this package only compares it against
// a literal truthy string - it never computes policy itself.
package policy

import (
	"context"
	"strings"

	"github.com/GoogleCloudPlatform/galog"
	"github.com/macfleet/demobilize/internal/cfg"
	"github.com/macfleet/demobilize/internal/run"
)

// truthyFact is the literal the external fact is compared against.
const truthyFact = "true"

// Signal is the three-valued administrative-rights policy signal.
type Signal int

const (
	// Unavailable means the fact source is unset, unreachable or empty. The
	// grant is skipped.
	Unavailable Signal = iota
	// Grant means the account must be added to the local admin group.
	Grant
	// Deny means the account must not be granted administrative rights.
	Deny
)

// String returns the human readable signal name.
func (s Signal) String() string {
	switch s {
	case Grant:
		return "grant"
	case Deny:
		return "deny"
	default:
		return "unavailable"
	}
}

// AdminSignal consults the configured fact command and derives the signal.
// Consulting the signal never fails a conversion, all failure modes collapse
// into Unavailable.
func AdminSignal(ctx context.Context) Signal {
	factCmd := cfg.Retrieve().Conversion.AdminFactCmd
	if factCmd == "" {
		galog.V(1).Debugf("No admin fact command configured, admin policy signal unavailable.")
		return Unavailable
	}

	tokens := strings.Fields(factCmd)
	res, err := run.WithContext(ctx, run.Options{
		OutputType: run.OutputStdout,
		Name:       tokens[0],
		Args:       tokens[1:],
	})
	if err != nil {
		galog.Warnf("Admin fact command %q failed, treating signal as unavailable: %v", factCmd, err)
		return Unavailable
	}

	fact := strings.TrimSpace(res.Output)
	if fact == "" {
		return Unavailable
	}
	if fact == truthyFact {
		return Grant
	}
	return Deny
}

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

// Package unbind force-removes the host's domain binding and normalizes the
// search-path configuration. It runs once, before any account is touched.
package unbind

import (
	"context"
	"fmt"
	"strings"

	"github.com/GoogleCloudPlatform/galog"
	"github.com/macfleet/demobilize/internal/cfg"
	"github.com/macfleet/demobilize/internal/dscl"
	"github.com/macfleet/demobilize/internal/run"
)

const (
	// searchPolicyAttr is the attribute selecting which search policy a
	// search node follows.
	searchPolicyAttr = "SearchPolicy"
	// customSearchPolicy is the custom search path policy value.
	customSearchPolicy = "dsAttrTypeStandard:CSPSearchPath"
	// customSearchPathAttr holds the ordered custom search path entries.
	customSearchPathAttr = "CSPSearchPath"
	// domainNodePrefix identifies domain entries in the search path.
	domainNodePrefix = "/Active Directory"
)

// Credentials are the domain credentials used for the forced unbind. The
// password never reaches logs.
type Credentials struct {
	Username string
	Password string
}

// Run force-unbinds the host from the domain and drops domain nodes from both
// search-policy paths. Errors here are environment errors: no account has been
// touched yet, the whole run must stop.
func Run(ctx context.Context, creds Credentials) error {
	galog.Infof("Force-removing domain binding.")
	args := []string{"-remove", "-force"}
	if creds.Username != "" {
		args = append(args, "-username", creds.Username, "-password", creds.Password)
	}

	if _, err := run.WithContext(ctx, run.Options{
		OutputType: run.OutputCombined,
		Name:       cfg.Retrieve().Tools.Dsconfigad,
		Args:       args,
	}); err != nil {
		return fmt.Errorf("forced unbind failed: %w", err)
	}

	config := cfg.Retrieve().Directory
	for _, node := range []string{config.SearchPath, config.ContactsSearchPath} {
		if err := normalizeSearchPath(ctx, node); err != nil {
			return err
		}
	}

	galog.Infof("Domain binding removed, search paths normalized.")
	return nil
}

// normalizeSearchPath switches the node to the custom search path policy and
// removes any remaining domain entries from it.
func normalizeSearchPath(ctx context.Context, node string) error {
	galog.V(1).Debugf("Normalizing search policy of %s.", node)
	if err := dscl.Create(ctx, node, "/", searchPolicyAttr, customSearchPolicy); err != nil {
		return fmt.Errorf("could not set search policy on %s: %w", node, err)
	}

	entries, err := dscl.Read(ctx, node, "/", customSearchPathAttr)
	if err != nil {
		// A freshly normalized node may not carry custom entries at all.
		galog.V(1).Debugf("No custom search path entries on %s: %v", node, err)
		return nil
	}

	for _, entry := range entries {
		if !strings.HasPrefix(entry, domainNodePrefix) {
			continue
		}
		galog.Infof("Removing domain node %q from search path %s.", entry, node)
		if err := dscl.DeleteValue(ctx, node, "/", customSearchPathAttr, entry); err != nil {
			return fmt.Errorf("could not remove %q from %s: %w", entry, node, err)
		}
	}

	return nil
}

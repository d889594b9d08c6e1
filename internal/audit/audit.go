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

// Package audit writes the per-run audit artifacts: the identity dump, the
// per-account home listings and the run manifest. Artifacts are write-only,
// append-or-create, and never read back by the tool.
package audit

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/GoogleCloudPlatform/galog"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/macfleet/demobilize/internal/accounts"
	"github.com/macfleet/demobilize/internal/cfg"
)

// Outcome is the recorded per-account outcome.
type Outcome string

const (
	// Converted marks an account converted and verified.
	Converted Outcome = "converted"
	// Skipped marks an account that was not a conversion target.
	Skipped Outcome = "skipped"
	// Failed marks an account whose conversion failed.
	Failed Outcome = "failed"
)

// AccountResult is one account's recorded outcome.
type AccountResult struct {
	Username string  `yaml:"username"`
	Outcome  Outcome `yaml:"outcome"`
	Reason   string  `yaml:"reason,omitempty"`
}

// Manifest is the run manifest written on close.
type Manifest struct {
	RunID    string          `yaml:"run_id"`
	Started  time.Time       `yaml:"started"`
	Finished time.Time       `yaml:"finished"`
	Accounts []AccountResult `yaml:"accounts"`
	Error    string          `yaml:"error,omitempty"`
}

// Run is one migration run's audit sink.
type Run struct {
	// ID is the run's unique id.
	ID string
	// Dir is the run's artifact directory.
	Dir string

	manifest Manifest
}

// Begin creates the run's artifact directory under the configured audit log
// directory.
func Begin() (*Run, error) {
	id := uuid.New().String()
	started := time.Now()

	dir := filepath.Join(cfg.Retrieve().Audit.LogDir, fmt.Sprintf("run-%s-%s", started.Format("20060102-150405"), id[:8]))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("could not create audit directory %s: %w", dir, err)
	}

	galog.Infof("Audit artifacts for run %s written to %s.", id, dir)
	return &Run{
		ID:       id,
		Dir:      dir,
		manifest: Manifest{RunID: id, Started: started},
	}, nil
}

// WriteIdentities writes the pre-run identity dump of all candidates.
func (r *Run) WriteIdentities(users []*accounts.User) error {
	f, err := r.CreateLog("identities.txt")
	if err != nil {
		return err
	}
	defer f.Close()

	for _, u := range users {
		if _, err := fmt.Fprintf(f, "%s uid=%s gid=%s home=%s\n", u.Username, u.UID, u.GID, u.HomeDir); err != nil {
			return fmt.Errorf("could not write identity dump: %w", err)
		}
	}
	return nil
}

// CreateLog opens a named artifact file in the run directory with
// append-or-create semantics.
func (r *Run) CreateLog(name string) (*os.File, error) {
	path := filepath.Join(r.Dir, name)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("could not open audit file %s: %w", path, err)
	}
	return f, nil
}

// Record records one account's outcome for the manifest.
func (r *Run) Record(username string, outcome Outcome, reason string) {
	r.manifest.Accounts = append(r.manifest.Accounts, AccountResult{
		Username: username,
		Outcome:  outcome,
		Reason:   reason,
	})
}

// Close finalizes the run and writes the manifest. A non-nil runErr is
// recorded in the manifest.
func (r *Run) Close(runErr error) error {
	r.manifest.Finished = time.Now()
	if runErr != nil {
		r.manifest.Error = runErr.Error()
	}

	data, err := yaml.Marshal(&r.manifest)
	if err != nil {
		return fmt.Errorf("could not marshal run manifest: %w", err)
	}

	path := filepath.Join(r.Dir, "manifest.yaml")
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("could not write run manifest %s: %w", path, err)
	}
	return nil
}

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

package audit

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gopkg.in/yaml.v3"

	"github.com/macfleet/demobilize/internal/accounts"
	"github.com/macfleet/demobilize/internal/cfg"
)

func setupAuditDir(t *testing.T) string {
	t.Helper()
	if err := cfg.Load(nil); err != nil {
		t.Fatalf("cfg.Load(nil) failed: %v", err)
	}
	dir := t.TempDir()
	oldDir := cfg.Retrieve().Audit.LogDir
	cfg.Retrieve().Audit.LogDir = dir
	t.Cleanup(func() { cfg.Retrieve().Audit.LogDir = oldDir })
	return dir
}

func TestBegin(t *testing.T) {
	dir := setupAuditDir(t)

	run, err := Begin()
	if err != nil {
		t.Fatalf("Begin() returned error: %v", err)
	}

	if run.ID == "" {
		t.Errorf("Begin() returned empty run id")
	}
	if !strings.HasPrefix(run.Dir, dir) {
		t.Errorf("Begin() run dir = %q, want it under %q", run.Dir, dir)
	}
	if !strings.Contains(filepath.Base(run.Dir), run.ID[:8]) {
		t.Errorf("Begin() run dir %q does not carry the run id prefix %q", run.Dir, run.ID[:8])
	}
	if st, err := os.Stat(run.Dir); err != nil || !st.IsDir() {
		t.Errorf("Begin() did not create the run directory: %v", err)
	}
}

func TestWriteIdentities(t *testing.T) {
	setupAuditDir(t)

	run, err := Begin()
	if err != nil {
		t.Fatalf("Begin() returned error: %v", err)
	}

	users := []*accounts.User{
		{Username: "jdoe", UID: "1205", GID: "99", HomeDir: "/Users/jdoe"},
		{Username: "asmith", UID: "1206", GID: "20", HomeDir: "/Users/asmith"},
	}
	if err := run.WriteIdentities(users); err != nil {
		t.Fatalf("WriteIdentities() returned error: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(run.Dir, "identities.txt"))
	if err != nil {
		t.Fatalf("could not read identity dump: %v", err)
	}
	for _, want := range []string{"jdoe uid=1205 gid=99 home=/Users/jdoe", "asmith uid=1206 gid=20 home=/Users/asmith"} {
		if !strings.Contains(string(data), want) {
			t.Errorf("identity dump missing %q, got:\n%s", want, data)
		}
	}
}

func TestCreateLogAppends(t *testing.T) {
	setupAuditDir(t)

	run, err := Begin()
	if err != nil {
		t.Fatalf("Begin() returned error: %v", err)
	}

	for _, line := range []string{"first\n", "second\n"} {
		f, err := run.CreateLog("jdoe-home.txt")
		if err != nil {
			t.Fatalf("CreateLog() returned error: %v", err)
		}
		if _, err := f.WriteString(line); err != nil {
			t.Fatalf("could not write log line: %v", err)
		}
		f.Close()
	}

	data, err := os.ReadFile(filepath.Join(run.Dir, "jdoe-home.txt"))
	if err != nil {
		t.Fatalf("could not read log: %v", err)
	}
	if got := string(data); got != "first\nsecond\n" {
		t.Errorf("CreateLog() content = %q, want both lines appended", got)
	}
}

func TestManifest(t *testing.T) {
	setupAuditDir(t)

	run, err := Begin()
	if err != nil {
		t.Fatalf("Begin() returned error: %v", err)
	}

	run.Record("jdoe", Converted, "")
	run.Record("asmith", Skipped, "not a conversion target: local account")
	run.Record("broken", Failed, "verification failed")

	if err := run.Close(errors.New("run aborted")); err != nil {
		t.Fatalf("Close() returned error: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(run.Dir, "manifest.yaml"))
	if err != nil {
		t.Fatalf("could not read manifest: %v", err)
	}

	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		t.Fatalf("could not unmarshal manifest: %v", err)
	}

	if manifest.RunID != run.ID {
		t.Errorf("manifest run id = %q, want %q", manifest.RunID, run.ID)
	}
	if manifest.Error != "run aborted" {
		t.Errorf("manifest error = %q, want run aborted", manifest.Error)
	}
	if manifest.Finished.Before(manifest.Started) {
		t.Errorf("manifest finished %v before started %v", manifest.Finished, manifest.Started)
	}

	want := []AccountResult{
		{Username: "jdoe", Outcome: Converted},
		{Username: "asmith", Outcome: Skipped, Reason: "not a conversion target: local account"},
		{Username: "broken", Outcome: Failed, Reason: "verification failed"},
	}
	if diff := cmp.Diff(want, manifest.Accounts); diff != "" {
		t.Errorf("manifest accounts diff (-want +got):\n%s", diff)
	}
}

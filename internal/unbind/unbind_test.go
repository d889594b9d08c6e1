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

package unbind

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/macfleet/demobilize/internal/cfg"
	"github.com/macfleet/demobilize/internal/dscl"
	"github.com/macfleet/demobilize/internal/run"
)

type runMock struct {
	err      error
	seenArgs []string
}

func (m *runMock) WithContext(ctx context.Context, opts run.Options) (*run.Result, error) {
	m.seenArgs = opts.Args
	if m.err != nil {
		return nil, m.err
	}
	return &run.Result{OutputType: opts.OutputType}, nil
}

// searchMock models the two search policy nodes.
type searchMock struct {
	dscl.ClientInterface
	policies map[string][]string
	paths    map[string][]string
	deleted  []string
}

func (m *searchMock) Create(ctx context.Context, node, record, attr string, values ...string) error {
	m.policies[node] = values
	return nil
}

func (m *searchMock) Read(ctx context.Context, node, record, attr string) ([]string, error) {
	entries, ok := m.paths[node]
	if !ok {
		return nil, fmt.Errorf("%w: %s of %s", dscl.ErrNoSuchKey, attr, node)
	}
	return entries, nil
}

func (m *searchMock) DeleteValue(ctx context.Context, node, record, attr, value string) error {
	m.deleted = append(m.deleted, node+" "+value)
	return nil
}

func setup(t *testing.T, runner *runMock, store *searchMock) {
	t.Helper()
	if err := cfg.Load(nil); err != nil {
		t.Fatalf("cfg.Load(nil) failed: %v", err)
	}
	oldRun, oldDscl := run.Client, dscl.Client
	run.Client = runner
	dscl.Client = store
	t.Cleanup(func() {
		run.Client = oldRun
		dscl.Client = oldDscl
	})
}

func TestRun(t *testing.T) {
	runner := &runMock{}
	store := &searchMock{
		policies: make(map[string][]string),
		paths: map[string][]string{
			"/Search":          {"/Local/Default", "/Active Directory/CORP/All Domains"},
			"/Search/Contacts": {"/Local/Default"},
		},
	}
	setup(t, runner, store)

	if err := Run(context.Background(), Credentials{}); err != nil {
		t.Fatalf("Run() returned error: %v", err)
	}

	if diff := cmp.Diff([]string{"-remove", "-force"}, runner.seenArgs); diff != "" {
		t.Errorf("unbind command args diff (-want +got):\n%s", diff)
	}

	for _, node := range []string{"/Search", "/Search/Contacts"} {
		if diff := cmp.Diff([]string{"dsAttrTypeStandard:CSPSearchPath"}, store.policies[node]); diff != "" {
			t.Errorf("search policy of %s diff (-want +got):\n%s", node, diff)
		}
	}

	// Only the domain entry is dropped, the local entry stays.
	want := []string{"/Search /Active Directory/CORP/All Domains"}
	if diff := cmp.Diff(want, store.deleted); diff != "" {
		t.Errorf("deleted search path entries diff (-want +got):\n%s", diff)
	}
}

func TestRunWithCredentials(t *testing.T) {
	runner := &runMock{}
	store := &searchMock{policies: make(map[string][]string), paths: map[string][]string{}}
	setup(t, runner, store)

	if err := Run(context.Background(), Credentials{Username: "admin@corp", Password: "hunter2"}); err != nil {
		t.Fatalf("Run() returned error: %v", err)
	}

	want := []string{"-remove", "-force", "-username", "admin@corp", "-password", "hunter2"}
	if diff := cmp.Diff(want, runner.seenArgs); diff != "" {
		t.Errorf("unbind command args diff (-want +got):\n%s", diff)
	}
}

func TestRunUnbindFailure(t *testing.T) {
	runner := &runMock{err: errors.New("exit status 1; credentials rejected")}
	store := &searchMock{policies: make(map[string][]string), paths: map[string][]string{}}
	setup(t, runner, store)

	if err := Run(context.Background(), Credentials{}); err == nil {
		t.Fatalf("Run() succeeded, want error")
	}
	if len(store.policies) != 0 {
		t.Errorf("Run() touched search policies after a failed unbind: %v", store.policies)
	}
}

func TestRunMissingSearchPathEntries(t *testing.T) {
	runner := &runMock{}
	store := &searchMock{policies: make(map[string][]string), paths: map[string][]string{}}
	setup(t, runner, store)

	// Nodes without custom entries are not an error.
	if err := Run(context.Background(), Credentials{}); err != nil {
		t.Fatalf("Run() returned error: %v", err)
	}
	if len(store.deleted) != 0 {
		t.Errorf("Run() deleted entries from empty search paths: %v", store.deleted)
	}
}

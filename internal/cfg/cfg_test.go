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

package cfg

import (
	"strings"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	if err := Load(nil); err != nil {
		t.Fatalf("Load(nil) failed: %v", err)
	}

	config := Retrieve()
	if got := config.Tools.Dscl; got != "/usr/bin/dscl" {
		t.Errorf("Tools.Dscl = %q, want /usr/bin/dscl", got)
	}
	if got := config.Directory.Node; got != "." {
		t.Errorf("Directory.Node = %q, want .", got)
	}
	if got := config.Directory.UsersPath; got != "/Users" {
		t.Errorf("Directory.UsersPath = %q, want /Users", got)
	}
	if got := config.Conversion.UIDFloor; got != 1000 {
		t.Errorf("Conversion.UIDFloor = %d, want 1000", got)
	}
	if got := config.Conversion.StaffGroup; got != "staff" {
		t.Errorf("Conversion.StaffGroup = %q, want staff", got)
	}
	if !config.Reconcile.EnableSweep {
		t.Errorf("Reconcile.EnableSweep = false, want true")
	}
	if got := config.Reconcile.ExcludePath; got != "/Volumes" {
		t.Errorf("Reconcile.ExcludePath = %q, want /Volumes", got)
	}
	if got := config.Audit.LogDir; got != "/Library/Logs/demobilize" {
		t.Errorf("Audit.LogDir = %q, want /Library/Logs/demobilize", got)
	}
}

func TestExtraDefaults(t *testing.T) {
	extra := `
[Conversion]
uid_floor = 500
staff_group = localusers
`
	if err := Load([]byte(extra)); err != nil {
		t.Fatalf("Load(extra) failed: %v", err)
	}
	t.Cleanup(func() { Load(nil) })

	config := Retrieve()
	if got := config.Conversion.UIDFloor; got != 500 {
		t.Errorf("Conversion.UIDFloor = %d, want 500", got)
	}
	if got := config.Conversion.StaffGroup; got != "localusers" {
		t.Errorf("Conversion.StaffGroup = %q, want localusers", got)
	}
	// Untouched sections keep their defaults.
	if got := config.Tools.Dseditgroup; got != "/usr/sbin/dseditgroup" {
		t.Errorf("Tools.Dseditgroup = %q, want /usr/sbin/dseditgroup", got)
	}
}

func TestInvalidConfig(t *testing.T) {
	oldDataSources := dataSources
	dataSources = func(extraDefaults []byte) []any {
		return []any{[]byte("[[[ not an ini file")}
	}
	t.Cleanup(func() {
		dataSources = oldDataSources
		Load(nil)
	})

	if err := Load(nil); err == nil {
		t.Errorf("Load() with invalid data source succeeded, want error")
	}
}

func TestRetrieveWithoutLoadPanics(t *testing.T) {
	oldInstance := instance
	oldPanicFc := panicFc
	instance = nil

	var panicked bool
	panicFc = func(args ...any) { panicked = true }
	t.Cleanup(func() {
		instance = oldInstance
		panicFc = oldPanicFc
	})

	Retrieve()
	if !panicked {
		t.Errorf("Retrieve() before Load() did not panic")
	}
}

func TestSettleDuration(t *testing.T) {
	tests := []struct {
		name  string
		delay string
		want  time.Duration
	}{
		{name: "default", delay: "15s", want: 15 * time.Second},
		{name: "custom", delay: "2m30s", want: 2*time.Minute + 30*time.Second},
		{name: "invalid_falls_back", delay: "soon", want: 15 * time.Second},
		{name: "empty_falls_back", delay: "", want: 15 * time.Second},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			conversion := &Conversion{SettleDelay: tc.delay}
			if got := conversion.SettleDuration(); got != tc.want {
				t.Errorf("SettleDuration() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestToString(t *testing.T) {
	if err := Load(nil); err != nil {
		t.Fatalf("Load(nil) failed: %v", err)
	}

	got, err := ToString()
	if err != nil {
		t.Fatalf("ToString() failed: %v", err)
	}
	for _, want := range []string{"[Tools]", "[Conversion]", "staff_group", "uid_floor"} {
		if !strings.Contains(got, want) {
			t.Errorf("ToString() output missing %q", want)
		}
	}
}

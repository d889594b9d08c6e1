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

// Package dsd refreshes the directory services daemon so reads following an
// attribute mutation reflect the mutated record.
package dsd

import (
	"context"
	"fmt"
	"time"

	"github.com/GoogleCloudPlatform/galog"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/macfleet/demobilize/internal/cfg"
	"github.com/macfleet/demobilize/internal/osinfo"
)

// Client is the client performing the daemon refresh.
var Client ClientInterface

// ClientInterface defines the daemon refresh operation.
type ClientInterface interface {
	// Refresh signals the directory services daemon to restart and waits the
	// configured settle delay.
	Refresh(ctx context.Context) error
}

// processClient implements ClientInterface by terminating the daemon process
// by name; launchd relaunches it on demand.
type processClient struct {
	// sleep is the settle wait, swapped in unit tests.
	sleep func(time.Duration)
}

// init initializes the package's default Client.
func init() {
	Client = &processClient{sleep: time.Sleep}
}

// Refresh signals the directory services daemon to restart and waits the
// configured settle delay.
func Refresh(ctx context.Context) error {
	return Client.Refresh(ctx)
}

// DaemonName returns the directory services daemon process name for the given
// OS version. The daemon was renamed in 10.7.
func DaemonName(v osinfo.Ver) string {
	if v.Before(10, 7) {
		return "DirectoryService"
	}
	return "opendirectoryd"
}

// Refresh terminates the daemon process by name and then blocks for the
// configured settle delay. The daemon's restart is asynchronous and
// unobservable from the outside, so a fixed wait is used instead of a poll -
// polling could race the daemon's own state transitions.
func (c *processClient) Refresh(ctx context.Context) error {
	info, err := osinfo.Read(ctx)
	if err != nil {
		return fmt.Errorf("could not determine OS version: %w", err)
	}
	name := DaemonName(info.Version)

	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return fmt.Errorf("could not enumerate processes: %w", err)
	}

	killed := false
	for _, proc := range procs {
		procName, err := proc.NameWithContext(ctx)
		if err != nil || procName != name {
			continue
		}
		galog.Infof("Terminating directory services daemon %s (pid %d).", name, proc.Pid)
		if err := proc.KillWithContext(ctx); err != nil {
			return fmt.Errorf("could not terminate %s (pid %d): %w", name, proc.Pid, err)
		}
		killed = true
	}

	if !killed {
		// Not fatal: the daemon launches on demand, the next directory read
		// will already observe the mutated record.
		galog.Warnf("Directory services daemon %s not running, nothing to refresh.", name)
	}

	settle := cfg.Retrieve().Conversion.SettleDuration()
	galog.V(1).Debugf("Waiting %s for directory services to settle.", settle)
	c.sleep(settle)
	return nil
}

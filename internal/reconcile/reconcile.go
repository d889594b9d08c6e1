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

// Package reconcile re-owns a converted account's home directory tree and
// re-groups any filesystem object still owned by the account's former domain
// group. It runs only after a conversion reached its successful terminal
// state.
package reconcile

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"

	"github.com/GoogleCloudPlatform/galog"
	"golang.org/x/sys/unix"

	"github.com/macfleet/demobilize/internal/accounts"
	"github.com/macfleet/demobilize/internal/audit"
	"github.com/macfleet/demobilize/internal/cfg"
	"github.com/macfleet/demobilize/internal/dscl"
)

var (
	// lchown and lstat are swapped in unit tests.
	lchown = unix.Lchown
	lstat  = unix.Lstat
)

// Options carries one account's reconciliation inputs.
type Options struct {
	// User is the converted account.
	User *accounts.User
	// OldGID is the former domain primary group id.
	OldGID int
	// Staff is the local staff group.
	Staff *accounts.Group
	// Audit is the run's audit sink, may be nil.
	Audit *audit.Run
}

// Home writes the audit listing of the home tree, re-owns it to the account
// and the staff group, and rewrites the record's primary group id to the
// staff group's id.
func Home(ctx context.Context, opts Options) error {
	user, staff := opts.User, opts.Staff

	if user.HomeDir == "" {
		galog.Warnf("Account %s has no home directory attribute, skipping home reconciliation.", user.Username)
	} else {
		if err := writeHomeListing(opts); err != nil {
			galog.Errorf("Could not write home listing of %s: %v", user.Username, err)
		}

		galog.Infof("Re-owning %s to %s:%s.", user.HomeDir, user.Username, staff.Name)
		if err := chownTree(user.HomeDir, user.UnixUID(), staff.UnixGID()); err != nil {
			return fmt.Errorf("could not re-own home of %s: %w", user.Username, err)
		}
	}

	galog.Infof("Rewriting primary group of %s from %d to %s (%s).", user.Username, opts.OldGID, staff.Name, staff.GID)
	if err := dscl.Create(ctx, dscl.LocalNode(), accounts.UserPath(user.Username), "PrimaryGroupID", staff.GID); err != nil {
		return fmt.Errorf("could not rewrite primary group of %s: %w", user.Username, err)
	}

	return nil
}

// Sweep walks the whole filesystem from the configured root, skipping the
// configured exclusion path, and re-groups to staff every object still group
// owned by the former domain group id. The sweep is one coarse grained batch
// operation: it is allowed to be slow and is not cancellable mid-scan.
func Sweep(oldGID int, staff *accounts.Group) error {
	config := cfg.Retrieve().Reconcile
	if !config.EnableSweep {
		galog.Infof("Filesystem re-group sweep disabled, skipping.")
		return nil
	}

	galog.Infof("Sweeping %s for objects group-owned by gid %d (excluding %s). This can take a long time.", config.SweepRoot, oldGID, config.ExcludePath)

	var regrouped int
	err := filepath.WalkDir(config.SweepRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Permission and transient errors are expected on a live tree.
			galog.V(2).Debugf("Sweep skipping %s: %v", path, err)
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if d.IsDir() && path == config.ExcludePath {
			return filepath.SkipDir
		}

		var st unix.Stat_t
		if err := lstat(path, &st); err != nil {
			return nil
		}
		if int(st.Gid) != oldGID {
			return nil
		}

		if err := lchown(path, -1, staff.UnixGID()); err != nil {
			galog.Errorf("Could not re-group %s: %v", path, err)
			return nil
		}
		regrouped++
		return nil
	})
	if err != nil {
		return fmt.Errorf("filesystem sweep failed: %w", err)
	}

	galog.Infof("Filesystem sweep re-grouped %d objects to %s.", regrouped, staff.Name)
	return nil
}

// writeHomeListing enumerates the home tree and writes the full file listing
// to the audit log.
func writeHomeListing(opts Options) error {
	if opts.Audit == nil {
		return nil
	}

	f, err := opts.Audit.CreateLog(opts.User.Username + "-home.txt")
	if err != nil {
		return err
	}
	defer f.Close()

	return filepath.WalkDir(opts.User.HomeDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			fmt.Fprintf(f, "unreadable: %s (%v)\n", path, err)
			return nil
		}
		_, werr := fmt.Fprintln(f, path)
		return werr
	})
}

// chownTree recursively changes ownership of the tree rooted at dir. Symlinks
// are re-owned, never followed.
func chownTree(dir string, uid, gid int) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			galog.V(2).Debugf("Re-own skipping %s: %v", path, err)
			return nil
		}
		if err := lchown(path, uid, gid); err != nil {
			galog.Errorf("Could not re-own %s: %v", path, err)
		}
		return nil
	})
}

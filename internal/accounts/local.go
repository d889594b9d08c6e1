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

package accounts

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/GoogleCloudPlatform/galog"
	"github.com/macfleet/demobilize/internal/cfg"
	"github.com/macfleet/demobilize/internal/dscl"
	"github.com/macfleet/demobilize/internal/run"
)

// wellKnownUsers are never candidates regardless of their UniqueID.
var wellKnownUsers = map[string]bool{
	"root":   true,
	"daemon": true,
	"nobody": true,
}

// UserPath returns the record path of a user.
func UserPath(username string) string {
	return path.Join(cfg.Retrieve().Directory.UsersPath, username)
}

// GroupPath returns the record path of a group.
func GroupPath(name string) string {
	return path.Join(cfg.Retrieve().Directory.GroupsPath, name)
}

// FindUser reads the identity attributes of the named user from the record
// store. The home directory attribute is optional, UniqueID and PrimaryGroupID
// are not.
//
// Any user returned by this function is guaranteed to have a valid UID and GID
// - a call to ValidateUnixIDS() will never return an error.
func FindUser(ctx context.Context, username string) (*User, error) {
	record := UserPath(username)
	node := dscl.LocalNode()

	uid, err := readSingleValue(ctx, node, record, "UniqueID")
	if err != nil {
		return nil, fmt.Errorf("could not read UniqueID of %s: %w", username, err)
	}

	gid, err := readSingleValue(ctx, node, record, "PrimaryGroupID")
	if err != nil {
		return nil, fmt.Errorf("could not read PrimaryGroupID of %s: %w", username, err)
	}

	res := &User{Username: username, UID: uid, GID: gid}

	home, err := readSingleValue(ctx, node, record, "NFSHomeDirectory")
	if err == nil {
		res.HomeDir = home
	} else if !errors.Is(err, dscl.ErrNoSuchKey) {
		return nil, fmt.Errorf("could not read NFSHomeDirectory of %s: %w", username, err)
	}

	if err := res.ValidateUnixIDS(); err != nil {
		return nil, fmt.Errorf("invalid user record %s: %w", username, err)
	}

	return res, nil
}

// FindGroup reads the named local group from the record store.
//
// Any group returned by this function is guaranteed to have a valid GID - a
// call to ValidateUnixGID() will never return an error.
func FindGroup(ctx context.Context, name string) (*Group, error) {
	gid, err := readSingleValue(ctx, dscl.LocalNode(), GroupPath(name), "PrimaryGroupID")
	if err != nil {
		return nil, fmt.Errorf("could not read group %s: %w", name, err)
	}

	res := &Group{Name: name, GID: gid}
	if err := res.ValidateUnixGID(); err != nil {
		return nil, fmt.Errorf("invalid group record %s: %w", name, err)
	}
	return res, nil
}

// ListCandidates lists local user records whose UniqueID is at or above the
// configured floor, excluding role accounts (leading underscore) and well
// known system users. The result is sorted by username to keep the processing
// order deterministic.
func ListCandidates(ctx context.Context) ([]*User, error) {
	config := cfg.Retrieve()
	records, err := dscl.List(ctx, dscl.LocalNode(), config.Directory.UsersPath, "UniqueID")
	if err != nil {
		return nil, fmt.Errorf("could not list user records: %w", err)
	}

	var res []*User
	for username, rawUID := range records {
		if strings.HasPrefix(username, "_") || wellKnownUsers[username] {
			continue
		}

		uid, err := strconv.Atoi(rawUID)
		if err != nil {
			galog.Debugf("Skipping user %s with non-numeric UniqueID %q.", username, rawUID)
			continue
		}
		if uid < config.Conversion.UIDFloor {
			continue
		}

		user, err := FindUser(ctx, username)
		if err != nil {
			return nil, fmt.Errorf("could not read candidate %s: %w", username, err)
		}
		res = append(res, user)
	}

	sort.Slice(res, func(i, j int) bool { return res[i].Username < res[j].Username })
	return res, nil
}

// AddUserToGroup adds the user to the named group. Returns the wrapped run
// error if the command failed.
func AddUserToGroup(ctx context.Context, u *User, g *Group) error {
	if u == nil {
		return fmt.Errorf("user is nil")
	}
	if g == nil {
		return fmt.Errorf("group is nil")
	}

	galog.V(1).Debugf("Adding user %s to group %s", u.Username, g.Name)
	if _, err := run.WithContext(ctx, run.Options{
		OutputType: run.OutputCombined,
		Name:       cfg.Retrieve().Tools.Dseditgroup,
		Args:       []string{"-o", "edit", "-a", u.Username, "-t", "user", g.Name},
	}); err != nil {
		return fmt.Errorf("failed to add user %s to group %s: %w", u.Username, g.Name, err)
	}
	galog.V(1).Debugf("Successfully added user %s to group %s", u.Username, g.Name)
	return nil
}

// IsMember reports whether the user is a member of the named group. A
// non-zero exit of the membership check means "not a member", not an error.
func IsMember(ctx context.Context, u *User, g *Group) (bool, error) {
	if u == nil {
		return false, fmt.Errorf("user is nil")
	}
	if g == nil {
		return false, fmt.Errorf("group is nil")
	}

	_, err := run.WithContext(ctx, run.Options{
		OutputType: run.OutputCombined,
		Name:       cfg.Retrieve().Tools.Dseditgroup,
		Args:       []string{"-o", "checkmember", "-m", u.Username, g.Name},
	})
	if err != nil {
		if _, ok := run.AsExitError(err); ok {
			return false, nil
		}
		return false, fmt.Errorf("failed to check membership of %s in %s: %w", u.Username, g.Name, err)
	}
	return true, nil
}

// readSingleValue reads an attribute expected to carry exactly one value.
func readSingleValue(ctx context.Context, node, record, attr string) (string, error) {
	values, err := dscl.Read(ctx, node, record, attr)
	if err != nil {
		return "", err
	}
	if len(values) == 0 {
		return "", fmt.Errorf("%w: %s of %s", dscl.ErrNoSuchKey, attr, record)
	}
	return values[0], nil
}

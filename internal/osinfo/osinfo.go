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

// Package osinfo provides the host's macOS product version information.
package osinfo

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/macfleet/demobilize/internal/cfg"
	"github.com/macfleet/demobilize/internal/run"
)

// OSInfo represents the OS information of the host.
type OSInfo struct {
	// OS is the OS name, i.e. "darwin".
	OS string
	// VersionID is the raw product version string, i.e. "13.4.1".
	VersionID string
	// Version is the parsed product version.
	Version Ver
}

// Ver encapsulates the OS version data.
type Ver struct {
	Major, Minor, Patch, Length int
}

// String returns the string representation of the version, observing how many
// version segments were originally present.
func (v Ver) String() string {
	if v.Major == 0 {
		return ""
	}
	ret := fmt.Sprintf("%d", v.Major)
	if v.Length > 1 {
		ret = fmt.Sprintf("%s.%d", ret, v.Minor)
	}
	if v.Length > 2 {
		ret = fmt.Sprintf("%s.%d", ret, v.Patch)
	}
	return ret
}

// Before reports whether v is an older version than major.minor.
func (v Ver) Before(major, minor int) bool {
	if v.Major != major {
		return v.Major < major
	}
	return v.Minor < minor
}

// Read returns the OS information of the host by querying the product version
// tool configured in [cfg.Tools].
func Read(ctx context.Context) (OSInfo, error) {
	res, err := run.WithContext(ctx, run.Options{
		OutputType: run.OutputStdout,
		Name:       cfg.Retrieve().Tools.SwVers,
		Args:       []string{"-productVersion"},
	})
	if err != nil {
		return OSInfo{}, fmt.Errorf("failed to read product version: %w", err)
	}

	versionID := strings.TrimSpace(res.Output)
	version, err := ParseVersion(versionID)
	if err != nil {
		return OSInfo{}, err
	}

	return OSInfo{OS: "darwin", VersionID: versionID, Version: version}, nil
}

// ParseVersion parses a dotted product version string (i.e. "10.6.8") into a
// [Ver] value.
func ParseVersion(raw string) (Ver, error) {
	if raw == "" {
		return Ver{}, fmt.Errorf("empty version string")
	}

	segments := strings.Split(raw, ".")
	if len(segments) > 3 {
		segments = segments[:3]
	}

	var parsed []int
	for _, seg := range segments {
		val, err := strconv.Atoi(seg)
		if err != nil {
			return Ver{}, fmt.Errorf("invalid version segment %q in %q: %w", seg, raw, err)
		}
		parsed = append(parsed, val)
	}

	res := Ver{Major: parsed[0], Length: len(parsed)}
	if len(parsed) > 1 {
		res.Minor = parsed[1]
	}
	if len(parsed) > 2 {
		res.Patch = parsed[2]
	}
	return res, nil
}

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

// Package cfg is the package responsible for loading and accessing the
// tool's configuration.
package cfg

import (
	"bytes"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/GoogleCloudPlatform/galog"
	"gopkg.in/ini.v1"
)

var (
	// instance is the single instance of configuration sections, once loaded this
	// package should always return it.
	instance *Sections

	// dataSources is a pointer to a data source loading/defining function, unit
	// tests will want to change this pointer to whatever makes sense to its
	// implementation.
	dataSources = defaultDataSources

	// panicFc is a reference to panic(), it's overridden in unit tests.
	panicFc = panicWrapper

	// cfgMu protects the initialization and retrieval of config instance.
	cfgMu sync.RWMutex
)

const (
	// defaultConfigFile is the configuration file merged on top of the built-in
	// defaults when present.
	defaultConfigFile = "/etc/demobilize.cfg"

	// defaultConfig holds the built-in defaults of every known key.
	defaultConfig = `
[Core]
log_level = 3
log_verbosity = 0
log_file =

[Tools]
dscl = /usr/bin/dscl
dseditgroup = /usr/sbin/dseditgroup
dsconfigad = /usr/sbin/dsconfigad
sw_vers = /usr/bin/sw_vers

[Directory]
node = .
users_path = /Users
groups_path = /Groups
search_path = /Search
contacts_search_path = /Search/Contacts

[Conversion]
uid_floor = 1000
staff_group = staff
admin_group = admin
settle_delay = 15s
admin_fact_cmd =

[Reconcile]
sweep_root = /
exclude_path = /Volumes
enable_sweep = true

[Audit]
log_dir = /Library/Logs/demobilize
`
)

// Sections encapsulates all the configuration sections.
type Sections struct {
	// Core defines the core configuration entries/keys.
	Core *Core `ini:"Core,omitempty"`

	// Tools defines the absolute locations of the system tools the migration
	// shells out to. They are resolved once at startup, no component performs
	// ambient PATH lookup.
	Tools *Tools `ini:"Tools,omitempty"`

	// Directory defines the record store node and record paths.
	Directory *Directory `ini:"Directory,omitempty"`

	// Conversion defines the account conversion options and behaviors.
	Conversion *Conversion `ini:"Conversion,omitempty"`

	// Reconcile defines the home directory and filesystem re-ownership options.
	Reconcile *Reconcile `ini:"Reconcile,omitempty"`

	// Audit defines where audit artifacts are written.
	Audit *Audit `ini:"Audit,omitempty"`
}

// Core contains the core configuration entries, all configurations not
// tied/specific to a subsystem are defined in here.
type Core struct {
	// LogLevel defines the log level. The CLI's flag takes precedence over this
	// configuration.
	LogLevel int `ini:"log_level,omitempty"`
	// LogVerbosity defines the log verbosity. The CLI's flag takes precedence
	// over this configuration.
	LogVerbosity int `ini:"log_verbosity,omitempty"`
	// LogFile defines the log file path. The CLI's flag takes precedence over
	// this configuration.
	LogFile string `ini:"log_file,omitempty"`
	// Version defines the version of the running binary. It's for internal use
	// only. The value is set dynamically when config is loaded in main. Any
	// value provided via config file is overridden.
	Version string `ini:"-"`
}

// Tools contains the absolute paths of the external tools.
type Tools struct {
	Dscl        string `ini:"dscl,omitempty"`
	Dseditgroup string `ini:"dseditgroup,omitempty"`
	Dsconfigad  string `ini:"dsconfigad,omitempty"`
	SwVers      string `ini:"sw_vers,omitempty"`
}

// Directory contains the record store node and path configurations.
type Directory struct {
	// Node is the dscl datasource, "." addresses the default local node.
	Node string `ini:"node,omitempty"`
	// UsersPath is the record path holding user records.
	UsersPath string `ini:"users_path,omitempty"`
	// GroupsPath is the record path holding group records.
	GroupsPath string `ini:"groups_path,omitempty"`
	// SearchPath is the authentication search policy node.
	SearchPath string `ini:"search_path,omitempty"`
	// ContactsSearchPath is the contacts search policy node.
	ContactsSearchPath string `ini:"contacts_search_path,omitempty"`
}

// Conversion contains the account conversion configurations.
type Conversion struct {
	// UIDFloor is the lowest UniqueID considered for conversion, records below
	// it are treated as system/service accounts.
	UIDFloor int `ini:"uid_floor,omitempty"`
	// StaffGroup is the local group every converted account must be a member of.
	StaffGroup string `ini:"staff_group,omitempty"`
	// AdminGroup is the local group granted by the admin policy signal.
	AdminGroup string `ini:"admin_group,omitempty"`
	// SettleDelay is the fixed wait after the directory daemon is signaled to
	// restart. The daemon's restart is asynchronous and unobservable from the
	// outside, a blind delay is deliberate.
	SettleDelay string `ini:"settle_delay,omitempty"`
	// AdminFactCmd is the command whose trimmed stdout is the admin policy
	// fact. Empty disables the admin grant entirely.
	AdminFactCmd string `ini:"admin_fact_cmd,omitempty"`
}

// Reconcile contains the home directory reconciliation configurations.
type Reconcile struct {
	// SweepRoot is the root of the filesystem-wide re-group sweep.
	SweepRoot string `ini:"sweep_root,omitempty"`
	// ExcludePath is skipped during the sweep, typically the removable volume
	// mount point.
	ExcludePath string `ini:"exclude_path,omitempty"`
	// EnableSweep toggles the filesystem-wide re-group sweep.
	EnableSweep bool `ini:"enable_sweep,omitempty"`
}

// Audit contains the audit artifacts configurations.
type Audit struct {
	// LogDir is the directory audit artifacts are written to.
	LogDir string `ini:"log_dir,omitempty"`
}

// SettleDuration returns the parsed settle delay, falling back to 15 seconds
// if the configured value doesn't parse.
func (c *Conversion) SettleDuration() time.Duration {
	dur, err := time.ParseDuration(c.SettleDelay)
	if err != nil {
		galog.Errorf("Invalid settle_delay %q, using default of 15s: %v", c.SettleDelay, err)
		return 15 * time.Second
	}
	return dur
}

// panicWrapper is a wrapper over panic() to make it testable.
func panicWrapper(args ...any) {
	panic(args)
}

func defaultDataSources(extraDefaults []byte) []any {
	var res []any

	if len(extraDefaults) > 0 {
		res = append(res, extraDefaults)
	}

	return append(res, defaultConfigFile)
}

// Load loads the default configuration and the configuration from the default
// config file.
func Load(extraDefaults []byte) error {
	cfgMu.Lock()
	defer cfgMu.Unlock()
	opts := ini.LoadOptions{
		Loose:       true,
		Insensitive: true,
	}

	sources := dataSources(extraDefaults)
	galog.V(3).Debugf("Loading configuration from sources: %v", sources)
	cfg, err := ini.LoadSources(opts, []byte(defaultConfig), sources...)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %+w", err)
	}

	sections := new(Sections)
	if err := cfg.MapTo(sections); err != nil {
		return fmt.Errorf("failed to map configuration to object: %w", err)
	}

	instance = sections
	return nil
}

// Retrieve returns the configuration's instance previously loaded with Load().
func Retrieve() *Sections {
	cfgMu.RLock()
	defer cfgMu.RUnlock()
	if instance == nil {
		panicFc("cfg package was not initialized, Load() should be called in the early initialization code path")
	}
	return instance
}

// ToString returns the configuration's instance previously loaded with Load()
// as a string.
func ToString() (string, error) {
	buffer := new(bytes.Buffer)

	// Marshal the configuration to ini.
	cfg := ini.Empty()
	if err := ini.ReflectFrom(cfg, instance); err != nil {
		return "", fmt.Errorf("failed to reflect configuration to object: %w", err)
	}

	// Write the configuration to a buffer.
	if _, err := cfg.WriteTo(buffer); err != nil {
		return "", fmt.Errorf("failed to write configuration to buffer: %w", err)
	}

	return strings.TrimSpace(buffer.String()), nil
}

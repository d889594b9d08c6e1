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

// Package convert implements the account conversion engine: the ordered
// sequence of attribute inspections, attribute mutations, directory cache
// refresh and post-condition verification that transforms a domain-backed
// mobile account into a self-contained local account.
package convert

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/GoogleCloudPlatform/galog"
	"github.com/macfleet/demobilize/internal/accounts"
	"github.com/macfleet/demobilize/internal/cfg"
	"github.com/macfleet/demobilize/internal/classify"
	"github.com/macfleet/demobilize/internal/dscl"
	"github.com/macfleet/demobilize/internal/dsd"
	"github.com/macfleet/demobilize/internal/policy"
)

// State is the conversion engine state.
type State int

const (
	// Start is the initial state.
	Start State = iota
	// StaffMembershipEnsured follows the unconditional staff group membership
	// step.
	StaffMembershipEnsured
	// AdminGranted follows the optional admin group grant.
	AdminGranted
	// HashBackedUp follows the shadow hash descriptor capture.
	HashBackedUp
	// AttributesStripped follows the domain-linkage attribute deletion.
	AttributesStripped
	// AuthorityRestored follows the authority recreation.
	AuthorityRestored
	// CacheRefreshed follows the directory services cache refresh.
	CacheRefreshed
	// Verified follows a passing post-condition check.
	Verified
	// Done is the successful terminal state.
	Done
	// Failed is the failure terminal state, reached from the group id guard or
	// from a failing post-condition check.
	Failed
)

var stateNames = map[State]string{
	Start:                  "start",
	StaffMembershipEnsured: "staff-membership-ensured",
	AdminGranted:           "admin-granted",
	HashBackedUp:           "hash-backed-up",
	AttributesStripped:     "attributes-stripped",
	AuthorityRestored:      "authority-restored",
	CacheRefreshed:         "cache-refreshed",
	Verified:               "verified",
	Done:                   "done",
	Failed:                 "failed",
}

// String returns the state name.
func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

const (
	// hashMarker identifies the authority value encoding the password hash.
	hashMarker = ";ShadowHash;"
)

// strippedAttributes is the fixed set of domain-linkage attributes deleted
// from the record. Order is irrelevant, deletion of an absent attribute is a
// no-op. AuthenticationAuthority is deleted and then recreated from the hash
// backup.
var strippedAttributes = []string{
	"cached_groups",
	"cached_auth_policy",
	"CopyTimestamp",
	"AltSecurityIdentities",
	"SMBPrimaryGroupSID",
	"OriginalAuthenticationAuthority",
	"OriginalNodeName",
	classify.AuthorityAttribute,
	"SMBSID",
	"SMBScriptPath",
	"SMBPasswordLastSet",
	"SMBGroupRID",
	"PrimaryNTDomain",
	"AppleMetaRecordName",
	"MCXSettings",
	"MCXFlags",
}

// FatalError is an error that must halt the entire run, not just the current
// account. Only the group id guard and the post-conversion verification
// produce it.
type FatalError struct {
	// Username is the account that failed.
	Username string
	// Check is the failed check.
	Check string
	// Err is the underlying error, if any.
	Err error
}

// Error returns the error message identifying the account and the failed
// check.
func (e *FatalError) Error() string {
	msg := fmt.Sprintf("account %q failed check: %s", e.Username, e.Check)
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *FatalError) Unwrap() error {
	return e.Err
}

// Outcome is the result of one account's pass through the engine.
type Outcome struct {
	// Username is the processed account.
	Username string
	// State is the terminal state the engine reached.
	State State
	// Classification is the classification the pass was gated on.
	Classification classify.Classification
	// Skipped flags a non-target account left untouched (beyond the staff
	// membership step).
	Skipped bool
	// SkipReason explains a skip.
	SkipReason string
	// OldGID is the former domain primary group id, consumed by the home
	// directory reconciler.
	OldGID int
	// HomeDir is the account's home directory path.
	HomeDir string
}

// Engine orchestrates one account's conversion. Processing is strictly
// sequential, one account start-to-finish before the next.
type Engine struct {
	// AdminSignal consults the administrative-rights policy signal.
	AdminSignal func(ctx context.Context) policy.Signal
	// RefreshCache restarts the directory services daemon and waits for it to
	// settle.
	RefreshCache func(ctx context.Context) error
}

// NewEngine returns an engine wired to the default collaborators.
func NewEngine() *Engine {
	return &Engine{
		AdminSignal:  policy.AdminSignal,
		RefreshCache: dsd.Refresh,
	}
}

// Convert runs the state machine for one account. Non-target accounts return
// a skipped outcome with no attribute mutation. A returned *FatalError means
// the whole run must abort.
func (e *Engine) Convert(ctx context.Context, user *accounts.User) (*Outcome, error) {
	state := Start
	outcome := &Outcome{Username: user.Username, HomeDir: user.HomeDir}

	// Local accounts are expected to carry staff membership regardless of
	// classification, so this runs for every enumerated candidate - even ones
	// skipped right after.
	e.ensureStaffMembership(ctx, user)
	state = transition(user.Username, state, StaffMembershipEnsured)

	cls, err := classify.Classify(ctx, user.Username)
	if err != nil {
		return nil, err
	}
	outcome.Classification = cls

	if !cls.Convertible() {
		outcome.Skipped = true
		outcome.SkipReason = fmt.Sprintf("not a conversion target: %s", cls)
		outcome.State = state
		galog.Infof("Skipping %s: %s.", user.Username, outcome.SkipReason)
		return outcome, nil
	}

	adgid, err := e.readGroupID(ctx, user.Username)
	if err != nil {
		return nil, err
	}
	if adgid == 0 {
		outcome.State = Failed
		return outcome, &FatalError{
			Username: user.Username,
			Check:    "primary group id resolves to 0 (root group), refusing to continue",
		}
	}
	outcome.OldGID = adgid

	e.grantAdmin(ctx, user)
	state = transition(user.Username, state, AdminGranted)

	backup := e.backupShadowHash(ctx, user.Username)
	state = transition(user.Username, state, HashBackedUp)

	e.stripAttributes(ctx, user.Username)
	state = transition(user.Username, state, AttributesStripped)

	e.restoreAuthority(ctx, user.Username, backup)
	state = transition(user.Username, state, AuthorityRestored)

	if err := e.RefreshCache(ctx); err != nil {
		// The verification below is the authoritative check, a failed refresh
		// only risks it reading stale data.
		galog.Errorf("Directory services cache refresh failed for %s: %v", user.Username, err)
	}
	state = transition(user.Username, state, CacheRefreshed)

	if err := e.verify(ctx, user.Username); err != nil {
		outcome.State = Failed
		return outcome, err
	}
	state = transition(user.Username, state, Verified)

	outcome.State = transition(user.Username, state, Done)
	galog.Infof("Account %s converted to a local account.", user.Username)
	return outcome, nil
}

// transition logs and performs a state transition.
func transition(username string, from, to State) State {
	galog.V(2).Debugf("Account %s: %s -> %s", username, from, to)
	return to
}

// ensureStaffMembership adds the account to the local staff group if it isn't
// a member already. Best effort, never fails the conversion.
func (e *Engine) ensureStaffMembership(ctx context.Context, user *accounts.User) {
	group, err := accounts.FindGroup(ctx, cfg.Retrieve().Conversion.StaffGroup)
	if err != nil {
		galog.Errorf("Could not resolve staff group: %v", err)
		return
	}

	member, err := accounts.IsMember(ctx, user, group)
	if err != nil {
		galog.Errorf("Could not check staff membership of %s: %v", user.Username, err)
		return
	}
	if member {
		galog.V(1).Debugf("Account %s is already a member of %s.", user.Username, group.Name)
		return
	}

	if err := accounts.AddUserToGroup(ctx, user, group); err != nil {
		galog.Errorf("Could not add %s to %s: %v", user.Username, group.Name, err)
	}
}

// readGroupID reads the account's current primary group id from the record
// store.
func (e *Engine) readGroupID(ctx context.Context, username string) (int, error) {
	values, err := dscl.Read(ctx, dscl.LocalNode(), accounts.UserPath(username), "PrimaryGroupID")
	if err != nil {
		return 0, fmt.Errorf("could not read PrimaryGroupID of %s: %w", username, err)
	}
	if len(values) == 0 {
		return 0, fmt.Errorf("empty PrimaryGroupID of %s", username)
	}

	gid, err := strconv.Atoi(strings.TrimSpace(values[0]))
	if err != nil {
		return 0, fmt.Errorf("non-numeric PrimaryGroupID %q of %s: %w", values[0], username, err)
	}
	return gid, nil
}

// grantAdmin adds the account to the local admin group when the policy signal
// grants it. Best effort, a negative or unavailable signal simply skips it.
func (e *Engine) grantAdmin(ctx context.Context, user *accounts.User) {
	signal := e.AdminSignal(ctx)
	switch signal {
	case policy.Grant:
		group, err := accounts.FindGroup(ctx, cfg.Retrieve().Conversion.AdminGroup)
		if err != nil {
			galog.Errorf("Could not resolve admin group: %v", err)
			return
		}
		if err := accounts.AddUserToGroup(ctx, user, group); err != nil {
			galog.Errorf("Could not grant admin rights to %s: %v", user.Username, err)
			return
		}
		galog.Infof("Granted administrative rights to %s.", user.Username)
	case policy.Unavailable:
		galog.Warnf("Admin policy signal unavailable for %s, not granting administrative rights.", user.Username)
	default:
		galog.V(1).Debugf("Admin policy denies administrative rights for %s.", user.Username)
	}
}

// backupShadowHash captures the single authority value encoding the password
// hash. A mobile-account tag preceding the hash descriptor is stripped so
// exactly the descriptor survives the round trip. An absent descriptor yields
// an empty backup - the account likely has no usable hash, which is logged
// but not fatal.
func (e *Engine) backupShadowHash(ctx context.Context, username string) string {
	values, err := dscl.Read(ctx, dscl.LocalNode(), accounts.UserPath(username), classify.AuthorityAttribute)
	if err != nil {
		galog.Warnf("Could not read authority of %s for hash backup: %v", username, err)
		return ""
	}

	for _, value := range values {
		if idx := strings.Index(value, hashMarker); idx >= 0 {
			return value[idx:]
		}
	}

	galog.Warnf("Account %s carries no shadow hash descriptor, converting without one.", username)
	return ""
}

// stripAttributes deletes the fixed set of domain-linkage attributes. The
// record store treats deleting an absent attribute as a no-op; other delete
// failures are logged and surface in verification if they matter.
func (e *Engine) stripAttributes(ctx context.Context, username string) {
	record := accounts.UserPath(username)
	node := dscl.LocalNode()

	for _, attr := range strippedAttributes {
		if err := dscl.Delete(ctx, node, record, attr); err != nil {
			galog.Errorf("Could not delete %s of %s: %v", attr, username, err)
		}
	}
}

// restoreAuthority recreates the authority attribute with exactly the backed
// up hash descriptor. Used at most once, immediately after the strip.
func (e *Engine) restoreAuthority(ctx context.Context, username, backup string) {
	if backup == "" {
		galog.Warnf("No hash backup for %s, leaving authority absent.", username)
		return
	}

	if err := dscl.Create(ctx, dscl.LocalNode(), accounts.UserPath(username), classify.AuthorityAttribute, backup); err != nil {
		galog.Errorf("Could not restore authority of %s: %v", username, err)
	}
}

// verify re-runs the classification read and confirms no domain linkage
// survived the conversion. A failure is fatal for the whole run - a
// half-converted account must not be silently left in production.
func (e *Engine) verify(ctx context.Context, username string) error {
	cls, err := classify.Classify(ctx, username)
	if err != nil {
		return &FatalError{Username: username, Check: "post-conversion classification read", Err: err}
	}
	if cls.Kind == classify.MobileAD {
		return &FatalError{
			Username: username,
			Check:    fmt.Sprintf("post-conversion verification: record still classifies as %s", cls),
		}
	}

	values, err := dscl.Read(ctx, dscl.LocalNode(), accounts.UserPath(username), classify.AuthorityAttribute)
	if err != nil && !errors.Is(err, dscl.ErrNoSuchKey) && !errors.Is(err, dscl.ErrNoSuchRecord) {
		return &FatalError{Username: username, Check: "post-conversion authority read", Err: err}
	}
	for _, value := range values {
		if strings.Contains(value, "Active Directory") {
			return &FatalError{
				Username: username,
				Check:    "post-conversion verification: authority still references the domain",
			}
		}
	}

	return nil
}

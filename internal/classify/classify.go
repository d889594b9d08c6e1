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

// Package classify inspects a user record's authentication authority and
// determines whether it currently represents a domain-backed mobile account.
//
// The classification is always computed from a fresh attribute read and never
// cached across a conversion - the attribute's shape changes as a side effect
// of converting the account.
package classify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/macfleet/demobilize/internal/accounts"
	"github.com/macfleet/demobilize/internal/dscl"
)

const (
	// AuthorityAttribute is the attribute encoding how the account's
	// credentials are validated.
	AuthorityAttribute = "AuthenticationAuthority"

	// domainName is the directory domain marker inside an authority value.
	domainName = "Active Directory"

	// cachedSubKind is the authority sub-kind marking a convertible mobile
	// account.
	cachedSubKind = "LocalCachedUser"

	// headLines is how many authority values are inspected. The domain linkage
	// and the sub-kind tag always appear within the first two values.
	headLines = 2
)

// Kind is the account kind derived from the authentication authority.
type Kind int

const (
	// Unknown marks a record whose authority is absent or unparsable. Such
	// records are skipped, never treated as an error.
	Unknown Kind = iota
	// Local marks a self-contained local account.
	Local
	// MobileAD marks a domain-backed mobile account.
	MobileAD
)

// String returns the human readable kind name.
func (k Kind) String() string {
	switch k {
	case Local:
		return "local account"
	case MobileAD:
		return "domain mobile account"
	default:
		return "unknown"
	}
}

// Classification is the derived account classification. It is never stored,
// only computed.
type Classification struct {
	// Kind is the derived account kind.
	Kind Kind
	// Cached flags a mobile account whose credentials are locally cached, the
	// only convertible sub-kind. Only meaningful when Kind is MobileAD.
	Cached bool
	// SubKind is the raw authority sub-kind tag, kept for diagnostics.
	SubKind string
}

// Convertible reports whether the account is a conversion target.
func (c Classification) Convertible() bool {
	return c.Kind == MobileAD && c.Cached
}

// String returns a human readable description of the classification.
func (c Classification) String() string {
	if c.Kind == MobileAD {
		return fmt.Sprintf("%s (sub-kind %q, cached=%t)", c.Kind, c.SubKind, c.Cached)
	}
	return c.Kind.String()
}

// Classify reads the authentication authority of the named user and derives
// its classification. An absent record or attribute classifies as Unknown.
func Classify(ctx context.Context, username string) (Classification, error) {
	values, err := dscl.Read(ctx, dscl.LocalNode(), accounts.UserPath(username), AuthorityAttribute)
	if err != nil {
		if errors.Is(err, dscl.ErrNoSuchKey) || errors.Is(err, dscl.ErrNoSuchRecord) {
			return Classification{Kind: Unknown}, nil
		}
		return Classification{}, fmt.Errorf("could not read %s of %s: %w", AuthorityAttribute, username, err)
	}

	return Parse(values), nil
}

// Parse derives the classification from the raw authority value list.
//
// The documented grammar: each value is a "/"-delimited path whose second
// token names the validating domain; a mobile account carries a value shaped
// like ";LocalCachedUser;/Active Directory/DOMAIN/...". The leading
// ";"-delimited tag of the first value is the sub-kind. Compactly encoded
// authorities carry the domain name directly in the tag, which is accepted
// too. Anything that fails to yield two tokens classifies the value as
// non-domain rather than erroring.
func Parse(values []string) Classification {
	if len(values) == 0 {
		return Classification{Kind: Unknown}
	}

	head := values
	if len(head) > headLines {
		head = head[:headLines]
	}

	domainBacked := false
	for _, value := range head {
		if isDomainLinked(value) {
			domainBacked = true
			break
		}
	}

	subKind := authorityTag(values[0])
	if !domainBacked {
		if subKind == "" {
			return Classification{Kind: Unknown}
		}
		return Classification{Kind: Local, SubKind: subKind}
	}

	return Classification{
		Kind:    MobileAD,
		Cached:  subKind == cachedSubKind,
		SubKind: subKind,
	}
}

// isDomainLinked reports whether a single authority value links the account to
// the directory domain.
func isDomainLinked(value string) bool {
	tokens := strings.Split(value, "/")
	if len(tokens) >= 2 && strings.TrimSpace(tokens[1]) == domainName {
		return true
	}
	return authorityTag(value) == domainName
}

// authorityTag extracts the leading type tag of an authority value, i.e.
// "LocalCachedUser" from ";LocalCachedUser;...". Values not carrying a
// ";"-framed tag yield the empty string.
func authorityTag(value string) string {
	trimmed := strings.TrimSpace(value)
	if !strings.HasPrefix(trimmed, ";") {
		return ""
	}
	rest := trimmed[1:]
	end := strings.Index(rest, ";")
	if end < 0 {
		return ""
	}
	return rest[:end]
}

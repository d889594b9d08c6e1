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

package classify

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/macfleet/demobilize/internal/cfg"
	"github.com/macfleet/demobilize/internal/dscl"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name   string
		values []string
		want   Classification
	}{
		{
			name: "mobile_cached_two_values",
			values: []string{
				";LocalCachedUser;ShadowHash;HASHLIST:<SALTED-SHA512-PBKDF2>",
				";Kerberosv5;;jdoe@CORP.EXAMPLE.COM;CORP.EXAMPLE.COM;/Active Directory/CORP/All Domains",
			},
			want: Classification{Kind: MobileAD, Cached: true, SubKind: "LocalCachedUser"},
		},
		{
			name:   "mobile_cached_single_value",
			values: []string{";LocalCachedUser;/Active Directory/CORP/All Domains/Users/jdoe"},
			want:   Classification{Kind: MobileAD, Cached: true, SubKind: "LocalCachedUser"},
		},
		{
			name:   "mobile_compact_domain_tag",
			values: []string{";LocalCachedUser;ShadowHash;HASHLIST:<SHA-512>", ";Active Directory;CORP;jdoe"},
			want:   Classification{Kind: MobileAD, Cached: true, SubKind: "LocalCachedUser"},
		},
		{
			name:   "mobile_not_cached",
			values: []string{";NetLogon;jdoe;/Active Directory/CORP/All Domains"},
			want:   Classification{Kind: MobileAD, Cached: false, SubKind: "NetLogon"},
		},
		{
			name:   "local_shadowhash",
			values: []string{";ShadowHash;HASHLIST:<SALTED-SHA512-PBKDF2>"},
			want:   Classification{Kind: Local, SubKind: "ShadowHash"},
		},
		{
			name: "local_kerberos",
			values: []string{
				";ShadowHash;HASHLIST:<SALTED-SHA512-PBKDF2>",
				";Kerberosv5;;jdoe@LKDC:SHA1.ABC;LKDC:SHA1.ABC",
			},
			want: Classification{Kind: Local, SubKind: "ShadowHash"},
		},
		{
			name:   "empty_values",
			values: nil,
			want:   Classification{Kind: Unknown},
		},
		{
			name:   "malformed_value",
			values: []string{"not-an-authority"},
			want:   Classification{Kind: Unknown},
		},
		{
			name:   "domain_beyond_head_is_ignored",
			values: []string{";ShadowHash;HASHLIST:<X>", ";Kerberosv5;;x@LKDC;LKDC", ";LocalCachedUser;/Active Directory/CORP"},
			want:   Classification{Kind: Local, SubKind: "ShadowHash"},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := Parse(tc.values)
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Errorf("Parse(%v) returned diff (-want +got):\n%s", tc.values, diff)
			}
		})
	}
}

func TestConvertible(t *testing.T) {
	tests := []struct {
		name string
		cls  Classification
		want bool
	}{
		{name: "cached_mobile", cls: Classification{Kind: MobileAD, Cached: true}, want: true},
		{name: "uncached_mobile", cls: Classification{Kind: MobileAD, Cached: false}, want: false},
		{name: "local", cls: Classification{Kind: Local}, want: false},
		{name: "unknown", cls: Classification{Kind: Unknown}, want: false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.cls.Convertible(); got != tc.want {
				t.Errorf("Convertible() = %t, want %t", got, tc.want)
			}
		})
	}
}

type dsclMock struct {
	dscl.ClientInterface
	readCallback func(ctx context.Context, node, record, attr string) ([]string, error)
}

func (m *dsclMock) Read(ctx context.Context, node, record, attr string) ([]string, error) {
	return m.readCallback(ctx, node, record, attr)
}

func TestClassify(t *testing.T) {
	if err := cfg.Load(nil); err != nil {
		t.Fatalf("cfg.Load(nil) failed: %v", err)
	}

	tests := []struct {
		name     string
		readErr  error
		values   []string
		wantKind Kind
		wantErr  bool
	}{
		{
			name:     "attribute_absent_is_unknown",
			readErr:  fmt.Errorf("%w: AuthenticationAuthority", dscl.ErrNoSuchKey),
			wantKind: Unknown,
		},
		{
			name:     "record_absent_is_unknown",
			readErr:  fmt.Errorf("%w: /Users/ghost", dscl.ErrNoSuchRecord),
			wantKind: Unknown,
		},
		{
			name:    "store_failure_is_error",
			readErr: errors.New("store unreachable"),
			wantErr: true,
		},
		{
			name:     "mobile_account",
			values:   []string{";LocalCachedUser;/Active Directory/CORP/All Domains/Users/jdoe"},
			wantKind: MobileAD,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			oldClient := dscl.Client
			dscl.Client = &dsclMock{
				readCallback: func(ctx context.Context, node, record, attr string) ([]string, error) {
					if attr != AuthorityAttribute {
						t.Errorf("Classify() read attribute %q, want %q", attr, AuthorityAttribute)
					}
					return tc.values, tc.readErr
				},
			}
			t.Cleanup(func() { dscl.Client = oldClient })

			got, err := Classify(context.Background(), "jdoe")
			if (err != nil) != tc.wantErr {
				t.Fatalf("Classify() returned error %v, wantErr: %t", err, tc.wantErr)
			}
			if err == nil && got.Kind != tc.wantKind {
				t.Errorf("Classify() kind = %v, want %v", got.Kind, tc.wantKind)
			}
		})
	}
}

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

// Package dscl is the directory record store adapter. It exposes read, create,
// delete and change operations on named attributes of records inside a
// hierarchical record namespace, and is the only I/O surface the conversion
// engine has into account state.
package dscl

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/GoogleCloudPlatform/galog"
	"github.com/macfleet/demobilize/internal/cfg"
	"github.com/macfleet/demobilize/internal/run"
)

var (
	// Client is the record store client performing the operations.
	Client ClientInterface

	// ErrNoSuchRecord is returned when the addressed record does not exist.
	ErrNoSuchRecord = errors.New("no such record")

	// ErrNoSuchKey is returned when the record exists but the addressed
	// attribute does not.
	ErrNoSuchKey = errors.New("no such key")
)

// ClientInterface defines the operations of the record store.
type ClientInterface interface {
	// Read returns the values of the named attribute of a record.
	Read(ctx context.Context, node, record, attr string) ([]string, error)
	// List returns a record name to first-attribute-value mapping for every
	// record under path.
	List(ctx context.Context, node, path, attr string) (map[string]string, error)
	// Create (re)creates the named attribute with the given values.
	Create(ctx context.Context, node, record, attr string, values ...string) error
	// Delete deletes the named attribute. Deleting an absent attribute is a
	// no-op, not an error.
	Delete(ctx context.Context, node, record, attr string) error
	// DeleteValue deletes a single value from a multi-valued attribute.
	DeleteValue(ctx context.Context, node, record, attr, value string) error
	// Change replaces one value of an attribute with another.
	Change(ctx context.Context, node, record, attr, oldValue, newValue string) error
}

// commandClient implements ClientInterface by shelling out to the directory
// service command line tool.
type commandClient struct{}

// init initializes the package's default Client.
func init() {
	Client = commandClient{}
}

// LocalNode returns the configured local directory node.
func LocalNode() string {
	return cfg.Retrieve().Directory.Node
}

// Read returns the values of the named attribute of a record.
func Read(ctx context.Context, node, record, attr string) ([]string, error) {
	return Client.Read(ctx, node, record, attr)
}

// List returns a record name to first-attribute-value mapping for every record
// under path.
func List(ctx context.Context, node, path, attr string) (map[string]string, error) {
	return Client.List(ctx, node, path, attr)
}

// Create (re)creates the named attribute with the given values.
func Create(ctx context.Context, node, record, attr string, values ...string) error {
	return Client.Create(ctx, node, record, attr, values...)
}

// Delete deletes the named attribute of a record.
func Delete(ctx context.Context, node, record, attr string) error {
	return Client.Delete(ctx, node, record, attr)
}

// DeleteValue deletes a single value from a multi-valued attribute.
func DeleteValue(ctx context.Context, node, record, attr, value string) error {
	return Client.DeleteValue(ctx, node, record, attr, value)
}

// Change replaces one value of an attribute with another.
func Change(ctx context.Context, node, record, attr, oldValue, newValue string) error {
	return Client.Change(ctx, node, record, attr, oldValue, newValue)
}

func (commandClient) Read(ctx context.Context, node, record, attr string) ([]string, error) {
	res, err := run.WithContext(ctx, run.Options{
		OutputType: run.OutputCombined,
		Name:       cfg.Retrieve().Tools.Dscl,
		Args:       []string{node, "-read", record, attr},
	})
	if err != nil {
		if isRecordNotFound(err.Error()) {
			return nil, fmt.Errorf("%w: %s", ErrNoSuchRecord, record)
		}
		return nil, fmt.Errorf("failed to read %s of %s: %w", attr, record, err)
	}

	if strings.Contains(res.Output, "No such key") {
		return nil, fmt.Errorf("%w: %s of %s", ErrNoSuchKey, attr, record)
	}

	values, err := parseReadOutput(res.Output, attr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s of %s: %w", attr, record, err)
	}
	return values, nil
}

// parseReadOutput parses the attribute read output format. The tool reports
// space-free values inline ("Attr: value1 value2"), space separated, and
// values containing spaces in a continuation form: a bare "Attr:" line
// followed by one value per line, each indented with a single space.
func parseReadOutput(output, attr string) ([]string, error) {
	lines := strings.Split(strings.TrimSuffix(output, "\n"), "\n")
	prefix := attr + ":"

	for i, line := range lines {
		if !strings.HasPrefix(line, prefix) {
			continue
		}

		if rest := strings.TrimPrefix(line, prefix); strings.TrimSpace(rest) != "" {
			return strings.Fields(rest), nil
		}

		var values []string
		for _, cont := range lines[i+1:] {
			if !strings.HasPrefix(cont, " ") {
				break
			}
			values = append(values, strings.TrimPrefix(cont, " "))
		}
		return values, nil
	}

	return nil, fmt.Errorf("%w: %s", ErrNoSuchKey, attr)
}

func (commandClient) List(ctx context.Context, node, path, attr string) (map[string]string, error) {
	res, err := run.WithContext(ctx, run.Options{
		OutputType: run.OutputStdout,
		Name:       cfg.Retrieve().Tools.Dscl,
		Args:       []string{node, "-list", path, attr},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", path, err)
	}

	records := make(map[string]string)
	for _, line := range strings.Split(res.Output, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		records[fields[0]] = fields[1]
	}
	return records, nil
}

func (commandClient) Create(ctx context.Context, node, record, attr string, values ...string) error {
	args := append([]string{node, "-create", record, attr}, values...)
	if _, err := run.WithContext(ctx, run.Options{
		OutputType: run.OutputCombined,
		Name:       cfg.Retrieve().Tools.Dscl,
		Args:       args,
	}); err != nil {
		return fmt.Errorf("failed to create %s on %s: %w", attr, record, err)
	}
	return nil
}

func (commandClient) Delete(ctx context.Context, node, record, attr string) error {
	_, err := run.WithContext(ctx, run.Options{
		OutputType: run.OutputCombined,
		Name:       cfg.Retrieve().Tools.Dscl,
		Args:       []string{node, "-delete", record, attr},
	})
	if err != nil {
		if isAttributeNotFound(err.Error()) {
			galog.V(2).Debugf("Attribute %s of %s already absent, nothing to delete.", attr, record)
			return nil
		}
		return fmt.Errorf("failed to delete %s of %s: %w", attr, record, err)
	}
	return nil
}

func (commandClient) DeleteValue(ctx context.Context, node, record, attr, value string) error {
	_, err := run.WithContext(ctx, run.Options{
		OutputType: run.OutputCombined,
		Name:       cfg.Retrieve().Tools.Dscl,
		Args:       []string{node, "-delete", record, attr, value},
	})
	if err != nil {
		if isAttributeNotFound(err.Error()) {
			return nil
		}
		return fmt.Errorf("failed to delete value of %s of %s: %w", attr, record, err)
	}
	return nil
}

func (commandClient) Change(ctx context.Context, node, record, attr, oldValue, newValue string) error {
	if _, err := run.WithContext(ctx, run.Options{
		OutputType: run.OutputCombined,
		Name:       cfg.Retrieve().Tools.Dscl,
		Args:       []string{node, "-change", record, attr, oldValue, newValue},
	}); err != nil {
		return fmt.Errorf("failed to change %s of %s: %w", attr, record, err)
	}
	return nil
}

// isRecordNotFound matches the record-not-found diagnostics of the underlying
// tool (eDSRecordNotFound, historically also eDSUnknownNodeName).
func isRecordNotFound(msg string) bool {
	return strings.Contains(msg, "eDSRecordNotFound") || strings.Contains(msg, "eDSUnknownNodeName")
}

// isAttributeNotFound matches the attribute-not-found diagnostics of the
// underlying tool.
func isAttributeNotFound(msg string) bool {
	return strings.Contains(msg, "eDSAttributeNotFound") || strings.Contains(msg, "eDSSchemaError") || strings.Contains(msg, "Invalid Path")
}

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

// Package commands implements the demobilize CLI commands.
package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/macfleet/demobilize/internal/classify"
	"github.com/macfleet/demobilize/internal/migrate"
	"github.com/macfleet/demobilize/internal/unbind"
)

// NewRootCommand generates the root command with the [run], [classify] and
// [version] subcommands.
func NewRootCommand(version string) *cobra.Command {
	root := &cobra.Command{
		Use:           "demobilize",
		Short:         "Migrates directory-bound mobile accounts to local accounts.",
		Long:          "Migrates domain-backed mobile accounts into self-contained local accounts, preserving the password hash, group memberships and home directory ownership.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newRunCommand())
	root.AddCommand(newClassifyCommand())
	root.AddCommand(newVersionCommand(version))

	return root
}

// newRunCommand returns the command running the full migration.
func newRunCommand() *cobra.Command {
	var opts migrate.Options
	var unbindUser, unbindPassword string

	run := &cobra.Command{
		Use:   "run",
		Short: "Runs the full account migration.",
		Long:  "Unbinds the host from the domain, then converts every qualifying mobile account to a local account, one at a time.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Unbind = unbind.Credentials{Username: unbindUser, Password: unbindPassword}
			return migrate.Run(cmd.Context(), opts)
		},
	}

	run.Flags().BoolVar(&opts.DryRun, "dry-run", false, "classify accounts and report what would be converted, mutate nothing")
	run.Flags().BoolVar(&opts.SkipUnbind, "skip-unbind", false, "skip the one-shot domain unbind")
	run.Flags().StringVar(&unbindUser, "unbind-user", "", "domain username for the forced unbind")
	run.Flags().StringVar(&unbindPassword, "unbind-password", "", "domain password for the forced unbind")

	return run
}

// newClassifyCommand returns the read-only single account classification
// command.
func newClassifyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "classify <username>",
		Short: "Classifies a single account.",
		Long:  "Reads the account's authentication authority and reports whether it is a convertible mobile account. No attribute is mutated.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cls, err := classify.Classify(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("could not classify %s: %w", args[0], err)
			}
			cmd.Printf("%s: %s\n", args[0], cls)
			return nil
		},
	}
}

// newVersionCommand returns the version command.
func newVersionCommand(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Prints the version.",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("demobilize %s\n", version)
		},
	}
}

// Copyright 2025 AxonFlow
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"axonflow/querygate/agent"
	"axonflow/querygate/agent/gate"
	"axonflow/querygate/connectors/base"
	"axonflow/querygate/connectors/credentials"
)

// connectionFlags select the target connection
type connectionFlags struct {
	owner        string
	connectionID string
	encryptedURI string
}

func (f *connectionFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.owner, "owner", "cli", "Owner of the connection record")
	cmd.Flags().StringVar(&f.connectionID, "connection", "", "Connection id (default: the owner's default connection)")
	cmd.Flags().StringVar(&f.encryptedURI, "encrypted-uri", "", "Use this encrypted URI instead of the records database")
}

func (f *connectionFlags) id() string {
	if f.encryptedURI != "" && f.connectionID == "" {
		return adhocConnectionID
	}
	return f.connectionID
}

// readInput returns args[0], or stdin when there is no argument or it is "-"
func readInput(cmd *cobra.Command, args []string) (string, error) {
	if len(args) > 0 && args[0] != "-" {
		return args[0], nil
	}
	data, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return "", fmt.Errorf("failed to read stdin: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// keygenCmd returns the command for generating an encryption key.
func keygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate a random encryption key",
		Long: `Generate a random 32-byte key, hex encoded, for QUERYGATE_ENCRYPTION_KEY.

Examples:
  export QUERYGATE_ENCRYPTION_KEY=$(querygate keygen)`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := credentials.GenerateKey()
			if err != nil {
				return fmt.Errorf("failed to generate key: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), key)
			return nil
		},
	}
}

// encryptCmd returns the command for encrypting a connection URI.
func encryptCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "encrypt [uri]",
		Short: "Encrypt a connection URI for storage",
		Long: `Encrypt a connection URI with the configured key. The URI is read from the
argument, or from stdin when the argument is omitted or "-".

Examples:
  querygate encrypt postgresql://app:secret@db:5432/shop
  echo "sqlite:////var/data/shop.db" | querygate encrypt`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			uri, err := readInput(cmd, args)
			if err != nil {
				return err
			}
			if _, _, err := base.ParseURI(uri); err != nil {
				return err
			}

			a, err := loadBase(cmd.Context(), opts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			ct, err := a.cipher.Encrypt(uri)
			if err != nil {
				return err
			}
			a.log.Info("", "", "connection URI encrypted", map[string]interface{}{
				"uri":    base.RedactURI(uri),
				"key_id": a.cipher.KeyID(),
			})
			fmt.Fprintln(cmd.OutOrStdout(), ct)
			return nil
		},
	}
}

// testConnectionCmd returns the command for checking a stored connection.
func testConnectionCmd(opts *rootOptions) *cobra.Command {
	var conn connectionFlags

	cmd := &cobra.Command{
		Use:   "test-connection",
		Short: "Check that a connection can be decrypted and reached",
		Long: `Decrypt a connection URI, open a throwaway pool and ping the database.
Nothing is cached.

Examples:
  querygate test-connection --encrypted-uri v1.AbC...
  querygate test-connection --owner u-42 --connection c-7`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), opts, cmd.ErrOrStderr(), conn.owner, conn.encryptedURI)
			if err != nil {
				return err
			}
			defer a.Close()

			out := struct {
				OK    bool         `json:"ok"`
				Error *errorOutput `json:"error,omitempty"`
			}{}
			rec, err := a.svc.ResolveConnection(cmd.Context(), conn.owner, conn.id())
			if err == nil {
				out.OK, err = a.svc.TestConnection(cmd.Context(), rec.EncryptedURI)
			}
			if err != nil {
				out.Error = describeError(err)
			}
			if werr := writeJSON(cmd.OutOrStdout(), out); werr != nil {
				return werr
			}
			if err != nil {
				return errReported
			}
			return nil
		},
	}
	conn.register(cmd)
	return cmd
}

// schemaCmd returns the command for printing a connection's schema.
func schemaCmd(opts *rootOptions) *cobra.Command {
	var conn connectionFlags
	var asJSON, refresh bool

	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Print the schema context of a connection",
		Long: `Introspect a connection and print its schema the way it is given to a SQL
generator, or as JSON.

Examples:
  querygate schema --encrypted-uri v1.AbC...
  querygate schema --owner u-42 --connection c-7 --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, opts, cmd.ErrOrStderr(), conn.owner, conn.encryptedURI)
			if err != nil {
				return err
			}
			defer a.Close()

			rec, err := a.svc.ResolveConnection(ctx, conn.owner, conn.id())
			if err != nil {
				return err
			}
			lease, err := a.svc.AcquireEngine(ctx, rec)
			if err != nil {
				return err
			}
			defer lease.Release()

			snap, err := a.svc.GetSchema(ctx, lease, refresh)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), snap)
			}
			fmt.Fprint(cmd.OutOrStdout(), snap.Context())
			return nil
		},
	}
	conn.register(cmd)
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the snapshot as JSON")
	cmd.Flags().BoolVar(&refresh, "refresh", false, "Bypass the schema cache")
	return cmd
}

// policyFlags override the configured default policy
type policyFlags struct {
	mode          string
	allowWrite    bool
	allowDelete   bool
	allowDDL      bool
	allowMulti    bool
	maxComplexity int
}

func (f *policyFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.mode, "mode", "", "Policy mode: enforce or permissive")
	cmd.Flags().BoolVar(&f.allowWrite, "allow-write", false, "Permit INSERT and UPDATE")
	cmd.Flags().BoolVar(&f.allowDelete, "allow-delete", false, "Permit DELETE")
	cmd.Flags().BoolVar(&f.allowDDL, "allow-ddl", false, "Permit schema changes")
	cmd.Flags().BoolVar(&f.allowMulti, "allow-multi-statement", false, "Permit more than one statement")
	cmd.Flags().IntVar(&f.maxComplexity, "max-complexity", 0, "Maximum complexity score")
}

// apply starts from def and overrides only the flags that were set
func (f *policyFlags) apply(cmd *cobra.Command, def gate.Policy) (gate.Policy, error) {
	p := def
	flags := cmd.Flags()
	if flags.Changed("mode") {
		mode, err := gate.ParseMode(f.mode)
		if err != nil {
			return p, base.NewError("cli", "policy", base.KindConfig, "invalid_policy", err.Error(), err)
		}
		p.Mode = mode
	}
	if flags.Changed("allow-write") {
		p.AllowWrite = f.allowWrite
	}
	if flags.Changed("allow-delete") {
		p.AllowDelete = f.allowDelete
	}
	if flags.Changed("allow-ddl") {
		p.AllowDDL = f.allowDDL
	}
	if flags.Changed("allow-multi-statement") {
		p.AllowMultiStatement = f.allowMulti
	}
	if flags.Changed("max-complexity") {
		p.MaxComplexityScore = f.maxComplexity
	}
	return p, nil
}

// runCmd returns the command for gating and executing SQL.
func runCmd(opts *rootOptions) *cobra.Command {
	var conn connectionFlags
	var pol policyFlags
	var timeout time.Duration
	var dryRun, explain, refresh bool

	cmd := &cobra.Command{
		Use:   "run [sql]",
		Short: "Gate SQL against the policy and execute it",
		Long: `Evaluate SQL against the safety policy and, when accepted, execute it on the
connection. The SQL is read from the argument, or from stdin when the
argument is omitted or "-". The outcome is printed as JSON; a rejected or
failed run exits with status 1.

Examples:
  querygate run --encrypted-uri v1.AbC... "SELECT name FROM products"
  querygate run --connection c-7 --allow-write=false --dry-run "DELETE FROM orders"`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			sqlText, err := readInput(cmd, args)
			if err != nil {
				return err
			}

			a, err := newApp(ctx, opts, cmd.ErrOrStderr(), conn.owner, conn.encryptedURI)
			if err != nil {
				return err
			}
			defer a.Close()

			def, err := a.cfg.DefaultPolicy()
			if err != nil {
				return err
			}
			policy, err := pol.apply(cmd, def)
			if err != nil {
				return err
			}

			resp, err := a.svc.Run(ctx, agent.Request{
				OwnerID:       conn.owner,
				ConnectionID:  conn.id(),
				SQL:           sqlText,
				Policy:        &policy,
				Timeout:       timeout,
				DryRun:        dryRun,
				Explain:       explain,
				RefreshSchema: refresh,
			})

			out := struct {
				*agent.Response
				Error *errorOutput `json:"error,omitempty"`
			}{Response: resp}
			if err != nil {
				out.Error = describeError(err)
			}
			if werr := writeJSON(cmd.OutOrStdout(), out); werr != nil {
				return werr
			}
			if err != nil {
				return errReported
			}
			return nil
		},
	}
	conn.register(cmd)
	pol.register(cmd)
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Execution timeout (default from config)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Evaluate only; do not execute")
	cmd.Flags().BoolVar(&explain, "explain", false, "Include the query plan of an accepted read")
	cmd.Flags().BoolVar(&refresh, "refresh-schema", false, "Bypass the schema cache")
	return cmd
}

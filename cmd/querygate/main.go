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

// Package main implements the querygate CLI for encrypting connection
// URIs, inspecting target databases and running gated statements.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "1.0.0"

// errReported marks failures whose details were already written to stdout
var errReported = errors.New("failure reported")

type rootOptions struct {
	configPath string
	logLevel   string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		if !errors.Is(err, errReported) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:   "querygate",
		Short: "Safe SQL execution engine",
		Long: `querygate gates SQL against a safety policy and runs accepted statements
on pooled connections to target databases whose URIs are stored encrypted.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", os.Getenv("QUERYGATE_CONFIG"), "Path to the YAML config file")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Override the configured log level")

	rootCmd.AddCommand(keygenCmd())
	rootCmd.AddCommand(encryptCmd(opts))
	rootCmd.AddCommand(testConnectionCmd(opts))
	rootCmd.AddCommand(schemaCmd(opts))
	rootCmd.AddCommand(runCmd(opts))
	return rootCmd
}

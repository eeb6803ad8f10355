// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

var rootCmd = &cobra.Command{
	Use:           "interpose",
	Short:         "In-process function interception and HTTP policy gateway",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func main() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("interpose %s (commit: %s, built: %s)\n", version, commit, buildDate))
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

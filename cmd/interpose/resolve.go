// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package main

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mbeema/interpose/pkg/resolve"
)

var resolveOpts struct {
	pid       int
	signature string
}

var resolveCmd = &cobra.Command{
	Use:   "resolve NAME",
	Short: "Resolve a function name to code addresses",
	Long: `Resolve looks NAME up in the symbol tables, the export tables and, with
--signature, by prologue scan of the target process's executable mappings.
NAME may be qualified as module!symbol.

Every candidate is printed. More than one distinct address is reported as
ambiguous.`,
	Args: cobra.ExactArgs(1),
	RunE: runResolve,
}

func init() {
	resolveCmd.Flags().IntVar(&resolveOpts.pid, "pid", 0, "target process (default: this process)")
	resolveCmd.Flags().StringVar(&resolveOpts.signature, "signature", "", "hex prologue pattern, ?? as wildcard")
	rootCmd.AddCommand(resolveCmd)
}

func runResolve(cmd *cobra.Command, args []string) error {
	name := args[0]
	r, err := resolve.New(resolveOpts.pid, zap.NewNop())
	if err != nil {
		return err
	}
	if resolveOpts.signature != "" {
		sig, err := resolve.ParseSignature(resolveOpts.signature)
		if err != nil {
			return err
		}
		r.RegisterSignature(name, sig)
	}

	handles, err := r.Resolve(cmd.Context(), name)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ADDRESS\tSTRATEGY\tMODULE\tNAME")
	for _, h := range handles {
		fmt.Fprintf(tw, "%#x\t%s\t%s\t%s\n", h.Addr, h.Strategy, h.Module, h.Name)
	}
	tw.Flush()

	if _, err := resolve.Unique(handles); err != nil {
		var amb *resolve.AmbiguousError
		if errors.As(err, &amb) {
			fmt.Fprintf(out, "%d distinct candidates\n", len(amb.Candidates))
		}
		return err
	}
	return nil
}

package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Verify the backend is reachable and print what it exposes",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer a.Close()

		out := cmd.OutOrStdout()
		if err := a.backend.Ping(ctx); err != nil {
			return err
		}
		fmt.Fprintf(out, "backend (%s) reachable\n", cfg.Backend.Mode)

		if a.client != nil {
			tools, err := a.client.ListTools(ctx, false)
			if err != nil {
				return err
			}
			for _, t := range tools {
				fmt.Fprintf(out, "  tool %s\n", t.Name)
			}
		}

		snap, err := a.backend.FetchMetadata(ctx, cfg.Schema.Tables)
		if err != nil {
			return err
		}
		names := make([]string, 0, len(snap.Tables))
		for name := range snap.Tables {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(out, "  table %s: %d columns\n", name, len(snap.Tables[name].Columns))
		}
		for table, reason := range snap.Failed {
			fmt.Fprintf(out, "  table %s: failed: %s\n", table, reason)
		}
		return nil
	},
}

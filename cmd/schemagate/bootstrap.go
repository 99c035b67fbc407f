package main

import (
	"fmt"

	"github.com/koustreak/schemagate/internal/errs"
	"github.com/spf13/cobra"
)

var bootstrapCmd = &cobra.Command{
	Use:   "bootstrap",
	Short: "Create the audit and usage tables",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer a.Close()

		if a.db == nil {
			return errs.New(errs.ErrKindInvalidInput, "bootstrap needs backend.mode=direct")
		}
		if err := a.db.EnsureTables(ctx); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "audit and usage tables ready")
		return nil
	},
}

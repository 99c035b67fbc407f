package main

import (
	"encoding/json"

	"github.com/koustreak/schemagate/internal/errs"
	"github.com/koustreak/schemagate/internal/overflow"
	"github.com/spf13/cobra"
)

// listedRecord adds the object key, which Record does not serialize.
type listedRecord struct {
	Key string `json:"key"`
	overflow.Record
}

var overflowCmd = &cobra.Command{
	Use:   "overflow",
	Short: "Inspect values parked by fallback column requests",
}

var overflowListCmd = &cobra.Command{
	Use:   "list [table] [column]",
	Short: "Print parked records as JSON lines",
	Args:  cobra.MaximumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer a.Close()
		if a.sink == nil {
			return errs.New(errs.ErrKindInvalidInput, "overflow is not enabled")
		}

		var table, column string
		if len(args) > 0 {
			table = args[0]
		}
		if len(args) > 1 {
			column = args[1]
		}
		recs, err := a.sink.Pending(ctx, table, column)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		for _, rec := range recs {
			if err := enc.Encode(listedRecord{Key: rec.Key, Record: rec}); err != nil {
				return err
			}
		}
		return nil
	},
}

var overflowResolveCmd = &cobra.Command{
	Use:   "resolve <key>...",
	Short: "Delete parked records once their values have been replayed",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer a.Close()
		if a.sink == nil {
			return errs.New(errs.ErrKindInvalidInput, "overflow is not enabled")
		}
		for _, key := range args {
			if err := a.sink.Resolve(ctx, key); err != nil {
				return err
			}
		}
		return nil
	},
}

func init() {
	overflowCmd.AddCommand(overflowListCmd, overflowResolveCmd)
}

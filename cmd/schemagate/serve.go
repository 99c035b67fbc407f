package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/koustreak/schemagate/internal/server"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the inventory tools over HTTP",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := openApp(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer a.Close()

		if a.db != nil {
			if err := a.db.EnsureTables(ctx); err != nil {
				return err
			}
		}

		svc, err := a.service(cfg, log)
		if err != nil {
			return err
		}
		if err := svc.Ping(ctx); err != nil {
			log.WarnWith("backend not reachable at startup", err, nil)
		}

		return server.New(svc, cfg.Server, log).ListenAndServe(ctx)
	},
}

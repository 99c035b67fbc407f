package main

import (
	"github.com/koustreak/schemagate/internal/config"
	"github.com/koustreak/schemagate/internal/logger"
	"github.com/spf13/cobra"
)

var (
	cfgFile string
	cfg     *config.Config
	log     *logger.Logger
)

var rootCmd = &cobra.Command{
	Use:   "schemagate",
	Short: "Schema-aware import gateway",
	Long: `schemagate exposes a live inventory schema as tools: table and enum
discovery, source-to-column matching, import validation, and guarded
column creation with an audit trail.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return err
		}
		log = logger.New(cfg.Logger())
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default ./schemagate.yaml)")
	rootCmd.AddCommand(serveCmd, bootstrapCmd, checkCmd, overflowCmd)
}

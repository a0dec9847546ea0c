package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mikeyg42/meshroom/internal/config"
	"github.com/mikeyg42/meshroom/internal/logging"
)

var (
	flagConfig   string
	flagLogLevel string

	cfg    *config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "meshroom",
	Short: "Full-mesh WebRTC video rooms",
	Long: `meshroom joins a room in which every participant holds a direct
peer-to-peer media connection to every other participant. A small
rendezvous server relays signaling only; media never passes through it.`,
	SilenceErrors: true,
	SilenceUsage:  true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(flagConfig)
		if err != nil {
			return err
		}
		if flagLogLevel != "" {
			cfg.Log.Level = flagLogLevel
		}
		logger, err = logging.New(cfg.Log.Level, cfg.Log.Development)
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "config file (yaml, json or toml)")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "override log.level")
	rootCmd.AddCommand(joinCmd, serveCmd)
}

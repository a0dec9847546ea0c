package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mikeyg42/meshroom/internal/rendezvous"
)

var flagAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the rendezvous (signaling) server",
	RunE: func(cmd *cobra.Command, args []string) error {
		if flagAddr != "" {
			cfg.Rendezvous.Addr = flagAddr
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return rendezvous.NewServer(cfg.Rendezvous, logger).ListenAndServe(ctx)
	},
}

func init() {
	serveCmd.Flags().StringVar(&flagAddr, "addr", "", "listen address (default rendezvous.addr)")
}

package main

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/mikeyg42/meshroom/internal/ui"
)

var flagListRoom string

var recordingsCmd = &cobra.Command{
	Use:   "recordings",
	Short: "List a room's archived recordings",
	Long: `List the recordings archived for a room, newest first, with a
download link valid for storage.minio.url_expiry.

Needs storage.minio and roster.database_url to be configured.

Examples:
  meshroom recordings --room standup --config meshroom.yaml`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !cfg.ArchiveEnabled() || cfg.Roster.DatabaseURL == "" {
			return errors.New("listing recordings needs storage.minio.endpoint and roster.database_url")
		}
		stores, err := openStores(cmd.Context(), cfg, logger, false)
		if err != nil {
			return err
		}
		defer stores.Close()

		recs, err := stores.archiver.List(cmd.Context(), flagListRoom)
		if err != nil {
			return err
		}
		return ui.RenderRecordings(cmd.OutOrStdout(), flagListRoom, recs)
	},
}

func init() {
	recordingsCmd.Flags().StringVar(&flagListRoom, "room", "", "room to list")
	_ = recordingsCmd.MarkFlagRequired("room")
	rootCmd.AddCommand(recordingsCmd)
}

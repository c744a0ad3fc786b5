package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/njoerd114/siterelay/internal/model"
	"github.com/njoerd114/siterelay/internal/replication"
)

func newSyncCmd(f *rootFlags) *cobra.Command {
	var (
		rc       model.ReplicationConfig
		configID string
	)

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one replication between two sites",
		Example: `  siterelay sync --source alpha --destination bravo --bidirectional
  siterelay sync --config-id alpha-bravo`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd.Context(), f)
			if err != nil {
				return err
			}
			defer a.Close()

			if configID != "" {
				if cmd.Flags().Changed("source") || cmd.Flags().Changed("destination") {
					return errors.New("--config-id cannot be combined with --source or --destination")
				}
				configured, ok := a.cfg.Replication(configID)
				if !ok {
					return fmt.Errorf("no replication %q in config", configID)
				}
				rc = configured
			}
			if rc.ID == "" {
				rc.ID = rc.Source + "-" + rc.Destination
			}

			replicator := replication.NewReplicator(a.store, a.adapters, replication.NewSyncer(a.store, a.log), a.reporter, a.log)
			if err := replicator.ExecuteSyncRequest(cmd.Context(), model.SyncRequest{Config: rc}); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), successMsg("sync %s finished (job failures, if any, are logged)", rc.ID))
			return nil
		},
	}

	cmd.Flags().StringVar(&rc.Source, "source", "", "source site id")
	cmd.Flags().StringVar(&rc.Destination, "destination", "", "destination site id")
	cmd.Flags().BoolVar(&rc.Bidirectional, "bidirectional", false, "also replicate destination back to source")
	cmd.Flags().StringSliceVar(&rc.Excluded, "exclude", nil, "item id to skip (repeatable)")
	cmd.Flags().StringVar(&rc.ID, "id", "", "replication id used for progress tracking")
	cmd.Flags().StringVar(&configID, "config-id", "", "run the replication with this id from the config file")
	return cmd
}

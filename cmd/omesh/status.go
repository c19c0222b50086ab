package main

import (
	"fmt"

	"omesh/internal/config"
	"omesh/internal/ftsindex"

	"github.com/spf13/cobra"
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show configuration and persisted index stats",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			idx, err := ftsindex.Open(cfg.IndexDir)
			if err != nil {
				return fmt.Errorf("open index: %w", err)
			}
			defer idx.Close()

			fmt.Printf("network:            %s\n", cfg.NetworkName)
			fmt.Printf("listen port:        %d\n", cfg.ListenPort)
			fmt.Printf("index dir:          %s\n", cfg.IndexDir)
			fmt.Printf("replication factor: %d\n", cfg.ReplicationFactor)
			fmt.Printf("documents indexed:  %d\n", idx.DocCount())
			fmt.Printf("seed peers:         %d\n", len(cfg.SeedPeers))
			return nil
		},
	}
}

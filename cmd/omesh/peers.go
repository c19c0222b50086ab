package main

import (
	"fmt"

	"omesh/internal/config"

	"github.com/spf13/cobra"
)

func peersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "peers",
		Short: "List this node's configured seed peers",
		Long: "Lists the seed_peers addresses from node.yaml. This is static\n" +
			"configuration, not the running daemon's live connection table —\n" +
			"internal/peermgr.Manager.PeerCount, which requires a running omeshd.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if len(cfg.SeedPeers) == 0 {
				fmt.Println("no seed peers configured")
				return nil
			}
			for _, p := range cfg.SeedPeers {
				fmt.Println(p)
			}
			return nil
		},
	}
}

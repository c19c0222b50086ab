package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"omesh/internal/config"
	"omesh/internal/control"
	"omesh/internal/ftsindex"

	"github.com/spf13/cobra"
)

func searchCmd() *cobra.Command {
	var maxResults int
	var and bool
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Run a distributed query against a running omeshd",
		Long: "Dials the running omeshd's control connection (internal/control) and\n" +
			"drives internal/router.Search: one local execution plus a broadcast\n" +
			"to every connected peer, merged and deduplicated into a single\n" +
			"ranked result set. Requires omeshd to be running on\n" +
			"this node's configured listen port.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			mode := ftsindex.ModeOR
			if and {
				mode = ftsindex.ModeAND
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			client := control.NewClient(control.Addr(cfg.ListenPort))
			hits, err := client.Search(ctx, strings.Join(args, " "), maxResults, mode)
			if err != nil {
				return fmt.Errorf("search: %w (is omeshd running?)", err)
			}

			if len(hits) == 0 {
				fmt.Println("no matches")
				return nil
			}
			for i, hit := range hits {
				fmt.Printf("%2d. doc=%d score=%d\n", i+1, hit.DocID, hit.Score)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&maxResults, "max-results", 10, "Maximum number of results to print")
	cmd.Flags().BoolVar(&and, "and", false, "Require every query term to match (default: any term)")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "How long to wait for the distributed query to finalize")
	return cmd
}

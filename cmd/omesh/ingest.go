package main

import (
	"context"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"time"

	"omesh/internal/config"
	"omesh/internal/control"

	"github.com/spf13/cobra"
)

func ingestCmd() *cobra.Command {
	var docID uint64
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "ingest <file>",
		Short: "Add a file's contents to a running omeshd's index",
		Long: "Dials the running omeshd's control connection (internal/control) and\n" +
			"drives internal/replication.Table.IndexDoc: the daemon records\n" +
			"ownership, adds the document to its own index, and broadcasts an\n" +
			"INDEX PUT to the peers selected as replicas. Requires\n" +
			"omeshd to be running on this node's configured listen port.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			content, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("read %s: %w", path, err)
			}

			id := docID
			if id == 0 {
				id, err = pathDocID(path)
				if err != nil {
					return err
				}
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			client := control.NewClient(control.Addr(cfg.ListenPort))
			if err := client.Ingest(ctx, id, content); err != nil {
				return fmt.Errorf("ingest %s: %w (is omeshd running?)", path, err)
			}
			fmt.Printf("indexed %s as doc %d\n", path, id)
			return nil
		},
	}

	cmd.Flags().Uint64Var(&docID, "doc-id", 0, "Explicit document id (default: derived from the file path)")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "How long to wait for the daemon to acknowledge the ingest")
	return cmd
}

// pathDocID derives a stable, non-zero doc_id from a file's absolute path,
// so re-ingesting the same file updates rather than duplicates its entry
// (ftsindex.Add's replace-on-reuse semantics).
func pathDocID(path string) (uint64, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return 0, fmt.Errorf("resolve path: %w", err)
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(abs))
	id := h.Sum64()
	if id == 0 {
		id = 1
	}
	return id, nil
}

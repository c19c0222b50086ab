// Command omesh is a thin, one-shot CLI: "search" and "ingest" dial a
// running omeshd's control connection (internal/control) to drive a
// distributed query or a replicated ingest, while "status" and "peers"
// read node.yaml and the on-disk index directly and report
// configured/persisted state rather than the daemon's live connection
// table.
package main

import (
	"fmt"
	"os"

	"omesh/internal/buildinfo"
	"omesh/internal/logging"

	"github.com/spf13/cobra"
)

func main() {
	if err := logging.Configure(logging.LevelWarn); err != nil {
		_, _ = os.Stderr.WriteString("configure logger: " + err.Error() + "\n")
		os.Exit(1)
	}

	root := &cobra.Command{
		Use:           "omesh",
		Short:         "Query and manage an Omesh search node's index",
		Version:       buildinfo.Version,
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.AddCommand(searchCmd())
	root.AddCommand(ingestCmd())
	root.AddCommand(peersCmd())
	root.AddCommand(statusCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// Command rowsync-cli resolves (and persists) this device's node id
// against a rowsync server.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rowsync-cli",
		Short: "rowsync-cli resolves and inspects this device's sync node identity",
	}
	cmd.AddCommand(newEnsureNodeIDCommand(), newNodeCommand())
	return cmd
}

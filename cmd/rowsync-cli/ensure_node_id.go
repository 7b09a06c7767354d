package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	appErrors "rowsync/internal/errors"
	"rowsync/internal/noderegistry"
	"rowsync/internal/transport"
)

// Exit codes the CLI commits to: 0 success, 2 transport failure, 3
// server denial.
const (
	exitOK              = 0
	exitTransportFailed = 2
	exitServerDenial    = 3
)

func newEnsureNodeIDCommand() *cobra.Command {
	var serverURL string
	var cachePath string

	cmd := &cobra.Command{
		Use:           "ensure-node-id",
		Short:         "Resolve this device's node id, registering with the server on first use",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			os.Exit(runEnsureNodeID(cmd.Context(), serverURL, cachePath))
			return nil
		},
	}

	cmd.Flags().StringVar(&serverURL, "server", "", "base URL of the rowsync server (required)")
	cmd.Flags().StringVar(&cachePath, "cache", "", "path to the node id cache file (default ~/.rowsync/config.json)")
	cmd.MarkFlagRequired("server")

	return cmd
}

func runEnsureNodeID(ctx context.Context, serverURL, cachePath string) int {
	if cachePath == "" {
		path, err := noderegistry.DefaultCachePath()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return exitTransportFailed
		}
		cachePath = path
	}

	cache, err := noderegistry.LoadOrCreateClientCache(cachePath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitTransportFailed
	}

	client := transport.NewHTTPTransport(serverURL, nil)
	nodeID, err := noderegistry.EnsureNodeID(ctx, cache, client)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		if appErrors.Is(err, appErrors.ErrRegistryExhausted) {
			return exitServerDenial
		}
		return exitTransportFailed
	}

	fmt.Println(nodeID)
	return exitOK
}

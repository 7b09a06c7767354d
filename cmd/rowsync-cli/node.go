package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"rowsync/internal/noderegistry"
)

// newNodeCommand inspects the cached device_key/node_id pair without
// contacting the server, useful for debugging a stuck sync client.
func newNodeCommand() *cobra.Command {
	node := &cobra.Command{
		Use:   "node",
		Short: "Inspect this device's cached sync node identity",
	}
	node.AddCommand(newNodeShowCommand())
	return node
}

func newNodeShowCommand() *cobra.Command {
	var cachePath string

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the cached device_key and node_id, if any",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cachePath == "" {
				path, err := noderegistry.DefaultCachePath()
				if err != nil {
					return err
				}
				cachePath = path
			}

			cache, err := noderegistry.LoadOrCreateClientCache(cachePath)
			if err != nil {
				return err
			}

			fmt.Fprintf(os.Stdout, "device_key: %s\n", cache.DeviceKey())
			if nodeID, ok := cache.NodeID(); ok {
				fmt.Fprintf(os.Stdout, "node_id: %d\n", nodeID)
			} else {
				fmt.Fprintln(os.Stdout, "node_id: (not yet registered)")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&cachePath, "cache", "", "path to the node id cache file (default ~/.rowsync/config.json)")
	return cmd
}

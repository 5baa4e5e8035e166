package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	client "shardex/clients/go"
	"shardex/pkg/rpc"
)

func collectionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "collection",
		Short: "Collection operations",
	}
	cmd.AddCommand(collectionCreateCmd())
	return cmd
}

func collectionCreateCmd() *cobra.Command {
	var (
		numShards int
		shards    string
		router    string
	)
	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Ask the overseer to create a collection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := rpc.CreateCollectionRequest{Name: args[0], NumShards: numShards, Router: router}
			if shards != "" {
				req.Shards = strings.Split(shards, ",")
			}
			return withClient(func(ctx context.Context, c *client.Client) error {
				if err := c.CreateCollection(ctx, req); err != nil {
					return err
				}
				fmt.Printf("OK: collection %s requested\n", args[0])
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&numShards, "num-shards", 0, "Number of hash-range shards")
	cmd.Flags().StringVar(&shards, "shards", "", "Comma separated shard names")
	cmd.Flags().StringVar(&router, "router", "", "Document router (compositeId or implicit)")
	return cmd
}

func coreCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "core",
		Short: "Core operations",
	}
	cmd.AddCommand(coreCreateCmd())
	return cmd
}

func coreCreateCmd() *cobra.Command {
	var (
		shard     string
		numShards int
	)
	cmd := &cobra.Command{
		Use:   "create <collection> <core>",
		Short: "Create a core on the node and register it as a replica",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, c *client.Client) error {
				info, err := c.CreateCore(ctx, rpc.CreateCoreRequest{
					Collection: args[0],
					Core:       args[1],
					Shard:      shard,
					NumShards:  numShards,
				})
				if err != nil {
					return err
				}
				return printOut(info)
			})
		},
	}
	cmd.Flags().StringVar(&shard, "shard", "", "Shard to join; assigned by the overseer when empty")
	cmd.Flags().IntVar(&numShards, "num-shards", 0, "Shard count if the collection does not exist yet")
	return cmd
}

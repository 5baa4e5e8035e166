package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	client "shardex/clients/go"
)

func clusterCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cluster",
		Short: "Cluster operations",
		Long:  "Inspect the cluster state and manage raft membership",
	}

	cmd.AddCommand(clusterStateCmd())
	cmd.AddCommand(clusterJoinCmd())

	return cmd
}

func clusterStateCmd() *cobra.Command {
	var raw bool
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Show the node's view of the cluster",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, c *client.Client) error {
				resp, err := c.State(ctx)
				if err != nil {
					return err
				}
				if raw {
					fmt.Println(string(resp.State))
					return nil
				}
				// decode the published state so yaml output stays readable
				var published map[string]any
				if len(resp.State) > 0 {
					if err := json.Unmarshal(resp.State, &published); err != nil {
						return fmt.Errorf("decode cluster state: %w", err)
					}
				}
				return printOut(map[string]any{
					"node":        resp.NodeName,
					"version":     resp.Version,
					"live_nodes":  resp.LiveNodes,
					"raft_leader": resp.RaftLeader,
					"members":     resp.Members,
					"overseer":    resp.Overseer,
					"cores":       resp.Cores,
					"collections": published,
				})
			})
		},
	}
	cmd.Flags().BoolVar(&raw, "raw", false, "Print the published cluster state JSON as is")
	return cmd
}

func clusterJoinCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "join <node-id> <raft-addr>",
		Short: "Add a node to the raft configuration (send to the leader)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, c *client.Client) error {
				if err := c.Join(ctx, args[0], args[1]); err != nil {
					return err
				}
				fmt.Printf("OK: %s joined at %s\n", args[0], args[1])
				return nil
			})
		},
	}
}

func healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check the node's health service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, c *client.Client) error {
				status, err := c.Health(ctx)
				if err != nil {
					return err
				}
				fmt.Println(status)
				return nil
			})
		},
	}
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	client "shardex/clients/go"
)

var (
	serverAddr string
	timeout    int
	output     string
)

func main() {
	var rootCmd = &cobra.Command{
		Use:          "shardex-cli",
		Short:        "shardex - replicated document index CLI",
		Long:         `shardex-cli talks to a shardex node: it sends updates, reads documents and manages collections and cores.`,
		SilenceUsage: true,
	}

	// Global flags
	rootCmd.PersistentFlags().StringVar(&serverAddr, "server", "localhost:9000", "Server address")
	rootCmd.PersistentFlags().IntVar(&timeout, "timeout", 30, "Request timeout in seconds")
	rootCmd.PersistentFlags().StringVarP(&output, "output", "o", "yaml", "Output format (yaml or json)")

	// Add subcommands
	rootCmd.AddCommand(clusterCmd())
	rootCmd.AddCommand(collectionCmd())
	rootCmd.AddCommand(coreCmd())
	rootCmd.AddCommand(docCommands()...)
	rootCmd.AddCommand(healthCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// withClient dials the node and runs fn under the request timeout.
func withClient(fn func(ctx context.Context, c *client.Client) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(timeout)*time.Second)
	defer cancel()

	c, err := client.New(ctx, serverAddr, nil)
	if err != nil {
		return fmt.Errorf("connect %s: %w", serverAddr, err)
	}
	defer c.Close()
	return fn(ctx, c)
}

func printOut(v any) error {
	switch output {
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml", "":
		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(v)
	default:
		return fmt.Errorf("unknown output format %q", output)
	}
}

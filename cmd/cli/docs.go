package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	client "shardex/clients/go"
	"shardex/pkg/update"
)

type targetFlags struct {
	collection string
	core       string
	route      string
}

func (f *targetFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.collection, "collection", "c", "", "Collection to update")
	cmd.Flags().StringVar(&f.core, "core", "", "Core to send to instead of any core of the collection")
	cmd.Flags().StringVar(&f.route, "route", "", "Routing key overriding the document id")
}

func (f *targetFlags) target() (client.Target, error) {
	if f.collection == "" && f.core == "" {
		return client.Target{}, fmt.Errorf("--collection or --core is required")
	}
	return client.Target{Collection: f.collection, Core: f.core, Route: f.route}, nil
}

// docCommands returns the document level commands.
func docCommands() []*cobra.Command {
	return []*cobra.Command{addCmd(), deleteCmd(), dbqCmd(), commitCmd(), getCmd()}
}

func addCmd() *cobra.Command {
	var tf targetFlags
	cmd := &cobra.Command{
		Use:   "add <json-document>",
		Short: "Add or replace a document",
		Example: `  shardex-cli add -c books '{"id":"dune","title":"Dune"}'
  shardex-cli add -c books '{"id":"dune","title":"Dune","_version_":1791234567890}'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := tf.target()
			if err != nil {
				return err
			}
			dec := json.NewDecoder(bytes.NewReader([]byte(args[0])))
			dec.UseNumber()
			var doc update.Document
			if err := dec.Decode(&doc); err != nil {
				return fmt.Errorf("invalid document: %w", err)
			}
			return withClient(func(ctx context.Context, c *client.Client) error {
				v, err := c.Add(ctx, t, doc)
				if err != nil {
					return err
				}
				return printOut(map[string]any{"id": doc.ID(), "version": v})
			})
		},
	}
	tf.bind(cmd)
	return cmd
}

func deleteCmd() *cobra.Command {
	var (
		tf      targetFlags
		version int64
	)
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a document by id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := tf.target()
			if err != nil {
				return err
			}
			return withClient(func(ctx context.Context, c *client.Client) error {
				v, err := c.Delete(ctx, t, args[0], version)
				if err != nil {
					return err
				}
				return printOut(map[string]any{"id": args[0], "version": v})
			})
		},
	}
	tf.bind(cmd)
	cmd.Flags().Int64Var(&version, "version", 0, "Expected current version (0 for any)")
	return cmd
}

func dbqCmd() *cobra.Command {
	var tf targetFlags
	cmd := &cobra.Command{
		Use:   "dbq <query>",
		Short: "Delete every document matching a query",
		Example: `  shardex-cli dbq -c books 'author:herbert'
  shardex-cli dbq -c books '*:*'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := tf.target()
			if err != nil {
				return err
			}
			return withClient(func(ctx context.Context, c *client.Client) error {
				if err := c.DeleteByQuery(ctx, t, args[0]); err != nil {
					return err
				}
				fmt.Println("OK")
				return nil
			})
		},
	}
	tf.bind(cmd)
	return cmd
}

func commitCmd() *cobra.Command {
	var tf targetFlags
	cmd := &cobra.Command{
		Use:   "commit",
		Short: "Commit pending updates on every replica",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := tf.target()
			if err != nil {
				return err
			}
			return withClient(func(ctx context.Context, c *client.Client) error {
				if err := c.Commit(ctx, t); err != nil {
					return err
				}
				fmt.Println("OK")
				return nil
			})
		},
	}
	tf.bind(cmd)
	return cmd
}

func getCmd() *cobra.Command {
	var tf targetFlags
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Read the latest copy of a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := tf.target()
			if err != nil {
				return err
			}
			return withClient(func(ctx context.Context, c *client.Client) error {
				doc, v, found, err := c.Get(ctx, t, args[0])
				if err != nil {
					return err
				}
				if !found {
					fmt.Printf("(nil)\n")
					return nil
				}
				return printOut(map[string]any{"version": v, "doc": doc})
			})
		},
	}
	tf.bind(cmd)
	return cmd
}

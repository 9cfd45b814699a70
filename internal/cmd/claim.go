package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"claimkv/internal/client"
)

type claimOp func(ctx context.Context, c *client.Client, key []byte) (*client.Entry, error)

func opCreate(ctx context.Context, c *client.Client, key []byte) (*client.Entry, error) {
	e, err := c.Create(ctx, key)
	return &e, err
}

func opRead(ctx context.Context, c *client.Client, key []byte) (*client.Entry, error) {
	e, err := c.Read(ctx, key)
	return &e, err
}

func opUpdate(ctx context.Context, c *client.Client, key []byte) (*client.Entry, error) {
	e, err := c.Update(ctx, key)
	return &e, err
}

func opRemove(ctx context.Context, c *client.Client, key []byte) (*client.Entry, error) {
	return nil, c.Remove(ctx, key)
}

type entryOutput struct {
	Key      string `json:"key"`
	Owner    string `json:"owner"`
	Sequence uint64 `json:"sequence"`
}

func newClaimCmd(opts *rootOptions, use, short string, op claimOp) *cobra.Command {
	var timeout time.Duration
	c := &cobra.Command{
		Use:   use + " KEY",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.caller == "" {
				return errors.New("--caller is required")
			}
			key, err := opts.key(args[0])
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			entry, err := op(ctx, opts.client(), key)
			if err != nil {
				return fmt.Errorf("%s %q: %w", use, args[0], err)
			}
			if entry == nil {
				fmt.Fprintf(cmd.OutOrStdout(), "removed %q\n", args[0])
				return nil
			}
			return printJSON(cmd.OutOrStdout(), entryOutput{
				Key:      string(entry.Key),
				Owner:    entry.Owner,
				Sequence: entry.Sequence,
			})
		},
	}
	c.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "request timeout")
	return c
}

func newHealthCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Show server status, current sequence and claim count",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()
			h, err := opts.client().Health(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), h)
		},
	}
}

func newWatchCmd(opts *rootOptions) *cobra.Command {
	var limit int
	c := &cobra.Command{
		Use:   "watch",
		Short: "Stream claim events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			stream, err := opts.client().Events(ctx)
			if err != nil {
				return err
			}
			seen := 0
			for ev := range stream.Events() {
				if ev.Key != nil {
					fmt.Fprintf(cmd.OutOrStdout(), "%s %s caller=%s key=%q\n", ev.At.Format(time.RFC3339), ev.Kind, ev.Caller, ev.Key)
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "%s %s caller=%s\n", ev.At.Format(time.RFC3339), ev.Kind, ev.Caller)
				}
				seen++
				if limit > 0 && seen >= limit {
					return nil
				}
			}
			return stream.Err()
		},
	}
	c.Flags().IntVarP(&limit, "limit", "n", 0, "stop after N events (0 = forever)")
	return c
}

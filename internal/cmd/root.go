// Package cmd implements the claimctl command line.
package cmd

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"claimkv/internal/client"
)

type rootOptions struct {
	server       string
	caller       string
	callerHeader string
	base64Key    bool
}

// Execute runs the root command
func Execute() error {
	return NewRootCmd().Execute()
}

// NewRootCmd builds the claimctl command tree.
func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "claimctl",
		Short: "Create, read, update and remove claims on a claimkv server",
		Long: `claimctl talks to a claimkv server. Every claim operation is performed
as the account given by --caller, which the server trusts as authenticated.`,
		SilenceUsage: true,
	}

	defaultServer := os.Getenv("KV_SERVER_URL")
	if defaultServer == "" {
		defaultServer = "http://127.0.0.1:8080"
	}
	root.PersistentFlags().StringVarP(&opts.server, "server", "s", defaultServer, "server base URL")
	root.PersistentFlags().StringVarP(&opts.caller, "caller", "c", os.Getenv("KV_CALLER"), "account id to act as")
	root.PersistentFlags().StringVar(&opts.callerHeader, "caller-header", "X-Caller-ID", "header carrying the account id")
	root.PersistentFlags().BoolVar(&opts.base64Key, "base64", false, "treat KEY as unpadded base64url instead of raw text")

	root.AddCommand(
		newClaimCmd(opts, "create", "Claim a key", opCreate),
		newClaimCmd(opts, "read", "Read a claim you own", opRead),
		newClaimCmd(opts, "update", "Refresh the sequence of a claim you own", opUpdate),
		newClaimCmd(opts, "remove", "Remove a claim you own", opRemove),
		newHealthCmd(opts),
		newWatchCmd(opts),
	)
	return root
}

func (o *rootOptions) client() *client.Client {
	return client.New(o.server, o.caller, client.WithCallerHeader(o.callerHeader))
}

func (o *rootOptions) key(arg string) ([]byte, error) {
	if !o.base64Key {
		return []byte(arg), nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(arg)
	if err != nil {
		return nil, fmt.Errorf("decode key: %w", err)
	}
	return raw, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

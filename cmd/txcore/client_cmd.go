package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/xid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"pkt.systems/pslog"

	"pkt.systems/txcore/api"
	"pkt.systems/txcore/client"
	"pkt.systems/txcore/internal/svcfields"
)

const defaultServerURL = "http://127.0.0.1:9440"

func newClient(logger pslog.Logger) (*client.Client, error) {
	server := strings.TrimSpace(viper.GetString("server"))
	if server == "" {
		server = defaultServerURL
	}
	return client.New(server, client.WithLogger(svcfields.WithSubsystem(logger, "cli.client")))
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTxnCommand(logger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:          "txn",
		Short:        "Submit record transactions",
		SilenceUsage: true,
	}
	cmd.AddCommand(newTxnSubmitCommand(logger))
	return cmd
}

func newTxnSubmitCommand(logger pslog.Logger) *cobra.Command {
	var file string
	var txID string
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a transaction read from a JSON file or stdin",
		Example: `
  echo '{"operations":[{"type":"create","id":"#-1:-1","class":"Person","data":{"email":"ada@example.com"}}]}' | txcore txn submit
  txcore txn submit --file tx.json --tx-id import-42`,
		RunE: func(cmd *cobra.Command, args []string) error {
			in := cmd.InOrStdin()
			if file != "" && file != "-" {
				f, err := os.Open(file)
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			var req api.TxnRequest
			dec := json.NewDecoder(in)
			dec.DisallowUnknownFields()
			if err := dec.Decode(&req); err != nil {
				return fmt.Errorf("decode transaction: %w", err)
			}
			if txID != "" {
				req.TxID = txID
			}
			if req.TxID == "" {
				req.TxID = xid.New().String()
			}
			cli, err := newClient(logger)
			if err != nil {
				return err
			}
			resp, err := cli.SubmitTxn(cmd.Context(), req)
			if err != nil {
				return err
			}
			if err := printJSON(cmd.OutOrStdout(), resp); err != nil {
				return err
			}
			if resp.Outcome != "committed" {
				return fmt.Errorf("transaction %s: %s", resp.TxID, resp.Outcome)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "transaction JSON file (default stdin)")
	cmd.Flags().StringVar(&txID, "tx-id", "", "transaction id (generated when omitted)")
	return cmd
}

func newDatabaseCommand(logger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:          "db",
		Aliases:      []string{"database"},
		Short:        "Create, drop and list databases",
		SilenceUsage: true,
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "create NAME",
			Short: "Create a database on every member",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				cli, err := newClient(logger)
				if err != nil {
					return err
				}
				resp, err := cli.CreateDatabase(cmd.Context(), args[0])
				return reportDatabase(cmd, resp, err)
			},
		},
		&cobra.Command{
			Use:   "drop NAME",
			Short: "Drop a database on every member",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				cli, err := newClient(logger)
				if err != nil {
					return err
				}
				resp, err := cli.DropDatabase(cmd.Context(), args[0])
				return reportDatabase(cmd, resp, err)
			},
		},
		&cobra.Command{
			Use:   "list",
			Short: "List databases known to the answering node",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				cli, err := newClient(logger)
				if err != nil {
					return err
				}
				names, err := cli.ListDatabases(cmd.Context())
				if err != nil {
					return err
				}
				for _, name := range names {
					fmt.Fprintln(cmd.OutOrStdout(), name)
				}
				return nil
			},
		},
	)
	return cmd
}

func reportDatabase(cmd *cobra.Command, resp *api.DatabaseResponse, err error) error {
	if err != nil {
		return err
	}
	if err := printJSON(cmd.OutOrStdout(), resp); err != nil {
		return err
	}
	if resp.Outcome != "completed" {
		return fmt.Errorf("%s %s: %s", resp.Action, resp.Database, resp.Outcome)
	}
	return nil
}

func newHealthCommand(logger pslog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:          "health",
		Short:        "Show the status of a node",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := newClient(logger)
			if err != nil {
				return err
			}
			resp, err := cli.Health(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), resp)
		},
	}
}

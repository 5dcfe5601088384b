package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"pkt.systems/pslog"

	"pkt.systems/txcore"
	"pkt.systems/txcore/api"
	"pkt.systems/txcore/client/inprocess"
	"pkt.systems/txcore/internal/version"
)

func newTestRoot(t *testing.T) *cobra.Command {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)
	t.Setenv("TXCORE_CONFIG_DIR", t.TempDir())
	return newRootCommand(pslog.NewStructured(context.Background(), io.Discard))
}

func run(t *testing.T, root *cobra.Command, stdin string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root.SetArgs(args)
	root.SetIn(strings.NewReader(stdin))
	root.SetOut(&out)
	root.SetErr(io.Discard)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := root.ExecuteContext(ctx)
	return out.String(), err
}

func TestInvocationTargetsRootCommand(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	root := newRootCommand(pslog.NewStructured(context.Background(), io.Discard))
	cases := []struct {
		name string
		args []string
		want bool
	}{
		{name: "no args", args: nil, want: true},
		{name: "root flag only", args: []string{"--store", "mem://"}, want: true},
		{name: "root shorthand with value", args: []string{"-c", "/tmp/cfg.yaml"}, want: true},
		{name: "bool flag", args: []string{"--runtime-metrics", "--metrics-listen", ":9090"}, want: true},
		{name: "subcommand", args: []string{"db", "list"}, want: false},
		{name: "subcommand alias", args: []string{"database", "list"}, want: false},
		{name: "subcommand after root flag", args: []string{"--server", "http://x", "txn", "submit"}, want: false},
		{name: "subcommand after inline flag", args: []string{"--log-level=debug", "health"}, want: false},
		{name: "stray positional", args: []string{"bogus"}, want: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := invocationTargetsRootCommand(root, tc.args); got != tc.want {
				t.Fatalf("invocationTargetsRootCommand(%v)=%v want %v", tc.args, got, tc.want)
			}
		})
	}
}

func TestBindConfigFromFlags(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	root := newRootCommand(pslog.NewStructured(context.Background(), io.Discard))
	err := root.Flags().Parse([]string{
		"--node-name", "node-b",
		"--peer", "node-a=http://a:9440,node-c=http://c:9440",
		"--quorum", "all",
		"--max-request-bytes", "1MiB",
		"--unique-index", "Person.email",
		"--operation-timeout", "45s",
	})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	cfg, err := bindConfig()
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	if cfg.NodeName != "node-b" || cfg.Quorum != "all" || cfg.OperationTimeout != 45*time.Second {
		t.Fatalf("cfg %+v", cfg)
	}
	if cfg.MaxRequestBytes != 1<<20 {
		t.Fatalf("max request bytes %d", cfg.MaxRequestBytes)
	}
	if len(cfg.Peers) != 2 || cfg.Peers[1] != (txcore.Peer{Name: "node-c", Endpoint: "http://c:9440"}) {
		t.Fatalf("peers %+v", cfg.Peers)
	}
	if !slices.Equal(cfg.UniqueIndexes, []string{"Person.email"}) {
		t.Fatalf("unique indexes %v", cfg.UniqueIndexes)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.Coordinator != "node-a" {
		t.Fatalf("coordinator %q", cfg.Coordinator)
	}
}

func TestBindConfigRejectsBadSizes(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	root := newRootCommand(pslog.NewStructured(context.Background(), io.Discard))
	if err := root.Flags().Parse([]string{"--max-request-bytes", "lots"}); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if _, err := bindConfig(); err == nil {
		t.Fatal("expected error")
	}
}

func TestConfigGenIsReadBack(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	data, err := defaultConfigYAML(func(d *configDefaults) {
		d.NodeName = "node-a"
		d.Peers = []string{"node-b=http://b:9440"}
		d.Quorum = "all"
	})
	if err != nil {
		t.Fatalf("gen: %v", err)
	}
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = newRootCommand(pslog.NewStructured(context.Background(), io.Discard))
	viper.Set("config", path)
	loaded, err := loadConfigFile()
	if err != nil || loaded != path {
		t.Fatalf("load %q: %v", loaded, err)
	}
	cfg, err := bindConfig()
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	if cfg.NodeName != "node-a" || cfg.Quorum != "all" || cfg.MaxRequestBytes != txcore.DefaultMaxRequestBytes {
		t.Fatalf("cfg %+v", cfg)
	}
	if len(cfg.Peers) != 1 || cfg.Peers[0].Name != "node-b" {
		t.Fatalf("peers %+v", cfg.Peers)
	}
}

func TestConfigGenRefusesOverwrite(t *testing.T) {
	root := newTestRoot(t)
	path := filepath.Join(t.TempDir(), "cfg.yaml")
	if _, err := run(t, root, "", "config", "gen", "--out", path); err != nil {
		t.Fatalf("gen: %v", err)
	}
	if _, err := run(t, root, "", "config", "gen", "--out", path); err == nil {
		t.Fatal("expected overwrite refusal")
	}
	if _, err := run(t, root, "", "config", "gen", "--out", path, "--force"); err != nil {
		t.Fatalf("forced gen: %v", err)
	}
}

func TestVersionCommand(t *testing.T) {
	root := newTestRoot(t)
	out, err := run(t, root, "", "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if out != version.Module()+" "+version.Current()+"\n" {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestClientCommandsAgainstInprocessServer(t *testing.T) {
	ctx := context.Background()
	inproc, err := inprocess.New(ctx, txcore.Config{NodeName: "cli"})
	if err != nil {
		t.Fatalf("inprocess: %v", err)
	}
	defer inproc.Close(ctx)
	server := inproc.Endpoints()[0]

	root := newTestRoot(t)
	tx := `{"operations":[{"type":"create","id":"#-1:-1","class":"Person","data":{"email":"ada@example.com"}}]}`
	out, err := run(t, root, tx, "--server", server, "txn", "submit")
	if err != nil {
		t.Fatalf("txn submit: %v (%s)", err, out)
	}
	var resp api.TxnResponse
	if err := json.Unmarshal([]byte(out), &resp); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if resp.Outcome != "committed" || resp.TxID == "" {
		t.Fatalf("response %+v", resp)
	}

	root = newTestRoot(t)
	if out, err := run(t, root, "", "--server", server, "db", "create", "sales"); err != nil {
		t.Fatalf("db create: %v (%s)", err, out)
	}
	root = newTestRoot(t)
	out, err = run(t, root, "", "--server", server, "db", "list")
	if err != nil || strings.TrimSpace(out) != "sales" {
		t.Fatalf("db list %q: %v", out, err)
	}
	root = newTestRoot(t)
	if _, err := run(t, root, "", "--server", server, "db", "create", "sales"); err == nil {
		t.Fatal("duplicate create should fail")
	}
}

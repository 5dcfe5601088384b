package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"pkt.systems/pslog"

	"pkt.systems/txcore"
	"pkt.systems/txcore/internal/svcfields"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix("TXCORE_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "txcore")
	cmd := newRootCommand(baseLogger)
	rootInvocation := invocationTargetsRootCommand(cmd, os.Args[1:])
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			if rootInvocation {
				svcfields.WithSubsystem(baseLogger, "cli.root").Error("command failed", "error", err)
			} else {
				fmt.Fprintf(os.Stderr, "%s\n", err)
			}
		}
		return 1
	}
	return 0
}

// invocationTargetsRootCommand reports whether args run the server rather
// than a subcommand, so failures are logged instead of printed.
func invocationTargetsRootCommand(root *cobra.Command, args []string) bool {
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			return true
		}
		if !strings.HasPrefix(arg, "-") || arg == "-" {
			return !isSubcommandToken(root, arg)
		}
		if strings.Contains(arg, "=") {
			continue
		}
		var f *pflag.Flag
		if strings.HasPrefix(arg, "--") {
			f = lookupFlag(root, strings.TrimPrefix(arg, "--"), "")
		} else if short := strings.TrimPrefix(arg, "-"); len(short) == 1 {
			f = lookupFlag(root, "", short)
		}
		flagTakesValue := f != nil && f.NoOptDefVal == ""
		if flagTakesValue {
			i++
		}
	}
	return true
}

func lookupFlag(root *cobra.Command, name, shorthand string) *pflag.Flag {
	if name != "" {
		if f := root.Flags().Lookup(name); f != nil {
			return f
		}
		if f := root.PersistentFlags().Lookup(name); f != nil {
			return f
		}
		return nil
	}
	if f := root.Flags().ShorthandLookup(shorthand); f != nil {
		return f
	}
	if f := root.PersistentFlags().ShorthandLookup(shorthand); f != nil {
		return f
	}
	return nil
}

func isSubcommandToken(root *cobra.Command, token string) bool {
	for _, sub := range root.Commands() {
		if token == sub.Name() || sub.HasAlias(token) {
			return true
		}
	}
	return false
}

func humanizeBytes(n int64) string {
	return strings.ReplaceAll(humanize.IBytes(uint64(n)), " ", "")
}

func loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(viper.GetString("config"))
	explicit := cfgPath != ""
	if cfgPath == "" {
		dir, err := txcore.DefaultConfigDir()
		if err != nil {
			return "", nil
		}
		cfgPath = filepath.Join(dir, txcore.DefaultConfigFileName)
	}
	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}
	viper.SetConfigFile(expanded)
	if err := viper.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		p = filepath.Join(home, strings.TrimPrefix(p[1:], string(filepath.Separator)))
	}
	return filepath.Abs(p)
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "txcore",
		Short:         "txcore runs a node of a two-phase commit cluster for record transactions and database lifecycle changes",
		SilenceErrors: true,
		Example: `
  # Single node with an in-memory operation log
  txcore --node-name node-a

  # Three node cluster, durable log, node-a coordinates (lowest name)
  txcore --node-name node-a --store bolt:///var/lib/txcore/oplog.db \
    --peer node-b=http://10.0.0.2:9440,node-c=http://10.0.0.3:9440

  # Unique email per Person, require every member to agree
  TXCORE_QUORUM=all txcore --node-name node-a --unique-index Person.email
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := baseLogger
			cliLogger := svcfields.WithSubsystem(logger, "cli.root")
			ctx := cmd.Context()
			cmd.SilenceUsage = true

			configFile, err := loadConfigFile()
			if err != nil {
				return err
			}
			if configFile != "" {
				cliLogger.Info("loaded config file", "path", configFile)
			}
			if level, ok := pslog.ParseLevel(strings.TrimSpace(viper.GetString("log-level"))); ok {
				logger = logger.LogLevel(level)
				cliLogger = svcfields.WithSubsystem(logger, "cli.root")
			}
			cfg, err := bindConfig()
			if err != nil {
				return err
			}
			svcfields.WithSubsystem(logger, "server.lifecycle.init").Info(
				"welcome to txcore",
				"pid", os.Getpid(),
				"node", cfg.NodeName,
			)

			server, err := txcore.NewServer(cfg, txcore.WithLogger(logger))
			if err != nil {
				return err
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				_ = server.Shutdown(shutdownCtx)
			}()
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := server.Shutdown(shutdownCtx); err != nil {
					cliLogger.Error("shutdown failed", "error", err)
				}
			}()
			if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.txcore/"+txcore.DefaultConfigFileName+")")
	persistentFlags.StringP("server", "s", defaultServerURL, "node endpoint(s) used by client commands, comma separated")
	persistentFlags.String("log-level", "info", "log level (trace, debug, info, warn, error)")

	flags := cmd.Flags()
	flags.String("node-name", "", "this node's member name (required)")
	flags.String("listen", txcore.DefaultListen, "listen address")
	flags.StringSlice("peer", nil, "other members as name=endpoint (repeatable or comma separated)")
	flags.String("coordinator", "", "member running the coordinators (defaults to the lowest member name)")
	flags.String("store", txcore.DefaultStore, "operation log location (mem:// or bolt:///path/oplog.db)")
	flags.String("quorum", txcore.DefaultQuorum, "agreement required among involved members (majority or all)")
	flags.Duration("timeout-check-interval", txcore.DefaultTimeoutCheckInterval, "how often open request contexts are checked for expiry")
	flags.Duration("operation-timeout", txcore.DefaultOperationTimeout, "how long a request context may stay unresolved")
	flags.Duration("send-timeout", txcore.DefaultSendTimeout, "timeout for one message to a peer")
	flags.Duration("submit-timeout", txcore.DefaultSubmitTimeout, "how long a client request waits for its outcome")
	flags.String("max-request-bytes", humanizeBytes(txcore.DefaultMaxRequestBytes), "maximum request body size")
	flags.StringSlice("unique-index", nil, "unique index as Class.field (repeatable)")
	flags.String("metrics-listen", txcore.DefaultMetricsListen, "metrics listen address (Prometheus scrape endpoint; empty disables)")
	flags.String("pprof-listen", txcore.DefaultPprofListen, "pprof listen address (empty disables)")
	flags.Bool("runtime-metrics", false, "export Go runtime metrics on the Prometheus endpoint")
	flags.String("otlp-endpoint", "", "OTLP collector endpoint (e.g. grpc://localhost:4317)")

	viper.SetEnvPrefix("TXCORE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	for _, name := range configKeys {
		flag := flags.Lookup(name)
		if flag == nil {
			flag = persistentFlags.Lookup(name)
		}
		if flag == nil {
			panic(fmt.Sprintf("flag %q not found", name))
		}
		if err := viper.BindPFlag(name, flag); err != nil {
			panic(err)
		}
	}

	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newVersionCommand())
	cmd.AddCommand(newTxnCommand(baseLogger))
	cmd.AddCommand(newDatabaseCommand(baseLogger))
	cmd.AddCommand(newHealthCommand(baseLogger))
	return cmd
}

var configKeys = []string{
	"config", "server", "log-level",
	"node-name", "listen", "peer", "coordinator", "store", "quorum",
	"timeout-check-interval", "operation-timeout", "send-timeout", "submit-timeout", "max-request-bytes",
	"unique-index", "metrics-listen", "pprof-listen", "runtime-metrics", "otlp-endpoint",
}

func bindConfig() (txcore.Config, error) {
	cfg := txcore.DefaultConfig()
	cfg.NodeName = viper.GetString("node-name")
	cfg.Listen = viper.GetString("listen")
	peers, err := txcore.ParsePeers(viper.GetStringSlice("peer"))
	if err != nil {
		return cfg, err
	}
	cfg.Peers = peers
	cfg.Coordinator = viper.GetString("coordinator")
	cfg.Store = viper.GetString("store")
	cfg.Quorum = viper.GetString("quorum")
	cfg.TimeoutCheckInterval = viper.GetDuration("timeout-check-interval")
	cfg.OperationTimeout = viper.GetDuration("operation-timeout")
	cfg.SendTimeout = viper.GetDuration("send-timeout")
	cfg.SubmitTimeout = viper.GetDuration("submit-timeout")
	if raw := strings.TrimSpace(viper.GetString("max-request-bytes")); raw != "" {
		n, err := humanize.ParseBytes(raw)
		if err != nil {
			return cfg, fmt.Errorf("parse max-request-bytes: %w", err)
		}
		cfg.MaxRequestBytes = int64(n)
	}
	cfg.UniqueIndexes = viper.GetStringSlice("unique-index")
	cfg.MetricsListen = viper.GetString("metrics-listen")
	cfg.PprofListen = viper.GetString("pprof-listen")
	cfg.RuntimeMetrics = viper.GetBool("runtime-metrics")
	cfg.OTLPEndpoint = viper.GetString("otlp-endpoint")
	return cfg, nil
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}

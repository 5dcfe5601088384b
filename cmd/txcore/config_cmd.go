package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/txcore"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage txcore configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	defaultOutput := "$HOME/.txcore/" + txcore.DefaultConfigFileName
	if dir, err := txcore.DefaultConfigDir(); err == nil {
		defaultOutput = filepath.Join(dir, txcore.DefaultConfigFileName)
	}

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default txcore configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			data, err := defaultConfigYAML()
			if err != nil {
				return err
			}
			if stdout {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}
			if outPath == "" {
				dir, err := txcore.DefaultConfigDir()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				outPath = filepath.Join(dir, txcore.DefaultConfigFileName)
			}
			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("config file %s already exists (use --force to overwrite)", outPath)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat config file: %w", err)
				}
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", outPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&outPath, "out", "", fmt.Sprintf("output path for generated config (defaults to %s)", defaultOutput))
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the config to stdout instead of writing a file")
	return cmd
}

// configDefaults mirrors the root command flags; keys match the flag names
// so viper reads the file without translation.
type configDefaults struct {
	NodeName             string   `yaml:"node-name"`
	Listen               string   `yaml:"listen"`
	Peers                []string `yaml:"peer"`
	Coordinator          string   `yaml:"coordinator"`
	Store                string   `yaml:"store"`
	Quorum               string   `yaml:"quorum"`
	TimeoutCheckInterval string   `yaml:"timeout-check-interval"`
	OperationTimeout     string   `yaml:"operation-timeout"`
	SendTimeout          string   `yaml:"send-timeout"`
	SubmitTimeout        string   `yaml:"submit-timeout"`
	MaxRequestBytes      string   `yaml:"max-request-bytes"`
	UniqueIndexes        []string `yaml:"unique-index"`
	MetricsListen        string   `yaml:"metrics-listen"`
	PprofListen          string   `yaml:"pprof-listen"`
	RuntimeMetrics       bool     `yaml:"runtime-metrics"`
	OTLPEndpoint         string   `yaml:"otlp-endpoint"`
	LogLevel             string   `yaml:"log-level"`
}

func defaultConfigYAML(overrides ...func(*configDefaults)) ([]byte, error) {
	host, _ := os.Hostname()
	defaults := configDefaults{
		NodeName:             host,
		Listen:               txcore.DefaultListen,
		Peers:                []string{},
		Store:                txcore.DefaultStore,
		Quorum:               txcore.DefaultQuorum,
		TimeoutCheckInterval: txcore.DefaultTimeoutCheckInterval.String(),
		OperationTimeout:     txcore.DefaultOperationTimeout.String(),
		SendTimeout:          txcore.DefaultSendTimeout.String(),
		SubmitTimeout:        txcore.DefaultSubmitTimeout.String(),
		MaxRequestBytes:      humanizeBytes(txcore.DefaultMaxRequestBytes),
		UniqueIndexes:        []string{},
		MetricsListen:        txcore.DefaultMetricsListen,
		PprofListen:          txcore.DefaultPprofListen,
		LogLevel:             "info",
	}
	for _, fn := range overrides {
		if fn != nil {
			fn(&defaults)
		}
	}
	out, err := yaml.Marshal(&defaults)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return out, nil
}

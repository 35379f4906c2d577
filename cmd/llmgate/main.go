package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/pario-ai/llmgate/pkg/config"
)

var version = "dev"

type rootOptions struct {
	configPath string
	envFile    string
}

func main() {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "llmgate",
		Short:         "llmgate: caching, routing gateway for LLM providers",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadEnv(cmd, opts.envFile)
		},
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "llmgate.yaml", "path to config file")
	root.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "dotenv file loaded before the config is read")

	root.AddCommand(
		newServeCmd(opts),
		newGenerateCmd(opts),
		newCacheCmd(opts),
		newStatsCmd(opts),
		newBudgetCmd(opts),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadEnv loads the dotenv file. A missing default file is not an error.
func loadEnv(cmd *cobra.Command, path string) error {
	err := godotenv.Load(path)
	if err == nil {
		return nil
	}
	if errors.Is(err, fs.ErrNotExist) && !cmd.Flags().Changed("env-file") {
		return nil
	}
	return fmt.Errorf("load env file: %w", err)
}

// loadConfig reads the config file. When --config was not given and the
// default file does not exist, built-in defaults are used.
func loadConfig(cmd *cobra.Command, opts *rootOptions) (*config.Config, error) {
	if !cmd.Flags().Changed("config") {
		if _, err := os.Stat(opts.configPath); errors.Is(err, fs.ErrNotExist) {
			return config.Default(), nil
		}
	}
	return config.Load(opts.configPath)
}

func newLogger(cfg config.LogConfig) (*log.Logger, error) {
	logger := log.New()
	logger.SetOutput(os.Stderr)

	level := cfg.Level
	if level == "" {
		level = "info"
	}
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	logger.SetLevel(lvl)

	switch strings.ToLower(cfg.Format) {
	case "", "text":
		logger.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	case "json":
		logger.SetFormatter(&log.JSONFormatter{})
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}
	return logger, nil
}

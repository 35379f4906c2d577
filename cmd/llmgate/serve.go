package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/pario-ai/llmgate/pkg/proxy"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if listen != "" {
				cfg.Listen = listen
			}

			logger, err := newLogger(cfg.Log)
			if err != nil {
				return err
			}

			gw, err := buildGateway(cfg, logger, os.Stderr)
			if err != nil {
				return fmt.Errorf("build gateway: %w", err)
			}
			defer func() {
				if err := gw.Close(); err != nil {
					logger.WithError(err).WithField("event", "shutdown_failed").Warn("Releasing resources failed")
				}
			}()

			srv := proxy.New(proxy.Options{
				Listen:   cfg.Listen,
				Pipeline: gw.pipeline,
				Cache:    gw.cache,
				Registry: gw.registry,
				Logger:   logger,
			})

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			logger.WithFields(log.Fields{
				"config":   opts.configPath,
				"backends": gw.backends,
				"cache":    cfg.Cache.Enabled,
				"event":    "gateway_start",
			}).Info("Starting llmgate")
			return srv.ListenAndServe(ctx)
		},
	}

	cmd.Flags().StringVarP(&listen, "listen", "l", "", "listen address, overrides the config")
	return cmd
}

// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/go-core-stack/forward-proxy/pkg/config"
	"github.com/go-core-stack/forward-proxy/pkg/helpers"
	"github.com/go-core-stack/forward-proxy/pkg/proxy"
	"github.com/go-core-stack/forward-proxy/pkg/proxyurl"
)

var (
	version    = "dev"
	configPath string
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	root := &cobra.Command{
		Use:   "proxy",
		Short: "Programmable forward HTTP proxy",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to an optional YAML config file")

	root.AddCommand(serveCmd(), anonymizeCmd(), versionCmd())

	if err := root.Execute(); err != nil {
		log.Fatal().Err(err).Msg("proxy exited with error")
	}
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, fmt.Errorf("load configuration: %w", err)
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		return config.Config{}, fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, err)
	}
	log.Logger = log.Level(level)

	return cfg, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the proxy engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			var acceptLimiter *rate.Limiter
			if cfg.AcceptRateLimit > 0 {
				acceptLimiter = rate.NewLimiter(rate.Limit(cfg.AcceptRateLimit), cfg.AcceptBurst)
			}

			srv := proxy.New(proxy.Options{
				ListenAddr:             cfg.ListenAddr,
				Realm:                  cfg.Realm,
				MaxHeaderBytes:         cfg.MaxHeaderBytes,
				ReadHeaderTimeout:      cfg.ReadHeaderTimeout,
				UpstreamDialTimeout:    cfg.UpstreamDialTimeout,
				UpstreamConnectTimeout: cfg.UpstreamConnTimeout,
				AcceptLimiter:          acceptLimiter,
				Verbose:                cfg.Verbose,
				Logger:                 log.Logger,
				OnConnection: func(c *proxy.Connection) {
					log.Debug().Str("connection", c.ID).Str("remote", c.RemoteAddr().String()).Msg("connection accepted")
				},
				OnConnectionClosed: func(c *proxy.Connection, stats proxy.Stats) {
					log.Info().
						Str("connection", c.ID).
						Int64("bytes_in", stats.BytesIn).
						Int64("bytes_out", stats.BytesOut).
						Dur("duration", stats.Duration).
						Msg("connection closed")
				},
			})

			go func() {
				log.Info().Str("listen_addr", cfg.ListenAddr).Msg("starting forward proxy")
				if err := srv.ListenAndServe(); err != nil {
					log.Fatal().Err(err).Msg("proxy server exited unexpectedly")
				}
			}()

			waitForShutdown(srv, cfg.GracefulShutdown)
			return nil
		},
	}
}

func anonymizeCmd() *cobra.Command {
	var upstreamURL string

	cmd := &cobra.Command{
		Use:   "anonymize",
		Short: "Stand up a credential-less front end for an authenticated upstream proxy",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := loadConfig(); err != nil {
				return err
			}

			upstream, err := proxyurl.Parse(upstreamURL)
			if err != nil {
				return fmt.Errorf("parse --upstream: %w", err)
			}

			local, err := helpers.AnonymizeProxy(upstream)
			if err != nil {
				return fmt.Errorf("anonymize proxy: %w", err)
			}

			redacted, _ := proxyurl.Redact(upstreamURL, "")
			log.Info().Str("local", local).Str("upstream", redacted).Msg("anonymizing proxy running")

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
			<-stop

			helpers.CloseAnonymizedProxy(local, false)
			return nil
		},
	}
	cmd.Flags().StringVar(&upstreamURL, "upstream", "", "authenticated upstream proxy URL (required)")
	cmd.MarkFlagRequired("upstream")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the proxy version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(version)
			return nil
		},
	}
}

func waitForShutdown(srv *proxy.Server, timeout time.Duration) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	<-stop

	log.Info().Msg("shutting down forward proxy")

	done := make(chan struct{})
	go func() {
		srv.Close(false)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		log.Error().Msg("graceful shutdown timed out; forcing close")
		srv.Close(true)
	}

	log.Info().Msg("proxy stopped")
}

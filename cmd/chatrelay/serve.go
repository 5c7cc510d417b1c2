package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/mama165/sdk-go/logs"
	"github.com/spf13/cobra"

	"github.com/Tyrowin/chatrelay/internal/server"
)

func serveCmd() *cobra.Command {
	var (
		listenAddr string
		codecName  string
		httpAddr   string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay",
		Long: `Run the relay until SIGINT or SIGTERM.

Settings come from RELAY_* environment variables (a .env file in the
working directory is loaded first); flags override them.

Examples:
  chatrelay serve
  chatrelay serve --listen=:7777 --codec=binary
  chatrelay serve --http=:8080`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := server.LoadConfig()
			if err != nil {
				return err
			}

			// Apply command-line overrides
			if listenAddr != "" {
				cfg.ListenAddr = listenAddr
			}
			if codecName != "" {
				cfg.Codec = codecName
			}
			if httpAddr != "" {
				cfg.HTTPAddr = httpAddr
			}
			if logLevel != "" {
				cfg.LogLevel = logLevel
			}
			cfg.Sanitize()
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, *cfg)
		},
	}

	cmd.Flags().StringVarP(&listenAddr, "listen", "l", "", "TCP address to listen on (default from RELAY_LISTEN_ADDR)")
	cmd.Flags().StringVarP(&codecName, "codec", "c", "", "Wire codec: text or binary (default from RELAY_CODEC)")
	cmd.Flags().StringVar(&httpAddr, "http", "", "Address for /healthz, /metrics and /ws (default from RELAY_HTTP_ADDR)")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "DEBUG, INFO, WARN or ERROR (default from RELAY_LOG_LEVEL)")

	return cmd
}

func runServe(ctx context.Context, cfg server.Config) error {
	log := logs.GetLoggerFromString(cfg.LogLevel)

	relay, err := server.New(cfg, server.WithLogger(log))
	if err != nil {
		return err
	}
	if err := relay.Start(); err != nil {
		return err
	}

	<-ctx.Done()
	log.Info("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := relay.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}

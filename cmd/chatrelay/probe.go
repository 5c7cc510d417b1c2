package main

import (
	"os"
	"os/signal"
	"time"

	"github.com/mama165/sdk-go/logs"
	"github.com/spf13/cobra"

	"github.com/Tyrowin/chatrelay/internal/codec"
	"github.com/Tyrowin/chatrelay/internal/probe"
)

func probeCmd() *cobra.Command {
	var (
		opts      probe.Options
		codecName string
		logLevel  string
	)

	cmd := &cobra.Command{
		Use:   "probe [addr]",
		Short: "Measure relay round-trip latency",
		Long: `Open several connections, send messages carrying unique tokens and
report how long the relay takes to echo each one back.

addr is a TCP host:port or a ws:// URL to the relay's /ws endpoint.

Examples:
  chatrelay probe 127.0.0.1:7777 -n 100 -m 10
  chatrelay probe ws://127.0.0.1:8080/ws --codec=binary`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Addr = "127.0.0.1:7777"
			if len(args) == 1 {
				opts.Addr = args[0]
			}
			c, err := codec.ByName(codecName)
			if err != nil {
				return err
			}
			opts.Codec = c
			opts.Logger = logs.GetLoggerFromString(logLevel)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			report, err := probe.Run(ctx, opts)
			if report != nil {
				report.Render(cmd.OutOrStdout())
			}
			return err
		},
	}

	cmd.Flags().IntVarP(&opts.Connections, "connections", "n", 10, "Number of concurrent connections")
	cmd.Flags().IntVarP(&opts.Messages, "messages", "m", 10, "Messages sent per connection")
	cmd.Flags().DurationVarP(&opts.Interval, "interval", "i", 0, "Delay between two sends on one connection")
	cmd.Flags().DurationVarP(&opts.Timeout, "timeout", "t", 10*time.Second, "Wait for outstanding echoes after the last send")
	cmd.Flags().StringVar(&opts.Origin, "origin", "", "Origin header for ws:// addresses")
	cmd.Flags().StringVarP(&codecName, "codec", "c", "text", "Wire codec: text or binary")
	cmd.Flags().StringVar(&logLevel, "log-level", "WARN", "DEBUG, INFO, WARN or ERROR")

	return cmd
}

package main

import (
	"fmt"
	"os"

	"github.com/gookit/color"
	"github.com/spf13/cobra"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "chatrelay",
		Short: "Multi-client TCP chat relay",
		Long: `chatrelay accepts stream connections and rebroadcasts every message it
receives to every connected client, the sender included.

Messages are framed with one of two codecs:

  • text    sender|timestamp|body terminated by a NUL byte
  • binary  length-prefixed protobuf wire fields`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		serveCmd(),
		probeCmd(),
		chatCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s %s\n", color.Red.Render("Error:"), err)
		os.Exit(1)
	}
}

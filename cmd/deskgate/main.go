package main

import (
	"fmt"
	"os"

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
		Use:   "deskgate",
		Short: "Remote desktop gateway",
		Long: `deskgate bridges browser clients to remote desktop hosts.

Clients connect over WebSocket, the gateway keeps one framed TCP or TLS
connection per session to the host, and relays input, clipboard, video,
device redirection and file transfers between the two.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var configPath string
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("DESKGATE_CONFIG"), "Path to the TOML config file")

	rootCmd.AddCommand(
		serveCmd(&configPath),
		probeCmd(),
		tokenCmd(&configPath),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "\033[31mError:\033[0m %s\n", err)
		os.Exit(1)
	}
}

// success prints a success message.
func success(format string, args ...any) {
	fmt.Printf("\033[32m✓\033[0m %s\n", fmt.Sprintf(format, args...))
}

// info prints an info message.
func info(format string, args ...any) {
	fmt.Printf("  %s\n", fmt.Sprintf(format, args...))
}

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	logLevel   string
	logFormat  string

	rootCmd = &cobra.Command{
		Use:   "treesync-server",
		Short: "Remote authority for treesync replicas",
		Long: `treesync-server stores versions and branch pointers for treesync
replicas and pushes branch changes to connected replicas.`,
		SilenceUsage: true,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Serve the object and branch store over HTTP",
		RunE:  runServe,
	}

	historyCmd = &cobra.Command{
		Use:   "history [branch]",
		Short: "Print the linearized history of a branch",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runHistory,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "treesync.yaml", "path to the config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level override (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format override (text, json)")

	serveCmd.Flags().String("addr", "", "listen address override")
	serveCmd.Flags().String("storage", "", "storage backend override (memory, badger)")

	historyCmd.Flags().String("remote", "", "read from a running server at this URL")
	historyCmd.Flags().String("data-dir", "", "read from a badger data directory")
	historyCmd.Flags().Bool("all", false, "include merge versions")

	rootCmd.AddCommand(serveCmd, historyCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

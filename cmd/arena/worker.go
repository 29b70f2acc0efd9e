package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/wippyai/realm-runner/worker"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Serve one worker over stdin and stdout",
	Long: `Serve one worker over stdin and stdout, one JSON message per line.

This is what the process transport starts. Logs go to stderr.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		w := worker.New(registry(), cfg.RealmConfig())
		return w.Serve(cmd.Context(), worker.StreamConn(os.Stdin, os.Stdout, os.Stdin))
	},
}

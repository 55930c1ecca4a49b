// Command vfsctl is the operator CLI for a running vfsd daemon: it
// drives the daemon's HTTP control API (internal/control) to show live
// status, pause an in-progress sync, or trigger one immediately.
// Command registration follows the teacher's `init()`-registers-
// subcommand idiom with RunE returning wrapped errors.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/mergefs/vfsd/internal/control"
)

var controlAddr string

// Root is the top-level vfsctl command.
var Root = &cobra.Command{
	Use:   "vfsctl",
	Short: "Operator CLI for the vfsd daemon",
}

func init() {
	Root.PersistentFlags().StringVar(&controlAddr, "addr", "http://127.0.0.1:9847", "base URL of the vfsd control API")
	Root.AddCommand(statusCmd, pauseCmd, syncNowCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show a live dashboard of every sync pair",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDashboard(control.NewClient(controlAddr))
	},
}

var pauseCmd = &cobra.Command{
	Use:   "pause <pair-id>",
	Short: "Pause an in-progress sync at its next checkpoint",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := control.NewClient(controlAddr)
		if err := client.Pause(cmd.Context(), args[0]); err != nil {
			return errors.Wrapf(err, "pausing pair %s", args[0])
		}
		fmt.Printf("pausing pair %s\n", args[0])
		return nil
	},
}

var syncNowCmd = &cobra.Command{
	Use:   "sync-now <pair-id>",
	Short: "Trigger an immediate sync pass and wait for it to finish",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := control.NewClient(controlAddr)
		result, err := client.SyncNow(context.Background(), args[0])
		if err != nil {
			return errors.Wrapf(err, "syncing pair %s", args[0])
		}
		fmt.Printf("pair %s: %s (%d files, %d bytes, %d failed actions)\n",
			args[0], result.Phase, result.ProcessedFiles, result.ProcessedBytes, result.FailedActions)
		return nil
	},
}

func main() {
	if err := Root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

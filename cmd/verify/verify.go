// Package verify provides the verify command.
package verify

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/vaultsync/vaultsync/cmd"
	"github.com/vaultsync/vaultsync/reconcile"
)

func init() {
	cmd.Root.AddCommand(commandDefinition)
}

var commandDefinition = &cobra.Command{
	Use:   "verify",
	Short: `Check that uploaded files still exist at their remotes.`,
	Long: `Probe every upload recorded as successful at its remote.  A file whose
uploaded copy is definitely gone is marked as not uploaded again, so
it shows up as needing backup.  Nothing is deleted, locally or
remotely, and a remote which can't be reached leaves its records
untouched.
`,
	Run: func(command *cobra.Command, args []string) {
		cmd.CheckArgs(0, 0, command, args)
		cmd.Run(command, func() error {
			ctx := context.Background()
			store := cmd.OpenStore()
			defer func() { _ = store.Close() }()
			lib := cmd.OpenLibrary()
			defer func() { _ = lib.Close() }()
			registry := cmd.OpenRegistry()

			report, err := reconcile.New(store, lib, registry).Run(ctx)
			if err != nil {
				return err
			}
			for _, r := range report.Remotes {
				if r.Skipped {
					fmt.Printf("%-20s skipped (not configured)\n", r.RemoteID)
					continue
				}
				fmt.Printf("%-20s %d checked, %d missing, %d errors\n", r.RemoteID, r.Checked, r.Missing, r.Errors)
			}
			fmt.Printf("Checked %d upload(s) in %v: %d missing, %d errors\n",
				report.Checked, report.Elapsed.Round(time.Millisecond), report.Missing, report.Errors)
			return nil
		})
	},
}

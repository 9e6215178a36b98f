// Package clean provides the clean command.
package clean

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/vaultsync/vaultsync/cmd"
	"github.com/vaultsync/vaultsync/vault/flags"
)

// Globals
var (
	completed bool
	pending   bool
)

func init() {
	cmd.Root.AddCommand(commandDefinition)
	cmdFlags := commandDefinition.Flags()
	flags.BoolVarP(cmdFlags, &completed, "completed", "", false, "Remove the record of finished uploads")
	flags.BoolVarP(cmdFlags, &pending, "pending", "", false, "Cancel every queued and failed upload")
}

var commandDefinition = &cobra.Command{
	Use:   "clean",
	Short: `Remove uploads from the queue.`,
	Long: `Remove uploads from the queue.

With --completed the records of successful uploads are removed.  The
uploaded objects stay at the remotes but are no longer checked by
vaultsync verify.

With --pending every task is cancelled, including uploads currently in
flight, whose results are discarded when they finish.
`,
	Run: func(command *cobra.Command, args []string) {
		cmd.CheckArgs(0, 0, command, args)
		cmd.Run(command, func() error {
			if completed == pending {
				return errors.New("need exactly one of --completed or --pending")
			}
			ctx := context.Background()
			store := cmd.OpenStore()
			defer func() { _ = store.Close() }()

			if completed {
				n, err := store.ClearCompleted(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("Removed %d completed upload(s)\n", n)
				return nil
			}
			n, err := store.CancelAllPending(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("Cancelled %d upload(s)\n", n)
			return nil
		})
	},
}

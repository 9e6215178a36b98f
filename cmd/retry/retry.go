// Package retry provides the retry command.
package retry

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
	retryAll bool
)

func init() {
	cmd.Root.AddCommand(commandDefinition)
	cmdFlags := commandDefinition.Flags()
	flags.BoolVarP(cmdFlags, &retryAll, "all", "", false, "Retry every failed task")
}

var commandDefinition = &cobra.Command{
	Use:   "retry [taskID]...",
	Short: `Put failed uploads back in the queue.`,
	Long: `Reset the given failed tasks so they are uploaded again from scratch
with a fresh attempt budget.  Use --all to retry every failed task.

Task IDs are shown by vaultsync status.
`,
	Run: func(command *cobra.Command, args []string) {
		cmd.CheckArgs(0, 1E6, command, args)
		cmd.Run(command, func() error {
			ctx := context.Background()
			store := cmd.OpenStore()
			defer func() { _ = store.Close() }()

			if retryAll {
				if len(args) > 0 {
					return errors.New("can't use --all with task IDs")
				}
				n, err := store.RetryAllFailed(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("Requeued %d upload(s)\n", n)
				return nil
			}
			if len(args) == 0 {
				return errors.New("need a task ID or --all")
			}
			for _, id := range args {
				if _, err := store.Retry(ctx, id); err != nil {
					return errors.Wrapf(err, "task %q", id)
				}
			}
			fmt.Printf("Requeued %d upload(s)\n", len(args))
			return nil
		})
	},
}

// Package status provides the status command.
package status

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/vaultsync/vaultsync/cmd"
	"github.com/vaultsync/vaultsync/queue"
	"github.com/vaultsync/vaultsync/vault/flags"
)

// Globals
var (
	fileID     string
	failedOnly bool
)

func init() {
	cmd.Root.AddCommand(commandDefinition)
	cmdFlags := commandDefinition.Flags()
	flags.StringVarP(cmdFlags, &fileID, "file", "", "", "Only show the tasks of this file")
	flags.BoolVarP(cmdFlags, &failedOnly, "failed", "", false, "Only show failed tasks")
}

var commandDefinition = &cobra.Command{
	Use:   "status",
	Short: `Show the state of the upload queue.`,
	Long: `Show every task in the upload queue with its state, attempt count and
either the stored locator or the failure message.
`,
	Run: func(command *cobra.Command, args []string) {
		cmd.CheckArgs(0, 0, command, args)
		cmd.Run(command, func() error {
			ctx := context.Background()
			store := cmd.OpenStore()
			defer func() { _ = store.Close() }()

			var tasks []queue.Task
			var err error
			switch {
			case fileID != "":
				tasks, err = store.ByFile(ctx, fileID)
			case failedOnly:
				tasks, err = store.List(ctx, queue.StateFailed)
			default:
				tasks, err = store.List(ctx)
			}
			if err != nil {
				return err
			}
			for _, t := range tasks {
				detail := ""
				switch t.State {
				case queue.StateSuccess:
					detail = string(t.UploadedLocator)
				case queue.StateFailed:
					detail = t.ErrorMessage
				case queue.StateInProgress:
					detail = fmt.Sprintf("%3.0f%%", t.Progress*100)
				}
				fmt.Printf("%-11s %5d/%d %-40s %s\n", t.State, t.AttemptCount, t.MaxAttempts, t.FileID+" -> "+t.RemoteID, detail)
			}
			counts, err := store.Counts(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("%d pending, %d uploading, %d done, %d failed\n",
				counts[queue.StatePending], counts[queue.StateInProgress],
				counts[queue.StateSuccess], counts[queue.StateFailed])
			return nil
		})
	},
}

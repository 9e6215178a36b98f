// Package enqueue provides the enqueue command.
package enqueue

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/vaultsync/vaultsync/cmd"
)

func init() {
	cmd.Root.AddCommand(commandDefinition)
}

var commandDefinition = &cobra.Command{
	Use:   "enqueue fileID [remoteID]...",
	Short: `Queue a vault file for upload.`,
	Long: `Queue the given vault file for upload to the named remotes, or to
every active remote when none are given.  A file which is already
queued or uploaded for a remote is left alone.
`,
	Run: func(command *cobra.Command, args []string) {
		cmd.CheckArgs(1, 1E6, command, args)
		cmd.Run(command, func() error {
			ctx := context.Background()
			store := cmd.OpenStore()
			defer func() { _ = store.Close() }()
			lib := cmd.OpenLibrary()
			defer func() { _ = lib.Close() }()
			registry := cmd.OpenRegistry()

			fileID := args[0]
			if _, err := lib.File(ctx, fileID); err != nil {
				return errors.Wrapf(err, "file %q", fileID)
			}
			remotes := args[1:]
			if len(remotes) == 0 {
				remotes = registry.ActiveIDs()
			}
			if len(remotes) == 0 {
				return errors.New("no active remotes configured")
			}
			created, err := store.EnqueueBatch(ctx, []string{fileID}, remotes)
			if err != nil {
				return err
			}
			fmt.Printf("Queued %d upload(s) for %s\n", created, fileID)
			return nil
		})
	},
}

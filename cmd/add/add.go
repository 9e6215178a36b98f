// Package add provides the add command.
package add

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/vaultsync/vaultsync/cmd"
	"github.com/vaultsync/vaultsync/library"
	"github.com/vaultsync/vaultsync/vault"
	"github.com/vaultsync/vaultsync/vault/flags"
)

// Globals
var (
	folderID  string
	noEnqueue bool
)

func init() {
	cmd.Root.AddCommand(commandDefinition)
	cmdFlags := commandDefinition.Flags()
	flags.StringVarP(cmdFlags, &folderID, "folder", "", "", "ID of the vault folder to add the files to")
	flags.BoolVarP(cmdFlags, &noEnqueue, "no-enqueue", "", false, "Add the files without queueing them for upload")
}

var commandDefinition = &cobra.Command{
	Use:   "add path...",
	Short: `Add local files to the vault and queue them for upload.`,
	Long: `Copy the given files into the vault's artifact store, index them and
queue them for upload to every active remote.  The ID assigned to each
file is printed.

Files are categorised by their extension, so a photo ends up under the
photos container at the destination.
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

			if folderID != "" {
				if _, err := lib.Folder(ctx, folderID); err != nil {
					return errors.Wrapf(err, "folder %q", folderID)
				}
			}
			remotes := registry.ActiveIDs()
			if len(remotes) == 0 && !noEnqueue {
				vault.Logf("add", "No active remotes - files will be added but not queued")
			}

			var fileIDs []string
			for _, path := range args {
				id, err := addFile(ctx, lib, path)
				if err != nil {
					return errors.Wrapf(err, "failed to add %q", path)
				}
				fileIDs = append(fileIDs, id)
				fmt.Printf("%s %s\n", id, path)
			}
			if noEnqueue || len(remotes) == 0 {
				return nil
			}
			created, err := store.EnqueueBatch(ctx, fileIDs, remotes)
			if err != nil {
				return err
			}
			fmt.Printf("Queued %d upload(s)\n", created)
			return nil
		})
	},
}

// addFile copies one local file into the vault and returns its new ID
func addFile(ctx context.Context, lib *library.Local, path string) (string, error) {
	in, err := os.Open(path)
	if err != nil {
		return "", err
	}
	name := filepath.Base(path)
	f := library.File{
		ID:        uuid.NewString(),
		Name:      name,
		FolderID:  folderID,
		MediaType: library.MediaTypeOf(name),
	}
	err = lib.AddFile(ctx, f, in)
	closeErr := in.Close()
	if err != nil {
		return "", err
	}
	if closeErr != nil {
		return "", closeErr
	}
	return f.ID, nil
}

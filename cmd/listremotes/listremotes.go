// Package listremotes provides the listremotes command.
package listremotes

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
	"github.com/vaultsync/vaultsync/cmd"
	"github.com/vaultsync/vaultsync/remote"
	"github.com/vaultsync/vaultsync/vault/flags"
)

// Globals
var (
	listLong bool
)

func init() {
	cmd.Root.AddCommand(commandDefinition)
	cmdFlags := commandDefinition.Flags()
	flags.BoolVarP(cmdFlags, &listLong, "long", "", listLong, "Show the kind and state as well as names.")
}

var commandDefinition = &cobra.Command{
	Use:   "listremotes",
	Short: `List all the remotes in the config file.`,
	Long: `vaultsync listremotes lists all the available remotes from the config
file.

When used with the --long flag it lists the kinds and whether the
remote is active too.
`,
	Run: func(command *cobra.Command, args []string) {
		cmd.CheckArgs(0, 0, command, args)
		cmd.Run(command, func() error {
			configs, err := remote.LoadConfigFile(cmd.RemotesPath())
			if err != nil {
				return err
			}
			sort.Slice(configs, func(i, j int) bool {
				return configs[i].ID < configs[j].ID
			})
			maxlen := 1
			for _, c := range configs {
				if len(c.ID) > maxlen {
					maxlen = len(c.ID)
				}
			}
			for _, c := range configs {
				if listLong {
					state := "active"
					if !c.Active {
						state = "inactive"
					}
					fmt.Printf("%-*s %-7s %s\n", maxlen+1, c.ID, c.Kind, state)
				} else {
					fmt.Printf("%s\n", c.ID)
				}
			}
			return nil
		})
	},
}

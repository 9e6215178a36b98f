// Upload the files of a local encrypted vault to its configured cloud
// destinations
package main

import (
	_ "github.com/vaultsync/vaultsync/backend/all" // import all backends
	"github.com/vaultsync/vaultsync/cmd"
	_ "github.com/vaultsync/vaultsync/cmd/all" // import all commands
)

func main() {
	cmd.Main()
}

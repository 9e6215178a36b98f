// Package all imports all the commands
package all

import (
	// Active commands
	_ "github.com/vaultsync/vaultsync/cmd"
	_ "github.com/vaultsync/vaultsync/cmd/add"
	_ "github.com/vaultsync/vaultsync/cmd/clean"
	_ "github.com/vaultsync/vaultsync/cmd/daemon"
	_ "github.com/vaultsync/vaultsync/cmd/enqueue"
	_ "github.com/vaultsync/vaultsync/cmd/listremotes"
	_ "github.com/vaultsync/vaultsync/cmd/retry"
	_ "github.com/vaultsync/vaultsync/cmd/status"
	_ "github.com/vaultsync/vaultsync/cmd/verify"
	_ "github.com/vaultsync/vaultsync/cmd/version"
)

// Package all imports all the backends
package all

import (
	// Active backend kinds
	_ "github.com/vaultsync/vaultsync/backend/drive"
	_ "github.com/vaultsync/vaultsync/backend/s3"
	_ "github.com/vaultsync/vaultsync/backend/webdav"
)

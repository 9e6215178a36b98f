// Package vault holds the core types shared by the vaultsync upload
// subsystem: error sentinels, error classification and logging.
package vault

import (
	"io"

	"github.com/pkg/errors"
)

// Globals
var (
	// ErrorRemoteNotConfigured is returned when a task names a remote
	// id which is unknown or disabled
	ErrorRemoteNotConfigured = errors.New("remote not configured")
	ErrorObjectNotFound      = errors.New("object not found")
	ErrorDirNotFound         = errors.New("directory not found")
	ErrorPermissionDenied    = errors.New("permission denied")
	ErrorNotAFile            = errors.New("is not a regular file")
	ErrorLocatorInvalid      = errors.New("invalid locator")
)

// CheckClose is a utility function used to check the return from
// Close in a defer statement.
func CheckClose(c io.Closer, err *error) {
	cerr := c.Close()
	if *err == nil {
		*err = cerr
	}
}

package remote

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/vaultsync/vaultsync/vault"
)

// Locator is a stable reference to an uploaded object, good for
// re-checking its existence or deleting it later.  The formats are
// part of the stored data and must never change:
//
//	s3://bucket/key
//	drive://fileID
//	webdav://remoteName/path
type Locator string

// String returns the locator as a string
func (l Locator) String() string {
	return string(l)
}

// S3Locator makes the locator for an object in an s3 bucket
func S3Locator(bucket, key string) Locator {
	return Locator("s3://" + bucket + "/" + key)
}

// DriveLocator makes the locator for a drive file from its server id
func DriveLocator(fileID string) Locator {
	return Locator("drive://" + fileID)
}

// WebdavLocator makes the locator for an object on a webdav remote.
// path is relative to the remote's base path.
func WebdavLocator(remoteName, path string) Locator {
	return Locator("webdav://" + remoteName + "/" + path)
}

// split cuts the locator into scheme and rest, or returns an error if
// it doesn't look like a locator at all.
func (l Locator) split() (scheme, rest string, err error) {
	scheme, rest, found := strings.Cut(string(l), "://")
	if !found || scheme == "" {
		return "", "", errors.Wrapf(vault.ErrorLocatorInvalid, "%q", l)
	}
	return scheme, rest, nil
}

// BackendKind returns the kind of backend the locator belongs to
func (l Locator) BackendKind() (Kind, error) {
	scheme, _, err := l.split()
	if err != nil {
		return "", err
	}
	kind := Kind(scheme)
	switch kind {
	case KindS3, KindDrive, KindWebdav:
		return kind, nil
	}
	return "", errors.Wrapf(vault.ErrorLocatorInvalid, "unknown scheme in %q", l)
}

// ParseS3 splits an s3 locator into bucket and key
func ParseS3(l Locator) (bucket, key string, err error) {
	scheme, rest, err := l.split()
	if err != nil {
		return "", "", err
	}
	if scheme != string(KindS3) {
		return "", "", errors.Wrapf(vault.ErrorLocatorInvalid, "%q is not an s3 locator", l)
	}
	bucket, key, found := strings.Cut(rest, "/")
	if !found || bucket == "" || key == "" {
		return "", "", errors.Wrapf(vault.ErrorLocatorInvalid, "%q is missing bucket or key", l)
	}
	return bucket, key, nil
}

// ParseDrive returns the server file id from a drive locator
func ParseDrive(l Locator) (fileID string, err error) {
	scheme, rest, err := l.split()
	if err != nil {
		return "", err
	}
	if scheme != string(KindDrive) {
		return "", errors.Wrapf(vault.ErrorLocatorInvalid, "%q is not a drive locator", l)
	}
	if rest == "" || strings.ContainsRune(rest, '/') {
		return "", errors.Wrapf(vault.ErrorLocatorInvalid, "%q has a malformed file id", l)
	}
	return rest, nil
}

// ParseWebdav splits a webdav locator into the remote name and the
// path relative to the remote's base path.
func ParseWebdav(l Locator) (remoteName, path string, err error) {
	scheme, rest, err := l.split()
	if err != nil {
		return "", "", err
	}
	if scheme != string(KindWebdav) {
		return "", "", errors.Wrapf(vault.ErrorLocatorInvalid, "%q is not a webdav locator", l)
	}
	remoteName, path, found := strings.Cut(rest, "/")
	if !found || remoteName == "" || path == "" {
		return "", "", errors.Wrapf(vault.ErrorLocatorInvalid, "%q is missing remote name or path", l)
	}
	return remoteName, path, nil
}

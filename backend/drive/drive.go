// Package drive implements the upload backend for Drive style cloud
// services.
//
// Containers are real server entities with server assigned ids, so
// materializing a destination walks the id chain through the
// directory cache, querying by (parent, name) before creating.
package drive

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/vaultsync/vaultsync/dircache"
	"github.com/vaultsync/vaultsync/pacer"
	"github.com/vaultsync/vaultsync/remote"
	"github.com/vaultsync/vaultsync/vault"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	drive "google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const (
	// Drive rate limits are strict so pace uploads conservatively
	minSleep        = 100 * time.Millisecond
	maxSleep        = 2 * time.Second
	decayConstant   = 2 // bigger for slower decay, exponential
	driveFolderType = "application/vnd.google-apps.folder"
	uploadMimeType  = "application/octet-stream"
)

// Register with the registry
func init() {
	remote.Register(&remote.RegInfo{
		Kind:        remote.KindDrive,
		Description: "Drive style cloud storage",
		NewBackend:  NewBackend,
	})
}

// Backend stores uploads on one Drive account
type Backend struct {
	name         string // config name of the remote
	svc          *drive.Service
	pacer        *pacer.Pacer
	dirCache     *dircache.DirCache
	rootFolderID string
}

// Check the interfaces are satisfied
var (
	_ remote.Backend          = (*Backend)(nil)
	_ dircache.ContainerMaker = (*Backend)(nil)
)

// oauthClient makes the authorized HTTP client from the config
func oauthClient(ctx context.Context, cfg remote.Config) (*http.Client, error) {
	token := new(oauth2.Token)
	if err := json.Unmarshal([]byte(cfg.Token), token); err != nil {
		return nil, errors.Wrapf(err, "remote %q has a malformed drive token", cfg.Name)
	}
	if cfg.ClientID == "" {
		// No client credentials so the token can't be refreshed
		return oauth2.NewClient(ctx, oauth2.StaticTokenSource(token)), nil
	}
	conf := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint:     google.Endpoint,
		Scopes:       []string{drive.DriveFileScope},
	}
	return conf.Client(ctx, token), nil
}

// NewBackend makes a drive backend from the config
func NewBackend(ctx context.Context, cfg remote.Config) (remote.Backend, error) {
	client, err := oauthClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	svc, err := drive.NewService(ctx, option.WithHTTPClient(client))
	if err != nil {
		return nil, errors.Wrap(err, "couldn't create Drive client")
	}
	return newBackendWithService(cfg, svc), nil
}

// newBackendWithService allows the tests to inject a service talking
// to a fake server.
func newBackendWithService(cfg remote.Config, svc *drive.Service) *Backend {
	rootFolderID := cfg.RootFolderID
	if rootFolderID == "" {
		rootFolderID = "root"
	}
	f := &Backend{
		name:         cfg.Name,
		svc:          svc,
		pacer:        pacer.New().SetMinSleep(minSleep).SetMaxSleep(maxSleep).SetDecayConstant(decayConstant),
		rootFolderID: rootFolderID,
	}
	f.dirCache = dircache.New(rootFolderID, f)
	return f
}

// Name returns the configured name of the remote
func (f *Backend) Name() string {
	return f.name
}

// Kind returns the kind of the backend
func (f *Backend) Kind() remote.Kind {
	return remote.KindDrive
}

// String returns a description of the backend
func (f *Backend) String() string {
	return fmt.Sprintf("drive %s root '%s'", f.name, f.rootFolderID)
}

// shouldRetry determines whether a given err rates being retried
func shouldRetry(err error) (bool, error) {
	if err == nil {
		return false, nil
	}
	if vault.ShouldRetry(err) {
		return true, err
	}
	switch gerr := err.(type) {
	case *googleapi.Error:
		if gerr.Code >= 500 && gerr.Code < 600 {
			// All 5xx errors should be retried
			return true, err
		}
		if len(gerr.Errors) > 0 {
			reason := gerr.Errors[0].Reason
			if reason == "rateLimitExceeded" || reason == "userRateLimitExceeded" {
				return true, err
			}
		}
	}
	return false, err
}

// translateError maps drive failures onto the shared sentinels
func translateError(err error) error {
	if err == nil {
		return nil
	}
	if gerr, ok := errors.Cause(err).(*googleapi.Error); ok {
		switch gerr.Code {
		case http.StatusUnauthorized, http.StatusForbidden:
			return errors.Wrapf(vault.ErrorPermissionDenied, "drive: %v", gerr.Message)
		case http.StatusNotFound:
			return errors.Wrapf(vault.ErrorObjectNotFound, "drive: %v", gerr.Message)
		}
	}
	return err
}

// escapeQuery escapes a name for use in a search query.
// Escaping the backslash isn't documented but seems to work.
func escapeQuery(name string) string {
	name = strings.Replace(name, `\`, `\\`, -1)
	return strings.Replace(name, `'`, `\'`, -1)
}

// FindLeaf finds a directory of name leaf in the folder with ID pathID
func (f *Backend) FindLeaf(ctx context.Context, pathID, leaf string) (pathIDOut string, found bool, err error) {
	query := fmt.Sprintf("name='%s' and '%s' in parents and mimeType='%s' and trashed=false",
		escapeQuery(leaf), pathID, driveFolderType)
	var files *drive.FileList
	err = f.pacer.Call(ctx, func() (bool, error) {
		files, err = f.svc.Files.List().Q(query).Fields("files(id)").Context(ctx).Do()
		return shouldRetry(err)
	})
	if err != nil {
		return "", false, translateError(err)
	}
	if len(files.Files) == 0 {
		return "", false, nil
	}
	return files.Files[0].Id, true, nil
}

// CreateContainer makes a directory with pathID as parent and name leaf
func (f *Backend) CreateContainer(ctx context.Context, pathID, leaf string) (newID string, err error) {
	// Define the metadata for the directory we are going to create.
	createInfo := &drive.File{
		Name:        leaf,
		Description: leaf,
		MimeType:    driveFolderType,
		Parents:     []string{pathID},
	}
	var info *drive.File
	err = f.pacer.Call(ctx, func() (bool, error) {
		info, err = f.svc.Files.Create(createInfo).
			Fields("id").
			Context(ctx).
			Do()
		return shouldRetry(err)
	})
	if err != nil {
		return "", translateError(err)
	}
	return info.Id, nil
}

// Mkdir makes sure the container chain dir exists and returns the
// server id of its leaf.
func (f *Backend) Mkdir(ctx context.Context, dir []string) (string, error) {
	return f.dirCache.FindContainer(ctx, dir, true)
}

// Put uploads size bytes from in to the destination
func (f *Backend) Put(ctx context.Context, in io.Reader, dst remote.Destination, size int64) (remote.Locator, error) {
	dirID, err := f.dirCache.FindContainer(ctx, dst.Dir, true)
	if err != nil {
		return "", err
	}
	createInfo := &drive.File{
		Name:     dst.Leaf,
		Parents:  []string{dirID},
		MimeType: uploadMimeType,
	}
	var info *drive.File
	// Can't retry the transfer - the body has already been read
	err = f.pacer.CallNoRetry(ctx, func() (bool, error) {
		info, err = f.svc.Files.Create(createInfo).
			Media(in, googleapi.ContentType(uploadMimeType)).
			Fields("id").
			Context(ctx).
			Do()
		return shouldRetry(err)
	})
	if err != nil {
		return "", translateError(err)
	}
	return remote.DriveLocator(info.Id), nil
}

// Exists reports whether the file at loc is still on the server and
// not in the trash.
func (f *Backend) Exists(ctx context.Context, loc remote.Locator) (bool, error) {
	fileID, err := remote.ParseDrive(loc)
	if err != nil {
		return false, err
	}
	var info *drive.File
	err = f.pacer.Call(ctx, func() (bool, error) {
		info, err = f.svc.Files.Get(fileID).Fields("id", "trashed").Context(ctx).Do()
		return shouldRetry(err)
	})
	if gerr, ok := errors.Cause(err).(*googleapi.Error); ok && gerr.Code == http.StatusNotFound {
		return false, nil
	}
	if err != nil {
		return false, translateError(err)
	}
	return !info.Trashed, nil
}

// Remove deletes the file at loc.  Removing a file which is already
// gone is success.
func (f *Backend) Remove(ctx context.Context, loc remote.Locator) error {
	fileID, err := remote.ParseDrive(loc)
	if err != nil {
		return err
	}
	err = f.pacer.Call(ctx, func() (bool, error) {
		err := f.svc.Files.Delete(fileID).Context(ctx).Do()
		return shouldRetry(err)
	})
	if gerr, ok := errors.Cause(err).(*googleapi.Error); ok && gerr.Code == http.StatusNotFound {
		return nil
	}
	return translateError(err)
}

// Package webdav implements the upload backend for WebDAV servers.
//
// Collections are made with MKCOL, which is idempotent enough that
// already-exists responses are treated as success, so materializing a
// destination costs at most one MKCOL per missing path segment.
package webdav

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
	"github.com/vaultsync/vaultsync/backend/webdav/api"
	"github.com/vaultsync/vaultsync/dircache"
	"github.com/vaultsync/vaultsync/lib/rest"
	"github.com/vaultsync/vaultsync/pacer"
	"github.com/vaultsync/vaultsync/remote"
	"github.com/vaultsync/vaultsync/vault"
)

const (
	minSleep      = 10 * time.Millisecond
	maxSleep      = 2 * time.Second
	decayConstant = 2 // bigger for slower decay, exponential
)

// Register with the registry
func init() {
	remote.Register(&remote.RegInfo{
		Kind:        remote.KindWebdav,
		Description: "WebDAV server",
		NewBackend:  NewBackend,
	})
}

// collectionCache remembers collections known to exist, keyed by
// server URL + path.  Collection existence is a property of the
// server path, not of the remote using it, so the cache is shared
// across backend instances and survives registry invalidation.
var collectionCache = gocache.New(time.Hour, 2*time.Hour)

// retryErrorCodes is a slice of error codes that we will retry
var retryErrorCodes = []int{
	429, // Too Many Requests.
	500, // Internal Server Error
	502, // Bad Gateway
	503, // Service Unavailable
	504, // Gateway Timeout
	509, // Bandwidth Limit Exceeded
}

// shouldRetry returns a boolean as to whether this resp and err
// deserve to be retried.  It returns the err as a convenience
func shouldRetry(resp *http.Response, err error) (bool, error) {
	return vault.ShouldRetry(err) || vault.ShouldRetryHTTP(resp, retryErrorCodes), err
}

// errorHandler parses a non 2xx error response into an error
func errorHandler(resp *http.Response) error {
	body, err := rest.ReadBody(resp)
	if err != nil {
		return errors.Wrap(err, "error when trying to read error from body")
	}
	// Decode error response
	errResponse := new(api.Error)
	err = xml.Unmarshal(body, &errResponse)
	if err != nil {
		// set the Message to be the body if can't parse the XML
		errResponse.Message = strings.TrimSpace(string(body))
	}
	errResponse.Status = resp.Status
	errResponse.StatusCode = resp.StatusCode
	return errResponse
}

// Backend stores uploads on one WebDAV server
type Backend struct {
	name     string // config name of the remote
	endpoint string // server URL without trailing /
	root     string // base path on the server, no leading or trailing /
	srv      *rest.Client
	pacer    *pacer.Pacer
	dirCache *dircache.DirCache
	shared   *gocache.Cache
}

// Check the interfaces are satisfied
var (
	_ remote.Backend          = (*Backend)(nil)
	_ dircache.ContainerMaker = (*Backend)(nil)
)

// NewBackend makes a webdav backend from the config
func NewBackend(ctx context.Context, cfg remote.Config) (remote.Backend, error) {
	return newBackend(ctx, cfg, collectionCache)
}

// newBackend allows the tests to inject their own collection cache
func newBackend(ctx context.Context, cfg remote.Config, shared *gocache.Cache) (remote.Backend, error) {
	endpoint := strings.TrimRight(cfg.URL, "/")
	if _, err := url.Parse(endpoint); err != nil {
		return nil, errors.Wrapf(err, "malformed webdav url %q", cfg.URL)
	}
	srv := rest.NewClient(&http.Client{}).SetRoot(endpoint + "/")
	srv.SetErrorHandler(errorHandler)
	srv.SetHeader("User-Agent", vault.Config.UserAgent)
	if cfg.User != "" || cfg.Pass != "" {
		srv.SetUserPass(cfg.User, cfg.Pass)
	}
	f := &Backend{
		name:     cfg.Name,
		endpoint: endpoint,
		root:     strings.Trim(cfg.BasePath, "/"),
		srv:      srv,
		pacer:    pacer.New().SetMinSleep(minSleep).SetMaxSleep(maxSleep).SetDecayConstant(decayConstant),
		shared:   shared,
	}
	f.dirCache = dircache.New(f.root, f)
	return f, nil
}

// Name returns the configured name of the remote
func (f *Backend) Name() string {
	return f.name
}

// Kind returns the kind of the backend
func (f *Backend) Kind() remote.Kind {
	return remote.KindWebdav
}

// String returns a description of the backend
func (f *Backend) String() string {
	return fmt.Sprintf("webdav %s root '%s'", f.name, f.root)
}

// joinRef joins a parent ref and a leaf name into a server path
func joinRef(parent, leaf string) string {
	if parent == "" {
		return leaf
	}
	return parent + "/" + leaf
}

// davPath turns a server path into the URL path for a request
func davPath(ref string) string {
	return rest.URLPathEscape(ref)
}

// cacheKey is the shared cache key for the server path ref
func (f *Backend) cacheKey(ref string) string {
	return f.endpoint + "/" + ref
}

// relPath returns the server path p relative to the base path, for
// use in locators.
func (f *Backend) relPath(p string) string {
	if f.root == "" {
		return p
	}
	return strings.TrimPrefix(p, f.root+"/")
}

// translateError maps webdav failures onto the shared sentinels
func translateError(err error) error {
	if err == nil {
		return nil
	}
	if apiErr, ok := errors.Cause(err).(*api.Error); ok {
		switch apiErr.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return errors.Wrapf(vault.ErrorPermissionDenied, "webdav: %v", apiErr)
		case http.StatusNotFound:
			return errors.Wrapf(vault.ErrorObjectNotFound, "webdav: %v", apiErr)
		}
	}
	return err
}

// FindLeaf checks whether the collection leaf under parentRef is
// already known to exist.  MKCOL is idempotent so there is no lookup
// round trip - only the shared cache answers here, and a miss goes
// straight to CreateContainer.
func (f *Backend) FindLeaf(ctx context.Context, parentRef, leaf string) (ref string, found bool, err error) {
	ref = joinRef(parentRef, leaf)
	if _, ok := f.shared.Get(f.cacheKey(ref)); ok {
		return ref, true, nil
	}
	return "", false, nil
}

// CreateContainer makes the collection leaf under parentRef
func (f *Backend) CreateContainer(ctx context.Context, parentRef, leaf string) (ref string, err error) {
	ref = joinRef(parentRef, leaf)
	if err := f.mkdir(ctx, ref); err != nil {
		return "", err
	}
	f.shared.SetDefault(f.cacheKey(ref), struct{}{})
	return ref, nil
}

// mkdir makes the collection at dirPath and any missing parents using
// native paths.  A collection which already exists is success.
func (f *Backend) mkdir(ctx context.Context, dirPath string) error {
	// We assume the root is already created
	if dirPath == "" {
		return nil
	}
	opts := rest.Opts{
		Method:     "MKCOL",
		Path:       davPath(dirPath) + "/",
		NoResponse: true,
	}
	err := f.pacer.Call(ctx, func() (bool, error) {
		resp, err := f.srv.Call(ctx, &opts)
		return shouldRetry(resp, err)
	})
	if apiErr, ok := err.(*api.Error); ok {
		// already exists
		if apiErr.StatusCode == http.StatusMethodNotAllowed || apiErr.StatusCode == http.StatusNotAcceptable {
			return nil
		}
		// parent does not exist
		if apiErr.StatusCode == http.StatusConflict {
			parent := path.Dir(dirPath)
			if parent == "." {
				parent = ""
			}
			err = f.mkdir(ctx, parent)
			if err == nil {
				err = f.mkdir(ctx, dirPath)
			}
		}
	}
	return translateError(err)
}

// Mkdir makes sure the container chain dir exists and returns the
// server path of its leaf.
func (f *Backend) Mkdir(ctx context.Context, dir []string) (string, error) {
	return f.dirCache.FindContainer(ctx, dir, true)
}

// Put uploads size bytes from in to the destination
func (f *Backend) Put(ctx context.Context, in io.Reader, dst remote.Destination, size int64) (remote.Locator, error) {
	dirRef, err := f.dirCache.FindContainer(ctx, dst.Dir, true)
	if err != nil {
		return "", err
	}
	filePath := joinRef(dirRef, dst.Leaf)
	opts := rest.Opts{
		Method:        "PUT",
		Path:          davPath(filePath),
		Body:          in,
		NoResponse:    true,
		ContentLength: &size,
	}
	// Can't retry the transfer - the body has already been read
	err = f.pacer.CallNoRetry(ctx, func() (bool, error) {
		resp, err := f.srv.Call(ctx, &opts)
		return shouldRetry(resp, err)
	})
	if err != nil {
		return "", translateError(err)
	}
	return remote.WebdavLocator(f.name, f.relPath(filePath)), nil
}

// Exists reports whether the object at loc is still on the server
func (f *Backend) Exists(ctx context.Context, loc remote.Locator) (bool, error) {
	_, relPath, err := remote.ParseWebdav(loc)
	if err != nil {
		return false, err
	}
	filePath := joinRef(f.root, relPath)
	opts := rest.Opts{
		Method: "PROPFIND",
		Path:   davPath(filePath),
		ExtraHeaders: map[string]string{
			"Depth": "0",
		},
	}
	var result api.Multistatus
	err = f.pacer.Call(ctx, func() (bool, error) {
		resp, err := f.srv.CallXML(ctx, &opts, nil, &result)
		return shouldRetry(resp, err)
	})
	if apiErr, ok := errors.Cause(err).(*api.Error); ok && apiErr.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if err != nil {
		return false, translateError(err)
	}
	if len(result.Responses) < 1 || !result.Responses[0].Props.StatusOK() {
		return false, nil
	}
	return true, nil
}

// Remove deletes the object at loc.  Removing an object which is
// already gone is success.
func (f *Backend) Remove(ctx context.Context, loc remote.Locator) error {
	_, relPath, err := remote.ParseWebdav(loc)
	if err != nil {
		return err
	}
	opts := rest.Opts{
		Method:     "DELETE",
		Path:       davPath(joinRef(f.root, relPath)),
		NoResponse: true,
	}
	err = f.pacer.Call(ctx, func() (bool, error) {
		resp, err := f.srv.Call(ctx, &opts)
		return shouldRetry(resp, err)
	})
	if apiErr, ok := errors.Cause(err).(*api.Error); ok && apiErr.StatusCode == http.StatusNotFound {
		return nil
	}
	return translateError(err)
}

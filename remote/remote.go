// Package remote defines the backend contract for upload destinations
// and the registry which turns remote configurations into live
// backend instances.
package remote

import (
	"context"
	"io"
	"strings"

	"github.com/pkg/errors"
)

// Kind is the sort of backend a remote is
type Kind string

// Backend kinds
const (
	KindS3     Kind = "s3"
	KindDrive  Kind = "drive"
	KindWebdav Kind = "webdav"
)

// Kinds lists all known backend kinds
var Kinds = []Kind{KindS3, KindDrive, KindWebdav}

// Destination is where an artifact is stored at a remote: the
// container chain from the fixed top container down, then the opaque
// artifact name.
type Destination struct {
	Dir  []string // container chain from the top container down
	Leaf string   // opaque artifact name
}

// String returns the destination as a slash separated path
func (d Destination) String() string {
	if len(d.Dir) == 0 {
		return d.Leaf
	}
	return strings.Join(d.Dir, "/") + "/" + d.Leaf
}

// Backend is the interface an upload destination must satisfy.
//
// Implementations translate their protocol specific failures into the
// sentinel errors in the vault package before returning them, so
// callers never see SDK error types.
type Backend interface {
	// Name returns the configured name of the remote
	Name() string

	// Kind returns the kind of the backend
	Kind() Kind

	// String returns a description of the backend for logs
	String() string

	// Mkdir makes sure the container chain dir exists, creating
	// missing levels, and returns the ref of the leaf container.
	// A container which already exists is success.
	Mkdir(ctx context.Context, dir []string) (ref string, err error)

	// Put uploads size bytes from in to the destination, making
	// any missing containers, and returns the locator of the
	// stored object.
	Put(ctx context.Context, in io.Reader, dst Destination, size int64) (Locator, error)

	// Exists reports whether the object at loc is present.
	// It returns false with a nil error when the object is
	// definitely gone.
	Exists(ctx context.Context, loc Locator) (bool, error)

	// Remove deletes the object at loc
	Remove(ctx context.Context, loc Locator) error
}

// RegInfo provides information about a possible backend kind
type RegInfo struct {
	// Kind of the backend
	Kind Kind
	// Description of this backend - one line
	Description string
	// NewBackend makes a backend from a validated config
	NewBackend func(ctx context.Context, cfg Config) (Backend, error)
}

// kindRegistry of backend kinds
var kindRegistry []*RegInfo

// Register a backend kind
//
// Backend packages call this from an init() in their package
func Register(info *RegInfo) {
	kindRegistry = append(kindRegistry, info)
}

// Find looks for a RegInfo for the kind passed in.  Backends are
// looked up in the kindRegistry.
func Find(kind Kind) (*RegInfo, error) {
	for _, item := range kindRegistry {
		if item.Kind == kind {
			return item, nil
		}
	}
	return nil, errors.Errorf("didn't find backend for kind %q", kind)
}

// MustFind looks for a RegInfo for the kind passed in.  Backends are
// looked up in the kindRegistry.  It panics if not found.
func MustFind(kind Kind) *RegInfo {
	info, err := Find(kind)
	if err != nil {
		panic(err)
	}
	return info
}

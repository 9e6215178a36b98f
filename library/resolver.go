package library

import (
	"context"

	"github.com/pkg/errors"
	"github.com/vaultsync/vaultsync/remote"
	"github.com/vaultsync/vaultsync/vault"
)

// DefaultTopContainer is the fixed top level container every upload
// lives under at a remote.
const DefaultTopContainer = "MyFolderPrivate"

// maxFolderDepth bounds the parent walk so a cycle in the folder
// table can't hang an upload.
const maxFolderDepth = 100

// Resolver turns a file id into the destination it should be uploaded
// to: top container, media category, the file's folder path root
// first, then the opaque artifact name.
type Resolver struct {
	dir Directory
	top string
}

// NewResolver makes a Resolver reading from dir.  An empty top uses
// DefaultTopContainer.
func NewResolver(dir Directory, top string) *Resolver {
	if top == "" {
		top = DefaultTopContainer
	}
	return &Resolver{
		dir: dir,
		top: top,
	}
}

// Destination resolves the destination for the file id.
//
// A folder whose parent link points at a missing record truncates the
// path there rather than failing the upload.
func (r *Resolver) Destination(ctx context.Context, fileID string) (remote.Destination, error) {
	f, err := r.dir.File(ctx, fileID)
	if err != nil {
		return remote.Destination{}, err
	}
	var names []string
	id := f.FolderID
	for depth := 0; id != "" && depth < maxFolderDepth; depth++ {
		folder, err := r.dir.Folder(ctx, id)
		if err != nil {
			if errors.Cause(err) == vault.ErrorDirNotFound {
				vault.Debugf("library", "folder %q has dangling parent %q - truncating path", f.FolderID, id)
				break
			}
			return remote.Destination{}, err
		}
		names = append([]string{folder.Name}, names...)
		id = folder.ParentID
	}
	dir := make([]string, 0, 2+len(names))
	dir = append(dir, r.top, f.MediaType.Category())
	dir = append(dir, names...)
	return remote.Destination{
		Dir:  dir,
		Leaf: f.ID,
	}, nil
}

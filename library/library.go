// Package library gives the upload subsystem read access to the
// vault's media catalog: folder and file records plus the encrypted
// artifacts on disk.  The catalog itself is maintained by the host
// application - this package only reads it and flips per-remote
// uploaded markers.
package library

import (
	"context"
	"io"
	"mime"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// MediaType is the broad category of a file's content
type MediaType byte

// Media types
const (
	MediaOther MediaType = iota
	MediaImage
	MediaVideo
	MediaAudio
	MediaDocument
)

// mediaTypeNames are the wire names of the media types
var mediaTypeNames = map[MediaType]string{
	MediaOther:    "other",
	MediaImage:    "image",
	MediaVideo:    "video",
	MediaAudio:    "audio",
	MediaDocument: "document",
}

// mediaTypeCategories are the path segments used under the top
// container.  These are part of the stored destination layout and
// must never change.
var mediaTypeCategories = map[MediaType]string{
	MediaOther:    "other",
	MediaImage:    "photos",
	MediaVideo:    "videos",
	MediaAudio:    "audio",
	MediaDocument: "documents",
}

// String returns the media type as a string
func (t MediaType) String() string {
	if name, ok := mediaTypeNames[t]; ok {
		return name
	}
	return "other"
}

// Category returns the destination path segment for the media type
func (t MediaType) Category() string {
	if category, ok := mediaTypeCategories[t]; ok {
		return category
	}
	return mediaTypeCategories[MediaOther]
}

// MarshalText turns a media type into text
func (t MediaType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText turns text into a media type
func (t *MediaType) UnmarshalText(text []byte) error {
	name := string(text)
	for mt, mtName := range mediaTypeNames {
		if mtName == name {
			*t = mt
			return nil
		}
	}
	return errors.Errorf("unknown media type %q", name)
}

// MediaTypeOf guesses the media type of a file from its name
func MediaTypeOf(name string) MediaType {
	mimeType := mime.TypeByExtension(strings.ToLower(filepath.Ext(name)))
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return MediaImage
	case strings.HasPrefix(mimeType, "video/"):
		return MediaVideo
	case strings.HasPrefix(mimeType, "audio/"):
		return MediaAudio
	case strings.HasPrefix(mimeType, "text/"),
		strings.HasPrefix(mimeType, "application/pdf"):
		return MediaDocument
	}
	return MediaOther
}

// Folder is a user folder in the catalog.  ParentID is empty at a
// root folder.
type Folder struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	ParentID string `json:"parentId,omitempty"`
}

// File is a catalog record for one encrypted artifact.  ID doubles as
// the opaque on-disk and remote object name, so nothing derived from
// the user's original filename ever leaves the device.
type File struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	FolderID  string          `json:"folderId,omitempty"`
	MediaType MediaType       `json:"mediaType"`
	Size      int64           `json:"size"`
	Uploaded  map[string]bool `json:"uploaded,omitempty"`
}

// UploadedTo reports whether the file is marked uploaded at remoteID
func (f *File) UploadedTo(remoteID string) bool {
	return f.Uploaded[remoteID]
}

// Directory is the read side of the catalog as the upload subsystem
// sees it, plus the uploaded markers it maintains.
type Directory interface {
	// Folder returns the folder record for id, or
	// vault.ErrorDirNotFound if there is no such folder.
	Folder(ctx context.Context, id string) (Folder, error)

	// File returns the file record for id, or
	// vault.ErrorObjectNotFound if there is no such file.
	File(ctx context.Context, id string) (File, error)

	// Open returns the encrypted artifact bytes for the file id
	// along with their size.
	Open(ctx context.Context, fileID string) (io.ReadCloser, int64, error)

	// SetUploaded sets or clears the uploaded marker for fileID at
	// remoteID.
	SetUploaded(ctx context.Context, fileID, remoteID string, uploaded bool) error
}

package library

import (
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/pkg/errors"
	"github.com/vaultsync/vaultsync/vault"
)

// Mem is an in-memory catalog.  It is used by the tests and by
// embedders which keep their own catalog elsewhere.
type Mem struct {
	mu      sync.Mutex
	folders map[string]Folder
	files   map[string]File
	blobs   map[string][]byte
}

// Check the interface is satisfied
var _ Directory = (*Mem)(nil)

// NewMem makes an empty in-memory catalog
func NewMem() *Mem {
	return &Mem{
		folders: make(map[string]Folder),
		files:   make(map[string]File),
		blobs:   make(map[string][]byte),
	}
}

// AddFolder adds or replaces a folder record
func (m *Mem) AddFolder(folder Folder) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.folders[folder.ID] = folder
}

// AddFile adds or replaces a file record with its artifact bytes
func (m *Mem) AddFile(f File, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f.Size = int64(len(data))
	m.files[f.ID] = f
	m.blobs[f.ID] = data
}

// Folder returns the folder record for id
func (m *Mem) Folder(ctx context.Context, id string) (Folder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	folder, ok := m.folders[id]
	if !ok {
		return Folder{}, errors.Wrapf(vault.ErrorDirNotFound, "folder %q", id)
	}
	return folder, nil
}

// File returns the file record for id
func (m *Mem) File(ctx context.Context, id string) (File, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[id]
	if !ok {
		return File{}, errors.Wrapf(vault.ErrorObjectNotFound, "file %q", id)
	}
	return f, nil
}

// Open returns the artifact bytes for the file id
func (m *Mem) Open(ctx context.Context, fileID string) (io.ReadCloser, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.blobs[fileID]
	if !ok {
		return nil, 0, errors.Wrapf(vault.ErrorObjectNotFound, "artifact for file %q", fileID)
	}
	return io.NopCloser(bytes.NewReader(data)), int64(len(data)), nil
}

// SetUploaded sets or clears the uploaded marker for fileID at remoteID
func (m *Mem) SetUploaded(ctx context.Context, fileID, remoteID string, uploaded bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[fileID]
	if !ok {
		return errors.Wrapf(vault.ErrorObjectNotFound, "file %q", fileID)
	}
	if uploaded {
		if f.Uploaded == nil {
			f.Uploaded = make(map[string]bool)
		}
		f.Uploaded[remoteID] = true
	} else {
		delete(f.Uploaded, remoteID)
	}
	m.files[fileID] = f
	return nil
}

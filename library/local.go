package library

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/vaultsync/vaultsync/vault"
	bolt "go.etcd.io/bbolt"
)

// Bolt buckets
var (
	foldersBucket = []byte("folders")
	filesBucket   = []byte("files")
)

// Local is the on-disk catalog: folder and file records in a bolt
// database, encrypted artifacts as flat files named by record id in
// a directory next to it.
type Local struct {
	db          *bolt.DB
	artifactDir string
}

// Check the interface is satisfied
var _ Directory = (*Local)(nil)

// OpenLocal opens the catalog database at dbPath, creating it and the
// artifact directory if needed.
func OpenLocal(dbPath, artifactDir string) (*Local, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, errors.Wrap(err, "failed to make catalog directory")
	}
	if err := os.MkdirAll(artifactDir, 0700); err != nil {
		return nil, errors.Wrap(err, "failed to make artifact directory")
	}
	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open catalog database %q", dbPath)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{foldersBucket, filesBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "failed to make catalog buckets")
	}
	return &Local{
		db:          db,
		artifactDir: artifactDir,
	}, nil
}

// Close the catalog database
func (l *Local) Close() error {
	return l.db.Close()
}

// artifactPath returns the on-disk path of the artifact for fileID
func (l *Local) artifactPath(fileID string) string {
	return filepath.Join(l.artifactDir, fileID)
}

// Folder returns the folder record for id
func (l *Local) Folder(ctx context.Context, id string) (folder Folder, err error) {
	err = l.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(foldersBucket).Get([]byte(id))
		if data == nil {
			return errors.Wrapf(vault.ErrorDirNotFound, "folder %q", id)
		}
		return json.Unmarshal(data, &folder)
	})
	return folder, err
}

// File returns the file record for id
func (l *Local) File(ctx context.Context, id string) (f File, err error) {
	err = l.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(filesBucket).Get([]byte(id))
		if data == nil {
			return errors.Wrapf(vault.ErrorObjectNotFound, "file %q", id)
		}
		return json.Unmarshal(data, &f)
	})
	return f, err
}

// Files returns all file records in the catalog
func (l *Local) Files(ctx context.Context) (files []File, err error) {
	err = l.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(filesBucket).ForEach(func(k, v []byte) error {
			var f File
			if err := json.Unmarshal(v, &f); err != nil {
				return errors.Wrapf(err, "corrupted file record %q", k)
			}
			files = append(files, f)
			return nil
		})
	})
	return files, err
}

// Open returns the encrypted artifact for the file id and its size
func (l *Local) Open(ctx context.Context, fileID string) (io.ReadCloser, int64, error) {
	if _, err := l.File(ctx, fileID); err != nil {
		return nil, 0, err
	}
	in, err := os.Open(l.artifactPath(fileID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, errors.Wrapf(vault.ErrorObjectNotFound, "artifact for file %q", fileID)
		}
		return nil, 0, errors.Wrapf(err, "failed to open artifact for file %q", fileID)
	}
	fi, err := in.Stat()
	if err != nil {
		_ = in.Close()
		return nil, 0, errors.Wrapf(err, "failed to stat artifact for file %q", fileID)
	}
	return in, fi.Size(), nil
}

// SetUploaded sets or clears the uploaded marker for fileID at remoteID
func (l *Local) SetUploaded(ctx context.Context, fileID, remoteID string, uploaded bool) error {
	return l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(filesBucket)
		data := b.Get([]byte(fileID))
		if data == nil {
			return errors.Wrapf(vault.ErrorObjectNotFound, "file %q", fileID)
		}
		var f File
		if err := json.Unmarshal(data, &f); err != nil {
			return errors.Wrapf(err, "corrupted file record %q", fileID)
		}
		if uploaded {
			if f.Uploaded == nil {
				f.Uploaded = make(map[string]bool)
			}
			f.Uploaded[remoteID] = true
		} else {
			delete(f.Uploaded, remoteID)
		}
		data, err := json.Marshal(&f)
		if err != nil {
			return err
		}
		return b.Put([]byte(fileID), data)
	})
}

// AddFolder adds or replaces a folder record
func (l *Local) AddFolder(ctx context.Context, folder Folder) error {
	if folder.ID == "" || folder.Name == "" {
		return errors.New("folder needs an id and a name")
	}
	data, err := json.Marshal(&folder)
	if err != nil {
		return err
	}
	return l.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(foldersBucket).Put([]byte(folder.ID), data)
	})
}

// AddFile stores the artifact bytes from in and adds the file record.
// The record's Size is set to the number of bytes stored.
func (l *Local) AddFile(ctx context.Context, f File, in io.Reader) error {
	if f.ID == "" {
		return errors.New("file needs an id")
	}
	out, err := os.OpenFile(l.artifactPath(f.ID), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return errors.Wrapf(err, "failed to make artifact for file %q", f.ID)
	}
	n, err := io.Copy(out, in)
	if err == nil {
		err = out.Close()
	} else {
		_ = out.Close()
	}
	if err != nil {
		_ = os.Remove(l.artifactPath(f.ID))
		return errors.Wrapf(err, "failed to store artifact for file %q", f.ID)
	}
	f.Size = n
	data, err := json.Marshal(&f)
	if err != nil {
		return err
	}
	return l.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(filesBucket).Put([]byte(f.ID), data)
	})
}

package library

import (
	"bytes"
	"context"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vaultsync/vaultsync/vault"
)

// openTestLocal makes a catalog in a fresh temporary directory
func openTestLocal(t *testing.T) (*Local, string) {
	t.Helper()
	dir := t.TempDir()
	l, err := OpenLocal(filepath.Join(dir, "catalog", "library.db"), filepath.Join(dir, "artifacts"))
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, l.Close())
	})
	return l, dir
}

func TestLocalFolder(t *testing.T) {
	l, _ := openTestLocal(t)
	ctx := context.Background()

	assert.Error(t, l.AddFolder(ctx, Folder{ID: "f1"}))
	assert.Error(t, l.AddFolder(ctx, Folder{Name: "Trips"}))

	want := Folder{ID: "f1", Name: "Trips"}
	require.NoError(t, l.AddFolder(ctx, want))
	got, err := l.Folder(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, want, got)

	_, err = l.Folder(ctx, "missing")
	require.Error(t, err)
	assert.Equal(t, vault.ErrorDirNotFound, errors.Cause(err))
}

func TestLocalFile(t *testing.T) {
	l, dir := openTestLocal(t)
	ctx := context.Background()

	assert.Error(t, l.AddFile(ctx, File{Name: "IMG_0001.jpg"}, bytes.NewReader(nil)))

	content := []byte("encrypted artifact bytes")
	f := File{ID: "0af3", Name: "IMG_0001.jpg", MediaType: MediaImage}
	require.NoError(t, l.AddFile(ctx, f, bytes.NewReader(content)))

	// Size comes from the bytes stored, not the record passed in
	got, err := l.File(ctx, "0af3")
	require.NoError(t, err)
	assert.Equal(t, "IMG_0001.jpg", got.Name)
	assert.Equal(t, int64(len(content)), got.Size)

	// The artifact lands on disk under the record id
	onDisk, err := ioutil.ReadFile(filepath.Join(dir, "artifacts", "0af3"))
	require.NoError(t, err)
	assert.Equal(t, content, onDisk)

	in, size, err := l.Open(ctx, "0af3")
	require.NoError(t, err)
	assert.Equal(t, int64(len(content)), size)
	read, err := ioutil.ReadAll(in)
	require.NoError(t, err)
	assert.Equal(t, content, read)
	require.NoError(t, in.Close())

	_, err = l.File(ctx, "missing")
	require.Error(t, err)
	assert.Equal(t, vault.ErrorObjectNotFound, errors.Cause(err))

	_, _, err = l.Open(ctx, "missing")
	require.Error(t, err)
	assert.Equal(t, vault.ErrorObjectNotFound, errors.Cause(err))
}

func TestLocalOpenArtifactGone(t *testing.T) {
	l, dir := openTestLocal(t)
	ctx := context.Background()

	require.NoError(t, l.AddFile(ctx, File{ID: "0af3", Name: "IMG_0001.jpg"}, bytes.NewReader([]byte("x"))))
	require.NoError(t, os.Remove(filepath.Join(dir, "artifacts", "0af3")))

	_, _, err := l.Open(ctx, "0af3")
	require.Error(t, err)
	assert.Equal(t, vault.ErrorObjectNotFound, errors.Cause(err))
}

func TestLocalFiles(t *testing.T) {
	l, _ := openTestLocal(t)
	ctx := context.Background()

	files, err := l.Files(ctx)
	require.NoError(t, err)
	assert.Empty(t, files)

	require.NoError(t, l.AddFile(ctx, File{ID: "a", Name: "a.jpg"}, bytes.NewReader([]byte("aa"))))
	require.NoError(t, l.AddFile(ctx, File{ID: "b", Name: "b.pdf"}, bytes.NewReader([]byte("bbb"))))

	files, err = l.Files(ctx)
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "a", files[0].ID)
	assert.Equal(t, int64(2), files[0].Size)
	assert.Equal(t, "b", files[1].ID)
	assert.Equal(t, int64(3), files[1].Size)
}

func TestLocalSetUploaded(t *testing.T) {
	l, _ := openTestLocal(t)
	ctx := context.Background()

	require.NoError(t, l.AddFile(ctx, File{ID: "0af3", Name: "IMG_0001.jpg"}, bytes.NewReader([]byte("x"))))

	require.NoError(t, l.SetUploaded(ctx, "0af3", "r1", true))
	require.NoError(t, l.SetUploaded(ctx, "0af3", "r2", true))
	f, err := l.File(ctx, "0af3")
	require.NoError(t, err)
	assert.True(t, f.UploadedTo("r1"))
	assert.True(t, f.UploadedTo("r2"))

	require.NoError(t, l.SetUploaded(ctx, "0af3", "r1", false))
	f, err = l.File(ctx, "0af3")
	require.NoError(t, err)
	assert.False(t, f.UploadedTo("r1"))
	assert.True(t, f.UploadedTo("r2"))

	err = l.SetUploaded(ctx, "missing", "r1", true)
	require.Error(t, err)
	assert.Equal(t, vault.ErrorObjectNotFound, errors.Cause(err))
}

func TestLocalReopen(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "library.db")
	artifactDir := filepath.Join(dir, "artifacts")
	ctx := context.Background()

	l, err := OpenLocal(dbPath, artifactDir)
	require.NoError(t, err)
	require.NoError(t, l.AddFolder(ctx, Folder{ID: "f1", Name: "Trips"}))
	require.NoError(t, l.AddFile(ctx, File{ID: "0af3", Name: "IMG_0001.jpg", FolderID: "f1"}, bytes.NewReader([]byte("x"))))
	require.NoError(t, l.SetUploaded(ctx, "0af3", "r1", true))
	require.NoError(t, l.Close())

	l, err = OpenLocal(dbPath, artifactDir)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, l.Close())
	}()
	f, err := l.File(ctx, "0af3")
	require.NoError(t, err)
	assert.Equal(t, "f1", f.FolderID)
	assert.True(t, f.UploadedTo("r1"))
}

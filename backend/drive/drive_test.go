package drive

import (
	"context"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vaultsync/vaultsync/remote"
	"github.com/vaultsync/vaultsync/vault"
	drive "google.golang.org/api/drive/v3"
	"google.golang.org/api/option"
)

// driveItem is one file or folder on the fake server
type driveItem struct {
	id      string
	name    string
	parent  string
	trashed bool
}

// driveHandler is a minimal Drive v3 server for the tests
type driveHandler struct {
	mu        sync.Mutex
	items     map[string]*driveItem
	content   map[string][]byte
	queries   []string
	next      int
	creates   int // folder creates
	lists     int
	putStatus int // force this status on upload when set
}

func newDriveHandler() *driveHandler {
	return &driveHandler{
		items:   make(map[string]*driveItem),
		content: make(map[string][]byte),
	}
}

// parseQuery pulls the name and parent out of a folder search query
var parseQuery = regexp.MustCompile(`^name='(.*)' and '([^']*)' in parents and mimeType=`)

// unescapeQuery reverses the query escaping of a name
func unescapeQuery(name string) string {
	name = strings.Replace(name, `\'`, `'`, -1)
	return strings.Replace(name, `\\`, `\`, -1)
}

func writeDriveError(w http.ResponseWriter, status int, reason, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = fmt.Fprintf(w, `{"error":{"code":%d,"message":%q,"errors":[{"reason":%q,"message":%q}]}}`,
		status, message, reason, message)
}

func (h *driveHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch {
	case r.Method == "GET" && r.URL.Path == "/files":
		h.lists++
		q := r.URL.Query().Get("q")
		h.queries = append(h.queries, q)
		match := parseQuery.FindStringSubmatch(q)
		w.Header().Set("Content-Type", "application/json")
		if match == nil {
			_, _ = fmt.Fprint(w, `{"files":[]}`)
			return
		}
		name, parent := unescapeQuery(match[1]), match[2]
		var found []string
		for _, item := range h.items {
			if item.name == name && item.parent == parent && h.content[item.id] == nil && !item.trashed {
				found = append(found, fmt.Sprintf(`{"id":%q}`, item.id))
			}
		}
		_, _ = fmt.Fprintf(w, `{"files":[%s]}`, strings.Join(found, ","))
	case r.Method == "POST" && r.URL.Path == "/files":
		var meta drive.File
		if err := json.NewDecoder(r.Body).Decode(&meta); err != nil {
			writeDriveError(w, http.StatusBadRequest, "parseError", err.Error())
			return
		}
		h.creates++
		h.next++
		item := &driveItem{id: fmt.Sprintf("dir-%d", h.next), name: meta.Name}
		if len(meta.Parents) > 0 {
			item.parent = meta.Parents[0]
		}
		h.items[item.id] = item
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprintf(w, `{"id":%q}`, item.id)
	case r.Method == "POST" && strings.HasPrefix(r.URL.Path, "/upload/"):
		if h.putStatus != 0 {
			writeDriveError(w, h.putStatus, "insufficientPermissions", "The user does not have sufficient permissions")
			return
		}
		mediaType, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
		if err != nil || !strings.HasPrefix(mediaType, "multipart/") {
			writeDriveError(w, http.StatusBadRequest, "parseError", "expected multipart upload")
			return
		}
		mr := multipart.NewReader(r.Body, params["boundary"])
		metaPart, err := mr.NextPart()
		if err != nil {
			writeDriveError(w, http.StatusBadRequest, "parseError", err.Error())
			return
		}
		var meta drive.File
		if err := json.NewDecoder(metaPart).Decode(&meta); err != nil {
			writeDriveError(w, http.StatusBadRequest, "parseError", err.Error())
			return
		}
		mediaPart, err := mr.NextPart()
		if err != nil {
			writeDriveError(w, http.StatusBadRequest, "parseError", err.Error())
			return
		}
		body, _ := ioutil.ReadAll(mediaPart)
		h.next++
		item := &driveItem{id: fmt.Sprintf("file-%d", h.next), name: meta.Name}
		if len(meta.Parents) > 0 {
			item.parent = meta.Parents[0]
		}
		h.items[item.id] = item
		h.content[item.id] = body
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprintf(w, `{"id":%q}`, item.id)
	case r.Method == "GET" && strings.HasPrefix(r.URL.Path, "/files/"):
		id := strings.TrimPrefix(r.URL.Path, "/files/")
		item, ok := h.items[id]
		if !ok {
			writeDriveError(w, http.StatusNotFound, "notFound", "File not found: "+id)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprintf(w, `{"id":%q,"trashed":%v}`, item.id, item.trashed)
	case r.Method == "DELETE" && strings.HasPrefix(r.URL.Path, "/files/"):
		id := strings.TrimPrefix(r.URL.Path, "/files/")
		if _, ok := h.items[id]; !ok {
			writeDriveError(w, http.StatusNotFound, "notFound", "File not found: "+id)
			return
		}
		delete(h.items, id)
		delete(h.content, id)
		w.WriteHeader(http.StatusNoContent)
	default:
		writeDriveError(w, http.StatusBadRequest, "badRequest", r.Method+" "+r.URL.Path)
	}
}

// itemByName returns the item called name and its content
func (h *driveHandler) itemByName(name string) (*driveItem, []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, item := range h.items {
		if item.name == name {
			return item, h.content[item.id]
		}
	}
	return nil, nil
}

func (h *driveHandler) counts() (creates, lists int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.creates, h.lists
}

func (h *driveHandler) lastQuery() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.queries) == 0 {
		return ""
	}
	return h.queries[len(h.queries)-1]
}

// seed adds an item to the fake server
func (h *driveHandler) seed(item driveItem, content []byte) {
	h.items[item.id] = &item
	if content != nil {
		h.content[item.id] = content
	}
}

func newTestBackend(t *testing.T, srvURL string) *Backend {
	t.Helper()
	svc, err := drive.NewService(context.Background(),
		option.WithHTTPClient(&http.Client{}),
		option.WithEndpoint(srvURL))
	require.NoError(t, err)
	return newBackendWithService(remote.Config{
		ID:   "r1",
		Name: "gdrive",
		Kind: remote.KindDrive,
	}, svc)
}

func TestBackendStrings(t *testing.T) {
	h := newDriveHandler()
	srv := httptest.NewServer(h)
	defer srv.Close()
	b := newTestBackend(t, srv.URL)
	assert.Equal(t, "gdrive", b.Name())
	assert.Equal(t, remote.KindDrive, b.Kind())
	assert.Equal(t, "drive gdrive root 'root'", b.String())
}

func TestMkdir(t *testing.T) {
	h := newDriveHandler()
	srv := httptest.NewServer(h)
	defer srv.Close()
	b := newTestBackend(t, srv.URL)
	ctx := context.Background()

	// Each missing level is searched for, then created
	ref, err := b.Mkdir(ctx, []string{"MyFolderPrivate", "photos"})
	require.NoError(t, err)
	assert.Equal(t, "dir-2", ref)
	creates, lists := h.counts()
	assert.Equal(t, 2, creates)
	assert.Equal(t, 2, lists)

	// The id chain is cached
	ref, err = b.Mkdir(ctx, []string{"MyFolderPrivate", "photos"})
	require.NoError(t, err)
	assert.Equal(t, "dir-2", ref)
	creates, lists = h.counts()
	assert.Equal(t, 2, creates)
	assert.Equal(t, 2, lists)
}

func TestMkdirExisting(t *testing.T) {
	h := newDriveHandler()
	h.seed(driveItem{id: "existing", name: "MyFolderPrivate", parent: "root"}, nil)
	srv := httptest.NewServer(h)
	defer srv.Close()
	b := newTestBackend(t, srv.URL)

	// A folder which is already on the server is found, not recreated
	ref, err := b.Mkdir(context.Background(), []string{"MyFolderPrivate"})
	require.NoError(t, err)
	assert.Equal(t, "existing", ref)
	creates, _ := h.counts()
	assert.Equal(t, 0, creates)
}

func TestPut(t *testing.T) {
	h := newDriveHandler()
	srv := httptest.NewServer(h)
	defer srv.Close()
	b := newTestBackend(t, srv.URL)
	ctx := context.Background()

	content := "encrypted artifact bytes"
	dst := remote.Destination{
		Dir:  []string{"MyFolderPrivate", "photos"},
		Leaf: "0af3",
	}
	loc, err := b.Put(ctx, strings.NewReader(content), dst, int64(len(content)))
	require.NoError(t, err)

	item, stored := h.itemByName("0af3")
	require.NotNil(t, item)
	assert.Equal(t, remote.DriveLocator(item.id), loc)
	assert.Equal(t, []byte(content), stored)

	// The file hangs off the photos folder
	folder, _ := h.itemByName("photos")
	require.NotNil(t, folder)
	assert.Equal(t, folder.id, item.parent)
}

func TestFindLeafEscaping(t *testing.T) {
	h := newDriveHandler()
	srv := httptest.NewServer(h)
	defer srv.Close()
	b := newTestBackend(t, srv.URL)
	ctx := context.Background()

	_, err := b.Mkdir(ctx, []string{`O'Brien\files`})
	require.NoError(t, err)
	assert.Contains(t, h.lastQuery(), `name='O\'Brien\\files'`)

	// A second backend finds the folder through the escaped search
	b2 := newTestBackend(t, srv.URL)
	_, err = b2.Mkdir(ctx, []string{`O'Brien\files`})
	require.NoError(t, err)
	creates, _ := h.counts()
	assert.Equal(t, 1, creates)
}

func TestPutPermissionDenied(t *testing.T) {
	h := newDriveHandler()
	h.putStatus = http.StatusForbidden
	srv := httptest.NewServer(h)
	defer srv.Close()
	b := newTestBackend(t, srv.URL)

	_, err := b.Put(context.Background(), strings.NewReader("x"), remote.Destination{Leaf: "0af3"}, 1)
	require.Error(t, err)
	assert.Equal(t, vault.ErrorPermissionDenied, errors.Cause(err))
	assert.True(t, vault.IsFatalError(err))
}

func TestExists(t *testing.T) {
	h := newDriveHandler()
	h.seed(driveItem{id: "trashed-file", name: "old", parent: "root", trashed: true}, []byte("x"))
	srv := httptest.NewServer(h)
	defer srv.Close()
	b := newTestBackend(t, srv.URL)
	ctx := context.Background()

	loc, err := b.Put(ctx, strings.NewReader("x"), remote.Destination{Leaf: "0af3"}, 1)
	require.NoError(t, err)

	ok, err := b.Exists(ctx, loc)
	require.NoError(t, err)
	assert.True(t, ok)

	// Gone is a definite answer, not an error
	ok, err = b.Exists(ctx, remote.DriveLocator("missing"))
	require.NoError(t, err)
	assert.False(t, ok)

	// A file in the trash no longer counts as uploaded
	ok, err = b.Exists(ctx, remote.DriveLocator("trashed-file"))
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = b.Exists(ctx, "s3://bucket/key")
	require.Error(t, err)
	assert.Equal(t, vault.ErrorLocatorInvalid, errors.Cause(err))
}

func TestRemove(t *testing.T) {
	h := newDriveHandler()
	srv := httptest.NewServer(h)
	defer srv.Close()
	b := newTestBackend(t, srv.URL)
	ctx := context.Background()

	loc, err := b.Put(ctx, strings.NewReader("x"), remote.Destination{Leaf: "0af3"}, 1)
	require.NoError(t, err)

	require.NoError(t, b.Remove(ctx, loc))
	item, _ := h.itemByName("0af3")
	assert.Nil(t, item)

	// Removing a file which is already gone is success
	require.NoError(t, b.Remove(ctx, loc))

	err = b.Remove(ctx, "s3://bucket/key")
	require.Error(t, err)
	assert.Equal(t, vault.ErrorLocatorInvalid, errors.Cause(err))
}

func TestOauthClientBadToken(t *testing.T) {
	_, err := NewBackend(context.Background(), remote.Config{
		ID:    "r1",
		Name:  "gdrive",
		Kind:  remote.KindDrive,
		Token: "not json",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "malformed drive token")
}

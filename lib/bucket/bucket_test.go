package bucket

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplit(t *testing.T) {
	for _, test := range []struct {
		in         string
		wantBucket string
		wantPath   string
	}{
		{"", "", ""},
		{"bucket", "bucket", ""},
		{"bucket/", "bucket", ""},
		{"bucket/path", "bucket", "path"},
		{"bucket/path/dir", "bucket", "path/dir"},
	} {
		gotBucket, gotPath := Split(test.in)
		assert.Equal(t, test.wantBucket, gotBucket, test.in)
		assert.Equal(t, test.wantPath, gotPath, test.in)
	}
}

func TestJoin(t *testing.T) {
	for _, test := range []struct {
		in   []string
		want string
	}{
		{nil, ""},
		{[]string{""}, ""},
		{[]string{"a"}, "a"},
		{[]string{"a", "b"}, "a/b"},
		{[]string{"a", "", "b"}, "a/b"},
		{[]string{"", "a", "b", ""}, "a/b"},
		{[]string{"MyFolderPrivate", "photos", "Trips"}, "MyFolderPrivate/photos/Trips"},
	} {
		got := Join(test.in...)
		assert.Equal(t, test.want, got, test.in)
	}
}

func TestCacheCreate(t *testing.T) {
	c := NewCache()
	creates := 0
	create := func() error {
		creates++
		return nil
	}

	// Root bucket needs no create
	require.NoError(t, c.Create("", create, nil))
	assert.Equal(t, 0, creates)

	require.NoError(t, c.Create("books", create, nil))
	assert.Equal(t, 1, creates)

	// Second create is remembered
	require.NoError(t, c.Create("books", create, nil))
	assert.Equal(t, 1, creates)
}

func TestCacheCreateExists(t *testing.T) {
	c := NewCache()
	creates, checks := 0, 0
	create := func() error {
		creates++
		return nil
	}
	exists := func() (bool, error) {
		checks++
		return true, nil
	}

	// The existence check stops the create
	require.NoError(t, c.Create("books", create, exists))
	assert.Equal(t, 1, checks)
	assert.Equal(t, 0, creates)

	// And the answer is remembered
	require.NoError(t, c.Create("books", create, exists))
	assert.Equal(t, 1, checks)
}

func TestCacheCreateError(t *testing.T) {
	c := NewCache()
	errBroken := errors.New("broken")
	calls := 0
	create := func() error {
		calls++
		if calls == 1 {
			return errBroken
		}
		return nil
	}

	// A failed create is not remembered as created
	assert.Equal(t, errBroken, c.Create("books", create, nil))
	require.NoError(t, c.Create("books", create, nil))
	assert.Equal(t, 2, calls)
}

func TestCacheMarkOK(t *testing.T) {
	c := NewCache()
	create := func() error {
		t.Fatal("create called")
		return nil
	}
	c.MarkOK("")
	c.MarkOK("books")
	require.NoError(t, c.Create("books", create, nil))
}

func TestCacheCreateConcurrent(t *testing.T) {
	c := NewCache()
	var mu sync.Mutex
	creates := 0
	create := func() error {
		mu.Lock()
		creates++
		mu.Unlock()
		return nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, c.Create("books", create, nil))
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, creates)
}

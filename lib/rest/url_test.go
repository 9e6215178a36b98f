package rest

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestURLJoin(t *testing.T) {
	for _, test := range []struct {
		base string
		path string
		want string
	}{
		{"http://example.com/", "potato", "http://example.com/potato"},
		{"http://example.com/dir/", "potato", "http://example.com/dir/potato"},
		{"http://example.com/dir/", "../dir2/potato", "http://example.com/dir2/potato"},
		{"http://example.com/dir/", "..", "http://example.com/"},
		{"http://example.com/dir/", "http://example.com/", "http://example.com/"},
	} {
		u, err := url.Parse(test.base)
		require.NoError(t, err)
		got, err := URLJoin(u, test.path)
		require.NoError(t, err)
		assert.Equal(t, test.want, got.String(), test.base+" + "+test.path)
	}
}

func TestURLPathEscape(t *testing.T) {
	for _, test := range []struct {
		in   string
		want string
	}{
		{"", ""},
		{"potato", "potato"},
		{"potato/sausage", "potato/sausage"},
		{"potato%sausage", "potato%25sausage"},
		{"potato sausage", "potato%20sausage"},
		{"MyFolderPrivate/photos/Trips & Falls", "MyFolderPrivate/photos/Trips%20&%20Falls"},
	} {
		got := URLPathEscape(test.in)
		assert.Equal(t, test.want, got, test.in)
	}
}

package vault

import (
	"fmt"
	"net/http"
	"net/url"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

// a timeout error in the style of the net package
type timeoutError struct{}

func (e timeoutError) Error() string { return "timeout" }
func (e timeoutError) Timeout() bool { return true }

type temporaryError struct{}

func (e temporaryError) Error() string   { return "temporary" }
func (e temporaryError) Temporary() bool { return true }

func TestIsFatalError(t *testing.T) {
	errPotato := errors.New("potato")
	for i, test := range []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errPotato, false},
		{FatalError(errPotato), true},
		{errors.Wrap(FatalError(errPotato), "connection"), true},
		{ErrorPermissionDenied, true},
		{errors.Wrap(ErrorPermissionDenied, "s3"), true},
		{errors.Wrapf(ErrorRemoteNotConfigured, "remote %q", "nas"), true},
		{errors.Wrap(ErrorObjectNotFound, "open"), true},
		{ErrorLocatorInvalid, true},
		{errors.Wrap(ErrorDirNotFound, "walk"), false},
		{RetryError(errPotato), false},
	} {
		got := IsFatalError(test.err)
		assert.Equal(t, test.want, got, fmt.Sprintf("test #%d: %v", i, test.err))
	}
}

func TestIsRetryError(t *testing.T) {
	errPotato := errors.New("potato")
	for i, test := range []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errPotato, false},
		{RetryError(errPotato), true},
		{RetryError(nil), true},
		{RetryErrorf("too many requests %d", 429), true},
		{errors.Wrap(RetryError(errPotato), "webdav"), true},
		{FatalError(errPotato), false},
	} {
		got := IsRetryError(test.err)
		assert.Equal(t, test.want, got, fmt.Sprintf("test #%d: %v", i, test.err))
	}
}

func TestShouldRetry(t *testing.T) {
	for i, test := range []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("potato"), false},
		{timeoutError{}, true},
		{temporaryError{}, true},
		{&url.Error{Op: "Get", URL: "http://x", Err: timeoutError{}}, true},
		{&url.Error{Op: "Get", URL: "http://x", Err: errors.New("potato")}, false},
	} {
		got := ShouldRetry(test.err)
		assert.Equal(t, test.want, got, fmt.Sprintf("test #%d: %v", i, test.err))
	}
}

func TestShouldRetryHTTP(t *testing.T) {
	retryErrorCodes := []int{429, 500, 502, 503, 504}
	resp := func(code int) *http.Response {
		return &http.Response{StatusCode: code}
	}
	assert.False(t, ShouldRetryHTTP(nil, retryErrorCodes))
	assert.False(t, ShouldRetryHTTP(resp(200), retryErrorCodes))
	assert.False(t, ShouldRetryHTTP(resp(404), retryErrorCodes))
	assert.True(t, ShouldRetryHTTP(resp(429), retryErrorCodes))
	assert.True(t, ShouldRetryHTTP(resp(503), retryErrorCodes))
}

func TestCause(t *testing.T) {
	// A sentinel survives being wrapped twice
	err := errors.Wrap(errors.Wrap(ErrorObjectNotFound, "inner"), "outer")
	assert.Equal(t, ErrorObjectNotFound, errors.Cause(err))
}

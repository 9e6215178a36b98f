// Errors and error handling

package vault

import (
	"fmt"
	"net/http"
	"net/url"

	"github.com/pkg/errors"
)

// Retry is an optional interface for error as to whether the
// operation should be retried at a high level.
//
// This should be returned from Put methods as required
type Retry interface {
	error
	Retry() bool
}

// retryError is a type of error
type retryError string

// Error interface
func (r retryError) Error() string {
	return string(r)
}

// Retry interface
func (r retryError) Retry() bool {
	return true
}

// Check interface
var _ Retry = retryError("")

// RetryErrorf makes an error which indicates it would like to be retried
func RetryErrorf(format string, a ...interface{}) error {
	return retryError(fmt.Sprintf(format, a...))
}

// plainRetryError is an error wrapped so it will retry
type plainRetryError struct {
	error
}

// Retry interface
func (err plainRetryError) Retry() bool {
	return true
}

// Check interface
var _ Retry = plainRetryError{(error)(nil)}

// RetryError makes an error which indicates it would like to be retried
func RetryError(err error) error {
	if err == nil {
		err = errors.New("needs retry")
	}
	return plainRetryError{err}
}

// Fataler is an optional interface for error as to whether the
// operation should cause the entire operation to finish immediately.
type Fataler interface {
	error
	Fatal() bool
}

// fatalError is an error wrapped so it will cause the task to fail
// with no retries
type fatalError struct {
	error
}

// Fatal interface
func (err fatalError) Fatal() bool {
	return true
}

// Check interface
var _ Fataler = fatalError{(error)(nil)}

// FatalError makes an error which indicates it is a fatal error and
// the task shouldn't be retried
func FatalError(err error) error {
	if err == nil {
		err = errors.New("fatal error")
	}
	return fatalError{err}
}

// fatalSentinels are errors which should never be retried however
// they are wrapped
var fatalSentinels = []error{
	ErrorRemoteNotConfigured,
	ErrorObjectNotFound,
	ErrorPermissionDenied,
	ErrorLocatorInvalid,
}

type causer interface {
	Cause() error
}

type wrapper interface {
	Unwrap() error
}

// walk invokes f on err and each error underlying it, stopping early
// if f returns true.
func walk(err error, f func(error) bool) bool {
	for err != nil {
		if f(err) {
			return true
		}
		switch e := err.(type) {
		case causer:
			err = e.Cause()
		case wrapper:
			err = e.Unwrap()
		default:
			return false
		}
	}
	return false
}

// IsFatalError returns true if err conclusively should not be retried,
// looking through the wrapped errors for a Fataler or a fatal sentinel.
func IsFatalError(err error) bool {
	return walk(err, func(err error) bool {
		if f, ok := err.(Fataler); ok && f.Fatal() {
			return true
		}
		for _, sentinel := range fatalSentinels {
			if err == sentinel {
				return true
			}
		}
		return false
	})
}

// IsRetryError returns true if err would like to be retried, looking
// through the wrapped errors for a Retry.
func IsRetryError(err error) bool {
	return walk(err, func(err error) bool {
		r, ok := err.(Retry)
		return ok && r.Retry()
	})
}

// ShouldRetry looks at an error and tries to work out if retrying the
// operation that caused it would be a good idea. It returns true if
// the error implements Timeout() or Temporary() and it returns true.
func ShouldRetry(err error) bool {
	if err == nil {
		return false
	}

	// Unwrap url.Error
	if urlErr, ok := err.(*url.Error); ok {
		err = urlErr.Err
	}

	// Check for net error Timeout()
	if x, ok := err.(interface {
		Timeout() bool
	}); ok && x.Timeout() {
		return true
	}

	// Check for net error Temporary()
	if x, ok := err.(interface {
		Temporary() bool
	}); ok && x.Temporary() {
		return true
	}

	return false
}

// ShouldRetryHTTP returns a boolean as to whether this resp deserves
// to be retried.  It checks to see if the HTTP response code is in the
// slice retryErrorCodes.
func ShouldRetryHTTP(resp *http.Response, retryErrorCodes []int) bool {
	if resp == nil {
		return false
	}
	for _, e := range retryErrorCodes {
		if resp.StatusCode == e {
			return true
		}
	}
	return false
}

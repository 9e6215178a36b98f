// Package uploader drains the upload task store: a bounded worker
// pool per backend kind under one global cap, with transfer
// accounting, bandwidth limiting and retry classification.
package uploader

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/vaultsync/vaultsync/vault"
	"golang.org/x/time/rate"
)

// limiterBurst is the token bucket size of the bandwidth limiter.
// It must cover the largest single read.
const limiterBurst = 1024 * 1024

// progressInterval throttles how often live progress is reported
const progressInterval = 500 * time.Millisecond

// newLimiter makes a shared bandwidth limiter for bytesPerSecond, or
// nil for no limit.  The bucket starts empty so a transfer can't open
// with a full burst.
func newLimiter(bytesPerSecond int64) *rate.Limiter {
	if bytesPerSecond <= 0 {
		return nil
	}
	tb := rate.NewLimiter(rate.Limit(bytesPerSecond), limiterBurst)
	err := tb.WaitN(context.Background(), limiterBurst)
	if err != nil {
		vault.Errorf(nil, "Token bucket error: %v", err)
	}
	return tb
}

// Account limits and accounts for one transfer.  It wraps the
// artifact reader, counts the bytes through it, holds them to the
// shared bandwidth limit and reports progress as a fraction of size.
type Account struct {
	mu         sync.Mutex // protects the values below
	in         io.ReadCloser
	ctx        context.Context
	size       int64
	bytes      int64
	limiter    *rate.Limiter // may be nil
	onProgress func(fraction float64)
	lastReport time.Time
	closed     bool
}

// newAccount wraps in for one transfer of size bytes.  onProgress may
// be nil.
func newAccount(ctx context.Context, in io.ReadCloser, size int64, limiter *rate.Limiter, onProgress func(float64)) *Account {
	return &Account{
		in:         in,
		ctx:        ctx,
		size:       size,
		limiter:    limiter,
		onProgress: onProgress,
	}
}

// accountRead accounts the read and limits bandwidth
func (acc *Account) accountRead(n int) {
	acc.mu.Lock()
	acc.bytes += int64(n)
	read := acc.bytes
	report := false
	if acc.onProgress != nil {
		now := time.Now()
		if now.Sub(acc.lastReport) >= progressInterval || (acc.size > 0 && read >= acc.size) {
			acc.lastReport = now
			report = true
		}
	}
	acc.mu.Unlock()

	if report {
		fraction := 1.0
		if acc.size > 0 {
			fraction = float64(read) / float64(acc.size)
		}
		acc.onProgress(fraction)
	}

	if acc.limiter != nil {
		err := acc.limiter.WaitN(acc.ctx, n)
		if err != nil && acc.ctx.Err() == nil {
			vault.Errorf(nil, "Token bucket error: %v", err)
		}
	}
}

// Read bytes from the artifact - see io.Reader
func (acc *Account) Read(p []byte) (n int, err error) {
	n, err = acc.in.Read(p)
	if n > 0 {
		acc.accountRead(n)
	}
	return n, err
}

// Bytes returns how many bytes have been read so far
func (acc *Account) Bytes() int64 {
	acc.mu.Lock()
	defer acc.mu.Unlock()
	return acc.bytes
}

// Close the account and the underlying reader
func (acc *Account) Close() error {
	acc.mu.Lock()
	if acc.closed {
		acc.mu.Unlock()
		return nil
	}
	acc.closed = true
	acc.mu.Unlock()
	return acc.in.Close()
}

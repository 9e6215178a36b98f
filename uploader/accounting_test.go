package uploader

import (
	"bytes"
	"context"
	"io"
	"io/ioutil"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

// closeCounter counts Close calls on the wrapped reader
type closeCounter struct {
	io.Reader
	closes int
}

func (c *closeCounter) Close() error {
	c.closes++
	return nil
}

func TestNewLimiter(t *testing.T) {
	assert.Nil(t, newLimiter(0))
	assert.Nil(t, newLimiter(-1))

	tb := newLimiter(1024)
	require.NotNil(t, tb)
	assert.Equal(t, rate.Limit(1024), tb.Limit())
	assert.Equal(t, limiterBurst, tb.Burst())
	// The bucket starts empty so a transfer can't open with a full
	// burst
	assert.False(t, tb.AllowN(time.Now(), limiterBurst))
}

func TestAccountRead(t *testing.T) {
	in := &closeCounter{Reader: strings.NewReader("hello vault")}
	var fractions []float64
	acc := newAccount(context.Background(), in, 11, nil, func(fraction float64) {
		fractions = append(fractions, fraction)
	})

	data, err := ioutil.ReadAll(acc)
	require.NoError(t, err)
	assert.Equal(t, "hello vault", string(data))
	assert.Equal(t, int64(11), acc.Bytes())

	// Reading the whole artifact forces a final report
	require.NotEmpty(t, fractions)
	assert.Equal(t, 1.0, fractions[len(fractions)-1])

	require.NoError(t, acc.Close())
	require.NoError(t, acc.Close())
	assert.Equal(t, 1, in.closes)
}

func TestAccountProgress(t *testing.T) {
	in := ioutil.NopCloser(bytes.NewReader(make([]byte, 12)))
	var fractions []float64
	acc := newAccount(context.Background(), in, 12, nil, func(fraction float64) {
		fractions = append(fractions, fraction)
	})

	buf := make([]byte, 4)
	for i := 0; i < 3; i++ {
		n, err := acc.Read(buf)
		require.NoError(t, err)
		require.Equal(t, 4, n)
	}

	// The first read always reports, the second is inside the report
	// interval and the third is forced because the artifact is
	// complete.
	require.Len(t, fractions, 2)
	assert.Equal(t, 4.0/12.0, fractions[0])
	assert.Equal(t, 1.0, fractions[1])
	assert.Equal(t, int64(12), acc.Bytes())
}

func TestAccountSizeUnknown(t *testing.T) {
	in := ioutil.NopCloser(strings.NewReader("data"))
	var fractions []float64
	acc := newAccount(context.Background(), in, 0, nil, func(fraction float64) {
		fractions = append(fractions, fraction)
	})

	_, err := ioutil.ReadAll(acc)
	require.NoError(t, err)
	assert.Equal(t, []float64{1.0}, fractions)
	assert.Equal(t, int64(4), acc.Bytes())
}

func TestAccountNoCallback(t *testing.T) {
	in := ioutil.NopCloser(strings.NewReader("data"))
	acc := newAccount(context.Background(), in, 4, nil, nil)

	data, err := ioutil.ReadAll(acc)
	require.NoError(t, err)
	assert.Equal(t, "data", string(data))
	assert.Equal(t, int64(4), acc.Bytes())
	require.NoError(t, acc.Close())
}

func TestAccountLimited(t *testing.T) {
	// A full fast bucket so the test doesn't wait
	tb := rate.NewLimiter(rate.Limit(1<<30), limiterBurst)
	in := ioutil.NopCloser(strings.NewReader("data"))
	acc := newAccount(context.Background(), in, 4, tb, nil)

	data, err := ioutil.ReadAll(acc)
	require.NoError(t, err)
	assert.Equal(t, "data", string(data))
	assert.Equal(t, int64(4), acc.Bytes())
}

func TestAccountLimitedCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// Reads must still pass when the context has ended - the limiter
	// error is logged, not returned.
	tb := rate.NewLimiter(rate.Limit(1), limiterBurst)
	in := ioutil.NopCloser(strings.NewReader("data"))
	acc := newAccount(ctx, in, 4, tb, nil)

	data, err := ioutil.ReadAll(acc)
	require.NoError(t, err)
	assert.Equal(t, "data", string(data))
}

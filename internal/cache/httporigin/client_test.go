package httporigin

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noSleep(sleeps *[]time.Duration) func(context.Context, time.Duration) error {
	return func(ctx context.Context, d time.Duration) error {
		if sleeps != nil {
			*sleeps = append(*sleeps, d)
		}
		return ctx.Err()
	}
}

func TestNewClientDefaults(t *testing.T) {
	t.Parallel()

	c := NewClient(Config{InsecureSkipVerify: true})
	assert.Positive(t, c.httpClient.Timeout)
	assert.Equal(t, 0, c.maxRetries)
	assert.Positive(t, c.initialBackoff)
	assert.Positive(t, c.maxBackoff)

	tr, ok := c.httpClient.Transport.(*http.Transport)
	require.True(t, ok)
	require.NotNil(t, tr.TLSClientConfig)
	assert.True(t, tr.TLSClientConfig.InsecureSkipVerify)
}

func TestCustomTransportIsKept(t *testing.T) {
	t.Parallel()
	custom := &http.Transport{TLSClientConfig: &tls.Config{}}
	c := NewClient(Config{Transport: custom, InsecureSkipVerify: true})
	assert.Same(t, custom, c.httpClient.Transport)
	assert.False(t, custom.TLSClientConfig.InsecureSkipVerify)
}

func TestDoRetriesThenSucceeds(t *testing.T) {
	t.Parallel()

	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(Config{MaxRetries: 3, InitialBackoff: time.Millisecond, MaxBackoff: 4 * time.Millisecond})
	var sleeps []time.Duration
	c.sleep = noSleep(&sleeps)

	resp, err := c.Get(context.Background(), srv.URL, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 3, atomic.LoadInt32(&hits))
	assert.Equal(t, []time.Duration{time.Millisecond, 2 * time.Millisecond}, sleeps)
}

func TestDoStopsAfterMaxRetries(t *testing.T) {
	t.Parallel()

	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient(Config{MaxRetries: 2})
	c.sleep = noSleep(nil)

	_, err := c.Get(context.Background(), srv.URL, nil)
	require.Error(t, err)
	assert.EqualValues(t, 3, atomic.LoadInt32(&hits))
}

func TestDoNonRetryableStatusReturnsResponse(t *testing.T) {
	t.Parallel()

	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewClient(Config{MaxRetries: 5})
	c.sleep = noSleep(nil)

	resp, err := c.Get(context.Background(), srv.URL, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.EqualValues(t, 1, atomic.LoadInt32(&hits))
}

func TestDoHeaders(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "%s|%s", r.Header.Get("X-Base"), r.Header.Get("X-Key"))
	}))
	defer srv.Close()

	c := NewClient(Config{BaseHeaders: http.Header{"X-Base": {"b"}, "X-Key": {"base"}}})
	resp, err := c.Get(context.Background(), srv.URL, http.Header{"X-Key": {"override"}})
	require.NoError(t, err)
	defer resp.Body.Close()
	buf := make([]byte, 64)
	n, _ := resp.Body.Read(buf)
	assert.Equal(t, "b|override", string(buf[:n]))
}

func TestBackoffDuration(t *testing.T) {
	t.Parallel()
	tests := []struct {
		initial time.Duration
		attempt int
		max     time.Duration
		want    time.Duration
	}{
		{100 * time.Millisecond, 0, time.Second, 100 * time.Millisecond},
		{100 * time.Millisecond, 1, time.Second, 200 * time.Millisecond},
		{100 * time.Millisecond, 2, time.Second, 400 * time.Millisecond},
		{600 * time.Millisecond, 1, time.Second, time.Second},
		{2 * time.Second, 0, time.Second, time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, backoffDuration(tt.initial, tt.attempt, tt.max))
	}
}

func TestIsRetryableStatus(t *testing.T) {
	t.Parallel()
	for _, code := range []int{429, 500, 503} {
		assert.True(t, isRetryableStatus(code), code)
	}
	for _, code := range []int{200, 400, 404} {
		assert.False(t, isRetryableStatus(code), code)
	}
}

func TestSleepWithContextCancellation(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sleepWithContext(ctx, time.Minute), context.Canceled)
}

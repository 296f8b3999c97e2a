package firehose

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestCrawl(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	relay := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/xrpc/com.atproto.sync.requestCrawl", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var body crawlRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "https://pds.example.com", body.Hostname)
		calls.Add(1)
	}))
	defer relay.Close()
	broken := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no", http.StatusServiceUnavailable)
	}))
	defer broken.Close()

	c := &Crawler{
		Hostname: "pds.example.com",
		Relays:   []string{relay.URL, broken.Listener.Addr().String(), "https://"},
		Client:   relay.Client(),
		Logger:   quietLogger(),
	}
	require.Equal(t, 2, c.RequestCrawl(ctx))
	require.Equal(t, int32(1), calls.Load())
}

func TestCrawlerRunsWhileIdle(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	relay := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer relay.Close()

	var listeners atomic.Int32
	listeners.Store(1)
	c := &Crawler{
		Hostname:  "pds.example.com",
		Relays:    []string{relay.URL},
		Interval:  time.Millisecond,
		Client:    relay.Client(),
		Listeners: func() int { return int(listeners.Load()) },
		Logger:    quietLogger(),
	}
	rctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		c.Run(rctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return calls.Load() == 1 }, 5*time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, int32(1), calls.Load(), "no crawl requests while subscribed")

	listeners.Store(0)
	require.Eventually(t, func() bool { return calls.Load() >= 3 }, 5*time.Second, time.Millisecond)
	cancel()
	<-done
}

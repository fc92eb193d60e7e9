package cloud

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ecowatt/telemetry/logging"
)

func testClient(url string) *Client {
	return New(Options{BaseURL: url, DeviceID: "dev-1", Timeout: 2 * time.Second}, logging.New(slog.Default()))
}

func TestExchangeFrameRetriesOnServerError(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"frame": "deadbeef"})
	}))
	defer ts.Close()

	c := testClient(ts.URL)
	start := time.Now()
	frame, err := c.ExchangeFrame(context.Background(), "0011")
	require.NoError(t, err)
	assert.Equal(t, "deadbeef", frame)
	assert.EqualValues(t, 3, calls.Load())
	// Two backoff sleeps: 500 ms + 1 s.
	assert.GreaterOrEqual(t, time.Since(start), 1500*time.Millisecond)
}

func TestExchangeFrameGivesUpAfterThreeAttempts(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer ts.Close()

	c := testClient(ts.URL)
	_, err := c.ExchangeFrame(context.Background(), "0011")
	require.ErrorIs(t, err, ErrStatus)
	assert.EqualValues(t, 3, calls.Load())
}

func TestPollCommandNoContent(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	var out map[string]any
	ok, err := testClient(ts.URL).PollCommand(context.Background(), &out)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestOnlineTracking(t *testing.T) {
	c := New(Options{BaseURL: "http://127.0.0.1:1", DeviceID: "dev-1", Timeout: 100 * time.Millisecond}, logging.New(slog.Default()))
	require.True(t, c.Online(), "optimistic before first call")
	_ = c.PostBatch(context.Background(), []byte("{}"))
	assert.False(t, c.Online())
	assert.False(t, c.TakeReconnected())

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer ts.Close()
	c2 := New(Options{BaseURL: ts.URL, DeviceID: "dev-1", HTTPClient: ts.Client()}, logging.New(slog.Default()))
	c2.online.Store(false) // simulate a prior outage
	require.NoError(t, c2.PostBatch(context.Background(), []byte("{}")))
	assert.True(t, c2.Online())
	assert.True(t, c2.TakeReconnected(), "offline->online edge is reported once")
	assert.False(t, c2.TakeReconnected())
}

func TestFetchChunkUsesRangeRequests(t *testing.T) {
	payload := make([]byte, 1000)
	for i := range payload {
		payload[i] = byte(i)
	}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "bytes=100-299", r.Header.Get("Range"))
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write(payload[100:300])
	}))
	defer ts.Close()

	chunk, err := testClient(ts.URL).FetchChunk(context.Background(), ts.URL+"/fw.bin", 100, 200)
	require.NoError(t, err)
	assert.Equal(t, payload[100:300], chunk)
}

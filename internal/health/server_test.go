package health

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(st Status) *httptest.Server {
	s := NewServer(ServerConfig{
		Port:       0,
		StatusFunc: func() Status { return st },
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return httptest.NewServer(s.Handler())
}

func TestRoot(t *testing.T) {
	srv := newTestServer(Status{Healthy: true})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.JSONEq(t, `{"status":"bot is up and running"}`, string(body))

	resp2, err := http.Get(srv.URL + "/nope")
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp2.StatusCode)
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(Status{State: "connected", Healthy: true, StoredMsgs: 12, Commands: 9})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var st Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	assert.Equal(t, "connected", st.State)
	assert.Equal(t, 12, st.StoredMsgs)
	assert.Equal(t, 9, st.Commands)
	assert.Nil(t, st.SendTokens)
	assert.Nil(t, st.StateSince)
}

func TestHealthz_OptionalFields(t *testing.T) {
	tokens := 0
	since := time.Unix(1_700_000_000, 0).UTC()
	srv := newTestServer(Status{State: "connected", Healthy: true, SendTokens: &tokens, StateSince: &since, RecentFaults: 2})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	var raw map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&raw))
	assert.Equal(t, float64(0), raw["sendTokens"], "an empty bucket is still reported")
	assert.Equal(t, "2023-11-14T22:13:20Z", raw["stateSince"])
	assert.Equal(t, float64(2), raw["recentFaults"])
}

func TestHealthz_Unhealthy(t *testing.T) {
	srv := newTestServer(Status{State: "fatal"})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestMetrics(t *testing.T) {
	srv := newTestServer(Status{Healthy: true})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "laughingfox_events_received_total")
}

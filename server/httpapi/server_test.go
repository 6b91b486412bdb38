package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/migadu/popbridge/pkg/health"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStats struct {
	total, authenticated int64
}

func (f fakeStats) GetTotalConnections() int64         { return f.total }
func (f fakeStats) GetAuthenticatedConnections() int64 { return f.authenticated }

func newTestAPI(t *testing.T, opts ServerOptions) *httptest.Server {
	t.Helper()
	if opts.Addr == "" {
		opts.Addr = "127.0.0.1:0"
	}
	s, err := New(opts)
	require.NoError(t, err)
	ts := httptest.NewServer(s.setupRoutes())
	t.Cleanup(ts.Close)
	return ts
}

func get(t *testing.T, url, token string) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(ServerOptions{})
	assert.Error(t, err)
	_, err = New(ServerOptions{Addr: ":8080", AllowedHosts: []string{"not-an-ip"}})
	assert.Error(t, err)
	_, err = New(ServerOptions{Addr: ":8080", AllowedHosts: []string{"10.0.0.0/33"}})
	assert.Error(t, err)
	_, err = New(ServerOptions{Addr: ":8080", AllowedHosts: []string{"127.0.0.1", "10.0.0.0/8", "::1"}})
	assert.NoError(t, err)
}

func TestHealth(t *testing.T) {
	ts := newTestAPI(t, ServerOptions{APIKey: "secret"})
	resp, body := get(t, ts.URL+"/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var hr HealthResponse
	require.NoError(t, json.Unmarshal([]byte(body), &hr))
	assert.Equal(t, "ok", hr.Status)
	assert.Empty(t, hr.Components)
}

type fakeHealth struct {
	overall    health.ComponentStatus
	components map[string]health.ComponentStatus
}

func (f fakeHealth) GetOverallStatus() health.ComponentStatus          { return f.overall }
func (f fakeHealth) GetAllStatuses() map[string]health.ComponentStatus { return f.components }

func TestHealthReportsBackendStatus(t *testing.T) {
	tests := []struct {
		overall    health.ComponentStatus
		wantCode   int
		wantStatus string
	}{
		{health.StatusHealthy, http.StatusOK, "ok"},
		{health.StatusDegraded, http.StatusOK, "degraded"},
		{health.StatusUnhealthy, http.StatusServiceUnavailable, "unhealthy"},
	}
	for _, tt := range tests {
		t.Run(string(tt.overall), func(t *testing.T) {
			ts := newTestAPI(t, ServerOptions{Health: fakeHealth{
				overall:    tt.overall,
				components: map[string]health.ComponentStatus{"ews": tt.overall},
			}})
			resp, body := get(t, ts.URL+"/health", "")
			assert.Equal(t, tt.wantCode, resp.StatusCode)

			var hr HealthResponse
			require.NoError(t, json.Unmarshal([]byte(body), &hr))
			assert.Equal(t, tt.wantStatus, hr.Status)
			assert.Equal(t, tt.overall, hr.Components["ews"])
		})
	}
}

func TestStatsRequiresAPIKey(t *testing.T) {
	ts := newTestAPI(t, ServerOptions{
		APIKey:      "secret",
		Stats:       fakeStats{total: 5, authenticated: 3},
		BackendType: "ews",
		Version:     "1.2.3",
	})

	resp, _ := get(t, ts.URL+"/api/v1/stats", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = get(t, ts.URL+"/api/v1/stats", "wrong")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, body := get(t, ts.URL+"/api/v1/stats", "secret")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var stats StatsResponse
	require.NoError(t, json.Unmarshal([]byte(body), &stats))
	assert.Equal(t, "ews", stats.Backend)
	assert.Equal(t, "1.2.3", stats.Version)
	assert.Equal(t, int64(5), stats.ConnectionsTotal)
	assert.Equal(t, int64(3), stats.ConnectionsAuthenticated)
}

func TestStatsWithoutAPIKey(t *testing.T) {
	ts := newTestAPI(t, ServerOptions{BackendType: "imap"})
	resp, body := get(t, ts.URL+"/api/v1/stats", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, `"backend":"imap"`)
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestAPI(t, ServerOptions{MetricsPath: "/internal/metrics"})
	resp, body := get(t, ts.URL+"/internal/metrics", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.Contains(body, "go_goroutines"))

	resp, _ = get(t, ts.URL+"/metrics", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAllowedHosts(t *testing.T) {
	blocked := newTestAPI(t, ServerOptions{AllowedHosts: []string{"10.0.0.0/8"}})
	resp, body := get(t, blocked.URL+"/health", "")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Contains(t, body, "Host not allowed")

	allowed := newTestAPI(t, ServerOptions{AllowedHosts: []string{"127.0.0.0/8"}})
	resp, _ = get(t, allowed.URL+"/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	exact := newTestAPI(t, ServerOptions{AllowedHosts: []string{"127.0.0.1"}})
	resp, _ = get(t, exact.URL+"/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

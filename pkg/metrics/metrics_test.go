package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveRequest(t *testing.T) {
	m := New("kv")
	m.ObserveRequest("kv.get", "", 0.002)
	m.ObserveRequest("kv.get", "NOT_FOUND", 0.001)
	m.ObserveRequest("kv.get", "", 0.003)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Requests.WithLabelValues("kv.get", "OK")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Requests.WithLabelValues("kv.get", "NOT_FOUND")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.Latency))
}

func TestConnectionGauges(t *testing.T) {
	m := New("kv")
	m.ConnOpened()
	m.ConnOpened()
	m.ConnClosed(false)
	m.ConnClosed(true)

	assert.Equal(t, 0.0, testutil.ToFloat64(m.ActiveConns))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Connections))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ConnErrors))
}

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	m.ObserveRequest("x", "", 1)
	m.ConnOpened()
	m.ConnClosed(true)
}

func TestHandlerExposesServiceLabel(t *testing.T) {
	m := New("echo")
	m.ObserveRequest("echo.ping", "", 0.001)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), `fgp_requests_total{code="OK",method="echo.ping",service="echo"} 1`)
	assert.Contains(t, string(body), "go_goroutines")
}

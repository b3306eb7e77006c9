package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestHealthz(t *testing.T) {
	ok := NewServer(":0", "", nil)
	rec := httptest.NewRecorder()
	ok.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	failing := NewServer(":0", "", func() error { return errors.New("storage closed") })
	rec = httptest.NewRecorder()
	failing.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "storage closed")
}

func TestMetricsEndpoint(t *testing.T) {
	FramesTotal.WithLabelValues("metrics-test", "tm").Add(3)
	assert.Equal(t, 3.0, testutil.ToFloat64(FramesTotal.WithLabelValues("metrics-test", "tm")))

	s := NewServer(":0", "/prom", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/prom", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `pusgate_frames_total{kind="tm",pool="metrics-test"} 3`))
}

package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRowsCounter(t *testing.T) {
	before := testutil.ToFloat64(Rows.WithLabelValues("metrics-test", StatusSkipped))
	Rows.WithLabelValues("metrics-test", StatusSkipped).Add(3)
	assert.Equal(t, before+3, testutil.ToFloat64(Rows.WithLabelValues("metrics-test", StatusSkipped)))
}

func TestThroughputTracker(t *testing.T) {
	tracker := NewThroughputTracker("metrics-test")
	tracker.Increment(100)
	time.Sleep(10 * time.Millisecond)

	rate := tracker.GetAndReset()
	assert.Greater(t, rate, 0.0)
	assert.Equal(t, rate, testutil.ToFloat64(Throughput.WithLabelValues("metrics-test")))
}

func TestHandler(t *testing.T) {
	ObserveDispatch("describe", 20*time.Millisecond)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Result().Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "syncmaven_connector_dispatch_seconds")
}

package metrics

import (
	"io"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandler_ExposesCounters(t *testing.T) {
	m := New()
	atomic.AddInt64(&m.QueueEnqueuedTotal, 3)
	atomic.StoreInt64(&m.QueueSize, 2)

	h, err := m.Handler("lead_tracking")
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	assert.Contains(t, string(body), "lead_tracking_queue_enqueued_total 3")
	assert.Contains(t, string(body), "lead_tracking_queue_size 2")
}

func TestString(t *testing.T) {
	m := New()
	atomic.AddInt64(&m.HTTPRequestsTotal, 7)
	assert.Contains(t, m.String(), "http_requests_total=7\n")
}

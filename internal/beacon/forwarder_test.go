package beacon

import (
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"lead-tracking/internal/metrics"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type capture struct {
	mu     sync.Mutex
	bodies map[string][]map[string]any
}

func (c *capture) handler(status int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		var body map[string]any
		_ = json.Unmarshal(b, &body)

		c.mu.Lock()
		c.bodies[r.URL.Path] = append(c.bodies[r.URL.Path], body)
		c.mu.Unlock()
		w.WriteHeader(status)
	}
}

func TestForwarder_PostsEachHook(t *testing.T) {
	c := &capture{bodies: map[string][]map[string]any{}}
	srv := httptest.NewServer(c.handler(http.StatusNoContent))
	defer srv.Close()

	m := metrics.New()
	f := New(Options{
		GTMURL:   srv.URL + "/gtm",
		GA4URL:   srv.URL + "/ga4",
		PixelURL: srv.URL + "/pixel",
	}, srv.Client(), m)
	f.Start()

	f.DataLayer().Push(map[string]any{"event": "form_submit"})
	f.Gtag().Event("generate_lead", map[string]any{"value": 0})
	f.Pixel().Track("Lead", map[string]any{"currency": "BRL"}, "lead_1_x")
	f.Shutdown()

	require.Len(t, c.bodies["/gtm"], 1)
	assert.Equal(t, "form_submit", c.bodies["/gtm"][0]["event"])
	require.Len(t, c.bodies["/ga4"], 1)
	assert.Equal(t, "generate_lead", c.bodies["/ga4"][0]["name"])
	require.Len(t, c.bodies["/pixel"], 1)
	assert.Equal(t, "lead_1_x", c.bodies["/pixel"][0]["eventID"])

	assert.EqualValues(t, 3, atomic.LoadInt64(&m.BeaconsSentTotal))
}

func TestForwarder_UnsetURLsGiveNilHooks(t *testing.T) {
	f := New(Options{}, nil, metrics.New())
	assert.Nil(t, f.DataLayer())
	assert.Nil(t, f.Gtag())
	assert.Nil(t, f.Pixel())
}

func TestForwarder_FailuresAreCounted(t *testing.T) {
	c := &capture{bodies: map[string][]map[string]any{}}
	srv := httptest.NewServer(c.handler(http.StatusInternalServerError))
	defer srv.Close()

	m := metrics.New()
	f := New(Options{GTMURL: srv.URL}, srv.Client(), m)
	f.Start()
	f.DataLayer().Push(map[string]any{"event": "x"})
	f.Shutdown()

	assert.EqualValues(t, 1, atomic.LoadInt64(&m.BeaconsFailedTotal))
}

func TestForwarder_FullBufferDrops(t *testing.T) {
	m := metrics.New()
	// worker 를 시작하지 않으므로 buffer 가 그대로 찬다
	f := New(Options{GTMURL: "http://127.0.0.1:1", Buffer: 2}, nil, m)

	hook := f.DataLayer()
	for i := 0; i < 5; i++ {
		hook.Push(map[string]any{"i": i})
	}
	assert.EqualValues(t, 3, atomic.LoadInt64(&m.BeaconsDroppedTotal))

	f.Shutdown()
	hook.Push(map[string]any{"late": true})
	assert.EqualValues(t, 4, atomic.LoadInt64(&m.BeaconsDroppedTotal))
}

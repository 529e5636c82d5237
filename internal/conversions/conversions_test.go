package conversions

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"lead-tracking/internal/attribution"
	"lead-tracking/internal/inspector"
	"lead-tracking/internal/metrics"
	"lead-tracking/internal/model"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetaCookies(t *testing.T) {
	fbp, fbc := MetaCookies("lt_vid=abc; _fbp=fb.1.1700000000000.123; other=1")
	require.NotNil(t, fbp)
	assert.Equal(t, "fb.1.1700000000000.123", *fbp)
	assert.Nil(t, fbc)

	fbp, fbc = MetaCookies("")
	assert.Nil(t, fbp)
	assert.Nil(t, fbc)

	_, fbc = MetaCookies("_fbc=fb.1.1700000000000.AbC")
	require.NotNil(t, fbc)
	assert.Equal(t, "fb.1.1700000000000.AbC", *fbc)
}

func TestBuildPayload_WireFormat(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	p := BuildPayload(Event{
		Name:    "Lead",
		ID:      "lead_1740830400000_abcdefghi",
		PageURL: "https://lp.example.com/?utm_source=google",
		Data: map[string]any{
			"content_name": "Contact Form Submission",
			"value":        0,
			"variant":      nil,
		},
		UTM:    attribution.Params{attribution.KeySource: "google"}.WithDefaults(),
		Lead:   &model.LeadData{Name: "Ana", Email: "ana@example.com"},
		Cookie: "_fbp=fb.1.1.2",
	}, now)

	b, err := json.Marshal(p)
	require.NoError(t, err)

	var wire map[string]any
	require.NoError(t, json.Unmarshal(b, &wire))

	assert.Equal(t, "Lead", wire["eventName"])
	assert.Equal(t, "lead_1740830400000_abcdefghi", wire["eventId"])

	ed := wire["eventData"].(map[string]any)
	assert.Equal(t, "https://lp.example.com/?utm_source=google", ed["page_url"])
	assert.Equal(t, "google", ed["utm_source"])
	assert.Equal(t, "organic", ed["utm_campaign"])
	assert.Equal(t, "none", ed["utm_medium"])
	assert.Equal(t, "none", ed["utm_content"])
	assert.Equal(t, "2025-03-01T12:00:00Z", ed["timestamp"])
	assert.NotContains(t, ed, "variant")
	assert.NotContains(t, ed, "utm_term")

	assert.Equal(t, map[string]any{"name": "Ana", "email": "ana@example.com"}, wire["leadData"])

	ud := wire["userData"].(map[string]any)
	assert.Equal(t, "fb.1.1.2", ud["fbp"])
	assert.Contains(t, ud, "fbc")
	assert.Nil(t, ud["fbc"])
}

func TestBuildPayload_EmptyLeadOmitted(t *testing.T) {
	p := BuildPayload(Event{Name: "Contact", ID: "x", Lead: &model.LeadData{}}, time.Now())
	assert.Nil(t, p.LeadData)
}

func TestClient_Deliver(t *testing.T) {
	var status atomic.Int64
	status.Store(http.StatusOK)
	var gotID atomic.Value

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotID.Store(r.Header.Get("X-Event-Id"))
		_, _ = io.ReadAll(r.Body)
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second, srv.Client())
	require.NoError(t, c.Deliver(context.Background(), "lead_1", []byte(`{}`)))
	assert.Equal(t, "lead_1", gotID.Load())

	status.Store(http.StatusInternalServerError)
	err := c.Deliver(context.Background(), "lead_1", []byte(`{}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 500")
}

func TestClient_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := NewClient(srv.URL, 50*time.Millisecond, srv.Client())
	err := c.Deliver(context.Background(), "x", []byte(`{}`))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClient_NotConfigured(t *testing.T) {
	var c *Client
	assert.ErrorIs(t, c.Deliver(context.Background(), "x", nil), ErrNotConfigured)
	assert.ErrorIs(t, NewClient("", 0, nil).Deliver(context.Background(), "x", nil), ErrNotConfigured)
}

type fakeQueue struct {
	mu    sync.Mutex
	added map[string][]byte
}

func (q *fakeQueue) Add(id string, payload json.RawMessage) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.added[id] = payload
}

func TestTransport_FailureIsQueuedNotReturned(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	q := &fakeQueue{added: map[string][]byte{}}
	insp := inspector.New(context.Background(), nil, true)
	m := metrics.New()
	tr := NewTransport(NewClient(srv.URL, time.Second, srv.Client()), q, insp, m)

	p := BuildPayload(Event{Name: "Contact", ID: "whatsapp_1_a"}, time.Now())
	tr.Send(context.Background(), p)

	require.Contains(t, q.added, "whatsapp_1_a")
	var queued model.ConversionPayload
	require.NoError(t, json.Unmarshal(q.added["whatsapp_1_a"], &queued))
	assert.Equal(t, "Contact", queued.EventName)

	rec := insp.ByPlatform(model.PlatformCAPI)
	require.Len(t, rec, 1)
	assert.False(t, rec[0].Success)
	assert.EqualValues(t, 1, atomic.LoadInt64(&m.ConversionsFailedTotal))
}

func TestTransport_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {}))
	defer srv.Close()

	q := &fakeQueue{added: map[string][]byte{}}
	m := metrics.New()
	tr := NewTransport(NewClient(srv.URL, time.Second, srv.Client()), q, nil, m)
	tr.Send(context.Background(), BuildPayload(Event{Name: "Lead", ID: "lead_1"}, time.Now()))

	assert.Empty(t, q.added)
	assert.EqualValues(t, 1, atomic.LoadInt64(&m.ConversionsSentTotal))
}

func TestTransport_NotConfiguredIsNoop(t *testing.T) {
	q := &fakeQueue{added: map[string][]byte{}}
	m := metrics.New()
	tr := NewTransport(nil, q, nil, m)

	assert.False(t, tr.Configured())
	tr.Send(context.Background(), model.ConversionPayload{EventName: "Lead", EventID: "x"})
	assert.Empty(t, q.added)
	assert.EqualValues(t, 1, atomic.LoadInt64(&m.ConversionsSkippedTotal))
}

func TestTransport_CancelledContextIsQueued(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {}))
	defer srv.Close()

	q := &fakeQueue{added: map[string][]byte{}}
	tr := NewTransport(NewClient(srv.URL, time.Second, srv.Client()), q, nil, metrics.New())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	tr.Send(ctx, model.ConversionPayload{EventName: "Lead", EventID: "lead_c"})

	assert.Contains(t, q.added, "lead_c")
	assert.True(t, errors.Is(ctx.Err(), context.Canceled))
}

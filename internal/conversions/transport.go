// internal/conversions/transport.go
package conversions

import (
	"context"
	"sync/atomic"

	"lead-tracking/internal/inspector"
	"lead-tracking/internal/metrics"
	"lead-tracking/internal/model"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
)

// Enqueuer 는 실패한 payload 를 넘겨받는 retry queue.
type Enqueuer interface {
	Add(id string, payload json.RawMessage)
}

// Transport
// ------------------------------------------------------------
// conversion 을 즉시 한 번 보내고, 실패하면 retry queue 로 넘긴다.
// 호출자에게는 어떤 에러도 돌려주지 않는다.
type Transport struct {
	client  *Client
	queue   Enqueuer
	insp    *inspector.Inspector
	metrics *metrics.Metrics
}

// NewTransport 는 client 가 nil 이면(endpoint 미설정) 모든 Send 를 경고 후 skip 한다.
func NewTransport(client *Client, queue Enqueuer, insp *inspector.Inspector, m *metrics.Metrics) *Transport {
	if m == nil {
		m = metrics.New()
	}
	return &Transport{client: client, queue: queue, insp: insp, metrics: m}
}

// Configured 는 endpoint 가 설정되어 있는지 여부.
func (t *Transport) Configured() bool {
	return t.client != nil && t.client.endpoint != ""
}

// Send 는 payload 를 전송한다. ctx 취소는 실패와 동일하게 취급되어 queue 로 넘어간다.
func (t *Transport) Send(ctx context.Context, p model.ConversionPayload) {
	if !t.Configured() {
		atomic.AddInt64(&t.metrics.ConversionsSkippedTotal, 1)
		log.Warn().Str("event", p.EventName).Msg("conversions endpoint not configured")
		return
	}

	body, err := json.Marshal(p)
	if err != nil {
		log.Error().Err(err).Str("event_id", p.EventID).Msg("conversion payload marshal failed")
		return
	}

	if err := t.client.Deliver(ctx, p.EventID, body); err != nil {
		atomic.AddInt64(&t.metrics.ConversionsFailedTotal, 1)
		t.insp.Record(model.PlatformCAPI, p.EventName, p.EventData, false, err.Error())

		log.Warn().
			Err(err).
			Str("event_id", p.EventID).
			Str("event", p.EventName).
			Msg("queuing conversion for retry")

		if t.queue != nil {
			t.queue.Add(p.EventID, body)
		}
		return
	}

	atomic.AddInt64(&t.metrics.ConversionsSentTotal, 1)
	t.insp.Record(model.PlatformCAPI, p.EventName, p.EventData, true, "")
}

// internal/metrics/metrics.go
package metrics

import (
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 는 트래킹 파이프라인 상태를 나타내는 카운터 모음이다.
// hot path 에서는 atomic 증가만 하고, Prometheus 는 scrape 시점에 값을 읽어간다.
type Metrics struct {
	// ======================
	// HTTP 레벨 지표
	// ======================

	// HTTPRequestsTotal
	// - /v1/events, /go/whatsapp 로 들어온 모든 요청 수 (시도 기준).
	HTTPRequestsTotal int64

	// HTTPRequestsAcceptedTotal
	// - dispatcher 까지 정상적으로 전달된 요청 수.
	HTTPRequestsAcceptedTotal int64

	// HTTPRequestsRejectedBodyTooLargeTotal
	// - body 가 MaxBodySize 를 넘어 413 으로 거절된 요청 수.
	HTTPRequestsRejectedBodyTooLargeTotal int64

	// HTTPRequestsRejectedInvalidTotal
	// - JSON decode 실패, 알 수 없는 action 등으로 400 을 반환한 요청 수.
	HTTPRequestsRejectedInvalidTotal int64

	// HTTPRequestsRejectedRateLimitedTotal
	// - 전역 rate limit 에 걸려 429 를 반환한 요청 수.
	// - 지속적으로 증가하면 봇 트래픽이거나 RATE_LIMIT_RPS 가 너무 낮다는 신호.
	HTTPRequestsRejectedRateLimitedTotal int64

	// ======================
	// Dispatcher 지표
	// ======================

	// EventsDispatchedTotal
	// - dispatcher 가 처리한 business event 수 (high/low 모두).
	EventsDispatchedTotal int64

	// ConversionsSentTotal / ConversionsFailedTotal
	// - conversion endpoint 로의 즉시 전송 성공 / 실패 수 (실패분은 retry queue 로 이동).
	ConversionsSentTotal   int64
	ConversionsFailedTotal int64

	// ConversionsSkippedTotal
	// - endpoint 미설정으로 전송하지 않은 수.
	ConversionsSkippedTotal int64

	// ConversionsDroppedTotal
	// - dispatcher 종료(Close) 이후 들어와 전송하지 못한 수.
	ConversionsDroppedTotal int64

	// ======================
	// Retry queue 지표
	// ======================

	QueueEnqueuedTotal     int64 // Add 호출 수
	QueueEvictedTotal      int64 // 용량(100) 초과로 버려진 가장 오래된 항목 수
	QueueRetriesTotal      int64 // 재전송 시도 수
	QueueDeliveredTotal    int64 // 재전송 성공 수
	QueueDeadLetteredTotal int64 // 최대 시도 초과로 영구 실패한 수
	QueuePurgedTotal       int64 // 로드 시 24시간 초과로 제거된 수

	// QueueSize
	// - 현재 queue 길이 (gauge).
	QueueSize int64

	// ======================
	// Beacon (server-side hook) 지표
	// ======================

	BeaconsSentTotal    int64
	BeaconsFailedTotal  int64
	BeaconsDroppedTotal int64 // buffer full 로 버려진 수

	// ======================
	// Dead letter archive (S3) 지표
	// ======================

	// S3EventsStoredTotal
	// - S3 에 성공 저장된 dead letter 이벤트 수 (배치 수가 아님).
	S3EventsStoredTotal int64

	// S3PutErrorsTotal
	// - PutObject 실패 시도 횟수. 재시도마다 증가한다.
	S3PutErrorsTotal int64

	// DeadLetterDroppedTotal
	// - 재시도 후에도 업로드하지 못해 로그로만 남은 dead letter 수.
	DeadLetterDroppedTotal int64

	// DeadLetterSpooledTotal
	// - 업로드 실패로 로컬 spool 에 저장된 이벤트 수.
	DeadLetterSpooledTotal int64
}

func New() *Metrics {
	return &Metrics{}
}

type metricDesc struct {
	name  string
	help  string
	value *int64
	gauge bool
}

func (m *Metrics) descs() []metricDesc {
	return []metricDesc{
		{"http_requests_total", "All tracking HTTP requests.", &m.HTTPRequestsTotal, false},
		{"http_requests_accepted_total", "Requests handed to the dispatcher.", &m.HTTPRequestsAcceptedTotal, false},
		{"http_requests_rejected_body_too_large_total", "Requests rejected with 413.", &m.HTTPRequestsRejectedBodyTooLargeTotal, false},
		{"http_requests_rejected_invalid_total", "Requests rejected with 400.", &m.HTTPRequestsRejectedInvalidTotal, false},
		{"http_requests_rejected_rate_limited_total", "Requests rejected with 429.", &m.HTTPRequestsRejectedRateLimitedTotal, false},

		{"events_dispatched_total", "Business events dispatched.", &m.EventsDispatchedTotal, false},
		{"conversions_sent_total", "Immediate conversion sends that succeeded.", &m.ConversionsSentTotal, false},
		{"conversions_failed_total", "Immediate conversion sends that failed and were queued.", &m.ConversionsFailedTotal, false},
		{"conversions_skipped_total", "Conversion sends skipped because no endpoint is configured.", &m.ConversionsSkippedTotal, false},
		{"conversions_dropped_total", "Conversions dropped because the dispatcher was already closed.", &m.ConversionsDroppedTotal, false},

		{"queue_enqueued_total", "Entries added to the retry queue.", &m.QueueEnqueuedTotal, false},
		{"queue_evicted_total", "Oldest entries dropped on overflow.", &m.QueueEvictedTotal, false},
		{"queue_retries_total", "Retry attempts.", &m.QueueRetriesTotal, false},
		{"queue_delivered_total", "Entries delivered on retry.", &m.QueueDeliveredTotal, false},
		{"queue_dead_lettered_total", "Entries removed after max attempts.", &m.QueueDeadLetteredTotal, false},
		{"queue_purged_total", "Entries older than 24h purged on load.", &m.QueuePurgedTotal, false},
		{"queue_size", "Current retry queue length.", &m.QueueSize, true},

		{"beacons_sent_total", "Collector beacons delivered.", &m.BeaconsSentTotal, false},
		{"beacons_failed_total", "Collector beacons that failed.", &m.BeaconsFailedTotal, false},
		{"beacons_dropped_total", "Collector beacons dropped because the buffer was full.", &m.BeaconsDroppedTotal, false},

		{"s3_events_stored_total", "Dead letters archived to S3.", &m.S3EventsStoredTotal, false},
		{"s3_put_errors_total", "Failed S3 PutObject attempts.", &m.S3PutErrorsTotal, false},
		{"dead_letter_dropped_total", "Dead letters that could not be archived.", &m.DeadLetterDroppedTotal, false},
		{"dead_letter_spooled_total", "Dead letters saved to the local spool after a failed upload.", &m.DeadLetterSpooledTotal, false},
	}
}

// Register 는 모든 카운터를 CounterFunc / GaugeFunc 로 reg 에 등록한다.
func (m *Metrics) Register(reg prometheus.Registerer, namespace string) error {
	for _, d := range m.descs() {
		ptr := d.value
		read := func() float64 { return float64(atomic.LoadInt64(ptr)) }

		var c prometheus.Collector
		if d.gauge {
			c = prometheus.NewGaugeFunc(prometheus.GaugeOpts{Namespace: namespace, Name: d.name, Help: d.help}, read)
		} else {
			c = prometheus.NewCounterFunc(prometheus.CounterOpts{Namespace: namespace, Name: d.name, Help: d.help}, read)
		}
		if err := reg.Register(c); err != nil {
			return fmt.Errorf("register %s: %w", d.name, err)
		}
	}
	return nil
}

// Handler 는 전용 registry 로 /metrics 를 노출한다.
func (m *Metrics) Handler(namespace string) (http.Handler, error) {
	reg := prometheus.NewRegistry()
	if err := m.Register(reg, namespace); err != nil {
		return nil, err
	}
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), nil
}

// String 은 key=value 줄 형식 요약. 종료 시 로그로 남긴다.
func (m *Metrics) String() string {
	var sb strings.Builder
	sb.Grow(512)

	for _, d := range m.descs() {
		fmt.Fprintf(&sb, "%s=%d\n", d.name, atomic.LoadInt64(d.value))
	}
	return sb.String()
}

// internal/queue/queue.go
package queue

import (
	"context"
	"math/rand/v2"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"lead-tracking/internal/metrics"
	"lead-tracking/internal/store"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
)

const (
	DefaultMaxSize     = 100
	DefaultMaxAge      = 24 * time.Hour
	DefaultPollCeiling = 30 * time.Second
)

// Entry
// ------------------------------------------------------------
// 전송 대기 중인 conversion 하나. store 에는 Entry 배열(JSON)로 저장된다.
// Timestamp / NextRetryAt 은 epoch-ms.
type Entry struct {
	ID          string          `json:"id"`
	Payload     json.RawMessage `json:"payload"`
	Timestamp   int64           `json:"timestamp"`
	Attempts    int             `json:"attempts"`
	NextRetryAt int64           `json:"nextRetryAt"`
	LastError   string          `json:"lastError,omitempty"`
}

// Sender 는 payload 를 한 번 전송한다 (conversions.Client).
type Sender interface {
	Deliver(ctx context.Context, id string, body []byte) error
}

// DeadLetterSink 는 최대 시도를 넘긴 항목을 넘겨받는다 (선택).
type DeadLetterSink interface {
	DeadLetter(e Entry)
}

// Queue
// ------------------------------------------------------------
// conversion 전송 실패분을 보관하고 backoff 로 재시도하는 durable queue.
//
// 동작:
//   - Add: 용량(100) 초과 시 가장 오래된 항목 drop, attempts=0 / nextRetryAt=now 로 tail 에 추가
//   - loop: goroutine 하나가 head 만 처리한다
//     성공 → 제거, 실패 → attempts++ 후 backoff, attempts ≥ MaxAttempts → dead letter
//   - 모든 변경 후 전체 배열을 store 에 저장, 생성 시 24시간 지난 항목은 제거
//
// Add 는 전송 중에도 안전하다. 전송 중인 head 는 포인터로 추적하므로
// 그 사이 overflow 로 밀려나도 결과 처리 시 무시된다.
// mutex 는 네트워크 전송 동안 잡지 않는다.
type Queue struct {
	store   store.Store
	sender  Sender
	sink    DeadLetterSink
	metrics *metrics.Metrics

	policy      Policy
	maxSize     int
	maxAge      time.Duration
	pollCeiling time.Duration
	now         func() time.Time
	rnd         func() float64

	mu       sync.Mutex
	entries  []*Entry
	warnOnce sync.Once

	wake chan struct{}

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	started  atomic.Bool
	stopOnce sync.Once
}

// Option 은 Queue 설정.
type Option func(*Queue)

func WithPolicy(p Policy) Option {
	return func(q *Queue) { q.policy = p }
}

func WithMaxSize(n int) Option {
	return func(q *Queue) { q.maxSize = n }
}

func WithMaxAge(d time.Duration) Option {
	return func(q *Queue) { q.maxAge = d }
}

func WithPollCeiling(d time.Duration) Option {
	return func(q *Queue) { q.pollCeiling = d }
}

func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

func WithRand(rnd func() float64) Option {
	return func(q *Queue) { q.rnd = rnd }
}

func WithDeadLetterSink(s DeadLetterSink) Option {
	return func(q *Queue) { q.sink = s }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(q *Queue) {
		if m != nil {
			q.metrics = m
		}
	}
}

// New 는 store 에서 기존 queue 를 읽어 복원한다. 처리는 Start 이후에 시작된다.
// sender 가 nil 이면 조회/정리 전용으로만 사용할 수 있다.
func New(ctx context.Context, s store.Store, sender Sender, opts ...Option) *Queue {
	q := &Queue{
		store:       s,
		sender:      sender,
		metrics:     metrics.New(),
		policy:      DefaultPolicy,
		maxSize:     DefaultMaxSize,
		maxAge:      DefaultMaxAge,
		pollCeiling: DefaultPollCeiling,
		now:         time.Now,
		rnd:         rand.Float64,
		wake:        make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.ctx, q.cancel = context.WithCancel(context.Background())

	q.load(ctx)
	return q
}

// Start 는 처리 goroutine 을 시작한다. 두 번째 호출부터는 무시된다.
func (q *Queue) Start() {
	if q.sender == nil || !q.started.CompareAndSwap(false, true) {
		return
	}
	q.wg.Add(1)
	go q.loop()
}

// Close 는 timer 와 loop 를 멈추고 현재 상태를 저장한다.
// 진행 중인 전송은 취소되며 attempt 로 계산하지 않는다.
func (q *Queue) Close() {
	q.stopOnce.Do(q.cancel)
	q.wg.Wait()
	q.Flush(context.Background())
}

// Add 는 항목을 tail 에 추가하고 처리 loop 를 깨운다.
func (q *Queue) Add(id string, payload json.RawMessage) {
	q.mu.Lock()
	if len(q.entries) >= q.maxSize {
		dropped := q.entries[0]
		q.entries = slices.Delete(q.entries, 0, 1)
		atomic.AddInt64(&q.metrics.QueueEvictedTotal, 1)
		log.Warn().Str("event_id", dropped.ID).Msg("conversion queue full, oldest event dropped")
	}

	now := q.now().UnixMilli()
	q.entries = append(q.entries, &Entry{
		ID:          id,
		Payload:     slices.Clone(payload),
		Timestamp:   now,
		Attempts:    0,
		NextRetryAt: now,
	})
	atomic.AddInt64(&q.metrics.QueueEnqueuedTotal, 1)
	q.persistLocked(context.Background())
	q.mu.Unlock()

	q.kick()
}

func (q *Queue) kick() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// ------------------------------------------------------------
// 처리 loop
// ------------------------------------------------------------

func (q *Queue) loop() {
	defer q.wg.Done()

	// 복원된 항목이 있을 수 있으므로 즉시 한 번 처리한다
	timer := time.NewTimer(0)
	defer timer.Stop()

	reset := func(d time.Duration) {
		// 타이머가 이미 만료된 상태면 drain
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(d)
	}

	for {
		select {
		case <-q.ctx.Done():
			return
		case <-q.wake:
		case <-timer.C:
		}

		wait := q.process(q.ctx)
		if q.ctx.Err() != nil {
			return
		}
		reset(wait)
	}
}

// process 는 head 부터 전송 가능한 항목을 차례로 처리하고,
// 다음에 깨어나야 할 시간을 반환한다 (최대 pollCeiling).
func (q *Queue) process(ctx context.Context) time.Duration {
	for {
		q.mu.Lock()
		if len(q.entries) == 0 {
			q.mu.Unlock()
			return q.pollCeiling
		}

		head := q.entries[0]
		now := q.now()
		if wait := time.Duration(head.NextRetryAt-now.UnixMilli()) * time.Millisecond; wait > 0 {
			q.mu.Unlock()
			return min(wait, q.pollCeiling)
		}
		id, payload := head.ID, head.Payload
		q.mu.Unlock()

		atomic.AddInt64(&q.metrics.QueueRetriesTotal, 1)
		err := q.sender.Deliver(ctx, id, payload)

		if ctx.Err() != nil {
			// 종료 중: 이번 시도는 계산하지 않는다
			return 0
		}

		q.mu.Lock()
		idx := slices.Index(q.entries, head)
		if idx < 0 {
			// 전송 중 overflow 또는 Clear 로 제거됨
			q.mu.Unlock()
			continue
		}

		if err == nil {
			q.entries = slices.Delete(q.entries, idx, idx+1)
			q.persistLocked(ctx)
			q.mu.Unlock()

			atomic.AddInt64(&q.metrics.QueueDeliveredTotal, 1)
			log.Info().Str("event_id", id).Msg("queued conversion delivered")
			continue
		}

		head.Attempts++
		head.LastError = err.Error()

		if head.Attempts >= q.policy.MaxAttempts {
			q.entries = slices.Delete(q.entries, idx, idx+1)
			q.persistLocked(ctx)
			dead := *head
			q.mu.Unlock()

			q.deadLetter(dead)
			continue
		}

		delay := q.policy.Delay(head.Attempts, q.rnd())
		head.NextRetryAt = q.now().Add(delay).UnixMilli()
		q.persistLocked(ctx)
		q.mu.Unlock()

		log.Warn().
			Str("event_id", id).
			Int("attempts", head.Attempts).
			Dur("retry_in", delay).
			Str("last_error", err.Error()).
			Msg("conversion retry scheduled")

		return min(delay, q.pollCeiling)
	}
}

func (q *Queue) deadLetter(e Entry) {
	atomic.AddInt64(&q.metrics.QueueDeadLetteredTotal, 1)

	log.Error().
		Str("event_id", e.ID).
		Int("attempts", e.Attempts).
		Str("last_error", e.LastError).
		RawJSON("payload", e.Payload).
		Msg("conversion permanently failed")

	if q.sink != nil {
		q.sink.DeadLetter(e)
	}
}

// ------------------------------------------------------------
// 영속화
// ------------------------------------------------------------

// load 는 저장된 배열을 읽고 maxAge 를 넘긴 항목을 제거한다.
// 손상된 데이터는 지우고 빈 queue 로 시작한다.
func (q *Queue) load(ctx context.Context) {
	if q.store == nil {
		return
	}
	raw, ok, err := q.store.Get(ctx, store.KeyQueue)
	if err != nil {
		q.warnPersist(err)
		return
	}
	if !ok || raw == "" {
		return
	}

	var entries []*Entry
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		log.Warn().Err(err).Msg("corrupted conversion queue, clearing")
		_ = q.store.Remove(ctx, store.KeyQueue)
		return
	}

	now := q.now().UnixMilli()
	maxAge := q.maxAge.Milliseconds()
	kept := entries[:0]
	for _, e := range entries {
		if e != nil && now-e.Timestamp < maxAge {
			kept = append(kept, e)
		}
	}
	purged := len(entries) - len(kept)

	q.mu.Lock()
	q.entries = kept
	if purged > 0 {
		atomic.AddInt64(&q.metrics.QueuePurgedTotal, int64(purged))
		q.persistLocked(ctx)
	}
	atomic.StoreInt64(&q.metrics.QueueSize, int64(len(kept)))
	q.mu.Unlock()

	if len(kept) > 0 || purged > 0 {
		log.Info().Int("loaded", len(kept)).Int("purged", purged).Msg("conversion queue restored")
	}
}

// persistLocked 는 q.mu 를 잡은 상태에서 호출한다.
func (q *Queue) persistLocked(ctx context.Context) {
	atomic.StoreInt64(&q.metrics.QueueSize, int64(len(q.entries)))

	if q.store == nil {
		return
	}
	b, err := json.Marshal(q.entries)
	if err != nil {
		q.warnPersist(err)
		return
	}
	if ctx.Err() != nil {
		ctx = context.Background()
	}
	if err := q.store.Set(ctx, store.KeyQueue, string(b)); err != nil {
		q.warnPersist(err)
	}
}

func (q *Queue) warnPersist(err error) {
	q.warnOnce.Do(func() {
		log.Warn().Err(err).Msg("conversion queue persistence failed, continuing in memory")
	})
}

// Flush 는 현재 상태를 즉시 저장한다 (종료, SIGTERM, debug endpoint).
func (q *Queue) Flush(ctx context.Context) {
	q.mu.Lock()
	q.persistLocked(ctx)
	q.mu.Unlock()
}

// Clear 는 queue 를 비우고 저장된 값을 제거한다.
func (q *Queue) Clear(ctx context.Context) {
	q.mu.Lock()
	q.entries = nil
	atomic.StoreInt64(&q.metrics.QueueSize, 0)
	if q.store != nil {
		if err := q.store.Remove(ctx, store.KeyQueue); err != nil {
			q.warnPersist(err)
		}
	}
	q.mu.Unlock()
}

// Size 는 현재 항목 수.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Status 는 debug 용 요약.
type Status struct {
	Size   int           `json:"size"`
	Events []EntryStatus `json:"events"`
}

type EntryStatus struct {
	ID          string `json:"id"`
	Attempts    int    `json:"attempts"`
	NextRetryAt string `json:"nextRetryAt"`
	LastError   string `json:"lastError,omitempty"`
}

func (q *Queue) Status() Status {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := Status{Size: len(q.entries), Events: make([]EntryStatus, 0, len(q.entries))}
	for _, e := range q.entries {
		s.Events = append(s.Events, EntryStatus{
			ID:          e.ID,
			Attempts:    e.Attempts,
			NextRetryAt: time.UnixMilli(e.NextRetryAt).UTC().Format(time.RFC3339Nano),
			LastError:   e.LastError,
		})
	}
	return s
}

// Entries 는 현재 항목의 사본 (테스트 / CLI 용).
func (q *Queue) Entries() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Entry, len(q.entries))
	for i, e := range q.entries {
		out[i] = *e
	}
	return out
}

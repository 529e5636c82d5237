package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"lead-tracking/internal/metrics"
	"lead-tracking/internal/store"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeClock 는 테스트에서 시간을 직접 움직인다.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeSender struct {
	mu    sync.Mutex
	err   error
	calls []string
	block chan struct{}
}

func (s *fakeSender) Deliver(ctx context.Context, id string, _ []byte) error {
	s.mu.Lock()
	s.calls = append(s.calls, id)
	block, err := s.block, s.err
	s.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (s *fakeSender) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

type sinkRecorder struct {
	mu      sync.Mutex
	entries []Entry
}

func (r *sinkRecorder) DeadLetter(e Entry) {
	r.mu.Lock()
	r.entries = append(r.entries, e)
	r.mu.Unlock()
}

func payload(id string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"eventName":"Lead","eventId":%q}`, id))
}

func newClock() *fakeClock {
	return &fakeClock{t: time.UnixMilli(1_740_830_400_000)}
}

func TestAdd_InitialState(t *testing.T) {
	clk := newClock()
	q := New(context.Background(), store.NewMemory(), &fakeSender{}, WithClock(clk.Now))

	q.Add("lead_1", payload("lead_1"))

	entries := q.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, 0, entries[0].Attempts)
	assert.LessOrEqual(t, entries[0].NextRetryAt, clk.Now().UnixMilli())
	assert.Equal(t, clk.Now().UnixMilli(), entries[0].Timestamp)
}

// 500 응답 → attempts=1, 약 1초(±20%) 뒤 재시도
func TestProcess_FailureSchedulesBackoff(t *testing.T) {
	clk := newClock()
	sender := &fakeSender{err: errors.New("HTTP 500: Internal Server Error")}
	q := New(context.Background(), store.NewMemory(), sender, WithClock(clk.Now))

	q.Add("whatsapp_1", payload("whatsapp_1"))
	wait := q.process(context.Background())

	entries := q.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, 1, entries[0].Attempts)
	assert.Equal(t, "HTTP 500: Internal Server Error", entries[0].LastError)

	now := clk.Now().UnixMilli()
	assert.GreaterOrEqual(t, entries[0].NextRetryAt, now+800)
	assert.LessOrEqual(t, entries[0].NextRetryAt, now+1200)
	assert.Equal(t, time.Duration(entries[0].NextRetryAt-now)*time.Millisecond, wait)

	// 아직 때가 아니면 전송하지 않는다
	q.process(context.Background())
	assert.Len(t, sender.Calls(), 1)
}

func TestProcess_MaxAttemptsDeadLetters(t *testing.T) {
	clk := newClock()
	sender := &fakeSender{err: errors.New("timeout")}
	sink := &sinkRecorder{}
	m := metrics.New()
	q := New(context.Background(), store.NewMemory(), sender,
		WithClock(clk.Now), WithDeadLetterSink(sink), WithMetrics(m))

	q.Add("lead_1", payload("lead_1"))

	for i := 0; i < 10 && q.Size() > 0; i++ {
		q.process(context.Background())
		for _, e := range q.Entries() {
			assert.LessOrEqual(t, e.Attempts, DefaultPolicy.MaxAttempts)
		}
		clk.Advance(DefaultPolicy.MaxDelay * 2)
	}

	assert.Equal(t, 0, q.Size())
	assert.Len(t, sender.Calls(), 3)
	require.Len(t, sink.entries, 1)
	assert.Equal(t, 3, sink.entries[0].Attempts)
	assert.Equal(t, "timeout", sink.entries[0].LastError)
	assert.EqualValues(t, 1, m.QueueDeadLetteredTotal)
}

func TestProcess_SuccessRemovesAndContinues(t *testing.T) {
	sender := &fakeSender{}
	q := New(context.Background(), store.NewMemory(), sender)

	q.Add("a", payload("a"))
	q.Add("b", payload("b"))
	wait := q.process(context.Background())

	assert.Equal(t, 0, q.Size())
	assert.Equal(t, []string{"a", "b"}, sender.Calls())
	assert.Equal(t, DefaultPollCeiling, wait)
}

func TestProcess_WaitIsCappedAtPollCeiling(t *testing.T) {
	clk := newClock()
	sender := &fakeSender{err: errors.New("down")}
	q := New(context.Background(), store.NewMemory(), sender,
		WithClock(clk.Now),
		WithPollCeiling(500*time.Millisecond))

	q.Add("a", payload("a"))
	assert.Equal(t, 500*time.Millisecond, q.process(context.Background()))
}

func TestAdd_OverflowEvictsOldest(t *testing.T) {
	q := New(context.Background(), store.NewMemory(), &fakeSender{})
	for i := 0; i < DefaultMaxSize; i++ {
		q.Add(fmt.Sprintf("e%03d", i), payload("x"))
	}
	require.Equal(t, DefaultMaxSize, q.Size())

	q.Add("newest", payload("newest"))

	entries := q.Entries()
	assert.Len(t, entries, DefaultMaxSize)
	assert.Equal(t, "e001", entries[0].ID)
	assert.Equal(t, "newest", entries[len(entries)-1].ID)
}

func TestProcess_InFlightHeadEvictedIsTolerated(t *testing.T) {
	sender := &fakeSender{err: errors.New("slow failure"), block: make(chan struct{})}
	q := New(context.Background(), store.NewMemory(), sender, WithMaxSize(3))

	q.Add("head", payload("head"))

	done := make(chan struct{})
	go func() {
		defer close(done)
		q.process(context.Background())
	}()

	require.Eventually(t, func() bool { return len(sender.Calls()) == 1 }, time.Second, 5*time.Millisecond)

	// 전송 중에 head 가 밀려난다
	for i := 0; i < 3; i++ {
		q.Add(fmt.Sprintf("n%d", i), payload("n"))
	}
	sender.mu.Lock()
	sender.err = nil
	sender.mu.Unlock()
	close(sender.block)
	<-done

	for _, e := range q.Entries() {
		assert.NotEqual(t, "head", e.ID)
	}
}

func TestPersist_RoundTripAndPurge(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	clk := newClock()

	q1 := New(ctx, mem, &fakeSender{err: errors.New("down")}, WithClock(clk.Now))
	q1.Add("old", payload("old"))
	clk.Advance(2 * time.Hour)
	q1.Add("fresh", payload("fresh"))
	q1.process(ctx) // old: attempts=1
	before := q1.Entries()
	q1.Flush(ctx)

	// 재시작: old 는 25시간, fresh 는 23시간 경과
	clk.Advance(23 * time.Hour)
	m := metrics.New()
	q2 := New(ctx, mem, &fakeSender{}, WithClock(clk.Now), WithMetrics(m))

	after := q2.Entries()
	require.Len(t, after, 1)
	assert.Equal(t, "fresh", after[0].ID)

	var want Entry
	for _, e := range before {
		if e.ID == "fresh" {
			want = e
		}
	}
	assert.Equal(t, want.Attempts, after[0].Attempts)
	assert.JSONEq(t, string(want.Payload), string(after[0].Payload))
	assert.EqualValues(t, 1, m.QueuePurgedTotal)

	// purge 결과도 저장된다
	raw, ok, _ := mem.Get(ctx, store.KeyQueue)
	require.True(t, ok)
	assert.NotContains(t, raw, `"old"`)
}

func TestPersist_AttemptsSurviveReload(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	clk := newClock()

	q1 := New(ctx, mem, &fakeSender{err: errors.New("down")}, WithClock(clk.Now))
	q1.Add("lead_9", payload("lead_9"))
	q1.process(ctx)

	q2 := New(ctx, mem, nil, WithClock(clk.Now))
	got := q2.Entries()
	require.Len(t, got, 1)
	assert.Equal(t, "lead_9", got[0].ID)
	assert.Equal(t, 1, got[0].Attempts)
	assert.Equal(t, "down", got[0].LastError)
	assert.JSONEq(t, string(payload("lead_9")), string(got[0].Payload))
}

func TestLoad_CorruptedIsCleared(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	require.NoError(t, mem.Set(ctx, store.KeyQueue, "[{broken"))

	q := New(ctx, mem, nil)
	assert.Equal(t, 0, q.Size())
	_, ok, _ := mem.Get(ctx, store.KeyQueue)
	assert.False(t, ok)
}

func TestQuotaExceeded_QueueKeepsWorkingInMemory(t *testing.T) {
	ctx := context.Background()
	fb := store.Open(ctx, "queue", store.NewMemoryWithQuota(256))
	q := New(ctx, fb, &fakeSender{})

	assert.NotPanics(t, func() {
		for i := 0; i < 10; i++ {
			q.Add(fmt.Sprintf("lead_%d", i), payload("lead"))
		}
	})
	assert.True(t, fb.Degraded())
	assert.Equal(t, 10, q.Size())

	// 같은 세션 안에서는 fallback 에서 다시 읽힌다
	reloaded := New(ctx, fb, nil)
	assert.Equal(t, 10, reloaded.Size())
}

func TestClearAndStatus(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	mem := store.NewMemory()
	q := New(ctx, mem, nil, WithClock(clk.Now))
	q.Add("a", payload("a"))

	s := q.Status()
	assert.Equal(t, 1, s.Size)
	assert.Equal(t, "a", s.Events[0].ID)
	assert.Equal(t, "2025-03-01T12:00:00Z", s.Events[0].NextRetryAt)

	q.Clear(ctx)
	q.Clear(ctx)
	assert.Equal(t, 0, q.Size())
	_, ok, _ := mem.Get(ctx, store.KeyQueue)
	assert.False(t, ok)
}

func TestStartClose_DeliversInBackground(t *testing.T) {
	sender := &fakeSender{}
	q := New(context.Background(), store.NewMemory(), sender)
	q.Start()
	q.Start()

	q.Add("bg", payload("bg"))
	require.Eventually(t, func() bool { return q.Size() == 0 }, 2*time.Second, 5*time.Millisecond)

	q.Close()
	q.Close()
	assert.Equal(t, []string{"bg"}, sender.Calls())
}

func TestClose_CancelsInFlightWithoutCountingAttempt(t *testing.T) {
	sender := &fakeSender{err: errors.New("x"), block: make(chan struct{})}
	q := New(context.Background(), store.NewMemory(), sender)
	q.Start()
	q.Add("slow", payload("slow"))

	require.Eventually(t, func() bool { return len(sender.Calls()) == 1 }, time.Second, 5*time.Millisecond)
	q.Close()

	entries := q.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, 0, entries[0].Attempts)
}

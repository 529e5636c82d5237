// internal/beacon/forwarder.go
package beacon

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"lead-tracking/internal/metrics"
	"lead-tracking/internal/platform"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
)

// Forwarder
// ------------------------------------------------------------
// 서버 측에서 platform hook(DataLayer, Gtag, Pixel)을 구현한다.
// 각 hook 호출은 collector URL 로 보낼 beacon 이 되어 buffer channel 에 들어가고,
// worker goroutine 이 순서대로 POST 한다.
//
// vendor SDK 처럼 호출자는 절대 기다리지 않는다:
//   - buffer 가 가득 차면 drop (metrics 증가)
//   - 전송 실패는 로그만 남기고 재시도하지 않음
//
// Shutdown 은 buffer 에 남은 beacon 을 모두 보낸 뒤 반환한다.
type Forwarder struct {
	client  *http.Client
	timeout time.Duration
	metrics *metrics.Metrics

	gtmURL   string
	ga4URL   string
	pixelURL string

	ch chan beacon

	mu     sync.RWMutex
	closed bool

	wg       sync.WaitGroup
	stopOnce sync.Once
}

type beacon struct {
	url  string
	body any
}

// Options 는 collector 주소와 buffer/timeout 설정.
type Options struct {
	GTMURL   string
	GA4URL   string
	PixelURL string
	Buffer   int
	Timeout  time.Duration
}

func New(opts Options, client *http.Client, m *metrics.Metrics) *Forwarder {
	if client == nil {
		client = http.DefaultClient
	}
	if m == nil {
		m = metrics.New()
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 1024
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	return &Forwarder{
		client:   client,
		timeout:  opts.Timeout,
		metrics:  m,
		gtmURL:   opts.GTMURL,
		ga4URL:   opts.GA4URL,
		pixelURL: opts.PixelURL,
		ch:       make(chan beacon, opts.Buffer),
	}
}

// Start 는 전송 worker 를 시작한다.
func (f *Forwarder) Start() {
	f.wg.Add(1)
	go f.loop()
}

// Shutdown 은 더 이상 beacon 을 받지 않고, 남은 beacon 전송이 끝날 때까지 기다린다.
func (f *Forwarder) Shutdown() {
	f.stopOnce.Do(func() {
		f.mu.Lock()
		f.closed = true
		close(f.ch)
		f.mu.Unlock()
	})
	f.wg.Wait()
}

// ------------------------------------------------------------
// Hook 생성자. URL 이 비어 있으면 nil 을 반환해 adapter 가 no-op 이 되도록 한다.
// ------------------------------------------------------------

func (f *Forwarder) DataLayer() platform.DataLayer {
	if f.gtmURL == "" {
		return nil
	}
	return dataLayerHook{f}
}

func (f *Forwarder) Gtag() platform.Gtag {
	if f.ga4URL == "" {
		return nil
	}
	return gtagHook{f}
}

func (f *Forwarder) Pixel() platform.Pixel {
	if f.pixelURL == "" {
		return nil
	}
	return pixelHook{f}
}

type dataLayerHook struct{ f *Forwarder }

func (h dataLayerHook) Push(entry map[string]any) {
	h.f.enqueue(h.f.gtmURL, entry)
}

type gtagHook struct{ f *Forwarder }

func (h gtagHook) Event(name string, params map[string]any) {
	h.f.enqueue(h.f.ga4URL, map[string]any{
		"name":   name,
		"params": params,
	})
}

type pixelHook struct{ f *Forwarder }

func (h pixelHook) Track(name string, params map[string]any, eventID string) {
	body := map[string]any{
		"event":  name,
		"params": params,
	}
	if eventID != "" {
		body["eventID"] = eventID
	}
	h.f.enqueue(h.f.pixelURL, body)
}

// enqueue 는 절대 block 하지 않는다.
func (f *Forwarder) enqueue(url string, body any) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed {
		atomic.AddInt64(&f.metrics.BeaconsDroppedTotal, 1)
		return
	}

	select {
	case f.ch <- beacon{url: url, body: body}:
	default:
		atomic.AddInt64(&f.metrics.BeaconsDroppedTotal, 1)
		log.Warn().Str("url", url).Msg("beacon buffer full, dropping")
	}
}

func (f *Forwarder) loop() {
	defer f.wg.Done()

	for b := range f.ch {
		if err := f.post(b); err != nil {
			atomic.AddInt64(&f.metrics.BeaconsFailedTotal, 1)
			log.Warn().Err(err).Str("url", b.url).Msg("beacon delivery failed")
			continue
		}
		atomic.AddInt64(&f.metrics.BeaconsSentTotal, 1)
	}
}

func (f *Forwarder) post(b beacon) error {
	data, err := json.Marshal(b.body)
	if err != nil {
		return fmt.Errorf("marshal beacon: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return nil
}

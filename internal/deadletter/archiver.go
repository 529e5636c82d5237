// internal/deadletter/archiver.go
package deadletter

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"lead-tracking/internal/config"
	"lead-tracking/internal/metrics"
	"lead-tracking/internal/queue"

	"github.com/rs/zerolog/log"
)

// Archiver
// ------------------------------------------------------------
// retry queue 에서 최대 시도를 넘긴 conversion 을 모아 S3 에 보관한다.
//
// 흐름:
//   - DeadLetter(): queue → entryCh (non-blocking, 가득 차면 drop)
//   - collectLoop: BatchSize 또는 FlushInterval 마다 batch 를 uploadCh 로 전달
//   - uploadLoop: gzip+JSONL 인코딩 → S3 업로드, 실패 시 로컬 spool 저장
//
// spool 이 설정되어 있으면 uploadLoop 가 주기적으로 spool 파일을 재업로드한다.
// Shutdown 은 남은 batch 를 모두 처리한 뒤 반환한다.
type Archiver struct {
	opts     Options
	metrics  *metrics.Metrics
	uploader *Uploader
	encoder  *Encoder
	spool    *Spool
	now      func() time.Time

	entryCh  chan queue.Entry
	uploadCh chan []queue.Entry

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	closed bool

	wg       sync.WaitGroup
	stopOnce sync.Once
}

var _ queue.DeadLetterSink = (*Archiver)(nil)

// Options 는 archive 설정.
type Options struct {
	Bucket        string
	Prefix        string
	InstanceID    string
	BatchSize     int
	FlushInterval time.Duration
	S3Timeout     time.Duration
	Retries       int
	Buffer        int

	// SpoolDir 이 비어 있으면 업로드 실패 batch 는 로그만 남기고 버린다.
	SpoolDir      string
	SpoolMaxBytes int64
	SpoolMaxAge   time.Duration
	SpoolInterval time.Duration
}

func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		Bucket:        cfg.DeadLetterBucket,
		Prefix:        cfg.DeadLetterPrefix,
		InstanceID:    cfg.InstanceID,
		BatchSize:     cfg.DeadLetterBatchSize,
		FlushInterval: cfg.DeadLetterFlushInterval,
		S3Timeout:     cfg.S3Timeout,
		Retries:       cfg.S3AppRetries,
		SpoolDir:      cfg.DeadLetterSpoolDir,
		SpoolMaxBytes: cfg.DeadLetterSpoolMaxBytes,
		SpoolMaxAge:   cfg.DeadLetterSpoolMaxAge,
	}
}

func New(opts Options, client PutObjectAPI, m *metrics.Metrics) (*Archiver, error) {
	if m == nil {
		m = metrics.New()
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 10 * time.Second
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 256
	}
	if opts.SpoolInterval <= 0 {
		opts.SpoolInterval = 5 * time.Second
	}

	a := &Archiver{
		opts:     opts,
		metrics:  m,
		uploader: NewUploader(client, opts.Bucket, opts.S3Timeout, opts.Retries, m),
		encoder:  NewEncoder(),
		now:      time.Now,
		entryCh:  make(chan queue.Entry, opts.Buffer),
		uploadCh: make(chan []queue.Entry, 4),
	}

	if opts.SpoolDir != "" {
		sp, err := NewSpool(opts.SpoolDir, opts.SpoolMaxBytes, opts.SpoolMaxAge, m)
		if err != nil {
			return nil, err
		}
		a.spool = sp
	}

	a.ctx, a.cancel = context.WithCancel(context.Background())
	return a, nil
}

// Start 는 collectLoop / uploadLoop 를 실행한다.
func (a *Archiver) Start() {
	a.wg.Add(2)
	go a.collectLoop()
	go a.uploadLoop()
}

// Shutdown 은 입력을 닫고 남은 batch 가 업로드(또는 spool)될 때까지 기다린다.
// ctx 가 먼저 끝나면 진행 중인 업로드를 취소한다.
func (a *Archiver) Shutdown(ctx context.Context) {
	a.stopOnce.Do(func() {
		a.mu.Lock()
		a.closed = true
		close(a.entryCh)
		a.mu.Unlock()
	})

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		a.cancel()
		<-done
	}
	a.cancel()
}

// DeadLetter 는 queue.DeadLetterSink 구현. 호출자를 막지 않는다.
func (a *Archiver) DeadLetter(e queue.Entry) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		a.drop(e, "archiver closed")
		return
	}

	select {
	case a.entryCh <- e:
	default:
		a.drop(e, "archive buffer full")
	}
}

func (a *Archiver) drop(e queue.Entry, reason string) {
	atomic.AddInt64(&a.metrics.DeadLetterDroppedTotal, 1)
	log.Error().
		Str("event_id", e.ID).
		RawJSON("payload", e.Payload).
		Msg("dead letter dropped: " + reason)
}

// collectLoop 는 entryCh 를 BatchSize / FlushInterval 기준으로 묶는다.
// flush 는 항상 새 slice 를 만든다.
func (a *Archiver) collectLoop() {
	defer a.wg.Done()
	defer close(a.uploadCh)

	batch := make([]queue.Entry, 0, a.opts.BatchSize)
	timer := time.NewTimer(a.opts.FlushInterval)
	defer timer.Stop()

	reset := func() {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(a.opts.FlushInterval)
	}

	flush := func() {
		if len(batch) == 0 {
			return
		}
		a.uploadCh <- batch
		batch = make([]queue.Entry, 0, a.opts.BatchSize)
		reset()
	}

	for {
		select {
		case e, ok := <-a.entryCh:
			if !ok {
				flush()
				return
			}
			batch = append(batch, e)
			if len(batch) >= a.opts.BatchSize {
				flush()
			}

		case <-timer.C:
			flush()
			timer.Reset(a.opts.FlushInterval)
		}
	}
}

// uploadLoop 는 batch 업로드와 spool 재업로드를 담당한다.
// uploadCh 가 닫히면 남은 batch 를 모두 처리하고 종료한다.
func (a *Archiver) uploadLoop() {
	defer a.wg.Done()

	ticker := time.NewTicker(a.opts.SpoolInterval)
	defer ticker.Stop()

	for {
		select {
		case batch, ok := <-a.uploadCh:
			if !ok {
				return
			}
			a.processBatch(a.ctx, batch)

		case <-ticker.C:
			a.drainSpool(a.ctx, 3)
		}
	}
}

// drainSpool 은 spool 파일을 최대 n 개 처리한다.
func (a *Archiver) drainSpool(ctx context.Context, n int) {
	if a.spool == nil {
		return
	}
	for i := 0; i < n; i++ {
		if !a.spool.ProcessOne(ctx, a.reupload) {
			return
		}
	}
}

// reupload 는 spool 파일을 원래 시간대 파티션으로 올린다.
func (a *Archiver) reupload(ctx context.Context, name string, f io.ReadSeeker, size int64) error {
	ts := a.now()
	if sec, ok := extractUnixFromFilename(name); ok {
		ts = time.Unix(sec, 0)
	}
	key := BuildS3Key(a.opts.Prefix, name, ts)
	return a.uploader.UploadFileWithRetryCtx(ctx, key, f, size)
}

// processBatch
//  1. 인코딩 실패 → 항목별 Error 로그 후 drop
//  2. 업로드 실패 → spool 저장 (spool 없으면 drop)
//  3. 성공 → S3EventsStoredTotal 증가
func (a *Archiver) processBatch(ctx context.Context, batch []queue.Entry) {
	if len(batch) == 0 {
		return
	}

	data, err := a.encoder.EncodeBatchJSONLGZ(batch)
	if err != nil {
		log.Error().Err(err).Int("events", len(batch)).Msg("dead letter encode failed")
		for _, e := range batch {
			a.drop(e, "encode failed")
		}
		return
	}

	now := a.now()
	name := NewFilename(a.opts.InstanceID, now)
	key := BuildS3Key(a.opts.Prefix, name, now)

	if err := a.uploader.UploadBytesWithRetryCtx(ctx, key, data); err != nil {
		if a.spool == nil {
			log.Error().Err(err).Str("key", key).Msg("dead letter upload failed, no spool configured")
			for _, e := range batch {
				a.drop(e, "upload failed")
			}
			return
		}
		if err2 := a.spool.Save(name, data, len(batch)); err2 != nil {
			log.Error().Err(err2).Str("file", name).Msg("dead letter spool save failed")
			for _, e := range batch {
				a.drop(e, "spool save failed")
			}
		}
		return
	}

	atomic.AddInt64(&a.metrics.S3EventsStoredTotal, int64(len(batch)))
	log.Info().Str("key", key).Int("events", len(batch)).Msg("dead letters archived")
}

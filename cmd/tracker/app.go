package main

import (
	"context"
	"net/http"

	"lead-tracking/internal/attribution"
	"lead-tracking/internal/awsclient"
	"lead-tracking/internal/beacon"
	"lead-tracking/internal/config"
	"lead-tracking/internal/conversions"
	"lead-tracking/internal/deadletter"
	"lead-tracking/internal/dispatch"
	"lead-tracking/internal/inspector"
	"lead-tracking/internal/metrics"
	"lead-tracking/internal/platform"
	"lead-tracking/internal/queue"
	"lead-tracking/internal/store"

	"github.com/rs/zerolog/log"
)

// pipeline 은 serve 가 사용하는 모든 구성 요소.
//
//	store(fallback) ─┬─ attribution
//	                 ├─ inspector
//	                 └─ queue ── conversions client ── (dead letter) archiver
//	beacon forwarder → platform adapters ─┐
//	conversions transport ────────────────┴─ dispatcher
type pipeline struct {
	cfg        config.Config
	metrics    *metrics.Metrics
	store      *store.Fallback
	attr       *attribution.Context
	insp       *inspector.Inspector
	queue      *queue.Queue
	forwarder  *beacon.Forwarder
	archiver   *deadletter.Archiver
	dispatcher *dispatch.Dispatcher
}

// openStore 는 primary store 를 열고 fallback 으로 감싼다.
// primary 생성 실패는 치명적이지 않다 (memory 로 시작).
func openStore(ctx context.Context, cfg config.Config) *store.Fallback {
	primary, err := store.NewPrimary(ctx, cfg)
	if err != nil {
		log.Warn().Err(err).Str("driver", cfg.StoreDriver).Msg("primary store unavailable, using memory")
		primary = nil
	}
	return store.Open(ctx, cfg.StoreDriver, primary)
}

func buildPipeline(ctx context.Context, cfg config.Config) (*pipeline, error) {
	p := &pipeline{cfg: cfg, metrics: metrics.New()}

	p.store = openStore(ctx, cfg)
	p.attr = attribution.New(p.store)
	p.insp = inspector.New(ctx, p.store, cfg.TrackingDebug)

	// dead letter archive (선택)
	var sink queue.DeadLetterSink
	if cfg.DeadLetterBucket != "" {
		s3c, err := awsclient.NewS3(ctx, cfg.AWSRegion)
		if err != nil {
			return nil, err
		}
		a, err := deadletter.New(deadletter.OptionsFromConfig(cfg), s3c, p.metrics)
		if err != nil {
			return nil, err
		}
		p.archiver = a
		sink = a
	}

	hc := &http.Client{Timeout: cfg.CAPITimeout * 2}

	var client *conversions.Client
	var sender queue.Sender
	if cfg.CAPIEndpoint != "" {
		client = conversions.NewClient(cfg.CAPIEndpoint, cfg.CAPITimeout, hc)
		sender = client
	} else {
		log.Warn().Msg("CAPI_ENDPOINT not set, server-side conversions disabled")
	}

	opts := []queue.Option{queue.WithMetrics(p.metrics)}
	if sink != nil {
		opts = append(opts, queue.WithDeadLetterSink(sink))
	}
	p.queue = queue.New(ctx, p.store, sender, opts...)

	p.forwarder = beacon.New(beacon.Options{
		GTMURL:   cfg.GTMCollectURL,
		GA4URL:   cfg.GA4CollectURL,
		PixelURL: cfg.PixelCollectURL,
		Buffer:   cfg.BeaconBuffer,
		Timeout:  cfg.CAPITimeout,
	}, hc, p.metrics)

	adapters := platform.NewAdapters(p.forwarder.DataLayer(), p.forwarder.Gtag(), p.forwarder.Pixel(), p.insp)
	transport := conversions.NewTransport(client, p.queue, p.insp, p.metrics)
	p.dispatcher = dispatch.New(p.attr, adapters, transport, p.metrics)

	return p, nil
}

// start 는 background worker 들을 시작한다.
func (p *pipeline) start() {
	if p.archiver != nil {
		p.archiver.Start()
	}
	p.forwarder.Start()
	p.queue.Start()
}

// shutdown 순서:
//  1. 새 conversion 차단 + 진행 중인 전송 대기 (실패분은 queue 로 들어간다)
//  2. queue 종료 + flush
//  3. beacon 전송 마무리
//  4. dead letter archive 업로드 마무리
func (p *pipeline) shutdown(ctx context.Context) {
	p.dispatcher.Close()
	p.queue.Close()
	p.forwarder.Shutdown()
	if p.archiver != nil {
		p.archiver.Shutdown(ctx)
	}
}

// internal/server/server.go
package server

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"lead-tracking/internal/attribution"
	"lead-tracking/internal/config"
	"lead-tracking/internal/dispatch"
	"lead-tracking/internal/inspector"
	"lead-tracking/internal/metrics"
	"lead-tracking/internal/queue"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// VisitorCookie 는 attribution scope 로 쓰는 방문자 식별 cookie.
const VisitorCookie = "lt_vid"

// RetryQueue 는 debug endpoint 가 사용하는 queue 조작.
type RetryQueue interface {
	Status() queue.Status
	Flush(ctx context.Context)
	Clear(ctx context.Context)
}

// Handler
//
// 트래킹 HTTP surface. UI 이벤트를 받아 Dispatcher 로 넘기고,
// debug inspector / retry queue 상태를 노출한다.
//
//   - POST /v1/events/{type} : 이벤트 수집 (body 제한, 전역 rate limit)
//   - GET  /go/whatsapp      : contact click 기록 후 chat link 로 redirect
//   - /debug/*               : inspector, queue (DebugRoutes 일 때만, DebugToken 설정 시 Bearer 인증)
//   - /health, /metrics
type Handler struct {
	cfg        config.Config
	dispatcher *dispatch.Dispatcher
	attr       *attribution.Context
	insp       *inspector.Inspector
	queue      RetryQueue
	metrics    *metrics.Metrics
	limiter    *rate.Limiter
	newID      func() string
}

func NewHandler(cfg config.Config, d *dispatch.Dispatcher, attr *attribution.Context, insp *inspector.Inspector, q RetryQueue, m *metrics.Metrics) *Handler {
	if m == nil {
		m = metrics.New()
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = 16 * 1024
	}

	limit := rate.Inf
	if cfg.RateLimitRPS > 0 {
		limit = rate.Limit(cfg.RateLimitRPS)
	}
	burst := cfg.RateLimitBurst
	if burst <= 0 {
		burst = 1
	}

	return &Handler{
		cfg:        cfg,
		dispatcher: d,
		attr:       attr,
		insp:       insp,
		queue:      q,
		metrics:    m,
		limiter:    rate.NewLimiter(limit, burst),
		newID:      uuid.NewString,
	}
}

// Router 는 chi router 를 구성한다. metricsHandler 가 nil 이면 /metrics 는 key=value 텍스트.
func (h *Handler) Router(metricsHandler http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(recoverMiddleware)
	r.Use(loggingMiddleware)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	if metricsHandler != nil {
		r.Handle("/metrics", metricsHandler)
	} else {
		r.Get("/metrics", h.handleMetricsText)
	}

	r.Group(func(r chi.Router) {
		r.Use(h.rateLimitMiddleware)
		r.Use(h.visitorMiddleware)

		r.Post("/v1/events/{type}", h.handleEvent)
		r.Get("/go/whatsapp", h.handleWhatsAppRedirect)
	})

	if !h.cfg.DebugRoutes {
		return r
	}

	r.Route("/debug", func(r chi.Router) {
		r.Use(h.rateLimitMiddleware)
		r.Use(h.debugAuthMiddleware)

		r.Get("/tracking", h.handleTrackingExport)
		r.Delete("/tracking", h.handleTrackingClear)
		r.Get("/tracking/summary", h.handleTrackingSummary)
		r.Post("/tracking/toggle", h.handleTrackingToggle)

		r.Get("/queue", h.handleQueueStatus)
		r.Post("/queue/flush", h.handleQueueFlush)
		r.Delete("/queue", h.handleQueueClear)
	})

	return r
}

func (h *Handler) handleMetricsText(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(h.metrics.String()))
}

// ------------------------------------------------------------
// middleware
// ------------------------------------------------------------

type visitorKey struct{}

// visitorMiddleware 는 lt_vid cookie 가 없으면 새 uuid 를 발급한다.
func (h *Handler) visitorMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		vid := ""
		if c, err := r.Cookie(VisitorCookie); err == nil && c.Value != "" {
			vid = c.Value
		} else {
			vid = h.newID()
			http.SetCookie(w, &http.Cookie{
				Name:     VisitorCookie,
				Value:    vid,
				Path:     "/",
				MaxAge:   int((365 * 24 * time.Hour).Seconds()),
				HttpOnly: true,
				SameSite: http.SameSiteLaxMode,
			})
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), visitorKey{}, vid)))
	})
}

func visitorID(r *http.Request) string {
	v, _ := r.Context().Value(visitorKey{}).(string)
	return v
}

// rateLimitMiddleware 는 전역 token bucket. 초과 시 429.
func (h *Handler) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !h.limiter.Allow() {
			atomic.AddInt64(&h.metrics.HTTPRequestsTotal, 1)
			atomic.AddInt64(&h.metrics.HTTPRequestsRejectedRateLimitedTotal, 1)
			w.Header().Set("Retry-After", "1")
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate_limit_exceeded"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// debugAuthMiddleware 는 DebugToken 이 설정된 경우 Bearer token 을 요구한다.
func (h *Handler) debugAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.cfg.DebugToken != "" {
			got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if subtle.ConstantTimeCompare([]byte(got), []byte(h.cfg.DebugToken)) != 1 {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				log.Error().Interface("panic", rec).Str("path", r.URL.Path).Msg("http handler panicked")
				w.WriteHeader(http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("took", time.Since(start)).
			Msg("http request")
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("write json response failed")
	}
}

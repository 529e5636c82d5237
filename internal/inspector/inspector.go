// internal/inspector/inspector.go
package inspector

import (
	"context"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"lead-tracking/internal/model"
	"lead-tracking/internal/store"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
)

// DefaultCapacity 는 보관하는 최근 이벤트 수.
const DefaultCapacity = 100

// Inspector
// ------------------------------------------------------------
// 모든 adapter / conversions 호출을 관찰하는 debug 기록기.
// 정확성에는 관여하지 않으며, 비활성 상태에서 Record 는
// atomic load 한 번으로 끝난다 (할당 없음).
//
// 최근 capacity 개만 ring buffer 로 보관한다.
type Inspector struct {
	enabled atomic.Bool
	store   store.Store

	mu    sync.Mutex
	buf   []model.TrackedEvent
	start int
	n     int

	now func() time.Time
}

// New 는 forced(빌드/배포 flag) 또는 저장된 debug flag 가 "true" 이면 활성 상태로 시작한다.
func New(ctx context.Context, s store.Store, forced bool) *Inspector {
	i := &Inspector{
		store: s,
		buf:   make([]model.TrackedEvent, DefaultCapacity),
		now:   time.Now,
	}

	enabled := forced
	if !enabled && s != nil {
		if v, ok, err := s.Get(ctx, store.KeyDebug); err == nil && ok && v == "true" {
			enabled = true
		}
	}
	i.enabled.Store(enabled)
	return i
}

// Enabled 는 현재 기록 중인지 여부.
func (i *Inspector) Enabled() bool {
	return i != nil && i.enabled.Load()
}

// Toggle 은 활성 상태를 반전하고 flag 를 저장(또는 제거)한다. 새 상태를 반환한다.
func (i *Inspector) Toggle(ctx context.Context) bool {
	next := !i.enabled.Load()
	i.enabled.Store(next)

	if i.store != nil {
		var err error
		if next {
			err = i.store.Set(ctx, store.KeyDebug, "true")
		} else {
			err = i.store.Remove(ctx, store.KeyDebug)
		}
		if err != nil {
			log.Error().Err(err).Msg("failed to persist tracking debug mode")
		}
	}

	log.Info().Bool("enabled", next).Msg("tracking debug mode toggled")
	return next
}

// Record 는 호출 하나를 기록한다. nil Inspector 에도 안전하다.
func (i *Inspector) Record(platform model.Platform, eventName string, data map[string]any, success bool, errMsg string) {
	if i == nil || !i.enabled.Load() {
		return
	}

	ev := model.TrackedEvent{
		Timestamp: i.now(),
		Platform:  platform,
		EventName: eventName,
		EventData: maps.Clone(data),
		Success:   success,
		Error:     errMsg,
	}

	i.mu.Lock()
	capacity := len(i.buf)
	if i.n < capacity {
		i.buf[(i.start+i.n)%capacity] = ev
		i.n++
	} else {
		i.buf[i.start] = ev
		i.start = (i.start + 1) % capacity
	}
	i.mu.Unlock()

	l := log.Debug()
	if !success {
		l = log.Warn()
	}
	l.Str("platform", string(platform)).
		Str("event", eventName).
		Bool("success", success).
		Str("error", errMsg).
		Msg("tracking call")
}

// Events 는 오래된 순서의 사본을 반환한다.
func (i *Inspector) Events() []model.TrackedEvent {
	return i.filter(func(model.TrackedEvent) bool { return true })
}

func (i *Inspector) ByPlatform(p model.Platform) []model.TrackedEvent {
	return i.filter(func(e model.TrackedEvent) bool { return e.Platform == p })
}

func (i *Inspector) ByName(name string) []model.TrackedEvent {
	return i.filter(func(e model.TrackedEvent) bool { return e.EventName == name })
}

func (i *Inspector) filter(keep func(model.TrackedEvent) bool) []model.TrackedEvent {
	i.mu.Lock()
	defer i.mu.Unlock()

	out := make([]model.TrackedEvent, 0, i.n)
	for k := 0; k < i.n; k++ {
		e := i.buf[(i.start+k)%len(i.buf)]
		if keep(e) {
			out = append(out, e)
		}
	}
	return out
}

// Clear 는 기록을 비운다. 반복 호출해도 안전하다.
func (i *Inspector) Clear() {
	i.mu.Lock()
	for k := range i.buf {
		i.buf[k] = model.TrackedEvent{}
	}
	i.start, i.n = 0, 0
	i.mu.Unlock()
}

// Export 는 기록을 들여쓰기(2칸)된 JSON 배열로 직렬화한다.
func (i *Inspector) Export() ([]byte, error) {
	return json.MarshalIndent(i.Events(), "", "  ")
}

// Summary 는 플랫폼별 / 성공 여부별 집계.
type Summary struct {
	Total      int                    `json:"total"`
	ByPlatform map[model.Platform]int `json:"byPlatform"`
	ByStatus   StatusCount            `json:"byStatus"`
}

type StatusCount struct {
	Success int `json:"success"`
	Failure int `json:"failure"`
}

func (i *Inspector) Summary() Summary {
	s := Summary{ByPlatform: make(map[model.Platform]int, len(model.Platforms))}
	for _, p := range model.Platforms {
		s.ByPlatform[p] = 0
	}

	for _, e := range i.Events() {
		s.Total++
		s.ByPlatform[e.Platform]++
		if e.Success {
			s.ByStatus.Success++
		} else {
			s.ByStatus.Failure++
		}
	}
	return s
}

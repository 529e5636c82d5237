// internal/platform/platform.go
package platform

import (
	"time"

	"lead-tracking/internal/inspector"
	"lead-tracking/internal/model"

	"github.com/rs/zerolog/log"
)

// ------------------------------------------------------------
// Hook 인터페이스
//
// vendor SDK 가 로드되었을 때 제공하는 전역 hook 의 추상화.
// nil 이면 "이 환경에서는 SDK 가 없다" 는 뜻이고, adapter 는 경고만 남기고 아무것도 하지 않는다.
// ------------------------------------------------------------

// DataLayer 는 tag-manager data layer push.
type DataLayer interface {
	Push(entry map[string]any)
}

// Gtag 는 analytics SDK 의 event 호출.
type Gtag interface {
	Event(name string, params map[string]any)
}

// Pixel 은 pixel SDK 의 track 호출. eventID 는 server-side conversion 과의 dedup 용.
type Pixel interface {
	Track(name string, params map[string]any, eventID string)
}

// Adapter 는 목적지 하나에 대한 best-effort 전송기. 재시도하지 않는다.
type Adapter interface {
	Send(eventName string, data map[string]any, opts ...Option)
}

// Option 은 Send 호출별 옵션.
type Option func(*sendOptions)

type sendOptions struct {
	eventID string
}

// WithEventID 는 pixel 호출에 dedup 용 event id 를 붙인다.
func WithEventID(id string) Option {
	return func(o *sendOptions) { o.eventID = id }
}

func applyOptions(opts []Option) sendOptions {
	var o sendOptions
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// Adapters 는 dispatcher 가 고정 순서(tag-manager → analytics → pixel)로 호출하는 묶음.
type Adapters struct {
	TagManager Adapter
	Analytics  Adapter
	Pixel      Adapter
}

// NewAdapters 는 hook 들로 세 adapter 를 구성한다. hook 은 nil 일 수 있다.
func NewAdapters(dl DataLayer, gt Gtag, px Pixel, insp *inspector.Inspector) Adapters {
	return Adapters{
		TagManager: &TagManager{hook: dl, insp: insp, now: time.Now},
		Analytics:  &Analytics{hook: gt, insp: insp, now: time.Now},
		Pixel:      &PixelAdapter{hook: px, insp: insp, now: time.Now},
	}
}

func merge(data map[string]any, extra int) map[string]any {
	out := make(map[string]any, len(data)+extra)
	for k, v := range data {
		out[k] = v
	}
	return out
}

func warnMissing(p model.Platform, eventName string) {
	log.Warn().
		Str("platform", string(p)).
		Str("event", eventName).
		Msg("platform hook not configured, skipping")
}

// ------------------------------------------------------------
// TagManager
// ------------------------------------------------------------

type TagManager struct {
	hook DataLayer
	insp *inspector.Inspector
	now  func() time.Time
}

// Send 는 {event, ...data, timestamp(ISO-8601)} 를 data layer 에 push 한다.
func (a *TagManager) Send(eventName string, data map[string]any, _ ...Option) {
	if a.hook == nil {
		warnMissing(model.PlatformGTM, eventName)
		return
	}

	entry := merge(data, 2)
	entry["event"] = eventName
	entry["timestamp"] = a.now().UTC().Format(time.RFC3339Nano)

	a.hook.Push(entry)
	a.insp.Record(model.PlatformGTM, eventName, data, true, "")
}

// ------------------------------------------------------------
// Analytics
// ------------------------------------------------------------

type Analytics struct {
	hook Gtag
	insp *inspector.Inspector
	now  func() time.Time
}

func (a *Analytics) Send(eventName string, data map[string]any, _ ...Option) {
	if a.hook == nil {
		warnMissing(model.PlatformGA4, eventName)
		return
	}

	params := merge(data, 1)
	params["timestamp"] = a.now().UTC().Format(time.RFC3339Nano)

	a.hook.Event(eventName, params)
	a.insp.Record(model.PlatformGA4, eventName, data, true, "")
}

// ------------------------------------------------------------
// PixelAdapter
// ------------------------------------------------------------

type PixelAdapter struct {
	hook Pixel
	insp *inspector.Inspector
	now  func() time.Time
}

// Send 는 timestamp 를 epoch-ms 로 붙인다. WithEventID 가 없으면 eventID 는 빈 문자열.
func (a *PixelAdapter) Send(eventName string, data map[string]any, opts ...Option) {
	if a.hook == nil {
		warnMissing(model.PlatformPixel, eventName)
		return
	}
	o := applyOptions(opts)

	payload := merge(data, 1)
	payload["timestamp"] = a.now().UnixMilli()

	a.hook.Track(eventName, payload, o.eventID)
	a.insp.Record(model.PlatformPixel, eventName, data, true, "")
}

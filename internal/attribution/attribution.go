// internal/attribution/attribution.go
package attribution

import (
	"context"
	"net/url"
	"time"

	"lead-tracking/internal/store"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
)

// 캠페인 attribution key. 이 순서대로 URL 에서 추출한다.
const (
	KeySource   = "utm_source"
	KeyMedium   = "utm_medium"
	KeyCampaign = "utm_campaign"
	KeyTerm     = "utm_term"
	KeyContent  = "utm_content"
)

var Keys = []string{KeySource, KeyMedium, KeyCampaign, KeyTerm, KeyContent}

// DefaultTTL 은 저장된 attribution 의 유효 기간 (30일).
const DefaultTTL = 30 * 24 * time.Hour

// defaults 는 payload 에 빈 값이 들어가지 않도록 채우는 값.
var defaults = Params{
	KeySource:   "direct",
	KeyMedium:   "none",
	KeyCampaign: "organic",
	KeyTerm:     "none",
	KeyContent:  "none",
}

// Params 는 utm_* key → 값. 빈 값은 저장하지 않는다.
type Params map[string]string

// WithDefaults 는 누락된 key 를 기본값으로 채운 새 mapping 을 반환한다.
// 결과는 항상 Keys 전체를 포함한다.
func (p Params) WithDefaults() Params {
	out := make(Params, len(Keys))
	for _, k := range Keys {
		if v := p[k]; v != "" {
			out[k] = v
		} else {
			out[k] = defaults[k]
		}
	}
	return out
}

// Query 는 비어 있지 않은 값만 URL query 로 인코딩한다 (Keys 순서).
func (p Params) Query() string {
	q := url.Values{}
	for _, k := range Keys {
		if v := p[k]; v != "" {
			q.Set(k, v)
		}
	}
	return q.Encode()
}

// FromURL 은 page URL 의 query 에서 utm_* 값을 추출한다.
// 하나도 없으면 nil.
func FromURL(pageURL string) Params {
	if pageURL == "" {
		return nil
	}
	u, err := url.Parse(pageURL)
	if err != nil {
		return nil
	}

	q := u.Query()
	var p Params
	for _, k := range Keys {
		if v := q.Get(k); v != "" {
			if p == nil {
				p = make(Params, len(Keys))
			}
			p[k] = v
		}
	}
	return p
}

// record 는 store 에 저장되는 형태: {"params": {...}, "expiry": epoch-ms}
type record struct {
	Params Params `json:"params"`
	Expiry int64  `json:"expiry"`
}

// Context
// ------------------------------------------------------------
// 현재 요청의 attribution 을 결정한다.
//
// 우선순위:
//  1. URL 에 utm_* 가 하나라도 있으면 그 값이 정답 → 저장(덮어쓰기) 후 반환
//  2. 저장된 값이 만료 전이면 그 값
//  3. 빈 mapping
//
// scope 는 방문자 식별자. 방문자마다 별도의 key 에 저장된다.
// store 오류는 호출자에게 전달하지 않는다.
type Context struct {
	store store.Store
	ttl   time.Duration
	now   func() time.Time
}

func New(s store.Store) *Context {
	return &Context{store: s, ttl: DefaultTTL, now: time.Now}
}

func storeKey(scope string) string {
	if scope == "" {
		return store.KeyAttribution
	}
	return store.KeyAttribution + ":" + scope
}

// Resolve 는 위 우선순위에 따라 attribution 을 반환한다. 결과는 nil 이 아니다.
func (c *Context) Resolve(ctx context.Context, scope, pageURL string) Params {
	if p := FromURL(pageURL); p != nil {
		c.Set(ctx, scope, p)
		return p
	}
	if p := c.load(ctx, scope); p != nil {
		return p
	}
	return Params{}
}

// Set 은 p 를 지금부터 ttl 동안 유효한 값으로 저장한다.
func (c *Context) Set(ctx context.Context, scope string, p Params) {
	b, err := json.Marshal(record{
		Params: p,
		Expiry: c.now().Add(c.ttl).UnixMilli(),
	})
	if err != nil {
		return
	}
	if err := c.store.Set(ctx, storeKey(scope), string(b)); err != nil {
		log.Warn().Err(err).Str("scope", scope).Msg("could not persist attribution params")
	}
}

// Clear 는 저장된 attribution 을 제거한다.
func (c *Context) Clear(ctx context.Context, scope string) {
	if err := c.store.Remove(ctx, storeKey(scope)); err != nil {
		log.Warn().Err(err).Str("scope", scope).Msg("could not clear attribution params")
	}
}

func (c *Context) load(ctx context.Context, scope string) Params {
	key := storeKey(scope)

	raw, ok, err := c.store.Get(ctx, key)
	if err != nil {
		log.Warn().Err(err).Str("scope", scope).Msg("could not read attribution params")
		return nil
	}
	if !ok {
		return nil
	}

	var rec record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		log.Warn().Str("scope", scope).Msg("corrupted attribution params, clearing")
		_ = c.store.Remove(ctx, key)
		return nil
	}

	if c.now().UnixMilli() > rec.Expiry {
		_ = c.store.Remove(ctx, key)
		return nil
	}
	if len(rec.Params) == 0 {
		return nil
	}
	return rec.Params
}

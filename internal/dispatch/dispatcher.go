// internal/dispatch/dispatcher.go
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"lead-tracking/internal/attribution"
	"lead-tracking/internal/conversions"
	"lead-tracking/internal/eventid"
	"lead-tracking/internal/metrics"
	"lead-tracking/internal/model"
	"lead-tracking/internal/platform"

	"github.com/rs/zerolog/log"
)

// ErrUnknownAction 은 정의되지 않은 form / calculator action.
var ErrUnknownAction = errors.New("unknown action")

// Visit 은 브라우저 전역에서 얻던 값들을 요청 단위로 전달한다.
type Visit struct {
	PageURL   string // 현재 페이지 URL (utm_* query 포함 가능)
	Cookie    string // Cookie header (_fbp / _fbc 추출용)
	UserAgent string
	ClientIP  string
	VisitorID string // attribution 저장 scope
}

// ConversionSender 는 server-side conversion 전송기 (conversions.Transport).
// 실패 처리는 구현체 책임이며 호출자에게 에러를 돌려주지 않는다.
type ConversionSender interface {
	Send(ctx context.Context, p model.ConversionPayload)
}

// Dispatcher
// ------------------------------------------------------------
// 비즈니스 이벤트 하나를 받아
//
//  1. attribution 해석
//  2. event id 생성
//  3. 공통 event data 구성
//  4. tag-manager → analytics → pixel 순서로 동기 전송 (pixel 에 같은 id)
//  5. high-commitment 이벤트만 conversion 을 비동기로 전송
//
// 한 뒤 event id 를 반환한다.
// conversion goroutine 은 WaitGroup 으로 추적되어 Wait() 로 종료를 기다릴 수 있다.
// Close() 이후에는 새 conversion goroutine 을 만들지 않는다.
type Dispatcher struct {
	attr        *attribution.Context
	adapters    platform.Adapters
	conversions ConversionSender
	metrics     *metrics.Metrics
	now         func() time.Time

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func New(attr *attribution.Context, adapters platform.Adapters, conv ConversionSender, m *metrics.Metrics) *Dispatcher {
	if m == nil {
		m = metrics.New()
	}
	return &Dispatcher{
		attr:        attr,
		adapters:    adapters,
		conversions: conv,
		metrics:     m,
		now:         time.Now,
	}
}

// Wait 는 진행 중인 conversion 전송이 모두 끝날 때까지 기다린다.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Close 는 새 conversion 전송을 막고 진행 중인 전송을 기다린다.
// HTTP handler 가 아직 돌고 있어도 안전하다.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	d.wg.Wait()
}

// track 은 closed 가 아니면 wg 에 등록한다. Add 와 Wait 가 겹치지 않도록 mu 로 보호한다.
func (d *Dispatcher) track() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return false
	}
	d.wg.Add(1)
	return true
}

// route 는 이벤트 한 건의 목적지별 이름과 데이터.
// conversion 이 비어 있으면 low-commitment 로 취급되어 conversion 을 보내지 않는다.
type route struct {
	prefix     string
	tagManager string
	analytics  string
	pixel      string
	conversion string

	data map[string]any
	lead *model.LeadData

	// page view 처럼 pixel 로 보내지 않는 이벤트
	skipPixel bool
}

// dispatch 는 모든 이벤트의 공통 경로.
func (d *Dispatcher) dispatch(ctx context.Context, v Visit, r route) string {
	params := d.attr.Resolve(ctx, v.VisitorID, v.PageURL).WithDefaults()
	id := eventid.New(r.prefix)

	shared := make(map[string]any, len(r.data)+len(params))
	for k, val := range r.data {
		shared[k] = val
	}
	for k, val := range params {
		shared[k] = val
	}

	d.adapters.TagManager.Send(r.tagManager, shared)
	d.adapters.Analytics.Send(r.analytics, shared)
	if !r.skipPixel {
		d.adapters.Pixel.Send(r.pixel, shared, platform.WithEventID(id))
	}

	atomic.AddInt64(&d.metrics.EventsDispatchedTotal, 1)

	if r.conversion != "" && d.conversions != nil {
		payload := conversions.BuildPayload(conversions.Event{
			Name:      r.conversion,
			ID:        id,
			PageURL:   v.PageURL,
			Data:      r.data,
			UTM:       params,
			Lead:      r.lead,
			Cookie:    v.Cookie,
			ClientIP:  v.ClientIP,
			UserAgent: v.UserAgent,
		}, d.now())

		// 요청 ctx 가 끝나도 전송은 계속된다 (timeout 은 client 가 건다)
		sendCtx := context.WithoutCancel(ctx)

		if !d.track() {
			atomic.AddInt64(&d.metrics.ConversionsDroppedTotal, 1)
			log.Warn().Str("event_id", id).Str("event", r.conversion).Msg("dispatcher closed, conversion dropped")
			return id
		}
		go func() {
			defer d.wg.Done()
			defer func() {
				if rec := recover(); rec != nil {
					log.Error().Interface("panic", rec).Str("event_id", id).Msg("conversion send panicked")
				}
			}()
			d.conversions.Send(sendCtx, payload)
		}()
	}

	log.Debug().
		Str("event_id", id).
		Str("event", r.tagManager).
		Bool("conversion", r.conversion != "").
		Msg("event dispatched")

	return id
}

// ------------------------------------------------------------
// 이벤트별 API
// ------------------------------------------------------------

// ContactClick 는 chat CTA 클릭 입력.
type ContactClick struct {
	ButtonLocation string
	MessageKey     string
	Variant        string
	Context        map[string]any // 예: calculator 결과값
}

// ContactClick 은 high-commitment. 네 목적지 모두 전송한다.
func (d *Dispatcher) ContactClick(ctx context.Context, v Visit, c ContactClick) string {
	key := c.MessageKey
	if key == "" {
		key = "default"
	}

	data := map[string]any{
		"button_location":  c.ButtonLocation,
		"message_key":      key,
		"content_name":     "WhatsApp - " + key,
		"content_category": "whatsapp_click",
	}
	if c.Variant != "" {
		data["variant"] = c.Variant
	}
	for k, val := range c.Context {
		if _, exists := data[k]; !exists {
			data[k] = val
		}
	}

	return d.dispatch(ctx, v, route{
		prefix:     eventid.PrefixContact,
		tagManager: "whatsapp_click",
		analytics:  "contact",
		pixel:      "Contact",
		conversion: "Contact",
		data:       data,
	})
}

// Form actions
const (
	FormOpen             = "open"
	FormSubmit           = "submit"
	FormClose            = "close"
	FormFieldInteraction = "field_interaction"
)

// FormEvent 는 submit 이면 lead conversion, 나머지는 low-commitment 이벤트.
// name / email / phone / instagram 은 leadData 로만 전달되고 adapter 로는 보내지 않는다.
func (d *Dispatcher) FormEvent(ctx context.Context, v Visit, action, formName string, fields map[string]any) (string, error) {
	lead, rest := splitLead(fields)

	switch action {
	case FormSubmit:
		data := map[string]any{
			"form_name":        formName,
			"content_name":     "Contact Form Submission",
			"content_category": "lead_form",
			"value":            0,
			"currency":         "BRL",
		}
		mergeMissing(data, rest)

		return d.dispatch(ctx, v, route{
			prefix:     eventid.PrefixLead,
			tagManager: "form_submit",
			analytics:  "generate_lead",
			pixel:      "Lead",
			conversion: "Lead",
			data:       data,
			lead:       lead,
		}), nil

	case FormOpen, FormClose, FormFieldInteraction:
		name := "form_" + action
		data := map[string]any{
			"form_name":        formName,
			"content_name":     formName,
			"content_category": "form",
		}
		mergeMissing(data, rest)

		return d.dispatch(ctx, v, route{
			tagManager: name,
			analytics:  name,
			pixel:      name,
			data:       data,
		}), nil
	}

	return "", fmt.Errorf("form %q: %w", action, ErrUnknownAction)
}

// Calculator actions
const (
	CalculatorSliderChange = "slider_change"
	CalculatorResultView   = "result_view"
	CalculatorCTAClick     = "cta_click"
)

// CalculatorInteraction 은 cta_click 이면 checkout conversion (value = monthly_savings).
func (d *Dispatcher) CalculatorInteraction(ctx context.Context, v Visit, action string, values map[string]float64) (string, error) {
	switch action {
	case CalculatorCTAClick:
		data := map[string]any{
			"source":           "roi_calculator",
			"content_name":     "ROI Calculator CTA",
			"content_category": "calculator",
			"value":            values["monthly_savings"],
			"currency":         "BRL",
		}
		for k, val := range values {
			if _, exists := data[k]; !exists {
				data[k] = val
			}
		}

		return d.dispatch(ctx, v, route{
			prefix:     eventid.PrefixCalculator,
			tagManager: "calculator_cta_click",
			analytics:  "begin_checkout",
			pixel:      "InitiateCheckout",
			conversion: "InitiateCheckout",
			data:       data,
		}), nil

	case CalculatorSliderChange, CalculatorResultView:
		data := map[string]any{
			"action":           action,
			"content_name":     action,
			"content_category": "engagement",
		}
		for k, val := range values {
			if _, exists := data[k]; !exists {
				data[k] = val
			}
		}

		return d.dispatch(ctx, v, route{
			tagManager: "calculator_interaction",
			analytics:  "calculator_interaction",
			pixel:      "calculator_interaction",
			data:       data,
		}), nil
	}

	return "", fmt.Errorf("calculator %q: %w", action, ErrUnknownAction)
}

// ScrollDepth 는 scroll 임계값(25/50/75/100) 도달.
func (d *Dispatcher) ScrollDepth(ctx context.Context, v Visit, percentage int) string {
	return d.dispatch(ctx, v, route{
		tagManager: "scroll_depth",
		analytics:  "scroll_depth",
		pixel:      "scroll_depth",
		data: map[string]any{
			"value":            percentage,
			"content_name":     fmt.Sprintf("%d%%", percentage),
			"content_category": "engagement",
		},
	})
}

// SectionView 는 section 이 화면에 들어옴.
func (d *Dispatcher) SectionView(ctx context.Context, v Visit, section string) string {
	return d.dispatch(ctx, v, route{
		tagManager: "section_view",
		analytics:  "section_view",
		pixel:      "section_view",
		data: map[string]any{
			"section":          section,
			"content_name":     section,
			"content_category": "engagement",
		},
	})
}

// PageView 는 tag-manager / analytics 로만 보낸다. pixel 은 SDK 초기화 시 자체 기록.
func (d *Dispatcher) PageView(ctx context.Context, v Visit, path, title string) string {
	return d.dispatch(ctx, v, route{
		tagManager: "page_view",
		analytics:  "page_view",
		skipPixel:  true,
		data: map[string]any{
			"page_path":     path,
			"page_title":    title,
			"page_location": v.PageURL,
		},
	})
}

// splitLead 는 form field 에서 연락처 항목을 LeadData 로 분리한다.
// 연락처 key 는 값의 타입과 관계없이 rest 에 남지 않는다.
func splitLead(fields map[string]any) (*model.LeadData, map[string]any) {
	lead := &model.LeadData{}
	rest := make(map[string]any, len(fields))

	for k, val := range fields {
		switch strings.ToLower(k) {
		case "name":
			lead.Name = leadValue(val)
		case "email":
			lead.Email = leadValue(val)
		case "phone":
			lead.Phone = leadValue(val)
		case "instagram":
			lead.Instagram = leadValue(val)
		default:
			rest[k] = val
		}
	}

	if lead.IsZero() {
		return nil, rest
	}
	return lead, rest
}

// leadValue 는 JSON 숫자(float64)도 지수 표기 없이 문자열로 만든다.
func leadValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(t)
	}
}

func mergeMissing(dst, src map[string]any) {
	for k, v := range src {
		if _, exists := dst[k]; !exists {
			dst[k] = v
		}
	}
}

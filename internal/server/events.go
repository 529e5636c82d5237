// internal/server/events.go
package server

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"sync/atomic"

	"lead-tracking/internal/chatlink"
	"lead-tracking/internal/dispatch"
	"lead-tracking/internal/pool"

	"github.com/go-chi/chi/v5"
	json "github.com/goccy/go-json"
)

// eventRequest 는 /v1/events/{type} body. type 별로 필요한 필드만 사용한다.
type eventRequest struct {
	PageURL string `json:"pageUrl"`

	// contact
	ButtonLocation string         `json:"buttonLocation"`
	MessageKey     string         `json:"messageKey"`
	Variant        string         `json:"variant"`
	Context        map[string]any `json:"context"`

	// form / calculator
	Action   string             `json:"action"`
	FormName string             `json:"formName"`
	Fields   map[string]any     `json:"fields"`
	Values   map[string]float64 `json:"values"`

	// scroll / section / pageview
	Percentage *int   `json:"percentage"`
	Section    string `json:"section"`
	Path       string `json:"path"`
	Title      string `json:"title"`
}

type eventResponse struct {
	EventID string `json:"eventId"`
}

var errInvalidEvent = errors.New("invalid event")

// handleEvent
//
// 이벤트 수집의 hot path.
//  1. body 크기 제한 (MaxBytesReader, 초과 시 413)
//  2. BodyPool 버퍼로 body 복사
//  3. JSON decode → dispatcher 호출
//  4. {"eventId": ...} 응답
func (h *Handler) handleEvent(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt64(&h.metrics.HTTPRequestsTotal, 1)

	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxBodySize)
	defer r.Body.Close()

	buf := pool.BodyPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer pool.PutBody(buf, h.cfg.MaxBodySize*2)

	if _, err := io.Copy(buf, r.Body); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			atomic.AddInt64(&h.metrics.HTTPRequestsRejectedBodyTooLargeTotal, 1)
			w.WriteHeader(http.StatusRequestEntityTooLarge)
			return
		}
		h.reject(w, err)
		return
	}

	var req eventRequest
	if buf.Len() > 0 {
		if err := json.Unmarshal(buf.Bytes(), &req); err != nil {
			h.reject(w, err)
			return
		}
	}

	v := dispatch.Visit{
		PageURL:   req.PageURL,
		Cookie:    r.Header.Get("Cookie"),
		UserAgent: r.UserAgent(),
		ClientIP:  clientIP(r),
		VisitorID: visitorID(r),
	}
	if v.PageURL == "" {
		v.PageURL = r.Referer()
	}

	id, err := h.dispatchEvent(r, chi.URLParam(r, "type"), v, req)
	if err != nil {
		h.reject(w, err)
		return
	}

	atomic.AddInt64(&h.metrics.HTTPRequestsAcceptedTotal, 1)
	writeJSON(w, http.StatusOK, eventResponse{EventID: id})
}

func (h *Handler) dispatchEvent(r *http.Request, kind string, v dispatch.Visit, req eventRequest) (string, error) {
	ctx := r.Context()
	d := h.dispatcher

	switch kind {
	case "contact":
		return d.ContactClick(ctx, v, dispatch.ContactClick{
			ButtonLocation: req.ButtonLocation,
			MessageKey:     req.MessageKey,
			Variant:        req.Variant,
			Context:        req.Context,
		}), nil

	case "form":
		if req.FormName == "" {
			return "", errInvalidEvent
		}
		return d.FormEvent(ctx, v, req.Action, req.FormName, req.Fields)

	case "calculator":
		return d.CalculatorInteraction(ctx, v, req.Action, req.Values)

	case "scroll":
		if req.Percentage == nil || *req.Percentage < 0 || *req.Percentage > 100 {
			return "", errInvalidEvent
		}
		return d.ScrollDepth(ctx, v, *req.Percentage), nil

	case "section":
		if req.Section == "" {
			return "", errInvalidEvent
		}
		return d.SectionView(ctx, v, req.Section), nil

	case "pageview":
		return d.PageView(ctx, v, req.Path, req.Title), nil
	}

	return "", errInvalidEvent
}

func (h *Handler) reject(w http.ResponseWriter, err error) {
	atomic.AddInt64(&h.metrics.HTTPRequestsRejectedInvalidTotal, 1)
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
}

// handleWhatsAppRedirect
//
//	GET /go/whatsapp?key=<messageKey>&location=<buttonLocation>&variant=<variant>
//
// contact click 을 기록한 뒤 utm 이 붙은 chat link 로 302.
// 페이지 URL 은 Referer 를 사용한다.
func (h *Handler) handleWhatsAppRedirect(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt64(&h.metrics.HTTPRequestsTotal, 1)

	q := r.URL.Query()
	key := q.Get("key")
	if !chatlink.Known(key) {
		key = chatlink.DefaultKey
	}

	v := dispatch.Visit{
		PageURL:   r.Referer(),
		Cookie:    r.Header.Get("Cookie"),
		UserAgent: r.UserAgent(),
		ClientIP:  clientIP(r),
		VisitorID: visitorID(r),
	}

	h.dispatcher.ContactClick(r.Context(), v, dispatch.ContactClick{
		ButtonLocation: q.Get("location"),
		MessageKey:     key,
		Variant:        q.Get("variant"),
	})

	params := h.attr.Resolve(r.Context(), v.VisitorID, v.PageURL)
	atomic.AddInt64(&h.metrics.HTTPRequestsAcceptedTotal, 1)
	http.Redirect(w, r, chatlink.Link(h.cfg.WhatsAppNumber, key, params), http.StatusFound)
}

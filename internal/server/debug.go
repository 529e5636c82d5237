// internal/server/debug.go
package server

import (
	"net/http"

	"lead-tracking/internal/model"
)

// ------------------------------------------------------------
// Debug endpoints
//
// 브라우저 콘솔에 노출되던 inspector / queue 조작을 HTTP 로 옮긴 것.
// DebugRoutes 가 꺼져 있으면 mount 되지 않는다 (404).
// ------------------------------------------------------------

// GET /debug/tracking?platform=capi&event=Lead
func (h *Handler) handleTrackingExport(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	switch {
	case q.Get("platform") != "":
		writeJSON(w, http.StatusOK, h.insp.ByPlatform(model.Platform(q.Get("platform"))))
	case q.Get("event") != "":
		writeJSON(w, http.StatusOK, h.insp.ByName(q.Get("event")))
	default:
		data, err := h.insp.Export()
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Disposition", `attachment; filename="tracking-events.json"`)
		_, _ = w.Write(data)
	}
}

func (h *Handler) handleTrackingSummary(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.insp.Summary())
}

func (h *Handler) handleTrackingClear(w http.ResponseWriter, _ *http.Request) {
	h.insp.Clear()
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleTrackingToggle(w http.ResponseWriter, r *http.Request) {
	enabled := h.insp.Toggle(r.Context())
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": enabled})
}

func (h *Handler) handleQueueStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.queue.Status())
}

// handleQueueFlush 는 queue 를 즉시 store 에 기록한다 (페이지 이탈 시 flush 에 해당).
func (h *Handler) handleQueueFlush(w http.ResponseWriter, r *http.Request) {
	h.queue.Flush(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleQueueClear(w http.ResponseWriter, r *http.Request) {
	h.queue.Clear(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

// internal/model/event.go
package model

import "time"

// Platform
// ------------------------------------------------------------
// 이벤트가 전달되는 목적지. Inspector 기록과 metrics label 에 사용된다.
type Platform string

const (
	PlatformGTM   Platform = "gtm"
	PlatformGA4   Platform = "ga4"
	PlatformPixel Platform = "pixel"
	PlatformCAPI  Platform = "capi"
)

// Platforms 는 dispatcher 의 고정 전송 순서이다 (tag-manager → analytics → pixel → capi).
var Platforms = []Platform{PlatformGTM, PlatformGA4, PlatformPixel, PlatformCAPI}

// LeadData
// ------------------------------------------------------------
// 폼 제출 시 conversions payload 에 실리는 리드 정보.
// 비어 있는 필드는 wire 에서 생략된다.
type LeadData struct {
	Name      string `json:"name,omitempty"`
	Email     string `json:"email,omitempty"`
	Phone     string `json:"phone,omitempty"`
	Instagram string `json:"instagram,omitempty"`
}

// IsZero 는 모든 필드가 비어 있으면 true.
func (l LeadData) IsZero() bool {
	return l == LeadData{}
}

// UserData
// ------------------------------------------------------------
// attribution cookie (_fbp, _fbc). 쿠키가 없으면 null 로 직렬화된다.
// client_ip_address / client_user_agent 는 서버에서 알 수 있을 때만 포함.
type UserData struct {
	FBP             *string `json:"fbp"`
	FBC             *string `json:"fbc"`
	ClientIPAddress string  `json:"client_ip_address,omitempty"`
	ClientUserAgent string  `json:"client_user_agent,omitempty"`
}

// ConversionPayload
// ------------------------------------------------------------
// server-side conversion endpoint 로 POST 되는 JSON body.
//
//	{
//	  "eventName": "Lead",
//	  "eventId":   "lead_1764721594123_k3j9x0a2b",
//	  "eventData": { "page_url": ..., "utm_source": ..., "timestamp": ... },
//	  "leadData":  { "name": ..., "email": ... },
//	  "userData":  { "fbp": null, "fbc": "fb.1..." }
//	}
type ConversionPayload struct {
	EventName string         `json:"eventName"`
	EventID   string         `json:"eventId"`
	EventData map[string]any `json:"eventData"`
	LeadData  *LeadData      `json:"leadData,omitempty"`
	UserData  UserData       `json:"userData"`
}

// TrackedEvent
// ------------------------------------------------------------
// debug inspector 의 감사 기록. 정확성에는 관여하지 않는다.
type TrackedEvent struct {
	Timestamp time.Time      `json:"timestamp"`
	Platform  Platform       `json:"platform"`
	EventName string         `json:"eventName"`
	EventData map[string]any `json:"eventData"`
	Success   bool           `json:"success"`
	Error     string         `json:"error,omitempty"`
}

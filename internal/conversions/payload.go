// internal/conversions/payload.go
package conversions

import (
	"regexp"
	"time"

	"lead-tracking/internal/attribution"
	"lead-tracking/internal/model"
)

var (
	fbpPattern = regexp.MustCompile(`_fbp=([^;]+)`)
	fbcPattern = regexp.MustCompile(`_fbc=([^;]+)`)
)

// MetaCookies 는 Cookie header 에서 _fbp / _fbc 를 추출한다. 없으면 nil.
func MetaCookies(cookieHeader string) (fbp, fbc *string) {
	return match(fbpPattern, cookieHeader), match(fbcPattern, cookieHeader)
}

func match(re *regexp.Regexp, s string) *string {
	m := re.FindStringSubmatch(s)
	if len(m) < 2 || m[1] == "" {
		return nil
	}
	v := m[1]
	return &v
}

// Event 는 payload 를 만들기 위한 입력.
type Event struct {
	Name      string
	ID        string
	PageURL   string
	Data      map[string]any
	UTM       attribution.Params // WithDefaults 가 적용된 값
	Lead      *model.LeadData
	Cookie    string
	ClientIP  string
	UserAgent string
}

// BuildPayload
// ------------------------------------------------------------
// wire payload 를 만든다.
//
//	eventData = { page_url, ...Data, utm_source, utm_campaign, utm_medium, utm_content, timestamp }
//
// Data 의 nil 값은 제거된다 (중첩 map 포함). 빈 leadData 는 생략한다.
func BuildPayload(ev Event, now time.Time) model.ConversionPayload {
	data := make(map[string]any, len(ev.Data)+6)
	data["page_url"] = ev.PageURL
	for k, v := range ev.Data {
		data[k] = v
	}
	for _, k := range []string{
		attribution.KeySource,
		attribution.KeyCampaign,
		attribution.KeyMedium,
		attribution.KeyContent,
	} {
		if v := ev.UTM[k]; v != "" {
			data[k] = v
		}
	}
	data["timestamp"] = now.UTC().Format(time.RFC3339Nano)

	var lead *model.LeadData
	if ev.Lead != nil && !ev.Lead.IsZero() {
		lead = ev.Lead
	}

	fbp, fbc := MetaCookies(ev.Cookie)

	return model.ConversionPayload{
		EventName: ev.Name,
		EventID:   ev.ID,
		EventData: sanitize(data),
		LeadData:  lead,
		UserData: model.UserData{
			FBP:             fbp,
			FBC:             fbc,
			ClientIPAddress: ev.ClientIP,
			ClientUserAgent: ev.UserAgent,
		},
	}
}

// sanitize 는 nil 값을 재귀적으로 제거한 사본을 반환한다.
func sanitize(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		switch vv := v.(type) {
		case nil:
			continue
		case map[string]any:
			out[k] = sanitize(vv)
		default:
			out[k] = v
		}
	}
	return out
}

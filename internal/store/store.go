// internal/store/store.go
package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// 파이프라인이 공유하는 key. 서브시스템마다 key 가 달라 서로 간섭하지 않는다.
const (
	KeyAttribution = "noble_utm_params"
	KeyQueue       = "meta_capi_event_queue"
	KeyDebug       = "tracking_debug_mode"

	probeKey = "__lead_tracking_probe__"
)

// ErrQuotaExceeded 는 저장소 용량 초과(브라우저 quota 와 같은 성격)를 나타낸다.
var ErrQuotaExceeded = errors.New("store: quota exceeded")

// Store
// ------------------------------------------------------------
// 문자열 key/value 를 보관하는 durable store.
// attribution, retry queue, debug flag 가 같은 Store 를 공유한다.
//
// Get 의 bool 은 key 존재 여부. 값이 없을 때 error 는 nil 이다.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
}

// Probe
// ------------------------------------------------------------
// probe key 를 쓰고 지워서 저장소가 실제로 사용 가능한지 확인한다.
// 비활성화/권한 문제/용량 초과가 여기서 드러난다.
func Probe(ctx context.Context, s Store) error {
	v := time.Now().UTC().Format(time.RFC3339Nano)
	if err := s.Set(ctx, probeKey, v); err != nil {
		return fmt.Errorf("probe set: %w", err)
	}
	if err := s.Remove(ctx, probeKey); err != nil {
		return fmt.Errorf("probe remove: %w", err)
	}
	return nil
}

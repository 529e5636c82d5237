// internal/store/fallback.go
package store

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// Fallback
// ------------------------------------------------------------
// primary store 앞에 놓이는 in-memory 보조 저장소.
//
//   - 쓰기: primary 가 정상이면 primary 에만 기록, 실패했거나 전환 이후에는 memory 에 기록
//   - 읽기: primary 가 정상이면 primary, 아니면 memory
//   - 정상 상태에서는 memory 에 아무것도 쌓이지 않는다 (방문자 key 가 무한히 늘어나는 것 방지)
//   - primary 의 첫 실패(용량 초과, 비활성, I/O) 이후에는 프로세스가 끝날 때까지 memory 만 사용
//   - 경고 로그는 한 번만 남긴다
//
// 호출자에게 에러를 돌려주지 않는다. 영속성이 사라져도 파이프라인은 계속 동작해야 한다.
type Fallback struct {
	name    string
	primary Store
	mem     *Memory

	degraded atomic.Bool
	warnOnce sync.Once
}

// Open
// ------------------------------------------------------------
// primary 를 probe 한 뒤 Fallback 으로 감싼다.
// primary 가 nil 이거나 probe 에 실패하면 memory 전용으로 시작한다.
func Open(ctx context.Context, name string, primary Store) *Fallback {
	f := &Fallback{name: name, primary: primary, mem: NewMemory()}

	if primary == nil {
		f.degraded.Store(true)
		return f
	}
	if err := Probe(ctx, primary); err != nil {
		f.degrade(err)
	}
	return f
}

// Degraded 는 memory 전용으로 전환되었는지 여부.
func (f *Fallback) Degraded() bool {
	return f.degraded.Load()
}

func (f *Fallback) degrade(err error) {
	f.degraded.Store(true)
	f.warnOnce.Do(func() {
		log.Warn().
			Err(err).
			Str("store", f.name).
			Msg("durable store unavailable, falling back to in-memory state")
	})
}

func (f *Fallback) Get(ctx context.Context, key string) (string, bool, error) {
	if !f.degraded.Load() {
		v, ok, err := f.primary.Get(ctx, key)
		if err == nil {
			return v, ok, nil
		}
		f.degrade(err)
	}
	return f.mem.Get(ctx, key)
}

func (f *Fallback) Set(ctx context.Context, key, value string) error {
	if !f.degraded.Load() {
		err := f.primary.Set(ctx, key, value)
		if err == nil {
			return nil
		}
		f.degrade(err)
	}

	// 실패한 쓰기 값은 memory 에서 바로 다시 읽힌다
	_ = f.mem.Set(ctx, key, value)
	return nil
}

func (f *Fallback) Remove(ctx context.Context, key string) error {
	_ = f.mem.Remove(ctx, key)

	if !f.degraded.Load() {
		if err := f.primary.Remove(ctx, key); err != nil {
			f.degrade(err)
		}
	}
	return nil
}

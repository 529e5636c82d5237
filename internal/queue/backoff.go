// internal/queue/backoff.go
package queue

import (
	"math"
	"time"
)

// Policy 는 재시도 정책. queue 의 상태와 무관한 순수 값이다.
type Policy struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Jitter       float64 // 0.2 → ±20%
	MaxAttempts  int
}

// DefaultPolicy: 1s 시작, 최대 10s, ±20% jitter, 3회.
var DefaultPolicy = Policy{
	InitialDelay: 1000 * time.Millisecond,
	MaxDelay:     10000 * time.Millisecond,
	Jitter:       0.2,
	MaxAttempts:  3,
}

// Base 는 jitter 적용 전 지연: min(InitialDelay * 2^(attempts-1), MaxDelay).
func (p Policy) Base(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := float64(p.InitialDelay) * math.Pow(2, float64(attempts-1))
	if d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// Delay 는 Base 에 ±Jitter 를 적용하고 ms 단위로 반올림한다.
// rnd 는 [0, 1) 범위의 난수.
func (p Policy) Delay(attempts int, rnd float64) time.Duration {
	base := float64(p.Base(attempts))
	d := base + base*p.Jitter*(rnd*2-1)
	return time.Duration(math.Round(d/float64(time.Millisecond))) * time.Millisecond
}

// Backoff 는 DefaultPolicy 의 Delay.
func Backoff(attempts int, rnd float64) time.Duration {
	return DefaultPolicy.Delay(attempts, rnd)
}

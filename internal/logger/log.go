// internal/logger/log.go
package logger

import (
	"io"
	"os"
	"strings"

	"lead-tracking/internal/config"

	stdlog "log"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
)

// Init
//
// 애플리케이션 시작 시 한 번만 호출되는 로거 초기화 함수.
// 이후 모든 패키지는 전역 zerolog 로거(github.com/rs/zerolog/log)를 사용한다.
//
// [주요 기능]
//
//  1. 로그 포맷 전환: LOG_PRETTY=true 면 ConsoleWriter, 아니면 JSON
//  2. 공통 필드: service, instance
//  3. 샘플링: Debug/Info 만 N개 중 1개 기록, Warn/Error 는 100% 기록
//
// 트래킹 파이프라인의 실패는 사용자에게 노출되지 않고 로그로만 남기 때문에
// Warn/Error 는 절대 샘플링하지 않는다.
func Init(cfg config.Config) {
	zerolog.SetGlobalLevel(ParseLevel(cfg.LogLevel))

	var w io.Writer = os.Stdout
	if cfg.LogPretty {
		w = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: "15:04:05",
		}
	}

	zlog.Logger = New(w, cfg)

	stdlog.SetFlags(0)
	stdlog.SetOutput(zlog.Logger)
}

// New 는 공통 필드와 샘플링 규칙이 적용된 로거를 만든다.
// Init 와 분리되어 있어 테스트에서 buffer writer 로 검증할 수 있다.
func New(w io.Writer, cfg config.Config) zerolog.Logger {
	base := zerolog.New(w).
		Level(ParseLevel(cfg.LogLevel)).
		With().
		Timestamp().
		Str("service", cfg.ServiceName).
		Str("instance", cfg.InstanceID).
		Logger()

	if cfg.LogSampleN > 1 {
		return base.Sample(&zerolog.LevelSampler{
			DebugSampler: &zerolog.BasicSampler{N: cfg.LogSampleN},
			InfoSampler:  &zerolog.BasicSampler{N: cfg.LogSampleN},
		})
	}
	return base
}

// ParseLevel 은 잘못된 값이면 info 로 fallback 한다.
func ParseLevel(s string) zerolog.Level {
	if l, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(s))); err == nil && s != "" {
		return l
	}
	return zerolog.InfoLevel
}

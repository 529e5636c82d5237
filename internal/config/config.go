// internal/config/config.go
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/allisson/go-env"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

// Config
//
// 서비스 실행 시 필요한 모든 설정 값을 보관하는 구조체.
// 프로세스 시작 시점에 Load() 로 한 번 초기화되며 이후에는 read-only 로 취급한다.
//
// 대부분의 값은 선택 사항이다. 트래킹 파이프라인은 "설정이 없으면 no-op" 이
// 기본 정책이므로 (예: CAPI endpoint 미설정 → 경고 로그 후 skip),
// 필수값 누락 시 종료하는 대신 기본값 있는 getter 를 사용한다.
type Config struct {

	// ---------------------------
	// 서비스 식별자 / 네트워크
	// ---------------------------

	ServiceName string // 로그 service 필드 (예: lead-tracking)
	InstanceID  string // 프로세스 고유 ID (호스트명 기반, 실패 시 uuid)
	HTTPAddr    string // HTTP bind 주소 (예: ":8080")

	// ---------------------------
	// 로깅
	// ---------------------------

	LogLevel   string // debug / info / warn / error
	LogPretty  bool   // true: ConsoleWriter, false: JSON
	LogSampleN uint32 // Debug/Info 샘플링 (N개 중 1개), 1 이하면 비활성

	// ---------------------------
	// Conversions API (server-side)
	// ---------------------------

	CAPIEndpoint string        // 비어 있으면 전송 없이 경고만 남김
	CAPITimeout  time.Duration // 요청당 timeout (기본 5000ms)

	// ---------------------------
	// Durable store
	// ---------------------------

	StoreDriver string // file | redis | s3 | memory
	StoreDir    string // file driver 디렉토리
	RedisURL    string // redis driver 주소 (redis://... 또는 host:port)
	AWSRegion   string
	StoreBucket string // s3 driver 버킷
	StorePrefix string // s3 driver key prefix

	// ---------------------------
	// Dead letter archive (선택)
	// ---------------------------

	DeadLetterBucket        string // 비어 있으면 archive 비활성 (로그만 남김)
	DeadLetterPrefix        string
	DeadLetterBatchSize     int
	DeadLetterFlushInterval time.Duration
	S3Timeout               time.Duration // PutObject 시도당 timeout
	S3AppRetries            int           // 앱 레벨 재시도 횟수 (SDK retry 는 0 고정)
	DeadLetterSpoolDir      string        // 업로드 실패 batch 로컬 보관 경로 (비어 있으면 비활성)
	DeadLetterSpoolMaxBytes int64
	DeadLetterSpoolMaxAge   time.Duration

	// ---------------------------
	// Platform collectors (server-side hook)
	// ---------------------------

	GTMCollectURL   string
	GA4CollectURL   string
	PixelCollectURL string
	BeaconBuffer    int

	// ---------------------------
	// HTTP surface
	// ---------------------------

	TrackingDebug  bool    // 빌드/배포 시점 debug inspector 강제 활성화
	MaxBodySize    int64   // 요청 body 최대 크기
	RateLimitRPS   float64 // /v1/events 전역 rate limit
	RateLimitBurst int
	WhatsAppNumber string

	DebugRoutes bool   // true 일 때만 /debug/* mount (기본 off)
	DebugToken  string // 설정 시 /debug/* 는 Authorization: Bearer <token> 필요
}

// Load
//
// .env 파일(있다면)과 환경 변수로부터 Config 를 만든다.
// 값이 없으면 기본값을 사용하고, 프로세스를 종료하지 않는다.
func Load() Config {
	loadDotEnv()

	return Config{
		ServiceName: env.GetString("SERVICE_NAME", "lead-tracking"),
		InstanceID:  fallbackInstanceID(),
		HTTPAddr:    env.GetString("HTTP_ADDR", ":8080"),

		LogLevel:   env.GetString("LOG_LEVEL", "info"),
		LogPretty:  env.GetBool("LOG_PRETTY", false),
		LogSampleN: uint32(env.GetInt("LOG_SAMPLE_N", 1)),

		CAPIEndpoint: env.GetString("CAPI_ENDPOINT", ""),
		CAPITimeout:  env.GetDuration("CAPI_TIMEOUT_MS", 5000, time.Millisecond),

		StoreDriver: env.GetString("STORE_DRIVER", "file"),
		StoreDir:    env.GetString("STORE_DIR", "./data/store"),
		RedisURL:    env.GetString("REDIS_URL", ""),
		AWSRegion:   env.GetString("AWS_REGION", "ap-northeast-2"),
		StoreBucket: env.GetString("STORE_BUCKET", ""),
		StorePrefix: env.GetString("STORE_PREFIX", "tracking-state"),

		DeadLetterBucket:        env.GetString("DEADLETTER_BUCKET", ""),
		DeadLetterPrefix:        env.GetString("DEADLETTER_PREFIX", "capi-dead-letter"),
		DeadLetterBatchSize:     env.GetInt("DEADLETTER_BATCH_SIZE", 50),
		DeadLetterFlushInterval: env.GetDuration("DEADLETTER_FLUSH_INTERVAL_MS", 10000, time.Millisecond),
		S3Timeout:               env.GetDuration("S3_TIMEOUT_MS", 5000, time.Millisecond),
		S3AppRetries:            env.GetInt("S3_APP_RETRIES", 3),
		DeadLetterSpoolDir:      env.GetString("DEADLETTER_SPOOL_DIR", "./data/deadletter"),
		DeadLetterSpoolMaxBytes: int64(env.GetInt("DEADLETTER_SPOOL_MAX_BYTES", 256*1024*1024)),
		DeadLetterSpoolMaxAge:   env.GetDuration("DEADLETTER_SPOOL_MAX_AGE_HOURS", 72, time.Hour),

		GTMCollectURL:   env.GetString("GTM_COLLECT_URL", ""),
		GA4CollectURL:   env.GetString("GA4_COLLECT_URL", ""),
		PixelCollectURL: env.GetString("PIXEL_COLLECT_URL", ""),
		BeaconBuffer:    env.GetInt("BEACON_BUFFER", 1024),

		TrackingDebug:  env.GetBool("TRACKING_DEBUG", false),
		MaxBodySize:    int64(env.GetInt("MAX_BODY_SIZE", 16*1024)),
		RateLimitRPS:   env.GetFloat64("RATE_LIMIT_RPS", 50),
		RateLimitBurst: env.GetInt("RATE_LIMIT_BURST", 100),
		WhatsAppNumber: env.GetString("WHATSAPP_NUMBER", "553591101380"),

		DebugRoutes: env.GetBool("DEBUG_ROUTES", false),
		DebugToken:  env.GetString("DEBUG_TOKEN", ""),
	}
}

// loadDotEnv 는 현재 디렉토리부터 루트까지 올라가며 .env 를 찾아 로드한다.
// 이미 설정된 환경 변수는 덮어쓰지 않는다 (godotenv.Load 기본 동작).
func loadDotEnv() {
	dir, err := os.Getwd()
	if err != nil {
		return
	}

	for {
		path := filepath.Join(dir, ".env")
		if _, err := os.Stat(path); err == nil {
			_ = godotenv.Load(path)
			return
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return
		}
		dir = parent
	}
}

// fallbackInstanceID
//
// 이 프로세스를 식별하는 고유 값.
//   - 기본: hostname (ECS/Fargate 에서는 task-id 형태)
//   - fallback: uuid 앞 12자리
func fallbackInstanceID() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	if id, err := uuid.NewRandom(); err == nil {
		return id.String()[:12]
	}
	return strconv.FormatInt(time.Now().UnixNano(), 10)
}

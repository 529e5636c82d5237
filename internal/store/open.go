// internal/store/open.go
package store

import (
	"context"
	"fmt"

	"lead-tracking/internal/awsclient"
	"lead-tracking/internal/config"
)

// NewPrimary
// ------------------------------------------------------------
// STORE_DRIVER 에 맞는 primary store 를 만든다.
//
//	file   → STORE_DIR 디렉토리
//	redis  → REDIS_URL
//	s3     → STORE_BUCKET / STORE_PREFIX
//	memory → 영속성 없음 (nil 반환, Open 이 memory 전용으로 시작)
func NewPrimary(ctx context.Context, cfg config.Config) (Store, error) {
	switch cfg.StoreDriver {
	case "", "memory":
		return nil, nil

	case "file":
		f, err := NewFile(cfg.StoreDir)
		if err != nil {
			return nil, err
		}
		return f, nil

	case "redis":
		if cfg.RedisURL == "" {
			return nil, fmt.Errorf("store driver redis: REDIS_URL is empty")
		}
		client, err := ConnectRedis(cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		return NewRedis(client, cfg.ServiceName), nil

	case "s3":
		if cfg.StoreBucket == "" {
			return nil, fmt.Errorf("store driver s3: STORE_BUCKET is empty")
		}
		client, err := awsclient.NewS3(ctx, cfg.AWSRegion)
		if err != nil {
			return nil, err
		}
		return NewS3(client, cfg.StoreBucket, cfg.StorePrefix, cfg.S3Timeout), nil

	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

// internal/deadletter/uploader.go
package deadletter

import (
	"bytes"
	"context"
	"io"
	"sync/atomic"
	"time"

	"lead-tracking/internal/metrics"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"
)

// PutObjectAPI 는 업로드에 필요한 S3 client 메서드 (*s3.Client 가 만족).
type PutObjectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Uploader
// ------------------------------------------------------------
// gzip+JSONL 오브젝트를 S3 에 올린다.
//   - 시도당 timeout (context)
//   - 앱 레벨 재시도 + exponential backoff (200ms 시작, 최대 2s)
//   - ctx 취소 시 즉시 중단
//
// SDK 내부 retry 는 client 생성 시 0 으로 꺼 둔다 (awsclient.NewS3).
type Uploader struct {
	client  PutObjectAPI
	bucket  string
	timeout time.Duration
	retries int
	backoff time.Duration
	metrics *metrics.Metrics
}

func NewUploader(client PutObjectAPI, bucket string, timeout time.Duration, retries int, m *metrics.Metrics) *Uploader {
	if retries < 1 {
		retries = 1
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if m == nil {
		m = metrics.New()
	}
	return &Uploader{
		client:  client,
		bucket:  bucket,
		timeout: timeout,
		retries: retries,
		backoff: 200 * time.Millisecond,
		metrics: m,
	}
}

// UploadBytesWithRetryCtx 는 메모리의 바이트를 업로드한다.
// 재시도마다 reader 를 새로 만든다.
func (u *Uploader) UploadBytesWithRetryCtx(ctx context.Context, key string, body []byte) error {
	return u.withRetry(ctx, key, func() (io.Reader, int64) {
		return bytes.NewReader(body), int64(len(body))
	})
}

// UploadFileWithRetryCtx 는 spool 파일을 업로드한다. 재시도 전에 Seek(0) 으로 되감는다.
func (u *Uploader) UploadFileWithRetryCtx(ctx context.Context, key string, f io.ReadSeeker, size int64) error {
	return u.withRetry(ctx, key, func() (io.Reader, int64) {
		_, _ = f.Seek(0, io.SeekStart)
		return f, size
	})
}

func (u *Uploader) withRetry(ctx context.Context, key string, body func() (io.Reader, int64)) error {
	var lastErr error
	backoff := u.backoff

	for attempt := 1; attempt <= u.retries; attempt++ {
		// shutdown 체크
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		r, size := body()
		err := u.putObject(ctx, key, r, size)
		if err == nil {
			return nil
		}
		lastErr = err
		atomic.AddInt64(&u.metrics.S3PutErrorsTotal, 1)
		log.Warn().Err(err).Str("key", key).Int("attempt", attempt).Msg("s3 put failed")

		if attempt == u.retries {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
			backoff *= 2
			if backoff > 2*time.Second {
				backoff = 2 * time.Second
			}
		}
	}

	return lastErr
}

// putObject 는 1회 호출만 담당한다.
func (u *Uploader) putObject(ctx context.Context, key string, body io.Reader, size int64) error {
	ctx2, cancel := context.WithTimeout(ctx, u.timeout)
	defer cancel()

	_, err := u.client.PutObject(ctx2, &s3.PutObjectInput{
		Bucket:          aws.String(u.bucket),
		Key:             aws.String(key),
		Body:            body,
		ContentLength:   aws.Int64(size),
		ContentType:     aws.String("application/x-ndjson"),
		ContentEncoding: aws.String("gzip"),
	})
	return err
}

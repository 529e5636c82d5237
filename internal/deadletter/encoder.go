// internal/deadletter/encoder.go
package deadletter

import (
	"bytes"

	"lead-tracking/internal/pool"
	"lead-tracking/internal/queue"

	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"
)

// Encoder 는 dead letter 배치를 JSONL → gzip 으로 직렬화한다.
// gzip.Writer 와 결과 buffer 는 pool 에서 재사용하고,
// 반환값은 호출자가 소유하는 새 slice 로 복사한다.
type Encoder struct{}

func NewEncoder() *Encoder {
	return &Encoder{}
}

// EncodeBatchJSONLGZ 는 entry 하나당 한 줄로 인코딩한 뒤 gzip 압축한다.
func (e *Encoder) EncodeBatchJSONLGZ(entries []queue.Entry) ([]byte, error) {
	buf := pool.BufferPool.Get().(*bytes.Buffer)
	buf.Reset()

	gz := pool.GzipPool.Get().(*gzip.Writer)
	gz.Reset(buf)

	enc := json.NewEncoder(gz)
	for i := range entries {
		if err := enc.Encode(&entries[i]); err != nil {
			_ = gz.Close()
			pool.GzipPool.Put(gz)
			pool.PutBuffer(buf)
			return nil, err
		}
	}

	// Close 시 gzip footer 까지 기록된다
	if err := gz.Close(); err != nil {
		pool.GzipPool.Put(gz)
		pool.PutBuffer(buf)
		return nil, err
	}
	pool.GzipPool.Put(gz)

	// pool 버퍼는 재사용되므로 그대로 반환하면 안 된다
	raw := buf.Bytes()
	data := make([]byte, len(raw))
	copy(data, raw)

	pool.PutBuffer(buf)
	return data, nil
}

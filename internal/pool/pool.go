// internal/pool/pool.go
package pool

import (
	"bytes"
	"sync"

	"github.com/klauspost/compress/gzip"
)

// ---------------------------------------------------------------
// Pool 구성 목적
//
// 트래킹 서버는 이벤트 요청마다 body 를 읽고,
// dead letter archive 는 배치마다 gzip 결과 버퍼를 만든다.
// 아래 Pool 들은 이 임시 버퍼들을 재사용해 GC 부담을 줄인다.
// ---------------------------------------------------------------

var (
	// BodyPool:
	//   - POST body 를 임시 저장하는 버퍼
	//   - 초기 용량 4KB (트래킹 이벤트는 대부분 1KB 미만)
	BodyPool = sync.Pool{
		New: func() any {
			return bytes.NewBuffer(make([]byte, 0, 4*1024))
		},
	}

	// BufferPool:
	//   - dead letter 배치 gzip 결과 버퍼
	//   - 초기 용량 64KB
	BufferPool = sync.Pool{
		New: func() any {
			return bytes.NewBuffer(make([]byte, 0, 64*1024))
		},
	}

	// GzipPool:
	//   - gzip.Writer 재사용, BestSpeed
	GzipPool = sync.Pool{
		New: func() any {
			w, _ := gzip.NewWriterLevel(nil, gzip.BestSpeed)
			return w
		},
	}
)

// Pool 에 되돌려줄 최대 gzip 버퍼 용량.
const MaxBufferCap = 1 * 1024 * 1024 // 1MB

// PutBody 는 maxCap 이하의 버퍼만 BodyPool 에 반환한다.
func PutBody(buf *bytes.Buffer, maxCap int64) {
	if int64(buf.Cap()) <= maxCap {
		buf.Reset()
		BodyPool.Put(buf)
	}
}

// PutBuffer 는 1MB 이하 버퍼만 재사용한다.
func PutBuffer(buf *bytes.Buffer) {
	if buf.Cap() <= MaxBufferCap {
		buf.Reset()
		BufferPool.Put(buf)
	}
}

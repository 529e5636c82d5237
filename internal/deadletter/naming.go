// internal/deadletter/naming.go
package deadletter

import (
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// naming.go
// ------------------------------------------------------------
// archive 오브젝트 / spool 파일 이름 규칙.
//
//	<unix>_<instance>_<counter>.jsonl.gz
//
// 예:
//
//	1764721594_tracker-1_000042.jsonl.gz
//
// 문자열 정렬 = 시간 정렬이므로 spool 에서 가장 오래된 파일을 고를 때 그대로 사용한다.
var globalCounter uint64

// NextCounter 는 goroutine-safe 순번. 1e6 에서 0 으로 돌아간다.
func NextCounter() uint64 {
	return atomic.AddUint64(&globalCounter, 1) % 1_000_000
}

// NewFilename 은 now 기준 파일명을 만든다.
func NewFilename(instanceID string, now time.Time) string {
	return fmt.Sprintf("%d_%s_%06d.jsonl.gz", now.Unix(), instanceID, NextCounter())
}

// BuildS3Key
// ------------------------------------------------------------
// <prefix>/dt=<YYYY-MM-DD>/hr=<HH>/<filename>  (UTC 파티션)
//
// Athena / Glue 파티션 스캔 비용을 줄이기 위한 구조.
func BuildS3Key(prefix, filename string, now time.Time) string {
	utc := now.UTC()
	return fmt.Sprintf("%s/dt=%s/hr=%s/%s", prefix, utc.Format("2006-01-02"), utc.Format("15"), filename)
}

// extractUnixFromFilename 은 파일명 prefix 의 Unix seconds 를 파싱한다.
func extractUnixFromFilename(name string) (int64, bool) {
	idx := strings.IndexByte(name, '_')
	if idx <= 0 {
		return 0, false
	}
	sec, err := strconv.ParseInt(name[:idx], 10, 64)
	if err != nil || sec <= 0 {
		return 0, false
	}
	return sec, true
}

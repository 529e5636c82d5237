// internal/deadletter/spool.go
package deadletter

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"lead-tracking/internal/metrics"

	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog/log"
)

// Spool
// ------------------------------------------------------------
// S3 업로드에 실패한 archive 배치를 로컬 디스크에 보관하고 나중에 다시 올린다.
//
//   - 용량(maxBytes) 초과 시 가장 오래된 파일부터 삭제
//   - maxAge 를 넘긴 파일은 재업로드 시점에 삭제
//   - 메타 파일(<name>.meta.json)에 배치의 이벤트 수를 기록
//
// TTL 판단은 파일명 prefix 의 Unix timestamp 기준이다.
type Spool struct {
	dir      string
	maxBytes int64
	maxAge   time.Duration
	metrics  *metrics.Metrics
	now      func() time.Time

	mu        sync.Mutex
	sizeBytes int64
}

// NewSpool 은 디렉토리를 만들고 기존 파일을 스캔해 크기를 복원한다.
// data 파일 없이 남은 meta 파일은 정리한다.
func NewSpool(dir string, maxBytes int64, maxAge time.Duration, m *metrics.Metrics) (*Spool, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create spool dir: %w", err)
	}
	if m == nil {
		m = metrics.New()
	}

	s := &Spool{dir: dir, maxBytes: maxBytes, maxAge: maxAge, metrics: m, now: time.Now}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return s, nil
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()

		if strings.HasSuffix(name, ".meta.json") {
			dataName := strings.TrimSuffix(name, ".meta.json")
			if _, err := os.Stat(filepath.Join(dir, dataName)); os.IsNotExist(err) {
				_ = os.Remove(filepath.Join(dir, name))
			}
			continue
		}
		if info, err := e.Info(); err == nil {
			s.sizeBytes += info.Size()
		}
	}
	return s, nil
}

// SizeBytes 는 현재 spool 크기.
func (s *Spool) SizeBytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sizeBytes
}

// Save 는 배치 하나를 spool 에 기록한다. 공간이 없으면 버리고 nil 을 반환한다.
func (s *Spool) Save(name string, data []byte, numEvents int) error {
	if len(data) == 0 || numEvents <= 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	size := int64(len(data))
	if !s.ensureCapacityLocked(size) {
		log.Error().Int64("bytes", size).Int("events", numEvents).Msg("dead letter spool full, dropping batch")
		atomic.AddInt64(&s.metrics.DeadLetterDroppedTotal, int64(numEvents))
		return nil
	}

	dataPath := filepath.Join(s.dir, name)
	if err := os.WriteFile(dataPath, data, 0o600); err != nil {
		return err
	}
	meta := []byte(fmt.Sprintf(`{"num_events":%d}`, numEvents))
	_ = os.WriteFile(dataPath+".meta.json", meta, 0o600)

	s.sizeBytes += size
	atomic.AddInt64(&s.metrics.DeadLetterSpooledTotal, int64(numEvents))
	return nil
}

// ensureCapacityLocked 는 maxBytes 를 넘지 않도록 오래된 파일부터 지운다.
func (s *Spool) ensureCapacityLocked(incoming int64) bool {
	if s.maxBytes <= 0 {
		return true
	}
	if incoming > s.maxBytes {
		return false
	}

	for s.sizeBytes+incoming > s.maxBytes {
		oldest := s.pickOldest()
		if oldest == "" {
			return false
		}
		s.removeLocked(oldest)
		log.Warn().Str("file", oldest).Msg("dead letter spool capacity, removed oldest")
	}
	return true
}

func (s *Spool) removeLocked(name string) {
	dataPath := filepath.Join(s.dir, name)
	if info, err := os.Stat(dataPath); err == nil {
		s.sizeBytes -= info.Size()
	}
	_ = os.Remove(dataPath)
	_ = os.Remove(dataPath + ".meta.json")
}

// UploadFunc 는 spool 파일 하나를 업로드한다.
type UploadFunc func(ctx context.Context, name string, f io.ReadSeeker, size int64) error

// ProcessOne 은 가장 오래된 파일 하나를 재업로드하거나(TTL 초과/손상 시) 삭제한다.
// 처리한 파일이 있으면 true.
func (s *Spool) ProcessOne(ctx context.Context, upload UploadFunc) bool {
	select {
	case <-ctx.Done():
		return false
	default:
	}

	s.mu.Lock()
	name := s.pickOldest()
	s.mu.Unlock()
	if name == "" {
		return false
	}

	dataPath := filepath.Join(s.dir, name)

	if s.maxAge > 0 {
		if sec, ok := extractUnixFromFilename(name); ok {
			age := s.now().Sub(time.Unix(sec, 0))
			if age > s.maxAge {
				s.mu.Lock()
				s.removeLocked(name)
				s.mu.Unlock()
				log.Info().Str("file", name).Dur("age", age).Msg("dead letter spool TTL expired")
				return true
			}
		}
	}

	f, err := os.Open(dataPath)
	if err != nil {
		s.mu.Lock()
		s.removeLocked(name)
		s.mu.Unlock()
		return true
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return false
	}
	size := info.Size()

	if !validateFile(f, size) {
		s.mu.Lock()
		s.removeLocked(name)
		s.mu.Unlock()
		log.Warn().Str("file", name).Msg("corrupted dead letter spool file removed")
		return true
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return false
	}

	if err := upload(ctx, name, f, size); err != nil {
		log.Warn().Err(err).Str("file", name).Msg("dead letter spool re-upload failed")
		return false
	}

	numEvents := int64(1)
	if meta, err := os.ReadFile(dataPath + ".meta.json"); err == nil {
		var v struct {
			NumEvents int64 `json:"num_events"`
		}
		if json.Unmarshal(meta, &v) == nil && v.NumEvents > 0 {
			numEvents = v.NumEvents
		}
	}

	s.mu.Lock()
	s.removeLocked(name)
	s.mu.Unlock()

	atomic.AddInt64(&s.metrics.S3EventsStoredTotal, numEvents)
	log.Info().Str("file", name).Int64("events", numEvents).Msg("dead letter spool re-uploaded")
	return true
}

// validateFile 은 gzip 을 풀어 첫 줄이 JSON 인지 확인한다.
func validateFile(f io.ReadSeeker, size int64) bool {
	if size <= 0 {
		return false
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return false
	}

	gz, err := gzip.NewReader(f)
	if err != nil {
		return false
	}
	defer gz.Close()

	line, err := bufio.NewReader(gz).ReadBytes('\n')
	if err != nil && err != io.EOF {
		return false
	}
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return false
	}

	var tmp map[string]any
	return json.Unmarshal(line, &tmp) == nil
}

// pickOldest 는 파일명(=timestamp) 기준으로 가장 오래된 data 파일을 반환한다.
// ReadDir 순서는 보장되지 않으므로 정렬한다.
func (s *Spool) pickOldest() string {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return ""
	}

	files := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasSuffix(name, ".meta.json") || name == "" || name[0] == '.' {
			continue
		}
		files = append(files, name)
	}
	if len(files) == 0 {
		return ""
	}

	sort.Strings(files)
	return files[0]
}

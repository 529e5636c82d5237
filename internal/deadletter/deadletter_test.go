package deadletter

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"lead-tracking/internal/metrics"
	"lead-tracking/internal/queue"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeS3 는 PutObject 호출을 기록한다. failN 번째까지는 실패한다.
type fakeS3 struct {
	mu      sync.Mutex
	failN   int
	calls   int
	objects map[string][]byte
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls++
	if f.calls <= f.failN {
		return nil, errors.New("slow down")
	}
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	if f.objects == nil {
		f.objects = map[string][]byte{}
	}
	f.objects[*in.Key] = body
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) Objects() map[string][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string][]byte, len(f.objects))
	for k, v := range f.objects {
		out[k] = v
	}
	return out
}

func entry(id string) queue.Entry {
	return queue.Entry{
		ID:        id,
		Payload:   json.RawMessage(`{"eventName":"Lead","eventId":"` + id + `"}`),
		Timestamp: 1700000000000,
		Attempts:  3,
		LastError: "HTTP 500: boom",
	}
}

func decodeLines(t *testing.T, data []byte) []queue.Entry {
	t.Helper()
	gz, err := gzip.NewReader(bytes.NewReader(data))
	require.NoError(t, err)
	defer gz.Close()

	var out []queue.Entry
	sc := bufio.NewScanner(gz)
	for sc.Scan() {
		var e queue.Entry
		require.NoError(t, json.Unmarshal(sc.Bytes(), &e))
		out = append(out, e)
	}
	require.NoError(t, sc.Err())
	return out
}

func TestBuildS3Key_UTCPartition(t *testing.T) {
	loc := time.FixedZone("BRT", -3*3600)
	now := time.Date(2025, 3, 1, 22, 30, 0, 0, loc) // 2025-03-02 01:30 UTC

	key := BuildS3Key("capi-dead-letter", "f.jsonl.gz", now)
	assert.Equal(t, "capi-dead-letter/dt=2025-03-02/hr=01/f.jsonl.gz", key)
}

func TestNewFilename(t *testing.T) {
	now := time.Unix(1764721594, 0)
	a := NewFilename("tracker-1", now)
	b := NewFilename("tracker-1", now)

	assert.Regexp(t, `^1764721594_tracker-1_\d{6}\.jsonl\.gz$`, a)
	assert.NotEqual(t, a, b)

	sec, ok := extractUnixFromFilename(a)
	assert.True(t, ok)
	assert.Equal(t, int64(1764721594), sec)

	_, ok = extractUnixFromFilename("garbage.jsonl.gz")
	assert.False(t, ok)
}

func TestEncoder_JSONLGZ(t *testing.T) {
	data, err := NewEncoder().EncodeBatchJSONLGZ([]queue.Entry{entry("lead_1"), entry("lead_2")})
	require.NoError(t, err)

	got := decodeLines(t, data)
	require.Len(t, got, 2)
	assert.Equal(t, "lead_1", got[0].ID)
	assert.Equal(t, "HTTP 500: boom", got[1].LastError)
	assert.JSONEq(t, `{"eventName":"Lead","eventId":"lead_2"}`, string(got[1].Payload))
}

func TestUploader_RetriesThenSucceeds(t *testing.T) {
	m := metrics.New()
	fs := &fakeS3{failN: 2}
	u := NewUploader(fs, "bucket", time.Second, 3, m)
	u.backoff = time.Millisecond

	require.NoError(t, u.UploadBytesWithRetryCtx(context.Background(), "k", []byte("x")))
	assert.Equal(t, 3, fs.calls)
	assert.Equal(t, int64(2), m.S3PutErrorsTotal)
	assert.Equal(t, []byte("x"), fs.Objects()["k"])
}

func TestUploader_GivesUp(t *testing.T) {
	fs := &fakeS3{failN: 10}
	u := NewUploader(fs, "bucket", time.Second, 2, nil)
	u.backoff = time.Millisecond

	err := u.UploadBytesWithRetryCtx(context.Background(), "k", []byte("x"))
	require.Error(t, err)
	assert.Equal(t, 2, fs.calls)
}

func TestUploader_CancelledContext(t *testing.T) {
	fs := &fakeS3{}
	u := NewUploader(fs, "bucket", time.Second, 3, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, u.UploadBytesWithRetryCtx(ctx, "k", []byte("x")), context.Canceled)
	assert.Equal(t, 0, fs.calls)
}

func TestArchiver_BatchesBySize(t *testing.T) {
	m := metrics.New()
	fs := &fakeS3{}
	a, err := New(Options{
		Bucket:        "bucket",
		Prefix:        "dl",
		InstanceID:    "i-1",
		BatchSize:     2,
		FlushInterval: time.Hour,
	}, fs, m)
	require.NoError(t, err)
	a.Start()

	a.DeadLetter(entry("lead_1"))
	a.DeadLetter(entry("lead_2"))

	require.Eventually(t, func() bool { return len(fs.Objects()) == 1 }, 2*time.Second, 5*time.Millisecond)
	a.Shutdown(context.Background())

	for key, data := range fs.Objects() {
		assert.Regexp(t, `^dl/dt=\d{4}-\d{2}-\d{2}/hr=\d{2}/\d+_i-1_\d{6}\.jsonl\.gz$`, key)
		assert.Len(t, decodeLines(t, data), 2)
	}
	assert.Equal(t, int64(2), m.S3EventsStoredTotal)
}

func TestArchiver_ShutdownFlushesPartialBatch(t *testing.T) {
	fs := &fakeS3{}
	a, err := New(Options{Bucket: "bucket", Prefix: "dl", BatchSize: 50, FlushInterval: time.Hour}, fs, nil)
	require.NoError(t, err)
	a.Start()

	a.DeadLetter(entry("lead_1"))
	a.Shutdown(context.Background())

	require.Len(t, fs.Objects(), 1)
}

func TestArchiver_FlushInterval(t *testing.T) {
	fs := &fakeS3{}
	a, err := New(Options{Bucket: "bucket", Prefix: "dl", BatchSize: 50, FlushInterval: 20 * time.Millisecond}, fs, nil)
	require.NoError(t, err)
	a.Start()
	defer a.Shutdown(context.Background())

	a.DeadLetter(entry("lead_1"))
	require.Eventually(t, func() bool { return len(fs.Objects()) == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestArchiver_DropAfterShutdown(t *testing.T) {
	m := metrics.New()
	a, err := New(Options{Bucket: "bucket"}, &fakeS3{}, m)
	require.NoError(t, err)
	a.Start()
	a.Shutdown(context.Background())

	a.DeadLetter(entry("lead_1"))
	assert.Equal(t, int64(1), m.DeadLetterDroppedTotal)
}

func TestArchiver_UploadFailureSpoolsThenReuploads(t *testing.T) {
	m := metrics.New()
	dir := t.TempDir()
	fs := &fakeS3{failN: 1}

	a, err := New(Options{
		Bucket:        "bucket",
		Prefix:        "dl",
		InstanceID:    "i-1",
		BatchSize:     1,
		FlushInterval: time.Hour,
		Retries:       1,
		SpoolDir:      dir,
		SpoolInterval: 10 * time.Millisecond,
	}, fs, m)
	require.NoError(t, err)
	a.Start()

	a.DeadLetter(entry("lead_1"))

	require.Eventually(t, func() bool { return len(fs.Objects()) == 1 }, 2*time.Second, 5*time.Millisecond)
	a.Shutdown(context.Background())

	assert.Equal(t, int64(1), m.DeadLetterSpooledTotal)
	assert.Equal(t, int64(1), m.S3EventsStoredTotal)
	assert.Equal(t, int64(0), a.spool.SizeBytes())

	files, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestArchiver_NoSpoolDrops(t *testing.T) {
	m := metrics.New()
	fs := &fakeS3{failN: 100}
	a, err := New(Options{Bucket: "bucket", BatchSize: 1, FlushInterval: time.Hour, Retries: 1}, fs, m)
	require.NoError(t, err)
	a.Start()

	a.DeadLetter(entry("lead_1"))
	a.Shutdown(context.Background())

	assert.Equal(t, int64(1), m.DeadLetterDroppedTotal)
}

func TestSpool_CapacityEvictsOldest(t *testing.T) {
	dir := t.TempDir()
	sp, err := NewSpool(dir, 10, 0, nil)
	require.NoError(t, err)

	require.NoError(t, sp.Save("100_a_000001.jsonl.gz", []byte("123456"), 1))
	require.NoError(t, sp.Save("200_a_000002.jsonl.gz", []byte("123456"), 1))

	assert.NoFileExists(t, filepath.Join(dir, "100_a_000001.jsonl.gz"))
	assert.FileExists(t, filepath.Join(dir, "200_a_000002.jsonl.gz"))
	assert.Equal(t, int64(6), sp.SizeBytes())
}

func TestSpool_TooLargeIsDropped(t *testing.T) {
	m := metrics.New()
	sp, err := NewSpool(t.TempDir(), 4, 0, m)
	require.NoError(t, err)

	require.NoError(t, sp.Save("100_a_000001.jsonl.gz", []byte("123456"), 3))
	assert.Equal(t, int64(3), m.DeadLetterDroppedTotal)
	assert.Equal(t, int64(0), sp.SizeBytes())
}

func TestSpool_TTLExpired(t *testing.T) {
	dir := t.TempDir()
	sp, err := NewSpool(dir, 0, time.Hour, nil)
	require.NoError(t, err)
	sp.now = func() time.Time { return time.Unix(100, 0).Add(2 * time.Hour) }

	require.NoError(t, sp.Save("100_a_000001.jsonl.gz", []byte("x"), 1))

	called := false
	processed := sp.ProcessOne(context.Background(), func(context.Context, string, io.ReadSeeker, int64) error {
		called = true
		return nil
	})
	assert.True(t, processed)
	assert.False(t, called)
	assert.NoFileExists(t, filepath.Join(dir, "100_a_000001.jsonl.gz"))
}

func TestSpool_CorruptedRemoved(t *testing.T) {
	dir := t.TempDir()
	sp, err := NewSpool(dir, 0, 0, nil)
	require.NoError(t, err)
	require.NoError(t, sp.Save("100_a_000001.jsonl.gz", []byte("not gzip"), 1))

	processed := sp.ProcessOne(context.Background(), func(context.Context, string, io.ReadSeeker, int64) error {
		t.Fatal("corrupted file must not be uploaded")
		return nil
	})
	assert.True(t, processed)
	assert.Equal(t, int64(0), sp.SizeBytes())
}

func TestSpool_RestoresSizeAndCleansOrphanMeta(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "100_a_000001.jsonl.gz"), []byte("12345"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "200_a_000002.jsonl.gz.meta.json"), []byte(`{}`), 0o600))

	sp, err := NewSpool(dir, 0, 0, nil)
	require.NoError(t, err)

	assert.Equal(t, int64(5), sp.SizeBytes())
	assert.NoFileExists(t, filepath.Join(dir, "200_a_000002.jsonl.gz.meta.json"))
}

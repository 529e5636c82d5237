package logger

import (
	"bytes"
	"testing"

	"lead-tracking/internal/config"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, ParseLevel("DEBUG"))
	assert.Equal(t, zerolog.WarnLevel, ParseLevel(" warn "))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel(""))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel("verbose"))
}

func TestNew_CommonFields(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, config.Config{ServiceName: "lead-tracking", InstanceID: "i-1", LogLevel: "info"})

	l.Warn().Str("event_id", "lead_1").Msg("queued")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "lead-tracking", line["service"])
	assert.Equal(t, "i-1", line["instance"])
	assert.Equal(t, "lead_1", line["event_id"])
	assert.Equal(t, "warn", line["level"])
}

func TestNew_SamplingKeepsWarnings(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, config.Config{LogLevel: "debug", LogSampleN: 1000})

	for i := 0; i < 10; i++ {
		l.Warn().Msg("w")
	}
	assert.Equal(t, 10, bytes.Count(buf.Bytes(), []byte("\n")))
}

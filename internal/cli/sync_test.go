package cli

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/chainsync/internal/core/interval"
)

func TestParseBlockTag(t *testing.T) {
	to, err := parseBlockTag("latest")
	require.NoError(t, err)
	assert.Nil(t, to)

	to, err = parseBlockTag("")
	require.NoError(t, err)
	assert.Nil(t, to)

	to, err = parseBlockTag("18000000")
	require.NoError(t, err)
	require.NotNil(t, to)
	assert.Equal(t, uint64(18_000_000), *to)

	_, err = parseBlockTag("0x10")
	assert.Error(t, err)
	_, err = parseBlockTag("-1")
	assert.Error(t, err)
}

func TestLogLevel(t *testing.T) {
	tests := []struct {
		level string
		debug bool
		want  slog.Level
	}{
		{"", false, slog.LevelInfo},
		{"info", false, slog.LevelInfo},
		{"debug", false, slog.LevelDebug},
		{"warn", false, slog.LevelWarn},
		{"error", false, slog.LevelError},
		{"error", true, slog.LevelDebug},
	}
	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			isDebug = tt.debug
			defer func() { isDebug = false }()
			assert.Equal(t, tt.want, logLevel(tt.level))
		})
	}
}

func TestFormatIntervals(t *testing.T) {
	assert.Equal(t, "-", formatIntervals(nil))
	assert.Equal(t, "1-5, 10-10", formatIntervals([]interval.Interval{{Start: 1, End: 5}, {Start: 10, End: 10}}))
}

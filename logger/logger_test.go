package logger

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestInitialize(t *testing.T) {
	tests := []struct {
		name       string
		jsonOutput bool
	}{
		{name: "JSON output mode", jsonOutput: true},
		{name: "Console output mode", jsonOutput: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			Logger = nil
			JSONOutput = false

			err := Initialize(tt.jsonOutput)
			require.NoError(t, err)
			require.NotNil(t, Logger)
			assert.Equal(t, tt.jsonOutput, JSONOutput)

			Logger = zap.NewNop().Sugar()
		})
	}
}

func TestSetVerbosity(t *testing.T) {
	t.Cleanup(func() { SetVerbosity(VerbosityInfo) })

	SetVerbosity(VerbosityUser)
	assert.Equal(t, zapcore.WarnLevel, Level())

	SetVerbosity(VerbosityDebug)
	assert.Equal(t, zapcore.DebugLevel, Level())
}

func TestVerbosityToLevel(t *testing.T) {
	assert.Equal(t, zapcore.WarnLevel, VerbosityToLevel(-1))
	assert.Equal(t, zapcore.WarnLevel, VerbosityToLevel(0))
	assert.Equal(t, zapcore.InfoLevel, VerbosityToLevel(1))
	assert.Equal(t, zapcore.DebugLevel, VerbosityToLevel(2))
	assert.Equal(t, zapcore.DebugLevel, VerbosityToLevel(7))
	assert.Equal(t, "Info (-v)", LevelName(1))
}

func TestFieldsFromContext(t *testing.T) {
	ctx := WithConnectionID(WithRequestID(context.Background(), "req-1"), "conn-9")

	fields := FieldsFromContext(ctx)
	assert.Equal(t, []interface{}{FieldRequestID, "req-1", FieldConnectionID, "conn-9"}, fields)
	assert.Empty(t, FieldsFromContext(context.Background()))
}

func TestMinimalEncoder(t *testing.T) {
	enc := newMinimalEncoder()
	ent := zapcore.Entry{
		Level:      zapcore.WarnLevel,
		Time:       time.Date(2024, 1, 2, 13, 4, 35, 0, time.UTC),
		LoggerName: "registry",
		Message:    "Oracle failed",
	}
	fields := []zapcore.Field{
		zap.String(FieldFingerprint, "3f9a1c2e77aa00bb"),
		zap.Int(FieldCount, 3),
		zap.Bool(FieldUnique, false),
	}

	buf, err := enc.EncodeEntry(ent, fields)
	require.NoError(t, err)
	out := buf.String()

	assert.Contains(t, out, "13:04:35")
	assert.Contains(t, out, "WARN")
	assert.Contains(t, out, "registry")
	assert.Contains(t, out, "Oracle failed")
	assert.Contains(t, out, "3f9a1c2e")
	assert.NotContains(t, out, "3f9a1c2e77")
	assert.Contains(t, out, "count=3")
	assert.Contains(t, out, "unique=false")
	assert.True(t, strings.HasSuffix(out, "\n"))
}

package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  Level
		ok    bool
	}{
		{"debug", DebugLevel, true},
		{"INFO", InfoLevel, true},
		{"", InfoLevel, true},
		{"notice", NoticeLevel, true},
		{" error ", ErrorLevel, true},
		{"verbose", InfoLevel, false},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, ok := ParseLevel(tt.input)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.ok, ok)
		})
	}
}

func TestStdLoggerFormatMessage(t *testing.T) {
	l := NewStdLogger(false, DebugLevel)

	assert.Equal(t, "[INFO]   [RELAYER]  claimed %s", l.formatMessage(InfoLevel, Relayer, "claimed %s"))
	assert.Equal(t, "[ERROR]  boom", l.formatMessage(ErrorLevel, None, "boom"))
	assert.Equal(t, "[DEBUG]  [AUDIT] x", l.formatMessage(DebugLevel, Component("audit"), "x"))
}

func TestZapLoggerTagsComponent(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := NewZapLoggerFrom(zap.New(core))

	l.InfoWith(Gateway, "challenge issued for %s", "res-1")
	l.Notice("queue drained")

	entries := logs.All()
	assert.Len(t, entries, 2)
	assert.Equal(t, "challenge issued for res-1", entries[0].Message)
	assert.Equal(t, "gateway", entries[0].ContextMap()["component"])
	assert.Equal(t, zapcore.WarnLevel, entries[1].Level)
}

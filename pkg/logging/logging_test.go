package logging

import (
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zapcore.Level{
		"debug":   zapcore.DebugLevel,
		" WARN ":  zapcore.WarnLevel,
		"warning": zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
		"":        zapcore.InfoLevel,
		"bogus":   zapcore.InfoLevel,
	}
	for in, want := range cases {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}

func TestNewBuildsBothFormats(t *testing.T) {
	for _, format := range []string{"console", "json"} {
		l := New(Config{Format: format, Level: "debug", NodeName: "n1"})
		assert.True(t, l.Core().Enabled(zapcore.DebugLevel), format)
	}
	l := New(Config{Level: "error"})
	assert.False(t, l.Core().Enabled(zapcore.WarnLevel))
}

func TestHCLogLevel(t *testing.T) {
	h := HCLog(zaptest.NewLogger(t), "warn")
	assert.Equal(t, hclog.Warn, h.GetLevel())
}

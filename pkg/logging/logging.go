// Package logging builds the zap logger shared by every component and the
// hclog logger handed to raft.
package logging

import (
	"strings"

	"github.com/hashicorp/go-hclog"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config selects the encoder and the minimum level.
type Config struct {
	// Format is "console" (colored, for development) or "json".
	Format string
	// Level is one of debug, info, warn, error.
	Level string
	// NodeName is attached to every entry when set.
	NodeName string
}

// New builds a logger. It falls back to a production logger if the
// configuration cannot be built.
func New(cfg Config) *zap.Logger {
	level := ParseLevel(cfg.Level)

	var zcfg zap.Config
	if strings.EqualFold(cfg.Format, "json") {
		zcfg = zap.NewProductionConfig()
		zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	} else {
		zcfg = zap.NewDevelopmentConfig()
		zcfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		zcfg.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
		zcfg.DisableStacktrace = true
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	zcfg.EncoderConfig.EncodeCaller = zapcore.ShortCallerEncoder

	l, err := zcfg.Build(zap.AddStacktrace(zapcore.ErrorLevel))
	if err != nil {
		l, _ = zap.NewProduction()
	}
	if cfg.NodeName != "" {
		l = l.With(zap.String("node", cfg.NodeName))
	}
	return l
}

// ParseLevel maps a level name onto zap; unknown names mean info.
func ParseLevel(lvl string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(lvl)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// HCLog returns an hclog logger for raft that writes through l.
func HCLog(l *zap.Logger, level string) hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{
		Name:            "raft",
		Level:           hclog.LevelFromString(ParseLevel(level).String()),
		Output:          zap.NewStdLog(l.Named("raft")).Writer(),
		DisableTime:     true,
		IncludeLocation: false,
	})
}

// Package logger builds the process zap logger and holds the field keys
// and context helpers shared by every component.
package logger

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Standard field keys.
const (
	KeySessionID = "session_id"
	KeyPeer      = "peer"
	KeyLocal     = "local"
	KeyTransport = "transport"
	KeyState     = "state"
	KeyMethod    = "method"
	KeyRequestID = "request_id"
	KeyNamespace = "namespace"
	KeyDuration  = "duration"
	KeyError     = "error"
	KeyErrorKind = "error_kind"
	KeyUID       = "uid"
	KeyPID       = "pid"
)

// Config selects level, encoding and destination.
type Config struct {
	Level  string // debug, info, warn, error
	Format string // json or console
	File   string // empty for stderr
}

// New builds a logger from cfg. The console format uses zap's development
// encoder (colored levels, readable timestamps); json uses the production
// encoder.
func New(name string, cfg Config) (*zap.Logger, error) {
	var zcfg zap.Config
	switch strings.ToLower(cfg.Format) {
	case "", "json":
		zcfg = zap.NewProductionConfig()
	case "console", "text":
		zcfg = zap.NewDevelopmentConfig()
		zcfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	default:
		return nil, fmt.Errorf("logger: unknown format %q", cfg.Format)
	}

	if cfg.Level != "" {
		level, err := zapcore.ParseLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("logger: %w", err)
		}
		zcfg.Level = zap.NewAtomicLevelAt(level)
	}

	if cfg.File != "" {
		zcfg.OutputPaths = []string{cfg.File}
		zcfg.ErrorOutputPaths = []string{cfg.File}
		zcfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	}

	log, err := zcfg.Build()
	if err != nil {
		return nil, err
	}
	if name != "" {
		log = log.Named(name)
	}
	return log, nil
}

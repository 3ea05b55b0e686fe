// Package alerting forwards error-level log entries to Sentry.
package alerting

import (
	"fmt"
	"os"
	"time"

	"github.com/getsentry/sentry-go"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const defaultFlushTimeout = 2 * time.Second

// Config configures the Sentry client behind the core.
type Config struct {
	DSN          string
	Environment  string
	Release      string
	Level        zapcore.Level // minimum level forwarded, ErrorLevel by default
	FlushTimeout time.Duration
}

// ConfigFromEnv reads DISPATCH_SENTRY_* variables. The second result is
// false when no DSN is configured.
func ConfigFromEnv() (Config, bool) {
	cfg := Config{
		DSN:          os.Getenv("DISPATCH_SENTRY_DSN"),
		Environment:  os.Getenv("DISPATCH_ENVIRONMENT"),
		Release:      os.Getenv("DISPATCH_VERSION"),
		Level:        zapcore.ErrorLevel,
		FlushTimeout: defaultFlushTimeout,
	}
	if v := os.Getenv("DISPATCH_SENTRY_LEVEL"); v != "" {
		if lvl, err := zapcore.ParseLevel(v); err == nil {
			cfg.Level = lvl
		}
	}
	return cfg, cfg.DSN != ""
}

// NewHub creates a Sentry client for cfg on its own hub.
func NewHub(cfg Config) (*sentry.Hub, error) {
	client, err := sentry.NewClient(sentry.ClientOptions{
		Dsn:         cfg.DSN,
		Environment: cfg.Environment,
		Release:     cfg.Release,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create sentry client: %w", err)
	}
	return sentry.NewHub(client, sentry.NewScope()), nil
}

// Core is a zapcore.Core that turns entries into Sentry events.
type Core struct {
	zapcore.LevelEnabler
	hub          *sentry.Hub
	fields       []zapcore.Field
	flushTimeout time.Duration
}

// NewCore forwards entries at or above level to hub.
func NewCore(hub *sentry.Hub, level zapcore.LevelEnabler, flushTimeout time.Duration) *Core {
	if flushTimeout <= 0 {
		flushTimeout = defaultFlushTimeout
	}
	return &Core{LevelEnabler: level, hub: hub, flushTimeout: flushTimeout}
}

// Attach tees logger into core.
func Attach(logger *zap.Logger, core zapcore.Core) *zap.Logger {
	return logger.WithOptions(zap.WrapCore(func(c zapcore.Core) zapcore.Core {
		return zapcore.NewTee(c, core)
	}))
}

func (c *Core) With(fields []zapcore.Field) zapcore.Core {
	clone := *c
	clone.fields = append(append([]zapcore.Field(nil), c.fields...), fields...)
	return &clone
}

func (c *Core) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *Core) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	enc := zapcore.NewMapObjectEncoder()
	for _, f := range c.fields {
		f.AddTo(enc)
	}
	for _, f := range fields {
		f.AddTo(enc)
	}

	event := sentry.NewEvent()
	event.Level = sentryLevel(ent.Level)
	event.Message = ent.Message
	event.Logger = ent.LoggerName
	event.Timestamp = ent.Time
	event.Extra = enc.Fields

	tags := make(map[string]string)
	if id, ok := enc.Fields["node_id"].(string); ok {
		tags["node_id"] = id
	}
	if critical, ok := enc.Fields["critical"].(bool); ok && critical {
		tags["critical"] = "true"
	}
	event.Tags = tags

	c.hub.CaptureEvent(event)
	if ent.Level > zapcore.ErrorLevel {
		c.hub.Flush(c.flushTimeout)
	}
	return nil
}

func (c *Core) Sync() error {
	c.hub.Flush(c.flushTimeout)
	return nil
}

func sentryLevel(lvl zapcore.Level) sentry.Level {
	switch lvl {
	case zapcore.DebugLevel:
		return sentry.LevelDebug
	case zapcore.InfoLevel:
		return sentry.LevelInfo
	case zapcore.WarnLevel:
		return sentry.LevelWarning
	case zapcore.ErrorLevel:
		return sentry.LevelError
	default:
		return sentry.LevelFatal
	}
}

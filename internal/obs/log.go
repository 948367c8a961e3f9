package obs

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogConfig configures the process logger.
type LogConfig struct {
	// Env selects "prod" (JSON) or anything else (console).
	Env     string
	Level   string
	Service string
	Version string
}

var (
	loggerMu sync.Mutex
	logger   *zap.Logger
)

// InitLogger builds the process logger. Only the first call has an effect.
func InitLogger(cfg LogConfig) {
	loggerMu.Lock()
	defer loggerMu.Unlock()
	if logger != nil {
		return
	}
	logger = buildLogger(cfg)
}

// SetLogger replaces the process logger and returns the previous one.
// Tests use it with zaptest/observer cores.
func SetLogger(l *zap.Logger) *zap.Logger {
	loggerMu.Lock()
	defer loggerMu.Unlock()
	prev := logger
	logger = l
	return prev
}

// L returns the shared structured logger used across the service.
func L() *zap.Logger {
	loggerMu.Lock()
	l := logger
	loggerMu.Unlock()
	if l != nil {
		return l
	}
	InitLogger(LogConfig{Env: "dev", Level: "info"})
	return L()
}

// Named returns a logger tagged with a component name.
func Named(name string) *zap.Logger {
	return L().Named(name)
}

// Sync flushes buffered entries.
func Sync() error {
	loggerMu.Lock()
	defer loggerMu.Unlock()
	if logger == nil {
		return nil
	}
	return logger.Sync()
}

type loggerKey struct{}

// ToContext attaches a request-scoped logger.
func ToContext(ctx context.Context, l *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, l)
}

// From returns the request-scoped logger or the process logger.
func From(ctx context.Context) *zap.Logger {
	if ctx != nil {
		if l, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok && l != nil {
			return l
		}
	}
	return L()
}

func Component(v string) zap.Field { return zap.String("component", v) }
func Subject(v string) zap.Field   { return zap.String("subject", v) }
func ClientIP(v string) zap.Field  { return zap.String("client_ip", v) }
func RequestID(v string) zap.Field { return zap.String("request_id", v) }
func Err(err error) zap.Field      { return zap.Error(err) }

func buildLogger(cfg LogConfig) *zap.Logger {
	level := parseLevel(cfg.Level)

	var zcfg zap.Config
	if strings.EqualFold(cfg.Env, "prod") {
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

	l, err := zcfg.Build(zap.AddCaller())
	if err != nil {
		l, _ = zap.NewProduction()
	}
	if cfg.Service != "" {
		l = l.With(zap.String("service", cfg.Service))
	}
	if cfg.Version != "" {
		l = l.With(zap.String("version", cfg.Version))
	}
	return l
}

func parseLevel(lvl string) zapcore.Level {
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

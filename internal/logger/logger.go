// Package logger предоставляет логирование с префиксом сервиса и буферизованной записью,
// чтобы не блокировать основное приложение. Поддерживается логирование времени выполнения функций.
package logger

import (
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const flushInterval = time.Second

// SlowThreshold — порог, начиная с которого длительность пишется на уровне info.
const SlowThreshold = 100 * time.Millisecond

var (
	root    atomic.Pointer[zap.Logger]
	current atomic.Pointer[zap.SugaredLogger]
	debug   atomic.Bool
	once    sync.Once
)

func levelFromEnv() zapcore.Level {
	switch os.Getenv("LOG_LEVEL") {
	case "debug", "trace":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func initLogger() {
	lvl := levelFromEnv()
	debug.Store(lvl == zapcore.DebugLevel)

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	// Буферизованная запись: вызовы логгера не ждут stderr.
	ws := &zapcore.BufferedWriteSyncer{
		WS:            zapcore.Lock(os.Stderr),
		FlushInterval: flushInterval,
	}
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), ws, lvl)
	l := zap.New(core)
	root.Store(l)
	current.Store(l.Sugar())
}

func log() *zap.SugaredLogger {
	once.Do(initLogger)
	return current.Load()
}

// SetPrefix задаёт префикс для всех последующих логов (например "api", "chatctl").
func SetPrefix(p string) {
	once.Do(initLogger)
	l := root.Load()
	if p != "" {
		l = l.Named(p)
	}
	current.Store(l.Sugar())
}

// Sync сбрасывает буфер. Вызывается перед выходом из процесса.
func Sync() {
	if l := root.Load(); l != nil {
		_ = l.Sync()
	}
}

// Info пишет сообщение уровня info.
func Info(v ...any) {
	log().Info(v...)
}

// Infof форматирует и пишет сообщение уровня info.
func Infof(format string, v ...any) {
	log().Infof(format, v...)
}

// Debugf пишет только при LOG_LEVEL=debug.
func Debugf(format string, v ...any) {
	log().Debugf(format, v...)
}

// Error пишет ошибку.
func Error(v ...any) {
	log().Error(v...)
}

// Errorf форматирует ошибку.
func Errorf(format string, v ...any) {
	log().Errorf(format, v...)
}

// With возвращает логгер со структурными полями (ключ, значение, ...).
func With(kv ...any) *zap.SugaredLogger {
	return log().With(kv...)
}

// LogDuration логирует имя функции и время выполнения в миллисекундах.
// При LOG_LEVEL=info логирует только вызовы дольше 100ms; при LOG_LEVEL=debug — все.
func LogDuration(fn string, start time.Time) {
	elapsed := time.Since(start)
	once.Do(initLogger)
	if debug.Load() || elapsed >= SlowThreshold {
		log().Infow("duration", "fn", fn, "duration_ms", elapsed.Milliseconds())
	}
}

// DeferLogDuration возвращает функцию для вызова в defer: defer logger.DeferLogDuration("HandlerName", time.Now())().
func DeferLogDuration(fn string, start time.Time) func() {
	return func() { LogDuration(fn, start) }
}

package call

import "log/slog"

// SlogLogger adapts a *slog.Logger to the Logger interface. The default
// non-test logger registered by cmd/server/main.go; NoOpLogger remains the
// default for tests that don't care about log output.
type SlogLogger struct {
	L *slog.Logger
}

// NewSlogLogger wraps l, or the default slog logger if l is nil.
func NewSlogLogger(l *slog.Logger) SlogLogger {
	if l == nil {
		l = slog.Default()
	}
	return SlogLogger{L: l}
}

func (s SlogLogger) Debug(msg string, args ...interface{}) { s.L.Debug(msg, args...) }
func (s SlogLogger) Info(msg string, args ...interface{})  { s.L.Info(msg, args...) }
func (s SlogLogger) Warn(msg string, args ...interface{})  { s.L.Warn(msg, args...) }
func (s SlogLogger) Error(msg string, args ...interface{}) { s.L.Error(msg, args...) }

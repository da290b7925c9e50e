package logger

import "sync/atomic"

type loggerBox struct{ Logger }

var defLogger atomic.Pointer[loggerBox]

func init() {
	defLogger.Store(&loggerBox{NewSlog(InfoLevel, false)})
}

func Debug(msg string, keysAndValues ...any) {
	GetLogger().Debug(msg, keysAndValues...)
}

func Info(msg string, keysAndValues ...any) {
	GetLogger().Info(msg, keysAndValues...)
}

func Warn(msg string, keysAndValues ...any) {
	GetLogger().Warn(msg, keysAndValues...)
}

func Error(msg string, keysAndValues ...any) {
	GetLogger().Error(msg, keysAndValues...)
}

func Fatal(msg string, keysAndValues ...any) {
	GetLogger().Fatal(msg, keysAndValues...)
}

func SetLevel(level Level) {
	GetLogger().SetLevel(level)
}

// SetLogger replaces the process-wide logger returned by GetLogger. Components capture
// the logger when they are constructed, so call it before building drivers and managers.
// A nil logger is ignored.
func SetLogger(l Logger) {
	if l != nil {
		defLogger.Store(&loggerBox{l})
	}
}

// GetLogger returns the process-wide logger.
func GetLogger() Logger {
	return defLogger.Load().Logger
}

func With(keyValues ...any) Logger {
	return GetLogger().With(keyValues...)
}

package whatsapp

import (
	"fmt"
	"log/slog"

	waLog "go.mau.fi/whatsmeow/util/log"
)

// slogAdapter routes whatsmeow's printf-style logging into slog
type slogAdapter struct {
	logger *slog.Logger
}

func newLogger(logger *slog.Logger, module string) waLog.Logger {
	return &slogAdapter{logger: logger.With("module", module)}
}

func (l *slogAdapter) Debugf(msg string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(msg, args...))
}

func (l *slogAdapter) Infof(msg string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(msg, args...))
}

func (l *slogAdapter) Warnf(msg string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(msg, args...))
}

func (l *slogAdapter) Errorf(msg string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(msg, args...))
}

func (l *slogAdapter) Sub(module string) waLog.Logger {
	return &slogAdapter{logger: l.logger.With("submodule", module)}
}

package plugin

import (
	"strings"

	"github.com/sirupsen/logrus"
)

// LogLevel follows the host's debug levels.
type LogLevel int

const (
	LogNone LogLevel = iota
	LogVersion
	LogWarn
	LogInfo
	LogAbort
	LogTrace
)

// DebugLogger is the logging callback handed over by the host.
type DebugLogger func(level LogLevel, msg string)

// hostHook forwards every logrus entry to the host logger.
type hostHook struct {
	logger DebugLogger
}

func (h *hostHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *hostHook) Fire(entry *logrus.Entry) error {
	line, err := entry.String()
	if err != nil {
		return err
	}
	h.logger(hostLevel(entry.Level), strings.TrimRight(line, "\n"))
	return nil
}

func hostLevel(level logrus.Level) LogLevel {
	switch level {
	case logrus.PanicLevel, logrus.FatalLevel, logrus.ErrorLevel:
		return LogAbort
	case logrus.WarnLevel:
		return LogWarn
	case logrus.InfoLevel:
		return LogInfo
	default:
		return LogTrace
	}
}

package rtc

import (
	"fmt"

	"github.com/pion/logging"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// loggerFactory routes pion's internal logs to zerolog. Everything below
// warn is logged at trace since pion is very chatty.
type loggerFactory struct{}

func (loggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return &scopedLogger{logger: log.With().Str("service", "pion").Str("scope", scope).Logger()}
}

type scopedLogger struct {
	logger zerolog.Logger
}

func (l *scopedLogger) Trace(msg string) { l.logger.Trace().Msg(msg) }
func (l *scopedLogger) Tracef(format string, args ...interface{}) {
	l.logger.Trace().Msg(fmt.Sprintf(format, args...))
}
func (l *scopedLogger) Debug(msg string) { l.logger.Trace().Msg(msg) }
func (l *scopedLogger) Debugf(format string, args ...interface{}) {
	l.logger.Trace().Msg(fmt.Sprintf(format, args...))
}
func (l *scopedLogger) Info(msg string) { l.logger.Trace().Msg(msg) }
func (l *scopedLogger) Infof(format string, args ...interface{}) {
	l.logger.Trace().Msg(fmt.Sprintf(format, args...))
}
func (l *scopedLogger) Warn(msg string) { l.logger.Warn().Msg(msg) }
func (l *scopedLogger) Warnf(format string, args ...interface{}) {
	l.logger.Warn().Msg(fmt.Sprintf(format, args...))
}
func (l *scopedLogger) Error(msg string) { l.logger.Error().Msg(msg) }
func (l *scopedLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error().Msg(fmt.Sprintf(format, args...))
}

package logging

import (
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// cronLogger adapts zerolog to the cron.Logger interface.
type cronLogger struct {
	zl zerolog.Logger
}

// CronLogger returns a cron.Logger writing to the "cron" component.
// Routine scheduling chatter is logged at debug level.
func CronLogger() cron.Logger {
	return cronLogger{zl: Component("cron")}
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.zl.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.zl.Error().Err(err).Fields(keysAndValues).Msg(msg)
}

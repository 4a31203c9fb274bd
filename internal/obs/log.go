package obs

import (
	"io"
	"log"
	"os"

	"github.com/sirupsen/logrus"
)

var base = newBase(os.Stdout)

func newBase(w io.Writer) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(w)
	l.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: "2006-01-02T15:04:05.000000000Z07:00",
		FieldMap:        logrus.FieldMap{logrus.FieldKeyTime: "ts"},
	})
	l.SetLevel(logrus.InfoLevel)
	return l
}

// EnableDebug globally enables debug logs.
func EnableDebug(v bool) {
	if v {
		base.SetLevel(logrus.DebugLevel)
		return
	}
	base.SetLevel(logrus.InfoLevel)
}

// SetOutput redirects all log output, mainly for tests.
func SetOutput(w io.Writer) { base.SetOutput(w) }

// ErrorLog adapts the logger for net/http servers; lines are logged at warn
// level under the given event name.
func ErrorLog(event string) *log.Logger {
	return log.New(base.WithField("event", event).WriterLevel(logrus.WarnLevel), "", 0)
}

type Fields map[string]any

func entry(f Fields) *logrus.Entry {
	return base.WithFields(logrus.Fields(f))
}

func Info(msg string, f Fields)  { entry(f).Info(msg) }
func Warn(msg string, f Fields)  { entry(f).Warn(msg) }
func Error(msg string, f Fields) { entry(f).Error(msg) }
func Debug(msg string, f Fields) { entry(f).Debug(msg) }

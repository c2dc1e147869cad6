// Package eventlog writes the per-service activity logs: one JSON
// object per line, appended to the service's log file. Every record
// carries at least ts (UTC, second precision, trailing Z), service and
// event; the remaining fields depend on the event kind.
package eventlog

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Fields is the free-form payload attached to an event.
type Fields = logrus.Fields

// Logger appends events for a single service.
type Logger struct {
	service string
	path    string
	file    *os.File
	log     *logrus.Logger
}

// Open prepares the event log at path. If path is not writable it
// retries with <stem>_user<suffix> in the same directory; if that fails
// too the service must not come up.
func Open(service, path string) (*Logger, error) {
	file, err := openAppend(path)
	if err != nil {
		fallback := fallbackPath(path)
		file, err = openAppend(fallback)
		if err != nil {
			return nil, errors.Wrapf(err, "%s: unable to open event log %s or fallback %s", service, path, fallback)
		}
		logrus.Warnf("cannot write to %s, using fallback log path %s", path, fallback)
		path = fallback
	}

	log := logrus.New()
	log.SetOutput(file)
	log.SetLevel(logrus.InfoLevel)
	log.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat:   "2006-01-02T15:04:05Z",
		DisableHTMLEscape: true,
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime: "ts",
			logrus.FieldKeyMsg:  "event",
		},
	})
	log.AddHook(utcHook{})

	return &Logger{service: service, path: path, file: file, log: log}, nil
}

// Event appends one record. Write failures are swallowed by logrus -
// a honeypot must not drop a connection because its disk filled up.
func (l *Logger) Event(event string, fields Fields) {
	l.log.WithFields(fields).WithField("service", l.service).Info(event)
}

// Path returns the log file actually in use (after any fallback).
func (l *Logger) Path() string { return l.path }

// Close releases the underlying file.
func (l *Logger) Close() error { return l.file.Close() }

func openAppend(path string) (*os.File, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
}

// fallbackPath turns /var/log/ssh.log into /var/log/ssh_user.log.
func fallbackPath(path string) string {
	ext := filepath.Ext(path)
	stem := strings.TrimSuffix(path, ext)
	return stem + "_user" + ext
}

// utcHook pins event timestamps to UTC so the trailing Z in the
// timestamp format is honest.
type utcHook struct{}

func (utcHook) Levels() []logrus.Level { return logrus.AllLevels }

func (utcHook) Fire(entry *logrus.Entry) error {
	entry.Time = entry.Time.UTC()
	return nil
}

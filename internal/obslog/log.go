package obslog

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config configures the default logger. A zero-value Config logs text at
// info level to stdout only.
type Config struct {
	Level      string // logrus level name; defaults to "info" on parse failure
	JSON       bool   // true selects logrus.JSONFormatter over TextFormatter
	FilePath   string // non-empty enables a rotated file sink alongside stdout
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

var defaultLogger = logrus.New()

// Init (re)configures the package-level default logger from cfg.
func Init(cfg Config) error {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	defaultLogger.SetLevel(level)

	if cfg.JSON {
		defaultLogger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		defaultLogger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	writers := []io.Writer{os.Stdout}
	if cfg.FilePath != "" {
		writers = append(writers, &lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    orDefault(cfg.MaxSizeMB, 100),
			MaxBackups: orDefault(cfg.MaxBackups, 5),
			MaxAge:     orDefault(cfg.MaxAgeDays, 28),
			Compress:   cfg.Compress,
		})
	}
	defaultLogger.SetOutput(io.MultiWriter(writers...))
	return nil
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// Logger is the structured log sink capability handed to the core: no ordering
// guarantees are made across calls, matching the core's expectation that
// logging never participates in the changes-queue/aggregation serialization.
type Logger interface {
	WithField(key string, value any) Logger
	WithFields(fields map[string]any) Logger
	WithError(err error) Logger
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

type entryLogger struct {
	entry *logrus.Entry
}

// Default returns a Logger wrapping the package-level logrus logger.
func Default() Logger {
	return &entryLogger{entry: logrus.NewEntry(defaultLogger)}
}

func (l *entryLogger) WithField(key string, value any) Logger {
	return &entryLogger{entry: l.entry.WithField(key, value)}
}

func (l *entryLogger) WithFields(fields map[string]any) Logger {
	return &entryLogger{entry: l.entry.WithFields(logrus.Fields(fields))}
}

func (l *entryLogger) WithError(err error) Logger {
	return &entryLogger{entry: l.entry.WithError(err)}
}

func (l *entryLogger) Debugf(format string, args ...any) { l.entry.Debugf(format, args...) }
func (l *entryLogger) Infof(format string, args ...any)  { l.entry.Infof(format, args...) }
func (l *entryLogger) Warnf(format string, args ...any)  { l.entry.Warnf(format, args...) }
func (l *entryLogger) Errorf(format string, args ...any) { l.entry.Errorf(format, args...) }

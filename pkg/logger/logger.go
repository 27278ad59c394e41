package logger

import (
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	// Logger is the shared logger instance.
	Logger *logrus.Logger
	// currentLogFile is the active log file path, empty when logging to stdout only.
	currentLogFile string
	logMu          sync.Mutex
)

// Config holds the logging configuration.
type Config struct {
	Level      string // debug, info, warn, error
	OutputFile string // log file path; empty means stdout only
	MaxSize    int    // maximum size of a log file in MB before rotation
	MaxBackups int    // number of rotated files to keep
	MaxAge     int    // days to keep rotated files
	Compress   bool   // gzip rotated files
}

// Init configures the shared logger. Safe to call more than once; the last
// call wins.
func Init(config Config) error {
	logMu.Lock()
	defer logMu.Unlock()

	logger := logrus.New()

	level, err := logrus.ParseLevel(config.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	formatter := &logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "06-01-02 15:04:05",
	}
	logger.SetFormatter(formatter)

	writers := []io.Writer{os.Stdout}

	if config.OutputFile != "" {
		logDir := filepath.Dir(config.OutputFile)
		if err := os.MkdirAll(logDir, 0755); err != nil {
			return err
		}

		fileWriter := &lumberjack.Logger{
			Filename:   config.OutputFile,
			MaxSize:    config.MaxSize,
			MaxBackups: config.MaxBackups,
			MaxAge:     config.MaxAge,
			Compress:   config.Compress,
		}
		writers = append(writers, fileWriter)
		currentLogFile = config.OutputFile
	}

	multiWriter := io.MultiWriter(writers...)
	logger.SetOutput(multiWriter)

	// Also configure the global logrus instance so component loggers created
	// with logrus.WithField share the same output and level.
	logrus.SetOutput(multiWriter)
	logrus.SetLevel(level)
	logrus.SetFormatter(formatter)

	Logger = logger
	return nil
}

// InitDefault configures the logger with sensible defaults (info, stdout only).
func InitDefault() error {
	return Init(Config{Level: "info"})
}

// CurrentLogFile returns the active log file path.
func CurrentLogFile() string {
	logMu.Lock()
	defer logMu.Unlock()
	return currentLogFile
}

func instance() *logrus.Logger {
	if Logger == nil {
		_ = InitDefault()
	}
	return Logger
}

func Debug(args ...interface{}) { instance().Debug(args...) }

func Debugf(format string, args ...interface{}) { instance().Debugf(format, args...) }

func Info(args ...interface{}) { instance().Info(args...) }

func Infof(format string, args ...interface{}) { instance().Infof(format, args...) }

func Warn(args ...interface{}) { instance().Warn(args...) }

func Warnf(format string, args ...interface{}) { instance().Warnf(format, args...) }

func Error(args ...interface{}) { instance().Error(args...) }

func Errorf(format string, args ...interface{}) { instance().Errorf(format, args...) }

// WithField returns a logrus entry scoped to a single field.
func WithField(key string, value interface{}) *logrus.Entry {
	return instance().WithField(key, value)
}

// WithFields returns a logrus entry scoped to multiple fields.
func WithFields(fields logrus.Fields) *logrus.Entry {
	return instance().WithFields(fields)
}

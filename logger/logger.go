/*
Package logger wraps zerolog so every component of a node logs with the same
structured fields. A root Logger is created once with New and components derive
their own children with the Get*Logger helpers, each of which adds one field.
Children share the level of the root they were derived from.
*/
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Level is zerolog's level; the zero value is debug
type Level = zerolog.Level

const (
	TraceLevel = zerolog.TraceLevel
	DebugLevel = zerolog.DebugLevel
	InfoLevel  = zerolog.InfoLevel
	WarnLevel  = zerolog.WarnLevel
	ErrorLevel = zerolog.ErrorLevel
	Disabled   = zerolog.Disabled

	maxLogSizeMB  = 50
	maxLogBackups = 5
	maxLogAgeDays = 28
)

type Config struct {
	// If FilePath is empty no file is written
	FilePath string

	// Additional writers, typically os.Stdout or a test writer
	ConsoleWriters []io.Writer

	LogLevel Level
}

type Logger struct {
	logger zerolog.Logger
	level  *atomic.Int32
}

func New(config *Config) (*Logger, error) {
	var writers []io.Writer

	if config.FilePath != "" {
		if err := os.MkdirAll(filepath.Dir(config.FilePath), os.ModePerm); err != nil {
			return nil, fmt.Errorf("failed to create log directory for %s: %w", config.FilePath, err)
		}

		writers = append(writers, &lumberjack.Logger{
			Filename:   config.FilePath,
			MaxSize:    maxLogSizeMB,
			MaxBackups: maxLogBackups,
			MaxAge:     maxLogAgeDays,
			Compress:   true,
		})
	}

	for _, writer := range config.ConsoleWriters {
		writers = append(writers, zerolog.ConsoleWriter{
			Out:        writer,
			TimeFormat: time.RFC3339,
			NoColor:    writer != os.Stdout,
		})
	}

	if len(writers) == 0 {
		return nil, fmt.Errorf("logger requires a file path or at least one console writer")
	}

	level := &atomic.Int32{}
	level.Store(int32(config.LogLevel))

	filtered := &levelWriter{
		next:  zerolog.MultiLevelWriter(writers...),
		level: level,
	}

	return &Logger{
		logger: zerolog.New(filtered).
			With().
			Timestamp().
			Logger(),
		level: level,
	}, nil
}

// ToLogLevel maps a user supplied string onto a level, defaulting to debug
func ToLogLevel(level string) Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return TraceLevel
	case "info":
		return InfoLevel
	case "warn", "warning":
		return WarnLevel
	case "error":
		return ErrorLevel
	case "disabled", "off", "none":
		return Disabled
	default:
		return DebugLevel
	}
}

// SetLevel changes the level of this logger, its root and every sibling
func (l *Logger) SetLevel(level Level) {
	l.level.Store(int32(level))
}

func (l *Logger) GetLevel() Level {
	return Level(l.level.Load())
}

func (l *Logger) AddNodeIdentity(identity string) {
	l.logger = l.logger.With().Str("node", identity).Logger()
}

func (l *Logger) GetComponentLogger(component string) *Logger {
	return l.child("component", component)
}

func (l *Logger) GetChannelLogger(sessionId string) *Logger {
	return l.child("sessionId", sessionId)
}

func (l *Logger) GetTransportLogger(remote string) *Logger {
	return l.child("remote", remote)
}

func (l *Logger) GetModuleLogger(module string) *Logger {
	return l.child("module", module)
}

func (l *Logger) child(key string, value string) *Logger {
	return &Logger{
		logger: l.logger.With().Str(key, value).Logger(),
		level:  l.level,
	}
}

func (l *Logger) Trace(msg string) {
	l.logger.Trace().Msg(msg)
}

func (l *Logger) Tracef(format string, a ...interface{}) {
	l.logger.Trace().Msgf(format, a...)
}

func (l *Logger) Debug(msg string) {
	l.logger.Debug().Msg(msg)
}

func (l *Logger) Debugf(format string, a ...interface{}) {
	l.logger.Debug().Msgf(format, a...)
}

func (l *Logger) Info(msg string) {
	l.logger.Info().Msg(msg)
}

func (l *Logger) Infof(format string, a ...interface{}) {
	l.logger.Info().Msgf(format, a...)
}

func (l *Logger) Warnf(format string, a ...interface{}) {
	l.logger.Warn().Msgf(format, a...)
}

func (l *Logger) Error(err error) {
	l.logger.Error().Msg(err.Error())
}

func (l *Logger) Errorf(format string, a ...interface{}) {
	l.logger.Error().Msgf(format, a...)
}

// levelWriter drops events below the shared level before they reach the real writers
type levelWriter struct {
	next  zerolog.LevelWriter
	level *atomic.Int32
}

func (w *levelWriter) Write(p []byte) (int, error) {
	return w.next.Write(p)
}

func (w *levelWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	if level < Level(w.level.Load()) {
		return len(p), nil
	}
	return w.next.WriteLevel(level, p)
}

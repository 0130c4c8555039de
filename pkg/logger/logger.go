package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
)

// LogLevel represents the logging verbosity level
type LogLevel string

const (
	LevelOff   LogLevel = "off"
	LevelError LogLevel = "error"
	LevelWarn  LogLevel = "warn"
	LevelInfo  LogLevel = "info"
	LevelDebug LogLevel = "debug"
	LevelTrace LogLevel = "trace"
)

// slogLevelTrace and slogLevelOff extend slog's four built-in levels so
// this package's verbosity scale (off|error|warn|info|debug|trace) maps
// onto a single slog.Level axis: trace sits below Debug, off sits above
// Error so nothing is ever emitted.
const (
	slogLevelTrace = slog.Level(-8)
	slogLevelOff   = slog.Level(12)
)

// DebugCategory represents specific debug categories for targeted debugging
type DebugCategory string

const (
	DebugWHIP      DebugCategory = "whip"
	DebugRTP       DebugCategory = "rtp"
	DebugNAL       DebugCategory = "nal"
	DebugGateway   DebugCategory = "gateway"
	DebugEndpoint  DebugCategory = "endpoint"
	DebugHeartbeat DebugCategory = "heartbeat"
	DebugDave      DebugCategory = "dave"
	DebugAll       DebugCategory = "all"
)

var allCategories = []DebugCategory{
	DebugWHIP, DebugRTP, DebugNAL, DebugGateway, DebugEndpoint, DebugHeartbeat, DebugDave,
}

// Config holds logger configuration
type Config struct {
	Level             LogLevel
	Format            OutputFormat
	OutputFile        string
	EnabledCategories map[DebugCategory]bool
	mu                sync.RWMutex
}

// OutputFormat determines the log output format
type OutputFormat string

const (
	FormatJSON OutputFormat = "json"
	FormatText OutputFormat = "text"
)

// Global logger instance
var (
	defaultLogger *Logger
	once          sync.Once
)

// Logger wraps slog.Logger with category-based debugging
type Logger struct {
	*slog.Logger
	config *Config
	file   *os.File
}

// NewConfig creates a new logger configuration with defaults
func NewConfig() *Config {
	return &Config{
		Level:             LevelOff,
		Format:            FormatText,
		OutputFile:        "",
		EnabledCategories: make(map[DebugCategory]bool),
	}
}

// ParseLevel converts a string to LogLevel
func ParseLevel(level string) (LogLevel, error) {
	switch level {
	case "off", "OFF":
		return LevelOff, nil
	case "error", "ERROR":
		return LevelError, nil
	case "warn", "WARN", "warning", "WARNING":
		return LevelWarn, nil
	case "info", "INFO":
		return LevelInfo, nil
	case "debug", "DEBUG":
		return LevelDebug, nil
	case "trace", "TRACE":
		return LevelTrace, nil
	default:
		return "", fmt.Errorf("invalid verbosity: %s (must be off, error, warn, info, debug, or trace)", level)
	}
}

// ParseFormat converts a string to OutputFormat
func ParseFormat(format string) (OutputFormat, error) {
	switch format {
	case "json", "JSON":
		return FormatJSON, nil
	case "text", "TEXT":
		return FormatText, nil
	default:
		return "", fmt.Errorf("invalid log format: %s (must be json or text)", format)
	}
}

// ToSlogLevel converts LogLevel to slog.Level
func (l LogLevel) ToSlogLevel() slog.Level {
	switch l {
	case LevelOff:
		return slogLevelOff
	case LevelError:
		return slog.LevelError
	case LevelWarn:
		return slog.LevelWarn
	case LevelInfo:
		return slog.LevelInfo
	case LevelDebug:
		return slog.LevelDebug
	case LevelTrace:
		return slogLevelTrace
	default:
		return slog.LevelInfo
	}
}

// New creates a new Logger instance with the given configuration
func New(cfg *Config) (*Logger, error) {
	var writer io.Writer = os.Stdout
	var file *os.File

	if cfg.OutputFile != "" {
		f, err := os.OpenFile(cfg.OutputFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file %s: %w", cfg.OutputFile, err)
		}
		writer = f
		file = f
	}

	var handler slog.Handler
	handlerOpts := &slog.HandlerOptions{
		Level: cfg.Level.ToSlogLevel(),
	}

	switch cfg.Format {
	case FormatJSON:
		handler = slog.NewJSONHandler(writer, handlerOpts)
	case FormatText:
		handler = slog.NewTextHandler(writer, handlerOpts)
	default:
		handler = slog.NewTextHandler(writer, handlerOpts)
	}

	logger := &Logger{
		Logger: slog.New(handler),
		config: cfg,
		file:   file,
	}

	return logger, nil
}

// EnableCategory enables a specific debug category
func (c *Config) EnableCategory(category DebugCategory) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if category == DebugAll {
		for _, cat := range allCategories {
			c.EnabledCategories[cat] = true
		}
		return
	}
	c.EnabledCategories[category] = true
}

// IsCategoryEnabled checks if a debug category is enabled
func (c *Config) IsCategoryEnabled(category DebugCategory) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.EnabledCategories[category]
}

// IsDebugEnabled checks if any debug category is enabled
func (c *Config) IsDebugEnabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.EnabledCategories) > 0
}

// Close closes the log file if one was opened
func (l *Logger) Close() error {
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// Category-specific logging methods, one per SPEC_FULL hot path.

func (l *Logger) DebugWHIP(msg string, args ...any) {
	if l.config.IsCategoryEnabled(DebugWHIP) {
		args = append([]any{"category", "whip"}, args...)
		l.Debug(msg, args...)
	}
}

func (l *Logger) DebugRTP(msg string, args ...any) {
	if l.config.IsCategoryEnabled(DebugRTP) {
		args = append([]any{"category", "rtp"}, args...)
		l.Debug(msg, args...)
	}
}

func (l *Logger) DebugNAL(msg string, args ...any) {
	if l.config.IsCategoryEnabled(DebugNAL) {
		args = append([]any{"category", "nal"}, args...)
		l.Debug(msg, args...)
	}
}

func (l *Logger) DebugGateway(msg string, args ...any) {
	if l.config.IsCategoryEnabled(DebugGateway) {
		args = append([]any{"category", "gateway"}, args...)
		l.Debug(msg, args...)
	}
}

func (l *Logger) DebugEndpoint(msg string, args ...any) {
	if l.config.IsCategoryEnabled(DebugEndpoint) {
		args = append([]any{"category", "endpoint"}, args...)
		l.Debug(msg, args...)
	}
}

func (l *Logger) DebugHeartbeat(msg string, args ...any) {
	if l.config.IsCategoryEnabled(DebugHeartbeat) {
		args = append([]any{"category", "heartbeat"}, args...)
		l.Debug(msg, args...)
	}
}

func (l *Logger) DebugDave(msg string, args ...any) {
	if l.config.IsCategoryEnabled(DebugDave) {
		args = append([]any{"category", "dave"}, args...)
		l.Debug(msg, args...)
	}
}

// DebugRTPPacket logs detailed RTP packet information
func (l *Logger) DebugRTPPacket(seq uint16, timestamp uint32, payloadType uint8, payloadSize int) {
	if l.config.IsCategoryEnabled(DebugRTP) {
		l.Debug("RTP packet",
			"category", "rtp",
			"sequence", seq,
			"timestamp", timestamp,
			"payload_type", payloadType,
			"payload_size", payloadSize)
	}
}

// DebugNALUnit logs NAL unit type and size
func (l *Logger) DebugNALUnit(naluType uint8, size int, fragmented bool) {
	if l.config.IsCategoryEnabled(DebugNAL) {
		l.Debug("NAL unit",
			"category", "nal",
			"type", naluType,
			"type_name", getNALUTypeName(naluType),
			"size", size,
			"fragmented", fragmented)
	}
}

// WithContext returns a copy of the logger; ctx is not read and no
// context values are added.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	return &Logger{
		Logger: l.Logger,
		config: l.config,
		file:   l.file,
	}
}

// With returns a new Logger with the given attributes
func (l *Logger) With(args ...any) *Logger {
	return &Logger{
		Logger: l.Logger.With(args...),
		config: l.config,
		file:   l.file,
	}
}

func getNALUTypeName(naluType uint8) string {
	switch naluType {
	case 1:
		return "P-frame"
	case 5:
		return "IDR"
	case 6:
		return "SEI"
	case 7:
		return "SPS"
	case 8:
		return "PPS"
	case 9:
		return "AUD"
	case 28:
		return "FU-A"
	default:
		return fmt.Sprintf("unknown(%d)", naluType)
	}
}

// SetDefault sets the global default logger
func SetDefault(logger *Logger) {
	defaultLogger = logger
	slog.SetDefault(logger.Logger)
}

// Default returns the default logger, creating one if necessary
func Default() *Logger {
	once.Do(func() {
		if defaultLogger != nil {
			return
		}
		cfg := NewConfig()
		logger, err := New(cfg)
		if err != nil {
			logger = &Logger{
				Logger: slog.Default(),
				config: cfg,
			}
		}
		defaultLogger = logger
	})
	return defaultLogger
}

func Debug(msg string, args ...any) { Default().Debug(msg, args...) }
func Info(msg string, args ...any)  { Default().Info(msg, args...) }
func Warn(msg string, args ...any)  { Default().Warn(msg, args...) }
func Error(msg string, args ...any) { Default().Error(msg, args...) }

package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// ANSI color codes
const (
	Reset = "\033[0m"
	Bold  = "\033[1m"
	Dim   = "\033[2m"

	Red     = "\033[31m"
	Green   = "\033[32m"
	Yellow  = "\033[33m"
	Blue    = "\033[34m"
	Magenta = "\033[35m"
	Cyan    = "\033[36m"
	White   = "\033[37m"
	Gray    = "\033[90m"

	BrightRed     = "\033[91m"
	BrightGreen   = "\033[92m"
	BrightYellow  = "\033[93m"
	BrightBlue    = "\033[94m"
	BrightMagenta = "\033[95m"
	BrightCyan    = "\033[96m"
	BrightWhite   = "\033[97m"
)

// ColoredLogger wraps zap.Logger with component-tagged, optionally colored output
type ColoredLogger struct {
	*zap.Logger
	enableColors bool
}

// Component represents different parts of the system for color coding
type Component string

const (
	ComponentChannel   Component = "CHANNEL"
	ComponentTransport Component = "TRANSPORT"
	ComponentLibP2P    Component = "LIBP2P"
	ComponentNATS      Component = "NATS"
	ComponentBridge    Component = "BRIDGE"
	ComponentNode      Component = "NODE"
	ComponentGeneral   Component = "GENERAL"
)

// Config controls level, encoding and destination of a logger.
type Config struct {
	Level      string // debug, info, warn, error
	Format     string // console or json
	OutputFile string // empty means stdout
	Colors     bool

	// Rotation of OutputFile
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

func getComponentColor(component Component) string {
	switch component {
	case ComponentChannel:
		return BrightMagenta
	case ComponentTransport:
		return BrightYellow
	case ComponentLibP2P:
		return BrightCyan
	case ComponentNATS:
		return Cyan
	case ComponentBridge:
		return BrightGreen
	case ComponentNode:
		return BrightBlue
	case ComponentGeneral:
		return Yellow
	default:
		return White
	}
}

func getLevelColor(level zapcore.Level) string {
	switch level {
	case zapcore.DebugLevel:
		return Gray
	case zapcore.InfoLevel:
		return BrightWhite
	case zapcore.WarnLevel:
		return BrightYellow
	case zapcore.ErrorLevel:
		return BrightRed
	case zapcore.DPanicLevel, zapcore.PanicLevel, zapcore.FatalLevel:
		return Red
	default:
		return White
	}
}

var levelLetters = map[zapcore.Level]string{
	zapcore.DebugLevel: "D",
	zapcore.InfoLevel:  "I",
	zapcore.WarnLevel:  "W",
	zapcore.ErrorLevel: "E",
}

// coloredConsoleEncoder builds the compact console encoder: HH:MM:SS, single
// letter level, caller file without extension.
func coloredConsoleEncoder(enableColors bool) zapcore.Encoder {
	config := zap.NewDevelopmentEncoderConfig()

	config.EncodeTime = func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString(paint(enableColors, Dim, t.Format("15:04:05")))
	}

	config.EncodeLevel = func(level zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
		levelStr := levelLetters[level]
		if levelStr == "" {
			levelStr = "?"
		}
		enc.AppendString(paint(enableColors, getLevelColor(level)+Bold, levelStr))
	}

	config.EncodeCaller = func(caller zapcore.EntryCaller, enc zapcore.PrimitiveArrayEncoder) {
		file := caller.File
		if idx := strings.LastIndex(file, "/"); idx >= 0 {
			file = file[idx+1:]
		}
		file = strings.TrimSuffix(file, ".go")
		enc.AppendString(paint(enableColors, Dim, file))
	}

	return zapcore.NewConsoleEncoder(config)
}

func paint(enabled bool, color, s string) string {
	if !enabled {
		return s
	}
	return color + s + Reset
}

func parseLevel(level string) (zapcore.Level, error) {
	if level == "" {
		return zapcore.InfoLevel, nil
	}
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(strings.ToLower(level))); err != nil {
		return l, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return l, nil
}

// New builds a logger from cfg. When OutputFile is set the file is rotated by
// lumberjack and colors are disabled.
func New(cfg Config) (*ColoredLogger, error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	var out io.Writer = os.Stdout
	colors := cfg.Colors
	if cfg.OutputFile != "" {
		out = &lumberjack.Logger{
			Filename:   cfg.OutputFile,
			MaxSize:    orDefault(cfg.MaxSizeMB, 100),
			MaxBackups: orDefault(cfg.MaxBackups, 5),
			MaxAge:     orDefault(cfg.MaxAgeDays, 28),
		}
		colors = false
	}

	var encoder zapcore.Encoder
	switch cfg.Format {
	case "", "console":
		encoder = coloredConsoleEncoder(colors)
	case "json":
		encoder = zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
		colors = false
	default:
		return nil, fmt.Errorf("invalid log format %q", cfg.Format)
	}

	core := zapcore.NewCore(encoder, zapcore.AddSync(out), level)
	logger := zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1))

	return &ColoredLogger{
		Logger:       logger,
		enableColors: colors,
	}, nil
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// NewColoredLogger creates a debug-level console logger on stdout.
func NewColoredLogger(enableColors bool) (*ColoredLogger, error) {
	return New(Config{Level: "debug", Colors: enableColors})
}

// NewNop returns a logger that discards everything.
func NewNop() *ColoredLogger {
	return &ColoredLogger{Logger: zap.NewNop()}
}

func (l *ColoredLogger) tag(component Component, msg string) string {
	if l.enableColors {
		return fmt.Sprintf("%s[%s]%s %s", getComponentColor(component), component, Reset, msg)
	}
	return fmt.Sprintf("[%s] %s", component, msg)
}

// Component-specific logging methods
func (l *ColoredLogger) ComponentInfo(component Component, msg string, fields ...zap.Field) {
	l.Info(l.tag(component, msg), fields...)
}

func (l *ColoredLogger) ComponentWarn(component Component, msg string, fields ...zap.Field) {
	l.Warn(l.tag(component, msg), fields...)
}

func (l *ColoredLogger) ComponentError(component Component, msg string, fields ...zap.Field) {
	l.Error(l.tag(component, msg), fields...)
}

func (l *ColoredLogger) ComponentDebug(component Component, msg string, fields ...zap.Field) {
	l.Debug(l.tag(component, msg), fields...)
}

// With returns a child logger carrying fields on every entry.
func (l *ColoredLogger) With(fields ...zap.Field) *ColoredLogger {
	return &ColoredLogger{Logger: l.Logger.With(fields...), enableColors: l.enableColors}
}

// StdLog returns a standard library logger that writes error-level entries
// tagged with component, for http.Server.ErrorLog.
func (l *ColoredLogger) StdLog(component Component) *log.Logger {
	std, err := zap.NewStdLogAt(l.Logger.With(zap.String("component", string(component))), zapcore.ErrorLevel)
	if err != nil {
		return log.New(io.Discard, "", 0)
	}
	return std
}

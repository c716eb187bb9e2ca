// This package defines a common config struct which can be used by any subsystem within slick-nse.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// ExecutionContext selects which capability variants are wired at startup.
type ExecutionContext int

const (
	// Primary is the full application.
	Primary ExecutionContext = iota
	// Extension is the restricted, time-boxed notification service extension.
	Extension
)

func (ec ExecutionContext) String() string {
	switch ec {
	case Primary:
		return "primary"
	case Extension:
		return "extension"
	default:
		return fmt.Sprintf("unknown(%d)", int(ec))
	}
}

func ParseExecutionContext(s string) (ExecutionContext, error) {
	switch s {
	case "primary", "":
		return Primary, nil
	case "extension":
		return Extension, nil
	default:
		return Primary, fmt.Errorf("config: unknown execution context %q", s)
	}
}

type Config struct {
	Debug                bool
	RootDir              string
	LoggingPrefix        string
	ExecutionContext     ExecutionContext
	AppContext           string
	MaxSkip              uint32
	MaxKeptKeys          int
	MaxKeyAgeSec         int64
	ExecutionBudgetMs    int64
	EnvelopeRetentionSec int64
	CompressThreshold    int
	BatchConcurrency     int
	writer               io.Writer
}

func (c Config) Logger(source string) *zap.SugaredLogger {
	var p string
	if source == "" {
		p = c.LoggingPrefix
	} else {
		p = fmt.Sprintf("%s:%s", c.LoggingPrefix, source)
	}

	level := zapcore.InfoLevel
	if c.Debug {
		level = zapcore.DebugLevel
	}
	opts := []zap.Option{
		zap.Fields(zap.String("source", p), zap.Stringer("context", c.ExecutionContext)),
	}

	de := zap.NewDevelopmentEncoderConfig()
	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(de), zapcore.AddSync(os.Stdout), level),
	}
	if c.writer != nil {
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(de), zapcore.AddSync(c.writer), level))
	}
	logger := zap.New(zapcore.NewTee(cores...), opts...)
	return logger.Sugar()
}

func (c Config) MaxKeyAge() time.Duration {
	return time.Duration(c.MaxKeyAgeSec) * time.Second
}

func (c Config) ExecutionBudget() time.Duration {
	return time.Duration(c.ExecutionBudgetMs) * time.Millisecond
}

func (c Config) EnvelopeRetention() time.Duration {
	return time.Duration(c.EnvelopeRetentionSec) * time.Second
}

type Option func(*Config)

func WithDebug(d bool) Option {
	return func(c *Config) {
		c.Debug = d
	}
}

func WithRootDir(d string) Option {
	return func(c *Config) {
		c.RootDir = d
	}
}

func WithLoggingPrefix(p string) Option {
	return func(c *Config) {
		c.LoggingPrefix = p
	}
}

func WithExecutionContext(ec ExecutionContext) Option {
	return func(c *Config) {
		c.ExecutionContext = ec
	}
}

func WithAppContext(s string) Option {
	return func(c *Config) {
		c.AppContext = s
	}
}

func WithMaxSkip(n uint32) Option {
	return func(c *Config) {
		c.MaxSkip = n
	}
}

func WithMaxKeptKeys(n int) Option {
	return func(c *Config) {
		c.MaxKeptKeys = n
	}
}

func WithMaxKeyAgeSec(n int64) Option {
	return func(c *Config) {
		c.MaxKeyAgeSec = n
	}
}

func WithExecutionBudgetMs(n int64) Option {
	return func(c *Config) {
		c.ExecutionBudgetMs = n
	}
}

func WithEnvelopeRetentionSec(n int64) Option {
	return func(c *Config) {
		c.EnvelopeRetentionSec = n
	}
}

func WithCompressThreshold(n int) Option {
	return func(c *Config) {
		c.CompressThreshold = n
	}
}

func WithBatchConcurrency(n int) Option {
	return func(c *Config) {
		c.BatchConcurrency = n
	}
}

// WithLogWriter replaces the rotating log file, mostly useful in tests.
func WithLogWriter(w io.Writer) Option {
	return func(c *Config) {
		c.writer = w
	}
}

func defaultConfig() *Config {
	return &Config{
		Debug:                os.Getenv("DEBUG") == "1",
		RootDir:              ".",
		LoggingPrefix:        "",
		ExecutionContext:     Primary,
		AppContext:           "slick-nse",
		MaxSkip:              1000,
		MaxKeptKeys:          2000,
		MaxKeyAgeSec:         30 * 24 * 60 * 60,
		ExecutionBudgetMs:    25000,
		EnvelopeRetentionSec: 7 * 24 * 60 * 60,
		CompressThreshold:    1024,
		BatchConcurrency:     4,
	}
}

func NewConfig(opts ...Option) *Config {
	c := defaultConfig()
	for _, o := range opts {
		o(c)
	}
	if c.writer == nil {
		c.writer = &lumberjack.Logger{
			Filename:   filepath.Join(c.RootDir, "out.log"),
			MaxSize:    50, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
			Compress:   true,
		}
	}
	return c
}

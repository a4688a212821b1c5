// This package defines a common config struct which can be used by any subsystem within the talk server.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Config struct {
	Debug         bool
	RootDir       string
	LoggingPrefix string

	// Token issuance bounds. Requested validity and use counts are clamped
	// into these windows before a token is persisted.
	TokenLifetimeMinSec uint64
	TokenLifetimeMaxSec uint64
	TokenMaxUseCount    uint64
	TokenSecretAttempts int

	// Worldwide environment group size bounds used by the rebalancer.
	WorldwideGroupSizeMin int
	WorldwideGroupSizeMax int

	// Default ttl for environments which declare none, in seconds.
	EnvironmentDefaultTTLSec uint64

	// APNS push settings. An empty cert path disables the APNS pusher.
	APNSCertPath string
	APNSTopic    string

	// GCM push settings. An empty api key disables the GCM pusher.
	GCMAPIKey   string
	GCMEndpoint string

	writer io.Writer
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
		zap.Fields(zap.String("source", p)),
	}

	de := zap.NewDevelopmentEncoderConfig()
	fileEncoder := zapcore.NewJSONEncoder(de)
	consoleEncoder := zapcore.NewConsoleEncoder(de)
	core := zapcore.NewTee(
		zapcore.NewCore(fileEncoder, zapcore.AddSync(c.writer), level),
		zapcore.NewCore(consoleEncoder, zapcore.AddSync(os.Stdout), level),
	)
	logger := zap.New(core, opts...)
	sugar := logger.Sugar()
	return sugar
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

func WithTokenLifetimeBoundsSec(min, max uint64) Option {
	return func(c *Config) {
		c.TokenLifetimeMinSec = min
		c.TokenLifetimeMaxSec = max
	}
}

func WithTokenMaxUseCount(n uint64) Option {
	return func(c *Config) {
		c.TokenMaxUseCount = n
	}
}

func WithWorldwideGroupSizeBounds(min, max int) Option {
	return func(c *Config) {
		c.WorldwideGroupSizeMin = min
		c.WorldwideGroupSizeMax = max
	}
}

func WithEnvironmentDefaultTTLSec(n uint64) Option {
	return func(c *Config) {
		c.EnvironmentDefaultTTLSec = n
	}
}

func WithAPNS(certPath, topic string) Option {
	return func(c *Config) {
		c.APNSCertPath = certPath
		c.APNSTopic = topic
	}
}

func WithGCM(apiKey, endpoint string) Option {
	return func(c *Config) {
		c.GCMAPIKey = apiKey
		c.GCMEndpoint = endpoint
	}
}

func NewConfig(opts ...Option) *Config {
	c := &Config{
		Debug:         os.Getenv("DEBUG") == "1",
		LoggingPrefix: "",
		RootDir:       ".",

		TokenLifetimeMinSec: 60,
		TokenLifetimeMaxSec: 7 * 24 * 3600,
		TokenMaxUseCount:    50,
		TokenSecretAttempts: 10,

		WorldwideGroupSizeMin: 10,
		WorldwideGroupSizeMax: 20,

		EnvironmentDefaultTTLSec: 3600,

		GCMEndpoint: "https://fcm.googleapis.com/fcm/send",

		writer: nil,
	}
	for _, o := range opts {
		o(c)
	}

	writer := &lumberjack.Logger{
		Filename:   filepath.Join(c.RootDir, "out.log"),
		MaxSize:    500, // megabytes
		MaxBackups: 3,
		MaxAge:     28,   // days
		Compress:   true, // disabled by default
	}
	c.writer = writer
	return c
}

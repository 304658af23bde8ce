// Package runner holds process configuration and the shared service core the
// run modes are built from.
package runner

import (
	"context"
	"errors"
	"flag"
	"os"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/inlethq/inlet/tlmt"
	"github.com/inlethq/inlet/tlmt/gonoop"
	"github.com/inlethq/inlet/tlmt/goposthog"
)

const (
	RunModeWeb = iota + 1
	RunModeWorker
	RunModeMigrate
)

var (
	ErrInvalidRunMode = errors.New("invalid run mode")

	// ErrMissingConfig is the fatal-at-startup configuration error class.
	ErrMissingConfig = errors.New("missing required configuration")
)

type Runner interface {
	Run(context.Context) error
	Close(context.Context) error
}

type ProviderCredentials struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
}

func (c ProviderCredentials) Configured() bool {
	return c.ClientID != "" && c.ClientSecret != ""
}

type Config struct {
	Addr             string
	Dsn              string
	RedisAddr        string
	RedisPassword    string
	RedisDB          int
	Workers          int
	SyncConcurrency  int
	Debug            bool
	DisableTelemetry bool
	RunMode          int

	EncryptionKey string

	Gmail      ProviderCredentials
	GmailTopic string
	Slack      ProviderCredentials
}

func ParseConfig() *Config {
	cfg := Config{}

	var (
		worker  bool
		migrate bool
	)

	flag.StringVar(&cfg.Addr, "addr", ":8080", "address to listen on for the web server")
	flag.StringVar(&cfg.Dsn, "dsn", "", "postgres connection string [falls back to DATABASE_URL]")
	flag.StringVar(&cfg.RedisAddr, "redis-addr", "", "redis address for the task queue [falls back to REDIS_ADDR; empty runs syncs inline]")
	flag.IntVar(&cfg.Workers, "workers", 10, "task worker concurrency")
	flag.IntVar(&cfg.SyncConcurrency, "sync-concurrency", 4, "per-sync item fetch concurrency")
	flag.BoolVar(&cfg.Debug, "debug", false, "enable debug logging")
	flag.BoolVar(&worker, "worker", false, "run the task worker instead of the web server")
	flag.BoolVar(&migrate, "migrate", false, "apply database migrations and exit")

	flag.Parse()

	if cfg.Dsn == "" {
		cfg.Dsn = os.Getenv("DATABASE_URL")
	}

	if cfg.RedisAddr == "" {
		cfg.RedisAddr = os.Getenv("REDIS_ADDR")
	}

	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")

	if raw := os.Getenv("REDIS_DB"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.RedisDB = v
		}
	}

	cfg.EncryptionKey = os.Getenv("ENCRYPTION_KEY")
	cfg.DisableTelemetry = os.Getenv("DISABLE_TELEMETRY") == "1"

	cfg.Gmail = ProviderCredentials{
		ClientID:     os.Getenv("GMAIL_CLIENT_ID"),
		ClientSecret: os.Getenv("GMAIL_CLIENT_SECRET"),
		RedirectURL:  os.Getenv("GMAIL_REDIRECT_URL"),
	}
	cfg.GmailTopic = os.Getenv("GMAIL_PUBSUB_TOPIC")

	cfg.Slack = ProviderCredentials{
		ClientID:     os.Getenv("SLACK_CLIENT_ID"),
		ClientSecret: os.Getenv("SLACK_CLIENT_SECRET"),
		RedirectURL:  os.Getenv("SLACK_REDIRECT_URL"),
	}

	switch {
	case migrate:
		cfg.RunMode = RunModeMigrate
	case worker:
		cfg.RunMode = RunModeWorker
	default:
		cfg.RunMode = RunModeWeb
	}

	return &cfg
}

// NewLogger builds the process-wide zap logger.
func NewLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}

	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapTimeEncoder

	return cfg.Build()
}

func zapTimeEncoder(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString(t.UTC().Format(time.RFC3339))
}

var (
	telemetryOnce sync.Once
	telemetry     tlmt.Telemetry
)

// Telemetry returns the process-wide telemetry sink. The first call decides
// the backend; pass Config.DisableTelemetry.
func Telemetry(disabled bool) tlmt.Telemetry {
	telemetryOnce.Do(func() {
		telemetry = newTelemetry(disabled, os.Getenv("POSTHOG_API_KEY"))
	})

	return telemetry
}

func newTelemetry(disabled bool, apiKey string) tlmt.Telemetry {
	if disabled || apiKey == "" {
		return gonoop.New()
	}

	val, err := goposthog.New(apiKey, "https://eu.i.posthog.com")
	if err != nil || val == nil {
		return gonoop.New()
	}

	return val
}

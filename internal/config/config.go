// Package config reads service settings from the environment.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/tendant/tom-education/internal/facility"
	"github.com/tendant/tom-education/internal/store"
	"github.com/tendant/tom-education/internal/timelapse"
	"github.com/tendant/tom-education/internal/upload"
)

// Error reports one invalid setting.
type Error struct {
	Key    string
	Value  string
	Reason string
}

func (e *Error) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("%s: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("invalid %s %q: %s", e.Key, e.Value, e.Reason)
}

type Config struct {
	HTTPAddr string
	LogLevel slog.Level

	Database store.Config
	DataDir  string
	MediaURL string

	QueueMode      string // local or nats
	NATSURL        string
	ProcessSubject string
	ProcessQueue   string
	EventSubject   string
	Workers        int
	QueueSize      int
	JobTimeout     time.Duration

	RedisURL       string
	LeaseTTL       time.Duration
	ReaperSchedule string
	PendingTimeout time.Duration

	Timelapse          timelapse.Settings
	TimelapseGroupName string

	SMTPHost       string
	SMTPPort       int
	SMTPUsername   string
	SMTPPassword   string
	AlertFromEmail string
	AlertsSchedule string

	Facility facility.LCOConfig

	ContentEnabled bool
	Content        upload.ServiceConfig

	IngestDirs []string
}

// Load reads .env when present, then the environment.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		HTTPAddr: getenv("HTTP_ADDR", ":8080"),
		Database: store.Config{
			Driver: getenv("DATABASE_DRIVER", "sqlite"),
			DSN:    getenv("DATABASE_URL", "file:./data/tomedu.db"),
		},
		DataDir:        getenv("DATA_DIR", "./data/media"),
		MediaURL:       getenv("MEDIA_URL", "/media"),
		QueueMode:      getenv("QUEUE_MODE", "local"),
		NATSURL:        getenv("NATS_URL", "nats://127.0.0.1:4222"),
		ProcessSubject: getenv("PROCESS_SUBJECT", "tomedu.jobs"),
		ProcessQueue:   getenv("PROCESS_QUEUE", "tomedu-workers"),
		EventSubject:   getenv("EVENT_SUBJECT", "tomedu.process"),
		RedisURL:       getenv("REDIS_URL", ""),
		ReaperSchedule: getenv("REAPER_SCHEDULE", "@every 30s"),
		Timelapse: timelapse.Settings{
			Format: strings.ToLower(getenv("TIMELAPSE_FORMAT", "gif")),
		},
		TimelapseGroupName: getenv("TIMELAPSE_GROUP_NAME", "Good quality data"),
		SMTPHost:           getenv("SMTP_HOST", "localhost"),
		SMTPUsername:       getenv("SMTP_USERNAME", ""),
		SMTPPassword:       getenv("SMTP_PASSWORD", ""),
		AlertFromEmail:     getenv("ALERT_FROM_EMAIL", ""),
		AlertsSchedule:     getenv("ALERTS_SCHEDULE", "@every 15m"),
		Facility: facility.LCOConfig{
			PortalURL:  getenv("FACILITY_PORTAL_URL", ""),
			ArchiveURL: getenv("FACILITY_ARCHIVE_URL", ""),
			Token:      getenv("FACILITY_TOKEN", ""),
		},
		ContentEnabled: getenvBool("CONTENT_ENABLED", false),
		Content: upload.ServiceConfig{
			DatabaseType:   getenv("CONTENT_DATABASE_TYPE", "postgres"),
			DatabaseURL:    getenv("CONTENT_DATABASE_URL", ""),
			DatabaseSchema: getenv("CONTENT_DATABASE_SCHEMA", "content"),
			DefaultBackend: getenv("DEFAULT_STORAGE_BACKEND", "s3"),
			S3Bucket:       getenv("AWS_S3_BUCKET", "tomedu-content"),
			S3Region:       getenv("AWS_S3_REGION", "us-east-1"),
			S3AccessKey:    getenv("AWS_ACCESS_KEY_ID", ""),
			S3SecretKey:    getenv("AWS_SECRET_ACCESS_KEY", ""),
			S3Endpoint:     getenv("AWS_S3_ENDPOINT", ""),
			S3UseSSL:       getenvBool("AWS_S3_USE_SSL", false),
			S3PathStyle:    getenvBool("AWS_S3_USE_PATH_STYLE", true),
		},
		IngestDirs: splitList(getenv("INGEST_DIRS", "")),
	}

	var err error
	if cfg.LogLevel, err = parseLevel(getenv("LOG_LEVEL", "info")); err != nil {
		return Config{}, err
	}
	if cfg.Workers, err = parsePositiveInt(getenv("WORKERS", "2"), "WORKERS"); err != nil {
		return Config{}, err
	}
	if cfg.QueueSize, err = parsePositiveInt(getenv("QUEUE_SIZE", "64"), "QUEUE_SIZE"); err != nil {
		return Config{}, err
	}
	if cfg.SMTPPort, err = parsePositiveInt(getenv("SMTP_PORT", "25"), "SMTP_PORT"); err != nil {
		return Config{}, err
	}
	if cfg.Timelapse.Size, err = parsePositiveInt(getenv("TIMELAPSE_SIZE", "500"), "TIMELAPSE_SIZE"); err != nil {
		return Config{}, err
	}
	fps := getenv("TIMELAPSE_FPS", "10")
	if cfg.Timelapse.FPS, err = strconv.ParseFloat(fps, 64); err != nil {
		return Config{}, &Error{Key: "TIMELAPSE_FPS", Value: fps, Reason: "not a number"}
	}
	if cfg.JobTimeout, err = getenvDuration("JOB_TIMEOUT", 30*time.Minute); err != nil {
		return Config{}, err
	}
	if cfg.LeaseTTL, err = getenvDuration("LEASE_TTL", time.Minute); err != nil {
		return Config{}, err
	}
	if cfg.PendingTimeout, err = getenvDuration("PENDING_TIMEOUT", 0); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

// Validate reports the first setting that cannot work.
func (c Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return &Error{Key: "DATABASE_DRIVER", Value: c.Database.Driver, Reason: "must be sqlite or postgres"}
	}
	if c.Database.DSN == "" {
		return &Error{Key: "DATABASE_URL", Reason: "required"}
	}
	switch c.QueueMode {
	case "local", "nats":
	default:
		return &Error{Key: "QUEUE_MODE", Value: c.QueueMode, Reason: "must be local or nats"}
	}
	if c.QueueMode == "nats" && c.NATSURL == "" {
		return &Error{Key: "NATS_URL", Reason: "required when QUEUE_MODE is nats"}
	}
	if c.LeaseTTL <= 0 {
		return &Error{Key: "LEASE_TTL", Value: c.LeaseTTL.String(), Reason: "must be positive"}
	}
	if c.PendingTimeout < 0 {
		return &Error{Key: "PENDING_TIMEOUT", Value: c.PendingTimeout.String(), Reason: "must not be negative"}
	}
	if c.Timelapse.FPS <= 0 {
		return &Error{Key: "TIMELAPSE_FPS", Value: strconv.FormatFloat(c.Timelapse.FPS, 'g', -1, 64), Reason: timelapse.MessageBadFPS}
	}
	if err := c.Timelapse.Validate(); err != nil {
		return &Error{Key: "TIMELAPSE_FORMAT", Value: c.Timelapse.Format, Reason: "must be gif, mp4 or webm"}
	}
	if c.ContentEnabled && c.Content.DatabaseURL == "" && c.Content.DatabaseType == "postgres" {
		return &Error{Key: "CONTENT_DATABASE_URL", Reason: "required when CONTENT_ENABLED is true"}
	}
	return nil
}

// Logger builds the service logger at the configured level.
func (c Config) Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: c.LogLevel}))
}

// SQLiteDir is the directory that must exist before a file DSN is opened.
func (c Config) SQLiteDir() string {
	if c.Database.Driver != "sqlite" {
		return ""
	}
	dsn := strings.TrimPrefix(c.Database.DSN, "file:")
	if i := strings.IndexByte(dsn, '?'); i >= 0 {
		dsn = dsn[:i]
	}
	if dsn == "" || dsn == ":memory:" {
		return ""
	}
	return filepath.Dir(dsn)
}

func parseLevel(v string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(v)); err != nil {
		return 0, &Error{Key: "LOG_LEVEL", Value: v, Reason: "must be debug, info, warn or error"}
	}
	return l, nil
}

func parsePositiveInt(value string, name string) (int, error) {
	v, err := strconv.Atoi(value)
	if err != nil {
		return 0, &Error{Key: name, Value: value, Reason: "not an integer"}
	}
	if v <= 0 {
		return 0, &Error{Key: name, Value: value, Reason: "must be greater than zero"}
	}
	return v, nil
}

func getenvDuration(key string, d time.Duration) (time.Duration, error) {
	v := getenv(key, "")
	if v == "" {
		return d, nil
	}
	parsed, err := time.ParseDuration(v)
	if err != nil {
		return 0, &Error{Key: key, Value: v, Reason: "not a duration"}
	}
	return parsed, nil
}

func getenvBool(key string, defaultValue bool) bool {
	val := getenv(key, "")
	if val == "" {
		return defaultValue
	}
	return val == "true"
}

func getenv(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

package upload

import (
	"fmt"
	"log/slog"

	simplecontent "github.com/tendant/simple-content/pkg/simplecontent"
	simpleconfig "github.com/tendant/simple-content/pkg/simplecontent/config"
)

// ServiceConfig selects the simple-content metadata database and storage backend.
type ServiceConfig struct {
	DatabaseType   string
	DatabaseURL    string
	DatabaseSchema string
	DefaultBackend string
	S3Bucket       string
	S3Region       string
	S3AccessKey    string
	S3SecretKey    string
	S3Endpoint     string
	S3UseSSL       bool
	S3PathStyle    bool
}

// NewService builds the simple-content service and returns a Client on top of it.
func NewService(cfg ServiceConfig, logger *slog.Logger) (*Client, error) {
	opts := []simpleconfig.Option{
		simpleconfig.WithDatabase(cfg.DatabaseType, cfg.DatabaseURL),
		simpleconfig.WithDatabaseSchema(cfg.DatabaseSchema),
		simpleconfig.WithDefaultStorage(cfg.DefaultBackend),
	}

	switch cfg.DefaultBackend {
	case "s3":
		opts = append(opts, simpleconfig.WithS3StorageFull(
			"s3",
			cfg.S3Bucket,
			cfg.S3Region,
			cfg.S3AccessKey,
			cfg.S3SecretKey,
			cfg.S3Endpoint,
			cfg.S3UseSSL,
			cfg.S3PathStyle,
		))
	case "memory":
		opts = append(opts, simpleconfig.WithMemoryStorage("memory"))
	default:
		return nil, fmt.Errorf("unsupported content storage backend %q", cfg.DefaultBackend)
	}

	opts = append(opts,
		simpleconfig.WithEventLogging(false),
		simpleconfig.WithStorageDelegatedURLs(),
	)

	contentCfg, err := simpleconfig.Load(opts...)
	if err != nil {
		return nil, fmt.Errorf("load simplecontent config: %w", err)
	}
	backends := make([]string, 0, len(contentCfg.StorageBackends))
	for _, b := range contentCfg.StorageBackends {
		backends = append(backends, fmt.Sprintf("%s(%s)", b.Name, b.Type))
	}
	logger.Info("loaded simplecontent config", "default_backend", contentCfg.DefaultStorageBackend, "storage_backends", backends,
		"database_type", contentCfg.DatabaseType, "schema", contentCfg.DBSchema)

	var svc simplecontent.Service
	svc, err = contentCfg.BuildService()
	if err != nil {
		return nil, fmt.Errorf("build simplecontent service: %w", err)
	}
	return NewClient(svc, contentCfg.DefaultStorageBackend), nil
}

// Package config loads the service configuration from defaults, an optional
// YAML file and CFDI_* environment variables, in that order.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/opensource-finance/cfdi-analytics/internal/domain"
)

// Load builds the configuration. The tier is read first from CFDI_TIER so the
// file and the remaining variables overlay the right defaults.
func Load(path string) (*domain.Config, error) {
	cfg := domain.DefaultConfig()
	if strings.EqualFold(os.Getenv("CFDI_TIER"), string(domain.TierPro)) {
		cfg = domain.ProConfig()
	}

	if path != "" {
		if err := applyFile(cfg, path); err != nil {
			return nil, err
		}
	}

	if err := applyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyFile(cfg *domain.Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

type lookupFunc func(string) (string, bool)

func applyEnv(cfg *domain.Config, lookup lookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = n
		return nil
	}
	flag := func(key string, dst *bool) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = b
		return nil
	}

	str("CFDI_HOST", &cfg.Server.Host)
	if err := num("CFDI_PORT", &cfg.Server.Port); err != nil {
		return err
	}

	str("CFDI_DB_DRIVER", &cfg.Repository.Driver)
	str("CFDI_DB_PATH", &cfg.Repository.SQLitePath)
	str("CFDI_POSTGRES_HOST", &cfg.Repository.PostgresHost)
	if err := num("CFDI_POSTGRES_PORT", &cfg.Repository.PostgresPort); err != nil {
		return err
	}
	str("CFDI_POSTGRES_USER", &cfg.Repository.PostgresUser)
	str("CFDI_POSTGRES_PASSWORD", &cfg.Repository.PostgresPassword)
	str("CFDI_POSTGRES_DB", &cfg.Repository.PostgresDB)
	str("CFDI_POSTGRES_SSLMODE", &cfg.Repository.PostgresSSLMode)

	str("CFDI_REDIS_ADDR", &cfg.Cache.RedisAddr)
	str("CFDI_REDIS_PASSWORD", &cfg.Cache.RedisPassword)
	str("CFDI_NATS_URL", &cfg.EventBus.NATSUrl)
	str("CFDI_NATS_TOKEN", &cfg.EventBus.NATSToken)

	str("CFDI_SANDBOX_RUNTIME", &cfg.Sandbox.Runtime)
	str("CFDI_SANDBOX_DOCKER_BIN", &cfg.Sandbox.DockerBin)
	str("CFDI_SANDBOX_PYTHON_IMAGE", &cfg.Sandbox.PythonImage)
	str("CFDI_SANDBOX_R_IMAGE", &cfg.Sandbox.RImage)
	str("CFDI_SANDBOX_TEMP_DIR", &cfg.Sandbox.TempDir)

	if err := flag("CFDI_S3_ENABLED", &cfg.Storage.Enabled); err != nil {
		return err
	}
	str("CFDI_S3_ENDPOINT", &cfg.Storage.Endpoint)
	str("CFDI_S3_REGION", &cfg.Storage.Region)
	str("CFDI_S3_BUCKET", &cfg.Storage.Bucket)
	str("CFDI_S3_ACCESS_KEY", &cfg.Storage.AccessKey)
	str("CFDI_S3_SECRET_KEY", &cfg.Storage.SecretKey)
	if err := flag("CFDI_S3_PATH_STYLE", &cfg.Storage.PathStyle); err != nil {
		return err
	}

	if err := flag("CFDI_ASYNC_WORKER", &cfg.Worker.Enabled); err != nil {
		return err
	}
	if err := flag("CFDI_TRACING", &cfg.Tracing.Enabled); err != nil {
		return err
	}

	str("CFDI_LOG_LEVEL", &cfg.Logging.Level)
	if v, ok := lookup("CFDI_DEBUG"); ok && v == "true" {
		cfg.Logging.Level = "debug"
	}
	return nil
}

// Validate rejects configurations the service cannot start with.
func Validate(cfg *domain.Config) error {
	switch cfg.Repository.Driver {
	case "sqlite", "postgres", "memory":
	default:
		return fmt.Errorf("unsupported repository driver: %s", cfg.Repository.Driver)
	}
	switch cfg.Sandbox.Runtime {
	case "docker", "local":
	default:
		return fmt.Errorf("unsupported sandbox runtime: %s", cfg.Sandbox.Runtime)
	}
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", cfg.Server.Port)
	}
	for _, level := range []domain.AnalysisLevel{domain.LevelBasic, domain.LevelIntermediate, domain.LevelAdvanced} {
		l, ok := cfg.Sandbox.Limits[level]
		if !ok {
			return fmt.Errorf("missing sandbox limits for level %s", level)
		}
		if l.Timeout <= 0 || l.Timeout > 10*time.Minute {
			return fmt.Errorf("sandbox timeout for level %s out of range: %s", level, l.Timeout)
		}
	}
	if cfg.Storage.Enabled && cfg.Storage.Bucket == "" {
		return fmt.Errorf("storage enabled without a bucket")
	}
	return nil
}

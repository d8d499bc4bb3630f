package objectstore

import (
	"errors"
	"fmt"
	"strings"

	"github.com/loomworks/loom-go/internal/platform/env"
)

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
	Bucket    string
}

func ConfigFromEnv() (Config, error) {
	useSSL, err := env.Bool("LOOM_MINIO_USE_SSL", false)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Endpoint:  env.String("LOOM_MINIO_ENDPOINT", "localhost:9000"),
		AccessKey: env.String("LOOM_MINIO_ACCESS_KEY", "loom"),
		SecretKey: env.String("LOOM_MINIO_SECRET_KEY", "loomminio"),
		Region:    env.String("LOOM_MINIO_REGION", "us-east-1"),
		UseSSL:    useSSL,
		Bucket:    env.String("LOOM_MINIO_BUCKET", "artifacts"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("endpoint is required")
	}
	if strings.TrimSpace(c.AccessKey) == "" {
		return errors.New("access key is required")
	}
	if strings.TrimSpace(c.SecretKey) == "" {
		return errors.New("secret key is required")
	}
	if strings.TrimSpace(c.Region) == "" {
		return errors.New("region is required")
	}
	if strings.TrimSpace(c.Bucket) == "" {
		return errors.New("artifact bucket is required")
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("endpoint must not include scheme: %q", c.Endpoint)
	}
	return nil
}

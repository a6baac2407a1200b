package s3archive

import (
	"errors"
	"fmt"
	"time"

	"github.com/ManuelReschke/payhook/internal/pkg/env"
)

// Config holds S3 dead-letter archive configuration
type Config struct {
	AccessKeyID     string
	SecretAccessKey string
	Region          string
	BucketName      string
	EndpointURL     string // Optional for S3-compatible services
	Prefix          string
	Enabled         bool
}

// LoadConfig loads S3 configuration from environment variables
func LoadConfig() (*Config, error) {
	config := &Config{
		AccessKeyID:     env.GetEnv("S3_ACCESS_KEY_ID", ""),
		SecretAccessKey: env.GetEnv("S3_SECRET_ACCESS_KEY", ""),
		Region:          env.GetEnv("S3_REGION", "us-east-1"),
		BucketName:      env.GetEnv("S3_BUCKET_NAME", ""),
		EndpointURL:     env.GetEnv("S3_ENDPOINT_URL", ""),
		Prefix:          env.GetEnv("S3_ARCHIVE_PREFIX", "dead-letters"),
		Enabled:         env.GetEnvBool("DLQ_ARCHIVE_ENABLED", false),
	}

	// Validate required fields if the archive is enabled
	if config.Enabled {
		if config.AccessKeyID == "" {
			return nil, errors.New("S3_ACCESS_KEY_ID is required when the dead-letter archive is enabled")
		}
		if config.SecretAccessKey == "" {
			return nil, errors.New("S3_SECRET_ACCESS_KEY is required when the dead-letter archive is enabled")
		}
		if config.BucketName == "" {
			return nil, errors.New("S3_BUCKET_NAME is required when the dead-letter archive is enabled")
		}
	}

	return config, nil
}

// IsEnabled returns true if archiving is enabled
func (c *Config) IsEnabled() bool {
	return c.Enabled
}

// ObjectKey returns the archive key for a dead letter. Format: <prefix>/YYYY/MM/<eventId>.json
func (c *Config) ObjectKey(eventID string, failedAt time.Time) string {
	prefix := c.Prefix
	if prefix == "" {
		prefix = "dead-letters"
	}
	failedAt = failedAt.UTC()
	return fmt.Sprintf("%s/%04d/%02d/%s.json", prefix, failedAt.Year(), int(failedAt.Month()), eventID)
}

// Package objectstore publishes result files to an S3-compatible bucket.
package objectstore

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

const envPrefix = "DIFFBENCH_S3_"

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
	Bucket    string
	// Prefix is prepended to object keys, e.g. "nightly/".
	Prefix string
}

// Enabled reports whether publishing was configured at all.
func (c Config) Enabled() bool {
	return strings.TrimSpace(c.Endpoint) != ""
}

// ConfigFromEnv reads DIFFBENCH_S3_* variables. An unset endpoint yields a
// disabled config and no error.
func ConfigFromEnv() (Config, error) {
	useSSL, err := envBool(envPrefix+"USE_SSL", true)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Endpoint:  envString(envPrefix+"ENDPOINT", ""),
		AccessKey: envString(envPrefix+"ACCESS_KEY", ""),
		SecretKey: envString(envPrefix+"SECRET_KEY", ""),
		Region:    envString(envPrefix+"REGION", "us-east-1"),
		UseSSL:    useSSL,
		Bucket:    envString(envPrefix+"BUCKET", "diffbench"),
		Prefix:    envString(envPrefix+"PREFIX", ""),
	}
	if !cfg.Enabled() {
		return cfg, nil
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
		return errors.New("bucket is required")
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("endpoint must not include scheme: %q", c.Endpoint)
	}
	return nil
}

func envString(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func envBool(key string, def bool) (bool, error) {
	if v, ok := os.LookupEnv(key); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return false, fmt.Errorf("parse %s: %w", key, err)
		}
		return b, nil
	}
	return def, nil
}

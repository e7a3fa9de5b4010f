// Package config loads configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all mount configuration.
type Config struct {
	// Host connection
	Host     string
	Port     int
	User     string
	Password string
	KeyFile  string
	Timeout  time.Duration

	// Mount
	MountPoint string

	// Behavior
	SourceDates bool
	ReadOnly    bool

	// Admin endpoint (metrics, cache clear)
	AdminAddr string

	// Logging
	LogLevel  string
	LogFormat string
}

// Load reads configuration from environment variables with defaults.
func Load() (*Config, error) {
	cfg := &Config{
		Host:        envOr("QSYSFS_HOST", ""),
		Port:        envInt("QSYSFS_PORT", 22),
		User:        envOr("QSYSFS_USER", ""),
		Password:    envOr("QSYSFS_PASSWORD", ""),
		KeyFile:     envOr("QSYSFS_KEY_FILE", ""),
		Timeout:     envDuration("QSYSFS_TIMEOUT", 30*time.Second),
		MountPoint:  envOr("QSYSFS_MOUNT_POINT", ""),
		SourceDates: envBool("QSYSFS_SOURCE_DATES", false),
		ReadOnly:    envBool("QSYSFS_READ_ONLY", false),
		AdminAddr:   envOr("QSYSFS_ADMIN_ADDR", ":9090"),
		LogLevel:    envOr("LOG_LEVEL", "info"),
		LogFormat:   envOr("LOG_FORMAT", "json"),
	}

	if cfg.Host == "" {
		return nil, fmt.Errorf("QSYSFS_HOST is required")
	}
	if cfg.User == "" {
		return nil, fmt.Errorf("QSYSFS_USER is required")
	}
	if cfg.MountPoint == "" {
		return nil, fmt.Errorf("QSYSFS_MOUNT_POINT is required")
	}
	if cfg.Password == "" && cfg.KeyFile == "" {
		return nil, fmt.Errorf("one of QSYSFS_PASSWORD or QSYSFS_KEY_FILE is required")
	}

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

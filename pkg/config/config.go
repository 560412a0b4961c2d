// Package config reads process configuration from environment variables with
// typed defaults. Policy knobs (eviction windows, retry bounds, queue sizes)
// are deliberately configurable rather than hard-coded.
package config

import (
	"os"
	"strconv"
	"time"
)

// Get returns an environment variable or default value.
func Get(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// GetInt returns an integer environment variable or default value.
func GetInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

// GetDuration returns a duration environment variable (Go syntax, e.g. "90s")
// or default value.
func GetDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// GetBool returns a boolean environment variable or default value.
func GetBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

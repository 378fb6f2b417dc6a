// Package env reads typed configuration values from the process environment,
// with Docker-secret file indirection for sensitive values.
package env

import (
	"bytes"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

func lookup(key string) (string, bool) {
	v := os.Getenv(key)
	return v, v != ""
}

// GetString returns the value of key, or defaultValue when unset or empty.
func GetString(key, defaultValue string) string {
	if v, ok := lookup(key); ok {
		return v
	}
	return defaultValue
}

// GetStringFromFile resolves key with Docker-secret support: when <key>_FILE
// names a readable file its trimmed contents win, otherwise the plain
// variable is used.
func GetStringFromFile(key, defaultValue string) string {
	if path, ok := lookup(key + "_FILE"); ok {
		if content, err := os.ReadFile(filepath.Clean(path)); err == nil {
			return string(bytes.TrimSpace(content))
		}
	}
	return GetString(key, defaultValue)
}

// GetInt parses key as an integer, returning defaultValue when unset or
// unparseable.
func GetInt(key string, defaultValue int) int {
	if v, ok := lookup(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}

// GetBool parses key with strconv.ParseBool semantics, returning
// defaultValue when unset or unparseable.
func GetBool(key string, defaultValue bool) bool {
	if v, ok := lookup(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultValue
}

// GetDuration parses key with time.ParseDuration, returning defaultValue
// when unset or unparseable.
func GetDuration(key string, defaultValue time.Duration) time.Duration {
	if v, ok := lookup(key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}

// Package env reads configuration values from the process environment.
package env

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// GetString returns the variable's value, or defaultValue when it is unset or empty
func GetString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// Reader reads typed values and keeps every malformed one, so a loader can
// reject the whole configuration instead of quietly running on defaults.
type Reader struct {
	errs []error
}

// String returns the variable's value or defaultValue
func (r *Reader) String(key, defaultValue string) string {
	return GetString(key, defaultValue)
}

// Secret reads key, preferring the file named by key_FILE (Docker secrets)
func (r *Reader) Secret(key, defaultValue string) string {
	path := os.Getenv(key + "_FILE")
	if path == "" {
		return GetString(key, defaultValue)
	}
	content, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s_FILE: %w", key, err))
		return defaultValue
	}
	return string(bytes.TrimSpace(content))
}

func (r *Reader) Int(key string, defaultValue int) int {
	return parse(r, key, defaultValue, strconv.Atoi)
}

func (r *Reader) Bool(key string, defaultValue bool) bool {
	return parse(r, key, defaultValue, strconv.ParseBool)
}

func (r *Reader) Duration(key string, defaultValue time.Duration) time.Duration {
	return parse(r, key, defaultValue, time.ParseDuration)
}

// Err joins every problem seen so far, or returns nil
func (r *Reader) Err() error {
	return errors.Join(r.errs...)
}

func parse[T any](r *Reader, key string, defaultValue T, fn func(string) (T, error)) T {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	value, err := fn(raw)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: invalid value %q", key, raw))
		return defaultValue
	}
	return value
}

// Package config reads service configuration. Keys are dot separated
// ("ledger.driver"); every key can be overridden from the environment.
package config

import (
	"io"
	"time"
)

// Config is a read-only view over the loaded configuration. Missing keys
// yield zero values.
type Config interface {
	io.Closer

	GetBool(key string) bool
	GetInt(key string) int
	GetInt64(key string) int64
	GetFloat64(key string) float64
	GetString(key string) string

	// GetDuration parses Go duration strings such as "250ms" or "5m".
	// Bare integers are read as seconds.
	GetDuration(key string) time.Duration

	// GetSecond reads an integer number of seconds.
	GetSecond(key string) time.Duration

	// GetArray accepts either a YAML list or a comma separated string.
	// Blank elements are dropped.
	GetArray(key string) []string

	// GetMap accepts either a YAML mapping or "k1:v1,k2:v2".
	GetMap(key string) map[string]string
}

// Package config defines the application configuration structure and
// loading, including the enumerated per-queue policy surface.
package config

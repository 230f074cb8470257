// Package metrics provides optional Prometheus metrics for the VFS.
//
// All metrics are opt-in: if InitRegistry is never called, the
// constructors return nil and the VFS skips collection entirely.
//
// Usage:
//
//	// Initialize global registry (typically in main.go)
//	metrics.InitRegistry()
//
//	// Create the metrics sink for a vfs.Context
//	ctx := vfs.NewContext(metrics.NewVfsMetrics())
//
//	// Or pass nil for no collection
//	ctx := vfs.NewContext(nil)
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// registry is the global Prometheus registry.
	// Protected by registryOnce for write-once, read-many access.
	registry     *prometheus.Registry
	registryOnce sync.Once
)

// InitRegistry initializes the global Prometheus registry.
//
// This must be called before creating any metrics instances. It is safe
// to call multiple times; subsequent calls are ignored.
//
// If not called, GetRegistry returns nil and all metrics constructors
// return nil sinks.
func InitRegistry() {
	registryOnce.Do(func() {
		registry = prometheus.NewRegistry()
	})
}

// GetRegistry returns the global Prometheus registry.
//
// Returns nil if InitRegistry has not been called, indicating metrics
// are disabled.
//
// Thread safety:
// Safe to call concurrently. The sync.Once in InitRegistry provides a
// happens-before relationship ensuring the registry value is visible.
func GetRegistry() *prometheus.Registry {
	return registry
}

// IsEnabled returns true if metrics collection is enabled.
//
// Metrics are enabled if InitRegistry has been called.
func IsEnabled() bool {
	return GetRegistry() != nil
}

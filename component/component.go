// Package component defines the contracts shared by the pipeline's
// long-running parts: lifecycle management, health reporting, and data flow
// metrics. The receiver, store, and engine all implement LifecycleComponent
// so the entrypoint can start and stop them uniformly.
package component

import (
	"context"
	"time"
)

// Metadata describes what a component is.
type Metadata struct {
	Name        string `json:"name"`
	Type        string `json:"type"` // "input", "storage", "engine", "output"
	Description string `json:"description"`
	Version     string `json:"version"`
}

// Component is the inspection surface every pipeline component exposes.
type Component interface {
	// Meta returns basic component information.
	Meta() Metadata

	// Health returns the current health status.
	Health() HealthStatus

	// DataFlow returns current throughput metrics.
	DataFlow() FlowMetrics
}

// LifecycleComponent is a Component with managed startup and shutdown:
//
//	Initialize() error                  // allocate resources, no context
//	Start(ctx context.Context) error    // begin work, ctx bounds its life
//	Stop(timeout time.Duration) error   // graceful shutdown within timeout
type LifecycleComponent interface {
	Component
	Initialize() error
	Start(ctx context.Context) error
	Stop(timeout time.Duration) error
}

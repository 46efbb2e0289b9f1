package api

import "github.com/mattjoyce/rendergate/internal/history"

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status         string `json:"status"`
	UptimeSeconds  int64  `json:"uptime_seconds"`
	BindingsLoaded int    `json:"bindings_loaded"`
}

// BindingSummary is one entry in GET /bindings.
type BindingSummary struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Params      []string `json:"params"`
}

// BindingListResponse is returned by GET /bindings.
type BindingListResponse struct {
	Bindings []BindingSummary `json:"bindings"`
}

// BatchListResponse is returned by GET /batches.
type BatchListResponse struct {
	Batches []history.Batch `json:"batches"`
}

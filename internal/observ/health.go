package observ

import (
	"encoding/json"
	"net/http"
	"time"
)

// Component health values
const (
	StatusHealthy  = "healthy"
	StatusDegraded = "degraded"
	StatusFailed   = "failed"
)

// ComponentStatus is the health of one dependency or subsystem
type ComponentStatus struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// Status is the document served on /status and /health
type Status struct {
	Status         string                     `json:"status"`
	Timestamp      string                     `json:"timestamp"`
	Uptime         string                     `json:"uptime"`
	Version        string                     `json:"version"`
	Components     map[string]ComponentStatus `json:"components"`
	Equity         float64                    `json:"equity"`
	CircuitBreaker any                        `json:"circuitBreaker"`
}

// StatusSource fills in the domain parts of the status document
type StatusSource interface {
	Components() map[string]ComponentStatus
	Equity() float64
	BreakerStatus() any
}

var (
	startTime = time.Now()
	version   = "dev" // Set via build flags
)

// SetVersion sets the version string for health reports
func SetVersion(v string) {
	version = v
}

// BuildStatus assembles the status document; overall status is the worst component status
func BuildStatus(src StatusSource) Status {
	components := src.Components()
	overall := StatusHealthy
	for _, c := range components {
		switch c.Status {
		case StatusFailed:
			overall = StatusFailed
		case StatusDegraded:
			if overall != StatusFailed {
				overall = StatusDegraded
			}
		}
	}
	return Status{
		Status:         overall,
		Timestamp:      time.Now().UTC().Format(time.RFC3339),
		Uptime:         time.Since(startTime).Round(time.Second).String(),
		Version:        version,
		Components:     components,
		Equity:         src.Equity(),
		CircuitBreaker: src.BreakerStatus(),
	}
}

// HealthHandler serves the status document with 206 when degraded and 503 when failed
func HealthHandler(src StatusSource) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		health := BuildStatus(src)

		statusCode := http.StatusOK
		switch health.Status {
		case StatusDegraded:
			statusCode = http.StatusPartialContent
		case StatusFailed:
			statusCode = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(statusCode)
		_ = json.NewEncoder(w).Encode(health)
	})
}

package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// Health returns basic health check
func Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status": "ok",
	})
}

// HealthCheckResult represents the result of a health check
type HealthCheckResult struct {
	Status    string         `json:"status"`
	LatencyMs int64          `json:"latency_ms,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// Checker reports the health of one dependency.
type Checker func(ctx context.Context) HealthCheckResult

// BrokerStatus is implemented by the event publisher connection.
type BrokerStatus interface {
	IsClosed() bool
}

// CheckBroker reports whether the broker connection is open.
func CheckBroker(b BrokerStatus) Checker {
	return func(ctx context.Context) HealthCheckResult {
		if b.IsClosed() {
			return HealthCheckResult{Status: "down", Error: "connection closed"}
		}
		return HealthCheckResult{Status: "up"}
	}
}

// SessionCounter is implemented by the session store.
type SessionCounter interface {
	Len() int
}

// CheckSessions always reports up and exposes the live session count.
func CheckSessions(s SessionCounter) Checker {
	return func(ctx context.Context) HealthCheckResult {
		return HealthCheckResult{Status: "up", Metadata: map[string]any{"sessions": s.Len()}}
	}
}

// Ready runs every checker in parallel and answers 503 unless all are up.
func Ready(checks map[string]Checker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		type named struct {
			name   string
			result HealthCheckResult
		}
		results := make(chan named, len(checks))
		for name, check := range checks {
			go func() {
				start := time.Now()
				res := check(ctx)
				if res.LatencyMs == 0 {
					res.LatencyMs = time.Since(start).Milliseconds()
				}
				results <- named{name: name, result: res}
			}()
		}

		out := make(map[string]HealthCheckResult, len(checks))
		allHealthy := true
		for range checks {
			n := <-results
			out[n.name] = n.result
			if n.result.Status != "up" {
				allHealthy = false
			}
		}

		response := map[string]any{
			"timestamp": time.Now().Format(time.RFC3339),
			"checks":    out,
		}
		status := http.StatusOK
		response["status"] = "ready"
		if !allHealthy {
			status = http.StatusServiceUnavailable
			response["status"] = "not_ready"
		}
		writeJSON(w, status, response)
	}
}

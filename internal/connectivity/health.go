package connectivity

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// HealthChecker decides connectivity by polling a health endpoint. Any HTTP
// response counts as online; only transport failures count as offline.
type HealthChecker struct {
	URL      string
	Interval time.Duration
	Client   *http.Client
	Monitor  *Monitor
}

// Check performs one check and updates the monitor.
func (h *HealthChecker) Check(ctx context.Context) bool {
	client := h.Client
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	online := false
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, h.URL, nil)
	if err == nil {
		resp, err := client.Do(req)
		if err == nil {
			resp.Body.Close()
			online = true
		} else if ctx.Err() == nil {
			slog.Debug("health check failed", "url", h.URL, "error", err)
		}
	}
	if ctx.Err() != nil {
		return h.Monitor.Online()
	}
	h.Monitor.Set(online)
	return online
}

// Run checks immediately and then every Interval until ctx is done.
func (h *HealthChecker) Run(ctx context.Context) error {
	interval := h.Interval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	h.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			h.Check(ctx)
		}
	}
}

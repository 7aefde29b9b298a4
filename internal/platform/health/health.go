// Package health provides health check functionality for services
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/linkflow-ai/migrator/internal/platform/resilience"
)

// Status represents the health status
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
)

// Check is the outcome of a single health check
type Check struct {
	Name      string `json:"name"`
	Status    Status `json:"status"`
	Critical  bool   `json:"critical"`
	Message   string `json:"message,omitempty"`
	LatencyMs int64  `json:"latency_ms"`
}

// Response is the health check response
type Response struct {
	Status        Status            `json:"status"`
	Timestamp     time.Time         `json:"timestamp"`
	Version       string            `json:"version,omitempty"`
	Service       string            `json:"service,omitempty"`
	Checks        map[string]*Check `json:"checks,omitempty"`
	UptimeSeconds int64             `json:"uptime_seconds"`
}

// Checker is a function that performs a health check
type Checker func(ctx context.Context) error

type registered struct {
	checker  Checker
	critical bool
}

// Handler manages health checks for a service. A failing critical check makes
// the service unhealthy; a failing non-critical check only degrades it.
type Handler struct {
	mu        sync.RWMutex
	checks    map[string]registered
	service   string
	version   string
	startTime time.Time
	now       func() time.Time
}

// NewHandler creates a new health handler
func NewHandler(service, version string) *Handler {
	return &Handler{
		checks:    make(map[string]registered),
		service:   service,
		version:   version,
		startTime: time.Now(),
		now:       time.Now,
	}
}

// AddCheck registers a critical health check
func (h *Handler) AddCheck(name string, checker Checker) {
	h.add(name, checker, true)
}

// AddNonCriticalCheck registers a check that degrades but never fails readiness
func (h *Handler) AddNonCriticalCheck(name string, checker Checker) {
	h.add(name, checker, false)
}

func (h *Handler) add(name string, checker Checker, critical bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = registered{checker: checker, critical: critical}
}

// Check runs all health checks concurrently and returns the result
func (h *Handler) Check(ctx context.Context) *Response {
	h.mu.RLock()
	checks := make(map[string]registered, len(h.checks))
	for name, c := range h.checks {
		checks[name] = c
	}
	h.mu.RUnlock()

	now := h.now()
	resp := &Response{
		Status:        StatusHealthy,
		Timestamp:     now,
		Version:       h.version,
		Service:       h.service,
		Checks:        make(map[string]*Check, len(checks)),
		UptimeSeconds: int64(now.Sub(h.startTime).Seconds()),
	}

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for name, c := range checks {
		wg.Add(1)
		go func(name string, c registered) {
			defer wg.Done()

			start := time.Now()
			err := c.checker(ctx)
			check := &Check{
				Name:      name,
				Status:    StatusHealthy,
				Critical:  c.critical,
				LatencyMs: time.Since(start).Milliseconds(),
			}
			if err != nil {
				check.Message = err.Error()
				check.Status = StatusDegraded
				if c.critical {
					check.Status = StatusUnhealthy
				}
			}

			mu.Lock()
			defer mu.Unlock()
			resp.Checks[name] = check
			switch {
			case check.Status == StatusUnhealthy:
				resp.Status = StatusUnhealthy
			case check.Status == StatusDegraded && resp.Status == StatusHealthy:
				resp.Status = StatusDegraded
			}
		}(name, c)
	}
	wg.Wait()
	return resp
}

// LivenessHandler answers as long as the process serves HTTP
func (h *Handler) LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
	}
}

// ReadinessHandler runs every check. Degraded still counts as ready.
func (h *Handler) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		resp := h.Check(ctx)
		status := http.StatusOK
		if resp.Status == StatusUnhealthy {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, resp)
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// Common health checkers

// PingChecker adapts a ping function such as a database or Redis ping
func PingChecker(ping func(ctx context.Context) error) Checker {
	return func(ctx context.Context) error {
		return ping(ctx)
	}
}

// DiskChecker fails when the filesystem holding path is fuller than maxUsedPercent
func DiskChecker(path string, maxUsedPercent float64) Checker {
	return func(ctx context.Context) error {
		usage, err := disk.UsageWithContext(ctx, path)
		if err != nil {
			return fmt.Errorf("failed to read disk usage: %w", err)
		}
		if usage.UsedPercent > maxUsedPercent {
			return fmt.Errorf("disk %s is %.1f%% full", path, usage.UsedPercent)
		}
		return nil
	}
}

// MemoryChecker fails when system memory use exceeds maxUsedPercent
func MemoryChecker(maxUsedPercent float64) Checker {
	return func(ctx context.Context) error {
		vm, err := mem.VirtualMemoryWithContext(ctx)
		if err != nil {
			return fmt.Errorf("failed to read memory usage: %w", err)
		}
		if vm.UsedPercent > maxUsedPercent {
			return fmt.Errorf("memory is %.1f%% used", vm.UsedPercent)
		}
		return nil
	}
}

// BreakerChecker fails while any breaker of the registry is open. Each open
// breaker is reported with the consecutive failures that tripped it.
func BreakerChecker(breakers *resilience.Registry) Checker {
	return func(context.Context) error {
		var open []string
		for _, s := range breakers.Stats() {
			if s.State == resilience.StateOpen.String() {
				open = append(open, fmt.Sprintf("%s (%d failures)", s.Name, s.Failures))
			}
		}
		if len(open) > 0 {
			sort.Strings(open)
			return fmt.Errorf("circuit open: %s", strings.Join(open, ", "))
		}
		return nil
	}
}

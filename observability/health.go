package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Status represents the health status
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult is the outcome of one health check
type CheckResult struct {
	Name     string        `json:"name"`
	Status   Status        `json:"status"`
	Message  string        `json:"message,omitempty"`
	Duration time.Duration `json:"duration"`
}

// OverallHealth combines every check
type OverallHealth struct {
	Status    Status                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks"`
}

// Checker defines the interface for health checks
type Checker interface {
	Name() string
	Check(ctx context.Context) CheckResult
}

// ConnectionStatus is implemented by anything with a broker connection
type ConnectionStatus interface {
	IsConnected() bool
}

type connectionChecker struct {
	name string
	conn ConnectionStatus
}

// ConnectionChecker reports unhealthy while conn is disconnected
func ConnectionChecker(name string, conn ConnectionStatus) Checker {
	return &connectionChecker{name: name, conn: conn}
}

func (c *connectionChecker) Name() string {
	return c.name
}

func (c *connectionChecker) Check(ctx context.Context) CheckResult {
	if c.conn.IsConnected() {
		return CheckResult{Name: c.name, Status: StatusHealthy}
	}
	return CheckResult{Name: c.name, Status: StatusUnhealthy, Message: "not connected"}
}

// Health runs registered checks and serves the result over HTTP
type Health struct {
	timeout time.Duration

	mu       sync.RWMutex
	checkers []Checker
}

// NewHealth creates a health registry whose checks share timeout
func NewHealth(timeout time.Duration) *Health {
	return &Health{timeout: timeout}
}

// Register adds a checker
func (h *Health) Register(c Checker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checkers = append(h.checkers, c)
}

// Check runs all checks concurrently. A check that does not finish in time
// counts as unhealthy.
func (h *Health) Check(ctx context.Context) OverallHealth {
	h.mu.RLock()
	checkers := append([]Checker(nil), h.checkers...)
	h.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	results := make(chan CheckResult, len(checkers))
	for _, c := range checkers {
		go func(c Checker) {
			start := time.Now()
			r := c.Check(ctx)
			r.Name = c.Name()
			r.Duration = time.Since(start)
			results <- r
		}(c)
	}

	overall := OverallHealth{Status: StatusHealthy, Checks: make(map[string]CheckResult, len(checkers))}
	for range checkers {
		var r CheckResult
		select {
		case r = <-results:
		case <-ctx.Done():
			r = CheckResult{Status: StatusUnhealthy, Message: "check timed out"}
		}
		if r.Name == "" {
			r.Name = missing(checkers, overall.Checks)
		}
		overall.Checks[r.Name] = r
		overall.Status = worse(overall.Status, r.Status)
	}
	overall.Timestamp = time.Now()
	return overall
}

func missing(checkers []Checker, done map[string]CheckResult) string {
	names := make([]string, 0, len(checkers))
	for _, c := range checkers {
		if _, ok := done[c.Name()]; !ok {
			names = append(names, c.Name())
		}
	}
	sort.Strings(names)
	if len(names) == 0 {
		return "unknown"
	}
	return names[0]
}

func worse(a, b Status) Status {
	rank := map[Status]int{StatusHealthy: 0, StatusDegraded: 1, StatusUnhealthy: 2}
	if rank[b] > rank[a] {
		return b
	}
	return a
}

// Handler serves /healthz (liveness) and /readyz (all checks)
func (h *Health) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		health := h.Check(r.Context())
		code := http.StatusOK
		if health.Status == StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, health)
	})
	return mux
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

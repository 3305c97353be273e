// Package health provides a registry of named subsystem health checkers.
package health

import (
	"context"
	"database/sql"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// DefaultTimeout bounds each individual check.
const DefaultTimeout = 3 * time.Second

// Status represents the health of a single subsystem.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	// Critical subsystems fail readiness; others only degrade /health.
	Critical bool   `json:"critical"`
	Detail   string `json:"detail,omitempty"`
}

// Checker is a function that checks the health of a subsystem.
type Checker func(ctx context.Context) Status

// Registry holds named health checkers and runs them on demand.
type Registry struct {
	mu       sync.RWMutex
	checkers []namedChecker
	timeout  time.Duration
}

type namedChecker struct {
	name  string
	check Checker
}

// NewRegistry creates a new health check registry.
func NewRegistry() *Registry {
	return &Registry{timeout: DefaultTimeout}
}

// WithTimeout overrides the per-check timeout.
func (r *Registry) WithTimeout(d time.Duration) *Registry {
	if d > 0 {
		r.timeout = d
	}
	return r
}

// Register adds a named health checker.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	r.checkers = append(r.checkers, namedChecker{name: name, check: check})
	r.mu.Unlock()
}

// CheckAll runs all registered checkers concurrently. healthy is false when
// any check fails; ready is false only when a critical check fails.
func (r *Registry) CheckAll(ctx context.Context) (healthy, ready bool, statuses []Status) {
	r.mu.RLock()
	checkers := make([]namedChecker, len(r.checkers))
	copy(checkers, r.checkers)
	r.mu.RUnlock()

	statuses = make([]Status, len(checkers))
	var wg sync.WaitGroup
	for i, nc := range checkers {
		wg.Add(1)
		go func(i int, nc namedChecker) {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, r.timeout)
			defer cancel()
			st := nc.check(cctx)
			if st.Name == "" {
				st.Name = nc.name
			}
			statuses[i] = st
		}(i, nc)
	}
	wg.Wait()

	healthy, ready = true, true
	for _, st := range statuses {
		if st.Healthy {
			continue
		}
		healthy = false
		if st.Critical {
			ready = false
		}
	}
	return healthy, ready, statuses
}

// Ping adapts any "ping" style call into a Checker.
func Ping(name string, critical bool, ping func(ctx context.Context) error) Checker {
	return func(ctx context.Context) Status {
		st := Status{Name: name, Healthy: true, Critical: critical}
		if err := ping(ctx); err != nil {
			st.Healthy = false
			st.Detail = err.Error()
		}
		return st
	}
}

// Database checks a SQL connection pool. The store is always critical.
func Database(db *sql.DB) Checker {
	return Ping("database", true, db.PingContext)
}

// Response is the body of GET /health.
type Response struct {
	Status    string   `json:"status"`
	Checks    []Status `json:"checks"`
	Timestamp string   `json:"timestamp"`
}

// Handler serves the aggregate report: 200 when every check passes or only
// non-critical ones fail ("degraded"), 503 when a critical one fails.
func (r *Registry) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		healthy, ready, statuses := r.CheckAll(c.Request.Context())

		status, code := "healthy", http.StatusOK
		switch {
		case !ready:
			status, code = "unhealthy", http.StatusServiceUnavailable
		case !healthy:
			status = "degraded"
		}

		c.JSON(code, Response{
			Status:    status,
			Checks:    statuses,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		})
	}
}

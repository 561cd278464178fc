package health

import (
	"sync"
	"time"

	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// CheckFunc is a function that performs a health check
type CheckFunc func() error

// Check represents a single health check result
type Check struct {
	Name        string
	Status      healthpb.HealthCheckResponse_ServingStatus
	Message     string
	LastChecked time.Time
}

// Checker manages health checks for a node and feeds the grpc health
// server's serving status for the admin surface.
type Checker struct {
	mu          sync.RWMutex
	checks      map[string]*Check
	lastHealthy time.Time
}

// NewChecker creates a new health checker
func NewChecker() *Checker {
	return &Checker{
		checks:      make(map[string]*Check),
		lastHealthy: time.Now(),
	}
}

// RunCheck executes a health check and updates the status
func (c *Checker) RunCheck(name string, checkFunc CheckFunc) {
	status := healthpb.HealthCheckResponse_SERVING
	message := "OK"

	if err := checkFunc(); err != nil {
		status = healthpb.HealthCheckResponse_NOT_SERVING
		message = err.Error()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.checks[name] = &Check{
		Name:        name,
		Status:      status,
		Message:     message,
		LastChecked: time.Now(),
	}

	if c.isHealthy() {
		c.lastHealthy = time.Now()
	}
}

// GetOverallStatus returns the status to report from the grpc health
// service's Check/Watch RPCs.
func (c *Checker) GetOverallStatus() healthpb.HealthCheckResponse_ServingStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(c.checks) == 0 {
		return healthpb.HealthCheckResponse_SERVING
	}
	if c.isHealthy() {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}

// GetAllChecks returns all health check results
func (c *Checker) GetAllChecks() []*Check {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var checks []*Check
	for _, check := range c.checks {
		checkCopy := *check
		checks = append(checks, &checkCopy)
	}

	return checks
}

// GetLastHealthyTime returns the last time all checks were healthy
func (c *Checker) GetLastHealthyTime() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastHealthy
}

func (c *Checker) isHealthy() bool {
	for _, check := range c.checks {
		if check.Status != healthpb.HealthCheckResponse_SERVING {
			return false
		}
	}
	return true
}

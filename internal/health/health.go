// Package health provides health checks for the configured resources and the
// coordinator. Each resource is probed by opening and closing one physical
// connection through its datasource factory.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/joao-brasil/xapool/internal/pool"
	"github.com/rs/zerolog"
)

// Status represents the health status of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

// ComponentHealth represents the health of a single component.
type ComponentHealth struct {
	Name    string `json:"name"`
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
	Latency string `json:"latency"`
}

// Report is the overall health report.
type Report struct {
	Status     Status            `json:"status"`
	Timestamp  string            `json:"timestamp"`
	InstanceID string            `json:"instance_id"`
	Components []ComponentHealth `json:"components"`
}

// Checker performs health checks against the configured resources.
type Checker struct {
	instanceID string
	factories  map[string]pool.ConnectionFactory
	redisPing  func(ctx context.Context) error
	log        zerolog.Logger
}

// NewChecker creates a health checker. redisPing may be nil when the
// coordinator is disabled.
func NewChecker(instanceID string, factories map[string]pool.ConnectionFactory, redisPing func(ctx context.Context) error, log zerolog.Logger) *Checker {
	return &Checker{
		instanceID: instanceID,
		factories:  factories,
		redisPing:  redisPing,
		log:        log.With().Str("component", "health").Logger(),
	}
}

// Check probes all components concurrently and returns a report.
func (c *Checker) Check(ctx context.Context) *Report {
	report := &Report{
		Status:     StatusHealthy,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		InstanceID: c.instanceID,
	}

	var (
		mu         sync.Mutex
		wg         sync.WaitGroup
		components []ComponentHealth
	)

	if c.redisPing != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ch := c.checkRedis(ctx)
			mu.Lock()
			components = append(components, ch)
			mu.Unlock()
		}()
	}

	for name, factory := range c.factories {
		wg.Add(1)
		go func(name string, factory pool.ConnectionFactory) {
			defer wg.Done()
			ch := c.checkResource(ctx, name, factory)
			mu.Lock()
			components = append(components, ch)
			mu.Unlock()
		}(name, factory)
	}

	wg.Wait()
	report.Components = components

	for _, comp := range components {
		if comp.Status == StatusUnhealthy {
			report.Status = StatusUnhealthy
			break
		}
	}
	return report
}

func (c *Checker) checkRedis(ctx context.Context) ComponentHealth {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := c.redisPing(ctx); err != nil {
		return ComponentHealth{
			Name:    "redis",
			Status:  StatusUnhealthy,
			Message: err.Error(),
			Latency: time.Since(start).String(),
		}
	}
	return ComponentHealth{
		Name:    "redis",
		Status:  StatusHealthy,
		Message: "reachable",
		Latency: time.Since(start).String(),
	}
}

func (c *Checker) checkResource(ctx context.Context, name string, factory pool.ConnectionFactory) ComponentHealth {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	conn, err := factory.CreateXAConnection(ctx)
	if err != nil {
		return ComponentHealth{
			Name:    name,
			Status:  StatusUnhealthy,
			Message: err.Error(),
			Latency: time.Since(start).String(),
		}
	}
	if err := conn.Close(); err != nil {
		c.log.Warn().Err(err).Str("resource", name).Msg("error closing health probe connection")
	}
	return ComponentHealth{
		Name:    name,
		Status:  StatusHealthy,
		Message: "reachable",
		Latency: time.Since(start).String(),
	}
}

// Serve starts an HTTP server exposing the /health endpoint.
func (c *Checker) Serve(port int) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		report := c.Check(r.Context())

		w.Header().Set("Content-Type", "application/json")
		if report.Status == StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		if err := json.NewEncoder(w).Encode(report); err != nil {
			c.log.Warn().Err(err).Msg("error encoding health report")
		}
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			c.log.Error().Err(err).Msg("health server error")
		}
	}()
	return server
}

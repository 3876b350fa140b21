// Package health aggregates per-workflow trigger health and component checks
// and exposes them to probes and the cloud.
package health

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/e7canasta/orion-defect-station/internal/trigger"
)

// Status is the overall service status.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult is the outcome of one component check.
type CheckResult struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// Checker is a named component check (broker connection, executor).
type Checker interface {
	Name() string
	Check(ctx context.Context) CheckResult
}

// CheckFunc adapts a function into a Checker.
type CheckFunc struct {
	CheckName string
	Fn        func(ctx context.Context) CheckResult
}

func (c CheckFunc) Name() string                          { return c.CheckName }
func (c CheckFunc) Check(ctx context.Context) CheckResult { return c.Fn(ctx) }

// WorkflowHealth is the last trigger health seen for a workflow.
type WorkflowHealth struct {
	Status    string    `json:"status"`
	Updated   time.Time `json:"updated"`
	ErrorKind string    `json:"error_kind,omitempty"`
}

// Report is the detailed health document served on /readiness.
type Report struct {
	Status        Status                    `json:"status"`
	Ready         bool                      `json:"ready"`
	DeviceID      string                    `json:"device_id,omitempty"`
	UptimeSeconds int64                     `json:"uptime_seconds"`
	Timestamp     time.Time                 `json:"timestamp"`
	Workflows     map[string]WorkflowHealth `json:"workflows,omitempty"`
	Checks        map[string]CheckResult    `json:"checks,omitempty"`
}

// Listener is notified of every trigger health change.
type Listener interface {
	Publish(workflowID string, h trigger.Health)
}

// Registry collects trigger health reports. It implements
// trigger.HealthReporter and is safe for concurrent use.
type Registry struct {
	deviceID string
	started  time.Time

	mu        sync.RWMutex
	workflows map[string]trigger.Health
	checkers  []Checker
	listeners []Listener
}

// NewRegistry returns an empty registry.
func NewRegistry(deviceID string) *Registry {
	return &Registry{
		deviceID:  deviceID,
		started:   time.Now(),
		workflows: make(map[string]trigger.Health),
	}
}

// RegisterChecker adds a component check.
func (r *Registry) RegisterChecker(c Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkers = append(r.checkers, c)
}

// AddListener forwards future health changes to l.
func (r *Registry) AddListener(l Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, l)
}

// ReportHealth records h for workflowID and notifies listeners.
func (r *Registry) ReportHealth(workflowID string, h trigger.Health) {
	r.mu.Lock()
	r.workflows[workflowID] = h
	listeners := append([]Listener(nil), r.listeners...)
	r.mu.Unlock()

	for _, l := range listeners {
		l.Publish(workflowID, h)
	}
}

// Remove forgets a stopped workflow.
func (r *Registry) Remove(workflowID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.workflows, workflowID)
}

// Workflow returns the last health reported for workflowID.
func (r *Registry) Workflow(workflowID string) (trigger.Health, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.workflows[workflowID]
	return h, ok
}

// Report runs every check and combines them with trigger health.
//
// Any unhealthy check makes the service unhealthy (not ready). An unhealthy
// trigger only degrades it: the other workflows keep capturing.
func (r *Registry) Report(ctx context.Context) Report {
	r.mu.RLock()
	workflows := make(map[string]trigger.Health, len(r.workflows))
	for id, h := range r.workflows {
		workflows[id] = h
	}
	checkers := append([]Checker(nil), r.checkers...)
	r.mu.RUnlock()

	rep := Report{
		Status:        StatusHealthy,
		Ready:         true,
		DeviceID:      r.deviceID,
		UptimeSeconds: int64(time.Since(r.started).Seconds()),
		Timestamp:     time.Now(),
	}

	if len(workflows) > 0 {
		rep.Workflows = make(map[string]WorkflowHealth, len(workflows))
		ids := make([]string, 0, len(workflows))
		for id := range workflows {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			h := workflows[id]
			rep.Workflows[id] = WorkflowHealth{Status: h.Status.String(), Updated: h.Updated, ErrorKind: h.ErrorKind}
			if h.Status == trigger.HealthUnhealthy {
				rep.Status = StatusDegraded
			}
		}
	}

	if len(checkers) > 0 {
		rep.Checks = make(map[string]CheckResult, len(checkers))
		for _, c := range checkers {
			res := c.Check(ctx)
			rep.Checks[c.Name()] = res
			switch res.Status {
			case StatusUnhealthy:
				rep.Status = StatusUnhealthy
				rep.Ready = false
			case StatusDegraded:
				if rep.Status == StatusHealthy {
					rep.Status = StatusDegraded
				}
			}
		}
	}
	return rep
}

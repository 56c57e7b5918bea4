/*
 * Kubarr
 * Copyright (C) 2025  Kubarr Contributors
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

// Package bootstrap drives the first-boot installation of the
// infrastructure components and broadcasts progress to listeners.
package bootstrap

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/kubarr/kubarr/lib/defaults"
	"github.com/kubarr/kubarr/lib/events"
	"github.com/kubarr/kubarr/lib/helm"
	"github.com/kubarr/kubarr/lib/storage"
)

// Event types broadcast while a component installs.
const (
	eventComponentStarted   = "component_started"
	eventComponentProgress  = "component_progress"
	eventComponentCompleted = "component_completed"
	eventComponentFailed    = "component_failed"
	eventBootstrapComplete  = "bootstrap_complete"
)

// Event is a single bootstrap progress message.
type Event struct {
	Type      string `json:"type"`
	Component string `json:"component,omitempty"`
	Message   string `json:"message"`
	Progress  int    `json:"progress,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Config holds parameters for the bootstrap orchestrator.
type Config struct {
	// Storage persists component install state across restarts.
	Storage *storage.Storage
	// Helm deploys the component charts.
	Helm *helm.Driver
	// Events broadcasts progress to connected listeners.
	Events *events.Fanout
	// StoragePath, when set, enables hostPath storage for components.
	StoragePath string
	// Clock is used for health poll pacing.
	Clock clockwork.Clock
	// Log is the orchestrator logger.
	Log *slog.Logger
}

// CheckAndSetDefaults checks and sets default values.
func (c *Config) CheckAndSetDefaults() error {
	if c.Storage == nil {
		return trace.BadParameter("missing parameter Storage")
	}
	if c.Helm == nil {
		return trace.BadParameter("missing parameter Helm")
	}
	if c.Events == nil {
		c.Events = events.NewFanout(0, nil)
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = slog.With("component", "bootstrap")
	}
	return nil
}

// Orchestrator installs the fixed set of infrastructure components in
// parallel and tracks their state in the database. At most one run is in
// flight at a time.
type Orchestrator struct {
	cfg Config

	mu      sync.Mutex
	running bool
}

// NewOrchestrator creates a bootstrap orchestrator.
func NewOrchestrator(cfg Config) (*Orchestrator, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Orchestrator{cfg: cfg}, nil
}

// InitialiseStatus ensures every known component has a pending row.
// Existing rows keep their state, so calling this on every boot is safe.
func (o *Orchestrator) InitialiseStatus(ctx context.Context) error {
	for _, component := range defaults.BootstrapComponents {
		if err := o.cfg.Storage.EnsureComponent(ctx, component.Name, component.DisplayName); err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}

// GetStatus returns the persisted state of all components.
func (o *Orchestrator) GetStatus(ctx context.Context) ([]storage.BootstrapComponent, error) {
	components, err := o.cfg.Storage.ListComponents(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return components, nil
}

// IsComplete reports whether every component is healthy.
func (o *Orchestrator) IsComplete(ctx context.Context) (bool, error) {
	total, _, healthy, err := o.cfg.Storage.CountComponents(ctx)
	if err != nil {
		return false, trace.Wrap(err)
	}
	return total > 0 && healthy == total, nil
}

// HasStarted reports whether any component install was ever started.
func (o *Orchestrator) HasStarted(ctx context.Context) (bool, error) {
	_, started, _, err := o.cfg.Storage.CountComponents(ctx)
	if err != nil {
		return false, trace.Wrap(err)
	}
	return started > 0, nil
}

// Start installs every non-healthy component in parallel and returns once
// all installs have settled. A second call while a run is in flight
// returns AlreadyExists.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return trace.AlreadyExists("bootstrap is already running")
	}
	o.running = true
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.running = false
		o.mu.Unlock()
	}()

	if err := o.InitialiseStatus(ctx); err != nil {
		return trace.Wrap(err)
	}

	// Components install independently: one failure must not cancel its
	// siblings, each is retryable on its own.
	var group errgroup.Group
	for _, component := range defaults.BootstrapComponents {
		group.Go(func() error {
			return o.installComponent(ctx, component.Name)
		})
	}
	err := group.Wait()

	if complete, checkErr := o.IsComplete(ctx); checkErr == nil && complete {
		o.emit(Event{Type: eventBootstrapComplete, Message: "all components are healthy"})
	}
	return trace.Wrap(err)
}

// Retry resets a failed component and installs it again.
func (o *Orchestrator) Retry(ctx context.Context, name string) error {
	component, err := o.cfg.Storage.GetComponent(ctx, name)
	if err != nil {
		return trace.Wrap(err)
	}
	if component.Status != storage.ComponentStatusFailed {
		return trace.BadParameter("component %q is not in a failed state", name)
	}
	if err := o.cfg.Storage.ResetComponent(ctx, name); err != nil {
		return trace.Wrap(err)
	}
	if err := o.installComponent(ctx, name); err != nil {
		return trace.Wrap(err)
	}
	if complete, checkErr := o.IsComplete(ctx); checkErr == nil && complete {
		o.emit(Event{Type: eventBootstrapComplete, Message: "all components are healthy"})
	}
	return nil
}

// installComponent runs the full install sequence for one component:
// deploy the chart, then poll the deployment until it reports healthy.
// Components that are already healthy are skipped.
func (o *Orchestrator) installComponent(ctx context.Context, name string) error {
	current, err := o.cfg.Storage.GetComponent(ctx, name)
	if err != nil {
		return trace.Wrap(err)
	}
	if current.Status == storage.ComponentStatusHealthy {
		return nil
	}

	if err := o.cfg.Storage.MarkComponentInstalling(ctx, name, "installing chart"); err != nil {
		return trace.Wrap(err)
	}
	o.emit(Event{Type: eventComponentStarted, Component: name, Message: "installing chart"})

	if err := o.cfg.Helm.Deploy(ctx, name, nil, o.cfg.StoragePath); err != nil {
		return o.fail(ctx, name, err)
	}
	o.emit(Event{
		Type:      eventComponentProgress,
		Component: name,
		Message:   "waiting for deployment",
		Progress:  50,
	})

	if err := o.waitHealthy(ctx, name); err != nil {
		return o.fail(ctx, name, err)
	}

	if err := o.cfg.Storage.MarkComponentHealthy(ctx, name, "deployment is ready"); err != nil {
		return trace.Wrap(err)
	}
	o.emit(Event{Type: eventComponentCompleted, Component: name, Message: "deployment is ready"})
	o.cfg.Log.InfoContext(ctx, "Bootstrap component is healthy.", "name", name)
	return nil
}

// waitHealthy polls the component's deployments until they are ready,
// advancing the reported progress from 50 towards 99 as attempts pass.
func (o *Orchestrator) waitHealthy(ctx context.Context, name string) error {
	for attempt := 1; attempt <= defaults.HealthPollAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return trace.Wrap(ctx.Err())
		case <-o.cfg.Clock.After(defaults.HealthPollInterval):
		}

		healthy, err := o.cfg.Helm.CheckHealth(ctx, name)
		if err != nil {
			o.cfg.Log.DebugContext(ctx, "Component health check failed, retrying.",
				"name", name, "error", err)
			continue
		}
		if healthy {
			return nil
		}
		progress := 50 + attempt*49/defaults.HealthPollAttempts
		o.emit(Event{
			Type:      eventComponentProgress,
			Component: name,
			Message:   "waiting for deployment",
			Progress:  progress,
		})
	}
	return trace.LimitExceeded("health check timeout for component %q", name)
}

// fail records the failure and broadcasts it; the install error is returned
// so a parallel run reports the first failure.
func (o *Orchestrator) fail(ctx context.Context, name string, installErr error) error {
	message := "install failed"
	if trace.IsLimitExceeded(installErr) {
		message = "health check timeout"
	}
	if err := o.cfg.Storage.MarkComponentFailed(ctx, name, message, installErr.Error()); err != nil {
		o.cfg.Log.ErrorContext(ctx, "Failed to persist component failure.",
			"name", name, "error", err)
	}
	o.emit(Event{
		Type:      eventComponentFailed,
		Component: name,
		Message:   message,
		Error:     installErr.Error(),
	})
	o.cfg.Log.ErrorContext(ctx, "Bootstrap component failed.",
		"name", name, "error", installErr)
	return trace.Wrap(installErr)
}

// Subscribe attaches a listener to the progress broadcast.
func (o *Orchestrator) Subscribe() *events.Subscriber {
	return o.cfg.Events.Subscribe()
}

func (o *Orchestrator) emit(event Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	o.cfg.Events.Emit(payload)
}

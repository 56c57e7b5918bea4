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

package telemetry

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/kubarr/kubarr/lib/defaults"
	"github.com/kubarr/kubarr/lib/events"
)

// BroadcasterConfig holds parameters for the telemetry broadcaster.
type BroadcasterConfig struct {
	// Sampler scrapes the cluster.
	Sampler *Sampler
	// Rates smooths the samples.
	Rates *RateCache
	// Topology discovers the namespace graph.
	Topology *Discoverer
	// Events carries the published messages to WebSocket subscribers.
	Events *events.Fanout
	// Clock paces the sample loop.
	Clock clockwork.Clock
	// Log is the broadcaster logger.
	Log *slog.Logger
}

// CheckAndSetDefaults checks and sets default values.
func (c *BroadcasterConfig) CheckAndSetDefaults() error {
	if c.Sampler == nil {
		return trace.BadParameter("missing parameter Sampler")
	}
	if c.Rates == nil {
		return trace.BadParameter("missing parameter Rates")
	}
	if c.Topology == nil {
		return trace.BadParameter("missing parameter Topology")
	}
	if c.Events == nil {
		c.Events = events.NewFanout(0, nil)
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = slog.With("component", "telemetry")
	}
	return nil
}

// Broadcaster runs the 1 Hz telemetry loop: sample, update rates, and,
// when anyone is listening, discover the topology and publish a
// network_metrics message. The loop keeps sampling with zero subscribers
// so the rate window stays warm; only serialization and fanout are
// elided.
type Broadcaster struct {
	cfg BroadcasterConfig
}

// networkMetricsMessage is the wire shape of one broadcast.
type networkMetricsMessage struct {
	Type      string           `json:"type"`
	Timestamp int64            `json:"timestamp"`
	Topology  Graph            `json:"topology"`
	Stats     []NamespaceStats `json:"stats"`
}

// NewBroadcaster creates a telemetry broadcaster.
func NewBroadcaster(cfg BroadcasterConfig) (*Broadcaster, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Broadcaster{cfg: cfg}, nil
}

// Run drives the sample loop until ctx is canceled.
func (b *Broadcaster) Run(ctx context.Context) {
	ticker := b.cfg.Clock.NewTicker(defaults.SampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			b.tick(ctx)
		}
	}
}

// tick performs one sample-and-publish cycle. Sampling failures (for
// example while the cluster connection is still coming up) are logged at
// debug and the loop continues.
func (b *Broadcaster) tick(ctx context.Context) {
	snapshots, err := b.cfg.Sampler.Sample(ctx)
	if err != nil {
		b.cfg.Log.DebugContext(ctx, "Telemetry sample failed.", "error", err)
		return
	}
	for namespace, snapshot := range snapshots {
		if defaults.IsHiddenNamespace(namespace) {
			continue
		}
		b.cfg.Rates.Observe(namespace, snapshot.Counters, snapshot.PodCount)
	}

	if b.cfg.Events.Count() == 0 {
		return
	}

	stats := b.cfg.Rates.Stats()
	graph, err := b.cfg.Topology.Discover(ctx, stats)
	if err != nil {
		b.cfg.Log.DebugContext(ctx, "Topology discovery failed.", "error", err)
		return
	}
	payload, err := json.Marshal(networkMetricsMessage{
		Type:      "network_metrics",
		Timestamp: b.cfg.Clock.Now().UnixMilli(),
		Topology:  graph,
		Stats:     stats,
	})
	if err != nil {
		b.cfg.Log.WarnContext(ctx, "Failed to serialize telemetry message.", "error", err)
		return
	}
	b.cfg.Events.Emit(payload)
}

// Stats returns the current smoothed per-namespace rates.
func (b *Broadcaster) Stats() []NamespaceStats {
	return b.cfg.Rates.Stats()
}

// Subscribe attaches a listener to the telemetry broadcast.
func (b *Broadcaster) Subscribe() *events.Subscriber {
	return b.cfg.Events.Subscribe()
}

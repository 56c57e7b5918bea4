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
	"bytes"
	"context"
	"log/slog"
	"sync"

	"github.com/gravitational/trace"
	"golang.org/x/sync/errgroup"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/kubarr/kubarr/lib/kube"
)

// ScrapeFunc fetches the raw cAdvisor metrics of one node. Tests
// substitute a fake.
type ScrapeFunc func(ctx context.Context, nodeName string) ([]byte, error)

// SamplerConfig holds parameters for the cAdvisor sampler.
type SamplerConfig struct {
	// Clients is the shared Kubernetes client holder.
	Clients *kube.Clients
	// Scrape fetches one node's metrics. Defaults to the API server's
	// node proxy.
	Scrape ScrapeFunc
	// Log is the sampler logger.
	Log *slog.Logger
}

// CheckAndSetDefaults checks and sets default values.
func (c *SamplerConfig) CheckAndSetDefaults() error {
	if c.Clients == nil {
		return trace.BadParameter("missing parameter Clients")
	}
	if c.Log == nil {
		c.Log = slog.With("component", "telemetry")
	}
	return nil
}

// Sampler scrapes every node's cAdvisor endpoint through the API server
// proxy and aggregates the counters per namespace.
type Sampler struct {
	cfg SamplerConfig
}

// NewSampler creates a cAdvisor sampler.
func NewSampler(cfg SamplerConfig) (*Sampler, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	s := &Sampler{cfg: cfg}
	if s.cfg.Scrape == nil {
		s.cfg.Scrape = s.scrapeNode
	}
	return s, nil
}

// Sample scrapes all nodes once and returns per-namespace aggregates. A
// node that fails to scrape is logged and skipped; the tick still
// produces data from the remaining nodes.
func (s *Sampler) Sample(ctx context.Context) (map[string]*NamespaceSnapshot, error) {
	clientset, err := s.cfg.Clients.Clientset()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	nodes, err := clientset.CoreV1().Nodes().List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	var mu sync.Mutex
	samples := make(map[sampleKey]*Counters)

	group, groupCtx := errgroup.WithContext(ctx)
	for _, node := range nodes.Items {
		group.Go(func() error {
			raw, err := s.cfg.Scrape(groupCtx, node.Name)
			if err != nil {
				s.cfg.Log.WarnContext(groupCtx, "Failed to scrape node, skipping.",
					"node", node.Name, "error", err)
				return nil
			}
			mu.Lock()
			defer mu.Unlock()
			parseCadvisorMetrics(bytes.NewReader(raw), samples)
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, trace.Wrap(err)
	}

	return foldByNamespace(samples), nil
}

// foldByNamespace sums the per-container counters per namespace and counts
// distinct pods.
func foldByNamespace(samples map[sampleKey]*Counters) map[string]*NamespaceSnapshot {
	snapshots := make(map[string]*NamespaceSnapshot)
	pods := make(map[string]map[string]struct{})
	for key, counters := range samples {
		snapshot, ok := snapshots[key.Namespace]
		if !ok {
			snapshot = &NamespaceSnapshot{}
			snapshots[key.Namespace] = snapshot
			pods[key.Namespace] = make(map[string]struct{})
		}
		snapshot.Counters.Add(*counters)
		pods[key.Namespace][key.Pod] = struct{}{}
	}
	for namespace, snapshot := range snapshots {
		snapshot.PodCount = len(pods[namespace])
	}
	return snapshots
}

// scrapeNode fetches /metrics/cadvisor off a kubelet through the API
// server's node proxy.
func (s *Sampler) scrapeNode(ctx context.Context, nodeName string) ([]byte, error) {
	clientset, err := s.cfg.Clients.Clientset()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	raw, err := clientset.CoreV1().RESTClient().Get().
		Resource("nodes").
		Name(nodeName).
		SubResource("proxy").
		Suffix("metrics", "cadvisor").
		DoRaw(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return raw, nil
}

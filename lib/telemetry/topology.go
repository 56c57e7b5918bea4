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
	"fmt"
	"hash/fnv"
	"log/slog"
	"sort"
	"strings"

	"github.com/gravitational/trace"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/kubarr/kubarr/lib/defaults"
	"github.com/kubarr/kubarr/lib/kube"
)

// ExternalNode is the pseudo-node representing traffic beyond the cluster.
const ExternalNode = "external"

// Node is one vertex of the namespace topology graph.
type Node struct {
	ID            string  `json:"id"`
	Name          string  `json:"name"`
	Type          string  `json:"type"`
	Color         string  `json:"color"`
	PodCount      int     `json:"pod_count"`
	RxBytesPerSec float64 `json:"rx_bytes_per_sec"`
	TxBytesPerSec float64 `json:"tx_bytes_per_sec"`
	TotalTraffic  float64 `json:"total_traffic"`
}

// Edge is one likely communication flow between two namespaces.
type Edge struct {
	Source   string `json:"source"`
	Target   string `json:"target"`
	Type     string `json:"type"`
	Port     int32  `json:"port,omitempty"`
	Protocol string `json:"protocol,omitempty"`
	Label    string `json:"label"`
}

// Graph is the discovered namespace topology.
type Graph struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// nodePalette colors namespace nodes deterministically.
var nodePalette = []string{
	"#3b82f6", "#10b981", "#f59e0b", "#8b5cf6",
	"#ec4899", "#14b8a6", "#f97316", "#06b6d4",
}

// DiscovererConfig holds parameters for the topology discoverer.
type DiscovererConfig struct {
	// Clients is the shared Kubernetes client holder.
	Clients *kube.Clients
	// Log is the discoverer logger.
	Log *slog.Logger
}

// CheckAndSetDefaults checks and sets default values.
func (c *DiscovererConfig) CheckAndSetDefaults() error {
	if c.Clients == nil {
		return trace.BadParameter("missing parameter Clients")
	}
	if c.Log == nil {
		c.Log = slog.With("component", "telemetry")
	}
	return nil
}

// Discoverer derives inter-namespace communication edges from Services,
// ConfigMaps, Endpoints, Ingresses and NetworkPolicies. Each edge source
// is best-effort: a failed listing is logged and the remaining sources
// still contribute.
type Discoverer struct {
	cfg DiscovererConfig
}

// NewDiscoverer creates a topology discoverer.
func NewDiscoverer(cfg DiscovererConfig) (*Discoverer, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Discoverer{cfg: cfg}, nil
}

// edgeSet deduplicates edges by (source, target); the first discovered
// type wins.
type edgeSet struct {
	order []Edge
	seen  map[[2]string]struct{}
}

func newEdgeSet() *edgeSet {
	return &edgeSet{seen: make(map[[2]string]struct{})}
}

func (s *edgeSet) add(edge Edge) {
	key := [2]string{edge.Source, edge.Target}
	if _, ok := s.seen[key]; ok {
		return
	}
	s.seen[key] = struct{}{}
	s.order = append(s.order, edge)
}

// Discover builds the namespace graph and fills the node traffic figures
// from stats.
func (d *Discoverer) Discover(ctx context.Context, stats []NamespaceStats) (Graph, error) {
	clientset, err := d.cfg.Clients.Clientset()
	if err != nil {
		return Graph{}, trace.Wrap(err)
	}

	namespaces, err := clientset.CoreV1().Namespaces().List(ctx, metav1.ListOptions{})
	if err != nil {
		return Graph{}, trace.Wrap(err)
	}
	tracked := make(map[string]struct{})
	for _, namespace := range namespaces.Items {
		if !defaults.IsHiddenNamespace(namespace.Name) {
			tracked[namespace.Name] = struct{}{}
		}
	}

	edges := newEdgeSet()

	services, err := clientset.CoreV1().Services(metav1.NamespaceAll).List(ctx, metav1.ListOptions{})
	if err != nil {
		d.cfg.Log.WarnContext(ctx, "Failed to list services for topology.", "error", err)
		services = &corev1.ServiceList{}
	}
	index := buildServiceIndex(services.Items, tracked)

	d.discoverConfigReferences(ctx, clientset, tracked, index, edges)
	d.discoverAnnotationReferences(services.Items, tracked, index, edges)
	d.discoverEndpointEdges(ctx, clientset, tracked, edges)
	d.discoverExposedServices(services.Items, tracked, edges)
	d.discoverIngressEdges(ctx, clientset, tracked, index, edges)
	d.discoverEgressEdges(ctx, clientset, tracked, edges)

	return buildGraph(tracked, edges.order, stats), nil
}

// serviceIndex maps every name a Service is reachable by to its namespace.
type serviceIndex map[string]string

// buildServiceIndex indexes the short name, namespaced name and FQDN of
// every Service in a tracked namespace.
func buildServiceIndex(services []corev1.Service, tracked map[string]struct{}) serviceIndex {
	index := make(serviceIndex)
	for _, svc := range services {
		if _, ok := tracked[svc.Namespace]; !ok {
			continue
		}
		index[svc.Name] = svc.Namespace
		index[svc.Name+"."+svc.Namespace] = svc.Namespace
		index[svc.Name+"."+svc.Namespace+".svc.cluster.local"] = svc.Namespace
	}
	return index
}

// referencedNamespaces returns the namespaces of indexed services whose
// name appears as a substring of value, excluding self references.
func referencedNamespaces(value, self string, index serviceIndex) map[string]struct{} {
	targets := make(map[string]struct{})
	for name, namespace := range index {
		if namespace == self {
			continue
		}
		if strings.Contains(value, name) {
			targets[namespace] = struct{}{}
		}
	}
	return targets
}

// discoverConfigReferences scans ConfigMap values for mentions of Services
// in other namespaces; each mention becomes a config edge.
func (d *Discoverer) discoverConfigReferences(ctx context.Context, clientset kubernetes.Interface, tracked map[string]struct{}, index serviceIndex, edges *edgeSet) {
	configMaps, err := clientset.CoreV1().ConfigMaps(metav1.NamespaceAll).List(ctx, metav1.ListOptions{})
	if err != nil {
		d.cfg.Log.WarnContext(ctx, "Failed to list configmaps for topology.", "error", err)
		return
	}
	for _, cm := range configMaps.Items {
		if _, ok := tracked[cm.Namespace]; !ok {
			continue
		}
		for _, value := range cm.Data {
			for target := range referencedNamespaces(value, cm.Namespace, index) {
				edges.add(Edge{
					Source: cm.Namespace,
					Target: target,
					Type:   "config",
					Label:  fmt.Sprintf("%s -> %s", cm.Namespace, target),
				})
			}
		}
	}
}

// discoverAnnotationReferences scans Service annotation values for mentions
// of Services in other namespaces; each mention becomes an upstream edge.
func (d *Discoverer) discoverAnnotationReferences(services []corev1.Service, tracked map[string]struct{}, index serviceIndex, edges *edgeSet) {
	for _, svc := range services {
		if _, ok := tracked[svc.Namespace]; !ok {
			continue
		}
		for _, value := range svc.Annotations {
			for target := range referencedNamespaces(value, svc.Namespace, index) {
				edges.add(Edge{
					Source: svc.Namespace,
					Target: target,
					Type:   "upstream",
					Label:  fmt.Sprintf("%s -> %s", svc.Namespace, target),
				})
			}
		}
	}
}

// discoverEndpointEdges emits an endpoint edge for every Endpoints subset
// whose target pod lives in a different tracked namespace.
func (d *Discoverer) discoverEndpointEdges(ctx context.Context, clientset kubernetes.Interface, tracked map[string]struct{}, edges *edgeSet) {
	endpoints, err := clientset.CoreV1().Endpoints(metav1.NamespaceAll).List(ctx, metav1.ListOptions{})
	if err != nil {
		d.cfg.Log.WarnContext(ctx, "Failed to list endpoints for topology.", "error", err)
		return
	}
	for _, ep := range endpoints.Items {
		if _, ok := tracked[ep.Namespace]; !ok {
			continue
		}
		for _, subset := range ep.Subsets {
			var port int32
			if len(subset.Ports) > 0 {
				port = subset.Ports[0].Port
			}
			for _, address := range subset.Addresses {
				ref := address.TargetRef
				if ref == nil || ref.Namespace == "" || ref.Namespace == ep.Namespace {
					continue
				}
				if _, ok := tracked[ref.Namespace]; !ok {
					continue
				}
				edges.add(Edge{
					Source: ep.Namespace,
					Target: ref.Namespace,
					Type:   "endpoint",
					Port:   port,
					Label:  fmt.Sprintf("%s -> %s", ep.Namespace, ref.Namespace),
				})
			}
		}
	}
}

// discoverExposedServices emits ingress edges from the external node to
// every namespace with a LoadBalancer or NodePort Service.
func (d *Discoverer) discoverExposedServices(services []corev1.Service, tracked map[string]struct{}, edges *edgeSet) {
	for _, svc := range services {
		if _, ok := tracked[svc.Namespace]; !ok {
			continue
		}
		if svc.Spec.Type != corev1.ServiceTypeLoadBalancer && svc.Spec.Type != corev1.ServiceTypeNodePort {
			continue
		}
		var port int32
		if len(svc.Spec.Ports) > 0 {
			port = svc.Spec.Ports[0].Port
		}
		edges.add(Edge{
			Source: ExternalNode,
			Target: svc.Namespace,
			Type:   "ingress",
			Port:   port,
			Label:  fmt.Sprintf("external -> %s", svc.Namespace),
		})
	}
}

// discoverIngressEdges emits an ingress edge from external for every
// namespace carrying an Ingress resource, plus ingress-backend edges when
// a rule's backend Service resolves to a different tracked namespace.
func (d *Discoverer) discoverIngressEdges(ctx context.Context, clientset kubernetes.Interface, tracked map[string]struct{}, index serviceIndex, edges *edgeSet) {
	ingresses, err := clientset.NetworkingV1().Ingresses(metav1.NamespaceAll).List(ctx, metav1.ListOptions{})
	if err != nil {
		d.cfg.Log.WarnContext(ctx, "Failed to list ingresses for topology.", "error", err)
		return
	}
	for _, ingress := range ingresses.Items {
		if _, ok := tracked[ingress.Namespace]; !ok {
			continue
		}
		edges.add(Edge{
			Source:   ExternalNode,
			Target:   ingress.Namespace,
			Type:     "ingress",
			Port:     443,
			Protocol: "HTTPS",
			Label:    fmt.Sprintf("external -> %s", ingress.Namespace),
		})
		for _, rule := range ingress.Spec.Rules {
			if rule.HTTP == nil {
				continue
			}
			for _, path := range rule.HTTP.Paths {
				backend := path.Backend.Service
				if backend == nil {
					continue
				}
				target, ok := index[backend.Name]
				if !ok || target == ingress.Namespace {
					continue
				}
				edges.add(Edge{
					Source: ingress.Namespace,
					Target: target,
					Type:   "ingress-backend",
					Port:   backend.Port.Number,
					Label:  fmt.Sprintf("%s -> %s", ingress.Namespace, target),
				})
			}
		}
	}
}

// discoverEgressEdges emits an egress edge to external for every namespace
// whose NetworkPolicies do not restrict egress. No egress policy at all,
// a rule without a to selector, or an ipBlock covering 0.0.0.0/0 all mean
// open egress; a policy whose egress rule list is empty blocks it.
func (d *Discoverer) discoverEgressEdges(ctx context.Context, clientset kubernetes.Interface, tracked map[string]struct{}, edges *edgeSet) {
	policies, err := clientset.NetworkingV1().NetworkPolicies(metav1.NamespaceAll).List(ctx, metav1.ListOptions{})
	if err != nil {
		d.cfg.Log.WarnContext(ctx, "Failed to list network policies for topology.", "error", err)
		return
	}
	byNamespace := make(map[string][]networkingv1.NetworkPolicy)
	for _, policy := range policies.Items {
		byNamespace[policy.Namespace] = append(byNamespace[policy.Namespace], policy)
	}

	for namespace := range tracked {
		if egressAllowed(byNamespace[namespace]) {
			edges.add(Edge{
				Source: namespace,
				Target: ExternalNode,
				Type:   "egress",
				Label:  fmt.Sprintf("%s -> external", namespace),
			})
		}
	}
}

// egressAllowed reports whether the namespace's policies leave egress to
// the outside world open.
func egressAllowed(policies []networkingv1.NetworkPolicy) bool {
	egressPolicies := 0
	for _, policy := range policies {
		if !selectsEgress(policy) {
			continue
		}
		egressPolicies++
		for _, rule := range policy.Spec.Egress {
			if len(rule.To) == 0 {
				return true
			}
			for _, to := range rule.To {
				if to.IPBlock != nil && to.IPBlock.CIDR == "0.0.0.0/0" {
					return true
				}
			}
		}
	}
	return egressPolicies == 0
}

func selectsEgress(policy networkingv1.NetworkPolicy) bool {
	for _, policyType := range policy.Spec.PolicyTypes {
		if policyType == networkingv1.PolicyTypeEgress {
			return true
		}
	}
	return false
}

// buildGraph assembles the final node and edge lists. Node traffic comes
// from the published stats; the external pseudo-node is always present.
func buildGraph(tracked map[string]struct{}, edges []Edge, stats []NamespaceStats) Graph {
	statsByNamespace := make(map[string]NamespaceStats, len(stats))
	for _, entry := range stats {
		statsByNamespace[entry.Namespace] = entry
	}

	names := make([]string, 0, len(tracked))
	for namespace := range tracked {
		names = append(names, namespace)
	}
	sort.Strings(names)

	nodes := make([]Node, 0, len(names)+1)
	for _, namespace := range names {
		entry := statsByNamespace[namespace]
		nodes = append(nodes, Node{
			ID:            namespace,
			Name:          namespace,
			Type:          "app",
			Color:         colorFor(namespace),
			PodCount:      entry.PodCount,
			RxBytesPerSec: entry.RxBytesPerSec,
			TxBytesPerSec: entry.TxBytesPerSec,
			TotalTraffic:  round2(entry.RxBytesPerSec + entry.TxBytesPerSec),
		})
	}
	nodes = append(nodes, Node{
		ID:    ExternalNode,
		Name:  "External",
		Type:  "external",
		Color: "#6b7280",
	})

	return Graph{Nodes: nodes, Edges: edges}
}

// colorFor picks a stable palette color for a namespace.
func colorFor(namespace string) string {
	h := fnv.New32a()
	h.Write([]byte(namespace))
	return nodePalette[h.Sum32()%uint32(len(nodePalette))]
}

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
	"testing"

	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/kubarr/kubarr/lib/kube"
)

func namespace(name string) *corev1.Namespace {
	return &corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: name}}
}

func newTestDiscoverer(t *testing.T, objects ...runtime.Object) *Discoverer {
	t.Helper()
	clients := kube.NewClients(nil)
	clients.Set(fake.NewSimpleClientset(objects...))
	discoverer, err := NewDiscoverer(DiscovererConfig{Clients: clients})
	require.NoError(t, err)
	return discoverer
}

func findEdge(t *testing.T, graph Graph, source, target string) Edge {
	t.Helper()
	for _, edge := range graph.Edges {
		if edge.Source == source && edge.Target == target {
			return edge
		}
	}
	t.Fatalf("no edge %s -> %s in %+v", source, target, graph.Edges)
	return Edge{}
}

func hasEdge(graph Graph, source, target string) bool {
	for _, edge := range graph.Edges {
		if edge.Source == source && edge.Target == target {
			return true
		}
	}
	return false
}

func TestDiscoverNodes(t *testing.T) {
	discoverer := newTestDiscoverer(t,
		namespace("jellyfin"),
		namespace("qbittorrent"),
		namespace("kube-system"),
		namespace("default"),
	)

	graph, err := discoverer.Discover(context.Background(), []NamespaceStats{
		{
			Namespace: "jellyfin",
			PodCount:  2,
			Rates:     Rates{RxBytesPerSec: 100.5, TxBytesPerSec: 50.25},
		},
	})
	require.NoError(t, err)

	// Hidden namespaces never become nodes; external always does.
	require.Len(t, graph.Nodes, 3)
	require.Equal(t, "jellyfin", graph.Nodes[0].ID)
	require.Equal(t, "qbittorrent", graph.Nodes[1].ID)
	require.Equal(t, ExternalNode, graph.Nodes[2].ID)
	require.Equal(t, "external", graph.Nodes[2].Type)
	require.Equal(t, "#6b7280", graph.Nodes[2].Color)

	jellyfin := graph.Nodes[0]
	require.Equal(t, "app", jellyfin.Type)
	require.Equal(t, 2, jellyfin.PodCount)
	require.Equal(t, 100.5, jellyfin.RxBytesPerSec)
	require.Equal(t, 150.75, jellyfin.TotalTraffic)
	require.Contains(t, nodePalette, jellyfin.Color)
	require.Equal(t, colorFor("jellyfin"), jellyfin.Color)
}

func TestDiscoverConfigReferences(t *testing.T) {
	discoverer := newTestDiscoverer(t,
		namespace("jellyfin"),
		namespace("qbittorrent"),
		&corev1.Service{ObjectMeta: metav1.ObjectMeta{Name: "qbittorrent", Namespace: "qbittorrent"}},
		&corev1.ConfigMap{
			ObjectMeta: metav1.ObjectMeta{Name: "app-config", Namespace: "jellyfin"},
			Data: map[string]string{
				"downloader": "http://qbittorrent.qbittorrent.svc.cluster.local:8080",
			},
		},
	)

	graph, err := discoverer.Discover(context.Background(), nil)
	require.NoError(t, err)

	edge := findEdge(t, graph, "jellyfin", "qbittorrent")
	require.Equal(t, "config", edge.Type)
	require.Equal(t, "jellyfin -> qbittorrent", edge.Label)
}

func TestDiscoverAnnotationReferences(t *testing.T) {
	discoverer := newTestDiscoverer(t,
		namespace("monitoring"),
		namespace("jellyfin"),
		&corev1.Service{ObjectMeta: metav1.ObjectMeta{Name: "jellyfin", Namespace: "jellyfin"}},
		&corev1.Service{
			ObjectMeta: metav1.ObjectMeta{
				Name:      "grafana",
				Namespace: "monitoring",
				Annotations: map[string]string{
					"upstream": "jellyfin.jellyfin",
				},
			},
		},
	)

	graph, err := discoverer.Discover(context.Background(), nil)
	require.NoError(t, err)
	require.Equal(t, "upstream", findEdge(t, graph, "monitoring", "jellyfin").Type)
}

func TestDiscoverEndpointEdges(t *testing.T) {
	discoverer := newTestDiscoverer(t,
		namespace("monitoring"),
		namespace("jellyfin"),
		&corev1.Endpoints{
			ObjectMeta: metav1.ObjectMeta{Name: "scrape-targets", Namespace: "monitoring"},
			Subsets: []corev1.EndpointSubset{{
				Ports: []corev1.EndpointPort{{Port: 8096}},
				Addresses: []corev1.EndpointAddress{{
					IP:        "10.0.0.5",
					TargetRef: &corev1.ObjectReference{Kind: "Pod", Namespace: "jellyfin", Name: "jellyfin-0"},
				}},
			}},
		},
	)

	graph, err := discoverer.Discover(context.Background(), nil)
	require.NoError(t, err)

	edge := findEdge(t, graph, "monitoring", "jellyfin")
	require.Equal(t, "endpoint", edge.Type)
	require.Equal(t, int32(8096), edge.Port)
}

func TestDiscoverExposedServices(t *testing.T) {
	discoverer := newTestDiscoverer(t,
		namespace("jellyfin"),
		namespace("qbittorrent"),
		namespace("internal"),
		&corev1.Service{
			ObjectMeta: metav1.ObjectMeta{Name: "jellyfin", Namespace: "jellyfin"},
			Spec: corev1.ServiceSpec{
				Type:  corev1.ServiceTypeLoadBalancer,
				Ports: []corev1.ServicePort{{Port: 8096}},
			},
		},
		&corev1.Service{
			ObjectMeta: metav1.ObjectMeta{Name: "qbittorrent", Namespace: "qbittorrent"},
			Spec: corev1.ServiceSpec{
				Type:  corev1.ServiceTypeNodePort,
				Ports: []corev1.ServicePort{{Port: 8080}},
			},
		},
		&corev1.Service{
			ObjectMeta: metav1.ObjectMeta{Name: "db", Namespace: "internal"},
			Spec: corev1.ServiceSpec{
				Type:  corev1.ServiceTypeClusterIP,
				Ports: []corev1.ServicePort{{Port: 5432}},
			},
		},
	)

	graph, err := discoverer.Discover(context.Background(), nil)
	require.NoError(t, err)

	edge := findEdge(t, graph, ExternalNode, "jellyfin")
	require.Equal(t, "ingress", edge.Type)
	require.Equal(t, int32(8096), edge.Port)
	require.True(t, hasEdge(graph, ExternalNode, "qbittorrent"))
	require.False(t, hasEdge(graph, ExternalNode, "internal"),
		"ClusterIP services are not exposed")
}

func TestDiscoverIngressEdges(t *testing.T) {
	discoverer := newTestDiscoverer(t,
		namespace("gateway"),
		namespace("jellyfin"),
		&corev1.Service{ObjectMeta: metav1.ObjectMeta{Name: "jellyfin", Namespace: "jellyfin"}},
		&networkingv1.Ingress{
			ObjectMeta: metav1.ObjectMeta{Name: "main", Namespace: "gateway"},
			Spec: networkingv1.IngressSpec{
				Rules: []networkingv1.IngressRule{{
					IngressRuleValue: networkingv1.IngressRuleValue{
						HTTP: &networkingv1.HTTPIngressRuleValue{
							Paths: []networkingv1.HTTPIngressPath{{
								Backend: networkingv1.IngressBackend{
									Service: &networkingv1.IngressServiceBackend{
										Name: "jellyfin",
										Port: networkingv1.ServiceBackendPort{Number: 8096},
									},
								},
							}},
						},
					},
				}},
			},
		},
	)

	graph, err := discoverer.Discover(context.Background(), nil)
	require.NoError(t, err)

	entry := findEdge(t, graph, ExternalNode, "gateway")
	require.Equal(t, "ingress", entry.Type)
	require.Equal(t, int32(443), entry.Port)
	require.Equal(t, "HTTPS", entry.Protocol)

	backend := findEdge(t, graph, "gateway", "jellyfin")
	require.Equal(t, "ingress-backend", backend.Type)
	require.Equal(t, int32(8096), backend.Port)
}

func TestDiscoverEgressEdges(t *testing.T) {
	blockingPolicy := &networkingv1.NetworkPolicy{
		ObjectMeta: metav1.ObjectMeta{Name: "deny-egress", Namespace: "locked"},
		Spec: networkingv1.NetworkPolicySpec{
			PolicyTypes: []networkingv1.PolicyType{networkingv1.PolicyTypeEgress},
		},
	}
	discoverer := newTestDiscoverer(t,
		namespace("open"),
		namespace("locked"),
		blockingPolicy,
	)

	graph, err := discoverer.Discover(context.Background(), nil)
	require.NoError(t, err)

	require.Equal(t, "egress", findEdge(t, graph, "open", ExternalNode).Type)
	require.False(t, hasEdge(graph, "locked", ExternalNode))
}

func TestEgressAllowed(t *testing.T) {
	egressTo := func(to []networkingv1.NetworkPolicyPeer) networkingv1.NetworkPolicy {
		return networkingv1.NetworkPolicy{
			Spec: networkingv1.NetworkPolicySpec{
				PolicyTypes: []networkingv1.PolicyType{networkingv1.PolicyTypeEgress},
				Egress:      []networkingv1.NetworkPolicyEgressRule{{To: to}},
			},
		}
	}
	tests := []struct {
		name     string
		policies []networkingv1.NetworkPolicy
		allowed  bool
	}{
		{
			name:    "no policies",
			allowed: true,
		},
		{
			name: "ingress-only policy",
			policies: []networkingv1.NetworkPolicy{{
				Spec: networkingv1.NetworkPolicySpec{
					PolicyTypes: []networkingv1.PolicyType{networkingv1.PolicyTypeIngress},
				},
			}},
			allowed: true,
		},
		{
			name:     "allow-all rule",
			policies: []networkingv1.NetworkPolicy{egressTo(nil)},
			allowed:  true,
		},
		{
			name: "open ip block",
			policies: []networkingv1.NetworkPolicy{egressTo([]networkingv1.NetworkPolicyPeer{
				{IPBlock: &networkingv1.IPBlock{CIDR: "0.0.0.0/0"}},
			})},
			allowed: true,
		},
		{
			name: "restricted to cluster peers",
			policies: []networkingv1.NetworkPolicy{egressTo([]networkingv1.NetworkPolicyPeer{
				{IPBlock: &networkingv1.IPBlock{CIDR: "10.0.0.0/8"}},
			})},
			allowed: false,
		},
		{
			name: "egress policy with no rules",
			policies: []networkingv1.NetworkPolicy{{
				Spec: networkingv1.NetworkPolicySpec{
					PolicyTypes: []networkingv1.PolicyType{networkingv1.PolicyTypeEgress},
				},
			}},
			allowed: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.allowed, egressAllowed(tt.policies))
		})
	}
}

func TestDiscoverDeduplicatesEdges(t *testing.T) {
	// Both a ConfigMap reference and an Endpoints subset point jellyfin at
	// qbittorrent; only the first discovered type survives.
	discoverer := newTestDiscoverer(t,
		namespace("jellyfin"),
		namespace("qbittorrent"),
		&corev1.Service{ObjectMeta: metav1.ObjectMeta{Name: "qbittorrent", Namespace: "qbittorrent"}},
		&corev1.ConfigMap{
			ObjectMeta: metav1.ObjectMeta{Name: "cfg", Namespace: "jellyfin"},
			Data:       map[string]string{"url": "http://qbittorrent:8080"},
		},
		&corev1.Endpoints{
			ObjectMeta: metav1.ObjectMeta{Name: "x", Namespace: "jellyfin"},
			Subsets: []corev1.EndpointSubset{{
				Addresses: []corev1.EndpointAddress{{
					IP:        "10.0.0.9",
					TargetRef: &corev1.ObjectReference{Kind: "Pod", Namespace: "qbittorrent", Name: "qbittorrent-0"},
				}},
			}},
		},
	)

	graph, err := discoverer.Discover(context.Background(), nil)
	require.NoError(t, err)

	var count int
	for _, edge := range graph.Edges {
		if edge.Source == "jellyfin" && edge.Target == "qbittorrent" {
			count++
		}
	}
	require.Equal(t, 1, count)
	require.Equal(t, "config", findEdge(t, graph, "jellyfin", "qbittorrent").Type)
}

func TestColorForIsStable(t *testing.T) {
	require.Equal(t, colorFor("jellyfin"), colorFor("jellyfin"))
	require.Contains(t, nodePalette, colorFor("anything"))
}

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

package kube

import (
	"context"
	"testing"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/kubarr/kubarr/lib/defaults"
)

func appService(name string, port int32, annotations map[string]string) *corev1.Service {
	return &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:        name,
			Namespace:   name,
			Annotations: annotations,
		},
		Spec: corev1.ServiceSpec{
			Ports: []corev1.ServicePort{{Port: port}},
		},
	}
}

func newTestResolver(t *testing.T) (*Resolver, *Clients) {
	t.Helper()
	clients := NewClients(nil)
	resolver, err := NewResolver(ResolverConfig{Clients: clients})
	require.NoError(t, err)
	return resolver, clients
}

func TestResolveApp(t *testing.T) {
	ctx := context.Background()
	resolver, clients := newTestResolver(t)
	clients.Set(fake.NewSimpleClientset(
		appService("jellyfin", 8096, nil),
	))

	endpoint, err := resolver.ResolveApp(ctx, "jellyfin")
	require.NoError(t, err)
	require.Equal(t, "http://jellyfin.jellyfin.svc.cluster.local:8096", endpoint.BaseURL)
	require.Empty(t, endpoint.BasePath)
}

func TestResolveAppBasePath(t *testing.T) {
	ctx := context.Background()
	resolver, clients := newTestResolver(t)
	clients.Set(fake.NewSimpleClientset(
		appService("qbittorrent", 8080, map[string]string{
			defaults.BasePathAnnotation: "/qbittorrent",
		}),
	))

	endpoint, err := resolver.ResolveApp(ctx, "qbittorrent")
	require.NoError(t, err)
	require.Equal(t, "http://qbittorrent.qbittorrent.svc.cluster.local:8080", endpoint.BaseURL)
	require.Equal(t, "/qbittorrent", endpoint.BasePath)
}

func TestResolveAppCaches(t *testing.T) {
	ctx := context.Background()
	resolver, clients := newTestResolver(t)
	clientset := fake.NewSimpleClientset(appService("jellyfin", 8096, nil))
	clients.Set(clientset)

	first, err := resolver.ResolveApp(ctx, "jellyfin")
	require.NoError(t, err)

	// The service going away does not disturb the cached endpoint.
	require.NoError(t, clientset.CoreV1().Services("jellyfin").
		Delete(ctx, "jellyfin", metav1.DeleteOptions{}))
	second, err := resolver.ResolveApp(ctx, "jellyfin")
	require.NoError(t, err)
	require.Equal(t, first, second)

	// Invalidation forces a fresh lookup, which now misses.
	resolver.Invalidate("jellyfin")
	_, err = resolver.ResolveApp(ctx, "jellyfin")
	require.True(t, trace.IsNotFound(err))
}

func TestResolveAppMissesAreNotCached(t *testing.T) {
	ctx := context.Background()
	resolver, clients := newTestResolver(t)
	clientset := fake.NewSimpleClientset()
	clients.Set(clientset)

	_, err := resolver.ResolveApp(ctx, "jellyfin")
	require.True(t, trace.IsNotFound(err))

	// Install the service after the miss; the next lookup must succeed.
	_, err = clientset.CoreV1().Services("jellyfin").
		Create(ctx, appService("jellyfin", 8096, nil), metav1.CreateOptions{})
	require.NoError(t, err)

	endpoint, err := resolver.ResolveApp(ctx, "jellyfin")
	require.NoError(t, err)
	require.Equal(t, "http://jellyfin.jellyfin.svc.cluster.local:8096", endpoint.BaseURL)
}

func TestResolveAppNoPorts(t *testing.T) {
	ctx := context.Background()
	resolver, clients := newTestResolver(t)
	headless := appService("jellyfin", 0, nil)
	headless.Spec.Ports = nil
	clients.Set(fake.NewSimpleClientset(headless))

	_, err := resolver.ResolveApp(ctx, "jellyfin")
	require.True(t, trace.IsNotFound(err))
}

func TestResolveAppClusterNotReady(t *testing.T) {
	ctx := context.Background()
	resolver, _ := newTestResolver(t)

	_, err := resolver.ResolveApp(ctx, "jellyfin")
	require.True(t, trace.IsConnectionProblem(err))
}

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

package helm

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"
	"k8s.io/utils/ptr"

	"github.com/kubarr/kubarr/lib/kube"
)

// fakeRunner records invocations and plays back canned results.
type fakeRunner struct {
	calls  [][]string
	output []byte
	err    error
}

func (f *fakeRunner) run(ctx context.Context, name string, args ...string) ([]byte, error) {
	f.calls = append(f.calls, append([]string{name}, args...))
	return f.output, f.err
}

func newTestDriver(t *testing.T, runner *fakeRunner, objects ...*corev1.Namespace) (*Driver, *kube.Clients) {
	t.Helper()
	chartsDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(chartsDir, "jellyfin"), 0o755))

	clients := kube.NewClients(nil)
	clientset := fake.NewSimpleClientset()
	for _, ns := range objects {
		_, err := clientset.CoreV1().Namespaces().Create(context.Background(), ns, metav1.CreateOptions{})
		require.NoError(t, err)
	}
	clients.Set(clientset)

	driver, err := NewDriver(Config{
		ChartsDir: chartsDir,
		Clients:   clients,
		Runner:    runner.run,
	})
	require.NoError(t, err)
	return driver, clients
}

func TestDeployArguments(t *testing.T) {
	runner := &fakeRunner{}
	driver, _ := newTestDriver(t, runner)

	err := driver.Deploy(context.Background(), "jellyfin", map[string]string{
		"service.port":  "8096",
		"image.tag":     "latest",
		"resources.cpu": "500m",
	}, "")
	require.NoError(t, err)
	require.Len(t, runner.calls, 1)

	call := runner.calls[0]
	require.Equal(t, "helm", call[0])
	require.Equal(t, []string{
		"upgrade", "--install", "jellyfin",
		filepath.Join(driver.cfg.ChartsDir, "jellyfin"),
		"--namespace", "jellyfin",
		"--create-namespace",
		"--set", "image.tag=latest",
		"--set", "resources.cpu=500m",
		"--set", "service.port=8096",
	}, call[1:])
}

func TestDeployStorageOverrides(t *testing.T) {
	runner := &fakeRunner{}
	driver, _ := newTestDriver(t, runner)

	err := driver.Deploy(context.Background(), "jellyfin", nil, "/mnt/media")
	require.NoError(t, err)
	require.Len(t, runner.calls, 1)

	call := runner.calls[0]
	require.Contains(t, call, "storage.hostPath.enabled=true")
	require.Contains(t, call, "storage.hostPath.rootPath=/mnt/media")
}

func TestDeployMissingChart(t *testing.T) {
	runner := &fakeRunner{}
	driver, _ := newTestDriver(t, runner)

	err := driver.Deploy(context.Background(), "no-such-app", nil, "")
	require.True(t, trace.IsNotFound(err), "got %v", err)
	require.Empty(t, runner.calls, "helm must not run without a chart")
}

func TestDeployHelmFailure(t *testing.T) {
	runner := &fakeRunner{
		output: []byte("Error: chart is broken\nmore detail"),
		err:    errors.New("exit status 1"),
	}
	driver, _ := newTestDriver(t, runner)

	err := driver.Deploy(context.Background(), "jellyfin", nil, "")
	require.Error(t, err)
	require.Contains(t, err.Error(), "Error: chart is broken")
	require.NotContains(t, err.Error(), "more detail")
}

func TestRemove(t *testing.T) {
	runner := &fakeRunner{}
	driver, clients := newTestDriver(t, runner, &corev1.Namespace{
		ObjectMeta: metav1.ObjectMeta{Name: "jellyfin"},
	})

	require.NoError(t, driver.Remove(context.Background(), "jellyfin"))
	require.Equal(t, [][]string{
		{"helm", "uninstall", "jellyfin", "--namespace", "jellyfin"},
	}, runner.calls)

	clientset, err := clients.Clientset()
	require.NoError(t, err)
	_, err = clientset.CoreV1().Namespaces().Get(context.Background(), "jellyfin", metav1.GetOptions{})
	require.Error(t, err, "namespace must be deleted")
}

func TestRemoveIdempotent(t *testing.T) {
	runner := &fakeRunner{
		output: []byte("Error: uninstall: Release not loaded: jellyfin: release: not found"),
		err:    errors.New("exit status 1"),
	}
	driver, _ := newTestDriver(t, runner)

	// Neither the missing release nor the missing namespace is an error.
	require.NoError(t, driver.Remove(context.Background(), "jellyfin"))
}

func TestRemoveToleratesUninstallFailure(t *testing.T) {
	runner := &fakeRunner{
		output: []byte("Error: Kubernetes cluster unreachable"),
		err:    errors.New("exit status 1"),
	}
	driver, clients := newTestDriver(t, runner, &corev1.Namespace{
		ObjectMeta: metav1.ObjectMeta{Name: "jellyfin"},
	})

	// Any uninstall failure is tolerated; the namespace is deleted anyway.
	require.NoError(t, driver.Remove(context.Background(), "jellyfin"))

	clientset, err := clients.Clientset()
	require.NoError(t, err)
	_, err = clientset.CoreV1().Namespaces().Get(context.Background(), "jellyfin", metav1.GetOptions{})
	require.Error(t, err, "namespace must be deleted")
}

func testDeployment(namespace string, desired, ready, available int32) *appsv1.Deployment {
	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{Name: namespace + "-main", Namespace: namespace},
		Spec:       appsv1.DeploymentSpec{Replicas: ptr.To(desired)},
		Status: appsv1.DeploymentStatus{
			ReadyReplicas:     ready,
			AvailableReplicas: available,
		},
	}
}

func TestCheckHealth(t *testing.T) {
	tests := []struct {
		name        string
		deployments []*appsv1.Deployment
		healthy     bool
	}{
		{
			name:    "no deployments",
			healthy: false,
		},
		{
			name:        "all ready",
			deployments: []*appsv1.Deployment{testDeployment("jellyfin", 1, 1, 1)},
			healthy:     true,
		},
		{
			name:        "not ready",
			deployments: []*appsv1.Deployment{testDeployment("jellyfin", 1, 0, 0)},
			healthy:     false,
		},
		{
			name:        "ready but not available",
			deployments: []*appsv1.Deployment{testDeployment("jellyfin", 2, 2, 1)},
			healthy:     false,
		},
		{
			name: "one of two lagging",
			deployments: []*appsv1.Deployment{
				testDeployment("jellyfin", 1, 1, 1),
				{
					ObjectMeta: metav1.ObjectMeta{Name: "jellyfin-sidecar", Namespace: "jellyfin"},
					Spec:       appsv1.DeploymentSpec{Replicas: ptr.To(int32(1))},
				},
			},
			healthy: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &fakeRunner{}
			driver, clients := newTestDriver(t, runner)
			clientset, err := clients.Clientset()
			require.NoError(t, err)
			for _, d := range tt.deployments {
				_, err := clientset.AppsV1().Deployments(d.Namespace).
					Create(context.Background(), d, metav1.CreateOptions{})
				require.NoError(t, err)
			}

			healthy, err := driver.CheckHealth(context.Background(), "jellyfin")
			require.NoError(t, err)
			require.Equal(t, tt.healthy, healthy)
		})
	}
}

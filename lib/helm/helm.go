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

// Package helm installs and removes apps by shelling out to the helm
// binary against local charts.
package helm

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gravitational/trace"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/kubarr/kubarr/lib/kube"
)

// CommandRunner executes an external command and returns its combined
// output. Tests substitute a fake.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

// execRunner runs commands through os/exec.
func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// Config holds parameters for the helm driver.
type Config struct {
	// ChartsDir is the directory holding one chart per installable app.
	ChartsDir string
	// Clients is the shared Kubernetes client holder.
	Clients *kube.Clients
	// Resolver caches app endpoints and is invalidated on removal.
	Resolver *kube.Resolver
	// Runner executes the helm binary. Defaults to os/exec.
	Runner CommandRunner
	// Log is the driver logger.
	Log *slog.Logger
}

// CheckAndSetDefaults checks and sets default values.
func (c *Config) CheckAndSetDefaults() error {
	if c.ChartsDir == "" {
		return trace.BadParameter("missing parameter ChartsDir")
	}
	if c.Clients == nil {
		return trace.BadParameter("missing parameter Clients")
	}
	if c.Runner == nil {
		c.Runner = execRunner
	}
	if c.Log == nil {
		c.Log = slog.With("component", "helm")
	}
	return nil
}

// Driver deploys apps from local charts. Each app gets its own namespace
// named after it.
type Driver struct {
	cfg Config
}

// NewDriver creates a helm driver.
func NewDriver(cfg Config) (*Driver, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Driver{cfg: cfg}, nil
}

// Deploy installs or upgrades an app release into its namespace, creating
// the namespace when missing. overrides become --set pairs; storagePath,
// when set, enables hostPath storage rooted there.
func (d *Driver) Deploy(ctx context.Context, appName string, overrides map[string]string, storagePath string) error {
	chartPath := filepath.Join(d.cfg.ChartsDir, appName)
	if _, err := os.Stat(chartPath); err != nil {
		return trace.NotFound("no chart for app %q", appName)
	}

	args := []string{
		"upgrade", "--install", appName, chartPath,
		"--namespace", appName,
		"--create-namespace",
	}
	values := make(map[string]string, len(overrides)+2)
	for key, value := range overrides {
		values[key] = value
	}
	if storagePath != "" {
		values["storage.hostPath.enabled"] = "true"
		values["storage.hostPath.rootPath"] = storagePath
	}
	// Sorted for deterministic invocations.
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		args = append(args, "--set", fmt.Sprintf("%s=%s", key, values[key]))
	}

	d.cfg.Log.InfoContext(ctx, "Deploying app.", "app", appName, "chart", chartPath)
	out, err := d.cfg.Runner(ctx, "helm", args...)
	if err != nil {
		return trace.Wrap(err, "helm install of %q failed: %s", appName, firstLine(out))
	}
	return nil
}

// Remove uninstalls an app release and deletes its namespace. Uninstall
// failures are logged and do not stop the namespace deletion; removal is
// idempotent.
func (d *Driver) Remove(ctx context.Context, appName string) error {
	out, err := d.cfg.Runner(ctx, "helm", "uninstall", appName, "--namespace", appName)
	if err != nil {
		d.cfg.Log.WarnContext(ctx, "Helm uninstall failed, deleting namespace anyway.",
			"app", appName, "output", firstLine(out), "error", err)
	}

	clientset, err := d.cfg.Clients.Clientset()
	if err != nil {
		return trace.Wrap(err)
	}
	err = clientset.CoreV1().Namespaces().Delete(ctx, appName, metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return trace.Wrap(err)
	}

	if d.cfg.Resolver != nil {
		d.cfg.Resolver.Invalidate(appName)
	}
	d.cfg.Log.InfoContext(ctx, "Removed app.", "app", appName)
	return nil
}

// CheckHealth reports whether every deployment in the app's namespace has
// all desired replicas ready and available. A namespace with no deployments
// is not healthy: the install has not materialized yet.
func (d *Driver) CheckHealth(ctx context.Context, appName string) (bool, error) {
	clientset, err := d.cfg.Clients.Clientset()
	if err != nil {
		return false, trace.Wrap(err)
	}
	deployments, err := clientset.AppsV1().Deployments(appName).List(ctx, metav1.ListOptions{})
	if err != nil {
		return false, trace.Wrap(err)
	}
	if len(deployments.Items) == 0 {
		return false, nil
	}
	for _, deployment := range deployments.Items {
		desired := int32(1)
		if deployment.Spec.Replicas != nil {
			desired = *deployment.Spec.Replicas
		}
		if deployment.Status.ReadyReplicas < desired ||
			deployment.Status.AvailableReplicas < desired {
			return false, nil
		}
	}
	return true, nil
}

// firstLine trims command output to its first line for error messages.
func firstLine(out []byte) string {
	text := strings.TrimSpace(string(out))
	if idx := strings.IndexByte(text, '\n'); idx >= 0 {
		text = text[:idx]
	}
	if text == "" {
		return "no output"
	}
	return text
}

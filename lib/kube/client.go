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

// Package kube holds the shared Kubernetes client and the app endpoint
// resolver.
package kube

import (
	"log/slog"
	"sync"

	"github.com/gravitational/trace"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// Clients guards the shared Kubernetes clientset. The clientset is nil
// while the cluster is unreachable at startup and is filled and reused
// once the first connection succeeds.
type Clients struct {
	mu        sync.RWMutex
	clientset kubernetes.Interface
	log       *slog.Logger
}

// NewClients creates an empty client holder.
func NewClients(log *slog.Logger) *Clients {
	if log == nil {
		log = slog.With("component", "kube")
	}
	return &Clients{log: log}
}

// Connect builds a clientset from the in-cluster environment, or from
// kubeconfigPath when set, and stores it for reuse.
func (c *Clients) Connect(kubeconfigPath string) error {
	var (
		config *rest.Config
		err    error
	)
	if kubeconfigPath != "" {
		config, err = clientcmd.BuildConfigFromFlags("", kubeconfigPath)
	} else {
		config, err = rest.InClusterConfig()
	}
	if err != nil {
		return trace.ConnectionProblem(err, "kubernetes cluster is not reachable")
	}
	clientset, err := kubernetes.NewForConfig(config)
	if err != nil {
		return trace.Wrap(err)
	}
	c.Set(clientset)
	c.log.Info("Connected to kubernetes cluster.")
	return nil
}

// Set stores a clientset. Used by Connect and by tests injecting fakes.
func (c *Clients) Set(clientset kubernetes.Interface) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clientset = clientset
}

// Clientset returns the shared clientset, or ConnectionProblem while the
// cluster has never been reached.
func (c *Clients) Clientset() (kubernetes.Interface, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.clientset == nil {
		return nil, trace.ConnectionProblem(nil, "kubernetes client is not ready")
	}
	return c.clientset, nil
}

// Ready reports whether the clientset has been established.
func (c *Clients) Ready() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.clientset != nil
}

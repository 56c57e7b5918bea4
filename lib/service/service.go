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

// Package service assembles the kubarr subsystems and runs the process.
package service

import (
	"context"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/kubarr/kubarr/lib/auth"
	"github.com/kubarr/kubarr/lib/authz"
	"github.com/kubarr/kubarr/lib/bootstrap"
	"github.com/kubarr/kubarr/lib/defaults"
	"github.com/kubarr/kubarr/lib/events"
	"github.com/kubarr/kubarr/lib/helm"
	"github.com/kubarr/kubarr/lib/kube"
	"github.com/kubarr/kubarr/lib/proxy"
	"github.com/kubarr/kubarr/lib/storage"
	"github.com/kubarr/kubarr/lib/telemetry"
	"github.com/kubarr/kubarr/lib/web"
)

// connectRetryInterval paces reconnection attempts to the cluster.
const connectRetryInterval = 10 * time.Second

// Config holds the process configuration.
type Config struct {
	// ListenAddr is the HTTP bind address.
	ListenAddr string
	// DataDir holds the sqlite database.
	DataDir string
	// ChartsDir holds the local helm charts.
	ChartsDir string
	// AssetsDir holds the built SPA. Empty disables static serving.
	AssetsDir string
	// KubeconfigPath points at a kubeconfig for out-of-cluster runs.
	// Empty means in-cluster configuration.
	KubeconfigPath string
	// StoragePath, when set, enables hostPath storage for installed apps.
	StoragePath string
	// Clock is used by every subsystem. Defaults to the real clock.
	Clock clockwork.Clock
	// Log is the root logger.
	Log *slog.Logger
}

// CheckAndSetDefaults checks and sets default values.
func (c *Config) CheckAndSetDefaults() error {
	if c.DataDir == "" {
		return trace.BadParameter("missing parameter DataDir")
	}
	if c.ChartsDir == "" {
		return trace.BadParameter("missing parameter ChartsDir")
	}
	if c.ListenAddr == "" {
		c.ListenAddr = defaults.HTTPListenAddr
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = slog.Default()
	}
	return nil
}

// Run assembles the subsystems and serves until ctx is canceled.
func Run(ctx context.Context, cfg Config) error {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	log := cfg.Log

	db, err := storage.Open(storage.Config{
		Path:  filepath.Join(cfg.DataDir, "kubarr.db"),
		Clock: cfg.Clock,
		Log:   log.With("component", "storage"),
	})
	if err != nil {
		return trace.Wrap(err)
	}
	defer db.Close()

	authServer, err := auth.NewServer(auth.ServerConfig{
		Storage: db,
		Clock:   cfg.Clock,
		Log:     log.With("component", "auth"),
	})
	if err != nil {
		return trace.Wrap(err)
	}
	gate, err := authz.NewMiddleware(authz.MiddlewareConfig{
		Auth: authServer,
		Log:  log.With("component", "authz"),
	})
	if err != nil {
		return trace.Wrap(err)
	}

	clients := kube.NewClients(log.With("component", "kube"))
	go connectLoop(ctx, clients, cfg.KubeconfigPath, log)

	resolver, err := kube.NewResolver(kube.ResolverConfig{
		Clients: clients,
		Log:     log.With("component", "resolver"),
	})
	if err != nil {
		return trace.Wrap(err)
	}
	forwarder, err := proxy.NewForwarder(proxy.ForwarderConfig{
		Log: log.With("component", "proxy"),
	})
	if err != nil {
		return trace.Wrap(err)
	}
	bridge, err := proxy.NewWebSocketBridge(proxy.WebSocketConfig{
		Log: log.With("component", "proxy"),
	})
	if err != nil {
		return trace.Wrap(err)
	}

	helmDriver, err := helm.NewDriver(helm.Config{
		ChartsDir: cfg.ChartsDir,
		Clients:   clients,
		Resolver:  resolver,
		Log:       log.With("component", "helm"),
	})
	if err != nil {
		return trace.Wrap(err)
	}

	orchestrator, err := bootstrap.NewOrchestrator(bootstrap.Config{
		Storage:     db,
		Helm:        helmDriver,
		Events:      events.NewFanout(0, log.With("component", "bootstrap")),
		StoragePath: cfg.StoragePath,
		Clock:       cfg.Clock,
		Log:         log.With("component", "bootstrap"),
	})
	if err != nil {
		return trace.Wrap(err)
	}
	if err := orchestrator.InitialiseStatus(ctx); err != nil {
		return trace.Wrap(err)
	}

	broadcaster, err := newTelemetry(cfg, clients, log)
	if err != nil {
		return trace.Wrap(err)
	}
	go broadcaster.Run(ctx)

	handler, err := web.NewHandler(web.Config{
		Auth:       authServer,
		Clients:    clients,
		Resolver:   resolver,
		Forwarder:  forwarder,
		WebSockets: bridge,
		Helm:       helmDriver,
		Bootstrap:  orchestrator,
		Telemetry:  broadcaster,
		AssetsDir:  cfg.AssetsDir,
		Clock:      cfg.Clock,
		Log:        log.With("component", "web"),
	})
	if err != nil {
		return trace.Wrap(err)
	}

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: gate.Wrap(handler),
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info("Serving HTTP.", "addr", cfg.ListenAddr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return trace.Wrap(err)
		}
		return nil
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return trace.Wrap(err)
	}
}

// newTelemetry wires the sampler, rate cache, topology discoverer and
// broadcaster.
func newTelemetry(cfg Config, clients *kube.Clients, log *slog.Logger) (*telemetry.Broadcaster, error) {
	sampler, err := telemetry.NewSampler(telemetry.SamplerConfig{
		Clients: clients,
		Log:     log.With("component", "telemetry"),
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	discoverer, err := telemetry.NewDiscoverer(telemetry.DiscovererConfig{
		Clients: clients,
		Log:     log.With("component", "telemetry"),
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return telemetry.NewBroadcaster(telemetry.BroadcasterConfig{
		Sampler:  sampler,
		Rates:    telemetry.NewRateCache(0, cfg.Clock),
		Topology: discoverer,
		Events:   events.NewFanout(0, log.With("component", "telemetry")),
		Clock:    cfg.Clock,
		Log:      log.With("component", "telemetry"),
	})
}

// connectLoop retries the cluster connection until it succeeds or the
// process stops. The holder stays nil meanwhile and dependent subsystems
// answer with unavailability instead of crashing.
func connectLoop(ctx context.Context, clients *kube.Clients, kubeconfigPath string, log *slog.Logger) {
	for {
		err := clients.Connect(kubeconfigPath)
		if err == nil {
			return
		}
		log.WarnContext(ctx, "Kubernetes cluster unreachable, retrying.",
			"interval", connectRetryInterval, "error", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(connectRetryInterval):
		}
	}
}

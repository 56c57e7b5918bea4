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

// Command kubarr runs the kubarr management plane.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kingpin/v2"

	"github.com/kubarr/kubarr/lib/defaults"
	"github.com/kubarr/kubarr/lib/service"
)

func main() {
	app := kingpin.New("kubarr", "Self-hosted Kubernetes application management plane.")
	var (
		listenAddr = app.Flag("listen-addr", "HTTP listen address.").
				Default(defaults.HTTPListenAddr).Envar("KUBARR_LISTEN_ADDR").String()
		dataDir = app.Flag("data-dir", "Directory holding the kubarr database.").
			Default("/var/lib/kubarr").Envar("KUBARR_DATA_DIR").String()
		chartsDir = app.Flag("charts-dir", "Directory holding the local helm charts.").
				Default("/usr/share/kubarr/charts").Envar("KUBARR_CHARTS_DIR").String()
		assetsDir = app.Flag("assets-dir", "Directory holding the built web UI.").
				Envar("KUBARR_ASSETS_DIR").String()
		kubeconfig = app.Flag("kubeconfig", "Path to a kubeconfig for out-of-cluster runs.").
				Envar("KUBECONFIG").String()
		storagePath = app.Flag("storage-path", "Host path root for app storage.").
				Envar("KUBARR_STORAGE_PATH").String()
		debug = app.Flag("debug", "Enable debug logging.").Bool()
	)
	kingpin.MustParse(app.Parse(os.Args[1:]))

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := service.Run(ctx, service.Config{
		ListenAddr:     *listenAddr,
		DataDir:        *dataDir,
		ChartsDir:      *chartsDir,
		AssetsDir:      *assetsDir,
		KubeconfigPath: *kubeconfig,
		StoragePath:    *storagePath,
		Log:            log,
	})
	if err != nil {
		log.Error("Service terminated.", "error", err)
		os.Exit(1)
	}
}

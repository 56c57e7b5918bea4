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
	"os"
	"path/filepath"
	"sort"

	"github.com/ghodss/yaml"
	"github.com/gravitational/trace"
)

// ChartMetadata is the subset of Chart.yaml the catalog exposes.
type ChartMetadata struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	AppVersion  string `json:"appVersion,omitempty"`
	Description string `json:"description,omitempty"`
	Icon        string `json:"icon,omitempty"`
}

// ListCharts enumerates the charts available under the charts directory,
// sorted by name. Directories without a readable Chart.yaml are skipped.
func (d *Driver) ListCharts() ([]ChartMetadata, error) {
	entries, err := os.ReadDir(d.cfg.ChartsDir)
	if err != nil {
		return nil, trace.Wrap(err, "failed to read charts directory")
	}
	var charts []ChartMetadata
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		meta, err := readChartMetadata(filepath.Join(d.cfg.ChartsDir, entry.Name(), "Chart.yaml"))
		if err != nil {
			d.cfg.Log.Warn("Skipping chart with unreadable metadata.",
				"chart", entry.Name(), "error", err)
			continue
		}
		if meta.Name == "" {
			meta.Name = entry.Name()
		}
		charts = append(charts, meta)
	}
	sort.Slice(charts, func(i, j int) bool { return charts[i].Name < charts[j].Name })
	return charts, nil
}

// GetChart returns the metadata of a single chart.
func (d *Driver) GetChart(appName string) (ChartMetadata, error) {
	meta, err := readChartMetadata(filepath.Join(d.cfg.ChartsDir, appName, "Chart.yaml"))
	if err != nil {
		return ChartMetadata{}, trace.NotFound("no chart for app %q", appName)
	}
	if meta.Name == "" {
		meta.Name = appName
	}
	return meta, nil
}

func readChartMetadata(path string) (ChartMetadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ChartMetadata{}, trace.ConvertSystemError(err)
	}
	var meta ChartMetadata
	if err := yaml.Unmarshal(data, &meta); err != nil {
		return ChartMetadata{}, trace.BadParameter("malformed chart metadata: %v", err)
	}
	return meta, nil
}

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

// Package telemetry samples cAdvisor network counters off every node,
// turns them into per-namespace rates and broadcasts them together with a
// discovered namespace topology.
package telemetry

// Counters holds the eight cumulative network counters tracked per scrape
// target.
type Counters struct {
	RxBytes   float64
	TxBytes   float64
	RxPackets float64
	TxPackets float64
	RxErrors  float64
	TxErrors  float64
	RxDropped float64
	TxDropped float64
}

// Add accumulates other into c.
func (c *Counters) Add(other Counters) {
	c.RxBytes += other.RxBytes
	c.TxBytes += other.TxBytes
	c.RxPackets += other.RxPackets
	c.TxPackets += other.TxPackets
	c.RxErrors += other.RxErrors
	c.TxErrors += other.TxErrors
	c.RxDropped += other.RxDropped
	c.TxDropped += other.TxDropped
}

// Rates is the per-second view of Counters.
type Rates struct {
	RxBytesPerSec   float64 `json:"rx_bytes_per_sec"`
	TxBytesPerSec   float64 `json:"tx_bytes_per_sec"`
	RxPacketsPerSec float64 `json:"rx_packets_per_sec"`
	TxPacketsPerSec float64 `json:"tx_packets_per_sec"`
	RxErrorsPerSec  float64 `json:"rx_errors_per_sec"`
	TxErrorsPerSec  float64 `json:"tx_errors_per_sec"`
	RxDroppedPerSec float64 `json:"rx_dropped_per_sec"`
	TxDroppedPerSec float64 `json:"tx_dropped_per_sec"`
}

// NamespaceSnapshot is one tick's aggregate for a namespace: summed
// counters and the number of distinct pods seen.
type NamespaceSnapshot struct {
	Counters Counters
	PodCount int
}

// NamespaceStats is the published per-namespace rate set.
type NamespaceStats struct {
	Namespace string `json:"namespace"`
	PodCount  int    `json:"pod_count"`
	Rates
}

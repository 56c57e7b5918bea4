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
	"math"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/kubarr/kubarr/lib/defaults"
)

// RateCache turns cumulative counters into smoothed per-second rates. It
// keeps, per namespace, the last snapshot and a sliding window of rate
// samples; the published rate is the window mean. The sampler is the only
// writer, readers take a short lock per call.
type RateCache struct {
	mu         sync.Mutex
	windowSize int
	clock      clockwork.Clock
	entries    map[string]*rateEntry
}

type rateEntry struct {
	lastCounters Counters
	lastTime     time.Time
	podCount     int
	window       []Rates
}

// NewRateCache creates a rate cache. windowSize zero means the default.
func NewRateCache(windowSize int, clock clockwork.Clock) *RateCache {
	if windowSize <= 0 {
		windowSize = defaults.RateWindowSize
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &RateCache{
		windowSize: windowSize,
		clock:      clock,
		entries:    make(map[string]*rateEntry),
	}
}

// Observe records one tick's aggregate for a namespace. The first
// observation only seeds the snapshot and publishes zero, it never enters
// the window; later ones append the positive delta over elapsed time, so
// a counter reset after a pod restart yields zero rather than a negative
// rate.
func (c *RateCache) Observe(namespace string, counters Counters, podCount int) {
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[namespace]
	if !ok {
		c.entries[namespace] = &rateEntry{
			lastCounters: counters,
			lastTime:     now,
			podCount:     podCount,
		}
		return
	}

	elapsed := now.Sub(entry.lastTime).Seconds()
	var sample Rates
	if elapsed > 0 {
		sample = Rates{
			RxBytesPerSec:   rate(entry.lastCounters.RxBytes, counters.RxBytes, elapsed),
			TxBytesPerSec:   rate(entry.lastCounters.TxBytes, counters.TxBytes, elapsed),
			RxPacketsPerSec: rate(entry.lastCounters.RxPackets, counters.RxPackets, elapsed),
			TxPacketsPerSec: rate(entry.lastCounters.TxPackets, counters.TxPackets, elapsed),
			RxErrorsPerSec:  rate(entry.lastCounters.RxErrors, counters.RxErrors, elapsed),
			TxErrorsPerSec:  rate(entry.lastCounters.TxErrors, counters.TxErrors, elapsed),
			RxDroppedPerSec: rate(entry.lastCounters.RxDropped, counters.RxDropped, elapsed),
			TxDroppedPerSec: rate(entry.lastCounters.TxDropped, counters.TxDropped, elapsed),
		}
	}

	entry.window = append(entry.window, sample)
	if len(entry.window) > c.windowSize {
		entry.window = entry.window[1:]
	}
	entry.lastCounters = counters
	entry.lastTime = now
	entry.podCount = podCount
}

// rate is the non-negative per-second delta between two counter readings.
func rate(previous, current, elapsed float64) float64 {
	return math.Max(0, (current-previous)/elapsed)
}

// Stats publishes the smoothed rates of every namespace, sorted by name,
// rounded to two decimals.
func (c *RateCache) Stats() []NamespaceStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := make([]NamespaceStats, 0, len(c.entries))
	for namespace, entry := range c.entries {
		stats = append(stats, NamespaceStats{
			Namespace: namespace,
			PodCount:  entry.podCount,
			Rates:     windowMean(entry.window),
		})
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Namespace < stats[j].Namespace })
	return stats
}

// windowMean averages each rate field across the window and rounds to two
// decimal places.
func windowMean(window []Rates) Rates {
	if len(window) == 0 {
		return Rates{}
	}
	var sum Rates
	for _, sample := range window {
		sum.RxBytesPerSec += sample.RxBytesPerSec
		sum.TxBytesPerSec += sample.TxBytesPerSec
		sum.RxPacketsPerSec += sample.RxPacketsPerSec
		sum.TxPacketsPerSec += sample.TxPacketsPerSec
		sum.RxErrorsPerSec += sample.RxErrorsPerSec
		sum.TxErrorsPerSec += sample.TxErrorsPerSec
		sum.RxDroppedPerSec += sample.RxDroppedPerSec
		sum.TxDroppedPerSec += sample.TxDroppedPerSec
	}
	n := float64(len(window))
	return Rates{
		RxBytesPerSec:   round2(sum.RxBytesPerSec / n),
		TxBytesPerSec:   round2(sum.TxBytesPerSec / n),
		RxPacketsPerSec: round2(sum.RxPacketsPerSec / n),
		TxPacketsPerSec: round2(sum.TxPacketsPerSec / n),
		RxErrorsPerSec:  round2(sum.RxErrorsPerSec / n),
		TxErrorsPerSec:  round2(sum.TxErrorsPerSec / n),
		RxDroppedPerSec: round2(sum.RxDroppedPerSec / n),
		TxDroppedPerSec: round2(sum.TxDroppedPerSec / n),
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

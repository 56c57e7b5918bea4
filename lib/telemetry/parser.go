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
	"bufio"
	"io"
	"math"
	"strconv"
	"strings"
)

const metricPrefix = "container_network_"

// metricFields maps the tracked cAdvisor metric names to Counters fields.
var metricFields = map[string]func(*Counters, float64){
	"container_network_receive_bytes_total":            func(c *Counters, v float64) { c.RxBytes += v },
	"container_network_transmit_bytes_total":           func(c *Counters, v float64) { c.TxBytes += v },
	"container_network_receive_packets_total":          func(c *Counters, v float64) { c.RxPackets += v },
	"container_network_transmit_packets_total":         func(c *Counters, v float64) { c.TxPackets += v },
	"container_network_receive_errors_total":           func(c *Counters, v float64) { c.RxErrors += v },
	"container_network_transmit_errors_total":          func(c *Counters, v float64) { c.TxErrors += v },
	"container_network_receive_packets_dropped_total":  func(c *Counters, v float64) { c.RxDropped += v },
	"container_network_transmit_packets_dropped_total": func(c *Counters, v float64) { c.TxDropped += v },
}

// sampleKey identifies one scrape target across all nodes.
type sampleKey struct {
	Namespace string
	Pod       string
	Interface string
}

// parseCadvisorMetrics scans a Prometheus text exposition and accumulates
// the tracked container_network counters per (namespace, pod, interface).
// The scanner is deliberately tolerant: comments, blank lines, unknown
// metrics and malformed lines are skipped, never fatal. Repeated samples
// for the same key are summed.
func parseCadvisorMetrics(r io.Reader, into map[sampleKey]*Counters) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || !strings.HasPrefix(line, metricPrefix) {
			continue
		}

		open := strings.IndexByte(line, '{')
		closing := strings.LastIndexByte(line, '}')
		if open < 0 || closing < open {
			continue
		}
		apply, ok := metricFields[line[:open]]
		if !ok {
			continue
		}

		labels := parseLabels(line[open+1 : closing])
		key := sampleKey{
			Namespace: labels["namespace"],
			Pod:       labels["pod"],
			Interface: labels["interface"],
		}
		if key.Namespace == "" || key.Pod == "" || key.Interface == "" || key.Interface == "lo" {
			continue
		}

		fields := strings.Fields(line[closing+1:])
		if len(fields) == 0 {
			continue
		}
		value, err := strconv.ParseFloat(fields[0], 64)
		if err != nil {
			continue
		}
		// cAdvisor emits large counters in scientific notation; counters
		// are integral, so round back.
		value = math.Round(value)

		counters, ok := into[key]
		if !ok {
			counters = &Counters{}
			into[key] = counters
		}
		apply(counters, value)
	}
}

// parseLabels splits a Prometheus label body into a map. Values keep
// escaped characters unescaped; labels never seen in cAdvisor output are
// not special-cased.
func parseLabels(body string) map[string]string {
	labels := make(map[string]string)
	for len(body) > 0 {
		eq := strings.IndexByte(body, '=')
		if eq < 0 {
			break
		}
		name := strings.TrimSpace(body[:eq])
		rest := body[eq+1:]
		if len(rest) == 0 || rest[0] != '"' {
			break
		}
		value, remainder, ok := scanQuoted(rest)
		if !ok {
			break
		}
		labels[name] = value
		body = strings.TrimPrefix(strings.TrimSpace(remainder), ",")
	}
	return labels
}

// scanQuoted reads a double-quoted label value honoring backslash escapes
// and returns the value plus the unconsumed remainder.
func scanQuoted(s string) (value, rest string, ok bool) {
	var b strings.Builder
	for i := 1; i < len(s); i++ {
		switch s[i] {
		case '\\':
			if i+1 >= len(s) {
				return "", "", false
			}
			i++
			switch s[i] {
			case 'n':
				b.WriteByte('\n')
			default:
				b.WriteByte(s[i])
			}
		case '"':
			return b.String(), s[i+1:], true
		default:
			b.WriteByte(s[i])
		}
	}
	return "", "", false
}

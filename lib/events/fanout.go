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

// Package events implements a process-local broadcast channel: a
// multi-producer, multi-consumer fanout of serialized messages with
// bounded per-subscriber buffers. Slow consumers are dropped, never
// back-pressuring the producer.
package events

import (
	"log/slog"
	"sync"

	"github.com/kubarr/kubarr/lib/defaults"
)

// Fanout broadcasts messages to all current subscribers. Messages emitted
// by one producer reach each subscriber in emission order.
type Fanout struct {
	mu       sync.RWMutex
	capacity int
	nextID   int64
	subs     map[int64]*Subscriber
	closed   bool
	log      *slog.Logger
}

// NewFanout allocates a fanout whose subscribers buffer up to capacity
// messages; zero means the default capacity.
func NewFanout(capacity int, log *slog.Logger) *Fanout {
	if capacity <= 0 {
		capacity = defaults.FanoutCapacity
	}
	if log == nil {
		log = slog.With("component", "events")
	}
	return &Fanout{
		capacity: capacity,
		subs:     make(map[int64]*Subscriber),
		log:      log,
	}
}

// Subscriber receives every message emitted after it subscribed.
type Subscriber struct {
	id     int64
	ch     chan []byte
	fanout *Fanout
	once   sync.Once
}

// Events returns the subscriber's message channel. The channel is closed
// when the subscriber is dropped or closed.
func (s *Subscriber) Events() <-chan []byte {
	return s.ch
}

// Close detaches the subscriber from the fanout.
func (s *Subscriber) Close() {
	s.fanout.remove(s.id)
}

// Subscribe attaches a new subscriber.
func (f *Fanout) Subscribe() *Subscriber {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	sub := &Subscriber{
		id:     f.nextID,
		ch:     make(chan []byte, f.capacity),
		fanout: f,
	}
	if f.closed {
		close(sub.ch)
		return sub
	}
	f.subs[sub.id] = sub
	return sub
}

// Count returns the number of attached subscribers. Producers use it to
// elide serialization when nobody is listening.
func (f *Fanout) Count() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs)
}

// Emit broadcasts a message to every subscriber. A subscriber whose buffer
// is full has fallen at least capacity messages behind and is dropped.
func (f *Fanout) Emit(msg []byte) {
	var dropped []*Subscriber

	f.mu.RLock()
	if f.closed {
		f.mu.RUnlock()
		return
	}
	for _, sub := range f.subs {
		select {
		case sub.ch <- msg:
		default:
			dropped = append(dropped, sub)
		}
	}
	f.mu.RUnlock()

	for _, sub := range dropped {
		f.log.Warn("Dropping slow broadcast subscriber.", "subscriber", sub.id)
		f.remove(sub.id)
	}
}

// Close drops all subscribers and rejects future ones.
func (f *Fanout) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for id, sub := range f.subs {
		sub.once.Do(func() { close(sub.ch) })
		delete(f.subs, id)
	}
}

func (f *Fanout) remove(id int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub, ok := f.subs[id]
	if !ok {
		return
	}
	delete(f.subs, id)
	sub.once.Do(func() { close(sub.ch) })
}

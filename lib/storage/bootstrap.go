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

package storage

import (
	"context"
	"database/sql"
)

// Component status automaton: pending -> installing -> (healthy | failed).
// A failed component may be reset to pending by an explicit retry.
const (
	ComponentStatusPending    = "pending"
	ComponentStatusInstalling = "installing"
	ComponentStatusHealthy    = "healthy"
	ComponentStatusFailed     = "failed"
)

// BootstrapComponent is the persisted install state of one infrastructure
// component.
type BootstrapComponent struct {
	Component   string         `db:"component" json:"component"`
	DisplayName string         `db:"display_name" json:"display_name"`
	Status      string         `db:"status" json:"status"`
	Message     sql.NullString `db:"message" json:"message,omitempty"`
	StartedAt   sql.NullTime   `db:"started_at" json:"started_at,omitempty"`
	CompletedAt sql.NullTime   `db:"completed_at" json:"completed_at,omitempty"`
	Error       sql.NullString `db:"error" json:"error,omitempty"`
}

// EnsureComponent inserts a pending row for a component if it does not
// already have one. Idempotent.
func (s *Storage) EnsureComponent(ctx context.Context, component, displayName string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO bootstrap_components (component, display_name, status)
		 VALUES (?, ?, ?)
		 ON CONFLICT (component) DO NOTHING`,
		component, displayName, ComponentStatusPending)
	return convertError(err)
}

// ListComponents returns a snapshot of all component rows.
func (s *Storage) ListComponents(ctx context.Context) ([]BootstrapComponent, error) {
	var components []BootstrapComponent
	err := s.db.SelectContext(ctx, &components,
		`SELECT * FROM bootstrap_components ORDER BY component`)
	if err != nil {
		return nil, convertError(err)
	}
	return components, nil
}

// GetComponent fetches a single component row.
func (s *Storage) GetComponent(ctx context.Context, component string) (*BootstrapComponent, error) {
	var c BootstrapComponent
	err := s.db.GetContext(ctx, &c,
		`SELECT * FROM bootstrap_components WHERE component = ?`, component)
	if err != nil {
		return nil, convertError(err)
	}
	return &c, nil
}

// MarkComponentInstalling transitions a component to installing and sets
// started_at if it was never set.
func (s *Storage) MarkComponentInstalling(ctx context.Context, component, message string) error {
	now := s.clock.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`UPDATE bootstrap_components
		 SET status = ?, message = ?, error = NULL,
		     started_at = COALESCE(started_at, ?)
		 WHERE component = ?`,
		ComponentStatusInstalling, message, now, component)
	return convertError(err)
}

// MarkComponentHealthy transitions a component to healthy and stamps
// completed_at.
func (s *Storage) MarkComponentHealthy(ctx context.Context, component, message string) error {
	now := s.clock.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`UPDATE bootstrap_components
		 SET status = ?, message = ?, error = NULL, completed_at = ?
		 WHERE component = ?`,
		ComponentStatusHealthy, message, now, component)
	return convertError(err)
}

// MarkComponentFailed transitions a component to failed and records the
// error text.
func (s *Storage) MarkComponentFailed(ctx context.Context, component, message, errText string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE bootstrap_components
		 SET status = ?, message = ?, error = ?
		 WHERE component = ?`,
		ComponentStatusFailed, message, errText, component)
	return convertError(err)
}

// ResetComponent returns a component to pending for a retry.
func (s *Storage) ResetComponent(ctx context.Context, component string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE bootstrap_components
		 SET status = ?, message = NULL, error = NULL,
		     started_at = NULL, completed_at = NULL
		 WHERE component = ?`,
		ComponentStatusPending, component)
	return convertError(err)
}

// CountComponents returns the total row count and how many rows have left
// the pending state or carry a started_at stamp.
func (s *Storage) CountComponents(ctx context.Context) (total, started, healthy int, err error) {
	row := s.db.QueryRowxContext(ctx,
		`SELECT count(1),
		        count(CASE WHEN status != ? OR started_at IS NOT NULL THEN 1 END),
		        count(CASE WHEN status = ? THEN 1 END)
		 FROM bootstrap_components`,
		ComponentStatusPending, ComponentStatusHealthy)
	if err := row.Scan(&total, &started, &healthy); err != nil {
		return 0, 0, 0, convertError(err)
	}
	return total, started, healthy, nil
}

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
	"time"

	"github.com/gravitational/trace"
)

// Role grants a named bundle of action permissions and app grants.
type Role struct {
	ID          int64          `db:"id" json:"id"`
	Name        string         `db:"name" json:"name"`
	Description sql.NullString `db:"description" json:"description,omitempty"`
	IsSystem    bool           `db:"is_system" json:"is_system"`
	Requires2FA bool           `db:"requires_2fa" json:"requires_2fa"`
	CreatedAt   time.Time      `db:"created_at" json:"created_at"`
}

// CreateRole inserts a custom role and returns its id. Role names are
// unique; a duplicate converts to AlreadyExists.
func (s *Storage) CreateRole(ctx context.Context, name, description string) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO roles (name, description, is_system, created_at) VALUES (?, ?, 0, ?)`,
		name, description, s.clock.Now().UTC())
	if err != nil {
		return 0, convertError(err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, trace.Wrap(err)
	}
	return id, nil
}

// GetRoleByName fetches a role by its unique name.
func (s *Storage) GetRoleByName(ctx context.Context, name string) (*Role, error) {
	var r Role
	err := s.db.GetContext(ctx, &r, `SELECT * FROM roles WHERE name = ?`, name)
	if err != nil {
		return nil, convertError(err)
	}
	return &r, nil
}

// AssignRole adds a role to a user. Assigning an already held role is a
// no-op.
func (s *Storage) AssignRole(ctx context.Context, userID, roleID int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO role_assignments (user_id, role_id) VALUES (?, ?)
		 ON CONFLICT (user_id, role_id) DO NOTHING`,
		userID, roleID)
	return convertError(err)
}

// GetUserRoleIDs returns the ids of all roles held by a user.
func (s *Storage) GetUserRoleIDs(ctx context.Context, userID int64) ([]int64, error) {
	var ids []int64
	err := s.db.SelectContext(ctx, &ids,
		`SELECT role_id FROM role_assignments WHERE user_id = ?`, userID)
	if err != nil {
		return nil, convertError(err)
	}
	return ids, nil
}

// GetUserRoleNames returns the names of all roles held by a user.
func (s *Storage) GetUserRoleNames(ctx context.Context, userID int64) ([]string, error) {
	var names []string
	err := s.db.SelectContext(ctx, &names,
		`SELECT r.name FROM roles r
		 JOIN role_assignments ra ON ra.role_id = r.id
		 WHERE ra.user_id = ?`, userID)
	if err != nil {
		return nil, convertError(err)
	}
	return names, nil
}

// AddActionPermission grants an action permission string to a role.
func (s *Storage) AddActionPermission(ctx context.Context, roleID int64, permission string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO action_permissions (role_id, permission) VALUES (?, ?)
		 ON CONFLICT (role_id, permission) DO NOTHING`,
		roleID, permission)
	return convertError(err)
}

// AddAppGrant grants access to an app namespace to a role.
func (s *Storage) AddAppGrant(ctx context.Context, roleID int64, appName string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO app_grants (role_id, app_name) VALUES (?, ?)
		 ON CONFLICT (role_id, app_name) DO NOTHING`,
		roleID, appName)
	return convertError(err)
}

// GetActionPermissions returns the union of action permission strings
// granted by the given roles.
func (s *Storage) GetActionPermissions(ctx context.Context, roleIDs []int64) ([]string, error) {
	if len(roleIDs) == 0 {
		return nil, nil
	}
	query, args, err := inQuery(
		`SELECT DISTINCT permission FROM action_permissions WHERE role_id IN (?)`, roleIDs)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var perms []string
	if err := s.db.SelectContext(ctx, &perms, query, args...); err != nil {
		return nil, convertError(err)
	}
	return perms, nil
}

// GetAppGrants returns the union of app names granted by the given roles.
func (s *Storage) GetAppGrants(ctx context.Context, roleIDs []int64) ([]string, error) {
	if len(roleIDs) == 0 {
		return nil, nil
	}
	query, args, err := inQuery(
		`SELECT DISTINCT app_name FROM app_grants WHERE role_id IN (?)`, roleIDs)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var apps []string
	if err := s.db.SelectContext(ctx, &apps, query, args...); err != nil {
		return nil, convertError(err)
	}
	return apps, nil
}

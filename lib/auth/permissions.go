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

package auth

import (
	"context"
	"slices"
	"strings"

	"github.com/gravitational/trace"
	"golang.org/x/sync/errgroup"

	"github.com/kubarr/kubarr/lib/storage"
)

// Action permissions used by the gates. The set is closed: gates only ever
// declare strings from this list.
const (
	PermUsersView          = "users.view"
	PermUsersManage        = "users.manage"
	PermUsersResetPassword = "users.reset_password"
	PermRolesView          = "roles.view"
	PermRolesManage        = "roles.manage"
	PermAppsView           = "apps.view"
	PermAppsInstall        = "apps.install"
	PermAppsDelete         = "apps.delete"
	PermAppsRestart        = "apps.restart"
	PermStorageView        = "storage.view"
	PermStorageWrite       = "storage.write"
	PermStorageDelete      = "storage.delete"
	PermStorageDownload    = "storage.download"
	PermLogsView           = "logs.view"
	PermMonitoringView     = "monitoring.view"
	PermSettingsView       = "settings.view"
	PermSettingsManage     = "settings.manage"
	PermAuditView          = "audit.view"
	PermAuditManage        = "audit.manage"
	PermNotificationsView   = "notifications.view"
	PermNotificationsManage = "notifications.manage"
	PermNetworkingView     = "networking.view"
	PermNetworkingManage   = "networking.manage"
	PermVPNView            = "vpn.view"
	PermVPNManage          = "vpn.manage"
	PermCloudflareView     = "cloudflare.view"
	PermCloudflareManage   = "cloudflare.manage"
)

// AppPermissionPrefix prefixes derived app grant permissions.
const AppPermissionPrefix = "app."

// WildcardAppPermission grants access to every app; returned only for the
// admin role.
const WildcardAppPermission = AppPermissionPrefix + "*"

// AdminRole short-circuits every permission check.
const AdminRole = "admin"

// AllActionPermissions is the closed set of action permission strings.
var AllActionPermissions = []string{
	PermUsersView, PermUsersManage, PermUsersResetPassword,
	PermRolesView, PermRolesManage,
	PermAppsView, PermAppsInstall, PermAppsDelete, PermAppsRestart,
	PermStorageView, PermStorageWrite, PermStorageDelete, PermStorageDownload,
	PermLogsView,
	PermMonitoringView,
	PermSettingsView, PermSettingsManage,
	PermAuditView, PermAuditManage,
	PermNotificationsView, PermNotificationsManage,
	PermNetworkingView, PermNetworkingManage,
	PermVPNView, PermVPNManage,
	PermCloudflareView, PermCloudflareManage,
}

// ResolvePermissions aggregates a user's permissions from its roles. The
// admin role yields every action permission plus the app wildcard; app
// grants are emitted as "app.<name>". The result is sorted and
// deduplicated.
func (s *Server) ResolvePermissions(ctx context.Context, user *storage.User) ([]string, error) {
	roleNames, err := s.cfg.Storage.GetUserRoleNames(ctx, user.ID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if slices.Contains(roleNames, AdminRole) {
		perms := make([]string, 0, len(AllActionPermissions)+1)
		perms = append(perms, AllActionPermissions...)
		perms = append(perms, WildcardAppPermission)
		slices.Sort(perms)
		return perms, nil
	}

	roleIDs, err := s.cfg.Storage.GetUserRoleIDs(ctx, user.ID)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	var actions, apps []string
	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		var err error
		actions, err = s.cfg.Storage.GetActionPermissions(gctx, roleIDs)
		return trace.Wrap(err)
	})
	group.Go(func() error {
		var err error
		apps, err = s.cfg.Storage.GetAppGrants(gctx, roleIDs)
		return trace.Wrap(err)
	})
	if err := group.Wait(); err != nil {
		return nil, trace.Wrap(err)
	}

	perms := make([]string, 0, len(actions)+len(apps))
	perms = append(perms, actions...)
	for _, app := range apps {
		perms = append(perms, AppPermissionPrefix+app)
	}
	slices.Sort(perms)
	return slices.Compact(perms), nil
}

// HasPermission reports whether a permission set contains perm. The app
// wildcard implies every app permission.
func HasPermission(permissions []string, perm string) bool {
	if slices.Contains(permissions, perm) {
		return true
	}
	if strings.HasPrefix(perm, AppPermissionPrefix) {
		return slices.Contains(permissions, WildcardAppPermission)
	}
	return false
}

// HasAppAccess reports whether a permission set grants access to an app.
func HasAppAccess(permissions []string, app string) bool {
	return HasPermission(permissions, AppPermissionPrefix+app)
}

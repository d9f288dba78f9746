// Package rbac provides room permission checks.
package rbac

import "github.com/NicolasHaas/gochat/pkg/model"

// permissionMatrix maps room roles to their allowed permissions.
var permissionMatrix = map[model.RoomRole]map[model.Permission]bool{
	model.RoomRoleAdmin: {
		model.PermPostRoom:  true,
		model.PermLeaveRoom: true,
		model.PermDropRoom:  true,
	},
	model.RoomRoleMember: {
		model.PermPostRoom:  true,
		model.PermLeaveRoom: true,
	},
	model.RoomRoleNone: {
		// Not a member: nothing allowed
	},
}

// HasPermission checks if a room role has a specific permission.
func HasPermission(role model.RoomRole, perm model.Permission) bool {
	perms, ok := permissionMatrix[role]
	if !ok {
		return false
	}
	return perms[perm]
}

// RequirePermission returns an error message if the role lacks the permission, or empty string if allowed.
func RequirePermission(role model.RoomRole, perm model.Permission) string {
	if HasPermission(role, perm) {
		return ""
	}
	return "permission denied: " + permName(perm) + " not allowed for room " + role.String()
}

func permName(p model.Permission) string {
	switch p {
	case model.PermPostRoom:
		return "post_room"
	case model.PermLeaveRoom:
		return "leave_room"
	case model.PermDropRoom:
		return "drop_room"
	default:
		return "unknown"
	}
}

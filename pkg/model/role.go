package model

// RoomRole is a user's standing in one room.
type RoomRole int

const (
	RoomRoleNone   RoomRole = iota // Not a member
	RoomRoleMember                 // Can post and leave
	RoomRoleAdmin                  // Room creator: can also drop, even after leaving
)

func (r RoomRole) String() string {
	switch r {
	case RoomRoleNone:
		return "none"
	case RoomRoleMember:
		return "member"
	case RoomRoleAdmin:
		return "admin"
	default:
		return "unknown"
	}
}

// Valid returns true if the role is a recognised value.
func (r RoomRole) Valid() bool {
	return r >= RoomRoleNone && r <= RoomRoleAdmin
}

// Permission represents a room action that can be checked against a role.
type Permission int

const (
	PermPostRoom Permission = iota
	PermLeaveRoom
	PermDropRoom
)

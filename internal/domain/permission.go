package domain

// Permission is a per-instance access level for a non-admin user.
// Levels are ordered: each one implies everything below it.
type Permission string

const (
	PermView      Permission = "view"
	PermConsole   Permission = "console"
	PermStartStop Permission = "start_stop"
	PermManage    Permission = "manage"
)

var permRank = map[Permission]int{
	PermView:      1,
	PermConsole:   2,
	PermStartStop: 3,
	PermManage:    4,
}

// ValidPermission reports whether p names a known level.
func ValidPermission(p Permission) bool {
	_, ok := permRank[p]
	return ok
}

// Allows reports whether a granted level satisfies a required one.
func (p Permission) Allows(required Permission) bool {
	return permRank[p] >= permRank[required]
}

package dataset

import "strings"

// Role is a relationship hint inferred from a column name.
type Role string

const (
	RoleNone     Role = ""
	RoleResolver Role = "resolver"
	RoleAgent    Role = "agent"
	RoleCategory Role = "category"
	RoleStatus   Role = "status"
	RoleDuration Role = "duration"
	RoleCost     Role = "cost"
	RoleCount    Role = "count"
)

// InferRole maps a column name to a relationship hint. Numeric-only roles
// (duration, cost, count) are returned only when numeric is true.
func InferRole(name string, numeric bool) Role {
	n := strings.ToLower(name)
	switch {
	case containsAny(n, "assigned", "resolver", "owner", "assignee"):
		return RoleResolver
	case containsAny(n, "agent", "handler"):
		return RoleAgent
	case containsAny(n, "category", "type"):
		return RoleCategory
	case containsAny(n, "status", "state"):
		return RoleStatus
	}
	if !numeric {
		return RoleNone
	}
	switch {
	case containsAny(n, "time", "hour", "duration", "days", "age"):
		return RoleDuration
	case containsAny(n, "cost", "price", "amount", "revenue"):
		return RoleCost
	case containsAny(n, "count", "num", "tickets"):
		return RoleCount
	}
	return RoleNone
}

// IsEntity reports whether the role names who or what owns a row.
func (r Role) IsEntity() bool {
	return r == RoleResolver || r == RoleAgent
}

// LooksLikeID reports whether a column name denotes an identifier.
func LooksLikeID(name string) bool {
	n := strings.ToLower(name)
	if n == "id" || strings.HasSuffix(n, "_id") {
		return true
	}
	for _, part := range strings.Split(n, "_") {
		if part == "id" {
			return true
		}
	}
	return false
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// Package policy decides which accounts an actor may modify. The store
// itself performs no authorization checks; the HTTP layer consults these
// functions before calling into it.
package policy

import "github.com/userdir/apiserver/types"

// CanModify reports whether an actor may edit or delete the target account
// through the administrative paths. A super_admin may act on anyone but
// themself; an admin only on plain user accounts.
func CanModify(actor, target types.Role, isSelf bool) bool {
	switch actor {
	case types.RoleSuperAdmin:
		return !isSelf
	case types.RoleAdmin:
		return !isSelf && target == types.RoleUser
	default:
		return false
	}
}

// CanEditProfile reports whether an actor may update the target's profile
// fields. Everyone may edit their own profile; otherwise the administrative
// rule applies.
func CanEditProfile(actor, target types.Role, isSelf bool) bool {
	if isSelf {
		return true
	}
	return CanModify(actor, target, isSelf)
}

// CanSetRole reports whether an actor may grant or revoke roles on the
// target. Only super_admins change roles, and never their own.
func CanSetRole(actor types.Role, isSelf bool) bool {
	return actor == types.RoleSuperAdmin && !isSelf
}

package gaddr

// Perm is a permission bitset attached to a page-table entry and, once
// cached, to a TLB entry.
type Perm uint8

const (
	PermPresent Perm = 1 << iota
	PermRead
	PermWrite
	PermExecute
	PermUser
	PermGlobal
	PermAccessed
	PermDirty
)

// Has reports whether all bits in want are set.
func (p Perm) Has(want Perm) bool { return p&want == want }

// Allows reports whether p permits the given access under the given
// privilege mode, per the walker's leaf-validation rule: the
// access type must be granted, and a user-mode access additionally requires
// PermUser.
func (p Perm) Allows(access AccessType, userMode bool) bool {
	if !p.Has(PermPresent) {
		return false
	}
	if userMode && !p.Has(PermUser) {
		return false
	}
	switch access {
	case AccessRead:
		return p.Has(PermRead)
	case AccessWrite:
		return p.Has(PermWrite)
	case AccessExecute:
		return p.Has(PermExecute)
	default:
		return false
	}
}

// Superset reports whether p grants at least every permission in other,
// the invariant a cached TLB entry must maintain against its page-table
// entry ("a TLB entry is valid only if ... its permission
// set is a superset of the cached one").
func (p Perm) Superset(other Perm) bool {
	return other&^p == 0
}

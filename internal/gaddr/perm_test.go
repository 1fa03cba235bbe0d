package gaddr

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPerm_Has(t *testing.T) {
	p := PermPresent | PermRead | PermWrite
	require.True(t, p.Has(PermRead))
	require.True(t, p.Has(PermRead|PermWrite))
	require.False(t, p.Has(PermExecute))
}

func TestPerm_Allows(t *testing.T) {
	kernelRW := PermPresent | PermRead | PermWrite
	userRWX := PermPresent | PermRead | PermWrite | PermExecute | PermUser

	require.True(t, kernelRW.Allows(AccessRead, false))
	require.False(t, kernelRW.Allows(AccessRead, true), "user access requires PermUser")
	require.True(t, userRWX.Allows(AccessExecute, true))
	require.True(t, userRWX.Allows(AccessExecute, false), "a user-accessible page is still reachable from kernel mode")
}

func TestPerm_Allows_NotPresent(t *testing.T) {
	var p Perm
	require.False(t, p.Allows(AccessRead, false))
}

func TestPerm_Allows_DeniedAccessType(t *testing.T) {
	readOnly := PermPresent | PermRead | PermUser
	require.False(t, readOnly.Allows(AccessWrite, true))
	require.False(t, readOnly.Allows(AccessExecute, true))
}

func TestPerm_Superset(t *testing.T) {
	full := PermPresent | PermRead | PermWrite | PermExecute
	partial := PermPresent | PermRead

	require.True(t, full.Superset(partial))
	require.False(t, partial.Superset(full))
	require.True(t, full.Superset(full))
}

func TestAccessType_String(t *testing.T) {
	require.Equal(t, "read", AccessRead.String())
	require.Equal(t, "write", AccessWrite.String())
	require.Equal(t, "execute", AccessExecute.String())
	require.Equal(t, "invalid", AccessType(0xff).String())
}

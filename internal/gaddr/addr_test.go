package gaddr

import (
	"reflect"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAccessType_String_AllValues(t *testing.T) {
	cases := map[AccessType]string{
		AccessRead:    "read",
		AccessWrite:   "write",
		AccessExecute: "execute",
	}
	for access, want := range cases {
		require.Equal(t, want, access.String())
	}
}

func TestGuestAddr_DistinctFromPhys(t *testing.T) {
	var va GuestAddr = 0x1000
	var pa GuestPhysAddr = 0x1000
	require.Equal(t, uint64(va), uint64(pa))
	require.NotEqual(t, reflect.TypeOf(va), reflect.TypeOf(pa))
}

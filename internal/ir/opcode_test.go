package ir

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIntegerCmpCond_Signed(t *testing.T) {
	require.True(t, CondSignedLessThan.Signed())
	require.False(t, CondUnsignedLessThan.Signed())
	require.False(t, CondEqual.Signed())
}

func TestType_Bits(t *testing.T) {
	require.Equal(t, 64, TypeI64.Bits())
	require.Equal(t, 128, TypeV128.Bits())
	require.Equal(t, 0, TypeBool1.Bits())
}

func TestReg_Valid(t *testing.T) {
	require.False(t, RegInvalid.Valid())
	require.True(t, Reg(0).Valid())
}

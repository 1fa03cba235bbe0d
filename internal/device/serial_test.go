package device

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSerial_WriteEchoesToOut(t *testing.T) {
	var out bytes.Buffer
	s := NewSerial(&out)
	require.NoError(t, s.WriteMMIO(SerialRegData, 1, 'h'))
	require.NoError(t, s.WriteMMIO(SerialRegData, 1, 'i'))
	require.Equal(t, "hi", out.String())
}

func TestSerial_ReadDrainsInjected(t *testing.T) {
	s := NewSerial(&bytes.Buffer{})
	s.Inject([]byte("ab"))

	v, err := s.ReadMMIO(SerialRegData, 1)
	require.NoError(t, err)
	require.Equal(t, uint64('a'), v)

	v, err = s.ReadMMIO(SerialRegData, 1)
	require.NoError(t, err)
	require.Equal(t, uint64('b'), v)
}

func TestSerial_StatusReflectsDataReady(t *testing.T) {
	s := NewSerial(&bytes.Buffer{})
	v, err := s.ReadMMIO(SerialRegStatus, 1)
	require.NoError(t, err)
	require.Zero(t, v&serialLSRDataReady)

	s.Inject([]byte("x"))
	v, err = s.ReadMMIO(SerialRegStatus, 1)
	require.NoError(t, err)
	require.NotZero(t, v&serialLSRDataReady)
}

func TestSerial_RejectsWrongSize(t *testing.T) {
	s := NewSerial(&bytes.Buffer{})
	_, err := s.ReadMMIO(SerialRegData, 4)
	require.Error(t, err)
}

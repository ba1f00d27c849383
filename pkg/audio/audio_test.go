package audio

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemorySinkRecordsWrites(t *testing.T) {
	s := NewMemorySink()
	require.NoError(t, s.Write([]float64{0.1, -0.2, 0.3}))
	require.NoError(t, s.Write([]float64{0.4}))
	require.Equal(t, []float64{0.1, -0.2, 0.3, 0.4}, s.Samples())
}

func TestMemorySinkRejectsWriteAfterClose(t *testing.T) {
	s := NewMemorySink()
	require.NoError(t, s.Close())
	require.Error(t, s.Write([]float64{1}))
}

func TestEncodeInt16LEClampsAndScales(t *testing.T) {
	buf := EncodeInt16LE([]float64{1, -1, 0, 2, -2}, nil)
	require.Len(t, buf, 10)

	// full-scale positive: 32767 -> 0x7FFF little-endian.
	require.Equal(t, byte(0xFF), buf[0])
	require.Equal(t, byte(0x7F), buf[1])

	// full-scale negative clamps to -1 before scaling: -32767 -> 0x8001.
	require.Equal(t, byte(0x01), buf[2])
	require.Equal(t, byte(0x80), buf[3])

	// silence.
	require.Equal(t, byte(0x00), buf[4])
	require.Equal(t, byte(0x00), buf[5])

	// out-of-range values clamp identically to +-1.
	require.Equal(t, buf[0], buf[6])
	require.Equal(t, buf[1], buf[7])
	require.Equal(t, buf[2], buf[8])
	require.Equal(t, buf[3], buf[9])
}

package discovery

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseFilenameValidHexAddress(t *testing.T) {
	p, ok := ParseFilename("M1SpatialSystem_M1Panner_PID4242_PTR0x1a2b_T1700000000000.mem")
	require.True(t, ok)
	require.Equal(t, "M1Panner", p.Role)
	require.EqualValues(t, 4242, p.ProcessID)
	require.EqualValues(t, 0x1a2b, p.Address)
	require.EqualValues(t, 1700000000000, p.Timestamp)
}

func TestParseFilenameBareHexAddress(t *testing.T) {
	p, ok := ParseFilename("M1SpatialSystem_M1Panner_PID1_PTRdead_T5.mem")
	require.True(t, ok)
	require.EqualValues(t, 0xdead, p.Address)
}

func TestParseFilenameMissingPIDFails(t *testing.T) {
	_, ok := ParseFilename("M1SpatialSystem_M1Panner_PTR0x1_T5.mem")
	require.False(t, ok)
}

func TestParseFilenameMissingPTRFails(t *testing.T) {
	_, ok := ParseFilename("M1SpatialSystem_M1Panner_PID1_T5.mem")
	require.False(t, ok)
}

func TestParseFilenameMissingTimestampFails(t *testing.T) {
	_, ok := ParseFilename("M1SpatialSystem_M1Panner_PID1_PTR0x1.mem")
	require.False(t, ok)
}

func TestParseFilenameWrongPrefixFails(t *testing.T) {
	_, ok := ParseFilename("SomethingElse_PID1_PTR0x1_T5.mem")
	require.False(t, ok)
}

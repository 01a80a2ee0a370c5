package protocol

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/tiltdrive/internal/control"
)

func TestLineEncoder(t *testing.T) {
	tests := []struct {
		cmd  control.Command
		want string
	}{
		{control.Command{ThrottlePct: 75, SteeringDeg: 90}, "T75:S90\n"},
		{control.Command{ThrottlePct: -100, SteeringDeg: 0}, "T-100:S0\n"},
		{control.Neutral, "T0:S90\n"},
		{control.Command{ThrottlePct: 100, SteeringDeg: 180}, "T100:S180\n"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, string(LineEncoder{}.Encode(tt.cmd)))
	}
}

func TestSplitEncoder(t *testing.T) {
	tests := []struct {
		cmd  control.Command
		want string
	}{
		{control.Command{ThrottlePct: 75, SteeringDeg: 90}, "A+075\nD090\n"},
		{control.Command{ThrottlePct: -5, SteeringDeg: 0}, "A-005\nD000\n"},
		{control.Command{ThrottlePct: 0, SteeringDeg: 180}, "A+000\nD180\n"},
		{control.Command{ThrottlePct: -100, SteeringDeg: 7}, "A-100\nD007\n"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, string(SplitEncoder{}.Encode(tt.cmd)))
	}
}

func TestByName(t *testing.T) {
	enc, err := ByName("")
	require.NoError(t, err)
	assert.Equal(t, NameLine, enc.Name())

	enc, err = ByName(" Split ")
	require.NoError(t, err)
	assert.Equal(t, NameSplit, enc.Name())

	_, err = ByName("morse")
	assert.True(t, errors.Is(err, ErrUnknownProtocol))
}

func TestParseLineRoundTrip(t *testing.T) {
	for _, c := range []control.Command{control.Neutral, {ThrottlePct: -41, SteeringDeg: 180}} {
		got, err := ParseLine(string(LineEncoder{}.Encode(c)))
		require.NoError(t, err)
		assert.Equal(t, c, got)
	}
}

func TestParseLineRejectsGarbage(t *testing.T) {
	for _, in := range []string{"", "T10", "X1:S2", "T1:Q2", "Tfoo:S90", "T1:Sbar"} {
		_, err := ParseLine(in)
		assert.Error(t, err, "input %q", in)
	}
}

func TestParseSplit(t *testing.T) {
	var c control.Command
	require.NoError(t, ParseSplit("A-005", &c))
	require.NoError(t, ParseSplit("D120\n", &c))
	assert.Equal(t, control.Command{ThrottlePct: -5, SteeringDeg: 120}, c)

	assert.Error(t, ParseSplit("Z100", &c))
	assert.Error(t, ParseSplit("A", &c))
}

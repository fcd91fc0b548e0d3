package finance

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCanonical(t *testing.T) {
	cases := map[string]string{
		"10":      "10",
		"10.50":   "10.5",
		"0.500":   "0.5",
		".5":      "0.5",
		"-3.1400": "-3.14",
		"0":       "0",
		"0.000":   "0",
		"+7":      "7",
	}
	for in, want := range cases {
		a, err := Parse(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, a.String(), in)
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	for _, in := range []string{"", " ", "1e5", "1,000", "12.", "abc", "--1", "1.2.3"} {
		_, err := Parse(in)
		assert.Error(t, err, in)
	}
}

func TestArithmetic(t *testing.T) {
	a := MustParse("10.25")
	b := MustParse("0.75")

	assert.Equal(t, "11", a.Add(b).String())
	assert.Equal(t, "9.5", a.Sub(b).String())
	assert.Equal(t, "7.6875", a.Mul(b).String())
	assert.Equal(t, 1, a.Cmp(b))
	assert.Equal(t, 0, MustParse("1.0").Cmp(MustParse("1")))
}

func TestMinorUnits(t *testing.T) {
	a := MustParse("12.5")
	units, err := a.MinorUnits(6)
	require.NoError(t, err)
	assert.Equal(t, "12500000", units.String())

	// More precision than the chain supports must not be truncated.
	_, err = MustParse("0.0000001").MinorUnits(6)
	assert.Error(t, err)

	back := FromMinorUnits(big.NewInt(12500000), 6)
	assert.Equal(t, "12.5", back.String())
}

func TestTextRoundTrip(t *testing.T) {
	a := MustParse("99.001")
	text, err := a.MarshalText()
	require.NoError(t, err)

	var b Amount
	require.NoError(t, b.UnmarshalText(text))
	assert.Equal(t, 0, a.Cmp(b))
}

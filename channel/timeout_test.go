package channel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeGRPCTimeout_LargestEvenUnit(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{500 * time.Millisecond, "500m"},
		{2 * time.Second, "2S"},
		{90 * time.Second, "90S"},
		{3 * time.Minute, "3M"},
		{2 * time.Hour, "2H"},
		{1500 * time.Microsecond, "1500u"},
		{1 * time.Nanosecond, "1n"},
		{0, "0n"},
		{-5 * time.Second, "0n"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, EncodeGRPCTimeout(tt.d), "duration %v", tt.d)
	}
}

func TestGRPCTimeout_RoundTrip(t *testing.T) {
	durations := []time.Duration{
		1 * time.Nanosecond,
		500 * time.Millisecond,
		1500 * time.Microsecond,
		30 * time.Second,
		5 * time.Minute,
		10 * time.Hour,
	}
	for _, d := range durations {
		encoded := EncodeGRPCTimeout(d)
		decoded, err := DecodeGRPCTimeout(encoded)
		require.NoError(t, err)
		// Round-trip law: decode(encode(d)) is within 1 unit of d. Since
		// we always pick a unit that divides d evenly, this is exact.
		assert.Equal(t, d, decoded, "encoded as %s", encoded)
	}
}

func TestDecodeGRPCTimeout_Malformed(t *testing.T) {
	_, err := DecodeGRPCTimeout("")
	assert.Error(t, err)

	_, err = DecodeGRPCTimeout("5")
	assert.Error(t, err)

	_, err = DecodeGRPCTimeout("5Q")
	assert.Error(t, err)

	_, err = DecodeGRPCTimeout("abcH")
	assert.Error(t, err)
}

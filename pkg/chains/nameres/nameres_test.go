package nameres

import (
	"context"
	"encoding/hex"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docwallet/dwagent/pkg/chains"
)

func TestNamehashKnownVectors(t *testing.T) {
	// EIP-137 reference vectors.
	cases := map[string]string{
		"":        "0000000000000000000000000000000000000000000000000000000000000000",
		"eth":     "93cdeb708b7545dc668eb9280176169d1c33cfd8ed6f04690a0bcc88a93fc4ae",
		"foo.eth": "de9b09fd7c5f901e23a3f19fecc54828e9c848539801e86591bd9801b019f84f",
	}
	for name, want := range cases {
		node := Namehash(name)
		assert.Equal(t, want, hex.EncodeToString(node[:]), "namehash(%q)", name)
	}
}

func TestNamehashIsCaseInsensitive(t *testing.T) {
	assert.Equal(t, Namehash("Foo.ETH"), Namehash("foo.eth"))
}

// countingResolver counts lookups and serves a fixed record map.
type countingResolver struct {
	records map[string]string
	calls   int
}

func (r *countingResolver) ResolveTextRecord(_ context.Context, name, key string) (string, error) {
	r.calls++
	if v, ok := r.records[name+"/"+key]; ok {
		return v, nil
	}
	return "", fmt.Errorf("%w: %s[%s]", chains.ErrNoRecord, name, key)
}

func TestCachedServesFromCacheWithinTTL(t *testing.T) {
	inner := &countingResolver{records: map[string]string{
		"treasury.eth/dw.policy": `{"maxSingleTxUsdc":"500"}`,
	}}
	c := NewCached(inner)

	clock := time.Unix(1_700_000_000, 0)
	c.now = func() time.Time { return clock }

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		v, err := c.ResolveTextRecord(ctx, "treasury.eth", "dw.policy")
		require.NoError(t, err)
		assert.Equal(t, `{"maxSingleTxUsdc":"500"}`, v)
	}
	assert.Equal(t, 1, inner.calls)

	// TTL elapses and the next read goes through.
	clock = clock.Add(61 * time.Second)
	_, err := c.ResolveTextRecord(ctx, "treasury.eth", "dw.policy")
	require.NoError(t, err)
	assert.Equal(t, 2, inner.calls)
}

func TestCachedCachesNegativeResults(t *testing.T) {
	inner := &countingResolver{}
	c := NewCached(inner, WithTTL(time.Minute))

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := c.ResolveTextRecord(ctx, "nobody.eth", "dw.policy")
		assert.ErrorIs(t, err, chains.ErrNoRecord)
	}
	assert.Equal(t, 1, inner.calls)
}

func TestDecodeString(t *testing.T) {
	// ABI encoding of the string "hi": offset 0x20, length 2, padded data.
	raw := make([]byte, 96)
	raw[31] = 0x20
	raw[63] = 0x02
	copy(raw[64:], "hi")

	s, err := decodeString(raw)
	require.NoError(t, err)
	assert.Equal(t, "hi", s)

	s, err = decodeString(nil)
	require.NoError(t, err)
	assert.Empty(t, s)
}

package statechannel

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppStateDigestIsDeterministic(t *testing.T) {
	s := &AppState{
		SessionID: "sess-1",
		Version:   7,
		Intent:    "PAYOUT",
		Payload:   json.RawMessage(`{"to":"0xabc","amount":"10"}`),
	}
	d1, err := s.Digest()
	require.NoError(t, err)
	d2, err := s.Digest()
	require.NoError(t, err)
	assert.Equal(t, d1, d2)
	assert.Len(t, d1, 32)
}

func TestAppStateDigestIgnoresPayloadKeyOrder(t *testing.T) {
	a := &AppState{SessionID: "s", Version: 1, Intent: "PAYOUT",
		Payload: json.RawMessage(`{"amount":"10","to":"0xabc"}`)}
	b := &AppState{SessionID: "s", Version: 1, Intent: "PAYOUT",
		Payload: json.RawMessage(`{"to":"0xabc","amount":"10"}`)}

	da, err := a.Digest()
	require.NoError(t, err)
	db, err := b.Digest()
	require.NoError(t, err)
	assert.Equal(t, da, db)
}

func TestAppStateDigestChangesWithVersion(t *testing.T) {
	a := &AppState{SessionID: "s", Version: 1, Intent: "PAYOUT"}
	b := &AppState{SessionID: "s", Version: 2, Intent: "PAYOUT"}

	da, err := a.Digest()
	require.NoError(t, err)
	db, err := b.Digest()
	require.NoError(t, err)
	assert.NotEqual(t, da, db)
}

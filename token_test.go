package talk

import (
	"testing"
	"time"

	"github.com/hoccer/hoccer-talk-spike-sub002/store"
	"github.com/stretchr/testify/require"
)

func TestPairingTokenSingleUse(t *testing.T) {
	require := require.New(t)
	s, _, _ := newTestServer(t)
	issuer, issuerID := seedClient(t, s)
	b, bID := seedClient(t, s)
	c, cID := seedClient(t, s)

	secret, err := issuer.GeneratePairingToken(1, 3600)
	require.NoError(err)
	require.NotEmpty(secret)

	paired, err := b.PairByToken(secret)
	require.NoError(err)
	require.True(paired)
	require.Equal(store.RelationshipFriend, relationshipState(t, s, bID, issuerID).State)
	require.Equal(store.RelationshipFriend, relationshipState(t, s, issuerID, bID).State)

	// The second redeem is a plain failure and touches nothing.
	paired, err = c.PairByToken(secret)
	require.NoError(err)
	require.False(paired)
	require.Equal(store.RelationshipNone, relationshipState(t, s, cID, issuerID).State)
	require.Equal(store.RelationshipNone, relationshipState(t, s, issuerID, cID).State)
}

func TestPairingTokenMultiUse(t *testing.T) {
	require := require.New(t)
	s, _, _ := newTestServer(t)
	issuer, issuerID := seedClient(t, s)
	b, bID := seedClient(t, s)
	c, cID := seedClient(t, s)

	secret, err := issuer.GeneratePairingToken(2, 3600)
	require.NoError(err)

	paired, err := b.PairByToken(secret)
	require.NoError(err)
	require.True(paired)
	paired, err = c.PairByToken(secret)
	require.NoError(err)
	require.True(paired)
	require.Equal(store.RelationshipFriend, relationshipState(t, s, bID, issuerID).State)
	require.Equal(store.RelationshipFriend, relationshipState(t, s, cID, issuerID).State)
}

func TestPairingTokenExpiry(t *testing.T) {
	require := require.New(t)
	s, _, cl := newTestServer(t)
	issuer, _ := seedClient(t, s)
	b, _ := seedClient(t, s)

	secret, err := issuer.GeneratePairingToken(1, 60)
	require.NoError(err)

	cl.Advance(2 * time.Minute)
	paired, err := b.PairByToken(secret)
	require.NoError(err)
	require.False(paired)
}

func TestPairingTokenSelfRedeem(t *testing.T) {
	require := require.New(t)
	s, _, _ := newTestServer(t)
	issuer, _ := seedClient(t, s)

	secret, err := issuer.GeneratePairingToken(1, 3600)
	require.NoError(err)
	_, err = issuer.PairByToken(secret)
	require.Error(err)
}

func TestUnknownTokenSecret(t *testing.T) {
	require := require.New(t)
	s, _, _ := newTestServer(t)
	b, _ := seedClient(t, s)

	paired, err := b.PairByToken("no-such-secret")
	require.NoError(err)
	require.False(paired)
}

func TestTokenLifetimeClamping(t *testing.T) {
	require := require.New(t)
	s, _, cl := newTestServer(t)
	issuer, _ := seedClient(t, s)
	b, _ := seedClient(t, s)

	// A requested lifetime far beyond the maximum is clamped; the token is
	// unusable once the maximum has passed.
	secret, err := issuer.GenerateToken(store.TokenPurposePairing, 365*24*3600)
	require.NoError(err)
	cl.Advance(time.Duration(s.config.TokenLifetimeMaxSec+60) * time.Second)
	paired, err := b.PairByToken(secret)
	require.NoError(err)
	require.False(paired)
}

package store

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDeliveryStateTable(t *testing.T) {
	require := require.New(t)

	require.True(DeliveryStateAllowed(DeliveryStateNew, DeliveryStateDelivering))
	require.True(DeliveryStateAllowed(DeliveryStateDelivering, DeliveryStateDeliveredSeen))
	require.True(DeliveryStateAllowed(DeliveryStateDeliveredUnseen, DeliveryStateDeliveredSeen))
	require.True(DeliveryStateAllowed(DeliveryStateDeliveredSeen, DeliveryStateDeliveredSeenAcknowledged))

	// No skipping and no going back.
	require.False(DeliveryStateAllowed(DeliveryStateNew, DeliveryStateDeliveredSeen))
	require.False(DeliveryStateAllowed(DeliveryStateDeliveredSeen, DeliveryStateDelivering))
	require.False(DeliveryStateAllowed(DeliveryStateDeliveredSeenAcknowledged, DeliveryStateDeliveredSeen))

	// Acknowledged states and failure acknowledgements are terminal.
	for _, state := range []string{
		DeliveryStateDeliveredUnseenAcknowledged,
		DeliveryStateDeliveredSeenAcknowledged,
		DeliveryStateDeliveredPrivateAcknowledged,
		DeliveryStateRejectedAcknowledged,
		DeliveryStateFailedAcknowledged,
		DeliveryStateAbortedAcknowledged,
	} {
		require.True(DeliveryStateFinal(state), state)
	}
	require.False(DeliveryStateFinal(DeliveryStateDelivering))
	require.False(DeliveryStateFinal(DeliveryStateRejected))

	require.True(ValidDeliveryState(DeliveryStateAborted))
	require.False(ValidDeliveryState("mislaid"))
	require.False(DeliveryStateFinal("mislaid"))
}

func TestAttachmentStateTable(t *testing.T) {
	require := require.New(t)

	// Pausing is reversible on both sides.
	require.True(AttachmentStateAllowed(AttachmentStateUploading, AttachmentStateUploadPaused))
	require.True(AttachmentStateAllowed(AttachmentStateUploadPaused, AttachmentStateUploading))
	require.True(AttachmentStateAllowed(AttachmentStateDownloading, AttachmentStateDownloadPaused))
	require.True(AttachmentStateAllowed(AttachmentStateDownloadPaused, AttachmentStateDownloading))

	// Download only starts once the upload completed.
	require.True(AttachmentStateAllowed(AttachmentStateUploaded, AttachmentStateDownloading))
	require.False(AttachmentStateAllowed(AttachmentStateUploading, AttachmentStateDownloading))

	// A message without an attachment never transitions.
	require.False(AttachmentStateAllowed(AttachmentStateNone, AttachmentStateUploading))
	require.True(ValidAttachmentState(AttachmentStateNone))
}

func TestTokenUsable(t *testing.T) {
	require := require.New(t)

	token := &Token{
		State:       TokenStateUnused,
		TimeExpires: 10_000,
		MaxUseCount: 2,
	}
	require.True(token.Usable(9_999))
	require.False(token.Usable(10_000))

	token.UseCount = 1
	token.State = TokenStateUsed
	require.True(token.Usable(5_000))

	token.UseCount = 2
	require.False(token.Usable(5_000))

	token.UseCount = 0
	token.State = TokenStateSpent
	require.False(token.Usable(5_000))
}

func TestEnvironmentMatching(t *testing.T) {
	require := require.New(t)

	a := &Environment{EnvType: EnvironmentTypeNearby, BSSIDs: "aa,bb"}
	b := &Environment{EnvType: EnvironmentTypeNearby, BSSIDs: "bb,cc"}
	c := &Environment{EnvType: EnvironmentTypeNearby, BSSIDs: "dd"}
	require.True(a.Matches(b))
	require.False(a.Matches(c))

	// Identifiers and tags also establish nearby matches.
	d := &Environment{EnvType: EnvironmentTypeNearby, Identifiers: "beacon-1"}
	e := &Environment{EnvType: EnvironmentTypeNearby, Identifiers: "beacon-1,beacon-2"}
	require.True(d.Matches(e))
	require.False(d.Matches(c))

	// Worldwide matching is by tag alone, never across types.
	w1 := &Environment{EnvType: EnvironmentTypeWorldwide, Tag: "*"}
	w2 := &Environment{EnvType: EnvironmentTypeWorldwide, Tag: "*", BSSIDs: "aa"}
	require.True(w1.Matches(w2))
	require.False(w1.Matches(a))
	require.False(w1.Matches(&Environment{EnvType: EnvironmentTypeWorldwide, Tag: "other"}))
}

func TestEnvironmentExpiry(t *testing.T) {
	require := require.New(t)

	e := &Environment{TimeReceived: 1_000_000, TTLSec: 60}
	require.False(e.Expired(1_000_000))
	require.False(e.Expired(1_059_999))
	require.True(e.Expired(1_060_000))

	// Zero ttl means no expiry.
	forever := &Environment{TimeReceived: 1_000_000}
	require.False(forever.Expired(9_000_000_000))

	require.False(e.Released())
	e.TimeReleased = 1_030_000
	require.True(e.Released())
}

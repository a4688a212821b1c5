package talk

import (
	"testing"

	"github.com/hoccer/hoccer-talk-spike-sub002/store"
	"github.com/stretchr/testify/require"
)

func relationshipState(t *testing.T, s *Server, clientID, otherID string) *store.Relationship {
	t.Helper()
	var rel *store.Relationship
	require.NoError(t, s.run("read relationship", func() error {
		var err error
		rel, err = s.store.RelationshipOrNone(clientID, otherID)
		return err
	}))
	return rel
}

func TestInviteAcceptSymmetry(t *testing.T) {
	require := require.New(t)
	s, _, _ := newTestServer(t)
	a, aID := seedClient(t, s)
	b, bID := seedClient(t, s)

	require.NoError(a.InviteFriend(bID))
	require.Equal(store.RelationshipInvited, relationshipState(t, s, aID, bID).State)
	require.Equal(store.RelationshipInvitedMe, relationshipState(t, s, bID, aID).State)

	// Only the invited side can accept.
	require.Error(a.AcceptFriend(bID))

	require.NoError(b.AcceptFriend(aID))
	require.Equal(store.RelationshipFriend, relationshipState(t, s, aID, bID).State)
	require.Equal(store.RelationshipFriend, relationshipState(t, s, bID, aID).State)

	// Re-inviting a friend fails and changes nothing.
	require.Error(a.InviteFriend(bID))
	require.Equal(store.RelationshipFriend, relationshipState(t, s, aID, bID).State)
}

func TestRefuseAndDisinvite(t *testing.T) {
	require := require.New(t)
	s, _, _ := newTestServer(t)
	a, aID := seedClient(t, s)
	b, bID := seedClient(t, s)

	require.NoError(a.InviteFriend(bID))
	require.NoError(b.RefuseFriend(aID))
	require.Equal(store.RelationshipNone, relationshipState(t, s, aID, bID).State)
	require.Equal(store.RelationshipNone, relationshipState(t, s, bID, aID).State)

	require.NoError(a.InviteFriend(bID))
	require.NoError(a.DisinviteFriend(bID))
	require.Equal(store.RelationshipNone, relationshipState(t, s, aID, bID).State)
	require.Equal(store.RelationshipNone, relationshipState(t, s, bID, aID).State)
}

func TestBlockRevokesInvitation(t *testing.T) {
	require := require.New(t)
	s, _, _ := newTestServer(t)
	a, aID := seedClient(t, s)
	b, bID := seedClient(t, s)

	require.NoError(a.InviteFriend(bID))
	require.NoError(b.BlockClient(aID))
	require.Equal(store.RelationshipBlocked, relationshipState(t, s, bID, aID).State)
	// The invitation does not survive the block.
	require.Equal(store.RelationshipNone, relationshipState(t, s, aID, bID).State)

	// Unblocking does not resurrect it either.
	require.NoError(b.UnblockClient(aID))
	require.Equal(store.RelationshipNone, relationshipState(t, s, bID, aID).State)

	// A blocked client cannot invite.
	require.NoError(b.BlockClient(aID))
	require.Error(a.InviteFriend(bID))
}

func TestUnblockRestoresFriendship(t *testing.T) {
	require := require.New(t)
	s, _, _ := newTestServer(t)
	a, aID := seedClient(t, s)
	b, bID := seedClient(t, s)
	befriendClients(t, a, aID, b, bID)

	require.NoError(a.BlockClient(bID))
	rel := relationshipState(t, s, aID, bID)
	require.Equal(store.RelationshipBlocked, rel.State)
	require.Equal(store.RelationshipFriend, rel.UnblockState)
	// The other side keeps its friend edge while blocked.
	require.Equal(store.RelationshipFriend, relationshipState(t, s, bID, aID).State)

	require.NoError(a.UnblockClient(bID))
	require.Equal(store.RelationshipFriend, relationshipState(t, s, aID, bID).State)

	// Unblocking without a block is an error.
	require.Error(a.UnblockClient(bID))
}

func TestDepairKeepsReverseBlock(t *testing.T) {
	require := require.New(t)
	s, _, _ := newTestServer(t)
	a, aID := seedClient(t, s)
	b, bID := seedClient(t, s)
	befriendClients(t, a, aID, b, bID)

	require.NoError(b.BlockClient(aID))
	require.NoError(a.DepairClient(bID))
	require.Equal(store.RelationshipNone, relationshipState(t, s, aID, bID).State)
	// b's block is b's to lift, not a's to erase.
	require.Equal(store.RelationshipBlocked, relationshipState(t, s, bID, aID).State)
}

func TestSetClientNotifications(t *testing.T) {
	require := require.New(t)
	s, _, _ := newTestServer(t)
	a, aID := seedClient(t, s)
	b, bID := seedClient(t, s)
	befriendClients(t, a, aID, b, bID)

	require.NoError(a.SetClientNotifications(bID, store.NotificationsDisabled))
	require.Equal(store.NotificationsDisabled, relationshipState(t, s, aID, bID).NotificationPreference)
	// Directed: the reverse edge is untouched.
	require.Equal(store.NotificationsEnabled, relationshipState(t, s, bID, aID).NotificationPreference)

	require.Error(a.SetClientNotifications(bID, "sometimes"))
}

func TestGetRelationshipsIncremental(t *testing.T) {
	require := require.New(t)
	s, _, cl := newTestServer(t)
	a, aID := seedClient(t, s)
	b, bID := seedClient(t, s)
	c, cID := seedClient(t, s)

	befriendClients(t, a, aID, b, bID)
	rels, err := a.GetRelationships(0)
	require.NoError(err)
	require.Len(rels, 1)
	lastKnown := rels[0].LastChanged

	cl.Advance(1000)
	befriendClients(t, a, aID, c, cID)
	rels, err = a.GetRelationships(lastKnown)
	require.NoError(err)
	require.Len(rels, 1)
	require.Equal(cID, rels[0].OtherClientID)
}

func TestIsContactOf(t *testing.T) {
	require := require.New(t)
	s, _, _ := newTestServer(t)
	a, aID := seedClient(t, s)
	b, bID := seedClient(t, s)
	c, cID := seedClient(t, s)

	related, err := a.IsContactOf(bID)
	require.NoError(err)
	require.False(related)

	befriendClients(t, a, aID, b, bID)
	related, err = a.IsContactOf(bID)
	require.NoError(err)
	require.True(related)

	// Shared joined group also makes a contact.
	groupID, err := a.CreateGroup("shared")
	require.NoError(err)
	require.NoError(a.InviteGroupMember(groupID, cID))
	require.NoError(c.JoinGroup(groupID))
	related, err = a.IsContactOf(cID)
	require.NoError(err)
	require.True(related)
}

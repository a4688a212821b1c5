package talk

import (
	"fmt"
	"testing"
	"time"

	"github.com/hoccer/hoccer-talk-spike-sub002/config"
	"github.com/hoccer/hoccer-talk-spike-sub002/store"
	"github.com/stretchr/testify/require"
)

func TestNearbyConvergence(t *testing.T) {
	require := require.New(t)
	s, _, _ := newTestServer(t)
	a, _ := seedClient(t, s)
	b, _ := seedClient(t, s)
	c, _ := seedClient(t, s)

	g1, err := a.UpdateEnvironment(&store.Environment{EnvType: store.EnvironmentTypeNearby, BSSIDs: "aa:bb"})
	require.NoError(err)
	require.NotEmpty(g1)

	// Same bssid lands in the same group.
	g2, err := b.UpdateEnvironment(&store.Environment{EnvType: store.EnvironmentTypeNearby, BSSIDs: "aa:bb,cc:dd"})
	require.NoError(err)
	require.Equal(g1, g2)

	// A different locality gets its own group.
	g3, err := c.UpdateEnvironment(&store.Environment{EnvType: store.EnvironmentTypeNearby, BSSIDs: "ee:ff"})
	require.NoError(err)
	require.NotEqual(g1, g3)
}

func TestNearbyMigratesToLargestGroup(t *testing.T) {
	require := require.New(t)
	s, _, _ := newTestServer(t)
	a, _ := seedClient(t, s)
	b, _ := seedClient(t, s)
	c, cID := seedClient(t, s)

	gA, err := a.UpdateEnvironment(&store.Environment{EnvType: store.EnvironmentTypeNearby, BSSIDs: "net-1"})
	require.NoError(err)
	gB, err := b.UpdateEnvironment(&store.Environment{EnvType: store.EnvironmentTypeNearby, BSSIDs: "net-1"})
	require.NoError(err)
	require.Equal(gA, gB)

	// c sits alone elsewhere, then moves into the shared locality.
	gC, err := c.UpdateEnvironment(&store.Environment{EnvType: store.EnvironmentTypeNearby, BSSIDs: "net-2"})
	require.NoError(err)
	require.NotEqual(gA, gC)

	gC2, err := c.UpdateEnvironment(&store.Environment{EnvType: store.EnvironmentTypeNearby, BSSIDs: "net-1"})
	require.NoError(err)
	require.Equal(gA, gC2)
	require.Equal(store.MembershipStateJoined, membershipState(t, s, gA, cID).State)
	// The abandoned group was never announced to anyone and vanishes outright.
	err = s.run("check group gone", func() error {
		_, err := s.store.GroupPresence(gC)
		return err
	})
	require.ErrorIs(err, store.ErrNotFound)
}

func TestWorldwideGrouping(t *testing.T) {
	require := require.New(t)
	s, _, _ := newTestServer(t)

	groups := map[string]bool{}
	for i := 0; i < 45; i++ {
		conn, _ := seedClient(t, s)
		groupID, err := conn.UpdateEnvironment(&store.Environment{
			EnvType: store.EnvironmentTypeWorldwide,
			Tag:     "*",
		})
		require.NoError(err)
		require.NotEmpty(groupID)
		groups[groupID] = true
	}
	// 45 clients with bounds [10, 20] settle on 3 groups.
	require.Len(groups, 3)

	for groupID := range groups {
		var count int
		require.NoError(s.run("count members", func() error {
			var err error
			count, err = s.store.JoinedMemberCount(groupID)
			return err
		}))
		require.LessOrEqual(count, s.config.WorldwideGroupSizeMax)
		require.NotZero(count)
	}
}

func TestWorldwideDifferentTagsSeparate(t *testing.T) {
	require := require.New(t)
	s, _, _ := newTestServer(t)
	a, _ := seedClient(t, s)
	b, _ := seedClient(t, s)

	g1, err := a.UpdateEnvironment(&store.Environment{EnvType: store.EnvironmentTypeWorldwide, Tag: "alpha"})
	require.NoError(err)
	g2, err := b.UpdateEnvironment(&store.Environment{EnvType: store.EnvironmentTypeWorldwide, Tag: "beta"})
	require.NoError(err)
	require.NotEqual(g1, g2)
}

func TestWorldwideAbandonsSurplusGroups(t *testing.T) {
	require := require.New(t)
	s, _, _ := newTestServer(t, config.WithWorldwideGroupSizeBounds(2, 3))

	caller, callerID := seedClient(t, s)

	// Fabricate five single-member groups for the same tag, the caller
	// sitting in g5. Bounds [2, 3] with 5 clients give a target band of
	// [2, 3] groups, so 5 groups is a surplus.
	err := s.run("seed environments", func() error {
		for i := 1; i <= 5; i++ {
			groupID := fmt.Sprintf("g%d", i)
			clientID := callerID
			if i < 5 {
				clientID = fmt.Sprintf("wwclient-%d", i)
				if err := s.store.InsertClient(&store.Client{
					ClientID:       clientID,
					TimeRegistered: s.clock.CurrentTimeMs(),
				}); err != nil {
					return err
				}
			}
			if err := s.store.InsertGroupPresence(&store.GroupPresence{
				GroupID:   groupID,
				GroupType: store.GroupTypeWorldwide,
				State:     store.GroupStateExists,
			}); err != nil {
				return err
			}
			if err := s.store.UpsertMembership(&store.GroupMembership{
				GroupID:  groupID,
				ClientID: clientID,
				State:    store.MembershipStateJoined,
				Role:     store.RoleWorldwideMember,
			}); err != nil {
				return err
			}
			if err := s.store.UpsertEnvironment(&store.Environment{
				EnvType:      store.EnvironmentTypeWorldwide,
				ClientID:     clientID,
				GroupID:      groupID,
				Tag:          "*",
				TTLSec:       3600,
				TimeReceived: s.clock.CurrentTimeMs(),
			}); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(err)

	groupID, err := caller.UpdateEnvironment(&store.Environment{
		EnvType: store.EnvironmentTypeWorldwide,
		Tag:     "*",
	})
	require.NoError(err)
	// The caller's own surplus group is abandoned in favor of a kept one,
	// and the emptied single-member group is removed outright.
	require.NotEqual("g5", groupID)
	require.Equal(store.MembershipStateJoined, membershipState(t, s, groupID, callerID).State)
	err = s.run("check abandoned group gone", func() error {
		_, err := s.store.GroupPresence("g5")
		return err
	})
	require.ErrorIs(err, store.ErrNotFound)
}

func TestExpiredWorldwideEnvironmentCleanup(t *testing.T) {
	require := require.New(t)
	s, _, cl := newTestServer(t)
	a, aID := seedClient(t, s)
	b, bID := seedClient(t, s)
	befriendClients(t, a, aID, b, bID)

	_, err := b.UpdateEnvironment(&store.Environment{EnvType: store.EnvironmentTypeWorldwide, Tag: "*", TTLSec: 60})
	require.NoError(err)

	// A message in flight to b protects its expired environment.
	messageID, _ := sendMessage(t, a, bID)
	cl.Advance(2 * time.Minute)
	_, err = a.UpdateEnvironment(&store.Environment{EnvType: store.EnvironmentTypeWorldwide, Tag: "*"})
	require.NoError(err)
	require.NoError(s.run("check environment", func() error {
		_, err := s.store.Environment(store.EnvironmentTypeWorldwide, bID)
		return err
	}))

	// Once the delivery settles, the next update sweeps it.
	_, err = b.InDeliveryConfirmSeen(messageID)
	require.NoError(err)
	_, err = a.UpdateEnvironment(&store.Environment{EnvType: store.EnvironmentTypeWorldwide, Tag: "*"})
	require.NoError(err)
	err = s.run("check environment gone", func() error {
		_, err := s.store.Environment(store.EnvironmentTypeWorldwide, bID)
		return err
	})
	require.ErrorIs(err, store.ErrNotFound)
}

func TestReleaseEnvironmentTombstone(t *testing.T) {
	require := require.New(t)
	s, _, _ := newTestServer(t)
	a, aID := seedClient(t, s)
	b, _ := seedClient(t, s)

	g1, err := a.UpdateEnvironment(&store.Environment{EnvType: store.EnvironmentTypeNearby, BSSIDs: "net-1", TTLSec: 3600})
	require.NoError(err)
	g2, err := b.UpdateEnvironment(&store.Environment{EnvType: store.EnvironmentTypeNearby, BSSIDs: "net-1"})
	require.NoError(err)
	require.Equal(g1, g2)

	require.NoError(a.ReleaseEnvironment(store.EnvironmentTypeNearby))
	// Membership is gone, the environment row survives as a tombstone.
	require.Equal(store.MembershipStateNone, membershipState(t, s, g1, aID).State)
	var env *store.Environment
	require.NoError(s.run("read tombstone", func() error {
		var err error
		env, err = s.store.Environment(store.EnvironmentTypeNearby, aID)
		return err
	}))
	require.True(env.Released())

	// A newcomer still finds the group through b's live environment.
	c, _ := seedClient(t, s)
	g3, err := c.UpdateEnvironment(&store.Environment{EnvType: store.EnvironmentTypeNearby, BSSIDs: "net-1"})
	require.NoError(err)
	require.Equal(g1, g3)
}

func TestDestroyEnvironmentCleansUpGroup(t *testing.T) {
	require := require.New(t)
	s, _, _ := newTestServer(t)
	a, _ := seedClient(t, s)
	b, _ := seedClient(t, s)

	// A group nobody else ever joined was never announced; destroying its
	// only member's environment removes it without a trace.
	g1, err := a.UpdateEnvironment(&store.Environment{EnvType: store.EnvironmentTypeNearby, BSSIDs: "net-9"})
	require.NoError(err)
	require.NoError(a.DestroyEnvironment(store.EnvironmentTypeNearby))
	err = s.run("read solo group", func() error {
		_, err := s.store.GroupPresence(g1)
		return err
	})
	require.ErrorIs(err, store.ErrNotFound)

	// A shared group is announced; once the last member leaves it stays
	// behind as a tombstone.
	g2, err := a.UpdateEnvironment(&store.Environment{EnvType: store.EnvironmentTypeNearby, BSSIDs: "net-10"})
	require.NoError(err)
	g3, err := b.UpdateEnvironment(&store.Environment{EnvType: store.EnvironmentTypeNearby, BSSIDs: "net-10"})
	require.NoError(err)
	require.Equal(g2, g3)
	require.NoError(a.DestroyEnvironment(store.EnvironmentTypeNearby))
	require.NoError(b.DestroyEnvironment(store.EnvironmentTypeNearby))

	var group *store.GroupPresence
	require.NoError(s.run("read shared group", func() error {
		var err error
		group, err = s.store.GroupPresence(g2)
		return err
	}))
	require.Equal(store.GroupStateDeleted, group.State)
}

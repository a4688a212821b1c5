package talk

import (
	"errors"

	"github.com/hoccer/hoccer-talk-spike-sub002/ids"
	"github.com/hoccer/hoccer-talk-spike-sub002/store"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// The environment engine. Clients declare a locality (nearby: shared
// network/geo evidence, worldwide: a tag) and the server sorts matching
// clients into shared groups. Nearby environments converge on one group per
// locality; worldwide environments are balanced across a group count derived
// from the configured size bounds.

// UpdateEnvironment declares or refreshes the caller's environment and
// returns the group the caller ends up in.
func (c *Connection) UpdateEnvironment(env *store.Environment) (string, error) {
	clientID, err := c.gate("updateEnvironment")
	if err != nil {
		return "", err
	}
	if env.EnvType != store.EnvironmentTypeNearby && env.EnvType != store.EnvironmentTypeWorldwide {
		return "", rpcError("talk: unknown environment type %q", env.EnvType)
	}

	now := c.server.clock.CurrentTimeMs()
	env.ClientID = clientID
	env.TimeReceived = now
	env.TimeReleased = 0
	if env.TTLSec == 0 {
		env.TTLSec = c.server.config.EnvironmentDefaultTTLSec
	}

	var groupID string
	err = c.server.run("update environment for "+clientID, func() error {
		s := c.server
		matches, err := s.liveMatches(env, now)
		if err != nil {
			return err
		}
		currentGroup, err := s.currentEnvironmentGroup(env.EnvType, clientID)
		if err != nil {
			return err
		}

		if env.EnvType == store.EnvironmentTypeNearby {
			groupID, err = s.placeNearby(clientID, matches, currentGroup)
		} else {
			groupID, err = s.placeWorldwide(clientID, env, matches, currentGroup)
		}
		if err != nil {
			return err
		}

		if groupID != currentGroup {
			if err := s.joinEnvironmentGroup(clientID, groupID, env.EnvType); err != nil {
				return err
			}
			if currentGroup != "" {
				if err := s.leaveEnvironmentGroup(clientID, currentGroup); err != nil {
					return err
				}
			}
		}
		env.GroupID = groupID
		return s.store.UpsertEnvironment(env)
	})
	if err != nil {
		return "", err
	}
	c.log.Debugf("client %s placed in %s group %s", clientID, env.EnvType, groupID)
	return groupID, nil
}

// DestroyEnvironment drops the caller's environment of the given type
// outright, leaving its group.
func (c *Connection) DestroyEnvironment(envType string) error {
	clientID, err := c.gate("destroyEnvironment")
	if err != nil {
		return err
	}
	return c.server.run("destroy environment for "+clientID, func() error {
		s := c.server
		env, err := s.store.Environment(envType, clientID)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if env.GroupID != "" {
			if err := s.leaveEnvironmentGroup(clientID, env.GroupID); err != nil {
				return err
			}
		}
		return s.store.DeleteEnvironment(envType, clientID)
	})
}

// ReleaseEnvironment ends the caller's participation but keeps the
// environment row as a tombstone while its ttl lasts, so a quick return to
// the same locality is cheap. The group membership is removed either way.
func (c *Connection) ReleaseEnvironment(envType string) error {
	clientID, err := c.gate("releaseEnvironment")
	if err != nil {
		return err
	}
	return c.server.run("release environment for "+clientID, func() error {
		s := c.server
		env, err := s.store.Environment(envType, clientID)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if env.GroupID != "" {
			if err := s.leaveEnvironmentGroup(clientID, env.GroupID); err != nil {
				return err
			}
		}
		if env.Released() || env.Expired(s.clock.CurrentTimeMs()) {
			return s.store.DeleteEnvironment(envType, clientID)
		}
		return s.store.ReleaseEnvironment(envType, clientID)
	})
}

// liveMatches returns other clients' matching live environments. Expired
// worldwide environments of others are cleaned up along the way, unless
// deliveries are still in flight to their owner.
func (s *Server) liveMatches(env *store.Environment, now uint64) ([]*store.Environment, error) {
	envs, err := s.store.EnvironmentsByType(env.EnvType)
	if err != nil {
		return nil, err
	}
	matches := []*store.Environment{}
	for _, e := range envs {
		if e.ClientID == env.ClientID {
			continue
		}
		if e.EnvType == store.EnvironmentTypeWorldwide && e.Expired(now) {
			inFlight, err := s.store.InFlightDeliveryCount(e.ClientID)
			if err != nil {
				return nil, err
			}
			if inFlight == 0 {
				if e.GroupID != "" {
					if err := s.leaveEnvironmentGroup(e.ClientID, e.GroupID); err != nil {
						return nil, err
					}
				}
				if err := s.store.DeleteEnvironment(e.EnvType, e.ClientID); err != nil {
					return nil, err
				}
			}
			continue
		}
		if e.Released() || e.Expired(now) {
			continue
		}
		if env.Matches(e) {
			matches = append(matches, e)
		}
	}
	return matches, nil
}

// currentEnvironmentGroup returns the group the caller's previous environment
// of this type put it in, "" when there is none or the group is gone.
func (s *Server) currentEnvironmentGroup(envType, clientID string) (string, error) {
	current, err := s.store.Environment(envType, clientID)
	if errors.Is(err, store.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if current.GroupID == "" {
		return "", nil
	}
	group, err := s.store.GroupPresence(current.GroupID)
	if errors.Is(err, store.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if group.State != store.GroupStateExists {
		return "", nil
	}
	membership, err := s.store.Membership(current.GroupID, clientID)
	if errors.Is(err, store.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if membership.State != store.MembershipStateJoined {
		return "", nil
	}
	return current.GroupID, nil
}

// placeNearby converges on the single largest matching group. A caller
// already in a matching group migrates when a strictly larger one exists;
// two fresh groups created concurrently for the same locality resolve the
// same way, the loser being hard-deleted once empty.
func (s *Server) placeNearby(clientID string, matches []*store.Environment, currentGroup string) (string, error) {
	sizes, err := s.groupSizes(matches)
	if err != nil {
		return "", err
	}
	if len(sizes) == 0 {
		if currentGroup != "" {
			return currentGroup, nil
		}
		return s.createEnvironmentGroup(clientID, store.GroupTypeNearby)
	}
	largest := largestGroup(sizes)
	if currentGroup != "" && currentGroup != largest && sizes[currentGroup]+1 > sizes[largest] {
		// The caller's own group is bigger counting the caller itself.
		return currentGroup, nil
	}
	return largest, nil
}

// placeWorldwide balances matching clients across a bounded number of
// groups. With total clients n and size bounds [lo, hi] the target band is
// [ceil(n/hi), ceil(n/lo)] groups; too few groups means the caller seeds a
// new one, too many means the smallest surplus groups are abandoned.
func (s *Server) placeWorldwide(clientID string, env *store.Environment, matches []*store.Environment, currentGroup string) (string, error) {
	sizes, err := s.groupSizes(matches)
	if err != nil {
		return "", err
	}
	if currentGroup != "" {
		if _, ok := sizes[currentGroup]; !ok {
			sizes[currentGroup] = 0
		}
	}
	if len(sizes) == 0 {
		return s.createEnvironmentGroup(clientID, store.GroupTypeWorldwide)
	}

	total := len(matches) + 1
	minGroups := ceilDiv(total, s.config.WorldwideGroupSizeMax)
	maxGroups := ceilDiv(total, s.config.WorldwideGroupSizeMin)
	actual := len(sizes)

	if actual < minGroups {
		return s.createEnvironmentGroup(clientID, store.GroupTypeWorldwide)
	}

	if actual > maxGroups {
		abandoned := smallestGroups(sizes, actual-minGroups)
		if currentGroup != "" && abandoned[currentGroup] {
			// Never pull a client out while deliveries are in flight to it;
			// rebalancing can wait for the next update.
			inFlight, err := s.store.InFlightDeliveryCount(clientID)
			if err != nil {
				return "", err
			}
			if inFlight > 0 {
				return currentGroup, nil
			}
			return smallestKept(sizes, abandoned), nil
		}
		if currentGroup != "" {
			return currentGroup, nil
		}
		return smallestKept(sizes, abandoned), nil
	}

	if currentGroup != "" {
		return currentGroup, nil
	}
	return smallestGroup(sizes), nil
}

// groupSizes counts matching clients per group.
func (s *Server) groupSizes(matches []*store.Environment) (map[string]int, error) {
	sizes := map[string]int{}
	for _, e := range matches {
		if e.GroupID == "" {
			continue
		}
		sizes[e.GroupID]++
	}
	// Drop groups which no longer exist, e.g. after a lost create race.
	for groupID := range sizes {
		group, err := s.store.GroupPresence(groupID)
		if errors.Is(err, store.ErrNotFound) {
			delete(sizes, groupID)
			continue
		}
		if err != nil {
			return nil, err
		}
		if group.State != store.GroupStateExists {
			delete(sizes, groupID)
		}
	}
	return sizes, nil
}

func (s *Server) createEnvironmentGroup(clientID, groupType string) (string, error) {
	groupID := ids.NewID()
	if err := s.store.InsertGroupPresence(&store.GroupPresence{
		GroupID:   groupID,
		GroupType: groupType,
		GroupName: groupType,
		State:     store.GroupStateExists,
	}); err != nil {
		return "", err
	}
	s.log.Debugf("client %s created %s group %s", clientID, groupType, groupID)
	return groupID, nil
}

func (s *Server) joinEnvironmentGroup(clientID, groupID, envType string) error {
	role := store.RoleNearbyMember
	if envType == store.EnvironmentTypeWorldwide {
		role = store.RoleWorldwideMember
	}
	if err := s.store.UpsertMembership(&store.GroupMembership{
		GroupID:  groupID,
		ClientID: clientID,
		State:    store.MembershipStateJoined,
		Role:     role,
	}); err != nil {
		return err
	}
	members, err := s.store.MembershipsInState(groupID, store.MembershipStateJoined)
	if err != nil {
		return err
	}
	for _, m := range members {
		if m.ClientID == clientID {
			continue
		}
		memberID := m.ClientID
		s.store.AfterCommit(func() {
			s.agent.RequestPresenceSync(memberID)
		})
	}
	return nil
}

// leaveEnvironmentGroup removes one membership and cleans the group up when
// the last joined member is gone: stray environment rows still pointing at
// the group are detached first, then a never-announced group is hard-deleted
// and an announced one is tombstoned.
func (s *Server) leaveEnvironmentGroup(clientID, groupID string) error {
	membership, err := s.store.Membership(groupID, clientID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if membership.State != store.MembershipStateNone {
		membership.State = store.MembershipStateNone
		membership.EncryptedGroupKey = ""
		if err := s.store.UpsertMembership(membership); err != nil {
			return err
		}
	}
	count, err := s.store.JoinedMemberCount(groupID)
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	stray, err := s.store.EnvironmentsForGroup(groupID)
	if err != nil {
		return err
	}
	for _, e := range stray {
		if e.ClientID == clientID {
			continue
		}
		if err := s.store.DeleteEnvironment(e.EnvType, e.ClientID); err != nil {
			return err
		}
	}
	group, err := s.store.GroupPresence(groupID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	members, err := s.store.Memberships(groupID)
	if err != nil {
		return err
	}
	// A group only the departing client ever belonged to was never announced
	// to anyone and can vanish without a trace. An announced group leaves a
	// tombstone so remaining clients can sync the deletion.
	if len(members) <= 1 {
		return s.store.HardDeleteGroup(groupID)
	}
	if group.State == store.GroupStateExists {
		group.State = store.GroupStateDeleted
		if err := s.store.UpdateGroupPresence(group); err != nil {
			return err
		}
	}
	return nil
}

func ceilDiv(a, b int) int {
	if b <= 0 {
		return 1
	}
	return (a + b - 1) / b
}

func largestGroup(sizes map[string]int) string {
	return extremeGroup(sizes, func(a, b int) bool { return a > b })
}

func smallestGroup(sizes map[string]int) string {
	return extremeGroup(sizes, func(a, b int) bool { return a < b })
}

// extremeGroup picks the best group under the given ordering, breaking ties
// by group id so placement is deterministic.
func extremeGroup(sizes map[string]int, better func(a, b int) bool) string {
	ids := maps.Keys(sizes)
	slices.Sort(ids)
	best := ""
	for _, id := range ids {
		if best == "" || better(sizes[id], sizes[best]) {
			best = id
		}
	}
	return best
}

// smallestGroups returns the n smallest groups as a set.
func smallestGroups(sizes map[string]int, n int) map[string]bool {
	ids := maps.Keys(sizes)
	slices.SortFunc(ids, func(a, b string) bool {
		if sizes[a] != sizes[b] {
			return sizes[a] < sizes[b]
		}
		return a < b
	})
	out := map[string]bool{}
	for i := 0; i < n && i < len(ids); i++ {
		out[ids[i]] = true
	}
	return out
}

// smallestKept returns the smallest group not marked abandoned.
func smallestKept(sizes map[string]int, abandoned map[string]bool) string {
	kept := map[string]int{}
	for id, size := range sizes {
		if !abandoned[id] {
			kept[id] = size
		}
	}
	if len(kept) == 0 {
		return smallestGroup(sizes)
	}
	return smallestGroup(kept)
}

package talk

import (
	"errors"

	"github.com/hoccer/hoccer-talk-spike-sub002/ids"
	"github.com/hoccer/hoccer-talk-spike-sub002/store"
)

// CreateGroup creates a user group with the caller as its sole joined admin.
func (c *Connection) CreateGroup(name string) (string, error) {
	clientID, err := c.gate("createGroup")
	if err != nil {
		return "", err
	}
	return c.server.createGroup(clientID, name, nil, nil)
}

// CreateGroupWithMembers creates a group and invites the given members in
// one step. roles must parallel memberIDs; unknown roles degrade to member.
func (c *Connection) CreateGroupWithMembers(name string, memberIDs, roles []string) (string, error) {
	clientID, err := c.gate("createGroupWithMembers")
	if err != nil {
		return "", err
	}
	if len(memberIDs) != len(roles) {
		return "", rpcError("talk: members and roles must have the same length")
	}
	groupID, err := c.server.createGroup(clientID, name, memberIDs, roles)
	if err != nil {
		return "", err
	}
	for _, id := range memberIDs {
		c.server.agent.RequestPresenceSync(id)
	}
	return groupID, nil
}

func (s *Server) createGroup(clientID, name string, memberIDs, roles []string) (string, error) {
	groupID := ids.NewID()
	err := s.run("create group "+groupID, func() error {
		if err := s.store.InsertGroupPresence(&store.GroupPresence{
			GroupID:   groupID,
			GroupType: store.GroupTypeUser,
			GroupName: name,
			State:     store.GroupStateExists,
		}); err != nil {
			return err
		}
		if err := s.store.UpsertMembership(&store.GroupMembership{
			GroupID:  groupID,
			ClientID: clientID,
			State:    store.MembershipStateJoined,
			Role:     store.RoleAdmin,
		}); err != nil {
			return err
		}
		for i, memberID := range memberIDs {
			if memberID == clientID {
				continue
			}
			member, err := s.store.Client(memberID)
			if err != nil {
				return ErrNoSuchClient
			}
			if member.Deleted() {
				return ErrClientDeleted
			}
			role := store.RoleMember
			if roles[i] == store.RoleAdmin {
				role = store.RoleAdmin
			}
			if err := s.store.UpsertMembership(&store.GroupMembership{
				GroupID:  groupID,
				ClientID: memberID,
				State:    store.MembershipStateInvited,
				Role:     role,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	s.log.Infof("client %s created group %s", clientID, groupID)
	return groupID, nil
}

// UpdateGroup updates name and avatar of a group. Admins only.
func (c *Connection) UpdateGroup(groupID string, g *store.GroupPresence) error {
	clientID, err := c.gate("updateGroup")
	if err != nil {
		return err
	}
	return c.server.updateGroupPresence(clientID, groupID, func(current *store.GroupPresence) {
		if g.GroupName != "" {
			current.GroupName = g.GroupName
		}
		if g.GroupAvatarURL != "" {
			current.GroupAvatarURL = g.GroupAvatarURL
		}
	})
}

func (c *Connection) UpdateGroupName(groupID, name string) error {
	clientID, err := c.gate("updateGroupName")
	if err != nil {
		return err
	}
	return c.server.updateGroupPresence(clientID, groupID, func(current *store.GroupPresence) {
		current.GroupName = name
	})
}

func (c *Connection) UpdateGroupAvatar(groupID, avatarURL string) error {
	clientID, err := c.gate("updateGroupAvatar")
	if err != nil {
		return err
	}
	return c.server.updateGroupPresence(clientID, groupID, func(current *store.GroupPresence) {
		current.GroupAvatarURL = avatarURL
	})
}

func (s *Server) updateGroupPresence(clientID, groupID string, mutate func(*store.GroupPresence)) error {
	var members []*store.GroupMembership
	err := s.run("update group "+groupID, func() error {
		group, err := s.requireGroup(groupID)
		if err != nil {
			return err
		}
		if _, err := s.requireAdmin(groupID, clientID); err != nil {
			return err
		}
		mutate(group)
		if err := s.store.UpdateGroupPresence(group); err != nil {
			return err
		}
		members, err = s.store.MembershipsInState(groupID, store.MembershipStateJoined)
		return err
	})
	if err != nil {
		return err
	}
	s.notifyPresence(members, clientID)
	return nil
}

// UpdateGroupRole changes another member's role. Admins only; demoting the
// last admin is rejected so the group does not become unmanageable.
func (c *Connection) UpdateGroupRole(groupID, memberID, role string) error {
	clientID, err := c.gate("updateGroupRole")
	if err != nil {
		return err
	}
	if role != store.RoleAdmin && role != store.RoleMember {
		return rpcError("talk: unknown role %q", role)
	}
	return c.server.run("update role in "+groupID, func() error {
		s := c.server
		if _, err := s.requireGroup(groupID); err != nil {
			return err
		}
		if _, err := s.requireAdmin(groupID, clientID); err != nil {
			return err
		}
		membership, err := s.store.Membership(groupID, memberID)
		if err != nil {
			return notMember(err)
		}
		if !membership.Active() {
			return rpcError("talk: not an active member")
		}
		if role == store.RoleMember && membership.Admin() {
			admins, err := s.joinedAdminCount(groupID)
			if err != nil {
				return err
			}
			if admins <= 1 && membership.State == store.MembershipStateJoined {
				return rpcError("talk: cannot demote the last admin")
			}
		}
		membership.Role = role
		return s.store.UpsertMembership(membership)
	})
}

// UpdateGroupKey stores the encrypted group key for one member, recording
// which member key and shared key generation it was wrapped for.
func (c *Connection) UpdateGroupKey(groupID, memberID, memberKeyID, encryptedGroupKey string) error {
	clientID, err := c.gate("updateGroupKey")
	if err != nil {
		return err
	}
	return c.updateGroupKey(clientID, groupID, memberID, memberKeyID, encryptedGroupKey)
}

// UpdateMyGroupKey stores the caller's own encrypted group key.
func (c *Connection) UpdateMyGroupKey(groupID, memberKeyID, encryptedGroupKey string) error {
	clientID, err := c.gate("updateMyGroupKey")
	if err != nil {
		return err
	}
	return c.updateGroupKey(clientID, groupID, clientID, memberKeyID, encryptedGroupKey)
}

func (c *Connection) updateGroupKey(clientID, groupID, memberID, memberKeyID, encryptedGroupKey string) error {
	if encryptedGroupKey == "" || memberKeyID == "" {
		return rpcError("talk: key material must not be empty")
	}
	return c.server.run("update group key in "+groupID, func() error {
		s := c.server
		group, err := s.requireGroup(groupID)
		if err != nil {
			return err
		}
		caller, err := s.store.Membership(groupID, clientID)
		if err != nil {
			return notMember(err)
		}
		if caller.State != store.MembershipStateJoined {
			return rpcError("talk: not a joined member")
		}
		if memberID != clientID && !caller.Admin() {
			return rpcError("talk: not a group admin")
		}
		membership, err := s.store.Membership(groupID, memberID)
		if err != nil {
			return notMember(err)
		}
		if !membership.Active() {
			return rpcError("talk: not an active member")
		}
		membership.EncryptedGroupKey = encryptedGroupKey
		membership.MemberKeyID = memberKeyID
		membership.SharedKeyID = group.SharedKeyID
		membership.SharedKeyDate = group.KeyDate
		return s.store.UpsertMembership(membership)
	})
}

// SetGroupNotifications sets the caller's notification preference for a group.
func (c *Connection) SetGroupNotifications(groupID, preference string) error {
	clientID, err := c.gate("setGroupNotifications")
	if err != nil {
		return err
	}
	if preference != store.NotificationsEnabled && preference != store.NotificationsDisabled {
		return rpcError("talk: unknown notification preference %q", preference)
	}
	return c.server.run("set group notifications in "+groupID, func() error {
		membership, err := c.server.store.Membership(groupID, clientID)
		if err != nil {
			return notMember(err)
		}
		if !membership.Active() {
			return rpcError("talk: not an active member")
		}
		membership.NotificationPreference = preference
		return c.server.store.UpsertMembership(membership)
	})
}

// DeleteGroup marks a group deleted and cascades groupRemoved to every
// active membership. Admins only. The presence row survives as a tombstone
// so clients can sync the deletion.
func (c *Connection) DeleteGroup(groupID string) error {
	clientID, err := c.gate("deleteGroup")
	if err != nil {
		return err
	}
	var removed []*store.GroupMembership
	err = c.server.run("delete group "+groupID, func() error {
		s := c.server
		group, err := s.requireGroup(groupID)
		if err != nil {
			return err
		}
		if _, err := s.requireAdmin(groupID, clientID); err != nil {
			return err
		}
		group.State = store.GroupStateDeleted
		if err := s.store.UpdateGroupPresence(group); err != nil {
			return err
		}
		memberships, err := s.store.Memberships(groupID)
		if err != nil {
			return err
		}
		for _, m := range memberships {
			if !m.Active() {
				continue
			}
			m.State = store.MembershipStateGroupRemoved
			m.EncryptedGroupKey = ""
			if err := s.store.UpsertMembership(m); err != nil {
				return err
			}
			removed = append(removed, m)
		}
		return nil
	})
	if err != nil {
		return err
	}
	c.server.notifyPresence(removed, clientID)
	c.log.Infof("client %s deleted group %s", clientID, groupID)
	return nil
}

// InviteGroupMember invites another client into a group. Admins only. A
// client who blocked the inviter cannot be pulled into a group by them.
func (c *Connection) InviteGroupMember(groupID, memberID string) error {
	clientID, err := c.gate("inviteGroupMember")
	if err != nil {
		return err
	}
	if memberID == clientID {
		return rpcError("talk: cannot invite yourself")
	}
	err = c.server.run("invite "+memberID+" to "+groupID, func() error {
		s := c.server
		if _, err := s.requireGroup(groupID); err != nil {
			return err
		}
		if _, err := s.requireAdmin(groupID, clientID); err != nil {
			return err
		}
		member, err := s.store.Client(memberID)
		if err != nil {
			return ErrNoSuchClient
		}
		if member.Deleted() {
			return ErrClientDeleted
		}
		rev, err := s.store.RelationshipOrNone(memberID, clientID)
		if err != nil {
			return err
		}
		if rev.State == store.RelationshipBlocked {
			return rpcError("talk: cannot invite this client")
		}
		membership, err := s.store.Membership(groupID, memberID)
		if errors.Is(err, store.ErrNotFound) {
			membership = &store.GroupMembership{
				GroupID:  groupID,
				ClientID: memberID,
				Role:     store.RoleMember,
			}
		} else if err != nil {
			return err
		}
		if membership.Active() {
			return rpcError("talk: already a member")
		}
		membership.State = store.MembershipStateInvited
		membership.EncryptedGroupKey = ""
		return s.store.UpsertMembership(membership)
	})
	if err != nil {
		return err
	}
	c.server.agent.RequestPresenceSync(memberID)
	c.server.agent.RequestPresenceSync(clientID)
	return nil
}

// JoinGroup accepts a group invitation.
func (c *Connection) JoinGroup(groupID string) error {
	clientID, err := c.gate("joinGroup")
	if err != nil {
		return err
	}
	var members []*store.GroupMembership
	err = c.server.run("join group "+groupID, func() error {
		s := c.server
		if _, err := s.requireGroup(groupID); err != nil {
			return err
		}
		membership, err := s.store.Membership(groupID, clientID)
		if err != nil {
			return notMember(err)
		}
		if membership.State != store.MembershipStateInvited {
			return rpcError("talk: not invited")
		}
		membership.State = store.MembershipStateJoined
		if err := s.store.UpsertMembership(membership); err != nil {
			return err
		}
		members, err = s.store.MembershipsInState(groupID, store.MembershipStateJoined)
		return err
	})
	if err != nil {
		return err
	}
	c.server.notifyPresence(members, clientID)
	return nil
}

// LeaveGroup quits a group voluntarily. The encrypted group key is cleared;
// an admin leaving degrades to plain departure, the group keeps existing.
func (c *Connection) LeaveGroup(groupID string) error {
	clientID, err := c.gate("leaveGroup")
	if err != nil {
		return err
	}
	var members []*store.GroupMembership
	err = c.server.run("leave group "+groupID, func() error {
		s := c.server
		membership, err := s.store.Membership(groupID, clientID)
		if err != nil {
			return notMember(err)
		}
		if !membership.Active() {
			return rpcError("talk: not an active member")
		}
		membership.State = store.MembershipStateNone
		membership.Role = store.RoleMember
		membership.EncryptedGroupKey = ""
		if err := s.store.UpsertMembership(membership); err != nil {
			return err
		}
		members, err = s.store.MembershipsInState(groupID, store.MembershipStateJoined)
		return err
	})
	if err != nil {
		return err
	}
	c.server.notifyPresence(members, clientID)
	return nil
}

// RemoveGroupMember expels a member. Admins only.
func (c *Connection) RemoveGroupMember(groupID, memberID string) error {
	clientID, err := c.gate("removeGroupMember")
	if err != nil {
		return err
	}
	err = c.server.run("remove "+memberID+" from "+groupID, func() error {
		s := c.server
		if _, err := s.requireGroup(groupID); err != nil {
			return err
		}
		if _, err := s.requireAdmin(groupID, clientID); err != nil {
			return err
		}
		membership, err := s.store.Membership(groupID, memberID)
		if err != nil {
			return notMember(err)
		}
		if !membership.Active() {
			return rpcError("talk: not an active member")
		}
		membership.State = store.MembershipStateNone
		membership.Role = store.RoleMember
		membership.EncryptedGroupKey = ""
		return s.store.UpsertMembership(membership)
	})
	if err != nil {
		return err
	}
	c.server.agent.RequestPresenceSync(memberID)
	return nil
}

// GetGroups returns presences of the caller's groups changed since lastKnown.
func (c *Connection) GetGroups(lastKnown uint64) ([]*store.GroupPresence, error) {
	clientID, err := c.gate("getGroups")
	if err != nil {
		return nil, err
	}
	var groups []*store.GroupPresence
	err = c.server.run("get groups for "+clientID, func() error {
		groups, err = c.server.store.GroupsChangedAfter(clientID, lastKnown)
		return err
	})
	if err != nil {
		return nil, err
	}
	return groups, nil
}

// GetGroup returns one group presence. Members only, removed ones included
// so they can sync their own departure.
func (c *Connection) GetGroup(groupID string) (*store.GroupPresence, error) {
	clientID, err := c.gate("getGroup")
	if err != nil {
		return nil, err
	}
	var group *store.GroupPresence
	err = c.server.run("get group "+groupID, func() error {
		if _, err := c.server.store.Membership(groupID, clientID); err != nil {
			return notMember(err)
		}
		group, err = c.server.store.GroupPresence(groupID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return group, nil
}

func (c *Connection) GetGroupMember(groupID, memberID string) (*store.GroupMembership, error) {
	clientID, err := c.gate("getGroupMember")
	if err != nil {
		return nil, err
	}
	var membership *store.GroupMembership
	err = c.server.run("get member of "+groupID, func() error {
		if _, err := c.server.store.Membership(groupID, clientID); err != nil {
			return notMember(err)
		}
		membership, err = c.server.store.Membership(groupID, memberID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return membership, nil
}

func (c *Connection) GetGroupMembers(groupID string, lastKnown uint64) ([]*store.GroupMembership, error) {
	clientID, err := c.gate("getGroupMembers")
	if err != nil {
		return nil, err
	}
	var memberships []*store.GroupMembership
	err = c.server.run("get members of "+groupID, func() error {
		if _, err := c.server.store.Membership(groupID, clientID); err != nil {
			return notMember(err)
		}
		memberships, err = c.server.store.MembershipsChangedAfter(groupID, lastKnown)
		return err
	})
	if err != nil {
		return nil, err
	}
	return memberships, nil
}

// IsMemberInGroups reports, per given group id, whether the caller holds an
// active membership.
func (c *Connection) IsMemberInGroups(groupIDs []string) ([]bool, error) {
	clientID, err := c.gate("isMemberInGroups")
	if err != nil {
		return nil, err
	}
	out := make([]bool, len(groupIDs))
	err = c.server.run("is member in groups", func() error {
		for i, groupID := range groupIDs {
			membership, err := c.server.store.Membership(groupID, clientID)
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			out[i] = membership.Active()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// AreMembersOfGroup reports, per given client id, whether that client holds
// an active membership in the group. Members only.
func (c *Connection) AreMembersOfGroup(groupID string, clientIDs []string) ([]bool, error) {
	clientID, err := c.gate("areMembersOfGroup")
	if err != nil {
		return nil, err
	}
	out := make([]bool, len(clientIDs))
	err = c.server.run("are members of "+groupID, func() error {
		if _, err := c.server.store.Membership(groupID, clientID); err != nil {
			return notMember(err)
		}
		for i, id := range clientIDs {
			membership, err := c.server.store.Membership(groupID, id)
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			out[i] = membership.Active()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// checkMembershipKeysForClient walks the client's active memberships and
// requests a rekey from the group admins wherever the stored encrypted key
// was wrapped for an outdated member key or shared key generation. Runs
// inside a transaction.
func (s *Server) checkMembershipKeysForClient(clientID string) error {
	memberships, err := s.store.ActiveMembershipsForClient(clientID)
	if err != nil {
		return err
	}
	if len(memberships) == 0 {
		return nil
	}
	presence, err := s.store.Presence(clientID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, m := range memberships {
		group, err := s.store.GroupPresence(m.GroupID)
		if err != nil {
			return err
		}
		fresh := m.EncryptedGroupKey != "" &&
			m.SharedKeyID == group.SharedKeyID &&
			(presence.KeyID == "" || m.MemberKeyID == presence.KeyID)
		if fresh {
			continue
		}
		admins, err := s.store.MembershipsInState(m.GroupID, store.MembershipStateJoined)
		if err != nil {
			return err
		}
		for _, a := range admins {
			if !a.Admin() || a.ClientID == clientID {
				continue
			}
			groupID := m.GroupID
			adminID := a.ClientID
			s.store.AfterCommit(func() {
				s.agent.RequestGroupRekey(adminID, groupID)
			})
		}
	}
	return nil
}

// notifyPresence requests a presence sync for every given member except the
// originator.
func (s *Server) notifyPresence(members []*store.GroupMembership, exceptID string) {
	for _, m := range members {
		if m.ClientID == exceptID {
			continue
		}
		s.agent.RequestPresenceSync(m.ClientID)
	}
}

func (s *Server) requireGroup(groupID string) (*store.GroupPresence, error) {
	group, err := s.store.GroupPresence(groupID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, rpcError("talk: no such group")
	}
	if err != nil {
		return nil, err
	}
	if group.State != store.GroupStateExists {
		return nil, rpcError("talk: group is deleted")
	}
	return group, nil
}

func (s *Server) requireAdmin(groupID, clientID string) (*store.GroupMembership, error) {
	membership, err := s.store.Membership(groupID, clientID)
	if err != nil {
		return nil, notMember(err)
	}
	if membership.State != store.MembershipStateJoined || !membership.Admin() {
		return nil, rpcError("talk: not a group admin")
	}
	return membership, nil
}

func (s *Server) joinedAdminCount(groupID string) (int, error) {
	members, err := s.store.MembershipsInState(groupID, store.MembershipStateJoined)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, m := range members {
		if m.Admin() {
			count++
		}
	}
	return count, nil
}

func notMember(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return rpcError("talk: not a group member")
	}
	return err
}

package store

import "fmt"

type GroupPresence struct {
	GroupID         string `db:"group_id"`
	GroupType       string `db:"group_type"`
	GroupName       string `db:"group_name"`
	GroupAvatarURL  string `db:"group_avatar_url"`
	GroupTag        string `db:"group_tag"`
	SharedKeyID     string `db:"shared_key_id"`
	SharedKeyIDSalt string `db:"shared_key_id_salt"`
	State           string `db:"state"`
	KeyDate         uint64 `db:"key_date"`
	LastChanged     uint64 `db:"last_changed"`
}

type GroupMembership struct {
	GroupID                string `db:"group_id"`
	ClientID               string `db:"client_id"`
	State                  string `db:"state"`
	Role                   string `db:"role"`
	EncryptedGroupKey      string `db:"encrypted_group_key"`
	MemberKeyID            string `db:"member_key_id"`
	SharedKeyID            string `db:"shared_key_id"`
	SharedKeyDate          uint64 `db:"shared_key_date"`
	NotificationPreference string `db:"notification_preference"`
	LastChanged            uint64 `db:"last_changed"`
}

func (m *GroupMembership) Active() bool {
	return m.State == MembershipStateInvited || m.State == MembershipStateJoined
}

func (m *GroupMembership) Admin() bool {
	return m.Role == RoleAdmin
}

func (s *Store) InsertGroupPresence(g *GroupPresence) error {
	g.LastChanged = s.Clock.CurrentTimeMs()
	if _, err := s.Tx.NamedExec(
		"INSERT INTO group_presences (group_id, group_type, group_name, group_avatar_url, group_tag, shared_key_id, shared_key_id_salt, state, key_date, last_changed) VALUES (:group_id, :group_type, :group_name, :group_avatar_url, :group_tag, :shared_key_id, :shared_key_id_salt, :state, :key_date, :last_changed)", g); err != nil {
		return fmt.Errorf("store: error inserting group presence: %w", err)
	}
	return nil
}

func (s *Store) UpdateGroupPresence(g *GroupPresence) error {
	g.LastChanged = s.Clock.CurrentTimeMs()
	if _, err := s.Tx.NamedExec(
		"UPDATE group_presences SET group_name = :group_name, group_avatar_url = :group_avatar_url, group_tag = :group_tag, shared_key_id = :shared_key_id, shared_key_id_salt = :shared_key_id_salt, state = :state, key_date = :key_date, last_changed = :last_changed WHERE group_id = :group_id", g); err != nil {
		return fmt.Errorf("store: error updating group presence: %w", err)
	}
	return nil
}

func (s *Store) GroupPresence(groupID string) (*GroupPresence, error) {
	g := &GroupPresence{}
	if err := s.Tx.Get(g, "SELECT * FROM group_presences WHERE group_id = $1", groupID); err != nil {
		return nil, notFound(err)
	}
	return g, nil
}

// GroupsChangedAfter returns the presences of all groups the client holds a
// non-none membership in, changed after lastKnown.
func (s *Store) GroupsChangedAfter(clientID string, lastKnown uint64) ([]*GroupPresence, error) {
	groups := []*GroupPresence{}
	if err := s.Tx.Select(&groups, `
		SELECT gp.* FROM group_presences gp
		JOIN group_memberships gm ON gm.group_id = gp.group_id
		WHERE gm.client_id = $1 AND gm.state != $2 AND gp.last_changed > $3`,
		clientID, MembershipStateNone, lastKnown); err != nil {
		return nil, fmt.Errorf("store: error selecting groups: %w", err)
	}
	return groups, nil
}

// HardDeleteGroup removes the presence and memberships of a group outright.
// Only used for environment groups that were never announced to anyone, such
// as the losing group of a create race. Environment rows still pointing at
// the group are detached by the caller beforehand.
func (s *Store) HardDeleteGroup(groupID string) error {
	if _, err := s.Tx.Exec("DELETE FROM group_memberships WHERE group_id = $1", groupID); err != nil {
		return fmt.Errorf("store: error hard-deleting memberships: %w", err)
	}
	if _, err := s.Tx.Exec("DELETE FROM group_presences WHERE group_id = $1", groupID); err != nil {
		return fmt.Errorf("store: error hard-deleting group: %w", err)
	}
	return nil
}

func (s *Store) UpsertMembership(m *GroupMembership) error {
	m.LastChanged = s.Clock.CurrentTimeMs()
	if _, err := s.Tx.NamedExec(
		"INSERT INTO group_memberships (group_id, client_id, state, role, encrypted_group_key, member_key_id, shared_key_id, shared_key_date, notification_preference, last_changed) VALUES (:group_id, :client_id, :state, :role, :encrypted_group_key, :member_key_id, :shared_key_id, :shared_key_date, :notification_preference, :last_changed) ON CONFLICT(group_id, client_id) DO UPDATE SET state = :state, role = :role, encrypted_group_key = :encrypted_group_key, member_key_id = :member_key_id, shared_key_id = :shared_key_id, shared_key_date = :shared_key_date, notification_preference = :notification_preference, last_changed = :last_changed", m); err != nil {
		return fmt.Errorf("store: error upserting membership: %w", err)
	}
	return nil
}

func (s *Store) Membership(groupID, clientID string) (*GroupMembership, error) {
	m := &GroupMembership{}
	if err := s.Tx.Get(m, "SELECT * FROM group_memberships WHERE group_id = $1 AND client_id = $2", groupID, clientID); err != nil {
		return nil, notFound(err)
	}
	return m, nil
}

// Memberships returns all memberships of a group, including removed ones so
// clients can sync departures.
func (s *Store) Memberships(groupID string) ([]*GroupMembership, error) {
	ms := []*GroupMembership{}
	if err := s.Tx.Select(&ms, "SELECT * FROM group_memberships WHERE group_id = $1", groupID); err != nil {
		return nil, fmt.Errorf("store: error selecting memberships: %w", err)
	}
	return ms, nil
}

func (s *Store) MembershipsChangedAfter(groupID string, lastKnown uint64) ([]*GroupMembership, error) {
	ms := []*GroupMembership{}
	if err := s.Tx.Select(&ms, "SELECT * FROM group_memberships WHERE group_id = $1 AND last_changed > $2", groupID, lastKnown); err != nil {
		return nil, fmt.Errorf("store: error selecting memberships: %w", err)
	}
	return ms, nil
}

func (s *Store) MembershipsInState(groupID, state string) ([]*GroupMembership, error) {
	ms := []*GroupMembership{}
	if err := s.Tx.Select(&ms, "SELECT * FROM group_memberships WHERE group_id = $1 AND state = $2", groupID, state); err != nil {
		return nil, fmt.Errorf("store: error selecting memberships: %w", err)
	}
	return ms, nil
}

func (s *Store) JoinedMemberCount(groupID string) (int, error) {
	var count int
	if err := s.Tx.Get(&count, "SELECT count(*) FROM group_memberships WHERE group_id = $1 AND state = $2", groupID, MembershipStateJoined); err != nil {
		return 0, fmt.Errorf("store: error counting members: %w", err)
	}
	return count, nil
}

// ActiveMembershipsForClient returns the client's invited and joined
// memberships in groups which still exist.
func (s *Store) ActiveMembershipsForClient(clientID string) ([]*GroupMembership, error) {
	ms := []*GroupMembership{}
	if err := s.Tx.Select(&ms, `
		SELECT gm.* FROM group_memberships gm
		JOIN group_presences gp ON gp.group_id = gm.group_id
		WHERE gm.client_id = $1 AND gm.state IN ($2, $3) AND gp.state = $4`,
		clientID, MembershipStateInvited, MembershipStateJoined, GroupStateExists); err != nil {
		return nil, fmt.Errorf("store: error selecting active memberships: %w", err)
	}
	return ms, nil
}

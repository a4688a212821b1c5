package store

import "fmt"

// Relationship is one directed edge of the normally-symmetric pair
// (client → other, other → client).
type Relationship struct {
	ClientID               string `db:"client_id"`
	OtherClientID          string `db:"other_client_id"`
	State                  string `db:"state"`
	UnblockState           string `db:"unblock_state"`
	NotificationPreference string `db:"notification_preference"`
	LastChanged            uint64 `db:"last_changed"`
}

// RelationshipOrNone returns the directed edge, or a fresh edge in state
// "none" when no row exists yet.
func (s *Store) RelationshipOrNone(clientID, otherClientID string) (*Relationship, error) {
	r := &Relationship{}
	err := s.Tx.Get(r, "SELECT * FROM relationships WHERE client_id = $1 AND other_client_id = $2", clientID, otherClientID)
	if err == nil {
		return r, nil
	}
	if notFound(err) != ErrNotFound {
		return nil, fmt.Errorf("store: error getting relationship: %w", err)
	}
	return &Relationship{
		ClientID:               clientID,
		OtherClientID:          otherClientID,
		State:                  RelationshipNone,
		UnblockState:           RelationshipNone,
		NotificationPreference: NotificationsEnabled,
	}, nil
}

func (s *Store) SetRelationship(r *Relationship) error {
	r.LastChanged = s.Clock.CurrentTimeMs()
	if _, err := s.Tx.NamedExec(
		"INSERT INTO relationships (client_id, other_client_id, state, unblock_state, notification_preference, last_changed) VALUES (:client_id, :other_client_id, :state, :unblock_state, :notification_preference, :last_changed) ON CONFLICT(client_id, other_client_id) DO UPDATE SET state = :state, unblock_state = :unblock_state, notification_preference = :notification_preference, last_changed = :last_changed", r); err != nil {
		return fmt.Errorf("store: error setting relationship: %w", err)
	}
	return nil
}

func (s *Store) RelationshipsChangedAfter(clientID string, lastKnown uint64) ([]*Relationship, error) {
	rels := []*Relationship{}
	if err := s.Tx.Select(&rels, "SELECT * FROM relationships WHERE client_id = $1 AND last_changed > $2", clientID, lastKnown); err != nil {
		return nil, fmt.Errorf("store: error selecting relationships: %w", err)
	}
	return rels, nil
}

// FriendIDs returns the ids of all clients the given client is friends with.
func (s *Store) FriendIDs(clientID string) ([]string, error) {
	out := []string{}
	if err := s.Tx.Select(&out, "SELECT other_client_id FROM relationships WHERE client_id = $1 AND state = $2", clientID, RelationshipFriend); err != nil {
		return nil, fmt.Errorf("store: error selecting friends: %w", err)
	}
	return out, nil
}

// GroupContactIDs returns all clients sharing at least one joined group
// membership with the given client, excluding the client itself.
func (s *Store) GroupContactIDs(clientID string) ([]string, error) {
	out := []string{}
	if err := s.Tx.Select(&out, `
		SELECT DISTINCT gm2.client_id FROM group_memberships gm1
		JOIN group_memberships gm2 ON gm1.group_id = gm2.group_id
		WHERE gm1.client_id = $1 AND gm1.state = $2 AND gm2.state = $2 AND gm2.client_id != $1`,
		clientID, MembershipStateJoined); err != nil {
		return nil, fmt.Errorf("store: error selecting group contacts: %w", err)
	}
	return out, nil
}

// HasSharedJoinedGroup reports whether both clients are joined members of a
// common active group.
func (s *Store) HasSharedJoinedGroup(clientID, otherClientID string) (bool, error) {
	var count int
	if err := s.Tx.Get(&count, `
		SELECT count(*) FROM group_memberships gm1
		JOIN group_memberships gm2 ON gm1.group_id = gm2.group_id
		JOIN group_presences gp ON gp.group_id = gm1.group_id
		WHERE gm1.client_id = $1 AND gm2.client_id = $2
		AND gm1.state = $3 AND gm2.state = $3 AND gp.state = $4`,
		clientID, otherClientID, MembershipStateJoined, GroupStateExists); err != nil {
		return false, fmt.Errorf("store: error checking shared groups: %w", err)
	}
	return count > 0, nil
}

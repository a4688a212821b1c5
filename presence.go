package talk

import (
	"errors"

	"github.com/hoccer/hoccer-talk-spike-sub002/store"
)

// UpdatePresence replaces the caller's presence wholesale. Contacts are told
// to re-sync.
func (c *Connection) UpdatePresence(p *store.Presence) error {
	clientID, err := c.gate("updatePresence")
	if err != nil {
		return err
	}
	var contacts []string
	err = c.server.run("update presence for "+clientID, func() error {
		s := c.server.store
		current, err := s.Presence(clientID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		next := &store.Presence{
			ClientID:         clientID,
			ClientName:       p.ClientName,
			ClientStatus:     p.ClientStatus,
			AvatarURL:        p.AvatarURL,
			KeyID:            p.KeyID,
			ConnectionStatus: store.ConnectionStatusOnline,
			LastSeen:         c.server.clock.CurrentTimeMs(),
		}
		if current != nil {
			next.ConnectionStatus = current.ConnectionStatus
		}
		if err := s.UpsertPresence(next); err != nil {
			return err
		}
		if current == nil || current.KeyID != next.KeyID {
			if err := c.server.checkMembershipKeysForClient(clientID); err != nil {
				return err
			}
		}
		contacts, err = c.server.contactIDs(clientID)
		return err
	})
	if err != nil {
		return err
	}
	for _, id := range contacts {
		c.server.agent.RequestPresenceSync(id)
	}
	return nil
}

// ModifyPresence updates only the non-empty fields of the caller's presence.
func (c *Connection) ModifyPresence(p *store.Presence) error {
	clientID, err := c.gate("modifyPresence")
	if err != nil {
		return err
	}
	var contacts []string
	err = c.server.run("modify presence for "+clientID, func() error {
		s := c.server.store
		current, err := s.Presence(clientID)
		if err != nil {
			return err
		}
		if p.ClientName != "" {
			current.ClientName = p.ClientName
		}
		if p.ClientStatus != "" {
			current.ClientStatus = p.ClientStatus
		}
		if p.AvatarURL != "" {
			current.AvatarURL = p.AvatarURL
		}
		keyChanged := p.KeyID != "" && p.KeyID != current.KeyID
		if p.KeyID != "" {
			current.KeyID = p.KeyID
		}
		if err := s.UpsertPresence(current); err != nil {
			return err
		}
		if keyChanged {
			if err := c.server.checkMembershipKeysForClient(clientID); err != nil {
				return err
			}
		}
		contacts, err = c.server.contactIDs(clientID)
		return err
	})
	if err != nil {
		return err
	}
	for _, id := range contacts {
		c.server.agent.RequestPresenceSync(id)
	}
	return nil
}

// GetPresences returns contact presences changed since lastKnown. Contacts
// are friends plus members of shared joined groups; strangers never show up.
func (c *Connection) GetPresences(lastKnown uint64) ([]*store.Presence, error) {
	clientID, err := c.gate("getPresences")
	if err != nil {
		return nil, err
	}
	var presences []*store.Presence
	err = c.server.run("get presences for "+clientID, func() error {
		contacts, err := c.server.contactIDs(clientID)
		if err != nil {
			return err
		}
		presences, err = c.server.store.PresencesChangedAfter(contacts, lastKnown)
		return err
	})
	if err != nil {
		return nil, err
	}
	return presences, nil
}

// UpdateKey publishes a new public key for the caller. The presence key id is
// updated alongside, which makes group memberships referencing the old key
// stale; admins of the affected groups are asked to rekey right away.
func (c *Connection) UpdateKey(keyID, key string) error {
	clientID, err := c.gate("updateKey")
	if err != nil {
		return err
	}
	if keyID == "" || key == "" {
		return rpcError("talk: key id and key must not be empty")
	}
	return c.server.run("update key for "+clientID, func() error {
		s := c.server.store
		if err := s.UpsertKey(&store.Key{
			ClientID:  clientID,
			KeyID:     keyID,
			Key:       key,
			Timestamp: c.server.clock.CurrentTimeMs(),
		}); err != nil {
			return err
		}
		current, err := s.Presence(clientID)
		if err != nil {
			return err
		}
		current.KeyID = keyID
		if err := s.UpsertPresence(current); err != nil {
			return err
		}
		return c.server.checkMembershipKeysForClient(clientID)
	})
}

// VerifyKey reports whether the caller's current key id matches the given one.
func (c *Connection) VerifyKey(keyID string) (bool, error) {
	clientID, err := c.gate("verifyKey")
	if err != nil {
		return false, err
	}
	var matches bool
	err = c.server.run("verify key for "+clientID, func() error {
		current, err := c.server.store.Presence(clientID)
		if err != nil {
			return err
		}
		matches = current.KeyID != "" && current.KeyID == keyID
		return nil
	})
	return matches, err
}

// GetKey fetches another client's published public key. Restricted to
// contacts so key material is not an open directory.
func (c *Connection) GetKey(otherClientID, keyID string) (*store.Key, error) {
	clientID, err := c.gate("getKey")
	if err != nil {
		return nil, err
	}
	var key *store.Key
	err = c.server.run("get key of "+otherClientID, func() error {
		related, err := c.server.isContact(clientID, otherClientID)
		if err != nil {
			return err
		}
		if !related && clientID != otherClientID {
			return rpcError("talk: not a contact")
		}
		key, err = c.server.store.Key(otherClientID, keyID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return key, nil
}

// contactIDs returns friends plus shared-group members, deduplicated. Runs
// inside a transaction.
func (s *Server) contactIDs(clientID string) ([]string, error) {
	friends, err := s.store.FriendIDs(clientID)
	if err != nil {
		return nil, err
	}
	groupContacts, err := s.store.GroupContactIDs(clientID)
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	out := []string{}
	for _, id := range append(friends, groupContacts...) {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out, nil
}

// isContact reports friendship or a shared joined group. Runs inside a
// transaction.
func (s *Server) isContact(clientID, otherClientID string) (bool, error) {
	rel, err := s.store.RelationshipOrNone(clientID, otherClientID)
	if err != nil {
		return false, err
	}
	if rel.State == store.RelationshipFriend {
		return true, nil
	}
	return s.store.HasSharedJoinedGroup(clientID, otherClientID)
}

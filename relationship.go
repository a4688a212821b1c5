package talk

import (
	"github.com/hoccer/hoccer-talk-spike-sub002/store"
)

// The relationship engine. Every mutation here runs under the pairwise lock
// and writes both directed edges in one transaction, so the pair can only be
// observed in a consistent combination. Callers of the read paths may see an
// asymmetric pair only if earlier data was corrupted; that is logged, never
// repaired silently.

// InviteFriend asks another client to become friends. The forward edge goes
// to invited, the reverse edge to invitedMe.
func (c *Connection) InviteFriend(otherClientID string) error {
	clientID, err := c.gate("inviteFriend")
	if err != nil {
		return err
	}
	if err := c.server.relationshipChange(clientID, otherClientID, "invite", func(fwd, rev *store.Relationship) error {
		if rev.State == store.RelationshipBlocked {
			return rpcError("talk: cannot invite this client")
		}
		switch fwd.State {
		case store.RelationshipFriend:
			return rpcError("talk: already friends")
		case store.RelationshipInvited:
			return rpcError("talk: already invited")
		case store.RelationshipInvitedMe:
			return rpcError("talk: already invited by this client")
		case store.RelationshipBlocked:
			return rpcError("talk: unblock this client first")
		}
		fwd.State = store.RelationshipInvited
		rev.State = store.RelationshipInvitedMe
		return nil
	}); err != nil {
		return err
	}
	c.server.agent.RequestPresenceSync(otherClientID)
	c.server.agent.RequestPresenceSync(clientID)
	return nil
}

// DisinviteFriend withdraws an invitation the caller sent earlier.
func (c *Connection) DisinviteFriend(otherClientID string) error {
	clientID, err := c.gate("disinviteFriend")
	if err != nil {
		return err
	}
	if err := c.server.relationshipChange(clientID, otherClientID, "disinvite", func(fwd, rev *store.Relationship) error {
		if fwd.State != store.RelationshipInvited {
			return rpcError("talk: no invitation to withdraw")
		}
		fwd.State = store.RelationshipNone
		if rev.State == store.RelationshipInvitedMe {
			rev.State = store.RelationshipNone
		}
		return nil
	}); err != nil {
		return err
	}
	c.server.agent.RequestPresenceSync(otherClientID)
	return nil
}

// AcceptFriend completes the invitation handshake; both edges go to friend.
func (c *Connection) AcceptFriend(otherClientID string) error {
	clientID, err := c.gate("acceptFriend")
	if err != nil {
		return err
	}
	if err := c.server.relationshipChange(clientID, otherClientID, "accept", func(fwd, rev *store.Relationship) error {
		if fwd.State != store.RelationshipInvitedMe || rev.State != store.RelationshipInvited {
			return rpcError("talk: no invitation to accept")
		}
		fwd.State = store.RelationshipFriend
		rev.State = store.RelationshipFriend
		return nil
	}); err != nil {
		return err
	}
	c.server.agent.RequestPresenceSync(otherClientID)
	c.server.agent.RequestPresenceSync(clientID)
	return nil
}

// RefuseFriend declines an invitation the caller received; both edges return
// to none.
func (c *Connection) RefuseFriend(otherClientID string) error {
	clientID, err := c.gate("refuseFriend")
	if err != nil {
		return err
	}
	if err := c.server.relationshipChange(clientID, otherClientID, "refuse", func(fwd, rev *store.Relationship) error {
		if fwd.State != store.RelationshipInvitedMe {
			return rpcError("talk: no invitation to refuse")
		}
		fwd.State = store.RelationshipNone
		if rev.State == store.RelationshipInvited {
			rev.State = store.RelationshipNone
		}
		return nil
	}); err != nil {
		return err
	}
	c.server.agent.RequestPresenceSync(otherClientID)
	return nil
}

// BlockClient blocks the other client one-sidedly. A pending invitation in
// either direction is revoked rather than preserved; an existing friendship
// is remembered in unblockState and restored on unblock.
func (c *Connection) BlockClient(otherClientID string) error {
	clientID, err := c.gate("blockClient")
	if err != nil {
		return err
	}
	if err := c.server.relationshipChange(clientID, otherClientID, "block", func(fwd, rev *store.Relationship) error {
		switch fwd.State {
		case store.RelationshipBlocked:
			return rpcError("talk: already blocked")
		case store.RelationshipFriend:
			fwd.UnblockState = store.RelationshipFriend
		case store.RelationshipInvited:
			fwd.UnblockState = store.RelationshipNone
			if rev.State == store.RelationshipInvitedMe {
				rev.State = store.RelationshipNone
			}
		case store.RelationshipInvitedMe:
			fwd.UnblockState = store.RelationshipNone
			if rev.State == store.RelationshipInvited {
				rev.State = store.RelationshipNone
			}
		default:
			fwd.UnblockState = store.RelationshipNone
		}
		fwd.State = store.RelationshipBlocked
		return nil
	}); err != nil {
		return err
	}
	c.server.agent.RequestPresenceSync(otherClientID)
	return nil
}

// UnblockClient lifts a block, restoring the remembered pre-block state.
func (c *Connection) UnblockClient(otherClientID string) error {
	clientID, err := c.gate("unblockClient")
	if err != nil {
		return err
	}
	if err := c.server.relationshipChange(clientID, otherClientID, "unblock", func(fwd, rev *store.Relationship) error {
		if fwd.State != store.RelationshipBlocked {
			return rpcError("talk: not blocked")
		}
		restored := fwd.UnblockState
		switch restored {
		case store.RelationshipNone, store.RelationshipFriend:
		default:
			restored = store.RelationshipNone
		}
		if restored == store.RelationshipFriend && rev.State != store.RelationshipFriend {
			c.log.Warnf("asymmetric pair %s/%s on unblock: restoring friend against reverse state %s",
				clientID, otherClientID, rev.State)
			restored = store.RelationshipNone
		}
		fwd.State = restored
		fwd.UnblockState = store.RelationshipNone
		return nil
	}); err != nil {
		return err
	}
	c.server.agent.RequestPresenceSync(otherClientID)
	return nil
}

// DepairClient dissolves the relationship entirely. A block held by the
// other side survives depairing.
func (c *Connection) DepairClient(otherClientID string) error {
	clientID, err := c.gate("depairClient")
	if err != nil {
		return err
	}
	if err := c.server.relationshipChange(clientID, otherClientID, "depair", func(fwd, rev *store.Relationship) error {
		fwd.State = store.RelationshipNone
		fwd.UnblockState = store.RelationshipNone
		if rev.State != store.RelationshipBlocked {
			rev.State = store.RelationshipNone
			rev.UnblockState = store.RelationshipNone
		}
		return nil
	}); err != nil {
		return err
	}
	c.server.agent.RequestPresenceSync(otherClientID)
	return nil
}

// SetClientNotifications sets the caller's notification preference for the
// other client. A directed setting; the reverse edge is untouched.
func (c *Connection) SetClientNotifications(otherClientID, preference string) error {
	clientID, err := c.gate("setClientNotifications")
	if err != nil {
		return err
	}
	if preference != store.NotificationsEnabled && preference != store.NotificationsDisabled {
		return rpcError("talk: unknown notification preference %q", preference)
	}
	return c.server.relationshipChange(clientID, otherClientID, "set notifications", func(fwd, rev *store.Relationship) error {
		fwd.NotificationPreference = preference
		return nil
	})
}

// GetRelationships returns the caller's directed edges changed since lastKnown.
func (c *Connection) GetRelationships(lastKnown uint64) ([]*store.Relationship, error) {
	clientID, err := c.gate("getRelationships")
	if err != nil {
		return nil, err
	}
	var rels []*store.Relationship
	err = c.server.run("get relationships for "+clientID, func() error {
		rels, err = c.server.store.RelationshipsChangedAfter(clientID, lastKnown)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rels, nil
}

// IsContactOf reports whether the other client is a contact of the caller.
func (c *Connection) IsContactOf(otherClientID string) (bool, error) {
	clientID, err := c.gate("isContactOf")
	if err != nil {
		return false, err
	}
	var related bool
	err = c.server.run("is contact of "+otherClientID, func() error {
		related, err = c.server.isContact(clientID, otherClientID)
		return err
	})
	return related, err
}

// relationshipChange loads both directed edges under the pairwise lock,
// applies fn and persists whatever fn mutated. fn returning an error leaves
// the pair untouched.
func (s *Server) relationshipChange(clientID, otherClientID, label string, fn func(fwd, rev *store.Relationship) error) error {
	if otherClientID == "" || otherClientID == clientID {
		return rpcError("talk: invalid client id")
	}
	return s.pairLocked(clientID, otherClientID, func() error {
		return s.run(label+" "+clientID+"/"+otherClientID, func() error {
			other, err := s.store.Client(otherClientID)
			if err != nil {
				return ErrNoSuchClient
			}
			if other.Deleted() {
				return ErrClientDeleted
			}
			fwd, err := s.store.RelationshipOrNone(clientID, otherClientID)
			if err != nil {
				return err
			}
			rev, err := s.store.RelationshipOrNone(otherClientID, clientID)
			if err != nil {
				return err
			}
			fwdBefore, revBefore := *fwd, *rev
			if err := fn(fwd, rev); err != nil {
				return err
			}
			if *fwd != fwdBefore {
				if err := s.store.SetRelationship(fwd); err != nil {
					return err
				}
			}
			if *rev != revBefore {
				if err := s.store.SetRelationship(rev); err != nil {
					return err
				}
			}
			return nil
		})
	})
}

// befriend forces both edges to friend, used by token pairing. Runs under
// the pairwise lock.
func (s *Server) befriend(clientID, otherClientID string) error {
	return s.relationshipChange(clientID, otherClientID, "pair", func(fwd, rev *store.Relationship) error {
		fwd.State = store.RelationshipFriend
		fwd.UnblockState = store.RelationshipNone
		rev.State = store.RelationshipFriend
		rev.UnblockState = store.RelationshipNone
		return nil
	})
}

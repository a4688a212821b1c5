package talk

import (
	"errors"

	"github.com/hoccer/hoccer-talk-spike-sub002/ids"
	"github.com/hoccer/hoccer-talk-spike-sub002/store"
)

// The delivery engine. A request names either explicit receivers or a group;
// group requests are expanded into one delivery row per joined member here,
// so everything downstream is strictly per-receiver. Per-recipient outcomes
// are independent: one receiver failing its preconditions never fails the
// batch.

// OutDeliveryRequest accepts a message with its requested deliveries,
// decides acceptance per recipient and returns the resulting delivery rows
// as the sender may see them.
func (c *Connection) OutDeliveryRequest(message *store.Message, requested []*store.Delivery) ([]*store.Delivery, error) {
	clientID, err := c.gate("outDeliveryRequest")
	if err != nil {
		return nil, err
	}
	if len(requested) == 0 {
		return nil, rpcError("talk: no deliveries requested")
	}

	now := c.server.clock.CurrentTimeMs()
	message.MessageID = ids.NewID()
	message.SenderID = clientID
	message.TimeSent = now

	var results []*store.Delivery
	err = c.server.run("delivery request from "+clientID, func() error {
		var accepted []*store.Delivery
		for _, req := range requested {
			if req.GroupID != "" {
				expanded, err := c.server.expandGroupDelivery(clientID, message, req, now)
				if err != nil {
					return err
				}
				accepted = append(accepted, expanded...)
				continue
			}
			accepted = append(accepted, c.server.evaluateClientDelivery(clientID, message, req, now))
		}

		delivering := 0
		for _, d := range accepted {
			if err := c.server.store.InsertDelivery(d); err != nil {
				return err
			}
			if d.State == store.DeliveryStateDelivering {
				delivering++
				receiverID := d.ReceiverID
				c.server.store.AfterCommit(func() {
					c.server.agent.RequestDeliveryNotification(receiverID)
				})
			}
		}
		message.NumDeliveries = delivering
		if err := c.server.store.InsertMessage(message); err != nil {
			return err
		}
		results = accepted
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]*store.Delivery, len(results))
	for i, d := range results {
		out[i] = paredForSender(d)
	}
	c.log.Debugf("accepted message %s with %d deliveries", message.MessageID, len(out))
	return out, nil
}

// evaluateClientDelivery decides a direct delivery. Acceptance requires a
// related, existing recipient who has not blocked the sender.
func (s *Server) evaluateClientDelivery(senderID string, message *store.Message, req *store.Delivery, now uint64) *store.Delivery {
	d := &store.Delivery{
		MessageID:       message.MessageID,
		ReceiverID:      req.ReceiverID,
		MessageTag:      message.MessageTag,
		SenderID:        senderID,
		AttachmentState: attachmentInitialState(message),
		KeyID:           req.KeyID,
		KeyCiphertext:   req.KeyCiphertext,
		TimeAccepted:    now,
		TimeChanged:     now,
	}
	fail := func(reason string) *store.Delivery {
		d.State = store.DeliveryStateFailed
		d.Reason = reason
		return d
	}

	if req.ReceiverID == "" {
		return fail("no receiver")
	}
	if req.ReceiverID == senderID {
		return fail("self delivery not allowed")
	}
	receiver, err := s.store.Client(req.ReceiverID)
	if errors.Is(err, store.ErrNotFound) {
		return fail("no such client")
	}
	if err != nil {
		return fail("receiver lookup failed")
	}
	if receiver.Deleted() {
		return fail("client deleted")
	}
	rev, err := s.store.RelationshipOrNone(req.ReceiverID, senderID)
	if err != nil {
		return fail("relationship lookup failed")
	}
	if rev.State == store.RelationshipBlocked {
		return fail("recipient blocked sender")
	}
	related, err := s.isContact(senderID, req.ReceiverID)
	if err != nil {
		return fail("relationship lookup failed")
	}
	if !related {
		return fail("not related")
	}
	d.State = store.DeliveryStateDelivering
	return d
}

// expandGroupDelivery fans a group delivery out into per-member rows. A
// member whose stored group key is stale gets a failed row with a reason;
// the remaining members are unaffected.
func (s *Server) expandGroupDelivery(senderID string, message *store.Message, req *store.Delivery, now uint64) ([]*store.Delivery, error) {
	group, err := s.store.GroupPresence(req.GroupID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, rpcError("talk: no such group")
	}
	if err != nil {
		return nil, err
	}
	if group.State != store.GroupStateExists {
		return nil, rpcError("talk: group is deleted")
	}
	sender, err := s.store.Membership(req.GroupID, senderID)
	if err != nil {
		return nil, notMember(err)
	}
	if sender.State != store.MembershipStateJoined {
		return nil, rpcError("talk: not a joined member")
	}

	members, err := s.store.MembershipsInState(req.GroupID, store.MembershipStateJoined)
	if err != nil {
		return nil, err
	}
	out := []*store.Delivery{}
	for _, m := range members {
		if m.ClientID == senderID {
			continue
		}
		d := &store.Delivery{
			MessageID:       message.MessageID,
			ReceiverID:      m.ClientID,
			MessageTag:      message.MessageTag,
			SenderID:        senderID,
			GroupID:         req.GroupID,
			State:           store.DeliveryStateDelivering,
			AttachmentState: attachmentInitialState(message),
			KeyID:           m.MemberKeyID,
			KeyCiphertext:   m.EncryptedGroupKey,
			TimeAccepted:    now,
			TimeChanged:     now,
		}
		if m.EncryptedGroupKey == "" || m.SharedKeyID != group.SharedKeyID {
			d.State = store.DeliveryStateFailed
			d.Reason = "group key stale for member"
		}
		out = append(out, d)
	}
	return out, nil
}

func attachmentInitialState(message *store.Message) string {
	if message.AttachmentFileID != "" {
		return store.AttachmentStateNew
	}
	return store.AttachmentStateNone
}

// paredForSender strips receiver-side key material from a delivery row before
// returning it to the sender.
func paredForSender(d *store.Delivery) *store.Delivery {
	out := *d
	out.KeyID = ""
	out.KeyCiphertext = ""
	return &out
}

// Receiver-side confirmations.

func (c *Connection) InDeliveryConfirmUnseen(messageID string) (*store.Delivery, error) {
	return c.deliveryTransition("inDeliveryConfirmUnseen", messageID, "", inSide, store.DeliveryStateDeliveredUnseen)
}

func (c *Connection) InDeliveryConfirmSeen(messageID string) (*store.Delivery, error) {
	return c.deliveryTransition("inDeliveryConfirmSeen", messageID, "", inSide, store.DeliveryStateDeliveredSeen)
}

func (c *Connection) InDeliveryConfirmPrivate(messageID string) (*store.Delivery, error) {
	return c.deliveryTransition("inDeliveryConfirmPrivate", messageID, "", inSide, store.DeliveryStateDeliveredPrivate)
}

// InDeliveryReject refuses a delivery, e.g. when the receiver cannot decrypt
// the key ciphertext.
func (c *Connection) InDeliveryReject(messageID, reason string) (*store.Delivery, error) {
	clientID, err := c.gate("inDeliveryReject")
	if err != nil {
		return nil, err
	}
	return c.server.transitionDelivery(messageID, clientID, clientID, inSide, store.DeliveryStateRejected, reason)
}

// Sender-side acknowledgements.

func (c *Connection) OutDeliveryAcknowledgeUnseen(messageID, receiverID string) (*store.Delivery, error) {
	return c.deliveryTransition("outDeliveryAcknowledgeUnseen", messageID, receiverID, outSide, store.DeliveryStateDeliveredUnseenAcknowledged)
}

func (c *Connection) OutDeliveryAcknowledgeSeen(messageID, receiverID string) (*store.Delivery, error) {
	return c.deliveryTransition("outDeliveryAcknowledgeSeen", messageID, receiverID, outSide, store.DeliveryStateDeliveredSeenAcknowledged)
}

func (c *Connection) OutDeliveryAcknowledgePrivate(messageID, receiverID string) (*store.Delivery, error) {
	return c.deliveryTransition("outDeliveryAcknowledgePrivate", messageID, receiverID, outSide, store.DeliveryStateDeliveredPrivateAcknowledged)
}

func (c *Connection) OutDeliveryAcknowledgeRejected(messageID, receiverID string) (*store.Delivery, error) {
	return c.deliveryTransition("outDeliveryAcknowledgeRejected", messageID, receiverID, outSide, store.DeliveryStateRejectedAcknowledged)
}

func (c *Connection) OutDeliveryAcknowledgeFailed(messageID, receiverID string) (*store.Delivery, error) {
	return c.deliveryTransition("outDeliveryAcknowledgeFailed", messageID, receiverID, outSide, store.DeliveryStateFailedAcknowledged)
}

// OutDeliveryAbort cancels an in-flight delivery from the sender side.
func (c *Connection) OutDeliveryAbort(messageID, receiverID string) (*store.Delivery, error) {
	return c.deliveryTransition("outDeliveryAbort", messageID, receiverID, outSide, store.DeliveryStateAborted)
}

// OutDeliveryUnknown is the sender disowning a delivery it no longer knows.
// The state is forced forward to the nearest terminal state instead of
// trusting the caller with a target.
func (c *Connection) OutDeliveryUnknown(messageID, receiverID string) (*store.Delivery, error) {
	clientID, err := c.gate("outDeliveryUnknown")
	if err != nil {
		return nil, err
	}
	return c.server.forceDeliveryForward(messageID, receiverID, clientID, outSide)
}

// InDeliveryUnknown is the receiver disowning a delivery.
func (c *Connection) InDeliveryUnknown(messageID string) (*store.Delivery, error) {
	clientID, err := c.gate("inDeliveryUnknown")
	if err != nil {
		return nil, err
	}
	return c.server.forceDeliveryForward(messageID, clientID, clientID, inSide)
}

type deliverySide int

const (
	inSide deliverySide = iota
	outSide
)

func (c *Connection) deliveryTransition(method, messageID, receiverID string, side deliverySide, next string) (*store.Delivery, error) {
	clientID, err := c.gate(method)
	if err != nil {
		return nil, err
	}
	if side == inSide {
		receiverID = clientID
	}
	return c.server.transitionDelivery(messageID, receiverID, clientID, side, next, "")
}

// transitionDelivery validates and applies one state transition under the
// message lock. The row is untouched when the transition is illegal.
func (s *Server) transitionDelivery(messageID, receiverID, callerID string, side deliverySide, next, reason string) (*store.Delivery, error) {
	var delivery *store.Delivery
	err := s.messageLocked(messageID, func() error {
		return s.run("delivery "+messageID+" to "+next, func() error {
			d, err := s.loadDeliveryFor(messageID, receiverID, callerID, side)
			if err != nil {
				return err
			}
			if !store.DeliveryStateAllowed(d.State, next) {
				return rpcError("talk: illegal delivery state transition %s to %s", d.State, next)
			}
			s.applyDeliveryState(d, next, side)
			if reason != "" {
				d.Reason = reason
			}
			if err := s.store.UpdateDelivery(d); err != nil {
				return err
			}
			delivery = d
			s.notifyDeliveryPeer(d, side)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return delivery, nil
}

// forceDeliveryForward pushes a disowned delivery to the nearest terminal
// state reachable from where it is. Already-terminal rows are left alone.
func (s *Server) forceDeliveryForward(messageID, receiverID, callerID string, side deliverySide) (*store.Delivery, error) {
	var delivery *store.Delivery
	err := s.messageLocked(messageID, func() error {
		return s.run("disown delivery "+messageID, func() error {
			d, err := s.loadDeliveryFor(messageID, receiverID, callerID, side)
			if err != nil {
				return err
			}
			next, changed := forcedTerminalState(d.State, side)
			if !changed {
				delivery = d
				return nil
			}
			s.applyDeliveryState(d, next, side)
			d.Reason = "disowned"
			if err := s.store.UpdateDelivery(d); err != nil {
				return err
			}
			delivery = d
			s.notifyDeliveryPeer(d, side)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return delivery, nil
}

// forcedTerminalState maps a live state to the terminal state a disown call
// forces it into. All results are legal transitions of the state table.
func forcedTerminalState(state string, side deliverySide) (string, bool) {
	switch state {
	case store.DeliveryStateNew, store.DeliveryStateDelivering:
		if side == inSide {
			return store.DeliveryStateRejected, true
		}
		return store.DeliveryStateAborted, true
	case store.DeliveryStateDeliveredUnseen:
		return store.DeliveryStateDeliveredUnseenAcknowledged, side == outSide
	case store.DeliveryStateDeliveredSeen:
		return store.DeliveryStateDeliveredSeenAcknowledged, side == outSide
	case store.DeliveryStateDeliveredPrivate:
		return store.DeliveryStateDeliveredPrivateAcknowledged, side == outSide
	case store.DeliveryStateRejected:
		return store.DeliveryStateRejectedAcknowledged, side == outSide
	case store.DeliveryStateFailed:
		return store.DeliveryStateFailedAcknowledged, side == outSide
	case store.DeliveryStateAborted:
		return store.DeliveryStateAbortedAcknowledged, side == outSide
	}
	return state, false
}

// loadDeliveryFor loads the delivery row and checks the caller is the proper
// party for the given side.
func (s *Server) loadDeliveryFor(messageID, receiverID, callerID string, side deliverySide) (*store.Delivery, error) {
	d, err := s.store.Delivery(messageID, receiverID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, rpcError("talk: no such delivery")
	}
	if err != nil {
		return nil, err
	}
	if side == inSide && d.ReceiverID != callerID {
		return nil, rpcError("talk: not the receiver of this delivery")
	}
	if side == outSide && d.SenderID != callerID {
		return nil, rpcError("talk: not the sender of this delivery")
	}
	return d, nil
}

func (s *Server) applyDeliveryState(d *store.Delivery, next string, side deliverySide) {
	d.State = next
	now := s.clock.CurrentTimeMs()
	if side == inSide {
		d.TimeUpdatedIn = now
	} else {
		d.TimeUpdatedOut = now
	}
}

// notifyDeliveryPeer tells the other party of a delivery about the state
// change, after the transaction commits.
func (s *Server) notifyDeliveryPeer(d *store.Delivery, side deliverySide) {
	peerID := d.SenderID
	if side == outSide {
		peerID = d.ReceiverID
	}
	s.store.AfterCommit(func() {
		s.agent.RequestDeliveryNotification(peerID)
	})
}

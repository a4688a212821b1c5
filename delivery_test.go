package talk

import (
	"testing"

	"github.com/hoccer/hoccer-talk-spike-sub002/notify"
	"github.com/hoccer/hoccer-talk-spike-sub002/store"
	"github.com/stretchr/testify/require"
)

func deliveryState(t *testing.T, s *Server, messageID, receiverID string) *store.Delivery {
	t.Helper()
	var d *store.Delivery
	require.NoError(t, s.run("read delivery", func() error {
		var err error
		d, err = s.store.Delivery(messageID, receiverID)
		return err
	}))
	return d
}

func sendMessage(t *testing.T, sender *Connection, receiverID string) (string, []*store.Delivery) {
	t.Helper()
	message := &store.Message{Body: "ciphertext"}
	results, err := sender.OutDeliveryRequest(message, []*store.Delivery{
		{ReceiverID: receiverID, KeyID: "key-1", KeyCiphertext: "wrapped-key"},
	})
	require.NoError(t, err)
	return message.MessageID, results
}

func TestDirectDeliveryLifecycle(t *testing.T) {
	require := require.New(t)
	s, recorder, _ := newTestServer(t)
	a, aID := seedClient(t, s)
	b, bID := seedClient(t, s)
	befriendClients(t, a, aID, b, bID)

	messageID, results := sendMessage(t, a, bID)
	require.Len(results, 1)
	require.Equal(store.DeliveryStateDelivering, results[0].State)
	// Sender results never carry the receiver's key material.
	require.Empty(results[0].KeyCiphertext)
	require.NotZero(recorder.CountFor(notify.KindDelivery, bID))

	// The stored row keeps it.
	require.Equal("wrapped-key", deliveryState(t, s, messageID, bID).KeyCiphertext)

	d, err := b.InDeliveryConfirmUnseen(messageID)
	require.NoError(err)
	require.Equal(store.DeliveryStateDeliveredUnseen, d.State)
	require.NotZero(recorder.CountFor(notify.KindDelivery, aID))

	d, err = b.InDeliveryConfirmSeen(messageID)
	require.NoError(err)
	require.Equal(store.DeliveryStateDeliveredSeen, d.State)

	d, err = a.OutDeliveryAcknowledgeSeen(messageID, bID)
	require.NoError(err)
	require.Equal(store.DeliveryStateDeliveredSeenAcknowledged, d.State)
}

func TestDeliveryIllegalTransitionDoesNotMutate(t *testing.T) {
	require := require.New(t)
	s, _, _ := newTestServer(t)
	a, aID := seedClient(t, s)
	b, bID := seedClient(t, s)
	befriendClients(t, a, aID, b, bID)

	messageID, _ := sendMessage(t, a, bID)
	_, err := b.InDeliveryConfirmUnseen(messageID)
	require.NoError(err)
	_, err = a.OutDeliveryAcknowledgeUnseen(messageID, bID)
	require.NoError(err)

	// The acknowledged state is terminal; any further request fails loudly
	// and the row stays put.
	_, err = b.InDeliveryConfirmSeen(messageID)
	require.Error(err)
	require.Equal(store.DeliveryStateDeliveredUnseenAcknowledged, deliveryState(t, s, messageID, bID).State)
}

func TestDeliveryWrongParty(t *testing.T) {
	require := require.New(t)
	s, _, _ := newTestServer(t)
	a, aID := seedClient(t, s)
	b, bID := seedClient(t, s)
	c, _ := seedClient(t, s)
	befriendClients(t, a, aID, b, bID)

	messageID, _ := sendMessage(t, a, bID)
	// Only the receiver confirms, only the sender acknowledges.
	_, err := c.InDeliveryConfirmUnseen(messageID)
	require.Error(err)
	_, err = b.InDeliveryConfirmUnseen(messageID)
	require.NoError(err)
	_, err = b.OutDeliveryAcknowledgeUnseen(messageID, bID)
	require.Error(err)
}

func TestDeliveryToUnrelatedFails(t *testing.T) {
	require := require.New(t)
	s, recorder, _ := newTestServer(t)
	a, _ := seedClient(t, s)
	_, bID := seedClient(t, s)

	_, results := sendMessage(t, a, bID)
	require.Len(results, 1)
	require.Equal(store.DeliveryStateFailed, results[0].State)
	require.Equal("not related", results[0].Reason)
	require.Zero(recorder.CountFor(notify.KindDelivery, bID))
}

func TestDeliveryToBlockingReceiverFails(t *testing.T) {
	require := require.New(t)
	s, recorder, _ := newTestServer(t)
	a, aID := seedClient(t, s)
	b, bID := seedClient(t, s)
	befriendClients(t, a, aID, b, bID)
	require.NoError(b.BlockClient(aID))

	_, results := sendMessage(t, a, bID)
	require.Equal(store.DeliveryStateFailed, results[0].State)
	require.Equal("recipient blocked sender", results[0].Reason)
	require.Zero(recorder.CountFor(notify.KindDelivery, bID))
}

func TestSelfDeliveryFails(t *testing.T) {
	require := require.New(t)
	s, _, _ := newTestServer(t)
	a, aID := seedClient(t, s)

	_, results := sendMessage(t, a, aID)
	require.Equal(store.DeliveryStateFailed, results[0].State)
	require.Equal("self delivery not allowed", results[0].Reason)
}

func TestMixedBatchIndependentOutcomes(t *testing.T) {
	require := require.New(t)
	s, _, _ := newTestServer(t)
	a, aID := seedClient(t, s)
	b, bID := seedClient(t, s)
	_, cID := seedClient(t, s)
	befriendClients(t, a, aID, b, bID)

	message := &store.Message{Body: "ciphertext"}
	results, err := a.OutDeliveryRequest(message, []*store.Delivery{
		{ReceiverID: bID, KeyCiphertext: "k1"},
		{ReceiverID: cID, KeyCiphertext: "k2"},
	})
	require.NoError(err)
	require.Len(results, 2)
	require.Equal(store.DeliveryStateDelivering, results[0].State)
	require.Equal(store.DeliveryStateFailed, results[1].State)
}

func TestGroupFanOut(t *testing.T) {
	require := require.New(t)
	s, recorder, _ := newTestServer(t)
	a, _ := seedClient(t, s)
	b, bID := seedClient(t, s)
	c, cID := seedClient(t, s)
	d, dID := seedClient(t, s)

	groupID, err := a.CreateGroupWithMembers("fan", []string{bID, cID, dID},
		[]string{store.RoleMember, store.RoleMember, store.RoleMember})
	require.NoError(err)
	require.NoError(b.JoinGroup(groupID))
	require.NoError(c.JoinGroup(groupID))
	require.NoError(d.JoinGroup(groupID))

	// b and c hold current group keys, d's is missing and must fail.
	require.NoError(a.UpdateGroupKey(groupID, bID, "key-1", "wrapped-b"))
	require.NoError(a.UpdateGroupKey(groupID, cID, "key-1", "wrapped-c"))

	message := &store.Message{Body: "ciphertext"}
	results, err := a.OutDeliveryRequest(message, []*store.Delivery{{GroupID: groupID}})
	require.NoError(err)
	require.Len(results, 3)

	byReceiver := map[string]*store.Delivery{}
	for _, r := range results {
		byReceiver[r.ReceiverID] = r
	}
	require.Equal(store.DeliveryStateDelivering, byReceiver[bID].State)
	require.Equal(store.DeliveryStateDelivering, byReceiver[cID].State)
	require.Equal(store.DeliveryStateFailed, byReceiver[dID].State)
	require.Equal("group key stale for member", byReceiver[dID].Reason)

	require.NotZero(recorder.CountFor(notify.KindDelivery, bID))
	require.NotZero(recorder.CountFor(notify.KindDelivery, cID))
	require.Zero(recorder.CountFor(notify.KindDelivery, dID))

	// The stored delivery carries the member's wrapped group key.
	require.Equal("wrapped-b", deliveryState(t, s, message.MessageID, bID).KeyCiphertext)
}

func TestGroupDeliveryRequiresJoinedSender(t *testing.T) {
	require := require.New(t)
	s, _, _ := newTestServer(t)
	a, _ := seedClient(t, s)
	b, _ := seedClient(t, s)

	groupID, err := a.CreateGroup("private")
	require.NoError(err)
	_, err = b.OutDeliveryRequest(&store.Message{Body: "x"}, []*store.Delivery{{GroupID: groupID}})
	require.Error(err)
}

func TestDeliveryAbortAndReject(t *testing.T) {
	require := require.New(t)
	s, _, _ := newTestServer(t)
	a, aID := seedClient(t, s)
	b, bID := seedClient(t, s)
	befriendClients(t, a, aID, b, bID)

	messageID, _ := sendMessage(t, a, bID)
	d, err := a.OutDeliveryAbort(messageID, bID)
	require.NoError(err)
	require.Equal(store.DeliveryStateAborted, d.State)

	messageID, _ = sendMessage(t, a, bID)
	d, err = b.InDeliveryReject(messageID, "cannot decrypt")
	require.NoError(err)
	require.Equal(store.DeliveryStateRejected, d.State)
	require.Equal("cannot decrypt", d.Reason)
	d, err = a.OutDeliveryAcknowledgeRejected(messageID, bID)
	require.NoError(err)
	require.Equal(store.DeliveryStateRejectedAcknowledged, d.State)
}

func TestDeliveryUnknownForcesTerminal(t *testing.T) {
	require := require.New(t)
	s, _, _ := newTestServer(t)
	a, aID := seedClient(t, s)
	b, bID := seedClient(t, s)
	befriendClients(t, a, aID, b, bID)

	// Sender disowns an in-flight delivery: aborted.
	messageID, _ := sendMessage(t, a, bID)
	d, err := a.OutDeliveryUnknown(messageID, bID)
	require.NoError(err)
	require.Equal(store.DeliveryStateAborted, d.State)
	// Disowning again moves one step further, then stays put.
	d, err = a.OutDeliveryUnknown(messageID, bID)
	require.NoError(err)
	require.Equal(store.DeliveryStateAbortedAcknowledged, d.State)
	d, err = a.OutDeliveryUnknown(messageID, bID)
	require.NoError(err)
	require.Equal(store.DeliveryStateAbortedAcknowledged, d.State)

	// Receiver disowns an in-flight delivery: rejected.
	messageID, _ = sendMessage(t, a, bID)
	d, err = b.InDeliveryUnknown(messageID)
	require.NoError(err)
	require.Equal(store.DeliveryStateRejected, d.State)
}

func TestRedeliveryOnLogin(t *testing.T) {
	require := require.New(t)
	s, recorder, _ := newTestServer(t)
	a, aID := seedClient(t, s)

	receiverConn, receiverID, salt := registerClient(t, s)
	befriendClients(t, a, aID, receiverConn, receiverID)
	require.NoError(receiverConn.Disconnect())

	sendMessage(t, a, receiverID)
	before := recorder.CountFor(notify.KindDelivery, receiverID)

	// A fresh login sees the undelivered message and re-requests delivery.
	conn := s.NewConnection(ProtocolCurrent)
	loginClient(t, conn, receiverID, salt, testPassword)
	require.Greater(recorder.CountFor(notify.KindDelivery, receiverID), before)
}

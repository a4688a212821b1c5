package store

import "fmt"

// Message is the immutable payload envelope. Deliveries reference it by id.
type Message struct {
	MessageID        string `db:"message_id"`
	MessageTag       string `db:"message_tag"`
	SenderID         string `db:"sender_id"`
	Body             string `db:"body"`
	Attachment       string `db:"attachment"`
	AttachmentFileID string `db:"attachment_file_id"`
	TimeSent         uint64 `db:"time_sent"`
	NumDeliveries    int    `db:"num_deliveries"`
}

// Delivery tracks the progress of one message to one receiver. Group
// deliveries are expanded into one row per member before they reach the
// store, so every row here is per-receiver.
type Delivery struct {
	MessageID       string `db:"message_id"`
	ReceiverID      string `db:"receiver_id"`
	MessageTag      string `db:"message_tag"`
	SenderID        string `db:"sender_id"`
	GroupID         string `db:"group_id"`
	State           string `db:"state"`
	AttachmentState string `db:"attachment_state"`
	Reason          string `db:"reason"`
	KeyID           string `db:"key_id"`
	KeyCiphertext   string `db:"key_ciphertext"`
	TimeAccepted    uint64 `db:"time_accepted"`
	TimeChanged     uint64 `db:"time_changed"`
	TimeUpdatedIn   uint64 `db:"time_updated_in"`
	TimeUpdatedOut  uint64 `db:"time_updated_out"`
}

func (s *Store) InsertMessage(m *Message) error {
	if _, err := s.Tx.NamedExec(
		"INSERT INTO messages (message_id, message_tag, sender_id, body, attachment, attachment_file_id, time_sent, num_deliveries) VALUES (:message_id, :message_tag, :sender_id, :body, :attachment, :attachment_file_id, :time_sent, :num_deliveries)", m); err != nil {
		return fmt.Errorf("store: error inserting message: %w", err)
	}
	return nil
}

func (s *Store) Message(messageID string) (*Message, error) {
	m := &Message{}
	if err := s.Tx.Get(m, "SELECT * FROM messages WHERE message_id = $1", messageID); err != nil {
		return nil, notFound(err)
	}
	return m, nil
}

// MessageByAttachmentFileID resolves the message an attachment belongs to.
// File ids are unique per message.
func (s *Store) MessageByAttachmentFileID(fileID string) (*Message, error) {
	m := &Message{}
	if err := s.Tx.Get(m, "SELECT * FROM messages WHERE attachment_file_id = $1", fileID); err != nil {
		return nil, notFound(err)
	}
	return m, nil
}

func (s *Store) InsertDelivery(d *Delivery) error {
	if _, err := s.Tx.NamedExec(
		"INSERT INTO deliveries (message_id, receiver_id, message_tag, sender_id, group_id, state, attachment_state, reason, key_id, key_ciphertext, time_accepted, time_changed, time_updated_in, time_updated_out) VALUES (:message_id, :receiver_id, :message_tag, :sender_id, :group_id, :state, :attachment_state, :reason, :key_id, :key_ciphertext, :time_accepted, :time_changed, :time_updated_in, :time_updated_out)", d); err != nil {
		return fmt.Errorf("store: error inserting delivery: %w", err)
	}
	return nil
}

func (s *Store) Delivery(messageID, receiverID string) (*Delivery, error) {
	d := &Delivery{}
	if err := s.Tx.Get(d, "SELECT * FROM deliveries WHERE message_id = $1 AND receiver_id = $2", messageID, receiverID); err != nil {
		return nil, notFound(err)
	}
	return d, nil
}

func (s *Store) DeliveriesForMessage(messageID string) ([]*Delivery, error) {
	ds := []*Delivery{}
	if err := s.Tx.Select(&ds, "SELECT * FROM deliveries WHERE message_id = $1", messageID); err != nil {
		return nil, fmt.Errorf("store: error selecting deliveries: %w", err)
	}
	return ds, nil
}

// UpdateDelivery persists a mutated delivery row. The legality of the state
// transition has been checked by the caller before any mutation.
func (s *Store) UpdateDelivery(d *Delivery) error {
	d.TimeChanged = s.Clock.CurrentTimeMs()
	if _, err := s.Tx.NamedExec(
		"UPDATE deliveries SET state = :state, attachment_state = :attachment_state, reason = :reason, time_changed = :time_changed, time_updated_in = :time_updated_in, time_updated_out = :time_updated_out WHERE message_id = :message_id AND receiver_id = :receiver_id", d); err != nil {
		return fmt.Errorf("store: error updating delivery: %w", err)
	}
	return nil
}

// DeliveriesForReceiverInState powers redelivery on login/ready.
func (s *Store) DeliveriesForReceiverInState(receiverID, state string) ([]*Delivery, error) {
	ds := []*Delivery{}
	if err := s.Tx.Select(&ds, "SELECT * FROM deliveries WHERE receiver_id = $1 AND state = $2", receiverID, state); err != nil {
		return nil, fmt.Errorf("store: error selecting deliveries: %w", err)
	}
	return ds, nil
}

// InFlightDeliveryCount counts deliveries still in state delivering towards
// the given receiver. Environment cleanup is blocked while this is non-zero.
func (s *Store) InFlightDeliveryCount(receiverID string) (int, error) {
	var count int
	if err := s.Tx.Get(&count, "SELECT count(*) FROM deliveries WHERE receiver_id = $1 AND state = $2", receiverID, DeliveryStateDelivering); err != nil {
		return 0, fmt.Errorf("store: error counting in-flight deliveries: %w", err)
	}
	return count, nil
}

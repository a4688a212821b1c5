package store

import "fmt"

type Presence struct {
	ClientID         string `db:"client_id"`
	ClientName       string `db:"client_name"`
	ClientStatus     string `db:"client_status"`
	AvatarURL        string `db:"avatar_url"`
	KeyID            string `db:"key_id"`
	ConnectionStatus string `db:"connection_status"`
	LastSeen         uint64 `db:"last_seen"`
	LastChanged      uint64 `db:"last_changed"`
}

type Key struct {
	ClientID  string `db:"client_id"`
	KeyID     string `db:"key_id"`
	Key       string `db:"key"`
	Timestamp uint64 `db:"timestamp"`
}

func (s *Store) UpsertPresence(p *Presence) error {
	p.LastChanged = s.Clock.CurrentTimeMs()
	if _, err := s.Tx.NamedExec(
		"INSERT INTO presences (client_id, client_name, client_status, avatar_url, key_id, connection_status, last_seen, last_changed) VALUES (:client_id, :client_name, :client_status, :avatar_url, :key_id, :connection_status, :last_seen, :last_changed) ON CONFLICT(client_id) DO UPDATE SET client_name = :client_name, client_status = :client_status, avatar_url = :avatar_url, key_id = :key_id, connection_status = :connection_status, last_seen = :last_seen, last_changed = :last_changed", p); err != nil {
		return fmt.Errorf("store: error upserting presence: %w", err)
	}
	return nil
}

func (s *Store) Presence(clientID string) (*Presence, error) {
	p := &Presence{}
	if err := s.Tx.Get(p, "SELECT * FROM presences WHERE client_id = $1", clientID); err != nil {
		return nil, notFound(err)
	}
	return p, nil
}

func (s *Store) UpdatePresenceConnectionStatus(clientID, status string) error {
	now := s.Clock.CurrentTimeMs()
	if _, err := s.Tx.Exec("UPDATE presences SET connection_status = $1, last_seen = $2, last_changed = $2 WHERE client_id = $3", status, now, clientID); err != nil {
		return fmt.Errorf("store: error updating connection status: %w", err)
	}
	return nil
}

// PresencesChangedAfter returns the presences of the given clients changed
// after the lastKnown timestamp (incremental sync contract).
func (s *Store) PresencesChangedAfter(clientIDs []string, lastKnown uint64) ([]*Presence, error) {
	if len(clientIDs) == 0 {
		return nil, nil
	}
	query, args, err := inQuery("SELECT * FROM presences WHERE last_changed > ? AND client_id IN (?)", lastKnown, clientIDs)
	if err != nil {
		return nil, err
	}
	presences := []*Presence{}
	if err := s.Tx.Select(&presences, query, args...); err != nil {
		return nil, fmt.Errorf("store: error selecting presences: %w", err)
	}
	return presences, nil
}

func (s *Store) UpsertKey(k *Key) error {
	if _, err := s.Tx.NamedExec(
		"INSERT INTO keys (client_id, key_id, key, timestamp) VALUES (:client_id, :key_id, :key, :timestamp) ON CONFLICT(client_id, key_id) DO UPDATE SET key = :key, timestamp = :timestamp", k); err != nil {
		return fmt.Errorf("store: error upserting key: %w", err)
	}
	return nil
}

func (s *Store) Key(clientID, keyID string) (*Key, error) {
	k := &Key{}
	if err := s.Tx.Get(k, "SELECT * FROM keys WHERE client_id = $1 AND key_id = $2", clientID, keyID); err != nil {
		return nil, notFound(err)
	}
	return k, nil
}

package store

import "fmt"

type Client struct {
	ClientID        string `db:"client_id"`
	SRPSalt         string `db:"srp_salt"`
	SRPVerifier     string `db:"srp_verifier"`
	GCMPackage      string `db:"gcm_package"`
	GCMRegistration string `db:"gcm_registration"`
	APNSToken       string `db:"apns_token"`
	APNSMode        string `db:"apns_mode"`
	APNSUnreadHint  int    `db:"apns_unread_hint"`
	TimeRegistered  uint64 `db:"time_registered"`
	TimeDeleted     uint64 `db:"time_deleted"`
	ReasonDeleted   string `db:"reason_deleted"`
}

func (c *Client) Deleted() bool {
	return c.TimeDeleted != 0
}

func (c *Client) Registered() bool {
	return c.SRPVerifier != ""
}

func (s *Store) InsertClient(c *Client) error {
	if _, err := s.Tx.NamedExec(
		"INSERT INTO clients (client_id, srp_salt, srp_verifier, gcm_package, gcm_registration, apns_token, apns_mode, apns_unread_hint, time_registered, time_deleted, reason_deleted) VALUES (:client_id, :srp_salt, :srp_verifier, :gcm_package, :gcm_registration, :apns_token, :apns_mode, :apns_unread_hint, :time_registered, :time_deleted, :reason_deleted)", c); err != nil {
		return fmt.Errorf("store: error inserting client: %w", err)
	}
	return nil
}

func (s *Store) Client(clientID string) (*Client, error) {
	c := &Client{}
	if err := s.Tx.Get(c, "SELECT * FROM clients WHERE client_id = $1", clientID); err != nil {
		return nil, notFound(err)
	}
	return c, nil
}

func (s *Store) UpdateClientVerifier(clientID, salt, verifier string) error {
	if _, err := s.Tx.Exec("UPDATE clients SET srp_salt = $1, srp_verifier = $2 WHERE client_id = $3", salt, verifier, clientID); err != nil {
		return fmt.Errorf("store: error updating verifier: %w", err)
	}
	return nil
}

func (s *Store) UpdateClientGCM(clientID, pkg, registration string) error {
	if _, err := s.Tx.Exec("UPDATE clients SET gcm_package = $1, gcm_registration = $2 WHERE client_id = $3", pkg, registration, clientID); err != nil {
		return fmt.Errorf("store: error updating gcm registration: %w", err)
	}
	return nil
}

func (s *Store) UpdateClientAPNS(clientID, token string) error {
	if _, err := s.Tx.Exec("UPDATE clients SET apns_token = $1 WHERE client_id = $2", token, clientID); err != nil {
		return fmt.Errorf("store: error updating apns token: %w", err)
	}
	return nil
}

func (s *Store) UpdateClientAPNSMode(clientID, mode string) error {
	if _, err := s.Tx.Exec("UPDATE clients SET apns_mode = $1 WHERE client_id = $2", mode, clientID); err != nil {
		return fmt.Errorf("store: error updating apns mode: %w", err)
	}
	return nil
}

func (s *Store) UpdateClientAPNSUnreadHint(clientID string, unread int) error {
	if _, err := s.Tx.Exec("UPDATE clients SET apns_unread_hint = $1 WHERE client_id = $2", unread, clientID); err != nil {
		return fmt.Errorf("store: error updating apns unread hint: %w", err)
	}
	return nil
}

// MarkClientDeleted soft-deletes a client. The verifier is cleared so the
// client can no longer authenticate; the row is kept while references exist.
func (s *Store) MarkClientDeleted(clientID, reason string) error {
	if _, err := s.Tx.Exec("UPDATE clients SET srp_verifier = '', time_deleted = $1, reason_deleted = $2 WHERE client_id = $3",
		s.Clock.CurrentTimeMs(), reason, clientID); err != nil {
		return fmt.Errorf("store: error deleting client: %w", err)
	}
	return nil
}

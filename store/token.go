package store

import "fmt"

type Token struct {
	TokenID       string `db:"token_id"`
	Purpose       string `db:"purpose"`
	Secret        string `db:"secret"`
	State         string `db:"state"`
	ClientID      string `db:"client_id"`
	TimeGenerated uint64 `db:"time_generated"`
	TimeExpires   uint64 `db:"time_expires"`
	UseCount      uint64 `db:"use_count"`
	MaxUseCount   uint64 `db:"max_use_count"`
}

func (t *Token) Usable(nowMs uint64) bool {
	if t.State == TokenStateSpent {
		return false
	}
	if t.UseCount >= t.MaxUseCount {
		return false
	}
	return t.TimeExpires > nowMs
}

func (s *Store) InsertToken(t *Token) error {
	if _, err := s.Tx.NamedExec(
		"INSERT INTO tokens (token_id, purpose, secret, state, client_id, time_generated, time_expires, use_count, max_use_count) VALUES (:token_id, :purpose, :secret, :state, :client_id, :time_generated, :time_expires, :use_count, :max_use_count)", t); err != nil {
		return fmt.Errorf("store: error inserting token: %w", err)
	}
	return nil
}

func (s *Store) TokenBySecret(purpose, secret string) (*Token, error) {
	t := &Token{}
	if err := s.Tx.Get(t, "SELECT * FROM tokens WHERE purpose = $1 AND secret = $2", purpose, secret); err != nil {
		return nil, notFound(err)
	}
	return t, nil
}

func (s *Store) SecretInUse(purpose, secret string) (bool, error) {
	var count int
	if err := s.Tx.Get(&count, "SELECT count(*) FROM tokens WHERE purpose = $1 AND secret = $2", purpose, secret); err != nil {
		return false, fmt.Errorf("store: error checking token secret: %w", err)
	}
	return count > 0, nil
}

func (s *Store) UpdateToken(t *Token) error {
	if _, err := s.Tx.NamedExec(
		"UPDATE tokens SET state = :state, use_count = :use_count WHERE token_id = :token_id", t); err != nil {
		return fmt.Errorf("store: error updating token: %w", err)
	}
	return nil
}

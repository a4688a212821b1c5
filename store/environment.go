package store

import (
	"fmt"
	"strings"
)

// Environment is a client-declared locality descriptor. At most one live row
// per (env_type, client_id); a released row with remaining ttl is kept as a
// tombstone (time_released set) for quick re-acquisition.
type Environment struct {
	EnvType      string  `db:"env_type"`
	ClientID     string  `db:"client_id"`
	GroupID      string  `db:"group_id"`
	Name         string  `db:"name"`
	Tag          string  `db:"tag"`
	Latitude     float64 `db:"latitude"`
	Longitude    float64 `db:"longitude"`
	Accuracy     float64 `db:"accuracy"`
	BSSIDs       string  `db:"bssids"`
	Identifiers  string  `db:"identifiers"`
	Timestamp    uint64  `db:"timestamp"`
	TTLSec       uint64  `db:"ttl_sec"`
	TimeReceived uint64  `db:"time_received"`
	TimeReleased uint64  `db:"time_released"`
}

func (e *Environment) Released() bool {
	return e.TimeReleased != 0
}

func (e *Environment) Expired(nowMs uint64) bool {
	if e.TTLSec == 0 {
		return false
	}
	return e.TimeReceived+e.TTLSec*1000 <= nowMs
}

func (e *Environment) BSSIDList() []string {
	if e.BSSIDs == "" {
		return nil
	}
	return strings.Split(e.BSSIDs, ",")
}

func (e *Environment) IdentifierList() []string {
	if e.Identifiers == "" {
		return nil
	}
	return strings.Split(e.Identifiers, ",")
}

// Matches reports whether two environments describe the same locality. For
// worldwide environments the tag is the whole criterion. Nearby environments
// match when they share a bssid, an identifier, or a non-empty tag.
func (e *Environment) Matches(other *Environment) bool {
	if e.EnvType != other.EnvType {
		return false
	}
	if e.EnvType == EnvironmentTypeWorldwide {
		return e.Tag == other.Tag
	}
	if e.Tag != "" && e.Tag == other.Tag {
		return true
	}
	for _, b := range e.BSSIDList() {
		for _, ob := range other.BSSIDList() {
			if b == ob {
				return true
			}
		}
	}
	for _, i := range e.IdentifierList() {
		for _, oi := range other.IdentifierList() {
			if i == oi {
				return true
			}
		}
	}
	return false
}

func (s *Store) UpsertEnvironment(e *Environment) error {
	if _, err := s.Tx.NamedExec(
		"INSERT INTO environments (env_type, client_id, group_id, name, tag, latitude, longitude, accuracy, bssids, identifiers, timestamp, ttl_sec, time_received, time_released) VALUES (:env_type, :client_id, :group_id, :name, :tag, :latitude, :longitude, :accuracy, :bssids, :identifiers, :timestamp, :ttl_sec, :time_received, :time_released) ON CONFLICT(env_type, client_id) DO UPDATE SET group_id = :group_id, name = :name, tag = :tag, latitude = :latitude, longitude = :longitude, accuracy = :accuracy, bssids = :bssids, identifiers = :identifiers, timestamp = :timestamp, ttl_sec = :ttl_sec, time_received = :time_received, time_released = :time_released", e); err != nil {
		return fmt.Errorf("store: error upserting environment: %w", err)
	}
	return nil
}

func (s *Store) Environment(envType, clientID string) (*Environment, error) {
	e := &Environment{}
	if err := s.Tx.Get(e, "SELECT * FROM environments WHERE env_type = $1 AND client_id = $2", envType, clientID); err != nil {
		return nil, notFound(err)
	}
	return e, nil
}

// EnvironmentsByType returns all environments of a type, live and released.
// Matching and expiry filtering happen in the engine.
func (s *Store) EnvironmentsByType(envType string) ([]*Environment, error) {
	envs := []*Environment{}
	if err := s.Tx.Select(&envs, "SELECT * FROM environments WHERE env_type = $1", envType); err != nil {
		return nil, fmt.Errorf("store: error selecting environments: %w", err)
	}
	return envs, nil
}

func (s *Store) EnvironmentsForGroup(groupID string) ([]*Environment, error) {
	envs := []*Environment{}
	if err := s.Tx.Select(&envs, "SELECT * FROM environments WHERE group_id = $1", groupID); err != nil {
		return nil, fmt.Errorf("store: error selecting environments: %w", err)
	}
	return envs, nil
}

func (s *Store) DeleteEnvironment(envType, clientID string) error {
	if _, err := s.Tx.Exec("DELETE FROM environments WHERE env_type = $1 AND client_id = $2", envType, clientID); err != nil {
		return fmt.Errorf("store: error deleting environment: %w", err)
	}
	return nil
}

func (s *Store) ReleaseEnvironment(envType, clientID string) error {
	if _, err := s.Tx.Exec("UPDATE environments SET time_released = $1 WHERE env_type = $2 AND client_id = $3",
		s.Clock.CurrentTimeMs(), envType, clientID); err != nil {
		return fmt.Errorf("store: error releasing environment: %w", err)
	}
	return nil
}

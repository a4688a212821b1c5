// This package is the persistent store of the talk server. One row struct per
// entity, typed accessors over sqlx, all running inside transactions managed
// by internal/db. Lookups return ErrNotFound when no row matches.
package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/hoccer/hoccer-talk-spike-sub002/clock"
	"github.com/hoccer/hoccer-talk-spike-sub002/config"
	"github.com/hoccer/hoccer-talk-spike-sub002/internal/db"
	"github.com/hoccer/hoccer-talk-spike-sub002/migration"
	"go.uber.org/zap"
)

var ErrNotFound = errors.New("store: not found")

type Store struct {
	*db.Database

	Clock clock.Clock
	log   *zap.SugaredLogger
}

func NewStore(c *config.Config, database *db.Database, cl clock.Clock) (*Store, error) {
	s := &Store{
		Database: database,
		Clock:    cl,
		log:      c.Logger("store"),
	}

	if err := database.Migrate("talk", []*migration.Migration{
		{
			Name: "create initial tables",
			Func: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
					CREATE TABLE clients (
						client_id TEXT PRIMARY KEY,
						srp_salt TEXT NOT NULL DEFAULT '',
						srp_verifier TEXT NOT NULL DEFAULT '',
						gcm_package TEXT NOT NULL DEFAULT '',
						gcm_registration TEXT NOT NULL DEFAULT '',
						apns_token TEXT NOT NULL DEFAULT '',
						apns_mode TEXT NOT NULL DEFAULT 'default',
						apns_unread_hint INTEGER NOT NULL DEFAULT 0,
						time_registered INTEGER NOT NULL,
						time_deleted INTEGER NOT NULL DEFAULT 0,
						reason_deleted TEXT NOT NULL DEFAULT ''
					);

					CREATE TABLE presences (
						client_id TEXT PRIMARY KEY,
						client_name TEXT NOT NULL DEFAULT '',
						client_status TEXT NOT NULL DEFAULT '',
						avatar_url TEXT NOT NULL DEFAULT '',
						key_id TEXT NOT NULL DEFAULT '',
						connection_status TEXT NOT NULL DEFAULT 'offline',
						last_seen INTEGER NOT NULL DEFAULT 0,
						last_changed INTEGER NOT NULL
					);

					CREATE TABLE keys (
						client_id TEXT NOT NULL,
						key_id TEXT NOT NULL,
						key TEXT NOT NULL,
						timestamp INTEGER NOT NULL,
						PRIMARY KEY (client_id, key_id)
					);

					CREATE TABLE relationships (
						client_id TEXT NOT NULL,
						other_client_id TEXT NOT NULL,
						state TEXT NOT NULL,
						unblock_state TEXT NOT NULL DEFAULT 'none',
						notification_preference TEXT NOT NULL DEFAULT 'enabled',
						last_changed INTEGER NOT NULL,
						PRIMARY KEY (client_id, other_client_id)
					);
					CREATE INDEX relationships_changed_idx ON relationships (client_id, last_changed);

					CREATE TABLE group_presences (
						group_id TEXT PRIMARY KEY,
						group_type TEXT NOT NULL,
						group_name TEXT NOT NULL DEFAULT '',
						group_avatar_url TEXT NOT NULL DEFAULT '',
						group_tag TEXT NOT NULL DEFAULT '',
						shared_key_id TEXT NOT NULL DEFAULT '',
						shared_key_id_salt TEXT NOT NULL DEFAULT '',
						state TEXT NOT NULL,
						key_date INTEGER NOT NULL DEFAULT 0,
						last_changed INTEGER NOT NULL
					);

					CREATE TABLE group_memberships (
						group_id TEXT NOT NULL,
						client_id TEXT NOT NULL,
						state TEXT NOT NULL,
						role TEXT NOT NULL,
						encrypted_group_key TEXT NOT NULL DEFAULT '',
						member_key_id TEXT NOT NULL DEFAULT '',
						shared_key_id TEXT NOT NULL DEFAULT '',
						shared_key_date INTEGER NOT NULL DEFAULT 0,
						notification_preference TEXT NOT NULL DEFAULT 'enabled',
						last_changed INTEGER NOT NULL,
						PRIMARY KEY (group_id, client_id)
					);
					CREATE INDEX group_memberships_client_idx ON group_memberships (client_id, state);

					CREATE TABLE messages (
						message_id TEXT PRIMARY KEY,
						message_tag TEXT NOT NULL DEFAULT '',
						sender_id TEXT NOT NULL,
						body TEXT NOT NULL,
						attachment TEXT NOT NULL DEFAULT '',
						attachment_file_id TEXT NOT NULL DEFAULT '',
						time_sent INTEGER NOT NULL,
						num_deliveries INTEGER NOT NULL DEFAULT 0
					);

					CREATE TABLE deliveries (
						message_id TEXT NOT NULL,
						receiver_id TEXT NOT NULL,
						message_tag TEXT NOT NULL DEFAULT '',
						sender_id TEXT NOT NULL,
						group_id TEXT NOT NULL DEFAULT '',
						state TEXT NOT NULL,
						attachment_state TEXT NOT NULL DEFAULT 'none',
						reason TEXT NOT NULL DEFAULT '',
						key_id TEXT NOT NULL DEFAULT '',
						key_ciphertext TEXT NOT NULL DEFAULT '',
						time_accepted INTEGER NOT NULL DEFAULT 0,
						time_changed INTEGER NOT NULL DEFAULT 0,
						time_updated_in INTEGER NOT NULL DEFAULT 0,
						time_updated_out INTEGER NOT NULL DEFAULT 0,
						PRIMARY KEY (message_id, receiver_id)
					);
					CREATE INDEX deliveries_receiver_state_idx ON deliveries (receiver_id, state);

					CREATE TABLE tokens (
						token_id TEXT PRIMARY KEY,
						purpose TEXT NOT NULL,
						secret TEXT NOT NULL,
						state TEXT NOT NULL,
						client_id TEXT NOT NULL,
						time_generated INTEGER NOT NULL,
						time_expires INTEGER NOT NULL,
						use_count INTEGER NOT NULL DEFAULT 0,
						max_use_count INTEGER NOT NULL DEFAULT 1
					);
					CREATE UNIQUE INDEX tokens_secret_idx ON tokens (purpose, secret);

					CREATE TABLE environments (
						env_type TEXT NOT NULL,
						client_id TEXT NOT NULL,
						group_id TEXT NOT NULL DEFAULT '',
						name TEXT NOT NULL DEFAULT '',
						tag TEXT NOT NULL DEFAULT '',
						latitude REAL NOT NULL DEFAULT 0,
						longitude REAL NOT NULL DEFAULT 0,
						accuracy REAL NOT NULL DEFAULT 0,
						bssids TEXT NOT NULL DEFAULT '',
						identifiers TEXT NOT NULL DEFAULT '',
						timestamp INTEGER NOT NULL DEFAULT 0,
						ttl_sec INTEGER NOT NULL DEFAULT 0,
						time_received INTEGER NOT NULL DEFAULT 0,
						time_released INTEGER NOT NULL DEFAULT 0,
						PRIMARY KEY (env_type, client_id)
					);
					CREATE INDEX environments_group_idx ON environments (group_id);
				`)
				return err
			},
		},
	}); err != nil {
		return nil, err
	}

	return s, nil
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func inQuery(query string, args ...interface{}) (string, []interface{}, error) {
	q, a, err := sqlx.In(query, args...)
	if err != nil {
		return "", nil, fmt.Errorf("store: error expanding in-clause: %w", err)
	}
	return q, a, nil
}

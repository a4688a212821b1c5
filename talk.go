// Package talk implements the server side of an end-to-end-encrypted
// messaging relay. The server never sees plaintext: it stores opaque
// ciphertext bodies and encrypted key material, relays them between
// clients, and tracks delivery and attachment progress through explicit
// state machines. Identity is established with SRP-6a so the server holds
// only salted verifiers, never password-equivalent secrets.
package talk

import (
	"fmt"
	"path/filepath"

	"github.com/hoccer/hoccer-talk-spike-sub002/clock"
	"github.com/hoccer/hoccer-talk-spike-sub002/config"
	"github.com/hoccer/hoccer-talk-spike-sub002/ids"
	"github.com/hoccer/hoccer-talk-spike-sub002/internal/db"
	"github.com/hoccer/hoccer-talk-spike-sub002/keylock"
	"github.com/hoccer/hoccer-talk-spike-sub002/notify"
	"github.com/hoccer/hoccer-talk-spike-sub002/srp"
	"github.com/hoccer/hoccer-talk-spike-sub002/store"
	"go.uber.org/zap"
)

// Server owns the persistent state and the cross-connection coordination
// primitives. Connections are cheap; everything durable hangs off here.
type Server struct {
	config *config.Config
	log    *zap.SugaredLogger
	clock  clock.Clock
	db     *db.Database
	store  *store.Store
	locks  *keylock.Registry
	agent  notify.Agent
	files  FileCache
	srp    *srp.Params
}

type ServerOption func(*Server)

// WithAgent replaces the update agent, e.g. with a notify.Manager wired to
// push transports, or a notify.Recorder in tests.
func WithAgent(a notify.Agent) ServerOption {
	return func(s *Server) {
		s.agent = a
	}
}

// WithFileCache replaces the attachment file cache collaborator.
func WithFileCache(f FileCache) ServerOption {
	return func(s *Server) {
		s.files = f
	}
}

// WithClock replaces the time source, used by tests to control token and
// environment expiry.
func WithClock(cl clock.Clock) ServerOption {
	return func(s *Server) {
		s.clock = cl
	}
}

func NewServer(c *config.Config, options ...ServerOption) (*Server, error) {
	database, err := db.NewDatabase(c, filepath.Join(c.RootDir, "talk.db"))
	if err != nil {
		return nil, fmt.Errorf("talk: making database: %w", err)
	}
	s := &Server{
		config: c,
		log:    c.Logger("server"),
		clock:  clock.NewSystemClock(),
		db:     database,
		locks:  keylock.NewRegistry(),
		agent:  notify.Nop{},
		files:  newMemoryFileCache(),
		srp:    srp.Group2048(),
	}
	for _, o := range options {
		o(s)
	}
	return s, nil
}

// Start opens the database and runs migrations. Key is the sqlcipher key;
// nil means an unencrypted database.
func (s *Server) Start(key []byte) error {
	if !s.db.Initialized() {
		if err := s.db.Initialize(key); err != nil {
			return fmt.Errorf("talk: initializing database: %w", err)
		}
	}
	if err := s.db.Open(key); err != nil {
		return fmt.Errorf("talk: opening database: %w", err)
	}
	st, err := store.NewStore(s.config, s.db, s.clock)
	if err != nil {
		return fmt.Errorf("talk: initializing store: %w", err)
	}
	s.store = st
	s.log.Infof("server started")
	return nil
}

func (s *Server) Shutdown() error {
	if err := s.db.Shutdown(); err != nil {
		return fmt.Errorf("talk: shutting down database: %w", err)
	}
	return nil
}

// PushRegistration satisfies notify.RegistrationSource, letting a
// notify.Manager look up a client's push credentials.
func (s *Server) PushRegistration(clientID string) (*notify.Registration, error) {
	var client *store.Client
	err := s.store.Run("get push registration", func() error {
		var err error
		client, err = s.store.Client(clientID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &notify.Registration{
		APNSToken:       client.APNSToken,
		APNSMode:        client.APNSMode,
		GCMRegistration: client.GCMRegistration,
		GCMPackage:      client.GCMPackage,
		UnreadHint:      client.APNSUnreadHint,
	}, nil
}

// run executes fn inside a database transaction, logging under label.
func (s *Server) run(label string, fn func() error) error {
	return s.store.Run(label, fn)
}

// pairLocked serializes fn against all other pairwise operations on the
// same unordered client pair.
func (s *Server) pairLocked(a, b string, fn func() error) error {
	return s.locks.Do("pair:"+ids.PairKey(a, b), fn)
}

// messageLocked serializes fn against other state changes on one message.
func (s *Server) messageLocked(messageID string, fn func() error) error {
	return s.locks.Do("message:"+messageID, fn)
}

// transferLocked serializes attachment bookkeeping for one client.
func (s *Server) transferLocked(clientID string, fn func() error) error {
	return s.locks.Do("deliveryRequest:"+clientID, fn)
}

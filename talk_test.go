package talk

import (
	"testing"
	"time"

	"github.com/hoccer/hoccer-talk-spike-sub002/clock"
	"github.com/hoccer/hoccer-talk-spike-sub002/config"
	"github.com/hoccer/hoccer-talk-spike-sub002/ids"
	"github.com/hoccer/hoccer-talk-spike-sub002/notify"
	"github.com/hoccer/hoccer-talk-spike-sub002/srp"
	"github.com/hoccer/hoccer-talk-spike-sub002/store"
	"github.com/stretchr/testify/require"
)

const testPassword = "notsosecret"

func newTestServer(t *testing.T, opts ...config.Option) (*Server, *notify.Recorder, *clock.TestClock) {
	t.Helper()
	opts = append([]config.Option{
		config.WithRootDir(t.TempDir()),
		config.WithLoggingPrefix("test"),
	}, opts...)
	c := config.NewConfig(opts...)
	cl := clock.NewTestClock(time.Unix(1700000000, 0))
	recorder := &notify.Recorder{}
	s, err := NewServer(c, WithClock(cl), WithAgent(recorder))
	require.NoError(t, err)
	require.NoError(t, s.Start(nil))
	t.Cleanup(func() {
		require.NoError(t, s.Shutdown())
	})
	return s, recorder, cl
}

// registerClient runs the whole registration and login flow over the RPC
// surface: generateId, srpRegister, srpPhase1, srpPhase2.
func registerClient(t *testing.T, s *Server) (*Connection, string, string) {
	t.Helper()
	require := require.New(t)
	conn := s.NewConnection(ProtocolCurrent)
	clientID, err := conn.GenerateID()
	require.NoError(err)
	salt := srp.NewSalt()
	verifier, err := s.srp.GenerateVerifier(clientID, testPassword, salt)
	require.NoError(err)
	require.NoError(conn.SRPRegister(verifier, salt))
	loginClient(t, conn, clientID, salt, testPassword)
	return conn, clientID, salt
}

func loginClient(t *testing.T, conn *Connection, clientID, salt, password string) {
	t.Helper()
	require := require.New(t)
	client := srp.NewClientSession(conn.server.srp, clientID, password)
	bHex, err := conn.SRPPhase1(clientID, client.PublicValue())
	require.NoError(err)
	m1, err := client.ComputeEvidence(salt, bHex)
	require.NoError(err)
	m2, err := conn.SRPPhase2(m1)
	require.NoError(err)
	require.True(client.VerifyServerEvidence(m2))
	require.True(conn.identified())
}

// seedClient installs a client row directly and hands back an identified
// connection, skipping the SRP handshake for tests which don't exercise it.
func seedClient(t *testing.T, s *Server) (*Connection, string) {
	t.Helper()
	clientID := ids.NewID()
	err := s.run("seed client", func() error {
		if err := s.store.InsertClient(&store.Client{
			ClientID:       clientID,
			SRPSalt:        "ab",
			SRPVerifier:    "cd",
			APNSMode:       store.APNSModeDefault,
			TimeRegistered: s.clock.CurrentTimeMs(),
		}); err != nil {
			return err
		}
		return s.store.UpsertPresence(&store.Presence{
			ClientID:         clientID,
			KeyID:            "key-1",
			ConnectionStatus: store.ConnectionStatusOffline,
		})
	})
	require.NoError(t, err)
	conn := s.NewConnection(ProtocolCurrent)
	conn.state = identifiedState{clientID: clientID}
	conn.wasLoggedIn = true
	conn.lastClientID = clientID
	return conn, clientID
}

// befriendClients runs the invitation handshake between two connections.
func befriendClients(t *testing.T, a *Connection, aID string, b *Connection, bID string) {
	t.Helper()
	require.NoError(t, a.InviteFriend(bID))
	require.NoError(t, b.AcceptFriend(aID))
}

func TestSRPLoginRoundTrip(t *testing.T) {
	require := require.New(t)
	s, _, _ := newTestServer(t)

	conn, clientID, salt := registerClient(t, s)
	require.Equal(clientID, conn.clientID())

	// A second phase 1 on an identified connection is refused.
	client := srp.NewClientSession(s.srp, clientID, testPassword)
	_, err := conn.SRPPhase1(clientID, client.PublicValue())
	require.Error(err)

	// A fresh connection can log in with the same credentials.
	conn2 := s.NewConnection(ProtocolCurrent)
	loginClient(t, conn2, clientID, salt, testPassword)
}

func TestSRPWrongPassword(t *testing.T) {
	require := require.New(t)
	s, _, _ := newTestServer(t)

	_, clientID, salt := registerClient(t, s)

	conn := s.NewConnection(ProtocolCurrent)
	client := srp.NewClientSession(s.srp, clientID, "wrong")
	bHex, err := conn.SRPPhase1(clientID, client.PublicValue())
	require.NoError(err)
	m1, err := client.ComputeEvidence(salt, bHex)
	require.NoError(err)
	_, err = conn.SRPPhase2(m1)
	require.ErrorIs(err, ErrAuthenticationFailed)
	require.False(conn.identified())

	// Phase 2 without a fresh phase 1 must not be retryable.
	_, err = conn.SRPPhase2(m1)
	require.Error(err)
}

func TestSRPPhase1UnknownClient(t *testing.T) {
	require := require.New(t)
	s, _, _ := newTestServer(t)

	conn := s.NewConnection(ProtocolCurrent)
	_, err := conn.SRPPhase1(ids.NewID(), "02")
	require.ErrorIs(err, ErrNoSuchClient)
}

func TestGatingRequiresIdentification(t *testing.T) {
	require := require.New(t)
	s, _, _ := newTestServer(t)

	conn := s.NewConnection(ProtocolCurrent)
	require.ErrorIs(conn.BlockClient(ids.NewID()), ErrNotLoggedIn)
	_, err := conn.GetPresences(0)
	require.ErrorIs(err, ErrNotLoggedIn)

	// Anonymous methods stay available.
	_, err = conn.GetTime()
	require.NoError(err)
	_, err = conn.Hello(&ClientInfo{ClientName: "test"})
	require.NoError(err)
}

func TestGatingLegacyProtocol(t *testing.T) {
	require := require.New(t)
	s, _, _ := newTestServer(t)

	_, clientID := seedClient(t, s)
	conn := s.NewConnection(ProtocolLegacy)
	conn.state = identifiedState{clientID: clientID}
	conn.wasLoggedIn = true
	conn.lastClientID = clientID

	// Methods added with the current protocol are hidden from legacy clients.
	require.ErrorIs(conn.InviteFriend(ids.NewID()), ErrClientOutdated)
	_, err := conn.UpdateEnvironment(&store.Environment{EnvType: store.EnvironmentTypeNearby})
	require.ErrorIs(err, ErrClientOutdated)

	// Methods of the old surface still work.
	require.NoError(conn.RegisterGCM("com.example", "reg-1"))
}

func TestDeleteAccount(t *testing.T) {
	require := require.New(t)
	s, _, _ := newTestServer(t)

	conn, clientID, _ := registerClient(t, s)
	require.NoError(conn.DeleteAccount("user request"))
	require.False(conn.identified())

	// Non-historic methods are gone, historic ones keep working.
	require.ErrorIs(conn.BlockClient(ids.NewID()), ErrNotLoggedIn)
	require.NoError(conn.DeleteAccount("again"))

	// Login is impossible afterwards.
	conn2 := s.NewConnection(ProtocolCurrent)
	client := srp.NewClientSession(s.srp, clientID, testPassword)
	_, err := conn2.SRPPhase1(clientID, client.PublicValue())
	require.ErrorIs(err, ErrClientDeleted)
}

func TestChangeVerifier(t *testing.T) {
	require := require.New(t)
	s, _, _ := newTestServer(t)

	conn, clientID, _ := registerClient(t, s)
	newSalt := srp.NewSalt()
	verifier, err := s.srp.GenerateVerifier(clientID, "changed", newSalt)
	require.NoError(err)
	require.NoError(conn.SRPChangeVerifier(verifier, newSalt))

	// Old password no longer works, new one does.
	conn2 := s.NewConnection(ProtocolCurrent)
	old := srp.NewClientSession(s.srp, clientID, testPassword)
	bHex, err := conn2.SRPPhase1(clientID, old.PublicValue())
	require.NoError(err)
	m1, err := old.ComputeEvidence(newSalt, bHex)
	require.NoError(err)
	_, err = conn2.SRPPhase2(m1)
	require.ErrorIs(err, ErrAuthenticationFailed)

	conn3 := s.NewConnection(ProtocolCurrent)
	loginClient(t, conn3, clientID, newSalt, "changed")
}

func TestPushRegistration(t *testing.T) {
	require := require.New(t)
	s, _, _ := newTestServer(t)

	conn, clientID := seedClient(t, s)
	require.NoError(conn.RegisterGCM("com.example.talk", "gcm-reg"))
	require.NoError(conn.RegisterAPNS("apns-token"))
	require.NoError(conn.SetAPNSMode(store.APNSModeBackground))
	require.NoError(conn.HintAPNSUnreadMessage(7))

	reg, err := s.PushRegistration(clientID)
	require.NoError(err)
	require.Equal("gcm-reg", reg.GCMRegistration)
	require.Equal("apns-token", reg.APNSToken)
	require.Equal(store.APNSModeBackground, reg.APNSMode)
	require.Equal(7, reg.UnreadHint)

	require.NoError(conn.UnregisterGCM())
	require.NoError(conn.UnregisterAPNS())
	reg, err = s.PushRegistration(clientID)
	require.NoError(err)
	require.Empty(reg.GCMRegistration)
	require.Empty(reg.APNSToken)
}

func TestPresenceUpdateAndSync(t *testing.T) {
	require := require.New(t)
	s, recorder, _ := newTestServer(t)

	a, aID := seedClient(t, s)
	b, bID := seedClient(t, s)
	befriendClients(t, a, aID, b, bID)

	require.NoError(a.UpdatePresence(&store.Presence{
		ClientName:   "alice",
		ClientStatus: "hello",
		KeyID:        "key-2",
	}))
	require.NotZero(recorder.CountFor(notify.KindPresence, bID))

	presences, err := b.GetPresences(0)
	require.NoError(err)
	require.Len(presences, 1)
	require.Equal("alice", presences[0].ClientName)
	require.Equal("key-2", presences[0].KeyID)

	// Incremental sync returns nothing when nothing changed since.
	presences, err = b.GetPresences(presences[0].LastChanged)
	require.NoError(err)
	require.Empty(presences)
}

func TestKeyPublishing(t *testing.T) {
	require := require.New(t)
	s, _, _ := newTestServer(t)

	a, aID := seedClient(t, s)
	b, bID := seedClient(t, s)

	require.NoError(a.UpdateKey("key-9", "public-key-material"))
	ok, err := a.VerifyKey("key-9")
	require.NoError(err)
	require.True(ok)
	ok, err = a.VerifyKey("key-1")
	require.NoError(err)
	require.False(ok)

	// Strangers cannot fetch keys, contacts can.
	_, err = b.GetKey(aID, "key-9")
	require.Error(err)
	befriendClients(t, a, aID, b, bID)
	key, err := b.GetKey(aID, "key-9")
	require.NoError(err)
	require.Equal("public-key-material", key.Key)
}

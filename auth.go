package talk

import (
	"errors"

	"github.com/hoccer/hoccer-talk-spike-sub002/ids"
	"github.com/hoccer/hoccer-talk-spike-sub002/srp"
	"github.com/hoccer/hoccer-talk-spike-sub002/store"
)

// ClientInfo is what a client declares about itself in hello.
type ClientInfo struct {
	ClientName     string
	ClientVersion  string
	ClientLanguage string
	SystemName     string
	SystemVersion  string
}

type ServerInfo struct {
	ServerTime uint64
	Protocol   string
}

// Hello exchanges client and server info. Available to anonymous sessions.
func (c *Connection) Hello(info *ClientInfo) (*ServerInfo, error) {
	if _, err := c.gate("hello"); err != nil {
		return nil, err
	}
	c.log.Debugf("hello from %q version %q", info.ClientName, info.ClientVersion)
	return &ServerInfo{
		ServerTime: c.server.clock.CurrentTimeMs(),
		Protocol:   ProtocolCurrent,
	}, nil
}

// GetTime returns the server time in milliseconds, for clock skew estimation.
func (c *Connection) GetTime() (uint64, error) {
	if _, err := c.gate("getTime"); err != nil {
		return 0, err
	}
	return c.server.clock.CurrentTimeMs(), nil
}

// GenerateID reserves a fresh client id for registration. The session moves
// to the registering state; no database row exists until SRPRegister.
func (c *Connection) GenerateID() (string, error) {
	if _, err := c.gate("generateId"); err != nil {
		return "", err
	}
	if c.identified() {
		return "", rpcError("talk: already identified")
	}
	clientID := ids.NewID()
	c.state = registeringState{clientID: clientID}
	c.log.Infof("generated id %s", clientID)
	return clientID, nil
}

// SRPRegister stores the verifier and salt for the id reserved with
// GenerateID, completing registration. The password never reaches the server.
func (c *Connection) SRPRegister(verifier, salt string) error {
	if _, err := c.gate("srpRegister"); err != nil {
		return err
	}
	st, ok := c.state.(registeringState)
	if !ok {
		return rpcError("talk: not registering, call generateId first")
	}
	if verifier == "" || salt == "" {
		return rpcError("talk: verifier and salt must not be empty")
	}
	return c.server.run("register client "+st.clientID, func() error {
		s := c.server.store
		if err := s.InsertClient(&store.Client{
			ClientID:       st.clientID,
			SRPSalt:        salt,
			SRPVerifier:    verifier,
			APNSMode:       store.APNSModeDefault,
			TimeRegistered: c.server.clock.CurrentTimeMs(),
		}); err != nil {
			return err
		}
		// An empty presence row keeps later updates a pure upsert.
		return s.UpsertPresence(&store.Presence{
			ClientID:         st.clientID,
			ConnectionStatus: store.ConnectionStatusOffline,
		})
	})
}

// SRPPhase1 starts login: the client offers its public value A and receives
// the server public value B. Failures are deliberately uniform to avoid
// providing an account oracle beyond what registration already exposes.
func (c *Connection) SRPPhase1(clientID, aHex string) (string, error) {
	if _, err := c.gate("srpPhase1"); err != nil {
		return "", err
	}
	if c.identified() {
		return "", rpcError("talk: already identified")
	}
	if _, ok := c.state.(srpInProgressState); ok {
		return "", rpcError("talk: srp already in progress")
	}

	var client *store.Client
	err := c.server.run("srp phase 1 for "+clientID, func() error {
		var err error
		client, err = c.server.store.Client(clientID)
		return err
	})
	if errors.Is(err, store.ErrNotFound) {
		return "", ErrNoSuchClient
	}
	if err != nil {
		return "", err
	}
	if client.Deleted() {
		return "", ErrClientDeleted
	}
	if !client.Registered() {
		return "", ErrNotRegistered
	}

	session, err := srp.NewServerSession(c.server.srp, clientID, client.SRPSalt, client.SRPVerifier)
	if err != nil {
		return "", ErrAuthenticationFailed
	}
	bHex, err := session.Credentials(aHex)
	if err != nil {
		return "", ErrAuthenticationFailed
	}
	c.state = srpInProgressState{clientID: clientID, session: session}
	return bHex, nil
}

// SRPPhase2 finishes login by verifying the client evidence M1. On success
// the session is identified and the server evidence M2 is returned; on
// failure the session falls back to anonymous and phase 1 must be repeated.
func (c *Connection) SRPPhase2(m1Hex string) (string, error) {
	if _, err := c.gate("srpPhase2"); err != nil {
		return "", err
	}
	st, ok := c.state.(srpInProgressState)
	if !ok {
		return "", rpcError("talk: srp not in progress, call srpPhase1 first")
	}
	m2Hex, err := st.session.VerifyEvidence(m1Hex)
	if err != nil {
		c.state = anonymousState{}
		c.log.Warnf("srp evidence verification failed for %s", st.clientID)
		return "", ErrAuthenticationFailed
	}
	if err := c.identify(st.clientID); err != nil {
		return "", err
	}
	c.log.Infof("client %s logged in", st.clientID)
	return m2Hex, nil
}

// SRPChangeVerifier replaces the caller's credentials, e.g. after a password
// change on the client. Takes effect for the next login.
func (c *Connection) SRPChangeVerifier(verifier, salt string) error {
	clientID, err := c.gate("srpChangeVerifier")
	if err != nil {
		return err
	}
	if verifier == "" || salt == "" {
		return rpcError("talk: verifier and salt must not be empty")
	}
	return c.server.run("change verifier for "+clientID, func() error {
		return c.server.store.UpdateClientVerifier(clientID, salt, verifier)
	})
}

// DeleteAccount soft-deletes the caller's account. The verifier is cleared
// so no further login is possible; the session keeps historic identification
// so the client can finish teardown calls.
func (c *Connection) DeleteAccount(reason string) error {
	clientID, err := c.gate("deleteAccount")
	if err != nil {
		return err
	}
	err = c.server.run("delete account "+clientID, func() error {
		s := c.server.store
		if err := s.MarkClientDeleted(clientID, reason); err != nil {
			return err
		}
		return s.UpdatePresenceConnectionStatus(clientID, store.ConnectionStatusOffline)
	})
	if err != nil {
		return err
	}
	c.state = anonymousState{}
	c.log.Infof("client %s deleted account", clientID)
	return nil
}

// Ready signals the client has finished its post-login sync. Re-runs the key
// freshness check and offers undelivered messages again.
func (c *Connection) Ready() error {
	clientID, err := c.gate("ready")
	if err != nil {
		return err
	}
	var pending []*store.Delivery
	err = c.server.run("ready "+clientID, func() error {
		if err := c.server.checkMembershipKeysForClient(clientID); err != nil {
			return err
		}
		var err error
		pending, err = c.server.store.DeliveriesForReceiverInState(clientID, store.DeliveryStateDelivering)
		return err
	})
	if err != nil {
		return err
	}
	if len(pending) != 0 {
		c.server.agent.RequestDeliveryNotification(clientID)
	}
	return nil
}

// RegisterGCM stores the caller's GCM push registration.
func (c *Connection) RegisterGCM(pkg, registration string) error {
	clientID, err := c.gate("registerGcm")
	if err != nil {
		return err
	}
	return c.server.run("register gcm for "+clientID, func() error {
		return c.server.store.UpdateClientGCM(clientID, pkg, registration)
	})
}

func (c *Connection) UnregisterGCM() error {
	clientID, err := c.gate("unregisterGcm")
	if err != nil {
		return err
	}
	return c.server.run("unregister gcm for "+clientID, func() error {
		return c.server.store.UpdateClientGCM(clientID, "", "")
	})
}

// RegisterAPNS stores the caller's APNS push token.
func (c *Connection) RegisterAPNS(token string) error {
	clientID, err := c.gate("registerApns")
	if err != nil {
		return err
	}
	return c.server.run("register apns for "+clientID, func() error {
		return c.server.store.UpdateClientAPNS(clientID, token)
	})
}

func (c *Connection) UnregisterAPNS() error {
	clientID, err := c.gate("unregisterApns")
	if err != nil {
		return err
	}
	return c.server.run("unregister apns for "+clientID, func() error {
		return c.server.store.UpdateClientAPNS(clientID, "")
	})
}

// HintAPNSUnreadMessage sets the unread count used as the push badge.
func (c *Connection) HintAPNSUnreadMessage(count int) error {
	clientID, err := c.gate("hintApnsUnreadMessage")
	if err != nil {
		return err
	}
	if count < 0 {
		return rpcError("talk: unread count must not be negative")
	}
	return c.server.run("hint apns unread for "+clientID, func() error {
		return c.server.store.UpdateClientAPNSUnreadHint(clientID, count)
	})
}

// SetAPNSMode selects between default, background and direct pushes.
func (c *Connection) SetAPNSMode(mode string) error {
	clientID, err := c.gate("setApnsMode")
	if err != nil {
		return err
	}
	switch mode {
	case store.APNSModeDefault, store.APNSModeBackground, store.APNSModeDirect:
	default:
		return rpcError("talk: unknown apns mode %q", mode)
	}
	return c.server.run("set apns mode for "+clientID, func() error {
		return c.server.store.UpdateClientAPNSMode(clientID, mode)
	})
}

package talk

import (
	"errors"

	"github.com/hoccer/hoccer-talk-spike-sub002/srp"
	"github.com/hoccer/hoccer-talk-spike-sub002/store"
	"go.uber.org/zap"
)

// Subprotocol identifiers negotiated at connect time. Legacy connections get
// a reduced method surface.
const (
	ProtocolCurrent = "com.hoccer.talk.v2"
	ProtocolLegacy  = "com.hoccer.talk.v1"
)

// Session states. A connection starts anonymous, may pass through
// registering (id generated, no credentials yet) and srpInProgress
// (phase 1 done, phase 2 pending), and ends up identified. Once identified
// it stays identified until the connection goes away.
type sessionState interface {
	isSessionState()
}

type anonymousState struct{}

type registeringState struct {
	clientID string
}

type srpInProgressState struct {
	clientID string
	session  *srp.ServerSession
}

type identifiedState struct {
	clientID string
}

func (anonymousState) isSessionState()     {}
func (registeringState) isSessionState()   {}
func (srpInProgressState) isSessionState() {}
func (identifiedState) isSessionState()    {}

// Connection is the per-client session. It carries the identification state
// machine and the RPC surface; all durable state lives on the server.
type Connection struct {
	server      *Server
	log         *zap.SugaredLogger
	subprotocol string
	state       sessionState
	wasLoggedIn bool
	// lastClientID survives loss of the identified state (e.g. account
	// deletion mid-session) for methods accepting historic identification.
	lastClientID string
}

func (s *Server) NewConnection(subprotocol string) *Connection {
	return &Connection{
		server:      s,
		log:         s.config.Logger("connection"),
		subprotocol: subprotocol,
		state:       anonymousState{},
	}
}

func (c *Connection) legacy() bool {
	return c.subprotocol != ProtocolCurrent
}

func (c *Connection) identified() bool {
	_, ok := c.state.(identifiedState)
	return ok
}

// clientID returns the identified client's id, or "" when not identified.
func (c *Connection) clientID() string {
	switch st := c.state.(type) {
	case identifiedState:
		return st.clientID
	default:
		return ""
	}
}

// identify moves the connection to the identified state and fires the login
// side effects: presence goes online, group key freshness is checked and
// undelivered messages are offered again.
func (c *Connection) identify(clientID string) error {
	c.state = identifiedState{clientID: clientID}
	c.wasLoggedIn = true
	c.lastClientID = clientID

	var pending []*store.Delivery
	err := c.server.run("login for "+clientID, func() error {
		st := c.server.store
		if err := st.UpdatePresenceConnectionStatus(clientID, store.ConnectionStatusOnline); err != nil {
			return err
		}
		if err := c.server.checkMembershipKeysForClient(clientID); err != nil {
			return err
		}
		var err error
		pending, err = st.DeliveriesForReceiverInState(clientID, store.DeliveryStateDelivering)
		return err
	})
	if err != nil {
		return err
	}
	if len(pending) != 0 {
		c.log.Debugf("client %s has %d undelivered messages", clientID, len(pending))
		c.server.agent.RequestDeliveryNotification(clientID)
	}
	return nil
}

// Disconnect tears the session down, marking presence offline for clients
// which were logged in at any point.
func (c *Connection) Disconnect() error {
	clientID := c.clientID()
	c.state = anonymousState{}
	if clientID == "" {
		return nil
	}
	return c.server.run("disconnect "+clientID, func() error {
		err := c.server.store.UpdatePresenceConnectionStatus(clientID, store.ConnectionStatusOffline)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	})
}

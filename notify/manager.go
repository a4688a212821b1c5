package notify

import (
	"context"
	"sync"

	"github.com/cenkalti/backoff"
	"github.com/hoccer/hoccer-talk-spike-sub002/config"
	"go.uber.org/zap"
)

// Registration is a client's push addressing as known to the store.
type Registration struct {
	APNSToken       string
	APNSMode        string
	GCMRegistration string
	GCMPackage      string
	UnreadHint      int
}

// RegistrationSource resolves a client id to its push registration. It is
// implemented by the server on top of the store.
type RegistrationSource interface {
	PushRegistration(clientID string) (*Registration, error)
}

type pusher interface {
	push(reg *Registration, req Request) error
}

// Manager queues requests on a buffered channel and works them off on a
// single goroutine, so engine calls never block on push latency. Connected
// sessions can subscribe to receive their requests in-process; everything
// else goes out via APNS or GCM.
type Manager struct {
	log    *zap.SugaredLogger
	source RegistrationSource

	apns pusher
	gcm  pusher

	requests chan Request

	subscriberLock sync.Mutex
	subscribers    map[string]func(Request)

	cancelFunc context.CancelFunc
	finished   sync.WaitGroup
}

func NewManager(c *config.Config, source RegistrationSource) (*Manager, error) {
	log := c.Logger("notify")
	m := &Manager{
		log:         log,
		source:      source,
		requests:    make(chan Request, 1000),
		subscribers: make(map[string]func(Request)),
	}

	if c.APNSCertPath != "" {
		apns, err := newAPNSPusher(c, log)
		if err != nil {
			return nil, err
		}
		m.apns = apns
	}
	if c.GCMAPIKey != "" {
		m.gcm = newGCMPusher(c, log)
	}
	return m, nil
}

func (m *Manager) Start() {
	ctx, cancelFunc := context.WithCancel(context.Background())
	m.cancelFunc = cancelFunc
	m.finished.Add(1)
	go func() {
		defer m.finished.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case req := <-m.requests:
				m.dispatch(req)
			}
		}
	}()
}

func (m *Manager) Shutdown() {
	if m.cancelFunc != nil {
		m.cancelFunc()
	}
	m.finished.Wait()
}

// Subscribe routes requests for clientID to fn instead of push, for the
// lifetime of a connection.
func (m *Manager) Subscribe(clientID string, fn func(Request)) {
	m.subscriberLock.Lock()
	defer m.subscriberLock.Unlock()
	m.subscribers[clientID] = fn
}

func (m *Manager) Unsubscribe(clientID string) {
	m.subscriberLock.Lock()
	defer m.subscriberLock.Unlock()
	delete(m.subscribers, clientID)
}

func (m *Manager) RequestDeliveryNotification(clientID string) {
	m.enqueue(Request{Kind: KindDelivery, ClientID: clientID})
}

func (m *Manager) RequestPresenceSync(clientID string) {
	m.enqueue(Request{Kind: KindPresence, ClientID: clientID})
}

func (m *Manager) RequestGroupRekey(clientID, groupID string) {
	m.enqueue(Request{Kind: KindGroupRekey, ClientID: clientID, GroupID: groupID})
}

func (m *Manager) RequestAttachmentNotification(clientID, messageID string) {
	m.enqueue(Request{Kind: KindAttachment, ClientID: clientID, MessageID: messageID})
}

func (m *Manager) enqueue(req Request) {
	select {
	case m.requests <- req:
	default:
		m.log.Warnf("request queue full, dropping %s request for %s", req.Kind, req.ClientID)
	}
}

func (m *Manager) dispatch(req Request) {
	m.subscriberLock.Lock()
	fn, connected := m.subscribers[req.ClientID]
	m.subscriberLock.Unlock()
	if connected {
		fn(req)
		return
	}

	reg, err := m.source.PushRegistration(req.ClientID)
	if err != nil {
		m.log.Warnf("cannot resolve push registration for %s: %v", req.ClientID, err)
		return
	}

	var p pusher
	switch {
	case reg.APNSToken != "" && m.apns != nil:
		p = m.apns
	case reg.GCMRegistration != "" && m.gcm != nil:
		p = m.gcm
	default:
		m.log.Debugf("no push channel for %s, dropping %s request", req.ClientID, req.Kind)
		return
	}

	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5)
	if err := backoff.Retry(func() error {
		return p.push(reg, req)
	}, policy); err != nil {
		m.log.Warnf("push for %s failed: %v", req.ClientID, err)
	}
}

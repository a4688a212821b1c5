// This package implements the update agent. Engines hand it fire-and-forget
// notification requests; it fans them out to connected sessions in-process
// and to disconnected clients via APNS or GCM push.
package notify

import "sync"

const (
	KindDelivery   = "delivery"
	KindPresence   = "presence"
	KindGroupRekey = "groupRekey"
	KindAttachment = "attachment"
)

type Request struct {
	Kind      string
	ClientID  string
	GroupID   string
	MessageID string
}

// Agent is the interface the engines depend on. Requests must never block
// the calling RPC.
type Agent interface {
	RequestDeliveryNotification(clientID string)
	RequestPresenceSync(clientID string)
	RequestGroupRekey(clientID, groupID string)
	RequestAttachmentNotification(clientID, messageID string)
}

// Nop drops every request. Used where no delivery side effects are wanted.
type Nop struct{}

func (Nop) RequestDeliveryNotification(string)           {}
func (Nop) RequestPresenceSync(string)                   {}
func (Nop) RequestGroupRekey(string, string)             {}
func (Nop) RequestAttachmentNotification(string, string) {}

// Recorder captures requests for assertions in tests.
type Recorder struct {
	lock     sync.Mutex
	requests []Request
}

func (r *Recorder) record(req Request) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.requests = append(r.requests, req)
}

func (r *Recorder) Requests() []Request {
	r.lock.Lock()
	defer r.lock.Unlock()
	out := make([]Request, len(r.requests))
	copy(out, r.requests)
	return out
}

func (r *Recorder) CountFor(kind, clientID string) int {
	r.lock.Lock()
	defer r.lock.Unlock()
	count := 0
	for _, req := range r.requests {
		if req.Kind == kind && req.ClientID == clientID {
			count++
		}
	}
	return count
}

func (r *Recorder) RequestDeliveryNotification(clientID string) {
	r.record(Request{Kind: KindDelivery, ClientID: clientID})
}

func (r *Recorder) RequestPresenceSync(clientID string) {
	r.record(Request{Kind: KindPresence, ClientID: clientID})
}

func (r *Recorder) RequestGroupRekey(clientID, groupID string) {
	r.record(Request{Kind: KindGroupRekey, ClientID: clientID, GroupID: groupID})
}

func (r *Recorder) RequestAttachmentNotification(clientID, messageID string) {
	r.record(Request{Kind: KindAttachment, ClientID: clientID, MessageID: messageID})
}

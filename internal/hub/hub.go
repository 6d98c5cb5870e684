package hub

import (
	"encoding/json"
	"sync"

	"github.com/wb-go/wbf/zlog"

	"github.com/aliskhannn/zimage-server/internal/model"
)

// sendBuffer bounds the per-connection outbox. A client that stops reading
// loses messages instead of blocking publishers; current state stays
// recoverable through get_status / get_client_jobs.
const sendBuffer = 64

// Session is the hub-side handle for one live connection. The transport
// owns the read side; the hub feeds Outbox, and a single writer goroutine
// must drain it, which preserves publish order per job.
type Session struct {
	clientID string
	send     chan []byte
	closed   bool
}

// ClientID returns the client identifier this session is bound to.
func (s *Session) ClientID() string { return s.clientID }

// Outbox returns the channel of encoded messages to write to the
// connection. It is closed when the session is unbound or replaced.
func (s *Session) Outbox() <-chan []byte { return s.send }

// Hub maps client identifiers to live sessions and job identifiers to
// interested clients. The two levels are deliberately independent: the
// connection mapping is ephemeral and rebinds on every connect, while the
// subscription relation survives disconnects so a reconnecting client can
// recover state by pulling.
type Hub struct {
	mu         sync.Mutex
	sessions   map[string]*Session            // client ID -> active session
	jobSubs    map[string]map[string]string   // job ID -> client ID -> request ID
	clientSubs map[string]map[string]struct{} // client ID -> job IDs
}

// New creates an empty hub.
func New() *Hub {
	return &Hub{
		sessions:   make(map[string]*Session),
		jobSubs:    make(map[string]map[string]string),
		clientSubs: make(map[string]map[string]struct{}),
	}
}

// Bind associates a new connection with the client identifier and returns
// its session. If the client already has a live session (a reconnect racing
// the old connection), the old outbox is closed so its writer shuts the
// stale connection down; subscriptions are untouched.
func (h *Hub) Bind(clientID string) *Session {
	h.mu.Lock()
	defer h.mu.Unlock()

	if old, ok := h.sessions[clientID]; ok {
		h.closeLocked(old)
		zlog.Logger.Info().Str("client_id", clientID).Msg("replacing existing connection")
	}

	s := &Session{clientID: clientID, send: make(chan []byte, sendBuffer)}
	h.sessions[clientID] = s

	if _, ok := h.clientSubs[clientID]; !ok {
		h.clientSubs[clientID] = make(map[string]struct{})
	}

	return s
}

// Unbind removes the connection mapping for the session. The client's
// subscription set is kept so a later reconnect keeps receiving updates for
// its jobs.
func (h *Hub) Unbind(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.sessions[s.clientID] == s {
		delete(h.sessions, s.clientID)
	}
	h.closeLocked(s)
}

// Subscribe registers the client's interest in a job. The optional request
// ID is echoed back on every event delivered for this subscription.
func (h *Hub) Subscribe(clientID, jobID, requestID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.jobSubs[jobID]
	if !ok {
		subs = make(map[string]string)
		h.jobSubs[jobID] = subs
	}
	subs[clientID] = requestID

	if _, ok := h.clientSubs[clientID]; !ok {
		h.clientSubs[clientID] = make(map[string]struct{})
	}
	h.clientSubs[clientID][jobID] = struct{}{}
}

// Unsubscribe removes the client's interest in a job.
func (h *Hub) Unsubscribe(clientID, jobID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if subs, ok := h.jobSubs[jobID]; ok {
		delete(subs, clientID)
		if len(subs) == 0 {
			delete(h.jobSubs, jobID)
		}
	}
	if jobs, ok := h.clientSubs[clientID]; ok {
		delete(jobs, jobID)
	}
}

// Publish delivers the event to every currently connected subscriber of the
// job. Disconnected subscribers are skipped but stay subscribed. Delivery
// happens under one lock in publish order, so each subscriber observes a
// job's events in the order they were published.
func (h *Hub) Publish(jobID string, msg model.Outbound) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for clientID, requestID := range h.jobSubs[jobID] {
		s, ok := h.sessions[clientID]
		if !ok {
			continue
		}

		data, err := json.Marshal(msg.WithRequestID(requestID))
		if err != nil {
			zlog.Logger.Err(err).Str("job_id", jobID).Msg("failed to encode event")
			continue
		}

		h.pushLocked(s, data)
	}
}

// Send delivers a direct reply to the client's current connection, if any.
func (h *Hub) Send(clientID string, msg model.Outbound) {
	h.mu.Lock()
	defer h.mu.Unlock()

	s, ok := h.sessions[clientID]
	if !ok {
		return
	}

	data, err := json.Marshal(msg)
	if err != nil {
		zlog.Logger.Err(err).Str("client_id", clientID).Msg("failed to encode message")
		return
	}

	h.pushLocked(s, data)
}

// SubscriberCount returns the number of clients subscribed to a job.
func (h *Hub) SubscriberCount(jobID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return len(h.jobSubs[jobID])
}

func (h *Hub) pushLocked(s *Session, data []byte) {
	if s.closed {
		return
	}

	select {
	case s.send <- data:
	default:
		// Slow consumer: drop rather than block the publish path.
		zlog.Logger.Warn().Str("client_id", s.clientID).Msg("outbox full, dropping event")
	}
}

func (h *Hub) closeLocked(s *Session) {
	if !s.closed {
		s.closed = true
		close(s.send)
	}
}

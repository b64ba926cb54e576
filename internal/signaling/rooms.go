package signaling

import (
	"log/slog"
	"sync"

	"github.com/pairwave/call-relay/internal/metrics"
)

// Endpoint is one connected signaling participant from the registry's point
// of view. Deliver must not block; connection endpoints buffer internally and
// drop the connection when the buffer overflows.
type Endpoint interface {
	Identity() string
	Deliver(msg Message)
}

// Registry owns the session-id -> room mapping. All room membership flows
// through Join, Forward, and Leave; nothing else touches the map.
type Registry struct {
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu    sync.Mutex
	rooms map[string]map[Endpoint]struct{}
}

func NewRegistry(logger *slog.Logger, m *metrics.Metrics) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.New()
	}
	return &Registry{
		logger:  logger,
		metrics: m,
		rooms:   make(map[string]map[Endpoint]struct{}),
	}
}

// Join adds ep to the room for sessionID, creating the room on first join,
// and announces the arrival to every other member. When the same identity is
// already present the stale endpoint is removed and returned so the caller
// can drop its connection; the identity's presence is continuous, so no
// peer:left is announced for it.
func (r *Registry) Join(sessionID string, ep Endpoint) (replaced Endpoint) {
	r.mu.Lock()
	room, ok := r.rooms[sessionID]
	if !ok {
		room = make(map[Endpoint]struct{})
		r.rooms[sessionID] = room
		r.metrics.RoomsActive.Inc()
	}
	for existing := range room {
		if existing != ep && existing.Identity() == ep.Identity() {
			delete(room, existing)
			replaced = existing
			break
		}
	}
	room[ep] = struct{}{}
	others := othersSnapshot(room, ep)
	r.mu.Unlock()

	if replaced != nil {
		r.metrics.PeersActive.Dec()
		r.logger.Info("replacing stale endpoint", "session_id", sessionID, "identity", ep.Identity())
	}
	r.metrics.PeersActive.Inc()
	r.logger.Info("peer joined room", "session_id", sessionID, "identity", ep.Identity(), "members", len(others)+1)

	joined := peerJoinedMessage(ep.Identity())
	for _, other := range others {
		other.Deliver(joined)
	}
	return replaced
}

// Forward relays msg from sender to every other member of sessionID's room.
// From is stamped with the sender's identity regardless of what the client
// claimed. It returns the number of members the message was delivered to, or
// -1 when sender is not a member (a replaced endpoint still sending).
func (r *Registry) Forward(sessionID string, sender Endpoint, msg Message) int {
	r.mu.Lock()
	room := r.rooms[sessionID]
	if _, member := room[sender]; !member {
		r.mu.Unlock()
		return -1
	}
	others := othersSnapshot(room, sender)
	r.mu.Unlock()

	msg.From = sender.Identity()
	msg.SessionID = sessionID
	for _, other := range others {
		other.Deliver(msg)
	}
	r.metrics.MessagesForwarded.WithLabelValues(string(msg.Type)).Inc()
	return len(others)
}

// Leave removes ep from its room, announces the departure, and deletes the
// room when it becomes empty. Calling Leave for an endpoint that already left
// is a no-op.
func (r *Registry) Leave(sessionID string, ep Endpoint) {
	r.mu.Lock()
	room, ok := r.rooms[sessionID]
	if !ok {
		r.mu.Unlock()
		return
	}
	if _, member := room[ep]; !member {
		r.mu.Unlock()
		return
	}
	delete(room, ep)
	empty := len(room) == 0
	if empty {
		delete(r.rooms, sessionID)
		r.metrics.RoomsActive.Dec()
	}
	others := othersSnapshot(room, ep)
	r.mu.Unlock()

	r.metrics.PeersActive.Dec()
	r.logger.Info("peer left room", "session_id", sessionID, "identity", ep.Identity(), "room_deleted", empty)

	left := peerLeftMessage(ep.Identity())
	for _, other := range others {
		other.Deliver(left)
	}
}

// RoomSize returns the current member count for sessionID (0 when the room
// does not exist).
func (r *Registry) RoomSize(sessionID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms[sessionID])
}

func othersSnapshot(room map[Endpoint]struct{}, except Endpoint) []Endpoint {
	if len(room) == 0 {
		return nil
	}
	out := make([]Endpoint, 0, len(room))
	for ep := range room {
		if ep == except {
			continue
		}
		out = append(out, ep)
	}
	return out
}

package ws

import (
	"encoding/json"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/neuro-assistant/backend/internal/metrics"
)

var ErrTooManyClients = errors.New("too many client connections for session")

// Peer is the hub's view of a connection.
type Peer interface {
	Send(msg []byte) error
	Close(code int, reason string)
}

type membership struct {
	session string
	role    Role
}

// Hub maps each session to at most one device and any number of clients.
// All map access is under mu; peers are closed and written to only after
// it is released.
type Hub struct {
	mu         sync.RWMutex
	devices    map[string]Peer
	clients    map[string]map[Peer]struct{}
	index      map[Peer]membership
	maxClients int
	log        *zap.SugaredLogger
}

// HubStats is a point-in-time count of registered peers.
type HubStats struct {
	Sessions int `json:"sessions"`
	Devices  int `json:"devices"`
	Clients  int `json:"clients"`
}

// NewHub returns an empty hub. maxClients <= 0 means no per-session cap.
func NewHub(maxClients int, log *zap.SugaredLogger) *Hub {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Hub{
		devices:    make(map[string]Peer),
		clients:    make(map[string]map[Peer]struct{}),
		index:      make(map[Peer]membership),
		maxClients: maxClients,
		log:        log,
	}
}

// ConnectDevice registers p as the device for session, closing any device
// it replaces. The replaced device, if any, is returned.
func (h *Hub) ConnectDevice(session string, p Peer) Peer {
	h.mu.Lock()
	old := h.devices[session]
	if old == p {
		h.mu.Unlock()
		return nil
	}
	if old != nil {
		delete(h.index, old)
		metrics.ConnectionsActive.WithLabelValues(string(RoleDevice)).Dec()
	}
	h.devices[session] = p
	h.index[p] = membership{session: session, role: RoleDevice}
	h.mu.Unlock()

	metrics.ConnectionsActive.WithLabelValues(string(RoleDevice)).Inc()
	if old != nil {
		h.log.Infow("device replaced", "session", session)
		old.Close(CloseReplaced, "replaced by new device")
		return old
	}
	return nil
}

// ConnectClient adds p to the session's clients.
func (h *Hub) ConnectClient(session string, p Peer) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.index[p]; ok {
		return nil
	}
	set := h.clients[session]
	if h.maxClients > 0 && len(set) >= h.maxClients {
		return ErrTooManyClients
	}
	if set == nil {
		set = make(map[Peer]struct{})
		h.clients[session] = set
	}
	set[p] = struct{}{}
	h.index[p] = membership{session: session, role: RoleClient}
	metrics.ConnectionsActive.WithLabelValues(string(RoleClient)).Inc()
	return nil
}

// Disconnect removes p from whatever it is registered as. It reports
// whether p was registered; repeated calls are no-ops.
func (h *Hub) Disconnect(p Peer) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	m, ok := h.index[p]
	if !ok {
		return false
	}
	delete(h.index, p)

	switch m.role {
	case RoleDevice:
		if h.devices[m.session] == p {
			delete(h.devices, m.session)
		}
	case RoleClient:
		set := h.clients[m.session]
		delete(set, p)
		if len(set) == 0 {
			delete(h.clients, m.session)
		}
	}
	metrics.ConnectionsActive.WithLabelValues(string(m.role)).Dec()
	return true
}

// BroadcastToClients sends msg to every client registered for session when
// the call starts and returns how many accepted it. A client whose queue
// rejects the message is disconnected and closed; the rest still receive it.
func (h *Hub) BroadcastToClients(session string, msg any) int {
	data, err := json.Marshal(msg)
	if err != nil {
		h.log.Errorw("broadcast marshal error", "session", session, "error", err)
		return 0
	}

	h.mu.RLock()
	set := h.clients[session]
	peers := make([]Peer, 0, len(set))
	for p := range set {
		peers = append(peers, p)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, p := range peers {
		if err := p.Send(data); err != nil {
			metrics.BroadcastDrops.Inc()
			h.log.Warnw("ws client cannot keep up, disconnecting", "session", session, "error", err)
			h.Disconnect(p)
			p.Close(CloseInternal, "send failed")
			continue
		}
		delivered++
	}
	return delivered
}

func (h *Hub) Device(session string) (Peer, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	p, ok := h.devices[session]
	return p, ok
}

func (h *Hub) DeviceConnected(session string) bool {
	_, ok := h.Device(session)
	return ok
}

func (h *Hub) ClientCount(session string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[session])
}

func (h *Hub) Stats() HubStats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	sessions := make(map[string]struct{}, len(h.devices)+len(h.clients))
	st := HubStats{Devices: len(h.devices)}
	for id := range h.devices {
		sessions[id] = struct{}{}
	}
	for id, set := range h.clients {
		sessions[id] = struct{}{}
		st.Clients += len(set)
	}
	st.Sessions = len(sessions)
	return st
}

// Package rendezvous is the signaling server peers register with. It only
// routes negotiation messages between registered participants; media never
// passes through it.
package rendezvous

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sourcegraph/jsonrpc2"
	"go.uber.org/zap"

	"github.com/mikeyg42/meshroom/internal/identity"
	"github.com/mikeyg42/meshroom/internal/signaling"
)

// Notifier is the server side of one client connection. *jsonrpc2.Conn
// satisfies it.
type Notifier interface {
	Notify(ctx context.Context, method string, params any, opts ...jsonrpc2.CallOption) error
	Close() error
}

type client struct {
	peerID     string
	who        identity.Participant
	conn       Notifier
	registered time.Time
}

// Hub tracks registrations. Several peer IDs may exist for one logical
// identity while an old connection lingers; signals go to the latest.
type Hub struct {
	logger      *zap.Logger
	sendTimeout time.Duration

	mu     sync.RWMutex
	byPeer map[string]*client
	latest map[identity.Participant]string
	closed bool
}

func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.L()
	}
	return &Hub{
		logger:      logger.Named("hub"),
		sendTimeout: 5 * time.Second,
		byPeer:      make(map[string]*client),
		latest:      make(map[identity.Participant]string),
	}
}

var errHubClosed = &jsonrpc2.Error{Code: jsonrpc2.CodeInternalError, Message: "server shutting down"}

// Register binds p.PeerID to conn. The peer ID must extend the logical
// identity it claims.
func (h *Hub) Register(conn Notifier, p signaling.RegisterParams) (identity.Participant, error) {
	who, err := identity.New(p.UserID, p.RoomID)
	if err != nil {
		return identity.Participant{}, &jsonrpc2.Error{Code: jsonrpc2.CodeInvalidParams, Message: err.Error()}
	}
	if logical, ok := identity.LogicalFromPeerID(p.PeerID); !ok || logical != who.String() {
		return identity.Participant{}, &jsonrpc2.Error{
			Code:    jsonrpc2.CodeInvalidParams,
			Message: fmt.Sprintf("peer id %q does not belong to %s", p.PeerID, who),
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return identity.Participant{}, errHubClosed
	}
	if existing, ok := h.byPeer[p.PeerID]; ok && existing.conn != conn {
		return identity.Participant{}, &jsonrpc2.Error{
			Code:    signaling.CodeUnavailableID,
			Message: fmt.Sprintf("peer id %q is taken", p.PeerID),
		}
	}
	h.byPeer[p.PeerID] = &client{peerID: p.PeerID, who: who, conn: conn, registered: time.Now()}
	h.latest[who] = p.PeerID

	h.logger.Info("Peer registered", zap.String("peer_id", p.PeerID), zap.String("identity", who.String()))
	return who, nil
}

// Unregister forgets peerID. If it was the latest registration of its
// identity, the most recent remaining one takes over.
func (h *Hub) Unregister(peerID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	c, ok := h.byPeer[peerID]
	if !ok {
		return
	}
	delete(h.byPeer, peerID)
	if h.latest[c.who] == peerID {
		delete(h.latest, c.who)
		var next *client
		for _, other := range h.byPeer {
			if other.who == c.who && (next == nil || other.registered.After(next.registered)) {
				next = other
			}
		}
		if next != nil {
			h.latest[c.who] = next.peerID
		}
	}
	h.logger.Info("Peer unregistered", zap.String("peer_id", peerID))
}

// Route forwards sig from the registered sender fromPeer to the latest
// registration of sig.To. Sender fields are overwritten with what the hub
// knows about fromPeer.
func (h *Hub) Route(ctx context.Context, fromPeer string, sig signaling.Signal) error {
	h.mu.RLock()
	sender, ok := h.byPeer[fromPeer]
	var target *client
	if ok {
		target = h.byPeer[h.latest[sig.To]]
	}
	h.mu.RUnlock()

	if !ok {
		return &jsonrpc2.Error{Code: jsonrpc2.CodeInvalidRequest, Message: "register first"}
	}
	sig.From = sender.who
	sig.FromPeer = sender.peerID
	if err := sig.Validate(); err != nil {
		return &jsonrpc2.Error{Code: jsonrpc2.CodeInvalidParams, Message: err.Error()}
	}
	if target == nil {
		return &jsonrpc2.Error{
			Code:    signaling.CodePeerUnavailable,
			Message: fmt.Sprintf("%s is not registered", sig.To),
		}
	}

	ctx, cancel := context.WithTimeout(ctx, h.sendTimeout)
	defer cancel()
	if err := target.conn.Notify(ctx, signaling.MethodSignal, sig); err != nil {
		h.logger.Warn("Failed to deliver signal",
			zap.String("to", target.peerID),
			zap.String("kind", string(sig.Kind)),
			zap.Error(err))
		return &jsonrpc2.Error{
			Code:    signaling.CodePeerUnavailable,
			Message: fmt.Sprintf("%s is unreachable", sig.To),
		}
	}
	return nil
}

// Peers lists the identities registered in room, sorted by user.
func (h *Hub) Peers(room string) []identity.Participant {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []identity.Participant
	for who := range h.latest {
		if who.RoomID == room {
			out = append(out, who)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Count is the number of live registrations.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byPeer)
}

// Close tells every client the server is going away and closes them.
func (h *Hub) Close(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	clients := make([]*client, 0, len(h.byPeer))
	for _, c := range h.byPeer {
		clients = append(clients, c)
	}
	h.byPeer = make(map[string]*client)
	h.latest = make(map[identity.Participant]string)
	h.mu.Unlock()

	var errs []error
	for _, c := range clients {
		_ = c.conn.Notify(ctx, signaling.MethodError, signaling.ErrorParams{
			Type:    signaling.ErrorLostServer,
			Message: "server shutting down",
		})
		if err := c.conn.Close(); err != nil && !errors.Is(err, jsonrpc2.ErrClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

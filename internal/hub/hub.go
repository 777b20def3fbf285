package hub

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"manuscript-collab/internal/lock"
	"manuscript-collab/internal/presence"
	"manuscript-collab/internal/protocol"
)

// inboundMessage pairs a raw wire message with its sending client
type inboundMessage struct {
	data   []byte
	sender *Client
}

// Hub is the relay: it coordinates WebSocket connections for all open
// documents, keeps the authoritative presence and lock state, and fans
// messages out to the peers of the sender's document. Text changes pass
// through untransformed; merge responsibility lives with the receiver.
type Hub struct {
	id         string
	clients    map[*Client]bool
	inbound    chan *inboundMessage
	register   chan *Client
	unregister chan *Client
	registry   *presence.Registry
	locks      *lock.Manager
	bridge     *RedisBridge
	fromBridge chan bridgeDelivery
	mu         sync.RWMutex
	quit       chan struct{}
}

// NewHub creates and initializes a new Hub instance.
func NewHub() *Hub {
	registry := presence.NewRegistry()
	return &Hub{
		id:         uuid.NewString(),
		clients:    make(map[*Client]bool),
		inbound:    make(chan *inboundMessage),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		registry:   registry,
		locks:      lock.NewManager(registry),
		fromBridge: make(chan bridgeDelivery, 64),
		quit:       make(chan struct{}),
	}
}

// SetBridge attaches a Redis bridge so broadcasts reach sessions connected
// to other relay instances. Must be called before Run.
func (h *Hub) SetBridge(bridge *RedisBridge) {
	h.bridge = bridge
	bridge.hub = h
}

// Run starts the hub's main event loop. All presence and lock mutations
// happen here, so registry updates for a document are serialized.
// This method blocks and should be run in a goroutine.
func (h *Hub) Run() {
	for {
		select {
		case <-h.quit:
			slog.Info("hub shutting down, closing all clients")
			h.closeAllClients()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.handleJoin(client)

		case client := <-h.unregister:
			h.mu.Lock()
			_, ok := h.clients[client]
			if ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			if ok {
				h.handleLeave(client)
			}

		case im := <-h.inbound:
			h.handleInbound(im.sender, im.data)

		case d := <-h.fromBridge:
			h.broadcastToDocument(d.documentID, d.payload, nil)
		}
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// handleJoin records presence, answers the new client with the full
// collaborator snapshot, and broadcasts a user_joined delta to peers.
// Only the delta goes to peers, never the snapshot, to bound message size.
func (h *Hub) handleJoin(client *Client) {
	first := h.registry.Join(client.documentID, client.userID, client.username)
	slog.Info("client joined document",
		"document", client.documentID, "user", client.userID, "conn", client.id, "first", first)

	snapshot := h.registry.Snapshot(client.documentID)
	if data, err := protocol.NewCollaboratorsList(snapshot).Encode(); err == nil {
		h.send(client, data)
	}

	if first {
		h.broadcastMessage(client.documentID,
			protocol.NewUserJoined(client.userID, client.username), client)
	}
}

// handleLeave records departure and broadcasts one section_unlocked per
// implicitly released lock, followed by user_left, so peer mirrors never
// keep ghost locks for a vanished user.
func (h *Hub) handleLeave(client *Client) {
	departed, released := h.registry.Leave(client.documentID, client.userID)
	if !departed {
		return
	}
	slog.Info("client left document",
		"document", client.documentID, "user", client.userID, "conn", client.id, "released", len(released))

	for _, section := range released {
		h.broadcastMessage(client.documentID,
			protocol.NewSectionUnlocked(section, client.userID, client.username), nil)
	}
	h.broadcastMessage(client.documentID,
		protocol.NewUserLeft(client.userID, client.username), nil)
}

// handleInbound routes one client message: lock traffic goes through the
// lock manager, text changes are pure fan-out to the document's other
// sessions tagged with the sender's identity.
func (h *Hub) handleInbound(sender *Client, data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		slog.Warn("malformed message", "user", sender.userID, "err", err)
		h.sendError(sender, "malformed message")
		return
	}

	switch msg.Type {
	case protocol.MsgSectionLocked:
		if msg.Section == "" {
			h.sendError(sender, "lock request missing section")
			return
		}
		granted := h.locks.Request(sender.documentID, msg.Section, sender.userID)
		if !granted {
			// Denial is a no-op for the requester; its mirror already
			// names the holder from the grant broadcast.
			slog.Debug("lock denied",
				"document", sender.documentID, "section", msg.Section, "user", sender.userID)
			return
		}
		h.broadcastMessage(sender.documentID,
			protocol.NewSectionLocked(msg.Section, sender.userID, sender.username), nil)

	case protocol.MsgSectionUnlocked:
		if msg.Section == "" {
			h.sendError(sender, "unlock request missing section")
			return
		}
		released := h.locks.Release(sender.documentID, msg.Section, sender.userID)
		if !released {
			return
		}
		h.broadcastMessage(sender.documentID,
			protocol.NewSectionUnlocked(msg.Section, sender.userID, sender.username), nil)

	case protocol.MsgTextChange:
		if msg.Section == "" {
			h.sendError(sender, "text change missing section")
			return
		}
		if err := msg.Operation.Validate(); err != nil {
			h.sendError(sender, "invalid operation")
			return
		}
		out := protocol.NewTextChange(msg.Section, msg.Operation)
		out.UserID = sender.userID
		out.Username = sender.username
		h.broadcastMessage(sender.documentID, out, sender)

	default:
		h.sendError(sender, "unexpected message type")
	}
}

// broadcastMessage encodes and fans out a message to every client of the
// document, skipping exclude when set, and forwards it across the bridge.
func (h *Hub) broadcastMessage(documentID string, msg *protocol.Message, exclude *Client) {
	data, err := msg.Encode()
	if err != nil {
		slog.Error("message serialization failed", "err", err)
		return
	}
	h.broadcastToDocument(documentID, data, exclude)
	if h.bridge != nil {
		h.bridge.Publish(documentID, data)
	}
}

// broadcastToDocument sends raw bytes to all clients bound to a document.
// The exclude parameter can be nil to send to all clients, or set to skip
// the sender.
func (h *Hub) broadcastToDocument(documentID string, data []byte, exclude *Client) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients {
		if client.documentID != documentID {
			continue
		}
		if exclude != nil && client == exclude {
			continue
		}

		select {
		case client.send <- data:
		default:
			// Use Unregister channel instead of direct deletion to avoid race condition
			go h.Unregister(client)
			slog.Warn("client marked for removal due to full send buffer",
				"user", client.userID, "conn", client.id)
		}
	}
}

// send delivers raw bytes to a single client.
func (h *Hub) send(client *Client, data []byte) {
	select {
	case client.send <- data:
	default:
		go h.Unregister(client)
	}
}

// sendError delivers an error notice to a single client.
func (h *Hub) sendError(client *Client, message string) {
	if data, err := protocol.NewError(message).Encode(); err == nil {
		h.send(client, data)
	}
}

// LockHolder reports the current holder of a section lock, for UI queries.
func (h *Hub) LockHolder(documentID, section string) (lock.Holder, bool) {
	return h.locks.Holder(documentID, section)
}

// ClientCount returns the current number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ClientCountForDocument returns the number of clients bound to a document.
func (h *Hub) ClientCountForDocument(documentID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	count := 0
	for client := range h.clients {
		if client.documentID == documentID {
			count++
		}
	}
	return count
}

// Shutdown gracefully stops the hub and closes all client connections.
func (h *Hub) Shutdown() {
	close(h.quit)
}

// closeAllClients closes all client connections during shutdown.
func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		close(client.send)
		if client.conn != nil {
			if err := client.conn.Close(); err != nil {
				slog.Warn("error closing client connection", "err", err)
			}
		}
	}
	h.clients = make(map[*Client]bool)
}

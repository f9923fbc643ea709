package workercache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Inbound control message types.
const (
	MessageSkipWaiting = "SKIP_WAITING"
	MessageClearCache  = "CLEAR_CACHE"
)

// Outbound notice types.
const (
	NoticeUpdated      = "SW_UPDATED"
	NoticeSyncRequests = "SYNC_REQUESTS"
)

// SyncRequestsTag marks a reconnect signal that should trigger deferred
// request synchronization in connected clients.
const SyncRequestsTag = "sync-requests"

// Notice is an outbound control message delivered to connected clients.
type Notice struct {
	Type    string `json:"type"`
	Version string `json:"version,omitempty"`
}

// Client is an ephemeral handle to a connected page. Handles are
// enumerated transiently for broadcast and never persisted.
type Client struct {
	id      uint64
	notices chan Notice
	reg     *ClientRegistry
}

// Notices returns the channel the client's notices arrive on.
func (c *Client) Notices() <-chan Notice {
	return c.notices
}

// Close detaches the client from the registry.
func (c *Client) Close() {
	c.reg.unregister(c.id)
}

// ClientRegistry tracks connected pages and which deployment version
// currently controls them.
type ClientRegistry struct {
	mu      sync.Mutex
	nextID  uint64
	clients map[uint64]*Client
	version string
}

func NewClientRegistry() *ClientRegistry {
	return &ClientRegistry{
		clients: make(map[uint64]*Client),
	}
}

// Register attaches a new client and returns its handle.
func (r *ClientRegistry) Register() *Client {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	c := &Client{
		id:      r.nextID,
		notices: make(chan Notice, 8),
		reg:     r,
	}
	r.clients[c.id] = c
	return c
}

func (r *ClientRegistry) unregister(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, id)
}

// Claim places every registered client under the given version without
// requiring a reload.
func (r *ClientRegistry) Claim(version string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.version = version
}

// ControllingVersion returns the version clients are currently under.
func (r *ClientRegistry) ControllingVersion() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.version
}

// Broadcast posts a notice to every registered client and returns the
// number delivered. Clients with a full notice buffer are skipped; a
// page that stopped draining its channel is treated as gone.
func (r *ClientRegistry) Broadcast(n Notice) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	delivered := 0
	for _, c := range r.clients {
		select {
		case c.notices <- n:
			delivered++
		default:
		}
	}
	return delivered
}

// Len returns the number of registered clients.
func (r *ClientRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

type controlMessage struct {
	Type string `json:"type"`
}

// HandleMessage resolves an inbound control message. SKIP_WAITING arms
// immediate activation; CLEAR_CACHE deletes every bucket. Unknown types
// are ignored so hosts can multiplex their own messages on the same
// channel.
func (w *Worker) HandleMessage(ctx context.Context, data []byte) error {
	var msg controlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("decode control message: %w", err)
	}

	switch msg.Type {
	case MessageSkipWaiting:
		w.logger.DebugContext(ctx, "skip waiting requested")
		w.SkipWaiting()
		return nil
	case MessageClearCache:
		return w.ClearAll(ctx)
	default:
		w.logger.DebugContext(ctx, "ignoring unknown control message", "type", msg.Type)
		return nil
	}
}

// HandleSync resolves a reconnect signal. Signals tagged for request
// synchronization notify every client; draining the actual queue is
// owned by the application.
func (w *Worker) HandleSync(ctx context.Context, tag string) error {
	if tag != SyncRequestsTag {
		w.logger.DebugContext(ctx, "ignoring sync event", "tag", tag)
		return nil
	}

	n := w.clients.Broadcast(Notice{Type: NoticeSyncRequests})
	w.logger.DebugContext(ctx, "sync notice broadcast", "clients", n)
	return nil
}

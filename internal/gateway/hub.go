// Package gateway pushes run events to attached UI clients over WebSocket.
package gateway

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/taskdeck/taskdeck/internal/agentevent"
	"github.com/taskdeck/taskdeck/internal/common/logger"
	"github.com/taskdeck/taskdeck/internal/events"
	"github.com/taskdeck/taskdeck/internal/events/bus"
)

// Client is one attached WebSocket connection and its task watch list.
// send is never closed; done signals the write loop to finish, so the read
// loop can keep queueing acks without racing a close.
type Client struct {
	ID      string
	conn    *websocket.Conn
	taskIDs map[string]bool
	send    chan []byte
	done    chan struct{}
	endOnce sync.Once
	hub     *Hub
	mu      sync.RWMutex
	logger  *logger.Logger
}

// NewClient creates a client for an upgraded connection.
func NewClient(id string, conn *websocket.Conn, hub *Hub, log *logger.Logger) *Client {
	return &Client{
		ID:      id,
		conn:    conn,
		taskIDs: make(map[string]bool),
		send:    make(chan []byte, 256),
		done:    make(chan struct{}),
		hub:     hub,
		logger:  log.WithFields(zap.String("client_id", id)),
	}
}

// end signals the client's write loop to stop. Idempotent.
func (c *Client) end() {
	c.endOnce.Do(func() { close(c.done) })
}

// Hub routes run events from the bus to the clients watching each task.
type Hub struct {
	clients     map[*Client]bool
	taskClients map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan *broadcastMessage

	subs []bus.Subscription

	mu     sync.RWMutex
	logger *logger.Logger
}

type broadcastMessage struct {
	taskID string
	event  *agentevent.Event
}

// NewHub creates an empty hub. Attach it to the bus, then drive it with Run.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		clients:     make(map[*Client]bool),
		taskClients: make(map[string]map[*Client]bool),
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		broadcast:   make(chan *broadcastMessage, 256),
		logger:      log.WithFields(zap.String("component", "websocket_hub")),
	}
}

// Attach subscribes the hub to every run event stream and every task log
// subject on the bus. Events are routed to clients by task id.
func (h *Hub) Attach(eventBus bus.EventBus) error {
	subjects := []string{
		events.BuildAgentEventWildcardSubject(),
		events.BuildTaskLogWildcardSubject(),
	}
	for _, subject := range subjects {
		sub, err := eventBus.Subscribe(subject, func(ctx context.Context, busEv *bus.Event) error {
			ev, err := agentevent.Decode(busEv.Data)
			if err != nil {
				h.logger.Debug("ignoring non-agent bus event", zap.Error(err))
				return nil
			}
			if ev.TaskID == "" {
				return nil
			}
			h.Broadcast(ev.TaskID, ev)
			return nil
		})
		if err != nil {
			return err
		}
		h.subs = append(h.subs, sub)
	}
	return nil
}

// Run processes registration and broadcast traffic until ctx is cancelled,
// then detaches from the bus and closes every client.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("WebSocket hub started")
	defer h.logger.Info("WebSocket hub stopped")

	for {
		select {
		case <-ctx.Done():
			for _, sub := range h.subs {
				_ = sub.Unsubscribe()
			}
			h.mu.Lock()
			for client := range h.clients {
				h.removeLocked(client)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("client registered", zap.String("client_id", client.ID))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				h.removeLocked(client)
			}
			h.mu.Unlock()
			h.logger.Debug("client unregistered", zap.String("client_id", client.ID))

		case msg := <-h.broadcast:
			h.deliver(msg)
		}
	}
}

// removeLocked drops a client from every table and ends its write loop.
// Caller holds h.mu.
func (h *Hub) removeLocked(client *Client) {
	delete(h.clients, client)
	client.end()
	for taskID := range client.taskIDs {
		if watchers, ok := h.taskClients[taskID]; ok {
			delete(watchers, client)
			if len(watchers) == 0 {
				delete(h.taskClients, taskID)
			}
		}
	}
}

// deliver fans one event out to the task's watchers. A client whose send
// buffer is full is dropped rather than allowed to stall the hub.
func (h *Hub) deliver(msg *broadcastMessage) {
	h.mu.RLock()
	watchers := make([]*Client, 0, len(h.taskClients[msg.taskID]))
	for client := range h.taskClients[msg.taskID] {
		watchers = append(watchers, client)
	}
	h.mu.RUnlock()

	if len(watchers) == 0 {
		return
	}

	data, err := json.Marshal(msg.event)
	if err != nil {
		h.logger.Error("failed to marshal run event", zap.Error(err))
		return
	}

	for _, client := range watchers {
		if client.Send(data) {
			continue
		}
		h.logger.Warn("dropping stalled client", zap.String("client_id", client.ID))
		h.mu.Lock()
		if _, ok := h.clients[client]; ok {
			h.removeLocked(client)
		}
		h.mu.Unlock()
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

// Broadcast queues an event for every client watching the task.
func (h *Hub) Broadcast(taskID string, ev *agentevent.Event) {
	h.broadcast <- &broadcastMessage{taskID: taskID, event: ev}
}

// SubscribeClient adds a client to a task's watcher set.
func (h *Hub) SubscribeClient(client *Client, taskID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.taskClients[taskID]; !ok {
		h.taskClients[taskID] = make(map[*Client]bool)
	}
	h.taskClients[taskID][client] = true
}

// UnsubscribeClient removes a client from a task's watcher set.
func (h *Hub) UnsubscribeClient(client *Client, taskID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if watchers, ok := h.taskClients[taskID]; ok {
		delete(watchers, client)
		if len(watchers) == 0 {
			delete(h.taskClients, taskID)
		}
	}
}

// GetClientCount returns the number of attached clients.
func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// GetTaskSubscriberCount returns how many clients watch a task.
func (h *Hub) GetTaskSubscriberCount(taskID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.taskClients[taskID])
}

package gateway

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Inbound traffic is nothing but small JSON control frames (watch-list
// changes), so the read limit is tight. Outbound carries full run events.
const (
	writeTimeout    = 10 * time.Second
	pongTimeout     = 45 * time.Second
	pingInterval    = 30 * time.Second
	maxControlBytes = 4 << 10
)

// ControlMessage is the only frame a client sends: a change to the set of
// tasks it wants run events for.
type ControlMessage struct {
	Action  string   `json:"action"` // subscribe, unsubscribe
	TaskIDs []string `json:"task_ids"`
}

// ControlAck is the reply to a control frame. Watched carries the client's
// complete watch list after the change applied, so the desktop shell can
// reconcile its view without tracking deltas.
type ControlAck struct {
	Type    string   `json:"type"` // ack, error
	Action  string   `json:"action,omitempty"`
	Watched []string `json:"watched,omitempty"`
	Message string   `json:"message,omitempty"`
}

// Start launches the client's read and write loops. The loops own the
// connection; either one failing tears the client down.
func (c *Client) Start() {
	go c.writeLoop()
	go c.readLoop()
}

func (c *Client) readLoop() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxControlBytes)
	c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket read error", zap.Error(err))
			}
			return
		}
		c.Send(c.handleControl(message))
	}
}

// handleControl applies one inbound control frame and returns the encoded
// acknowledgement to send back.
func (c *Client) handleControl(raw []byte) []byte {
	var msg ControlMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.logger.Warn("undecodable control frame", zap.Error(err))
		return encodeAck(ControlAck{Type: "error", Message: "undecodable control frame"})
	}

	switch msg.Action {
	case "subscribe":
		for _, taskID := range msg.TaskIDs {
			if taskID != "" {
				c.Subscribe(taskID)
			}
		}
	case "unsubscribe":
		for _, taskID := range msg.TaskIDs {
			c.Unsubscribe(taskID)
		}
	default:
		c.logger.Warn("unknown control action", zap.String("action", msg.Action))
		return encodeAck(ControlAck{Type: "error", Action: msg.Action, Message: "unknown action"})
	}

	return encodeAck(ControlAck{Type: "ack", Action: msg.Action, Watched: c.WatchedTasks()})
}

func encodeAck(ack ControlAck) []byte {
	data, err := json.Marshal(ack)
	if err != nil {
		return []byte(`{"type":"error","message":"internal"}`)
	}
	return data
}

func (c *Client) writeLoop() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			// One frame per event; frames are self-contained JSON the
			// shell parses independently.
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Send queues a frame for the client. Returns false when the client has
// ended or its buffer is full; the hub drops full clients.
func (c *Client) Send(msg []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// Close detaches the client from the hub.
func (c *Client) Close() {
	c.hub.Unregister(c)
}

// Subscribe adds a task to the client's watch list.
func (c *Client) Subscribe(taskID string) {
	c.mu.Lock()
	c.taskIDs[taskID] = true
	c.mu.Unlock()
	c.hub.SubscribeClient(c, taskID)
}

// Unsubscribe removes a task from the client's watch list.
func (c *Client) Unsubscribe(taskID string) {
	c.mu.Lock()
	delete(c.taskIDs, taskID)
	c.mu.Unlock()
	c.hub.UnsubscribeClient(c, taskID)
}

// IsSubscribed reports whether the client watches a task.
func (c *Client) IsSubscribed(taskID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.taskIDs[taskID]
}

// WatchedTasks returns the client's watch list, sorted for stable acks.
func (c *Client) WatchedTasks() []string {
	c.mu.RLock()
	ids := make([]string, 0, len(c.taskIDs))
	for taskID := range c.taskIDs {
		ids = append(ids, taskID)
	}
	c.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

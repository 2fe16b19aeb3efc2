package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/craftdock/craftdock/internal/domain"
	"github.com/craftdock/craftdock/internal/stream"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for now
	},
}

// wsCommand is an incoming client message. Clients may send a bare
// string ("ping") or a JSON object with an action field.
type wsCommand struct {
	Action string `json:"action"`
	Type   string `json:"type"`
}

// wsClient is one WebSocket connection bound to an instance stream
type wsClient struct {
	id         string
	conn       *websocket.Conn
	sub        *stream.Subscriber
	out        chan domain.StreamEvent // connection-local events (pong, backlog)
	router     *Router
	instanceID int64
}

// handleWebSocket upgrades HTTP to WebSocket and binds the connection
// to an instance's event stream. Auth comes from a token query
// parameter because browsers can't set headers on the upgrade request.
func (r *Router) handleWebSocket(w http.ResponseWriter, req *http.Request) {
	token := req.URL.Query().Get("token")
	if token == "" {
		if h := req.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
			token = strings.TrimPrefix(h, "Bearer ")
		}
	}
	if token == "" {
		writeError(w, http.StatusUnauthorized, "token required")
		return
	}

	claims, err := r.auth.ValidateToken(token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid token")
		return
	}

	id, err := parseID(req, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid server id")
		return
	}

	if !claims.IsAdmin {
		perm, err := r.store.GetPermission(req.Context(), claims.UserID, id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to check permissions")
			return
		}
		if perm == "" {
			writeError(w, http.StatusForbidden, "insufficient permissions")
			return
		}
	}

	channel := req.URL.Query().Get("channel")
	if channel != "" && !domain.ValidChannel(channel) {
		writeError(w, http.StatusBadRequest, "unknown channel")
		return
	}

	inst, err := r.store.GetInstanceByID(req.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, "server not found")
		return
	}

	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		log.Printf("WebSocket upgrade error: %v", err)
		return
	}

	sub, err := r.streams.Subscribe(req.Context(), id, channel)
	if err != nil {
		conn.WriteJSON(domain.ErrorEvent(id, "failed to subscribe"))
		conn.Close()
		return
	}

	client := &wsClient{
		id:         uuid.NewString(),
		conn:       conn,
		sub:        sub,
		out:        make(chan domain.StreamEvent, 16),
		router:     r,
		instanceID: id,
	}

	// Current status goes out first so the client never renders stale
	// state while waiting for the next transition.
	client.out <- domain.StatusUpdate(id, inst.Status, "")

	go client.writePump()
	go client.readPump()
}

// readPump reads client commands from the WebSocket (and handles close)
func (c *wsClient) readPump() {
	defer func() {
		c.router.streams.Unsubscribe(c.sub)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNoStatusReceived) {
				log.Printf("WebSocket error on %s: %v", c.id, err)
			}
			break
		}
		c.handleCommand(parseWSCommand(data))
	}
}

// parseWSCommand accepts both raw string commands and JSON envelopes
func parseWSCommand(data []byte) string {
	text := strings.TrimSpace(string(data))
	if strings.HasPrefix(text, "{") {
		var cmd wsCommand
		if err := json.Unmarshal(data, &cmd); err == nil {
			if cmd.Action != "" {
				return cmd.Action
			}
			return cmd.Type
		}
	}
	return strings.Trim(text, `"`)
}

func (c *wsClient) handleCommand(command string) {
	switch command {
	case "ping":
		c.send(domain.StreamEvent{
			Type:       domain.EventPong,
			InstanceID: c.instanceID,
			Channel:    domain.ChannelDefault,
		})

	case "start_streaming":
		// Replay a backlog so the client has context before live lines.
		lines, err := c.router.streams.Backlog(context.Background(), c.instanceID, 100)
		if err != nil {
			log.Printf("WebSocket backlog for instance %d: %v", c.instanceID, err)
			c.send(domain.ErrorEvent(c.instanceID, "failed to read log backlog"))
			return
		}
		c.send(domain.StreamEvent{
			Type:       domain.EventLogs,
			InstanceID: c.instanceID,
			Channel:    c.sub.Channel(),
			Logs:       strings.Join(lines, "\n"),
		})

	case "stop_streaming":
		// Live delivery is subscription-driven; nothing to tear down.

	case "":
		// Ignore empty frames.

	default:
		c.send(domain.ErrorEvent(c.instanceID, "unknown command: "+command))
	}
}

// send queues a connection-local event, dropping it if the client
// can't keep up
func (c *wsClient) send(ev domain.StreamEvent) {
	select {
	case c.out <- ev:
	default:
	}
}

// writePump sends events to the WebSocket
func (c *wsClient) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case ev, ok := <-c.sub.Events():
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				// Subscription closed: instance deleted or unsubscribed.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.writeEvent(ev); err != nil {
				return
			}

		case ev := <-c.out:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.writeEvent(ev); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *wsClient) writeEvent(ev domain.StreamEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		log.Printf("Error marshaling event: %v", err)
		return nil
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

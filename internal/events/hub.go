package events

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/atlas-desktop/strategy-runtime/pkg/types"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Hub bridges the Bus to websocket clients, adapted from the teacher's
// internal/api/websocket.go Hub/Client pair. Unlike the teacher's
// channel-subscription model, a Hub client subscribes to exactly one
// stream for its whole connection lifetime; the endpoint path carries the
// stream's topic key (the session ID on the agent handler's route).
type Hub struct {
	bus    *Bus
	logger *zap.Logger
}

// NewHub wraps bus for websocket delivery.
func NewHub(bus *Bus, logger *zap.Logger) *Hub {
	return &Hub{bus: bus, logger: logger}
}

// ServeStrategy upgrades the request to a websocket connection and streams
// strategyID's events to it until the client disconnects.
func (h *Hub) ServeStrategy(w http.ResponseWriter, r *http.Request, strategyID string) error {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	sub := h.bus.Subscribe(strategyID, 256)
	defer h.bus.Unsubscribe(sub)
	client := &wsClient{conn: conn, sub: sub, logger: h.logger}

	go client.readPump()
	client.writePump()
	return nil
}

// wsClient pumps one subscriber's events to one websocket connection.
type wsClient struct {
	conn   *websocket.Conn
	sub    *Subscriber
	logger *zap.Logger
}

// readPump only drains control frames (ping/close); clients of a strategy
// stream are read-only subscribers, matching §6.2 (server pushes events,
// the client does not send trading commands over this socket).
func (c *wsClient) readPump() {
	defer func() {
		c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
}

// writePump relays subscribed StreamEvents as JSON text frames and sends
// periodic pings. It returns (and the caller's bus.Unsubscribe fires via
// defer) when the connection breaks or the subscriber is closed.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case evt, ok := <-c.sub.Events():
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			data, err := json.Marshal(evt)
			if err != nil {
				c.logger.Warn("failed to marshal stream event", zap.Error(err))
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// NewComponentEvent encodes a ComponentPayload into a component_generator
// StreamEvent (§6.2).
func NewComponentEvent(componentType types.ComponentType, content string) (types.StreamEvent, error) {
	payload, err := json.Marshal(types.ComponentPayload{ComponentType: componentType, Content: content})
	if err != nil {
		return types.StreamEvent{}, err
	}
	return types.StreamEvent{EventType: types.StreamEventComponentGenerator, PayloadJSON: string(payload)}, nil
}

// NewStreamEvent JSON-encodes an arbitrary payload into a StreamEvent of
// the given type.
func NewStreamEvent(eventType types.StreamEventType, payload any) (types.StreamEvent, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return types.StreamEvent{}, err
	}
	return types.StreamEvent{EventType: eventType, PayloadJSON: string(data)}, nil
}

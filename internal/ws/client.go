package ws

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 1 << 20
)

// Peers reach the hub through a tunnel, never from a browser page, so the
// Origin header carries no meaning here.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Client is a middleman between the websocket connection and the hub.
type Client struct {
	hub      *Hub
	conn     *websocket.Conn
	send     chan []byte
	identity string
}

// readPump decodes frames from the peer. Sends are handed to the hub's
// AcceptFunc and answered with message_created or error.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregisterClient(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Info("peer connection closed", zap.String("peer", c.identity), zap.Error(err))
			}
			return
		}
		frame, err := DecodeFrame(data)
		if err != nil {
			c.hub.reply(c, ErrorFrame{Reason: err.Error()})
			continue
		}
		switch f := frame.(type) {
		case SendMessageFrame:
			if c.hub.accept == nil {
				c.hub.reply(c, ErrorFrame{Reason: "sending is not supported"})
				continue
			}
			id, err := c.hub.accept(c.identity, f.Message)
			if err != nil {
				c.hub.reply(c, ErrorFrame{Reason: err.Error()})
				continue
			}
			c.hub.reply(c, MessageCreatedFrame{ID: id})
		default:
			c.hub.log.Debug("ignoring frame", zap.String("type", frame.Type()), zap.String("peer", c.identity))
		}
	}
}

// writePump pumps frames from the hub to the websocket connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ServeWs upgrades the request and attaches the connection to hub on behalf
// of the peer with the given identity.
func ServeWs(hub *Hub, w http.ResponseWriter, r *http.Request, identity string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	client := &Client{hub: hub, conn: conn, send: make(chan []byte, 256), identity: identity}
	select {
	case hub.register <- client:
	case <-hub.quit:
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "chat stopped"))
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

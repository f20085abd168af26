package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pliu/peerchat/internal/chat"
	"github.com/pliu/peerchat/internal/handlers"
	"github.com/pliu/peerchat/internal/models"
	"github.com/pliu/peerchat/internal/ws"
	"go.uber.org/zap"
)

var errClosed = errors.New("client closed")

func (c *Client) pushURL() string {
	u := *c.base
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + handlers.PathPushChannel
	q := url.Values{}
	if c.identity != "" {
		q.Set("identity", c.identity)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// Connect opens the push channel and starts receiving in the background.
// When the connection ends the chat status turns Disconnected, or Error on
// a transport failure. Reconnecting is up to the caller.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	connected := c.conn != nil
	c.mu.Unlock()
	if connected {
		return nil
	}

	conn, resp, err := c.dialer.DialContext(ctx, c.pushURL(), nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusForbidden {
			return fmt.Errorf("%w: push channel refused", ErrUnknownToHost)
		}
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}

	c.mu.Lock()
	if c.ctx.Err() != nil {
		c.mu.Unlock()
		conn.Close()
		return errClosed
	}
	c.conn = conn
	c.wg.Add(1)
	c.mu.Unlock()

	c.log.Info("push channel connected")
	c.chat.SetStatus(chat.StatusConnected, "")
	go c.receive(conn)
	return nil
}

// Connected reports whether the push channel is up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

func (c *Client) receive(conn *websocket.Conn) {
	defer c.wg.Done()
	defer func() {
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Info("push channel closed by host")
				c.chat.SetStatus(chat.StatusDisconnected, ReasonLost)
			} else {
				c.log.Warn("push channel failed", zap.Error(err))
				c.chat.SetStatus(chat.StatusError, ReasonLost+": "+err.Error())
			}
			return
		}
		frame, err := ws.DecodeFrame(data)
		if err != nil {
			c.log.Warn("dropping frame", zap.Error(err))
			continue
		}
		c.handle(frame)
	}
}

func (c *Client) handle(frame ws.Frame) {
	switch f := frame.(type) {
	case ws.NewMessageFrame:
		msgs, err := c.open([]models.Message{f.Message})
		if err != nil {
			return
		}
		c.chat.Append(msgs[0])
	case ws.MessageCreatedFrame:
		c.log.Debug("message acknowledged", zap.String("message_id", f.ID))
	case ws.ErrorFrame:
		c.log.Warn("host reported error", zap.String("reason", f.Reason))
	case ws.SendMessageFrame:
		c.log.Debug("ignoring send frame from host")
	case ws.UnknownFrame:
		c.log.Info("ignoring unknown frame", zap.String("type", f.Kind))
	}
}

// Close stops polling and the push channel and waits for both. It is safe
// to call more than once.
func (c *Client) Close() {
	c.cancel()
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		c.writeMu.Lock()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		conn.Close()
	}
	c.wg.Wait()
	c.http.CloseIdleConnections()
}

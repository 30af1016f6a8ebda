package hub

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/choonkeat/codecollab/internal/protocol"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

type frame struct {
	kind int
	data []byte
}

// Client is one websocket connection. Protocol events go through send so
// their outbound order is the order they were queued in. Terminal output
// has its own queue and is dropped, not fatal, when the client falls behind.
type Client struct {
	id   string
	conn *websocket.Conn
	send chan frame
	term chan []byte
	log  *zap.Logger

	closeOnce sync.Once
	done      chan struct{}
}

func newClient(id string, conn *websocket.Conn, buffer, termBuffer int, log *zap.Logger) *Client {
	return &Client{
		id:   id,
		conn: conn,
		send: make(chan frame, buffer),
		term: make(chan []byte, termBuffer),
		log:  log.With(zap.String("connection_id", id)),
		done: make(chan struct{}),
	}
}

// queue hands f to the write pump. A client whose buffer is full is too
// slow to keep up with the room and is disconnected.
func (c *Client) queue(f frame) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- f:
		return true
	case <-c.done:
		return false
	default:
		c.log.Warn("send buffer full, dropping connection")
		c.close()
		return false
	}
}

func (c *Client) sendEvent(event string, payload any) bool {
	data, err := protocol.Encode(event, payload)
	if err != nil {
		c.log.Error("encoding outbound event", zap.String("event", event), zap.Error(err))
		return false
	}
	return c.queue(frame{kind: websocket.TextMessage, data: data})
}

// sendTerminal queues shell output. A full terminal queue drops the chunk
// and keeps the connection.
func (c *Client) sendTerminal(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.term <- data:
		return true
	case <-c.done:
		return false
	default:
		c.log.Debug("terminal queue full, dropping output", zap.Int("bytes", len(data)))
		return false
	}
}

func (c *Client) sendError(event, message string) {
	c.sendEvent(protocol.EventError, protocol.Error{Event: event, Message: message})
}

// close stops the write pump and closes the socket, which in turn ends the
// read pump. Safe to call more than once.
func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case f := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(f.kind, f.data); err != nil {
				c.log.Debug("write failed", zap.Error(err))
				c.close()
				return
			}
		case data := <-c.term:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
				c.log.Debug("write failed", zap.Error(err))
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}

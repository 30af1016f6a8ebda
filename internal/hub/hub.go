// Package hub holds the per-connection state machine of a room websocket
// and fans shared state out to the other members of the room.
package hub

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/choonkeat/codecollab/internal/assistant"
	"github.com/choonkeat/codecollab/internal/document"
	"github.com/choonkeat/codecollab/internal/execution"
	"github.com/choonkeat/codecollab/internal/protocol"
	"github.com/choonkeat/codecollab/internal/roster"
)

// Messages returned to a requester when a bridge call fails.
const (
	MsgCompileFailed   = "An error occurred while compiling the code."
	MsgGenerateFailed  = "Failed to generate code."
	MsgRecommendFailed = "Failed to generate recommendations."
)

const (
	storeTimeout          = 5 * time.Second
	defaultSendBuffer     = 256
	defaultTerminalBuffer = 64
	defaultReadLimit      = 1 << 20
)

// Terminals is the part of the terminal multiplexer the hub drives.
type Terminals interface {
	EnsureSession(room string) (bool, error)
	Write(room string, data []byte) error
	Resize(room string, cols, rows uint16)
	Snapshot(room string) ([]byte, bool)
	MarkIdle(room string)
}

// Config tunes the hub.
type Config struct {
	SendBuffer       int
	TerminalBuffer   int
	ReadLimit        int64
	ExecTimeout      time.Duration
	AssistantTimeout time.Duration

	// AllowedOrigins lists the browser origins that may open a websocket.
	// "*" allows any origin. Empty falls back to a same-origin check.
	AllowedOrigins []string
}

// Hub owns every live connection.
type Hub struct {
	cfg       Config
	tracker   *roster.Tracker
	store     document.Store
	executor  execution.Executor
	assistant assistant.Generator
	terminals Terminals
	logger    *zap.Logger
	upgrader  websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*Client
	rooms   map[string]*sync.Mutex

	degraded atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a hub. Terminals are attached separately with SetTerminals
// because the multiplexer reports its output back into the hub.
func New(cfg Config, tracker *roster.Tracker, store document.Store, executor execution.Executor,
	generator assistant.Generator, logger *zap.Logger) *Hub {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = defaultSendBuffer
	}
	if cfg.TerminalBuffer <= 0 {
		cfg.TerminalBuffer = defaultTerminalBuffer
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = defaultReadLimit
	}
	if cfg.ExecTimeout <= 0 {
		cfg.ExecTimeout = 15 * time.Second
	}
	if cfg.AssistantTimeout <= 0 {
		cfg.AssistantTimeout = 60 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		cfg:       cfg,
		tracker:   tracker,
		store:     store,
		executor:  executor,
		assistant: generator,
		logger:    logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin(cfg.AllowedOrigins),
		},
		clients: make(map[string]*Client),
		rooms:   make(map[string]*sync.Mutex),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// checkOrigin requires a listed origin. Requests without an Origin header
// do not come from a browser and are let through.
func checkOrigin(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return nil
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, a := range allowed {
			if a == "*" || strings.EqualFold(a, origin) {
				return true
			}
		}
		return false
	}
}

// SetTerminals attaches the terminal multiplexer. Passing nil disables
// terminal handling.
func (h *Hub) SetTerminals(t Terminals) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.terminals = t
}

// Degraded reports whether the most recent document store call failed.
func (h *Hub) Degraded() bool {
	return h.degraded.Load()
}

// ConnectionCount returns the number of live connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeWS upgrades the request and runs the connection until it closes.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := newClient(uuid.NewString(), conn, h.cfg.SendBuffer, h.cfg.TerminalBuffer, h.logger)
	if !h.register(c) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}
	c.log.Debug("connection opened", zap.String("remote", r.RemoteAddr))

	go c.writePump()
	h.readPump(c)
}

func (h *Hub) register(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ctx.Err() != nil {
		return false
	}
	h.clients[c.id] = c
	return true
}

func (h *Hub) client(id string) (*Client, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.clients[id]
	return c, ok
}

func (h *Hub) terminalsRef() Terminals {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.terminals
}

// lockRoom serializes store-then-send for a room so members see writes in
// the order the store applied them. It returns the unlock func.
func (h *Hub) lockRoom(room string) func() {
	for {
		h.mu.Lock()
		l, ok := h.rooms[room]
		if !ok {
			l = &sync.Mutex{}
			h.rooms[room] = l
		}
		h.mu.Unlock()

		l.Lock()
		h.mu.RLock()
		current := h.rooms[room] == l
		h.mu.RUnlock()
		if current {
			return l.Unlock
		}
		// The room emptied and dropped this lock while we waited.
		l.Unlock()
	}
}

// releaseRoom drops the lock of a room nobody is in any more.
func (h *Hub) releaseRoom(room string) {
	unlock := h.lockRoom(room)
	defer unlock()
	if h.tracker.MemberCount(room) > 0 {
		return
	}
	h.mu.Lock()
	delete(h.rooms, room)
	h.mu.Unlock()
}

func (h *Hub) readPump(c *Client) {
	defer h.disconnect(c)

	c.conn.SetReadLimit(h.cfg.ReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug("read failed", zap.Error(err))
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		switch kind {
		case websocket.TextMessage:
			h.dispatch(c, data)
		case websocket.BinaryMessage:
			h.terminalInput(c, data)
		}
	}
}

// disconnect runs once per connection after its read loop ends.
func (h *Hub) disconnect(c *Client) {
	c.close()

	h.mu.Lock()
	delete(h.clients, c.id)
	h.mu.Unlock()

	terms := h.terminalsRef()
	for _, dep := range h.tracker.Leave(c.id) {
		notice := protocol.Disconnected{ConnectionID: dep.Member.ConnectionID, DisplayName: dep.Member.DisplayName}
		h.sendEach(dep.Remaining, "", protocol.EventDisconnected, notice)

		if dep.RoomEmpty {
			h.releaseRoom(dep.Room)
			if terms != nil {
				terms.MarkIdle(dep.Room)
			}
		}
		c.log.Info("left room", zap.String("room", dep.Room), zap.Int("remaining", len(dep.Remaining)))
	}
}

// Shutdown cancels in-flight bridge calls, closes every connection and
// waits for bridge goroutines to finish.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	h.cancel()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
	h.wg.Wait()
}

func (h *Hub) dispatch(c *Client, data []byte) {
	event := gjson.GetBytes(data, "event").String()
	defer h.recoverHandler(c, event)

	msg, err := protocol.Decode(data)
	if err != nil {
		c.log.Debug("rejected message", zap.String("event", event), zap.Error(err))
		c.sendError(event, err.Error())
		return
	}

	switch p := msg.Payload.(type) {
	case *protocol.Join:
		h.handleJoin(c, p)
	case *protocol.CodeChange:
		h.handleCodeChange(c, p)
	case *protocol.SyncCode:
		h.handleSyncCode(c, p)
	case *protocol.FileTreeUpdate:
		h.handleFileTreeUpdate(c, p)
	case *protocol.ActiveFileChange:
		h.handleActiveFileChange(c, p)
	case *protocol.CompileCode:
		h.goBridge(c, msg.Event, func(ctx context.Context) { h.handleCompile(ctx, c, p) })
	case *protocol.GenerateCode:
		h.goBridge(c, msg.Event, func(ctx context.Context) { h.handleGenerate(ctx, c, p) })
	case *protocol.RecommendCode:
		h.goBridge(c, msg.Event, func(ctx context.Context) { h.handleRecommend(ctx, c, p) })
	case *protocol.TerminalWrite:
		h.terminalInput(c, []byte(p.Data))
	case *protocol.TerminalResize:
		h.handleTerminalResize(c, p)
	case *protocol.Ping:
		c.sendEvent(protocol.EventPong, nil)
	default:
		c.log.Error("no handler for event", zap.String("event", msg.Event))
	}
}

func (h *Hub) recoverHandler(c *Client, event string) {
	if r := recover(); r != nil {
		c.log.Error("handler panic",
			zap.String("event", event),
			zap.Any("panic", r),
			zap.Stack("stack"))
		c.sendError(event, "internal error")
	}
}

// goBridge runs fn on its own goroutine so a slow external call never
// stalls the connection's read loop.
func (h *Hub) goBridge(c *Client, event string, fn func(ctx context.Context)) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer h.recoverHandler(c, event)
		fn(h.ctx)
	}()
}

// sendEach queues an event to every id in ids except skip.
func (h *Hub) sendEach(ids []string, skip, event string, payload any) {
	data, err := protocol.Encode(event, payload)
	if err != nil {
		h.logger.Error("encoding outbound event", zap.String("event", event), zap.Error(err))
		return
	}
	for _, id := range ids {
		if id == skip {
			continue
		}
		if peer, ok := h.client(id); ok {
			peer.queue(frame{kind: websocket.TextMessage, data: data})
		}
	}
}

// broadcast sends to every member of room except skip.
func (h *Hub) broadcast(room, skip, event string, payload any) {
	h.sendEach(h.tracker.Members(room), skip, event, payload)
}

func (h *Hub) storeResult(err error, op, room string) {
	if err == nil {
		h.degraded.Store(false)
		return
	}
	if h.degraded.CompareAndSwap(false, true) {
		h.logger.Warn("document store degraded", zap.String("op", op), zap.String("room", room), zap.Error(err))
		return
	}
	h.logger.Debug("document store still failing", zap.String("op", op), zap.String("room", room), zap.Error(err))
}

// joinedRoom returns the sender's room. A non-empty claimed room must match
// it; the sender gets an error event otherwise.
func (h *Hub) joinedRoom(c *Client, event, claimed string) (string, bool) {
	room, ok := h.tracker.RoomOf(c.id)
	if !ok {
		c.sendError(event, "join a room first")
		return "", false
	}
	if claimed != "" && claimed != room {
		c.sendError(event, "room token does not match joined room")
		return "", false
	}
	return room, true
}

// replaceDocument persists code for room and tells the other members.
func (h *Hub) replaceDocument(room, skip, code string) {
	defer h.lockRoom(room)()

	ctx, cancel := context.WithTimeout(h.ctx, storeTimeout)
	defer cancel()
	h.storeResult(h.store.SetContent(ctx, room, code), "set content", room)
	h.broadcast(room, skip, protocol.EventCodeChange, protocol.CodeChange{Code: code})
}

func isUnsupported(err error) bool {
	return errors.Is(err, execution.ErrUnsupportedLanguage)
}

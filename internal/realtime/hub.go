// Package realtime streams an instance's notifications to websocket clients
// and tracks which conversations each client has open.
package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/matheus3301/wpprelay/internal/api"
	"github.com/matheus3301/wpprelay/internal/bus"
	"github.com/matheus3301/wpprelay/internal/notify"
	"github.com/rs/xid"
	"go.uber.org/zap"
)

const (
	frameOpen  = "conversation:open"
	frameClose = "conversation:close"
)

// Frame is what clients receive.
type Frame struct {
	Event    string `json:"event"`
	Instance string `json:"instance,omitempty"`
	Data     any    `json:"data,omitempty"`
	TS       int64  `json:"ts"`
}

// Command is what clients send.
type Command struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversationId"`
}

// Options configures connections.
type Options struct {
	// Buffer is the per-connection event backlog. A client that falls
	// further behind is disconnected.
	Buffer       int
	PingInterval time.Duration
	WriteTimeout time.Duration
}

// Hub serves GET /ws/{instance}.
type Hub struct {
	actions  *api.Actions
	registry *notify.Registry
	bus      *bus.Bus
	opts     Options
	logger   *zap.Logger
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[string]*conn
	wg    sync.WaitGroup
}

// NewHub creates the websocket endpoint.
func NewHub(actions *api.Actions, registry *notify.Registry, b *bus.Bus, opts Options, logger *zap.Logger) *Hub {
	if opts.Buffer <= 0 {
		opts.Buffer = 256
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		actions:  actions,
		registry: registry,
		bus:      b,
		opts:     opts,
		logger:   logger,
		conns:    make(map[string]*conn),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Register mounts the endpoint on r.
func (h *Hub) Register(r *mux.Router) {
	r.HandleFunc("/ws/{instance}", h.serve).Methods(http.MethodGet)
}

// Wait blocks until every connection has finished.
func (h *Hub) Wait() { h.wg.Wait() }

// Close disconnects every client with a going-away frame and waits for
// their connections to finish.
func (h *Hub) Close() {
	h.mu.Lock()
	for _, c := range h.conns {
		h.closeWith(c, websocket.CloseGoingAway, "shutting down")
		_ = c.ws.Close()
	}
	h.mu.Unlock()
	h.Wait()
}

type conn struct {
	id       string
	instance string
	ws       *websocket.Conn
	replies  chan Frame
	done     chan struct{}
	logger   *zap.Logger
}

func (h *Hub) serve(w http.ResponseWriter, r *http.Request) {
	instance := mux.Vars(r)["instance"]
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &conn{
		id:       xid.New().String(),
		instance: instance,
		ws:       ws,
		replies:  make(chan Frame, 16),
		done:     make(chan struct{}),
	}
	c.logger = h.logger.With(zap.String("instance", instance), zap.String("conn_id", c.id))

	// Subscribe before announcing the connection so nothing published after
	// the welcome frame is missed.
	events, unsub := h.bus.Subscribe(instance+"/", h.opts.Buffer)
	h.registry.Connect(c.id, instance)
	h.mu.Lock()
	h.conns[c.id] = c
	h.mu.Unlock()
	c.logger.Info("websocket client connected")

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.writePump(c, events)
	}()

	c.replies <- Frame{Event: "connected", Instance: instance, Data: map[string]string{"connectionId": c.id}, TS: time.Now().UnixMilli()}
	h.readPump(r.Context(), c)

	close(c.done)
	unsub()
	h.mu.Lock()
	delete(h.conns, c.id)
	h.mu.Unlock()
	h.registry.Disconnect(c.id)
	c.logger.Info("websocket client disconnected")
}

func (h *Hub) readPump(ctx context.Context, c *conn) {
	ws := c.ws
	ws.SetReadLimit(64 << 10)
	_ = ws.SetReadDeadline(time.Now().Add(2 * h.opts.PingInterval))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(2 * h.opts.PingInterval))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("websocket read error", zap.Error(err))
			}
			return
		}
		var cmd Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			h.reply(c, errorFrame("invalid JSON"))
			continue
		}
		h.handle(ctx, c, cmd)
	}
}

func (h *Hub) handle(ctx context.Context, c *conn, cmd Command) {
	switch cmd.Type {
	case frameOpen:
		if _, err := h.actions.Conversation(ctx, c.instance, cmd.ConversationID); err != nil {
			h.reply(c, errorFrame("unknown conversation"))
			return
		}
		h.registry.Open(c.id, cmd.ConversationID)
		if _, err := h.actions.Read(ctx, c.instance, cmd.ConversationID); err != nil {
			c.logger.Warn("reset unread on open failed", zap.String("conversation_id", cmd.ConversationID), zap.Error(err))
		}
	case frameClose:
		h.registry.Close(c.id, cmd.ConversationID)
	default:
		h.reply(c, errorFrame("unknown command "+cmd.Type))
	}
}

func (h *Hub) reply(c *conn, f Frame) {
	select {
	case c.replies <- f:
	default:
		c.logger.Debug("reply dropped, client not reading")
	}
}

// writePump is the only writer on the connection.
func (h *Hub) writePump(c *conn, events <-chan bus.Event) {
	ticker := time.NewTicker(h.opts.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case evt, ok := <-events:
			if !ok {
				c.logger.Warn("websocket client fell behind, disconnecting")
				h.closeWith(c, websocket.ClosePolicyViolation, "too slow")
				return
			}
			if err := h.write(c, Frame{Event: evt.Kind, Instance: evt.Scope, Data: evt.Payload, TS: evt.Timestamp.UnixMilli()}); err != nil {
				return
			}
		case f := <-c.replies:
			if err := h.write(c, f); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(h.opts.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (h *Hub) write(c *conn, f Frame) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(h.opts.WriteTimeout))
	if err := c.ws.WriteJSON(f); err != nil {
		c.logger.Debug("websocket write failed", zap.Error(err))
		return err
	}
	return nil
}

func (h *Hub) closeWith(c *conn, code int, reason string) {
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(h.opts.WriteTimeout))
}

func errorFrame(msg string) Frame {
	return Frame{Event: "error", Data: map[string]string{"message": msg}, TS: time.Now().UnixMilli()}
}

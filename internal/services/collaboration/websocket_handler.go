package collaboration

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"codecollab/internal/middleware"
	"codecollab/internal/protocol"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Editors are served from other origins; identity is bound at join.
		return true
	},
}

// TransportSettings bound what one websocket connection may cost.
type TransportSettings struct {
	SendBufferSize    int
	MaxMessageBytes   int64
	MessagesPerSecond float64
	MessageBurst      int
	PongWait          time.Duration
	WriteWait         time.Duration
}

func DefaultTransportSettings() TransportSettings {
	return TransportSettings{
		SendBufferSize:    256,
		MaxMessageBytes:   1 << 20,
		MessagesPerSecond: 50,
		MessageBurst:      100,
		PongWait:          60 * time.Second,
		WriteWait:         10 * time.Second,
	}
}

// WebSocketHandler upgrades HTTP requests into collaboration connections.
type WebSocketHandler struct {
	sessionManager *SessionManager
	settings       TransportSettings
}

func NewWebSocketHandler(sessionManager *SessionManager, settings TransportSettings) *WebSocketHandler {
	defaults := DefaultTransportSettings()
	if settings.SendBufferSize <= 0 {
		settings.SendBufferSize = defaults.SendBufferSize
	}
	if settings.MaxMessageBytes <= 0 {
		settings.MaxMessageBytes = defaults.MaxMessageBytes
	}
	if settings.MessagesPerSecond <= 0 {
		settings.MessagesPerSecond = defaults.MessagesPerSecond
	}
	if settings.MessageBurst <= 0 {
		settings.MessageBurst = defaults.MessageBurst
	}
	if settings.PongWait <= 0 {
		settings.PongWait = defaults.PongWait
	}
	if settings.WriteWait <= 0 {
		settings.WriteWait = defaults.WriteWait
	}
	return &WebSocketHandler{sessionManager: sessionManager, settings: settings}
}

// HandleConnection serves /ws and /ws/document/{id}. With an id in the path
// the connection may only join that document.
func (h *WebSocketHandler) HandleConnection(w http.ResponseWriter, r *http.Request) {
	documentID := mux.Vars(r)["id"]

	ctx, span := middleware.StartSpan(r.Context(), "WebSocket.Connect",
		attribute.String("document.id", documentID),
	)
	defer span.End()

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Failed to upgrade WebSocket: %v", err)
		middleware.AddSpanError(ctx, err)
		return
	}

	c := &Connection{
		ws:       ws,
		send:     make(chan []byte, h.settings.SendBufferSize),
		done:     make(chan struct{}),
		manager:  h.sessionManager,
		limiter:  rate.NewLimiter(rate.Limit(h.settings.MessagesPerSecond), h.settings.MessageBurst),
		settings: h.settings,
	}
	c.peer = h.sessionManager.Connect(c, documentID)

	// The request context ends when this handler returns; the pumps outlive it.
	connCtx := context.WithoutCancel(ctx)
	go c.WritePump()
	go c.ReadPump(connCtx)

	log.Printf("✓ WebSocket connection %s established from %s", c.peer.ID, r.RemoteAddr)
}

// Connection is one websocket client. It implements Outbox.
type Connection struct {
	ws       *websocket.Conn
	send     chan []byte
	done     chan struct{}
	once     sync.Once
	peer     *Peer
	manager  *SessionManager
	limiter  *rate.Limiter
	limited  bool
	settings TransportSettings
}

func (c *Connection) Deliver(msg []byte) bool {
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

func (c *Connection) Close() {
	c.once.Do(func() { close(c.done) })
}

// ReadPump decodes inbound messages and hands them to the manager one at a
// time. It owns the peer: when it returns, the peer has left.
func (c *Connection) ReadPump(ctx context.Context) {
	defer func() {
		c.manager.Disconnect(c.peer)
		c.Close()
	}()

	c.ws.SetReadLimit(c.settings.MaxMessageBytes)
	c.ws.SetReadDeadline(time.Now().Add(c.settings.PongWait))
	// Pong frames prove the socket is alive; they do not count as activity
	// for the inactivity sweep.
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.settings.PongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("WebSocket error on %s: %v", c.peer.ID, err)
			}
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(c.settings.PongWait))

		if !c.limiter.Allow() {
			if !c.limited {
				c.limited = true
				log.Printf("⚠️  Connection %s exceeded its message rate, dropping", c.peer.ID)
				c.reply(protocol.Warning{Code: protocol.WarnRateLimited, Message: "too many messages, some were dropped"})
			}
			continue
		}
		c.limited = false

		msg, err := protocol.DecodeInbound(data)
		if err != nil {
			log.Printf("⚠️  Connection %s sent a bad message: %v", c.peer.ID, err)
			c.reply(protocol.Error{Code: protocol.ErrCodeBadMessage, Message: err.Error()})
			continue
		}

		c.manager.Handle(ctx, c.peer, msg)
	}
}

func (c *Connection) reply(msg protocol.Outbound) {
	c.manager.send(c, msg)
}

// WritePump is the only writer on the socket. It also pings the peer so dead
// TCP connections trip the read deadline.
func (c *Connection) WritePump() {
	ticker := time.NewTicker(c.settings.PongWait * 9 / 10)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			if err := c.write(websocket.TextMessage, msg); err != nil {
				c.Close()
				return
			}

		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}

		case <-c.done:
			// Flush what was queued before the close, e.g. a final warning.
			for {
				select {
				case msg := <-c.send:
					if err := c.write(websocket.TextMessage, msg); err != nil {
						return
					}
				default:
					c.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
					return
				}
			}
		}
	}
}

func (c *Connection) write(messageType int, data []byte) error {
	c.ws.SetWriteDeadline(time.Now().Add(c.settings.WriteWait))
	return c.ws.WriteMessage(messageType, data)
}

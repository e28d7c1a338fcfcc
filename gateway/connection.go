package gateway

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/xxuejie/go-delta-docs/auth"
	"github.com/xxuejie/go-delta-docs/protocol"
)

var (
	ErrConnectionClosed = errors.New("connection is closed")
	ErrSlowConsumer     = errors.New("connection outbound buffer is full")
)

// Connection is one client's websocket. It is attached to at most one room
// at a time and is a room.Member while attached.
type Connection struct {
	id     string
	claims *auth.Claims
	ws     *websocket.Conn
	codec  protocol.Codec

	send      chan protocol.Message
	closed    chan struct{}
	closeOnce sync.Once

	mux        sync.Mutex
	documentID string
	// While a join is in flight the room may already deliver changes that
	// must reach the client after the joined reply.
	holding bool
	held    []protocol.Message

	settings Settings
	log      zerolog.Logger
}

func newConnection(ws *websocket.Conn, claims *auth.Claims, settings Settings, log zerolog.Logger) *Connection {
	id := ulid.Make().String()
	codec := protocol.ForSubprotocol(ws.Subprotocol())
	return &Connection{
		id:       id,
		claims:   claims,
		ws:       ws,
		codec:    codec,
		send:     make(chan protocol.Message, settings.SendBuffer),
		closed:   make(chan struct{}),
		settings: settings,
		log: log.With().
			Str("conn", id).
			Str("user", claims.UserID()).
			Str("codec", codec.Subprotocol()).
			Logger(),
	}
}

func (c *Connection) ID() string {
	return c.id
}

func (c *Connection) Claims() *auth.Claims {
	return c.claims
}

// DocumentID is the document the connection is attached to, or "".
func (c *Connection) DocumentID() string {
	c.mux.Lock()
	defer c.mux.Unlock()
	return c.documentID
}

func (c *Connection) setDocumentID(documentID string) string {
	c.mux.Lock()
	defer c.mux.Unlock()
	previous := c.documentID
	c.documentID = documentID
	return previous
}

// Deliver queues m for the write pump without blocking.
func (c *Connection) Deliver(m protocol.Message) error {
	c.mux.Lock()
	defer c.mux.Unlock()
	if c.holding {
		c.held = append(c.held, m)
		return nil
	}
	return c.enqueueLocked(m)
}

func (c *Connection) enqueueLocked(m protocol.Message) error {
	select {
	case <-c.closed:
		return ErrConnectionClosed
	default:
	}
	select {
	case c.send <- m:
		return nil
	default:
		return ErrSlowConsumer
	}
}

func (c *Connection) hold() {
	c.mux.Lock()
	defer c.mux.Unlock()
	c.holding = true
}

// release queues first, if set, and then everything held back since hold.
func (c *Connection) release(first *protocol.Message) {
	c.mux.Lock()
	defer c.mux.Unlock()
	if first != nil {
		if err := c.enqueueLocked(*first); err != nil {
			c.log.Debug().Err(err).Str("event", first.Event).Msg("dropped")
		}
	}
	for _, m := range c.held {
		if err := c.enqueueLocked(m); err != nil {
			c.log.Debug().Err(err).Str("event", m.Event).Uint64("seq", m.Seq).Msg("dropped")
		}
	}
	c.held = nil
	c.holding = false
}

// Close asks the write pump to say goodbye and drop the socket, which in
// turn ends the read pump.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
	})
}

func (c *Connection) write(m *protocol.Message) error {
	data, err := c.codec.Marshal(m)
	if err != nil {
		return err
	}
	c.ws.SetWriteDeadline(time.Now().Add(c.settings.WriteTimeout))
	return c.ws.WriteMessage(c.codec.MessageType(), data)
}

func (c *Connection) writePump() {
	ticker := time.NewTicker(c.settings.PingInterval)
	defer func() {
		ticker.Stop()
		c.Close()
		c.ws.Close()
	}()

	for {
		select {
		case <-c.closed:
			c.ws.SetWriteDeadline(time.Now().Add(c.settings.WriteTimeout))
			c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case m := <-c.send:
			if err := c.write(&m); err != nil {
				c.log.Debug().Err(err).Msg("write failed")
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(c.settings.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.log.Debug().Err(err).Msg("ping failed")
				return
			}
		}
	}
}

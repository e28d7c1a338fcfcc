package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/xxuejie/go-delta-docs/auth"
	"github.com/xxuejie/go-delta-docs/docstore"
	"github.com/xxuejie/go-delta-docs/document"
	"github.com/xxuejie/go-delta-docs/errs"
	"github.com/xxuejie/go-delta-docs/protocol"
	"github.com/xxuejie/go-delta-docs/relay"
	"github.com/xxuejie/go-delta-docs/room"
	"github.com/xxuejie/go-delta-docs/web"
)

// Fetcher loads a document on behalf of a user, enforcing access.
type Fetcher interface {
	Get(ctx context.Context, who docstore.Identity, id string) (*docstore.Document, error)
}

type Settings struct {
	WriteTimeout   time.Duration
	PongWait       time.Duration
	PingInterval   time.Duration
	MaxMessageSize int64
	SendBuffer     int
	// OpTimeout bounds each room operation made on behalf of a message.
	OpTimeout time.Duration
}

func DefaultSettings() Settings {
	return Settings{
		WriteTimeout:   10 * time.Second,
		PongWait:       60 * time.Second,
		PingInterval:   54 * time.Second,
		MaxMessageSize: 1 << 20,
		SendBuffer:     256,
		OpTimeout:      10 * time.Second,
	}
}

// Joined is what Attach hands back to the client.
type Joined struct {
	Title   string
	Content string
	Seq     uint64
	Epoch   string
}

type Gateway struct {
	registry *room.Registry
	fetcher  Fetcher
	tokens   *auth.Tokens
	relay    *relay.Relay
	upgrader websocket.Upgrader
	settings Settings

	mux   sync.Mutex
	conns map[string]*Connection

	log zerolog.Logger
}

func New(registry *room.Registry, fetcher Fetcher, tokens *auth.Tokens, settings Settings, log zerolog.Logger) *Gateway {
	log = log.With().Str("component", "gateway").Logger()
	return &Gateway{
		registry: registry,
		fetcher:  fetcher,
		tokens:   tokens,
		relay:    relay.New(log),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			Subprotocols:    protocol.Subprotocols(),
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		settings: settings,
		conns:    make(map[string]*Connection),
		log:      log,
	}
}

func identityOf(claims *auth.Claims) docstore.Identity {
	return docstore.Identity{UserID: claims.UserID(), Email: claims.Email}
}

// Attach puts c into the room of documentID, leaving any room it was in
// first.
func (g *Gateway) Attach(ctx context.Context, c *Connection, documentID string) (Joined, error) {
	if c.claims == nil {
		return Joined{}, errs.ErrAuth
	}
	if documentID == "" {
		return Joined{}, fmt.Errorf("%w: missing document id", errs.ErrValidation)
	}
	doc, err := g.fetcher.Get(ctx, identityOf(c.claims), documentID)
	if err != nil {
		return Joined{}, err
	}
	if err := g.Detach(ctx, c); err != nil {
		return Joined{}, err
	}

	snapshot, err := g.registry.Join(ctx, documentID, c, doc.Content)
	if err != nil {
		return Joined{}, err
	}
	c.setDocumentID(documentID)
	c.log.Debug().Str("document", documentID).Uint64("seq", snapshot.Seq).Msg("attached")
	return Joined{Title: doc.Title, Content: string(snapshot.Content), Seq: snapshot.Seq, Epoch: snapshot.Epoch}, nil
}

// Detach takes c out of its room. Detaching twice is fine.
func (g *Gateway) Detach(ctx context.Context, c *Connection) error {
	previous := c.setDocumentID("")
	if previous == "" {
		return nil
	}
	if err := g.registry.Leave(ctx, previous, c.id); err != nil {
		return err
	}
	c.log.Debug().Str("document", previous).Msg("detached")
	return nil
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	claims, err := g.tokens.Verify(auth.TokenFromRequest(r))
	if err != nil {
		web.RespondErr(w, &errs.Error{Message: "Not authorized, token failed", Err: err})
		return
	}
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Warn().Err(err).Msg("failed to upgrade")
		return
	}

	c := newConnection(ws, claims, g.settings, g.log)
	g.mux.Lock()
	g.conns[c.id] = c
	g.mux.Unlock()
	c.log.Info().Msg("connected")

	go c.writePump()
	g.readPump(c)

	ctx, cancel := context.WithTimeout(context.Background(), g.settings.OpTimeout)
	defer cancel()
	if err := g.Detach(ctx, c); err != nil {
		c.log.Warn().Err(err).Msg("detach on disconnect")
	}
	c.Close()
	g.mux.Lock()
	delete(g.conns, c.id)
	g.mux.Unlock()
	c.log.Info().Msg("disconnected")
}

// Close drops every open connection.
func (g *Gateway) Close() {
	g.mux.Lock()
	defer g.mux.Unlock()
	for _, c := range g.conns {
		c.Close()
	}
}

func (g *Gateway) readPump(c *Connection) {
	c.ws.SetReadLimit(g.settings.MaxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(g.settings.PongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(g.settings.PongWait))
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debug().Err(err).Msg("read failed")
			}
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(g.settings.PongWait))

		var m protocol.Message
		if err := c.codec.Unmarshal(data, &m); err != nil {
			c.Deliver(protocol.Error("", protocol.CodeInvalid, "malformed message"))
			continue
		}
		g.handle(c, &m)
	}
}

// handle runs one client message. Messages of a connection are handled in
// read order, so its edits reach the room in the order they were sent.
func (g *Gateway) handle(c *Connection, m *protocol.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), g.settings.OpTimeout)
	defer cancel()

	switch m.Event {
	case protocol.EventJoinDocument:
		c.hold()
		joined, err := g.Attach(ctx, c, m.DocumentID)
		if err != nil {
			c.log.Debug().Err(err).Str("document", m.DocumentID).Msg("join refused")
			reply := errorMessage(m.DocumentID, err)
			c.release(&reply)
			return
		}
		reply := protocol.Joined(m.DocumentID, joined.Title, joined.Content, joined.Epoch, joined.Seq)
		c.release(&reply)

	case protocol.EventSendChanges:
		// Every send-changes gets either an ack or an error answering it.
		if m.DocumentID == "" || m.DocumentID != c.DocumentID() {
			c.Deliver(protocol.Error(m.DocumentID, protocol.CodeNotJoined, "join the document before sending changes").Answering(m.Event))
			return
		}
		endpoint := relay.Endpoint{Broadcaster: g.registry, OriginID: c.id}
		edit := relay.Edit{DocumentID: m.DocumentID, Delta: m.Delta, Source: relay.SourceUser}
		seq, _, err := g.relay.OnLocalEdit(ctx, endpoint, edit)
		if err == nil && seq == 0 {
			err = fmt.Errorf("%w: room of %s is gone", errs.ErrTransientIO, m.DocumentID)
		}
		if err != nil {
			c.Deliver(errorMessage(m.DocumentID, err).Answering(m.Event))
		}

	case protocol.EventResync:
		if m.DocumentID == "" || m.DocumentID != c.DocumentID() {
			c.Deliver(protocol.Error(m.DocumentID, protocol.CodeNotJoined, "join the document before resyncing"))
			return
		}
		changes, err := g.registry.Since(ctx, m.DocumentID, m.Since)
		if err != nil {
			c.Deliver(errorMessage(m.DocumentID, err))
			return
		}
		c.Deliver(protocol.Changes(m.DocumentID, changes))

	case protocol.EventLeaveDocument:
		if m.DocumentID != "" && m.DocumentID != c.DocumentID() {
			return
		}
		if err := g.Detach(ctx, c); err != nil {
			c.log.Warn().Err(err).Msg("leave")
		}

	default:
		c.Deliver(protocol.Error(m.DocumentID, protocol.CodeInvalid, fmt.Sprintf("unknown event %q", m.Event)))
	}
}

func errorMessage(documentID string, err error) protocol.Message {
	code := protocol.CodeUnavailable
	switch {
	case errors.Is(err, document.ErrTooOld):
		code = protocol.CodeTooOld
	case errors.Is(err, errs.ErrAuth):
		code = protocol.CodeAuth
	case errors.Is(err, errs.ErrForbidden):
		code = protocol.CodeForbidden
	case errors.Is(err, errs.ErrNotFound):
		code = protocol.CodeNotFound
	case errors.Is(err, errs.ErrValidation):
		code = protocol.CodeInvalid
	}
	return protocol.Error(documentID, code, errs.UserMessage(err, err.Error()))
}

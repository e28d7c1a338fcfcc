package room

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/xxuejie/go-delta-docs/document"
	"github.com/xxuejie/go-delta-docs/errs"
	"github.com/xxuejie/go-delta-docs/protocol"
)

const busTimeout = 5 * time.Second

type openRoom struct {
	room *Room
	// ready is closed once the room listens on the bus. Members join only
	// after that, so their snapshot misses nothing published elsewhere.
	ready chan struct{}

	mux         sync.Mutex
	closed      bool
	unsubscribe func()
}

func (o *openRoom) setUnsubscribe(unsubscribe func()) {
	o.mux.Lock()
	closed := o.closed
	if !closed {
		o.unsubscribe = unsubscribe
	}
	o.mux.Unlock()
	if closed && unsubscribe != nil {
		unsubscribe()
	}
}

// close stops the room and drops its subscription. It must not be called
// with the registry lock held, unsubscribing talks to the bus.
func (o *openRoom) close() {
	o.mux.Lock()
	o.closed = true
	unsubscribe := o.unsubscribe
	o.unsubscribe = nil
	o.mux.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
	o.room.Stop()
}

// Registry maps document ids to live rooms. A room exists exactly while it
// has members: the first Join creates it, the Leave that empties it tears it
// down.
type Registry struct {
	rooms map[string]*openRoom
	mux   sync.Mutex

	bus      Bus
	node     string
	logLimit int
	log      zerolog.Logger
}

type Option func(*Registry)

// WithBus relays every locally originated change to other nodes and applies
// theirs here.
func WithBus(bus Bus) Option {
	return func(g *Registry) {
		g.bus = bus
	}
}

func WithNodeID(node string) Option {
	return func(g *Registry) {
		g.node = node
	}
}

func WithLogLimit(limit int) Option {
	return func(g *Registry) {
		g.logLimit = limit
	}
}

func NewRegistry(log zerolog.Logger, opts ...Option) *Registry {
	g := &Registry{
		rooms:    make(map[string]*openRoom),
		node:     ulid.Make().String(),
		logLimit: document.DefaultLogLimit,
		log:      log.With().Str("component", "rooms").Logger(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Join attaches m to the room for documentID. initialContent seeds the
// working copy when this join creates the room and is ignored otherwise.
func (g *Registry) Join(ctx context.Context, documentID string, m Member, initialContent string) (Snapshot, error) {
	for {
		open, created := g.open(documentID, initialContent)
		if created {
			if g.bus != nil {
				open.setUnsubscribe(g.subscribe(open.room))
			}
			close(open.ready)
		}
		select {
		case <-open.ready:
		case <-ctx.Done():
			return Snapshot{}, ctx.Err()
		}

		snapshot, err := open.room.Join(ctx, m)
		if errors.Is(err, ErrClosed) {
			// Emptied and torn down between lookup and join.
			g.forget(documentID, open)
			continue
		}
		if err != nil && created {
			g.closeIfEmpty(documentID, open, m.ID())
		}
		return snapshot, err
	}
}

// open returns the live room for documentID, creating it if needed. A new
// room is started but not yet ready.
func (g *Registry) open(documentID, initialContent string) (*openRoom, bool) {
	g.mux.Lock()
	defer g.mux.Unlock()
	if open, ok := g.rooms[documentID]; ok {
		return open, false
	}
	wc := document.NewWorkingCopy(*document.FromContent(initialContent), g.logLimit)
	open := &openRoom{room: NewRoom(documentID, wc, g.log), ready: make(chan struct{})}
	if g.bus != nil {
		open.room.publish = g.publisher(documentID)
	}
	go open.room.Start()
	g.rooms[documentID] = open
	g.log.Debug().Str("document", documentID).Str("epoch", open.room.Epoch()).Msg("room opened")
	return open, true
}

func (g *Registry) forget(documentID string, open *openRoom) {
	g.mux.Lock()
	if g.rooms[documentID] == open {
		delete(g.rooms, documentID)
	}
	g.mux.Unlock()
}

// closeIfEmpty tears down a room this join created when nobody else got in
// meanwhile.
func (g *Registry) closeIfEmpty(documentID string, open *openRoom, memberID string) {
	ctx, cancel := context.WithTimeout(context.Background(), busTimeout)
	defer cancel()
	g.mux.Lock()
	remaining, err := open.room.Leave(ctx, memberID)
	empty := err != nil || remaining == 0
	if empty && g.rooms[documentID] == open {
		delete(g.rooms, documentID)
	}
	g.mux.Unlock()
	if empty {
		open.close()
	}
}

// Leave detaches memberID. Leaving a room one is not in is a no-op.
func (g *Registry) Leave(ctx context.Context, documentID, memberID string) error {
	g.mux.Lock()
	open, ok := g.rooms[documentID]
	if !ok {
		g.mux.Unlock()
		return nil
	}
	remaining, err := open.room.Leave(ctx, memberID)
	if err != nil {
		if errors.Is(err, ErrClosed) {
			delete(g.rooms, documentID)
			g.mux.Unlock()
			return nil
		}
		g.mux.Unlock()
		return err
	}
	if remaining > 0 {
		g.mux.Unlock()
		return nil
	}
	delete(g.rooms, documentID)
	g.mux.Unlock()

	open.close()
	g.log.Debug().Str("document", documentID).Msg("room closed")
	return nil
}

func (g *Registry) lookup(documentID string) *Room {
	g.mux.Lock()
	defer g.mux.Unlock()
	if open, ok := g.rooms[documentID]; ok {
		return open.room
	}
	return nil
}

// Broadcast delivers delta to every member of the room except originID and
// returns the sequence number it was assigned. A document without a room
// has nobody to deliver to, which is not an error.
func (g *Registry) Broadcast(ctx context.Context, documentID, originID string, delta json.RawMessage) (uint64, error) {
	room := g.lookup(documentID)
	if room == nil {
		return 0, nil
	}
	seq, err := room.Submit(ctx, originID, delta)
	if errors.Is(err, ErrClosed) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return seq, nil
}

// publisher runs inside the room's command loop, which keeps the bus in
// seq order.
func (g *Registry) publisher(documentID string) func(string, protocol.Change) {
	return func(originID string, change protocol.Change) {
		ctx, cancel := context.WithTimeout(context.Background(), busTimeout)
		defer cancel()
		env := Envelope{Node: g.node, Origin: originID, Delta: change.Delta, Seq: change.Seq}
		if err := g.bus.Publish(ctx, documentID, env); err != nil {
			g.log.Warn().Err(err).Str("document", documentID).Uint64("seq", change.Seq).Msg("failed to publish change")
		}
	}
}

// Since returns the changes after seq for a client that noticed a gap.
func (g *Registry) Since(ctx context.Context, documentID string, seq uint64) ([]protocol.Change, error) {
	room := g.lookup(documentID)
	if room == nil {
		return nil, fmt.Errorf("room %s: %w", documentID, errs.ErrNotFound)
	}
	return room.Since(ctx, seq)
}

// Len is the number of open rooms.
func (g *Registry) Len() int {
	g.mux.Lock()
	defer g.mux.Unlock()
	return len(g.rooms)
}

// Stop closes every room.
func (g *Registry) Stop() {
	g.mux.Lock()
	rooms := g.rooms
	g.rooms = make(map[string]*openRoom)
	g.mux.Unlock()
	for _, open := range rooms {
		open.close()
	}
}

func (g *Registry) subscribe(room *Room) func() {
	unsubscribe, err := g.bus.Subscribe(room.ID(), func(env Envelope) {
		if env.Node == g.node {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), busTimeout)
		defer cancel()
		if _, err := room.applyRelayed(ctx, env.Delta); err != nil && !errors.Is(err, ErrClosed) {
			g.log.Warn().Err(err).Str("document", room.ID()).Str("node", env.Node).Msg("failed to apply remote change")
		}
	})
	if err != nil {
		g.log.Warn().Err(err).Str("document", room.ID()).Msg("room is not relayed across nodes")
		return nil
	}
	return unsubscribe
}

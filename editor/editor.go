package editor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/rs/zerolog"

	"github.com/xxuejie/go-delta-docs/docstore"
	"github.com/xxuejie/go-delta-docs/errs"
	"github.com/xxuejie/go-delta-docs/persist"
	"github.com/xxuejie/go-delta-docs/protocol"
	"github.com/xxuejie/go-delta-docs/relay"
	"github.com/xxuejie/go-delta-docs/share"
)

const joinTimeout = 10 * time.Second

type Options struct {
	// Subprotocol picks the wire codec, protocol.SubprotocolJSON by default.
	Subprotocol  string
	ContentDelay time.Duration
	TitleDelay   time.Duration
	// OnAlert shows a transient notification to the user.
	OnAlert func(message string)
	// Backoff paces reconnect attempts.
	Backoff func() backoff.BackOff
}

func defaultBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 2 * time.Minute
	return b
}

type pendingChange struct {
	delta json.RawMessage
	own   bool
}

// Editor is one open document: a surface kept in sync with the room over
// its own websocket, with debounced write-back of content and title.
type Editor struct {
	id      string
	client  *Client
	surface *Surface
	relay   *relay.Relay
	persist *persist.Coordinator
	sharer  *share.Authorizer
	opts    Options

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	smux sync.Mutex
	sock *socket

	mux   sync.Mutex
	title string
	// seq counts within epoch, the incarnation of the room it came from.
	seq     uint64
	epoch   string
	pending map[uint64]pendingChange
	// unacked counts changes sent but not yet acknowledged.
	unacked   int
	resyncing bool
	// fallback is the snapshot from a rejoin, used if the room cannot
	// replay what was missed.
	fallback *protocol.Message

	log zerolog.Logger
}

// Open joins documentID and returns once the snapshot is loaded.
func (c *Client) Open(ctx context.Context, documentID string, opts Options) (*Editor, error) {
	if opts.Subprotocol == "" {
		opts.Subprotocol = protocol.SubprotocolJSON
	}
	if opts.Backoff == nil {
		opts.Backoff = defaultBackoff
	}
	if opts.OnAlert == nil {
		opts.OnAlert = func(string) {}
	}

	log := c.log.With().Str("document", documentID).Logger()
	runCtx, cancel := context.WithCancel(context.Background())
	e := &Editor{
		id:      documentID,
		client:  c,
		surface: NewSurface(documentID),
		relay:   relay.New(log),
		sharer:  share.NewAuthorizer(c, log),
		opts:    opts,
		ctx:     runCtx,
		cancel:  cancel,
		done:    make(chan struct{}),
		pending: make(map[uint64]pendingChange),
		log:     log,
	}
	e.persist = persist.NewCoordinator(persist.WriterFunc(e.writeField), log,
		persist.WithDelays(opts.ContentDelay, opts.TitleDelay),
		persist.WithAlert(func(a persist.Alert) {
			e.opts.OnAlert(a.Message)
		}),
	)

	sock, joined, err := e.connect(ctx)
	if err != nil {
		cancel()
		e.persist.Close()
		return nil, err
	}
	e.mux.Lock()
	e.title = joined.Title
	e.mux.Unlock()
	e.loadSnapshot(joined)

	e.surface.OnChange(e.onSurfaceChange)
	go e.run(sock)
	return e, nil
}

func (e *Editor) ID() string {
	return e.id
}

func (e *Editor) Surface() *Surface {
	return e.surface
}

func (e *Editor) Text() string {
	return e.surface.Text()
}

func (e *Editor) Title() string {
	e.mux.Lock()
	defer e.mux.Unlock()
	return e.title
}

// Seq is the last room sequence number this editor has caught up with.
func (e *Editor) Seq() uint64 {
	e.mux.Lock()
	defer e.mux.Unlock()
	return e.seq
}

// Edit applies a change the user made.
func (e *Editor) Edit(delta json.RawMessage) error {
	return e.surface.ApplyDelta(delta, relay.SourceUser)
}

func (e *Editor) SetTitle(title string) error {
	e.mux.Lock()
	e.title = title
	e.mux.Unlock()
	return e.persist.OnFieldChanged(e.id, persist.FieldTitle, title)
}

// Save writes the content, and a title change still waiting for its timer,
// now instead of after the debounce.
func (e *Editor) Save(ctx context.Context) error {
	content, err := e.surface.Contents()
	if err != nil {
		return err
	}
	value := string(content)
	if err := e.persist.Flush(ctx, e.id, persist.FieldContent, &value); err != nil {
		return err
	}
	return e.persist.Flush(ctx, e.id, persist.FieldTitle, nil)
}

func (e *Editor) Share(ctx context.Context, email string) (share.Result, error) {
	return e.sharer.Share(ctx, e.id, email)
}

// Close drops pending saves and leaves the room. A save already running is
// allowed to finish.
func (e *Editor) Close() error {
	e.persist.Close()
	if sock := e.socket(); sock != nil {
		if err := sock.send(protocol.LeaveDocument(e.id)); err != nil {
			e.log.Debug().Err(err).Msg("leave")
		}
	}
	e.cancel()
	if sock := e.setSocket(nil); sock != nil {
		sock.close()
	}
	<-e.done
	e.persist.Wait()
	return nil
}

// Broadcast sends a local change to the room. The seq arrives later, with
// the ack.
func (e *Editor) Broadcast(ctx context.Context, documentID, originID string, delta json.RawMessage) (uint64, error) {
	sock := e.socket()
	if sock == nil {
		return 0, ErrDisconnected
	}
	e.mux.Lock()
	e.unacked++
	e.mux.Unlock()
	if err := sock.send(protocol.SendChanges(documentID, delta)); err != nil {
		e.mux.Lock()
		e.unacked--
		e.mux.Unlock()
		return 0, err
	}
	return 0, nil
}

func (e *Editor) socket() *socket {
	e.smux.Lock()
	defer e.smux.Unlock()
	return e.sock
}

func (e *Editor) setSocket(sock *socket) *socket {
	e.smux.Lock()
	defer e.smux.Unlock()
	previous := e.sock
	e.sock = sock
	return previous
}

func (e *Editor) send(m protocol.Message) {
	sock := e.socket()
	if sock == nil {
		return
	}
	if err := sock.send(m); err != nil {
		e.log.Debug().Err(err).Str("event", m.Event).Msg("send failed")
	}
}

func (e *Editor) onSurfaceChange(edit relay.Edit) {
	if edit.Source == relay.SourceSilent {
		return
	}
	if content, err := e.surface.Contents(); err == nil {
		if err := e.persist.OnFieldChanged(e.id, persist.FieldContent, string(content)); err != nil && !errors.Is(err, persist.ErrClosed) {
			e.log.Warn().Err(err).Msg("schedule save")
		}
	}
	ctx, cancel := context.WithTimeout(e.ctx, socketWriteTimeout)
	defer cancel()
	if _, _, err := e.relay.OnLocalEdit(ctx, relay.Endpoint{Broadcaster: e}, edit); err != nil {
		e.log.Warn().Err(err).Msg("change not sent")
	}
}

func (e *Editor) writeField(ctx context.Context, documentID string, field persist.Field, value string) error {
	var p docstore.Patch
	switch field {
	case persist.FieldContent:
		p.Content = &value
	case persist.FieldTitle:
		p.Title = &value
	}
	return e.client.Update(ctx, documentID, p)
}

// connect dials the server and joins the document, returning once the
// joined reply is in.
func (e *Editor) connect(ctx context.Context) (*socket, protocol.Message, error) {
	session, err := e.client.Session()
	if err != nil {
		return nil, protocol.Message{}, err
	}
	url, err := e.client.socketURL(session.Token)
	if err != nil {
		return nil, protocol.Message{}, err
	}
	sock, err := dialSocket(ctx, url, e.opts.Subprotocol)
	if err != nil {
		return nil, protocol.Message{}, e.client.checkAuth(err)
	}
	if err := sock.send(protocol.JoinDocument(e.id)); err != nil {
		sock.close()
		return nil, protocol.Message{}, err
	}

	sock.ws.SetReadDeadline(time.Now().Add(joinTimeout))
	for {
		m, err := sock.read()
		if errors.Is(err, errMalformed) {
			continue
		}
		if err != nil {
			sock.close()
			return nil, protocol.Message{}, fmt.Errorf("%w: waiting for join: %v", errs.ErrTransientIO, err)
		}
		switch m.Event {
		case protocol.EventJoined:
			sock.ws.SetReadDeadline(time.Time{})
			e.setSocket(sock)
			return sock, m, nil
		case protocol.EventError:
			sock.close()
			return nil, protocol.Message{}, e.client.checkAuth(errorFromCode(m))
		}
	}
}

func errorFromCode(m protocol.Message) error {
	var class error
	switch m.Code {
	case protocol.CodeAuth:
		class = errs.ErrAuth
	case protocol.CodeForbidden:
		class = errs.ErrForbidden
	case protocol.CodeNotFound:
		class = errs.ErrNotFound
	case protocol.CodeInvalid, protocol.CodeNotJoined:
		class = errs.ErrValidation
	default:
		class = errs.ErrTransientIO
	}
	return &errs.Error{Message: m.Message, Err: class}
}

func (e *Editor) run(sock *socket) {
	defer close(e.done)
	for {
		e.receive(sock)
		if e.ctx.Err() != nil {
			return
		}
		e.setSocket(nil)
		sock.close()
		e.log.Warn().Msg("connection lost, reconnecting")

		next, err := e.reconnect()
		if err != nil {
			if e.ctx.Err() == nil {
				e.log.Error().Err(err).Msg("giving up reconnecting")
				e.opts.OnAlert(errs.UserMessage(err, "Connection lost"))
			}
			return
		}
		sock = next
	}
}

func (e *Editor) receive(sock *socket) {
	for {
		m, err := sock.read()
		if errors.Is(err, errMalformed) {
			e.log.Debug().Err(err).Msg("skipping message")
			continue
		}
		if err != nil {
			return
		}
		e.handle(m)
	}
}

func (e *Editor) reconnect() (*socket, error) {
	var sock *socket
	operation := func() error {
		next, joined, err := e.connect(e.ctx)
		if err != nil {
			if errors.Is(err, errs.ErrAuth) || errors.Is(err, errs.ErrForbidden) || errors.Is(err, errs.ErrNotFound) {
				return backoff.Permanent(err)
			}
			return err
		}
		sock = next
		e.rejoined(joined)
		return nil
	}
	notify := func(err error, wait time.Duration) {
		e.log.Debug().Err(err).Dur("wait", wait).Msg("reconnect failed")
	}
	if err := backoff.RetryNotify(operation, backoff.WithContext(e.opts.Backoff(), e.ctx), notify); err != nil {
		return nil, err
	}
	return sock, nil
}

func (e *Editor) handle(m protocol.Message) {
	if m.DocumentID != "" && m.DocumentID != e.id {
		return
	}
	switch m.Event {
	case protocol.EventReceiveChanges:
		e.sequenced(m.Seq, pendingChange{delta: m.Delta})
	case protocol.EventAck:
		e.mux.Lock()
		if e.unacked > 0 {
			e.unacked--
		}
		stale := m.Epoch != "" && m.Epoch != e.epoch
		e.mux.Unlock()
		if stale {
			return
		}
		e.sequenced(m.Seq, pendingChange{own: true})
	case protocol.EventChanges:
		e.replay(m.Changes)
	case protocol.EventJoined:
		e.loadSnapshot(m)
	case protocol.EventError:
		if m.Request == protocol.EventSendChanges {
			// The change was refused, no ack will follow.
			e.mux.Lock()
			if e.unacked > 0 {
				e.unacked--
			}
			e.mux.Unlock()
		}
		if m.Code == protocol.CodeTooOld {
			e.tooOld()
			return
		}
		e.log.Warn().Str("code", m.Code).Str("message", m.Message).Msg("server error")
		if m.Code == protocol.CodeInvalid || m.Code == protocol.CodeUnavailable {
			e.opts.OnAlert(m.Message)
		}
	}
}

// sequenced takes one numbered change. Changes are applied strictly in seq
// order; anything after a gap waits until a resync fills it.
func (e *Editor) sequenced(seq uint64, change pendingChange) {
	e.mux.Lock()
	defer e.mux.Unlock()
	if seq <= e.seq {
		return
	}
	if seq > e.seq+1 {
		e.pending[seq] = change
		e.requestResyncLocked()
		return
	}
	e.applyLocked(seq, change)
	e.drainLocked()
}

func (e *Editor) applyLocked(seq uint64, change pendingChange) {
	if !change.own && len(change.delta) > 0 {
		if err := e.relay.OnRemoteEdit(e.surface, change.delta); err != nil {
			e.log.Warn().Err(err).Uint64("seq", seq).Msg("skipping change")
		}
	}
	e.seq = seq
}

func (e *Editor) drainLocked() {
	for {
		change, ok := e.pending[e.seq+1]
		if !ok {
			break
		}
		delete(e.pending, e.seq+1)
		e.applyLocked(e.seq+1, change)
	}
	for seq := range e.pending {
		if seq <= e.seq {
			delete(e.pending, seq)
		}
	}
}

func (e *Editor) requestResyncLocked() {
	if e.resyncing {
		return
	}
	e.resyncing = true
	e.log.Debug().Uint64("since", e.seq).Msg("gap detected, resyncing")
	go e.send(protocol.Resync(e.id, e.seq))
}

// replay applies the changes of a resync reply. Own changes were already
// acknowledged by the time the reply arrives, so they are known to be in
// pending.
func (e *Editor) replay(changes []protocol.Change) {
	e.mux.Lock()
	defer e.mux.Unlock()
	for _, c := range changes {
		if c.Seq <= e.seq {
			continue
		}
		if c.Seq > e.seq+1 {
			break
		}
		change := pendingChange{delta: c.Delta}
		if p, ok := e.pending[c.Seq]; ok && p.own {
			change.own = true
		}
		delete(e.pending, c.Seq)
		e.applyLocked(c.Seq, change)
	}
	e.resyncing = false
	e.fallback = nil
	e.drainLocked()
	if len(e.pending) > 0 {
		e.requestResyncLocked()
	}
}

func (e *Editor) tooOld() {
	e.mux.Lock()
	fallback := e.fallback
	e.fallback = nil
	e.mux.Unlock()
	if fallback != nil {
		e.loadSnapshot(*fallback)
		return
	}
	// Nothing to fall back on: ask for a fresh snapshot.
	e.log.Info().Msg("missed too much, reloading document")
	go e.send(protocol.JoinDocument(e.id))
}

// loadSnapshot replaces the surface with a joined reply's content.
func (e *Editor) loadSnapshot(m protocol.Message) {
	e.mux.Lock()
	defer e.mux.Unlock()
	e.surface.SetContents(m.Content, relay.SourceSilent)
	if m.Epoch != e.epoch {
		e.pending = make(map[uint64]pendingChange)
	}
	e.epoch = m.Epoch
	e.seq = m.Seq
	e.resyncing = false
	e.fallback = nil
	e.drainLocked()
}

// rejoined decides how to catch up after a reconnect. If it is the same
// room, it still has our history and every change we sent was acknowledged,
// replaying the gap keeps local state; otherwise the snapshot wins.
func (e *Editor) rejoined(m protocol.Message) {
	e.mux.Lock()
	catchUp := m.Epoch == e.epoch && m.Seq >= e.seq && e.unacked == 0
	e.unacked = 0
	if catchUp && m.Seq == e.seq {
		e.mux.Unlock()
		return
	}
	if catchUp {
		e.fallback = &m
		e.resyncing = true
		e.mux.Unlock()
		e.send(protocol.Resync(e.id, e.seq))
		return
	}
	e.mux.Unlock()
	e.loadSnapshot(m)
}

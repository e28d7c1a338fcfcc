package room

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/xxuejie/go-delta-docs/document"
	"github.com/xxuejie/go-delta-docs/errs"
	"github.com/xxuejie/go-delta-docs/protocol"
)

var (
	ErrClosed          = errors.New("room is closed")
	ErrDuplicateMember = errors.New("member already in room")
)

// Member is one attached connection as the room sees it. Deliver must not
// block; a member that cannot take a message returns an error and the
// message is dropped for that member only.
type Member interface {
	ID() string
	Deliver(m protocol.Message) error
}

// Snapshot is what a member sees when it joins. Seq only means something
// together with Epoch: a room created again for the same document starts
// counting from zero under a new epoch.
type Snapshot struct {
	Content json.RawMessage
	Seq     uint64
	Epoch   string
}

type roomJoin struct {
	member Member
	reply  chan joinReply
}

type joinReply struct {
	snapshot Snapshot
	err      error
}

type roomLeave struct {
	memberID string
	reply    chan int
}

type roomSubmit struct {
	originID string
	delta    json.RawMessage
	// relayed marks a change that came in over the bus and must not be
	// published again.
	relayed bool
	reply   chan submitReply
}

type submitReply struct {
	seq uint64
	err error
}

type roomSince struct {
	seq   uint64
	reply chan sinceReply
}

type sinceReply struct {
	changes []protocol.Change
	err     error
}

type roomCommand struct {
	join   *roomJoin
	leave  *roomLeave
	submit *roomSubmit
	since  *roomSince
}

// Room owns the member set and working copy of one document. All access goes
// through its command loop, so join, leave and broadcast are linearizable.
type Room struct {
	id      string
	epoch   string
	wc      *document.WorkingCopy
	members map[string]Member
	// publish, when set, runs inside the command loop for every change
	// applied here first, so it sees changes in seq order.
	publish func(originID string, change protocol.Change)
	// Once a leave empties the room it refuses joins; the registry is about
	// to stop it.
	emptied bool

	commands     chan roomCommand
	stoppingChan chan bool
	done         chan struct{}
	stopOnce     sync.Once

	running int32
	log     zerolog.Logger
}

func NewRoom(id string, wc *document.WorkingCopy, log zerolog.Logger) *Room {
	return &Room{
		id:           id,
		epoch:        ulid.Make().String(),
		wc:           wc,
		members:      make(map[string]Member),
		commands:     make(chan roomCommand),
		stoppingChan: make(chan bool),
		done:         make(chan struct{}),
		running:      0,
		log:          log.With().Str("document", id).Logger(),
	}
}

func (r *Room) ID() string {
	return r.id
}

// Epoch identifies this incarnation of the room.
func (r *Room) Epoch() string {
	return r.epoch
}

func (r *Room) Running() bool {
	return atomic.LoadInt32(&r.running) != 0
}

// Join adds m and returns the document as of the join. Every change after
// the returned Seq reaches m until it leaves.
func (r *Room) Join(ctx context.Context, m Member) (Snapshot, error) {
	reply := make(chan joinReply, 1)
	if err := r.send(ctx, roomCommand{join: &roomJoin{member: m, reply: reply}}); err != nil {
		return Snapshot{}, err
	}
	select {
	case res := <-reply:
		return res.snapshot, res.err
	case <-r.done:
		return Snapshot{}, ErrClosed
	}
}

// Leave removes the member and reports how many remain. At zero the room
// stops taking joins for good.
func (r *Room) Leave(ctx context.Context, memberID string) (int, error) {
	reply := make(chan int, 1)
	if err := r.send(ctx, roomCommand{leave: &roomLeave{memberID: memberID, reply: reply}}); err != nil {
		return 0, err
	}
	select {
	case remaining := <-reply:
		return remaining, nil
	case <-r.done:
		return 0, ErrClosed
	}
}

// Submit applies delta and fans it out. The origin, if it is a member, gets
// an ack instead of the change. An empty originID delivers to everyone.
func (r *Room) Submit(ctx context.Context, originID string, delta json.RawMessage) (uint64, error) {
	return r.submit(ctx, &roomSubmit{originID: originID, delta: delta})
}

// applyRelayed applies a change another node already published.
func (r *Room) applyRelayed(ctx context.Context, delta json.RawMessage) (uint64, error) {
	return r.submit(ctx, &roomSubmit{delta: delta, relayed: true})
}

func (r *Room) submit(ctx context.Context, submit *roomSubmit) (uint64, error) {
	reply := make(chan submitReply, 1)
	submit.reply = reply
	if err := r.send(ctx, roomCommand{submit: submit}); err != nil {
		return 0, err
	}
	select {
	case res := <-reply:
		return res.seq, res.err
	case <-r.done:
		return 0, ErrClosed
	}
}

func (r *Room) Since(ctx context.Context, seq uint64) ([]protocol.Change, error) {
	reply := make(chan sinceReply, 1)
	if err := r.send(ctx, roomCommand{since: &roomSince{seq: seq, reply: reply}}); err != nil {
		return nil, err
	}
	select {
	case res := <-reply:
		return res.changes, res.err
	case <-r.done:
		return nil, ErrClosed
	}
}

func (r *Room) send(ctx context.Context, command roomCommand) error {
	select {
	case r.commands <- command:
		return nil
	case <-r.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Room) Stop() {
	r.stopOnce.Do(func() {
		r.stoppingChan <- true
		<-r.stoppingChan
	})
}

func (r *Room) Start() {
	if !atomic.CompareAndSwapInt32(&r.running, 0, 1) {
		return
	}
	stopping := false
	for !stopping {
		select {
		case <-r.stoppingChan:
			stopping = true
		case command := <-r.commands:
			if join := command.join; join != nil {
				join.reply <- r.handleJoin(join.member)
			}
			if leave := command.leave; leave != nil {
				delete(r.members, leave.memberID)
				if len(r.members) == 0 {
					r.emptied = true
				}
				leave.reply <- len(r.members)
			}
			if submit := command.submit; submit != nil {
				seq, err := r.handleSubmit(submit.originID, submit.delta, submit.relayed)
				submit.reply <- submitReply{seq: seq, err: err}
			}
			if since := command.since; since != nil {
				changes, err := r.wc.Since(since.seq)
				if errors.Is(err, document.ErrFutureSeq) {
					err = fmt.Errorf("%w: %v", errs.ErrValidation, err)
				}
				since.reply <- sinceReply{changes: changes, err: err}
			}
		}
	}
	r.members = make(map[string]Member)
	close(r.done)
	atomic.CompareAndSwapInt32(&r.running, 1, 0)
	r.stoppingChan <- true
}

func (r *Room) handleJoin(m Member) joinReply {
	if r.emptied {
		return joinReply{err: ErrClosed}
	}
	if _, ok := r.members[m.ID()]; ok {
		// Member ID conflicts, abort join
		return joinReply{err: ErrDuplicateMember}
	}
	content, seq, err := r.wc.Snapshot()
	if err != nil {
		return joinReply{err: err}
	}
	r.members[m.ID()] = m
	r.log.Debug().Str("member", m.ID()).Int("members", len(r.members)).Msg("joined")
	return joinReply{snapshot: Snapshot{Content: content, Seq: seq, Epoch: r.epoch}}
}

func (r *Room) handleSubmit(originID string, delta json.RawMessage, relayed bool) (uint64, error) {
	change, err := r.wc.Apply(delta)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", errs.ErrValidation, err)
	}
	if r.publish != nil && !relayed {
		r.publish(originID, change)
	}
	for memberID, m := range r.members {
		var msg protocol.Message
		if memberID == originID {
			msg = protocol.Ack(r.id, r.epoch, change.Seq)
		} else {
			msg = protocol.ReceiveChanges(r.id, change)
		}
		if err := m.Deliver(msg); err != nil {
			r.log.Debug().Err(err).Str("member", memberID).Uint64("seq", change.Seq).Msg("dropped delivery")
		}
	}
	return change.Seq, nil
}

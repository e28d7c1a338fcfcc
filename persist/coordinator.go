package persist

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/xxuejie/go-delta-docs/errs"
)

type Field string

const (
	FieldContent Field = "content"
	FieldTitle   Field = "title"
)

const (
	DefaultContentDelay = 2000 * time.Millisecond
	DefaultTitleDelay   = 1000 * time.Millisecond
	DefaultWriteTimeout = 10 * time.Second
)

const (
	MessageSaveFailed  = "Failed to save document content"
	MessageTitleFailed = "Failed to update title"
)

var ErrClosed = errors.New("persistence coordinator is closed")

// Writer stores one field of a document.
type Writer interface {
	WriteField(ctx context.Context, documentID string, field Field, value string) error
}

type WriterFunc func(ctx context.Context, documentID string, field Field, value string) error

func (f WriterFunc) WriteField(ctx context.Context, documentID string, field Field, value string) error {
	return f(ctx, documentID, field, value)
}

// Alert is raised for a write that failed. The value is gone by then.
type Alert struct {
	DocumentID string
	Field      Field
	Message    string
	Err        error
}

func failureMessage(field Field) string {
	if field == FieldTitle {
		return MessageTitleFailed
	}
	return MessageSaveFailed
}

type key struct {
	documentID string
	field      Field
}

type pendingSave struct {
	value string
	gen   uint64
	timer *time.Timer
}

// Coordinator debounces field changes into single writes: every change
// restarts the field's timer, and only the value present when it finally
// fires is written.
type Coordinator struct {
	writer  Writer
	alert   func(Alert)
	delays  map[Field]time.Duration
	timeout time.Duration

	mux     sync.Mutex
	pending map[key]*pendingSave
	gen     uint64
	closed  bool

	inflight sync.WaitGroup
	log      zerolog.Logger
}

type Option func(*Coordinator)

func WithDelays(content, title time.Duration) Option {
	return func(c *Coordinator) {
		if content > 0 {
			c.delays[FieldContent] = content
		}
		if title > 0 {
			c.delays[FieldTitle] = title
		}
	}
}

func WithAlert(fn func(Alert)) Option {
	return func(c *Coordinator) {
		c.alert = fn
	}
}

func WithWriteTimeout(timeout time.Duration) Option {
	return func(c *Coordinator) {
		c.timeout = timeout
	}
}

func NewCoordinator(writer Writer, log zerolog.Logger, opts ...Option) *Coordinator {
	c := &Coordinator{
		writer: writer,
		alert:  func(Alert) {},
		delays: map[Field]time.Duration{
			FieldContent: DefaultContentDelay,
			FieldTitle:   DefaultTitleDelay,
		},
		timeout: DefaultWriteTimeout,
		pending: make(map[key]*pendingSave),
		log:     log.With().Str("component", "persist").Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// OnFieldChanged records value as the latest for the field and restarts its
// timer.
func (c *Coordinator) OnFieldChanged(documentID string, field Field, value string) error {
	delay, ok := c.delays[field]
	if !ok {
		return fmt.Errorf("%w: unknown field %q", errs.ErrValidation, field)
	}

	c.mux.Lock()
	defer c.mux.Unlock()
	if c.closed {
		return ErrClosed
	}
	k := key{documentID, field}
	c.gen += 1
	gen := c.gen
	if p, ok := c.pending[k]; ok {
		p.timer.Stop()
	}
	c.pending[k] = &pendingSave{
		value: value,
		gen:   gen,
		timer: time.AfterFunc(delay, func() {
			c.fire(k, gen)
		}),
	}
	return nil
}

func (c *Coordinator) fire(k key, gen uint64) {
	c.mux.Lock()
	p, ok := c.pending[k]
	// A stopped timer may still fire if it raced with the change that
	// replaced it.
	if !ok || p.gen != gen || c.closed {
		c.mux.Unlock()
		return
	}
	delete(c.pending, k)
	c.inflight.Add(1)
	c.mux.Unlock()

	defer c.inflight.Done()
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	c.write(ctx, k, p.value)
}

func (c *Coordinator) write(ctx context.Context, k key, value string) error {
	err := c.writer.WriteField(ctx, k.documentID, k.field, value)
	if err != nil {
		c.log.Warn().Err(err).Str("document", k.documentID).Str("field", string(k.field)).Msg("save failed")
		c.alert(Alert{
			DocumentID: k.documentID,
			Field:      k.field,
			Message:    failureMessage(k.field),
			Err:        err,
		})
		return err
	}
	c.log.Debug().Str("document", k.documentID).Str("field", string(k.field)).Int("bytes", len(value)).Msg("saved")
	return nil
}

// Pending reports whether a write is scheduled for the field.
func (c *Coordinator) Pending(documentID string, field Field) bool {
	c.mux.Lock()
	defer c.mux.Unlock()
	_, ok := c.pending[key{documentID, field}]
	return ok
}

// Flush writes the field now and cancels its timer. A nil value writes the
// pending one, if there is any.
func (c *Coordinator) Flush(ctx context.Context, documentID string, field Field, value *string) error {
	k := key{documentID, field}
	c.mux.Lock()
	if c.closed {
		c.mux.Unlock()
		return ErrClosed
	}
	p, ok := c.pending[k]
	if ok {
		p.timer.Stop()
		delete(c.pending, k)
	}
	if value == nil {
		if !ok {
			c.mux.Unlock()
			return nil
		}
		value = &p.value
	}
	c.inflight.Add(1)
	c.mux.Unlock()

	defer c.inflight.Done()
	return c.write(ctx, k, *value)
}

// Close drops every scheduled write. Writes already running finish on their
// own.
func (c *Coordinator) Close() {
	c.mux.Lock()
	defer c.mux.Unlock()
	c.closed = true
	for k, p := range c.pending {
		p.timer.Stop()
		delete(c.pending, k)
	}
}

// Wait blocks until no write is running.
func (c *Coordinator) Wait() {
	c.inflight.Wait()
}

package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/xxuejie/go-delta-docs/errs"
)

// Source says who produced a change on an editing surface.
type Source string

const (
	SourceUser   Source = "user"
	SourceAPI    Source = "api"
	SourceSilent Source = "silent"
)

var ErrNotAttached = errors.New("edit endpoint is not attached to a document")

// Edit is one change reported by a surface.
type Edit struct {
	DocumentID string
	Delta      json.RawMessage
	Source     Source
}

// Broadcaster fans a change out to the other members of a document's room.
// On the server it is the room registry, on a client it is the websocket
// that carries send-changes.
type Broadcaster interface {
	Broadcast(ctx context.Context, documentID, originID string, delta json.RawMessage) (uint64, error)
}

// Endpoint is where local edits leave from.
type Endpoint struct {
	Broadcaster Broadcaster
	OriginID    string
}

// Surface is the part of an editing surface the relay needs to apply
// changes that came from elsewhere.
type Surface interface {
	ApplyDelta(delta json.RawMessage, source Source) error
}

type Relay struct {
	log zerolog.Logger
}

func New(log zerolog.Logger) *Relay {
	return &Relay{log: log.With().Str("component", "relay").Logger()}
}

// OnLocalEdit forwards edit to the room unless it was produced by anything
// other than the user. The returned bool reports whether it was forwarded.
func (r *Relay) OnLocalEdit(ctx context.Context, endpoint Endpoint, edit Edit) (uint64, bool, error) {
	if edit.Source != SourceUser {
		r.log.Trace().Str("document", edit.DocumentID).Str("source", string(edit.Source)).Msg("not forwarding")
		return 0, false, nil
	}
	if endpoint.Broadcaster == nil || edit.DocumentID == "" {
		return 0, false, ErrNotAttached
	}
	if len(edit.Delta) == 0 {
		return 0, false, fmt.Errorf("%w: edit without delta", errs.ErrValidation)
	}
	seq, err := endpoint.Broadcaster.Broadcast(ctx, edit.DocumentID, endpoint.OriginID, edit.Delta)
	if err != nil {
		return 0, false, err
	}
	return seq, true, nil
}

// OnRemoteEdit applies a change received from the room. It is tagged as
// coming from the api so the surface's change report is not relayed back.
func (r *Relay) OnRemoteEdit(surface Surface, delta json.RawMessage) error {
	if err := surface.ApplyDelta(delta, SourceAPI); err != nil {
		return fmt.Errorf("apply remote change: %w", err)
	}
	return nil
}

package document

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fmpwizard/go-quilljs-delta/delta"

	"github.com/xxuejie/go-delta-docs/protocol"
)

// DefaultLogLimit is how many changes a working copy keeps for catch-up.
const DefaultLogLimit = 512

var (
	ErrTooOld    = errors.New("sequence is older than the retained log")
	ErrFutureSeq = errors.New("sequence is ahead of the document")
)

// WorkingCopy is the in-memory state of a document while a room is open.
// Operations compose in arrival order; nothing is transformed. It is not safe
// for concurrent use, the owning room serializes access.
type WorkingCopy struct {
	d   delta.Delta
	seq uint64
	// Log serves 2 purposes:
	//
	// * Replay for clients that detected a gap
	// * Catch-up for clients that reconnected
	log   []protocol.Change
	limit int
}

func NewWorkingCopy(d delta.Delta, limit int) *WorkingCopy {
	if limit <= 0 {
		limit = DefaultLogLimit
	}
	return &WorkingCopy{
		d:     d,
		seq:   0,
		log:   make([]protocol.Change, 0),
		limit: limit,
	}
}

func (w *WorkingCopy) Seq() uint64 {
	return w.seq
}

func (w *WorkingCopy) Text() string {
	return Text(w.d)
}

// Snapshot returns the whole document as a delta together with the sequence
// number it reflects.
func (w *WorkingCopy) Snapshot() (json.RawMessage, uint64, error) {
	raw, err := EncodeDelta(cloneDelta(&w.d))
	if err != nil {
		return nil, 0, err
	}
	return raw, w.seq, nil
}

// Apply composes raw onto the document and assigns it the next sequence
// number. The returned change carries raw byte for byte.
func (w *WorkingCopy) Apply(raw json.RawMessage) (protocol.Change, error) {
	if len(raw) == 0 {
		return protocol.Change{}, fmt.Errorf("submitted change must have delta")
	}
	d, err := ParseDelta(raw)
	if err != nil {
		return protocol.Change{}, err
	}
	w.d = *w.d.Compose(*d)
	w.seq += 1

	change := protocol.Change{
		Delta: append(json.RawMessage(nil), raw...),
		Seq:   w.seq,
	}
	w.log = append(w.log, change)
	if len(w.log) > w.limit {
		trimmed := make([]protocol.Change, w.limit)
		copy(trimmed, w.log[len(w.log)-w.limit:])
		w.log = trimmed
	}
	return change, nil
}

// Since returns the changes after seq, oldest first.
func (w *WorkingCopy) Since(seq uint64) ([]protocol.Change, error) {
	if seq > w.seq {
		return nil, fmt.Errorf("%w: requested %d, current %d", ErrFutureSeq, seq, w.seq)
	}
	oldest := w.seq - uint64(len(w.log))
	if seq < oldest {
		return nil, fmt.Errorf("%w: requested %d, oldest retained %d", ErrTooOld, seq, oldest)
	}
	missed := w.log[seq-oldest:]
	changes := make([]protocol.Change, len(missed))
	copy(changes, missed)
	return changes, nil
}

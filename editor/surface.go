package editor

import (
	"encoding/json"
	"sync"

	"github.com/fmpwizard/go-quilljs-delta/delta"

	"github.com/xxuejie/go-delta-docs/document"
	"github.com/xxuejie/go-delta-docs/relay"
)

// Surface is the local rich-text working copy. Every change is reported to
// the registered listeners together with its source, so they can tell what
// the user typed from what arrived over the wire.
type Surface struct {
	documentID string

	mux       sync.Mutex
	d         delta.Delta
	listeners []func(relay.Edit)
}

func NewSurface(documentID string) *Surface {
	return &Surface{documentID: documentID, d: *delta.New(nil)}
}

func (s *Surface) OnChange(fn func(relay.Edit)) {
	s.mux.Lock()
	defer s.mux.Unlock()
	s.listeners = append(s.listeners, fn)
}

func (s *Surface) notify(edit relay.Edit) {
	s.mux.Lock()
	listeners := append([]func(relay.Edit){}, s.listeners...)
	s.mux.Unlock()
	for _, fn := range listeners {
		fn(edit)
	}
}

// ApplyDelta composes raw onto the document.
func (s *Surface) ApplyDelta(raw json.RawMessage, source relay.Source) error {
	d, err := document.ParseDelta(raw)
	if err != nil {
		return err
	}
	s.mux.Lock()
	s.d = *s.d.Compose(*d)
	s.mux.Unlock()
	s.notify(relay.Edit{DocumentID: s.documentID, Delta: raw, Source: source})
	return nil
}

// SetContents replaces the whole document.
func (s *Surface) SetContents(content string, source relay.Source) {
	d := document.FromContent(content)
	s.mux.Lock()
	s.d = *d
	s.mux.Unlock()
	if source == relay.SourceSilent {
		return
	}
	raw, err := document.EncodeDelta(d)
	if err != nil {
		return
	}
	s.notify(relay.Edit{DocumentID: s.documentID, Delta: raw, Source: source})
}

// Contents is the document as a serialized delta.
func (s *Surface) Contents() (json.RawMessage, error) {
	s.mux.Lock()
	defer s.mux.Unlock()
	return document.EncodeDelta(&s.d)
}

func (s *Surface) Text() string {
	s.mux.Lock()
	defer s.mux.Unlock()
	return document.Text(s.d)
}

func (s *Surface) Length() int {
	s.mux.Lock()
	defer s.mux.Unlock()
	return s.d.Length()
}

// InsertText types text at index, as the user.
func (s *Surface) InsertText(index int, text string, attrs map[string]interface{}) error {
	raw, err := document.EncodeDelta(delta.New(nil).Retain(index, nil).Insert(text, attrs))
	if err != nil {
		return err
	}
	return s.ApplyDelta(raw, relay.SourceUser)
}

// DeleteText removes length characters at index, as the user.
func (s *Surface) DeleteText(index, length int) error {
	raw, err := document.EncodeDelta(delta.New(nil).Retain(index, nil).Delete(length))
	if err != nil {
		return err
	}
	return s.ApplyDelta(raw, relay.SourceUser)
}

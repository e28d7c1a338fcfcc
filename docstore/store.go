package docstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/xxuejie/go-delta-docs/errs"
)

const DefaultTitle = "Untitled Document"

type Document struct {
	ID            string    `json:"_id"`
	Title         string    `json:"title"`
	Content       string    `json:"content"`
	Owner         string    `json:"owner"`
	Collaborators []string  `json:"collaborators"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

func (d *Document) clone() *Document {
	copied := *d
	copied.Collaborators = append([]string{}, d.Collaborators...)
	return &copied
}

// HasCollaborator reports whether email was granted access.
func (d *Document) HasCollaborator(email string) bool {
	for _, c := range d.Collaborators {
		if c == email {
			return true
		}
	}
	return false
}

// Patch is a partial update. Nil fields are left alone.
type Patch struct {
	Title   *string `json:"title,omitempty"`
	Content *string `json:"content,omitempty"`
}

func (p Patch) Empty() bool {
	return p.Title == nil && p.Content == nil
}

// Store is where documents live. It does no access checks, Service does.
type Store interface {
	Create(ctx context.Context, d *Document) error
	Get(ctx context.Context, id string) (*Document, error)
	// ListFor returns documents owned by userID or shared with email,
	// most recently updated first.
	ListFor(ctx context.Context, userID, email string) ([]*Document, error)
	Update(ctx context.Context, id string, p Patch) (*Document, error)
	Delete(ctx context.Context, id string) error
	// AddCollaborator is idempotent.
	AddCollaborator(ctx context.Context, id, email string) error
}

type MemoryStore struct {
	mux  sync.RWMutex
	docs map[string]*Document
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string]*Document)}
}

func (s *MemoryStore) Create(ctx context.Context, d *Document) error {
	s.mux.Lock()
	defer s.mux.Unlock()
	s.docs[d.ID] = d.clone()
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Document, error) {
	s.mux.RLock()
	defer s.mux.RUnlock()
	d, ok := s.docs[id]
	if !ok {
		return nil, notFound(id)
	}
	return d.clone(), nil
}

func (s *MemoryStore) ListFor(ctx context.Context, userID, email string) ([]*Document, error) {
	s.mux.RLock()
	defer s.mux.RUnlock()
	docs := make([]*Document, 0)
	for _, d := range s.docs {
		if d.Owner == userID || (email != "" && d.HasCollaborator(email)) {
			docs = append(docs, d.clone())
		}
	}
	sort.Slice(docs, func(i, j int) bool {
		return docs[i].UpdatedAt.After(docs[j].UpdatedAt)
	})
	return docs, nil
}

func (s *MemoryStore) Update(ctx context.Context, id string, p Patch) (*Document, error) {
	s.mux.Lock()
	defer s.mux.Unlock()
	d, ok := s.docs[id]
	if !ok {
		return nil, notFound(id)
	}
	if p.Title != nil {
		d.Title = *p.Title
	}
	if p.Content != nil {
		d.Content = *p.Content
	}
	d.UpdatedAt = time.Now().UTC()
	return d.clone(), nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mux.Lock()
	defer s.mux.Unlock()
	if _, ok := s.docs[id]; !ok {
		return notFound(id)
	}
	delete(s.docs, id)
	return nil
}

func (s *MemoryStore) AddCollaborator(ctx context.Context, id, email string) error {
	s.mux.Lock()
	defer s.mux.Unlock()
	d, ok := s.docs[id]
	if !ok {
		return notFound(id)
	}
	if !d.HasCollaborator(email) {
		d.Collaborators = append(d.Collaborators, email)
	}
	return nil
}

func notFound(id string) error {
	return &errs.Error{Message: "Document not found", Err: fmt.Errorf("document %s: %w", id, errs.ErrNotFound)}
}

package docstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/xxuejie/go-delta-docs/errs"
	"github.com/xxuejie/go-delta-docs/notify"
)

// Identity is the caller as far as access checks go.
type Identity struct {
	UserID string
	Email  string
}

var (
	errNoAccess = &errs.Error{Message: "Access denied", Err: errs.ErrForbidden}
	errNotOwner = &errs.Error{Message: "Only the owner can do this", Err: errs.ErrForbidden}
	errNoEmail  = &errs.Error{Message: "Please enter an email", Err: errs.ErrValidation}
)

// Service applies the access rules on top of a Store: owners and
// collaborators read and write, only owners delete and share.
type Service struct {
	store    Store
	notifier notify.Notifier
	appURL   string
	log      zerolog.Logger
}

func NewService(store Store, notifier notify.Notifier, appURL string, log zerolog.Logger) *Service {
	return &Service{
		store:    store,
		notifier: notifier,
		appURL:   appURL,
		log:      log.With().Str("component", "docstore").Logger(),
	}
}

func canAccess(d *Document, who Identity) bool {
	return d.Owner == who.UserID || (who.Email != "" && d.HasCollaborator(who.Email))
}

func (s *Service) List(ctx context.Context, who Identity) ([]*Document, error) {
	return s.store.ListFor(ctx, who.UserID, who.Email)
}

func (s *Service) Create(ctx context.Context, who Identity, title string) (*Document, error) {
	if strings.TrimSpace(title) == "" {
		title = DefaultTitle
	}
	now := time.Now().UTC()
	d := &Document{
		ID:            uuid.NewString(),
		Title:         title,
		Content:       "",
		Owner:         who.UserID,
		Collaborators: []string{},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.Create(ctx, d); err != nil {
		return nil, err
	}
	s.log.Debug().Str("document", d.ID).Str("owner", who.UserID).Msg("created")
	return d, nil
}

func (s *Service) Get(ctx context.Context, who Identity, id string) (*Document, error) {
	d, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !canAccess(d, who) {
		return nil, errNoAccess
	}
	return d, nil
}

func (s *Service) Update(ctx context.Context, who Identity, id string, p Patch) (*Document, error) {
	if p.Empty() {
		return nil, &errs.Error{Message: "Nothing to update", Err: errs.ErrValidation}
	}
	if _, err := s.Get(ctx, who, id); err != nil {
		return nil, err
	}
	return s.store.Update(ctx, id, p)
}

func (s *Service) Delete(ctx context.Context, who Identity, id string) error {
	d, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if d.Owner != who.UserID {
		return errNotOwner
	}
	return s.store.Delete(ctx, id)
}

// Share grants email access. Sharing twice is not an error.
func (s *Service) Share(ctx context.Context, who Identity, id, email string) error {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return errNoEmail
	}
	d, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if d.Owner != who.UserID {
		return errNotOwner
	}
	if err := s.store.AddCollaborator(ctx, id, email); err != nil {
		return err
	}
	s.log.Info().Str("document", id).Str("collaborator", email).Msg("shared")
	return nil
}

// ShareEmail sends the invitation link. It needs no credential, so it only
// mails addresses the document was already shared with.
func (s *Service) ShareEmail(ctx context.Context, id, email string) error {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return errNoEmail
	}
	d, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if !d.HasCollaborator(email) {
		return &errs.Error{Message: "Document is not shared with this email", Err: errs.ErrForbidden}
	}
	if err := s.notifier.Send(ctx, notify.ShareInvite(email, s.appURL, id)); err != nil {
		return &errs.Error{Message: "Failed to send email", Err: fmt.Errorf("share email: %w", err)}
	}
	return nil
}

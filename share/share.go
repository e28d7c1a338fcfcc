package share

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/xxuejie/go-delta-docs/errs"
)

const (
	MessageMissingEmail = "Please enter an email"
	MessageFailed       = "Failed to share document"
	MessageShared       = "Document shared and email sent!"
)

// Client is the pair of store calls a share is made of. Share is
// authenticated and idempotent, ShareEmail is not.
type Client interface {
	Share(ctx context.Context, documentID, email string) error
	ShareEmail(ctx context.Context, documentID, email string) error
}

// Result reports how far a share got. Granted without Notified means the
// collaborator has access but was never told.
type Result struct {
	Granted  bool
	Notified bool
}

type Authorizer struct {
	client Client
	log    zerolog.Logger
}

func NewAuthorizer(client Client, log zerolog.Logger) *Authorizer {
	return &Authorizer{
		client: client,
		log:    log.With().Str("component", "share").Logger(),
	}
}

// Share grants email access to the document and then mails the invitation.
// Nothing is rolled back or retried. A non-nil error always carries a user
// message, see errs.UserMessage.
func (a *Authorizer) Share(ctx context.Context, documentID, email string) (Result, error) {
	var result Result
	email = strings.TrimSpace(email)
	if email == "" {
		return result, &errs.Error{Message: MessageMissingEmail, Err: errs.ErrValidation}
	}

	if err := a.client.Share(ctx, documentID, email); err != nil {
		a.log.Warn().Err(err).Str("document", documentID).Msg("grant failed")
		return result, userError(err)
	}
	result.Granted = true

	if err := a.client.ShareEmail(ctx, documentID, email); err != nil {
		a.log.Warn().Err(err).Str("document", documentID).Msg("access granted but invitation not sent")
		return result, userError(err)
	}
	result.Notified = true
	return result, nil
}

// userError keeps a message the server sent and falls back to a generic one.
func userError(err error) error {
	msg := errs.UserMessage(err, MessageFailed)
	return &errs.Error{Message: msg, Err: fmt.Errorf("share: %w", err)}
}

package editor

import (
	"context"
	"errors"
	"net/url"
	"strings"

	"github.com/rs/zerolog"

	"github.com/xxuejie/go-delta-docs/docstore"
	"github.com/xxuejie/go-delta-docs/errs"
)

// Client is the logged-in side of the application: accounts, the document
// list, and opening editors. The session is passed explicitly through it
// instead of living in a global.
type Client struct {
	docs     *docstore.Client
	sessions SessionStore
	log      zerolog.Logger
}

func NewClient(baseURL string, sessions SessionStore, log zerolog.Logger) *Client {
	return &Client{
		docs:     docstore.NewClient(baseURL),
		sessions: sessions,
		log:      log.With().Str("component", "editor").Logger(),
	}
}

func (c *Client) Register(ctx context.Context, username, email, password string) (*Session, error) {
	resp, err := c.docs.Register(ctx, username, email, password)
	if err != nil {
		return nil, err
	}
	return c.remember(&Session{Token: resp.Token, UserID: resp.ID, Username: resp.Username, Email: resp.Email})
}

func (c *Client) Login(ctx context.Context, email, password string) (*Session, error) {
	resp, err := c.docs.Login(ctx, email, password)
	if err != nil {
		return nil, err
	}
	return c.remember(&Session{Token: resp.Token, UserID: resp.ID, Username: resp.Username, Email: resp.Email})
}

func (c *Client) remember(s *Session) (*Session, error) {
	if err := c.sessions.Save(s); err != nil {
		return nil, err
	}
	return s, nil
}

func (c *Client) Logout() error {
	return c.sessions.Clear()
}

// Session returns the stored session, or errs.ErrAuth.
func (c *Client) Session() (*Session, error) {
	return c.sessions.Load()
}

// authorized points the REST client at the current session's token.
func (c *Client) authorized() (*docstore.Client, *Session, error) {
	s, err := c.sessions.Load()
	if err != nil {
		return nil, nil, err
	}
	c.docs.SetAuthToken(s.Token)
	return c.docs, s, nil
}

// checkAuth drops a session the server no longer accepts.
func (c *Client) checkAuth(err error) error {
	if errors.Is(err, errs.ErrAuth) {
		c.log.Info().Msg("session rejected, logging out")
		if clearErr := c.sessions.Clear(); clearErr != nil {
			c.log.Warn().Err(clearErr).Msg("clear session")
		}
	}
	return err
}

func (c *Client) List(ctx context.Context) ([]*docstore.Document, error) {
	docs, _, err := c.authorized()
	if err != nil {
		return nil, err
	}
	list, err := docs.List(ctx)
	return list, c.checkAuth(err)
}

func (c *Client) Create(ctx context.Context, title string) (*docstore.Document, error) {
	docs, _, err := c.authorized()
	if err != nil {
		return nil, err
	}
	d, err := docs.Create(ctx, title)
	return d, c.checkAuth(err)
}

func (c *Client) Get(ctx context.Context, id string) (*docstore.Document, error) {
	docs, _, err := c.authorized()
	if err != nil {
		return nil, err
	}
	d, err := docs.Get(ctx, id)
	return d, c.checkAuth(err)
}

func (c *Client) Update(ctx context.Context, id string, p docstore.Patch) error {
	docs, _, err := c.authorized()
	if err != nil {
		return err
	}
	_, err = docs.Update(ctx, id, p)
	return c.checkAuth(err)
}

func (c *Client) Delete(ctx context.Context, id string) error {
	docs, _, err := c.authorized()
	if err != nil {
		return err
	}
	return c.checkAuth(docs.Delete(ctx, id))
}

// Share and ShareEmail make Client usable by share.Authorizer.
func (c *Client) Share(ctx context.Context, id, email string) error {
	docs, _, err := c.authorized()
	if err != nil {
		return err
	}
	return c.checkAuth(docs.Share(ctx, id, email))
}

func (c *Client) ShareEmail(ctx context.Context, id, email string) error {
	return c.docs.ShareEmail(ctx, id, email)
}

// socketURL turns the API base URL into the websocket endpoint.
func (c *Client) socketURL(token string) (string, error) {
	u, err := url.Parse(c.docs.BaseURL())
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	u.RawQuery = url.Values{"token": []string{token}}.Encode()
	return u.String(), nil
}

package docstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/xxuejie/go-delta-docs/auth"
	"github.com/xxuejie/go-delta-docs/errs"
	"github.com/xxuejie/go-delta-docs/web"
)

// Client talks to the document API over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client

	mux       sync.RWMutex
	authToken string
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

// SetAuthToken sets the bearer token sent with every authenticated request.
func (c *Client) SetAuthToken(token string) {
	c.mux.Lock()
	defer c.mux.Unlock()
	c.authToken = token
}

func (c *Client) token() string {
	c.mux.RLock()
	defer c.mux.RUnlock()
	return c.authToken
}

func (c *Client) doRequest(ctx context.Context, method, path string, body any, authenticated bool) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if token := c.token(); authenticated && token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %v", errs.ErrTransientIO, method, path, err)
	}
	return resp, nil
}

// decodeResponse decodes the JSON response into target. A failed request
// becomes the errs class of its status, carrying the server's message.
func decodeResponse(resp *http.Response, target any) error {
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		var e web.ErrorBody
		_ = json.Unmarshal(body, &e)
		return &errs.Error{
			Message: e.Message,
			Err:     fmt.Errorf("%w: status=%d", errs.FromStatus(resp.StatusCode), resp.StatusCode),
		}
	}

	if target != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
			return fmt.Errorf("%w: failed to decode response: %v", errs.ErrTransientIO, err)
		}
	}

	return nil
}

func (c *Client) call(ctx context.Context, method, path string, body, target any, authenticated bool) error {
	resp, err := c.doRequest(ctx, method, path, body, authenticated)
	if err != nil {
		return err
	}
	return decodeResponse(resp, target)
}

func (c *Client) Register(ctx context.Context, username, email, password string) (*auth.Response, error) {
	var out auth.Response
	req := auth.RegisterRequest{Username: username, Email: email, Password: password}
	if err := c.call(ctx, http.MethodPost, "/api/auth/register", req, &out, false); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Login(ctx context.Context, email, password string) (*auth.Response, error) {
	var out auth.Response
	req := auth.LoginRequest{Email: email, Password: password}
	if err := c.call(ctx, http.MethodPost, "/api/auth/login", req, &out, false); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) List(ctx context.Context) ([]*Document, error) {
	var docs []*Document
	if err := c.call(ctx, http.MethodGet, "/api/docs", nil, &docs, true); err != nil {
		return nil, err
	}
	return docs, nil
}

func (c *Client) Create(ctx context.Context, title string) (*Document, error) {
	var d Document
	if err := c.call(ctx, http.MethodPost, "/api/docs", CreateRequest{Title: title}, &d, true); err != nil {
		return nil, err
	}
	return &d, nil
}

func (c *Client) Get(ctx context.Context, id string) (*Document, error) {
	var d Document
	if err := c.call(ctx, http.MethodGet, "/api/docs/"+id, nil, &d, true); err != nil {
		return nil, err
	}
	return &d, nil
}

func (c *Client) Update(ctx context.Context, id string, p Patch) (*Document, error) {
	var d Document
	if err := c.call(ctx, http.MethodPut, "/api/docs/"+id, p, &d, true); err != nil {
		return nil, err
	}
	return &d, nil
}

func (c *Client) Delete(ctx context.Context, id string) error {
	return c.call(ctx, http.MethodDelete, "/api/docs/"+id, nil, nil, true)
}

func (c *Client) Share(ctx context.Context, id, email string) error {
	return c.call(ctx, http.MethodPost, "/api/docs/"+id+"/share", ShareRequest{Email: email}, nil, true)
}

func (c *Client) ShareEmail(ctx context.Context, id, email string) error {
	return c.call(ctx, http.MethodPost, "/api/docs/"+id+"/share-email", ShareRequest{Email: email}, nil, false)
}

// Package client is a Go client for the eventdesk API.
//
// A Client holds at most one Session. Signup and Login set it, Logout
// clears it, and every authenticated call sends its token explicitly.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/eventdesk/apiserver/types"
	"github.com/google/uuid"
)

// ErrNoSession is returned by authenticated calls made before Login or Signup.
var ErrNoSession = errors.New("client: not logged in")

// Session is the authenticated state returned by signup and login.
type Session = types.Session

// APIError is a non-2xx response from the server.
type APIError struct {
	Status    int
	Kind      string
	Message   string
	Retryable bool
}

func (e *APIError) Error() string {
	if e.Kind == "" {
		return fmt.Sprintf("eventdesk: status %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("eventdesk: status %d (%s): %s", e.Status, e.Kind, e.Message)
}

// Client talks to one eventdesk server.
type Client struct {
	baseURL    string
	httpClient *http.Client

	mu      sync.RWMutex
	session *Session
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// New returns a client for the server at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Session returns the current session, if any.
func (c *Client) Session() (Session, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.session == nil {
		return Session{}, false
	}
	return *c.session, true
}

// SetSession installs a previously obtained session.
func (c *Client) SetSession(s Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session = &s
}

// Logout forgets the current session. Tokens are stateless, so nothing is
// sent to the server.
func (c *Client) Logout() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session = nil
}

func (c *Client) Signup(ctx context.Context, input types.SignupInput) (Session, error) {
	var session Session
	if err := c.do(ctx, http.MethodPost, "/auth/signup", nil, input, &session); err != nil {
		return Session{}, err
	}
	c.SetSession(session)
	return session, nil
}

func (c *Client) Login(ctx context.Context, username, password string) (Session, error) {
	var session Session
	creds := types.Credentials{Username: username, Password: password}
	if err := c.do(ctx, http.MethodPost, "/auth/login", nil, creds, &session); err != nil {
		return Session{}, err
	}
	c.SetSession(session)
	return session, nil
}

// Me returns the user of the current session.
func (c *Client) Me(ctx context.Context) (types.User, error) {
	session, err := c.requireSession()
	if err != nil {
		return types.User{}, err
	}
	var user types.User
	err = c.do(ctx, http.MethodGet, "/auth/me", session, nil, &user)
	return user, err
}

// ListOptions narrows and pages an event listing. Zero values use the
// server defaults.
type ListOptions struct {
	Category string
	Page     int
	Limit    int
}

func (c *Client) ListEvents(ctx context.Context, opts ListOptions) (types.EventPage, error) {
	session, err := c.requireSession()
	if err != nil {
		return types.EventPage{}, err
	}

	q := url.Values{}
	if opts.Category != "" {
		q.Set("category", opts.Category)
	}
	if opts.Page > 0 {
		q.Set("page", strconv.Itoa(opts.Page))
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	path := "/events"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var page types.EventPage
	err = c.do(ctx, http.MethodGet, path, session, nil, &page)
	return page, err
}

func (c *Client) GetEvent(ctx context.Context, id uuid.UUID) (types.Event, error) {
	return c.eventCall(ctx, http.MethodGet, eventPath(id), nil)
}

func (c *Client) CreateEvent(ctx context.Context, input types.EventInput) (types.Event, error) {
	return c.eventCall(ctx, http.MethodPost, "/events", input)
}

func (c *Client) UpdateEvent(ctx context.Context, id uuid.UUID, input types.EventInput) (types.Event, error) {
	return c.eventCall(ctx, http.MethodPut, eventPath(id), input)
}

func (c *Client) DeleteEvent(ctx context.Context, id uuid.UUID) error {
	session, err := c.requireSession()
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodDelete, eventPath(id), session, nil, nil)
}

// Register signs the session's user up for an event.
func (c *Client) Register(ctx context.Context, id uuid.UUID) (types.Event, error) {
	return c.eventCall(ctx, http.MethodPost, eventPath(id)+"/register", nil)
}

// UploadImage sets the cover image of an event.
func (c *Client) UploadImage(ctx context.Context, id uuid.UUID, filename string, image io.Reader) (types.Event, error) {
	session, err := c.requireSession()
	if err != nil {
		return types.Event{}, err
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("image", filename)
	if err != nil {
		return types.Event{}, err
	}
	if _, err := io.Copy(part, image); err != nil {
		return types.Event{}, err
	}
	if err := writer.Close(); err != nil {
		return types.Event{}, err
	}

	req, err := c.newRequest(ctx, http.MethodPut, eventPath(id)+"/image", session, &body)
	if err != nil {
		return types.Event{}, err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	var event types.Event
	err = c.send(req, &event)
	return event, err
}

func (c *Client) eventCall(ctx context.Context, method, path string, body any) (types.Event, error) {
	session, err := c.requireSession()
	if err != nil {
		return types.Event{}, err
	}
	var event types.Event
	err = c.do(ctx, method, path, session, body, &event)
	return event, err
}

func (c *Client) requireSession() (*Session, error) {
	session, ok := c.Session()
	if !ok {
		return nil, ErrNoSession
	}
	return &session, nil
}

func (c *Client) do(ctx context.Context, method, path string, session *Session, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := c.newRequest(ctx, method, path, session, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.send(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, path string, session *Session, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if session != nil {
		req.Header.Set("Authorization", "Bearer "+session.Token)
	}
	return req, nil
}

func (c *Client) send(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func decodeError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	apiErr := &APIError{Status: resp.StatusCode}

	var body struct {
		Error     string `json:"error"`
		Kind      string `json:"kind"`
		Retryable bool   `json:"retryable"`
	}
	if err := json.Unmarshal(data, &body); err == nil && body.Error != "" {
		apiErr.Message = body.Error
		apiErr.Kind = body.Kind
		apiErr.Retryable = body.Retryable
		return apiErr
	}
	apiErr.Message = strings.TrimSpace(string(data))
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	return apiErr
}

func eventPath(id uuid.UUID) string {
	return "/events/" + id.String()
}

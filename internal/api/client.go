// Package api is the authenticated request/response facility used next to the socket:
// conversation list, history, send, unsend and mark-seen.
package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/chatsync/internal/logger"
	"github.com/chatsync/internal/model"
	"github.com/go-resty/resty/v2"
	"github.com/goccy/go-json"
)

// ErrStatus wraps every non-2xx response.
var ErrStatus = errors.New("api: unexpected status")

// StatusError carries the status code and a short body excerpt.
type StatusError struct {
	Op   string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: status %d: %s", e.Op, e.Code, e.Body)
}

func (e *StatusError) Unwrap() error { return ErrStatus }

// Client talks to the chat backend with the session cookie attached.
type Client struct {
	http *resty.Client
}

// Options configures a Client.
type Options struct {
	BaseURL      string
	CookieName   string
	SessionToken string
	Timeout      time.Duration
	// Transport replaces the default round tripper (tests).
	Transport http.RoundTripper
}

func New(opts Options) *Client {
	rc := resty.New().
		SetBaseURL(opts.BaseURL).
		SetHeader("Accept", "application/json").
		SetJSONMarshaler(json.Marshal).
		SetJSONUnmarshaler(json.Unmarshal)
	if opts.Timeout > 0 {
		rc.SetTimeout(opts.Timeout)
	}
	if opts.SessionToken != "" {
		name := opts.CookieName
		if name == "" {
			name = "session_token"
		}
		rc.SetCookie(&http.Cookie{Name: name, Value: opts.SessionToken})
	}
	if opts.Transport != nil {
		rc.SetTransport(opts.Transport)
	}
	return &Client{http: rc}
}

// Conversations fetches the conversation list (GET /api/get-users).
func (c *Client) Conversations(ctx context.Context) ([]model.Conversation, error) {
	defer logger.DeferLogDuration("api.Conversations", time.Now())()
	var out []model.Conversation
	if err := c.do(ctx, http.MethodGet, "/api/get-users", nil, &out); err != nil {
		return nil, fmt.Errorf("api.Conversations: %w", err)
	}
	return out, nil
}

// History fetches the message log of one conversation.
func (c *Client) History(ctx context.Context, chatID model.ID) ([]model.Message, error) {
	defer logger.DeferLogDuration("api.History", time.Now())()
	var out []model.Message
	if err := c.do(ctx, http.MethodGet, "/api/get-messages/"+url.PathEscape(chatID.String()), nil, &out); err != nil {
		return nil, fmt.Errorf("api.History: %w", err)
	}
	return out, nil
}

// sendBody is what the backend expects for a new message.
type sendBody struct {
	Content string             `json:"content"`
	Kind    model.Kind         `json:"type"`
	ReplyTo *model.ReplyTarget `json:"replyTo,omitempty"`
}

// Send posts d and returns the authoritative record (permanent id, server timestamp).
func (c *Client) Send(ctx context.Context, chatID model.ID, d model.Draft) (model.Message, error) {
	defer logger.DeferLogDuration("api.Send", time.Now())()
	var out model.Message
	body := sendBody{Content: d.Content, Kind: d.Kind, ReplyTo: d.ReplyTo}
	if err := c.do(ctx, http.MethodPost, "/api/send-message/"+url.PathEscape(chatID.String()), body, &out); err != nil {
		return model.Message{}, fmt.Errorf("api.Send: %w", err)
	}
	if out.ID == "" {
		return model.Message{}, fmt.Errorf("api.Send: response without id")
	}
	return out, nil
}

// Unsend retracts a message and returns the conversation's new last message, nil
// when none is left.
func (c *Client) Unsend(ctx context.Context, messageID model.ID) (*model.Message, error) {
	defer logger.DeferLogDuration("api.Unsend", time.Now())()
	var out *model.Message
	if err := c.do(ctx, http.MethodPost, "/api/unsend-message/"+url.PathEscape(messageID.String()), nil, &out); err != nil {
		return nil, fmt.Errorf("api.Unsend: %w", err)
	}
	if out != nil && out.ID == "" {
		return nil, nil
	}
	return out, nil
}

// MarkSeen tells the backend the conversation was read.
func (c *Client) MarkSeen(ctx context.Context, chatID model.ID) error {
	defer logger.DeferLogDuration("api.MarkSeen", time.Now())()
	if err := c.do(ctx, http.MethodPost, "/api/set-seen-chat/"+url.PathEscape(chatID.String()), nil, nil); err != nil {
		return fmt.Errorf("api.MarkSeen: %w", err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	req := c.http.R().SetContext(ctx)
	if body != nil {
		req.SetHeader("Content-Type", "application/json").SetBody(body)
	}
	resp, err := req.Execute(method, path)
	if err != nil {
		return err
	}
	if resp.IsError() {
		excerpt := resp.Body()
		if len(excerpt) > 200 {
			excerpt = excerpt[:200]
		}
		return &StatusError{Op: method + " " + path, Code: resp.StatusCode(), Body: string(bytes.TrimSpace(excerpt))}
	}
	if out == nil {
		return nil
	}
	raw := bytes.TrimSpace(resp.Body())
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

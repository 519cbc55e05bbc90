// Package backend is the REST collaborator client used to seed the
// conversation directory and load message pages. The realtime feed itself
// comes over the transport channel; this client only answers explicit loads.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"livechat-sync/internal/domain"
	"livechat-sync/internal/window"
)

const requestTimeout = 15 * time.Second

type Client struct {
	baseURL string
	token   string
	http    *http.Client
	log     *slog.Logger
}

func NewClient(baseURL, token string, logger *slog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: requestTimeout},
		log:     logger,
	}
}

// ListConversations fetches one page of the agent's conversation list.
func (c *Client) ListConversations(ctx context.Context, page, limit int) ([]domain.Conversation, error) {
	q := url.Values{}
	q.Set("page", fmt.Sprint(page))
	q.Set("limit", fmt.Sprint(limit))

	var out struct {
		Conversations []domain.Conversation `json:"conversations"`
	}
	if err := c.do(ctx, http.MethodGet, "/conversations?"+q.Encode(), nil, &out); err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	return out.Conversations, nil
}

// FetchMessages loads one page of a conversation's history, newest page
// first. Page 1 is the latest.
func (c *Client) FetchMessages(ctx context.Context, conversationID string, page, limit int) (window.Page, error) {
	q := url.Values{}
	q.Set("page", fmt.Sprint(page))
	q.Set("limit", fmt.Sprint(limit))

	var out window.Page
	path := fmt.Sprintf("/conversations/%s/messages?%s", url.PathEscape(conversationID), q.Encode())
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return window.Page{}, fmt.Errorf("fetch messages %s page %d: %w", conversationID, page, err)
	}
	return out, nil
}

// MarkRead records the agent's read position server-side.
func (c *Client) MarkRead(ctx context.Context, conversationID string) error {
	path := fmt.Sprintf("/conversations/%s/read", url.PathEscape(conversationID))
	if err := c.do(ctx, http.MethodPatch, path, struct{}{}, nil); err != nil {
		return fmt.Errorf("mark read %s: %w", conversationID, err)
	}
	return nil
}

// SendMessage is the non-realtime send fallback used when the websocket is
// degraded.
func (c *Client) SendMessage(ctx context.Context, conversationID string, intent domain.SendMessageIntent) (domain.Message, error) {
	var out struct {
		Message domain.Message `json:"message"`
	}
	path := fmt.Sprintf("/conversations/%s/messages", url.PathEscape(conversationID))
	if err := c.do(ctx, http.MethodPost, path, intent, &out); err != nil {
		return domain.Message{}, fmt.Errorf("send message %s: %w", conversationID, err)
	}
	return out.Message, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		c.log.Warn("backend request failed",
			slog.String("method", method),
			slog.String("path", path),
			slog.Int("status", resp.StatusCode),
		)
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, snippet)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

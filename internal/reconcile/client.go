package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/pmelo/courier/internal/protocol"
	"github.com/pmelo/courier/internal/session"
)

// ErrAPIRejected means the REST API refused the bearer credential. The
// caller must not retry with the same token.
var ErrAPIRejected = errors.New("api rejected credential")

// ChatSummary is the server's chat listing entry. The server is
// authoritative for the unread counter.
type ChatSummary struct {
	ChatID             string `json:"chat_id"`
	Name               string `json:"name"`
	Topic              string `json:"topic"`
	IsGroup            bool   `json:"is_group"`
	UnreadCount        int    `json:"unread_count"`
	LastMessageAt      int64  `json:"last_message_at"`
	LastMessagePreview string `json:"last_message_preview"`
}

// Client talks to the chat server's REST API for catch-up fetches. The
// live WebSocket stream stays on the connection channel; this client only
// fills history the stream missed.
type Client struct {
	baseURL string
	creds   session.Credentials
	http    *http.Client
}

// NewClient creates a REST client. timeout bounds each page fetch.
func NewClient(baseURL string, creds session.Credentials, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		creds:   creds,
		http:    &http.Client{Timeout: timeout},
	}
}

// ChangedChats lists chats modified since the given unix-millisecond
// timestamp, following pagination cursors to the end.
func (c *Client) ChangedChats(ctx context.Context, modifiedAfter int64) ([]ChatSummary, error) {
	var all []ChatSummary
	cursor := ""
	for {
		q := url.Values{}
		q.Set("modified_after", strconv.FormatInt(modifiedAfter, 10))
		if cursor != "" {
			q.Set("cursor", cursor)
		}

		var page struct {
			Chats      []ChatSummary `json:"chats"`
			NextCursor string        `json:"next_cursor"`
		}
		if err := c.get(ctx, "/v1/chats", q, &page); err != nil {
			return nil, err
		}
		all = append(all, page.Chats...)
		if page.NextCursor == "" {
			return all, nil
		}
		cursor = page.NextCursor
	}
}

// Events fetches a page of a chat's event log strictly after afterSeq.
// The second return reports whether more pages remain.
func (c *Client) Events(ctx context.Context, chatID string, afterSeq int64, limit int) ([]protocol.Frame, bool, error) {
	q := url.Values{}
	q.Set("after_seq", strconv.FormatInt(afterSeq, 10))
	q.Set("limit", strconv.Itoa(limit))

	var page struct {
		Events  []protocol.Frame `json:"events"`
		HasMore bool             `json:"has_more"`
	}
	if err := c.get(ctx, "/v1/chats/"+url.PathEscape(chatID)+"/events", q, &page); err != nil {
		return nil, false, err
	}
	return page.Events, page.HasMore, nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	token, err := c.creds.Current()
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+query.Encode(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("get %s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		c.creds.Invalidate("api rejected")
		return ErrAPIRejected
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("get %s: status %d: %s", path, resp.StatusCode, body)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

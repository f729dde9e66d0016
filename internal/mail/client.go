// Package mail fetches message summaries from a provider's REST API. The
// contract is deliberately thin: bearer-token auth, linear pageToken
// pagination, 401 on an expired token.
package mail

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// ErrUnauthorized signals a rejected bearer token. Callers refresh the
// account and retry once.
var ErrUnauthorized = errors.New("mail: token rejected")

// defaultPageSize is the batch size per request when the caller does not
// choose one.
const defaultPageSize = 100

// Message is one fetched message summary.
type Message struct {
	ID         string    `json:"id"`
	Subject    string    `json:"subject"`
	From       string    `json:"from"`
	Snippet    string    `json:"snippet"`
	ReceivedAt time.Time `json:"received_at"`
}

type listResponse struct {
	Messages      []Message `json:"messages"`
	NextPageToken string    `json:"nextPageToken"`
}

// Client fetches messages from one provider mail endpoint.
type Client struct {
	httpClient *http.Client
	log        *zap.Logger
}

// NewClient builds a mail client. httpClient may be nil.
func NewClient(httpClient *http.Client, log *zap.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{httpClient: httpClient, log: log}
}

// List walks the provider's message list from the newest page onward,
// following nextPageToken until the server stops returning one or limit
// messages have been collected. limit <= 0 means no cap.
func (c *Client) List(ctx context.Context, baseURL, accessToken string, limit int) ([]Message, error) {
	pageSize := defaultPageSize
	if limit > 0 && limit < pageSize {
		pageSize = limit
	}

	var all []Message
	pageToken := ""
	for {
		page, next, err := c.listPage(ctx, baseURL, accessToken, pageSize, pageToken)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if next == "" || (limit > 0 && len(all) >= limit) {
			break
		}
		pageToken = next
	}

	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	c.log.Debug("messages fetched", zap.Int("count", len(all)))
	return all, nil
}

func (c *Client) listPage(ctx context.Context, baseURL, accessToken string, pageSize int, pageToken string) ([]Message, string, error) {
	u, err := url.Parse(baseURL + "/messages")
	if err != nil {
		return nil, "", fmt.Errorf("bad mail endpoint %q: %w", baseURL, err)
	}
	q := u.Query()
	q.Set("maxResults", strconv.Itoa(pageSize))
	if pageToken != "" {
		q.Set("pageToken", pageToken)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("fetching messages: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, "", ErrUnauthorized
	case resp.StatusCode != http.StatusOK:
		return nil, "", fmt.Errorf("mail endpoint returned %d", resp.StatusCode)
	}

	var body listResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, "", fmt.Errorf("decoding message list: %w", err)
	}
	return body.Messages, body.NextPageToken, nil
}

package history

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/putto11262002/chatsync/core"
)

// Response is the envelope of every history API response.
type Response struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Result  struct {
		Messages []core.Message `json:"messages"`
	} `json:"result"`
}

// Client reads persisted messages from the history API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

type Option func(*Client)

func WithToken(token string) Option {
	return func(c *Client) {
		c.token = token
	}
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// New creates a new history client.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FetchDirect returns a page of the direct conversation with receiverID.
func (c *Client) FetchDirect(ctx context.Context, receiverID string, page core.Page) ([]core.Message, error) {
	messages, err := c.fetch(ctx, "receiverId", receiverID, page)
	if err != nil {
		return nil, fmt.Errorf("history.FetchDirect: %w", err)
	}
	return messages, nil
}

// FetchChannel returns a page of the channel conversation.
func (c *Client) FetchChannel(ctx context.Context, channelID string, page core.Page) ([]core.Message, error) {
	messages, err := c.fetch(ctx, "channelId", channelID, page)
	if err != nil {
		return nil, fmt.Errorf("history.FetchChannel: %w", err)
	}
	return messages, nil
}

// FetchConversation dispatches on the kind of key.
func (c *Client) FetchConversation(ctx context.Context, key core.ConversationKey, page core.Page) ([]core.Message, error) {
	switch key.Kind {
	case core.DirectConversation:
		return c.FetchDirect(ctx, key.ID, page)
	case core.ChannelConversation:
		return c.FetchChannel(ctx, key.ID, page)
	default:
		return nil, fmt.Errorf("history.FetchConversation: %w", core.ErrInvalidConversation)
	}
}

func (c *Client) fetch(ctx context.Context, param, id string, page core.Page) ([]core.Message, error) {
	params := url.Values{}
	params.Set(param, id)
	params.Set("skip", strconv.Itoa(page.Skip))
	if page.Limit > 0 {
		params.Set("limit", strconv.Itoa(page.Limit))
	}

	var res Response
	if err := c.get(ctx, "/chat/message?"+params.Encode(), &res); err != nil {
		return nil, err
	}
	if !res.Success {
		return nil, &APIError{Message: res.Message}
	}
	if res.Result.Messages == nil {
		return []core.Message{}, nil
	}
	return res.Result.Messages, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck // best-effort close

	if resp.StatusCode >= 400 {
		respBody, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<20)) // 1 MB max error body
		if readErr != nil {
			return &HTTPError{StatusCode: resp.StatusCode, Message: fmt.Sprintf("failed to read body: %v", readErr)}
		}
		var apiErr struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		if json.Unmarshal(respBody, &apiErr) == nil {
			if apiErr.Error != "" {
				return &HTTPError{StatusCode: resp.StatusCode, Message: apiErr.Error}
			}
			if apiErr.Message != "" {
				return &HTTPError{StatusCode: resp.StatusCode, Message: apiErr.Message}
			}
		}
		return &HTTPError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(respBody))}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

package platform

import (
	"chatsink/backend/internal/ratelimit"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ClientOptions configures the HTTP client.
type ClientOptions struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	UserAgent  string
}

// Client is the HTTP implementation of API against a Slack-style Web API.
// It does not retry; callers decide how to handle RateLimitError.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	userAgent  string
}

var _ API = (*Client)(nil)

// NewClient creates a platform client.
func NewClient(opts ClientOptions) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "https://slack.com/api"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL:    baseURL,
		token:      strings.TrimSpace(opts.Token),
		httpClient: httpClient,
		userAgent:  strings.TrimSpace(opts.UserAgent),
	}
}

type responseMetadata struct {
	NextCursor string `json:"next_cursor"`
}

type baseResponse struct {
	OK               bool             `json:"ok"`
	Error            string           `json:"error,omitempty"`
	HasMore          bool             `json:"has_more,omitempty"`
	ResponseMetadata responseMetadata `json:"response_metadata"`
}

type historyResponse struct {
	baseResponse
	Messages []Message `json:"messages"`
}

type channelInfoResponse struct {
	baseResponse
	Channel Channel `json:"channel"`
}

type channelsResponse struct {
	baseResponse
	Channels []Channel `json:"channels"`
}

// ListMessages fetches one page of channel history.
func (c *Client) ListMessages(ctx context.Context, req ListMessagesRequest) (*MessagePage, error) {
	params := url.Values{}
	params.Set("channel", req.ChannelID)
	if req.Limit > 0 {
		params.Set("limit", strconv.Itoa(req.Limit))
	}
	if req.Cursor != "" {
		params.Set("cursor", req.Cursor)
	}
	if req.Oldest != nil {
		params.Set("oldest", FormatTimestamp(*req.Oldest))
	}
	if req.Latest != nil {
		params.Set("latest", FormatTimestamp(*req.Latest))
	}

	var resp historyResponse
	if err := c.call(ctx, "conversations.history", params, &resp, &resp.baseResponse); err != nil {
		return nil, err
	}
	next := resp.ResponseMetadata.NextCursor
	return &MessagePage{
		Messages:   resp.Messages,
		HasMore:    resp.HasMore && next != "",
		NextCursor: next,
	}, nil
}

// ListThreadReplies returns all replies of a thread, excluding its root.
func (c *Client) ListThreadReplies(ctx context.Context, channelID, threadTS string, limit int) ([]Message, error) {
	var (
		replies []Message
		cursor  string
	)
	for {
		params := url.Values{}
		params.Set("channel", channelID)
		params.Set("ts", threadTS)
		if limit > 0 {
			params.Set("limit", strconv.Itoa(limit))
		}
		if cursor != "" {
			params.Set("cursor", cursor)
		}

		var resp historyResponse
		if err := c.call(ctx, "conversations.replies", params, &resp, &resp.baseResponse); err != nil {
			return nil, err
		}
		for _, m := range resp.Messages {
			if m.TS == threadTS {
				continue
			}
			replies = append(replies, m)
		}
		cursor = resp.ResponseMetadata.NextCursor
		if !resp.HasMore || cursor == "" {
			return replies, nil
		}
	}
}

// GetChannel returns channel metadata.
func (c *Client) GetChannel(ctx context.Context, channelID string) (*Channel, error) {
	params := url.Values{}
	params.Set("channel", channelID)
	var resp channelInfoResponse
	if err := c.call(ctx, "conversations.info", params, &resp, &resp.baseResponse); err != nil {
		return nil, err
	}
	return &resp.Channel, nil
}

// ListChannels returns the channels the credential is a member of.
// Private channels the credential cannot read are never returned.
func (c *Client) ListChannels(ctx context.Context) ([]Channel, error) {
	var (
		channels []Channel
		cursor   string
	)
	for {
		params := url.Values{}
		params.Set("types", "public_channel,private_channel")
		params.Set("exclude_archived", "true")
		params.Set("limit", "200")
		if cursor != "" {
			params.Set("cursor", cursor)
		}
		var resp channelsResponse
		if err := c.call(ctx, "users.conversations", params, &resp, &resp.baseResponse); err != nil {
			return nil, err
		}
		for _, ch := range resp.Channels {
			ch.IsMember = true
			channels = append(channels, ch)
		}
		cursor = resp.ResponseMetadata.NextCursor
		if cursor == "" {
			return channels, nil
		}
	}
}

func (c *Client) call(ctx context.Context, method string, params url.Values, out any, base *baseResponse) error {
	endpoint := c.baseURL + "/" + method
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	body, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return fmt.Errorf("%s: read body: %w", method, readErr)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return &RateLimitError{Method: method, RetryAfter: ratelimit.ParseRetryAfter(resp.Header.Get("Retry-After"))}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{Method: method, StatusCode: resp.StatusCode, Code: strings.TrimSpace(string(body))}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%s: decode response: %w", method, err)
	}
	if !base.OK {
		if base.Error == "ratelimited" {
			return &RateLimitError{Method: method, RetryAfter: ratelimit.ParseRetryAfter(resp.Header.Get("Retry-After"))}
		}
		return &APIError{Method: method, StatusCode: resp.StatusCode, Code: base.Error}
	}
	return nil
}

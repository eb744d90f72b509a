package notify

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"resty.dev/v3"
)

// Client publishes commit statuses to the git host so the person who
// pushed sees per-stage results next to the revision. Notification
// failures are reported to the caller but are never fatal to a run.
type Client struct {
	http    *resty.Client
	baseURL string
}

// New creates a commit status client for the given API base URL, e.g.
// https://git.example.com/api/v1/repos/jab3/jab3.
func New(baseURL, token string) *Client {
	client := resty.New().
		SetTimeout(10 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(3 * time.Second)
	if token != "" {
		client.SetAuthToken(token)
	}
	return &Client{
		http:    client,
		baseURL: strings.TrimSuffix(baseURL, "/"),
	}
}

type commitStatus struct {
	State       string `json:"state"`
	Context     string `json:"context"`
	Description string `json:"description"`
}

// PublishStatus posts one status for the revision ref. state follows the
// commit status convention: pending, success, or failure.
func (c *Client) PublishStatus(ctx context.Context, ref, statusContext, state, description string) error {
	endpoint := fmt.Sprintf("%s/statuses/%s", c.baseURL, url.PathEscape(ref))

	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(commitStatus{State: state, Context: statusContext, Description: description}).
		Post(endpoint)
	if err != nil {
		return fmt.Errorf("publish status %s for %s: %w", statusContext, ref, err)
	}
	if !resp.IsSuccess() {
		return fmt.Errorf("publish status %s for %s: unexpected status %s", statusContext, ref, resp.Status())
	}
	return nil
}

func (c *Client) Close() error {
	return c.http.Close()
}

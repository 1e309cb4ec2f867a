// Package webhook performs the outbound opt-out notification call.
package webhook

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"

	"mail-optout-bridge/internal/config"
)

// maxBodyExcerpt bounds how much of a failing response body gets logged.
const maxBodyExcerpt = 512

// Payload carries the form fields of one opt-out notification.
type Payload struct {
	Event              string
	UserID             string
	Username           string
	Email              string
	RegisteredAt       string
	EmailDigests       string
	DigestAfterMinutes string
	EmailLevel         string
	SentAtUTC          string
	PendingToken       string
	Source             string
}

// Client posts form-encoded opt-out events to the configured endpoint.
type Client struct {
	endpoint string
	secret   string
	http     *http.Client
}

// NewClient creates a webhook client with bounded open and read timeouts.
func NewClient(cfg *config.WebhookConfig) *Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: cfg.OpenTimeout,
		}).DialContext,
		ResponseHeaderTimeout: cfg.ReadTimeout,
	}
	return &Client{
		endpoint: cfg.EndpointURL,
		secret:   cfg.Secret,
		http: &http.Client{
			Transport: transport,
			Timeout:   cfg.OpenTimeout + cfg.ReadTimeout,
		},
	}
}

// Post performs a single synchronous delivery attempt. Any status outside
// [200,300) or a transport error is a failure; the caller decides what to
// log and never retries.
func (c *Client) Post(ctx context.Context, p Payload) (int, error) {
	form := url.Values{}
	form.Set("event", p.Event)
	form.Set("user_id", p.UserID)
	form.Set("username", p.Username)
	form.Set("email", p.Email)
	form.Set("registered_at", p.RegisteredAt)
	form.Set("email_digests", p.EmailDigests)
	form.Set("digest_after_minutes", p.DigestAfterMinutes)
	if p.EmailLevel != "" {
		form.Set("email_level", p.EmailLevel)
	}
	form.Set("sent_at_utc", p.SentAtUTC)
	form.Set("secret", c.secret)
	if p.PendingToken != "" {
		form.Set("pending_token", p.PendingToken)
	}
	form.Set("source", p.Source)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return 0, fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodyExcerpt))
		return resp.StatusCode, fmt.Errorf("webhook returned %d: %s", resp.StatusCode, strings.TrimSpace(string(excerpt)))
	}

	return resp.StatusCode, nil
}

// Package push is the HTTP client for the external notification relay. The
// relay owns the APNs/FCM mechanics; this client only submits one wake-up per
// token and reports whether the relay accepted it.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

// ErrInvalidToken reports that the relay rejected the token as invalid or
// expired. Callers should prune the token record.
var ErrInvalidToken = errors.New("push token invalid or expired")

// Config holds push relay connection settings.
type Config struct {
	BaseURL string        `json:"base_url"`
	APIKey  string        `json:"api_key"`
	Timeout time.Duration `json:"-"`
}

type notifyRequest struct {
	Token    string          `json:"token"`
	Platform string          `json:"platform"`
	Channel  string          `json:"channel"`
	Event    string          `json:"event"`
	Payload  json.RawMessage `json:"payload"`
}

type notifyResponse struct {
	Status string `json:"status"` // "accepted" | "rejected"
	Reason string `json:"reason,omitempty"`
}

// Client submits notifications to the relay's /v1/notify endpoint.
type Client struct {
	rc *resty.Client
}

func NewClient(cfg Config) *Client {
	rc := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetHeader("Content-Type", "application/json")
	if cfg.Timeout > 0 {
		rc.SetTimeout(cfg.Timeout)
	}
	if cfg.APIKey != "" {
		rc.SetHeader("Authorization", "Bearer "+cfg.APIKey)
	}
	return &Client{rc: rc}
}

// Push asks the relay to wake the device behind token. A nil return means the
// relay accepted the notification for delivery; acceptance is not a delivery
// receipt.
func (c *Client) Push(ctx context.Context, token, platform, channel, kind string, payload []byte) error {
	var out notifyResponse
	resp, err := c.rc.R().
		SetContext(ctx).
		SetBody(notifyRequest{
			Token:    token,
			Platform: platform,
			Channel:  channel,
			Event:    kind,
			Payload:  payload,
		}).
		SetResult(&out).
		SetError(&out).
		Post("/v1/notify")
	if err != nil {
		return fmt.Errorf("push relay request: %w", err)
	}
	if resp.IsSuccess() && out.Status != "rejected" {
		return nil
	}
	switch out.Reason {
	case "invalid_token", "expired_token", "unregistered":
		return fmt.Errorf("%w: %s", ErrInvalidToken, out.Reason)
	}
	if out.Reason != "" {
		return fmt.Errorf("push relay rejected notification: %s", out.Reason)
	}
	return fmt.Errorf("push relay returned %s", resp.Status())
}

// Package sdk is the typed client for the remote vault store. It owns
// request shaping, authentication headers, and transport-level retries;
// callers see either a typed response or a business error.
package sdk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/denisbrodbeck/machineid"
	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"
	"github.com/imroc/req/v3"

	"github.com/schmelczer/reconcile/internal/version"
)

const (
	headerDeviceID = "X-Reconcile-Device"
	headerVersion  = "X-Reconcile-Version"

	// transportRetryLimit is effectively "retry until cancelled"; the
	// backoff cap keeps the long tail polite.
	transportRetryLimit   = 1000
	retryBackoffMin       = 500 * time.Millisecond
	retryBackoffMax       = 30 * time.Second
	tokenExpiryWarnWindow = 48 * time.Hour
)

// Config carries what the client needs to reach the server.
type Config struct {
	BaseURL   string
	Token     string
	VaultName string
}

func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return errors.New("remote url is required")
	}
	if c.VaultName == "" {
		return errors.New("vault name is required")
	}
	return nil
}

// Client is the typed transport to the vault server.
type Client struct {
	config *Config
	http   *req.Client
	Vault  *VaultAPI
	Events *EventsAPI
}

func New(config *Config) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid transport config: %w", err)
	}

	client := req.C().
		SetBaseURL(config.BaseURL).
		SetUserAgent("reconcile/"+version.Version).
		SetCommonHeader(headerVersion, version.Version).
		SetCommonHeader(headerDeviceID, deviceID()).
		SetCommonQueryParam("vault", config.VaultName).
		SetCommonRetryCount(transportRetryLimit).
		SetCommonRetryBackoffInterval(retryBackoffMin, retryBackoffMax).
		SetCommonRetryCondition(isRetryable).
		SetJsonMarshal(json.Marshal).
		SetJsonUnmarshal(json.Unmarshal).
		SetCommonErrorResult(&APIError{})

	if config.Token != "" {
		client.SetCommonBearerAuthToken(config.Token)
		warnIfTokenExpiring(config.Token)
	}

	return &Client{
		config: config,
		http:   client,
		Vault:  newVaultAPI(client),
		Events: newEventsAPI(config),
	}, nil
}

// Close waits for the event stream loop to exit and closes the
// notification channel; the Connect context must be cancelled first.
func (c *Client) Close() {
	c.Events.Close()
}

// isRetryable matches network-level failures and 5xx responses; 4xx
// business errors surface immediately.
func isRetryable(resp *req.Response, err error) bool {
	if err != nil {
		return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
	}
	return resp.StatusCode >= 500
}

// deviceID returns a stable per-machine identifier so the server can
// tell this device's own echoes from other devices' edits.
func deviceID() string {
	id, err := machineid.ProtectedID("reconcile")
	if err != nil {
		slog.Warn("machine id unavailable", "error", err)
		return "unknown"
	}
	return id[:16]
}

// warnIfTokenExpiring peeks at the token's exp claim without
// verifying; expiry handling belongs to the server, this is a
// courtesy log line.
func warnIfTokenExpiring(token string) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return
	}
	if until := time.Until(exp.Time); until < tokenExpiryWarnWindow {
		slog.Warn("auth token expires soon", "expiresAt", exp.Time, "in", until.Round(time.Minute))
	}
}

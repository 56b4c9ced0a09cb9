package cloudapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/sony/gobreaker"

	"github.com/i474232898/meteo-dashboard/internal/resilience"
)

// ClaimRequest pairs a device with the signed-in identity.
type ClaimRequest struct {
	DeviceID    string
	PairingCode string
	IdentityID  string
	AuthToken   string
}

// Client calls the device broker: claim and entitlement attach.
type Client struct {
	claimURL  string
	attachURL string
	http      *http.Client
	cb        *gobreaker.CircuitBreaker
	logger    *slog.Logger
}

func NewClient(claimURL, attachURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		claimURL:  claimURL,
		attachURL: attachURL,
		http:      httpClient,
		cb:        resilience.NewBreaker("cloudapi"),
		logger:    logger,
	}
}

// Claim sends the pairing code for a device. A non-2xx reply is returned as
// *resilience.StatusError carrying the broker's body.
func (c *Client) Claim(ctx context.Context, req ClaimRequest) error {
	payload := struct {
		ThingName  string `json:"thingName"`
		IdentityID string `json:"identityId"`
		Nonce      string `json:"nonce"`
	}{req.DeviceID, req.IdentityID, req.PairingCode}

	if err := c.post(ctx, c.claimURL, req.AuthToken, payload); err != nil {
		return fmt.Errorf("claim %s: %w", req.DeviceID, err)
	}
	c.logger.Info("claim request accepted", "device_id", req.DeviceID, "identity_id", req.IdentityID)
	return nil
}

// Attach grants the identity access to the pub/sub channel. The broker
// treats repeated calls as no-ops.
func (c *Client) Attach(ctx context.Context, identityID, authToken string) error {
	payload := struct {
		IdentityID string `json:"identityId"`
	}{identityID}

	if err := c.post(ctx, c.attachURL, authToken, payload); err != nil {
		return fmt.Errorf("attach policy for %s: %w", identityID, err)
	}
	return nil
}

func (c *Client) post(ctx context.Context, url, authToken string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	resp, err := resilience.Do(ctx, c.http, c.cb, func() (*http.Request, error) {
		req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		if authToken != "" {
			req.Header.Set("Authorization", authToken)
		}
		return req, nil
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Package http reads pending orders from the order service's REST API.
package http

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/istanbulplusir-blip/plusistanbul-sub002/internal/domain"
	apperrors "github.com/istanbulplusir-blip/plusistanbul-sub002/pkg/errors"
	"github.com/istanbulplusir-blip/plusistanbul-sub002/pkg/httpclient"
)

const serviceName = "order"

// HTTPDoer executes HTTP requests.
type HTTPDoer interface {
	Do(ctx context.Context, req *http.Request) (*http.Response, error)
}

// Client calls GET /api/v1/orders/pending-keys.
type Client struct {
	doer    HTTPDoer
	baseURL string
	logger  *slog.Logger
}

// NewClient creates an order service client rooted at baseURL.
func NewClient(doer HTTPDoer, baseURL string, logger *slog.Logger) *Client {
	return &Client{doer: doer, baseURL: baseURL, logger: logger}
}

type pendingKeysResponse struct {
	Data struct {
		Keys []string `json:"keys"`
	} `json:"data"`
}

// PendingBookingKeys returns the natural keys of the user's pending orders.
// A user unknown to the order service has none.
func (c *Client) PendingBookingKeys(ctx context.Context, userID string) ([]domain.NaturalKey, error) {
	endpoint := fmt.Sprintf("%s/api/v1/orders/pending-keys?user_id=%s", c.baseURL, url.QueryEscape(userID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create pending keys request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-User-ID", userID)

	resp, err := c.doer.Do(ctx, req)
	if err != nil {
		c.logger.WarnContext(ctx, "order service request failed",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		return nil, httpclient.TranslateTransportError(err, serviceName)
	}

	if resp.StatusCode == http.StatusNotFound {
		_ = resp.Body.Close()
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, httpclient.ParseResponseError(resp, serviceName)
	}
	defer resp.Body.Close()

	var body pendingKeysResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, apperrors.Transient("order service response unreadable", err)
	}

	keys := make([]domain.NaturalKey, 0, len(body.Data.Keys))
	for _, k := range body.Data.Keys {
		keys = append(keys, domain.NaturalKey(k))
	}
	return keys, nil
}

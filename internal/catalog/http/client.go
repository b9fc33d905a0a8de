// Package http implements the catalog lookups against the catalog service's
// REST API.
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

const serviceName = "catalog"

// HTTPDoer executes HTTP requests. Both httpclient.Client and
// httpclient.CircuitBreakerClient satisfy it.
type HTTPDoer interface {
	Do(ctx context.Context, req *http.Request) (*http.Response, error)
}

// Client reads products and options from the catalog service.
type Client struct {
	doer    HTTPDoer
	baseURL string
	logger  *slog.Logger
}

// NewClient creates a catalog client rooted at baseURL.
func NewClient(doer HTTPDoer, baseURL string, logger *slog.Logger) *Client {
	return &Client{doer: doer, baseURL: baseURL, logger: logger}
}

// GetPriceableProduct fetches GET /api/v1/catalog/{type}/{id}.
func (c *Client) GetPriceableProduct(ctx context.Context, productType domain.ProductType, productID string) (*domain.Product, error) {
	endpoint := fmt.Sprintf("%s/api/v1/catalog/%s/%s", c.baseURL, url.PathEscape(string(productType)), url.PathEscape(productID))

	var product domain.Product
	if err := c.get(ctx, endpoint, string(productType), productID, &product); err != nil {
		return nil, err
	}
	if product.Type == "" {
		product.Type = productType
	}
	if product.Type != productType {
		return nil, apperrors.NotFound(string(productType), productID)
	}
	if product.ID == "" {
		product.ID = productID
	}
	return &product, nil
}

// GetOption fetches GET /api/v1/catalog/{type}/options/{id}.
func (c *Client) GetOption(ctx context.Context, productType domain.ProductType, optionID string) (*domain.Option, error) {
	endpoint := fmt.Sprintf("%s/api/v1/catalog/%s/options/%s", c.baseURL, url.PathEscape(string(productType)), url.PathEscape(optionID))

	var option domain.Option
	if err := c.get(ctx, endpoint, "option", optionID, &option); err != nil {
		return nil, err
	}
	if option.ID == "" {
		option.ID = optionID
	}
	if option.ProductType == "" {
		option.ProductType = productType
	}
	return &option, nil
}

func (c *Client) get(ctx context.Context, endpoint, resource, id string, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("create catalog request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.doer.Do(ctx, req)
	if err != nil {
		c.logger.WarnContext(ctx, "catalog request failed",
			slog.String("url", endpoint),
			slog.String("error", err.Error()),
		)
		return httpclient.TranslateTransportError(err, serviceName)
	}

	if resp.StatusCode == http.StatusNotFound {
		_ = resp.Body.Close()
		return apperrors.NotFound(resource, id)
	}
	if resp.StatusCode != http.StatusOK {
		return httpclient.ParseResponseError(resp, serviceName)
	}
	defer resp.Body.Close()

	envelope := struct {
		Data json.RawMessage `json:"data"`
	}{}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return apperrors.Transient("catalog response unreadable", err)
	}
	if len(envelope.Data) == 0 || string(envelope.Data) == "null" {
		return apperrors.NotFound(resource, id)
	}
	if err := json.Unmarshal(envelope.Data, dst); err != nil {
		return apperrors.Transient("catalog response unreadable", err)
	}
	return nil
}

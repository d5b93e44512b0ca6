// Package provider implements the payment provider read client used by
// the reconciliation sweep.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/tokenledger/pkg/tokenledger"
)

const (
	defaultRequestTimeout = 10 * time.Second
	defaultOrdersLimit    = 20
	ordersPathTemplate    = "/v1/customers/%s/orders"
	orderStatusCompleted  = "completed"
)

// Config describes how to reach the provider's order read API.
type Config struct {
	BaseURL        string
	APIToken       string
	RequestTimeout time.Duration
	OrdersLimit    int
}

// Validate rejects configurations that cannot produce a working client.
func (config Config) Validate() error {
	trimmedBaseURL := strings.TrimSpace(config.BaseURL)
	if trimmedBaseURL == "" {
		return fmt.Errorf("provider base url is required")
	}
	parsed, err := url.Parse(trimmedBaseURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("provider base url %q is not an absolute url", config.BaseURL)
	}
	if strings.TrimSpace(config.APIToken) == "" {
		return fmt.Errorf("provider api token is required")
	}
	return nil
}

// Client fetches completed orders over the provider's HTTP read API. It
// implements tokenledger.ProviderOrders.
type Client struct {
	baseURL     string
	apiToken    string
	httpClient  *http.Client
	ordersLimit int
}

// NewClient builds a Client from a validated Config.
func NewClient(config Config) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	timeout := config.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	limit := config.OrdersLimit
	if limit <= 0 {
		limit = defaultOrdersLimit
	}
	return &Client{
		baseURL:     strings.TrimRight(strings.TrimSpace(config.BaseURL), "/"),
		apiToken:    strings.TrimSpace(config.APIToken),
		httpClient:  &http.Client{Timeout: timeout},
		ordersLimit: limit,
	}, nil
}

type orderPayload struct {
	OrderID   string `json:"order_id"`
	ProductID string `json:"product_id"`
	Status    string `json:"status"`
}

type ordersResponse struct {
	Orders []orderPayload `json:"orders"`
}

// RecentCompletedOrders returns the customer's most recent completed
// orders, newest first, bounded by the configured page size. Transport
// and upstream failures are reported as ErrProviderUnavailable so the
// caller can degrade instead of guessing at the cause.
func (client *Client) RecentCompletedOrders(ctx context.Context, externalCustomerID string) ([]tokenledger.ProviderOrder, error) {
	requestURL := fmt.Sprintf("%s"+ordersPathTemplate+"?status=%s&limit=%s",
		client.baseURL,
		url.PathEscape(externalCustomerID),
		orderStatusCompleted,
		strconv.Itoa(client.ordersLimit),
	)
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", tokenledger.ErrProviderUnavailable, err)
	}
	request.Header.Set("Authorization", "Bearer "+client.apiToken)
	request.Header.Set("Accept", "application/json")

	response, err := client.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", tokenledger.ErrProviderUnavailable, err)
	}
	defer func() { _ = response.Body.Close() }()

	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: unexpected status %d", tokenledger.ErrProviderUnavailable, response.StatusCode)
	}

	var payload ordersResponse
	if err := json.NewDecoder(response.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", tokenledger.ErrProviderUnavailable, err)
	}

	orders := make([]tokenledger.ProviderOrder, 0, len(payload.Orders))
	for _, order := range payload.Orders {
		if order.Status != orderStatusCompleted {
			continue
		}
		orders = append(orders, tokenledger.ProviderOrder{
			ExternalOrderID:   order.OrderID,
			ExternalProductID: order.ProductID,
		})
	}
	return orders, nil
}

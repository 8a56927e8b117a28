// Package shipment is the read-only client for the logistics collaborator.
// The escrow machine only consults it to auto-confirm delivery.
package shipment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

var ErrNotFound = errors.New("shipment not found")

const StatusDelivered = "delivered"

type Shipment struct {
	Status      string     `json:"status"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
}

type Client interface {
	Lookup(ctx context.Context, contractID string) (Shipment, error)
}

type HTTPClient struct {
	BaseURL string
	HTTP    *http.Client
}

func New(baseURL string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) Lookup(ctx context.Context, contractID string) (Shipment, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/by-contract/"+contractID, nil)
	if err != nil {
		return Shipment{}, err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return Shipment{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == 404 {
		return Shipment{}, ErrNotFound
	}
	if resp.StatusCode >= 300 {
		return Shipment{}, fmt.Errorf("shipment service returned %d", resp.StatusCode)
	}
	var out Shipment
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Shipment{}, err
	}
	return out, nil
}

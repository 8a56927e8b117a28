// Package gateway is the client for the external escrow payment gateway.
// Order creation is a blocking round-trip; inbound payment confirmations are
// authenticated with a keyed hash over "orderID|paymentID".
package gateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

type Client interface {
	CreateOrder(ctx context.Context, amount int64, currency, receipt string) (orderID string, err error)
	VerifySignature(orderID, paymentID, signature string) bool
}

type HTTPClient struct {
	BaseURL string
	Secret  string
	HTTP    *http.Client
}

func New(baseURL, secret string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Secret:  secret,
		HTTP:    &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) CreateOrder(ctx context.Context, amount int64, currency, receipt string) (string, error) {
	body := map[string]any{"amount": amount, "currency": currency, "receipt": receipt}
	b, err := json.Marshal(body)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/orders", bytes.NewReader(b))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("gateway returned %d", resp.StatusCode)
	}
	var out struct {
		OrderID string `json:"order_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	if out.OrderID == "" {
		return "", fmt.Errorf("gateway returned no order id")
	}
	return out.OrderID, nil
}

// VerifySignature recomputes the expected HMAC-SHA256 of "orderID|paymentID"
// under the shared secret and compares in constant time.
func (c *HTTPClient) VerifySignature(orderID, paymentID, signature string) bool {
	return Verify(c.Secret, orderID, paymentID, signature)
}

func Verify(secret, orderID, paymentID, signature string) bool {
	provided, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(orderID + "|" + paymentID))
	return hmac.Equal(mac.Sum(nil), provided)
}

// Sign is the counterpart of Verify; used by tests and dev tooling to forge
// gateway confirmations.
func Sign(secret, orderID, paymentID string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(orderID + "|" + paymentID))
	return hex.EncodeToString(mac.Sum(nil))
}

// Package ledger is the client for the external signature-attestation ledger.
// The ledger is opaque: the engine only deploys a contract record, submits
// per-role signing transactions, and reads back signature flags. The client
// is constructed once at startup and injected into the contract manager so
// tests can swap in a fake.
package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

type Deployment struct {
	Address string `json:"address"`
	TxHash  string `json:"tx_hash"`
}

type Client interface {
	Deploy(ctx context.Context, termsJSON []byte) (Deployment, error)
	SignAsSeller(ctx context.Context, address, signerAddr string) (txHash string, err error)
	SignAsBuyer(ctx context.Context, address, signerAddr string) (txHash string, err error)
	SellerSigned(ctx context.Context, address string) (bool, error)
	BuyerSigned(ctx context.Context, address string) (bool, error)
	IsFullySigned(ctx context.Context, address string) (bool, error)
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

func (c *HTTPClient) Deploy(ctx context.Context, termsJSON []byte) (Deployment, error) {
	body := map[string]any{"terms": json.RawMessage(termsJSON)}
	var out Deployment
	if err := c.post(ctx, "/contracts", body, &out); err != nil {
		return Deployment{}, err
	}
	if out.Address == "" || out.TxHash == "" {
		return Deployment{}, fmt.Errorf("ledger deploy returned incomplete result")
	}
	return out, nil
}

func (c *HTTPClient) SignAsSeller(ctx context.Context, address, signerAddr string) (string, error) {
	return c.sign(ctx, address, "seller", signerAddr)
}

func (c *HTTPClient) SignAsBuyer(ctx context.Context, address, signerAddr string) (string, error) {
	return c.sign(ctx, address, "buyer", signerAddr)
}

func (c *HTTPClient) sign(ctx context.Context, address, role, signerAddr string) (string, error) {
	body := map[string]any{"role": role, "signer": signerAddr}
	var out struct {
		TxHash string `json:"tx_hash"`
	}
	if err := c.post(ctx, "/contracts/"+address+"/sign", body, &out); err != nil {
		return "", err
	}
	if out.TxHash == "" {
		return "", fmt.Errorf("ledger sign returned no transaction")
	}
	return out.TxHash, nil
}

func (c *HTTPClient) SellerSigned(ctx context.Context, address string) (bool, error) {
	return c.flag(ctx, address, "seller_signed")
}

func (c *HTTPClient) BuyerSigned(ctx context.Context, address string) (bool, error) {
	return c.flag(ctx, address, "buyer_signed")
}

func (c *HTTPClient) IsFullySigned(ctx context.Context, address string) (bool, error) {
	return c.flag(ctx, address, "fully_signed")
}

func (c *HTTPClient) flag(ctx context.Context, address, name string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/contracts/"+address, nil)
	if err != nil {
		return false, err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return false, fmt.Errorf("ledger returned %d", resp.StatusCode)
	}
	var out map[string]bool
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, err
	}
	return out[name], nil
}

func (c *HTTPClient) post(ctx context.Context, path string, body, dst any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("ledger returned %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(dst)
}

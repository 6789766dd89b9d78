package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPClient talks to an SMS vendor exposing the common JSON activation
// API (purchase / status / cancel). Vendor-specific quirks stay behind
// this type; everything above it sees only the Port structs.
type HTTPClient struct {
	name    string
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewHTTPClient(name, baseURL, apiKey string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) Name() string { return c.name }

type purchaseResponse struct {
	ActivationID string `json:"activation_id"`
	PhoneNumber  string `json:"phone_number"`
	Cost         int64  `json:"cost"`
	Error        string `json:"error,omitempty"`
}

func (c *HTTPClient) PurchaseNumber(ctx context.Context, req PurchaseRequest) (*Purchase, error) {
	q := url.Values{}
	q.Set("service", req.Service)
	q.Set("country", req.Country)
	q.Set("capability", string(req.Capability))
	for k, v := range req.Filters {
		q.Set(k, v)
	}

	var resp purchaseResponse
	if err := c.call(ctx, http.MethodPost, "/stubs/purchase", q, &resp); err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("%s purchase: %s", c.name, resp.Error)
	}
	if resp.ActivationID == "" {
		return nil, fmt.Errorf("%s purchase: empty activation id", c.name)
	}
	return &Purchase{
		ActivationID: resp.ActivationID,
		PhoneNumber:  resp.PhoneNumber,
		Cost:         resp.Cost,
	}, nil
}

type statusResponse struct {
	Status string `json:"status"` // waiting | received | timeout
	Text   string `json:"text,omitempty"`
	Code   string `json:"code,omitempty"`
	Error  string `json:"error,omitempty"`
}

func (c *HTTPClient) CheckMessage(ctx context.Context, activationID string) (*MessageStatus, error) {
	q := url.Values{}
	q.Set("activation_id", activationID)

	var resp statusResponse
	if err := c.call(ctx, http.MethodGet, "/stubs/status", q, &resp); err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("%s status: %s", c.name, resp.Error)
	}

	switch resp.Status {
	case "received":
		return &MessageStatus{Received: true, Text: resp.Text, Code: resp.Code}, nil
	case "timeout":
		return &MessageStatus{TerminalTimeout: true}, nil
	default:
		return &MessageStatus{}, nil
	}
}

func (c *HTTPClient) CancelNumber(ctx context.Context, activationID string) error {
	q := url.Values{}
	q.Set("activation_id", activationID)

	var resp statusResponse
	if err := c.call(ctx, http.MethodPost, "/stubs/cancel", q, &resp); err != nil {
		return err
	}
	if resp.Error != "" {
		return fmt.Errorf("%s cancel: %s", c.name, resp.Error)
	}
	return nil
}

func (c *HTTPClient) call(ctx context.Context, method, path string, q url.Values, out any) error {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return err
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", c.name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%s: read body: %w", c.name, err)
	}
	if resp.StatusCode >= 500 {
		return fmt.Errorf("%s: status %d", c.name, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%s: status %d: %s", c.name, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%s: decode: %w", c.name, err)
	}
	return nil
}

// HTTPGateway verifies charges against the payment provider's transaction
// endpoint.
type HTTPGateway struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewHTTPGateway(baseURL, apiKey string, timeout time.Duration) *HTTPGateway {
	return &HTTPGateway{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

type verifyResponse struct {
	Status bool `json:"status"`
	Data   struct {
		Reference string `json:"reference"`
		Amount    int64  `json:"amount"`
		Status    string `json:"status"` // success | failed | abandoned | pending
	} `json:"data"`
}

func (g *HTTPGateway) VerifyTransaction(ctx context.Context, reference string) (*PaymentStatus, error) {
	u := g.baseURL + "/transaction/verify/" + url.PathEscape(reference)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	if g.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gateway: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("gateway: status %d", resp.StatusCode)
	}

	var body verifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("gateway: decode: %w", err)
	}

	st := &PaymentStatus{Reference: body.Data.Reference, Amount: body.Data.Amount}
	switch body.Data.Status {
	case "success":
		st.Settled = true
	case "failed", "abandoned":
		st.Failed = true
	}
	return st, nil
}

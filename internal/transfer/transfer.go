// Package transfer pays affiliates through the card provider's connected
// account transfers API.
package transfer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/charlesnunot/Stratos-sub003/internal/models"
	"github.com/charlesnunot/Stratos-sub003/internal/provider"

	"github.com/shopspring/decimal"
)

var (
	ErrNotConfigured = errors.New("transfer client not configured")
	ErrNoDestination = errors.New("transfer destination missing")
	ErrInvalidAmount = errors.New("transfer amount must be positive")
	ErrMissingKey    = errors.New("transfer idempotency key missing")
)

type Request struct {
	Destination string
	Amount      decimal.Decimal
	Currency    string
	Funding     models.FundingSource

	// SourceAccount is the seller's connected account when Funding is seller.
	SourceAccount  string
	IdempotencyKey string
	Group          string
	Metadata       map[string]string
}

type Result struct {
	ID string
}

type Transferer interface {
	Transfer(ctx context.Context, req Request) (Result, error)
}

type Client struct {
	baseURL   string
	secretKey string
	client    *http.Client
}

// NewClient has no timeout of its own; callers bound every transfer with a
// context deadline.
func NewClient(baseURL, secretKey string) *Client {
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		secretKey: secretKey,
		client:    &http.Client{},
	}
}

func (c *Client) Transfer(ctx context.Context, req Request) (Result, error) {
	if c.baseURL == "" || c.secretKey == "" {
		return Result{}, ErrNotConfigured
	}
	if req.Destination == "" {
		return Result{}, ErrNoDestination
	}
	if !req.Amount.IsPositive() {
		return Result{}, ErrInvalidAmount
	}
	if req.IdempotencyKey == "" {
		return Result{}, ErrMissingKey
	}

	values := url.Values{}
	values.Set("amount", strconv.FormatInt(provider.ToMinor(req.Amount, req.Currency), 10))
	values.Set("currency", strings.ToLower(req.Currency))
	values.Set("destination", req.Destination)
	if req.Group != "" {
		values.Set("transfer_group", req.Group)
	}
	for k, v := range req.Metadata {
		values.Set("metadata["+k+"]", v)
	}

	headers := http.Header{}
	headers.Set("Idempotency-Key", req.IdempotencyKey)
	if req.Funding == models.FundingSeller && req.SourceAccount != "" {
		headers.Set("Stripe-Account", req.SourceAccount)
	}

	var resp transferResponse
	if err := c.postForm(ctx, c.baseURL+"/v1/transfers", values, headers, &resp); err != nil {
		return Result{}, err
	}
	if resp.ID == "" {
		return Result{}, errors.New("transfer response without id")
	}
	return Result{ID: resp.ID}, nil
}

func (c *Client) postForm(ctx context.Context, endpoint string, values url.Values, headers http.Header, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(values.Encode()))
	if err != nil {
		return err
	}
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Authorization", "Bearer "+c.secretKey)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		var apiErr errorResponse
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error.Message != "" {
			return fmt.Errorf("transfer http status %d: %s", resp.StatusCode, apiErr.Error.Message)
		}
		msg := strings.TrimSpace(string(body))
		if msg != "" {
			return fmt.Errorf("transfer http status %d: %s", resp.StatusCode, msg)
		}
		return fmt.Errorf("transfer http status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

type transferResponse struct {
	ID     string `json:"id"`
	Object string `json:"object"`
}

type errorResponse struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

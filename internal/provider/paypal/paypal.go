// Package paypal captures wallet orders and parses the capture response.
package paypal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/charlesnunot/Stratos-sub003/internal/errs"
	"github.com/charlesnunot/Stratos-sub003/internal/models"
	"github.com/charlesnunot/Stratos-sub003/internal/provider"

	"github.com/shopspring/decimal"
)

const name = string(models.ProviderPayPal)

var (
	ErrConfigInvalid = errors.New("paypal: config invalid")
	ErrAuthFailed    = errors.New("paypal: auth failed")
	ErrRequestFailed = errors.New("paypal: request failed")
)

type Client struct {
	baseURL      string
	clientID     string
	clientSecret string
	client       *http.Client

	mu       sync.Mutex
	token    string
	tokenExp time.Time
}

func NewClient(baseURL, clientID, clientSecret string, timeout time.Duration) *Client {
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		clientID:     clientID,
		clientSecret: clientSecret,
		client:       &http.Client{Timeout: timeout},
	}
}

// CaptureOrder captures an approved order and returns the raw response.
// A replayed capture of an already captured order returns the order itself.
func (c *Client) CaptureOrder(ctx context.Context, orderID string) ([]byte, error) {
	if c.baseURL == "" || c.clientID == "" || c.clientSecret == "" {
		return nil, ErrConfigInvalid
	}
	token, err := c.accessToken(ctx)
	if err != nil {
		return nil, err
	}

	endpoint := c.baseURL + "/v2/checkout/orders/" + url.PathEscape(orderID) + "/capture"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader("{}"))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("PayPal-Request-Id", "capture-"+orderID)

	status, body, err := c.do(req)
	if err != nil {
		return nil, err
	}
	if status == http.StatusUnprocessableEntity && strings.Contains(string(body), "ORDER_ALREADY_CAPTURED") {
		return c.getOrder(ctx, token, orderID)
	}
	if status < 200 || status >= 300 {
		return nil, statusError(status, body)
	}
	return body, nil
}

func (c *Client) getOrder(ctx context.Context, token, orderID string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v2/checkout/orders/"+url.PathEscape(orderID), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	status, body, err := c.do(req)
	if err != nil {
		return nil, err
	}
	if status < 200 || status >= 300 {
		return nil, statusError(status, body)
	}
	return body, nil
}

func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" && time.Now().Before(c.tokenExp) {
		return c.token, nil
	}

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/oauth2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(c.clientID, c.clientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	status, body, err := c.do(req)
	if err != nil {
		return "", err
	}
	if status < 200 || status >= 300 {
		return "", fmt.Errorf("%w: http status %d", ErrAuthFailed, status)
	}
	var resp struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &resp); err != nil || resp.AccessToken == "" {
		return "", fmt.Errorf("%w: bad token response", ErrAuthFailed)
	}
	c.token = resp.AccessToken
	// refresh a minute early
	c.tokenExp = time.Now().Add(time.Duration(resp.ExpiresIn)*time.Second - time.Minute)
	return c.token, nil
}

func (c *Client) do(req *http.Request) (int, []byte, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %v", ErrRequestFailed, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %v", ErrRequestFailed, err)
	}
	return resp.StatusCode, body, nil
}

func statusError(status int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	if msg != "" {
		return fmt.Errorf("%w: http status %d: %s", ErrRequestFailed, status, msg)
	}
	return fmt.Errorf("%w: http status %d", ErrRequestFailed, status)
}

type orderResponse struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	PurchaseUnits []struct {
		CustomID string `json:"custom_id"`
		Payments struct {
			Captures []struct {
				ID       string `json:"id"`
				Status   string `json:"status"`
				CustomID string `json:"custom_id"`
				Amount   struct {
					CurrencyCode string `json:"currency_code"`
					Value        string `json:"value"`
				} `json:"amount"`
			} `json:"captures"`
		} `json:"payments"`
	} `json:"purchase_units"`
}

// ParseCapture trusts a capture response only when it answers for orderID
// and reports a completed capture.
func ParseCapture(orderID string, body []byte) (models.CaptureEvent, error) {
	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return models.CaptureEvent{}, errs.Verification(name, "decode capture: %v", err)
	}
	if resp.ID == "" || resp.ID != orderID {
		return models.CaptureEvent{}, errs.Verification(name, "order id %q does not match %q", resp.ID, orderID)
	}
	if resp.Status != "COMPLETED" {
		return models.CaptureEvent{}, errs.Verification(name, "order status %s", resp.Status)
	}
	if len(resp.PurchaseUnits) == 0 || len(resp.PurchaseUnits[0].Payments.Captures) == 0 {
		return models.CaptureEvent{}, errs.Verification(name, "no capture in response")
	}
	unit := resp.PurchaseUnits[0]
	capture := unit.Payments.Captures[0]
	if capture.ID == "" || capture.Status != "COMPLETED" {
		return models.CaptureEvent{}, errs.Verification(name, "capture %q status %s", capture.ID, capture.Status)
	}

	amount, err := decimal.NewFromString(capture.Amount.Value)
	if err != nil || !amount.IsPositive() {
		return models.CaptureEvent{}, errs.Verification(name, "bad amount %q", capture.Amount.Value)
	}
	currency := provider.NormalizeCurrency(capture.Amount.CurrencyCode)
	if !provider.ValidCurrency(currency) {
		return models.CaptureEvent{}, errs.Verification(name, "bad currency %q", capture.Amount.CurrencyCode)
	}

	customID := capture.CustomID
	if customID == "" {
		customID = unit.CustomID
	}
	meta, err := provider.ParseMetadata(name, []byte(customID))
	if err != nil {
		return models.CaptureEvent{}, err
	}

	return models.CaptureEvent{
		Provider:    models.ProviderPayPal,
		ProviderRef: capture.ID,
		Amount:      amount,
		Currency:    currency,
		Metadata:    meta,
		Raw:         body,
	}, nil
}

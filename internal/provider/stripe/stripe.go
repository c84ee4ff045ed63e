// Package stripe verifies and parses card checkout webhooks.
package stripe

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/charlesnunot/Stratos-sub003/internal/errs"
	"github.com/charlesnunot/Stratos-sub003/internal/models"
	"github.com/charlesnunot/Stratos-sub003/internal/provider"
)

const name = string(models.ProviderStripe)

const EventPaymentSucceeded = "payment_intent.succeeded"

// ErrIgnoredEvent is returned for verified events that carry no capture.
// They are acknowledged and dropped.
var ErrIgnoredEvent = errors.New("stripe: event ignored")

type Adapter struct {
	secret    string
	tolerance time.Duration
	now       func() time.Time
}

func New(secret string, tolerance time.Duration) *Adapter {
	return &Adapter{secret: secret, tolerance: tolerance, now: time.Now}
}

type event struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object struct {
			ID             string            `json:"id"`
			Object         string            `json:"object"`
			Amount         int64             `json:"amount"`
			AmountReceived int64             `json:"amount_received"`
			Currency       string            `json:"currency"`
			Status         string            `json:"status"`
			Metadata       map[string]string `json:"metadata"`
		} `json:"object"`
	} `json:"data"`
}

// Parse verifies the Stripe-Signature header and turns a succeeded
// payment intent into a capture event.
func (a *Adapter) Parse(body []byte, signatureHeader string) (models.CaptureEvent, error) {
	if err := a.verify(body, signatureHeader); err != nil {
		return models.CaptureEvent{}, err
	}

	var ev event
	if err := json.Unmarshal(body, &ev); err != nil {
		return models.CaptureEvent{}, errs.Verification(name, "decode event: %v", err)
	}
	if ev.Type != EventPaymentSucceeded {
		return models.CaptureEvent{}, ErrIgnoredEvent
	}
	obj := ev.Data.Object
	if obj.ID == "" {
		return models.CaptureEvent{}, errs.Verification(name, "payment intent id missing")
	}
	if obj.Status != "" && obj.Status != "succeeded" {
		return models.CaptureEvent{}, ErrIgnoredEvent
	}

	currency := provider.NormalizeCurrency(obj.Currency)
	if !provider.ValidCurrency(currency) {
		return models.CaptureEvent{}, errs.Verification(name, "bad currency %q", obj.Currency)
	}
	minor := obj.AmountReceived
	if minor == 0 {
		minor = obj.Amount
	}
	if minor <= 0 {
		return models.CaptureEvent{}, errs.Verification(name, "non-positive amount %d", minor)
	}

	meta, err := provider.ParseMetadataMap(name, obj.Metadata)
	if err != nil {
		return models.CaptureEvent{}, err
	}

	return models.CaptureEvent{
		Provider:    models.ProviderStripe,
		ProviderRef: obj.ID,
		Amount:      provider.FromMinor(minor, currency),
		Currency:    currency,
		Metadata:    meta,
		Raw:         body,
	}, nil
}

func (a *Adapter) verify(body []byte, header string) error {
	if a.secret == "" {
		return errs.Verification(name, "webhook secret not configured")
	}
	if header == "" {
		return errs.Verification(name, "missing signature header")
	}

	var ts int64
	var sigs []string
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return errs.Verification(name, "bad timestamp")
			}
			ts = n
		case "v1":
			sigs = append(sigs, v)
		}
	}
	if ts == 0 || len(sigs) == 0 {
		return errs.Verification(name, "malformed signature header")
	}

	expected := computeSignature(a.secret, ts, body)
	matched := false
	for _, s := range sigs {
		got, err := hex.DecodeString(s)
		if err == nil && hmac.Equal(got, expected) {
			matched = true
			break
		}
	}
	if !matched {
		return errs.Verification(name, "signature mismatch")
	}

	if a.tolerance > 0 {
		age := a.now().Sub(time.Unix(ts, 0))
		if age > a.tolerance || age < -a.tolerance {
			return errs.Verification(name, "timestamp outside tolerance")
		}
	}
	return nil
}

func computeSignature(secret string, ts int64, body []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(ts, 10)))
	mac.Write([]byte("."))
	mac.Write(body)
	return mac.Sum(nil)
}

// SignatureHeader builds a Stripe-Signature value for body.
func SignatureHeader(secret string, at time.Time, body []byte) string {
	ts := at.Unix()
	return "t=" + strconv.FormatInt(ts, 10) + ",v1=" + hex.EncodeToString(computeSignature(secret, ts, body))
}

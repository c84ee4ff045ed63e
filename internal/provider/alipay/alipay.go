// Package alipay verifies asynchronous trade notifications signed with
// RSA2 (SHA256withRSA).
package alipay

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/charlesnunot/Stratos-sub003/internal/errs"
	"github.com/charlesnunot/Stratos-sub003/internal/models"
	"github.com/charlesnunot/Stratos-sub003/internal/provider"

	"github.com/shopspring/decimal"
)

const name = string(models.ProviderAlipay)

// Bodies the provider expects back. Anything but AckSuccess is redelivered.
const (
	AckSuccess = "success"
	AckFailure = "fail"
)

// ErrNotPaid is returned for verified notifications whose trade is not
// (yet) paid, e.g. WAIT_BUYER_PAY or TRADE_CLOSED.
var ErrNotPaid = errors.New("alipay: trade not paid")

type Adapter struct {
	appID string
	pub   *rsa.PublicKey
}

// New accepts the platform public key either as PEM or as the bare base64
// body the merchant console hands out.
func New(appID, publicKey string) (*Adapter, error) {
	a := &Adapter{appID: appID}
	if strings.TrimSpace(publicKey) == "" {
		return a, nil
	}
	pub, err := parsePublicKey(publicKey)
	if err != nil {
		return nil, err
	}
	a.pub = pub
	return a, nil
}

func parsePublicKey(s string) (*rsa.PublicKey, error) {
	var der []byte
	if block, _ := pem.Decode([]byte(s)); block != nil {
		der = block.Bytes
	} else {
		b, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
		if err != nil {
			return nil, fmt.Errorf("alipay: public key: %w", err)
		}
		der = b
	}
	key, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("alipay: public key: %w", err)
	}
	pub, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("alipay: public key is not RSA")
	}
	return pub, nil
}

// SignContent is the string the provider signs: every non-empty parameter
// except sign and sign_type, sorted by key, joined as k=v&k=v.
func SignContent(form url.Values) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		if k == "sign" || k == "sign_type" || form.Get(k) == "" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(form.Get(k))
	}
	return b.String()
}

func (a *Adapter) Parse(form url.Values) (models.CaptureEvent, error) {
	if a.pub == nil {
		return models.CaptureEvent{}, errs.Verification(name, "public key not configured")
	}
	if st := form.Get("sign_type"); st != "" && st != "RSA2" {
		return models.CaptureEvent{}, errs.Verification(name, "unsupported sign_type %s", st)
	}
	sig, err := base64.StdEncoding.DecodeString(form.Get("sign"))
	if err != nil || len(sig) == 0 {
		return models.CaptureEvent{}, errs.Verification(name, "missing or malformed sign")
	}
	digest := sha256.Sum256([]byte(SignContent(form)))
	if err := rsa.VerifyPKCS1v15(a.pub, crypto.SHA256, digest[:], sig); err != nil {
		return models.CaptureEvent{}, errs.Verification(name, "signature mismatch")
	}
	if a.appID != "" && form.Get("app_id") != a.appID {
		return models.CaptureEvent{}, errs.Verification(name, "app_id %q does not match", form.Get("app_id"))
	}

	switch form.Get("trade_status") {
	case "TRADE_SUCCESS", "TRADE_FINISHED":
	default:
		return models.CaptureEvent{}, ErrNotPaid
	}

	tradeNo := form.Get("trade_no")
	if tradeNo == "" {
		return models.CaptureEvent{}, errs.Verification(name, "trade_no missing")
	}
	ref, err := models.ParseReference(form.Get("out_trade_no"))
	if err != nil {
		return models.CaptureEvent{}, errs.Verification(name, "out_trade_no %q: %v", form.Get("out_trade_no"), err)
	}
	meta := ref.Metadata()
	if err := provider.ValidateMetadata(name, meta); err != nil {
		return models.CaptureEvent{}, err
	}
	amount, err := decimal.NewFromString(form.Get("total_amount"))
	if err != nil || !amount.IsPositive() {
		return models.CaptureEvent{}, errs.Verification(name, "bad total_amount %q", form.Get("total_amount"))
	}

	raw, _ := json.Marshal(flatten(form))
	return models.CaptureEvent{
		Provider:    models.ProviderAlipay,
		ProviderRef: tradeNo,
		Amount:      amount,
		Currency:    "CNY",
		Metadata:    meta,
		Raw:         raw,
	}, nil
}

func flatten(form url.Values) map[string]string {
	out := make(map[string]string, len(form))
	for k := range form {
		if k == "sign" {
			continue
		}
		out[k] = form.Get(k)
	}
	return out
}

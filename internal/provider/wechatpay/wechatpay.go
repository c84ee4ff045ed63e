// Package wechatpay verifies the XML payment result notifications of the
// v2 merchant API.
package wechatpay

import (
	"bytes"
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"encoding/xml"
	"errors"
	"hash"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/charlesnunot/Stratos-sub003/internal/errs"
	"github.com/charlesnunot/Stratos-sub003/internal/models"
	"github.com/charlesnunot/Stratos-sub003/internal/provider"
)

const name = string(models.ProviderWeChatPay)

const (
	signMD5        = "MD5"
	signHMACSHA256 = "HMAC-SHA256"
)

var ErrNotPaid = errors.New("wechatpay: payment not successful")

type Adapter struct {
	appID  string
	mchID  string
	apiKey string
}

func New(appID, mchID, apiKey string) *Adapter {
	return &Adapter{appID: appID, mchID: mchID, apiKey: apiKey}
}

// Params is the flat <xml><k>v</k>...</xml> body.
type Params map[string]string

func DecodeXML(r io.Reader) (Params, error) {
	dec := xml.NewDecoder(r)
	out := Params{}
	depth := 0
	var key string
	var text strings.Builder
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			depth++
			if depth == 2 {
				key = t.Name.Local
				text.Reset()
			} else if depth > 2 {
				return nil, errors.New("nested element " + t.Name.Local)
			}
		case xml.CharData:
			if depth == 2 {
				text.Write(t)
			}
		case xml.EndElement:
			if depth == 2 {
				out[key] = strings.TrimSpace(text.String())
			}
			depth--
		}
	}
	if len(out) == 0 {
		return nil, errors.New("empty document")
	}
	return out, nil
}

func (p Params) EncodeXML() []byte {
	keys := p.sortedKeys(false)
	var b bytes.Buffer
	b.WriteString("<xml>")
	for _, k := range keys {
		b.WriteString("<" + k + "><![CDATA[")
		b.WriteString(strings.ReplaceAll(p[k], "]]>", "]]]]><![CDATA[>"))
		b.WriteString("]]></" + k + ">")
	}
	b.WriteString("</xml>")
	return b.Bytes()
}

func (p Params) sortedKeys(signing bool) []string {
	keys := make([]string, 0, len(p))
	for k, v := range p {
		if signing && (k == "sign" || v == "") {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Sign computes the upper-case hex signature over the sorted non-empty
// parameters followed by &key=<apiKey>.
func Sign(p Params, apiKey string) string {
	var b strings.Builder
	for _, k := range p.sortedKeys(true) {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(p[k])
		b.WriteByte('&')
	}
	b.WriteString("key=")
	b.WriteString(apiKey)

	var h hash.Hash
	if p["sign_type"] == signHMACSHA256 {
		h = hmac.New(sha256.New, []byte(apiKey))
	} else {
		h = md5.New()
	}
	h.Write([]byte(b.String()))
	return strings.ToUpper(hex.EncodeToString(h.Sum(nil)))
}

// Ack is the body the provider expects back; anything else is redelivered.
func Ack(ok bool, msg string) []byte {
	code := "SUCCESS"
	if !ok {
		code = "FAIL"
	}
	if msg == "" {
		msg = "OK"
	}
	return Params{"return_code": code, "return_msg": msg}.EncodeXML()
}

func (a *Adapter) Parse(body []byte) (models.CaptureEvent, error) {
	if a.apiKey == "" {
		return models.CaptureEvent{}, errs.Verification(name, "api key not configured")
	}
	p, err := DecodeXML(bytes.NewReader(body))
	if err != nil {
		return models.CaptureEvent{}, errs.Verification(name, "decode: %v", err)
	}
	if p["return_code"] != "SUCCESS" {
		return models.CaptureEvent{}, errs.Verification(name, "return_code %s: %s", p["return_code"], p["return_msg"])
	}
	switch st := p["sign_type"]; st {
	case "", signMD5, signHMACSHA256:
	default:
		return models.CaptureEvent{}, errs.Verification(name, "unsupported sign_type %s", st)
	}
	got := p["sign"]
	if got == "" || !hmac.Equal([]byte(strings.ToUpper(got)), []byte(Sign(p, a.apiKey))) {
		return models.CaptureEvent{}, errs.Verification(name, "signature mismatch")
	}
	if a.mchID != "" && p["mch_id"] != a.mchID {
		return models.CaptureEvent{}, errs.Verification(name, "mch_id %q does not match", p["mch_id"])
	}
	if a.appID != "" && p["appid"] != a.appID {
		return models.CaptureEvent{}, errs.Verification(name, "appid %q does not match", p["appid"])
	}
	if p["result_code"] != "SUCCESS" {
		return models.CaptureEvent{}, ErrNotPaid
	}

	txID := p["transaction_id"]
	if txID == "" {
		return models.CaptureEvent{}, errs.Verification(name, "transaction_id missing")
	}
	ref, err := models.ParseReference(p["out_trade_no"])
	if err != nil {
		return models.CaptureEvent{}, errs.Verification(name, "out_trade_no %q: %v", p["out_trade_no"], err)
	}
	meta := ref.Metadata()
	if err := provider.ValidateMetadata(name, meta); err != nil {
		return models.CaptureEvent{}, err
	}

	fen, err := strconv.ParseInt(p["total_fee"], 10, 64)
	if err != nil || fen <= 0 {
		return models.CaptureEvent{}, errs.Verification(name, "bad total_fee %q", p["total_fee"])
	}
	currency := "CNY"
	if c := p["fee_type"]; c != "" {
		currency = provider.NormalizeCurrency(c)
	}

	stored := make(map[string]string, len(p))
	for k, v := range p {
		if k != "sign" {
			stored[k] = v
		}
	}
	raw, _ := json.Marshal(stored)
	return models.CaptureEvent{
		Provider:    models.ProviderWeChatPay,
		ProviderRef: txID,
		Amount:      provider.FromMinor(fen, currency),
		Currency:    currency,
		Metadata:    meta,
		Raw:         raw,
	}, nil
}

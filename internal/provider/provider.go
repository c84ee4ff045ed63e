// Package provider holds what the four payment adapters share: the strict
// metadata schema and amount normalisation.
package provider

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/charlesnunot/Stratos-sub003/internal/errs"
	"github.com/charlesnunot/Stratos-sub003/internal/models"

	"github.com/shopspring/decimal"
)

// ParseMetadata decodes the {type, ...identifiers} blob attached at
// initiation time. Unknown types, unknown fields and missing identifiers
// are rejected.
func ParseMetadata(name string, raw []byte) (models.Metadata, error) {
	var m models.Metadata
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&m); err != nil {
		return models.Metadata{}, errs.Verification(name, "metadata: %v", err)
	}
	if dec.More() {
		return models.Metadata{}, errs.Verification(name, "metadata: trailing data")
	}
	if err := ValidateMetadata(name, m); err != nil {
		return models.Metadata{}, err
	}
	return m, nil
}

// ParseMetadataMap is ParseMetadata for providers that hand metadata back as
// a flat string map.
func ParseMetadataMap(name string, kv map[string]string) (models.Metadata, error) {
	raw, err := json.Marshal(kv)
	if err != nil {
		return models.Metadata{}, errs.Verification(name, "metadata: %v", err)
	}
	return ParseMetadata(name, raw)
}

func ValidateMetadata(name string, m models.Metadata) error {
	set := map[string]bool{
		"order_id":        m.OrderID != "",
		"group_id":        m.GroupID != "",
		"lot_id":          m.LotID != "",
		"subscription_id": m.SubscriptionID != "",
		"tip_id":          m.TipID != "",
		"user_id":         m.UserID != "",
	}
	var allowed []string
	switch m.Type {
	case models.PaymentOrder:
		if set["order_id"] == set["group_id"] {
			return errs.Verification(name, "metadata: order needs exactly one of order_id, group_id")
		}
		allowed = []string{"order_id", "group_id"}
	case models.PaymentDeposit:
		allowed = []string{"lot_id"}
	case models.PaymentSubscription:
		allowed = []string{"subscription_id"}
	case models.PaymentTip:
		allowed = []string{"tip_id"}
	case models.PaymentPlatformFee:
		allowed = []string{"user_id"}
	default:
		return errs.Verification(name, "metadata: unknown type %q", m.Type)
	}
	if m.Type != models.PaymentOrder && !set[allowed[0]] {
		return errs.Verification(name, "metadata: %s needs %s", m.Type, allowed[0])
	}
	for field, present := range set {
		if present && !contains(allowed, field) {
			return errs.Verification(name, "metadata: %s does not take %s", m.Type, field)
		}
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// Currencies without a minor unit.
var zeroDecimal = map[string]bool{
	"BIF": true, "CLP": true, "DJF": true, "GNF": true, "JPY": true, "KMF": true, "KRW": true,
	"MGA": true, "PYG": true, "RWF": true, "UGX": true, "VND": true, "VUV": true, "XAF": true,
	"XOF": true, "XPF": true,
}

// Currencies whose minor unit is a thousandth.
var threeDecimal = map[string]bool{
	"BHD": true, "JOD": true, "KWD": true, "OMR": true, "TND": true,
}

func NormalizeCurrency(c string) string {
	return strings.ToUpper(strings.TrimSpace(c))
}

// MinorExponent is the number of decimal places in currency's minor unit.
func MinorExponent(currency string) int32 {
	c := NormalizeCurrency(currency)
	switch {
	case zeroDecimal[c]:
		return 0
	case threeDecimal[c]:
		return 3
	}
	return 2
}

// FromMinor converts an integer minor-unit amount into a decimal.
func FromMinor(amount int64, currency string) decimal.Decimal {
	return decimal.New(amount, -MinorExponent(currency))
}

// ToMinor is the inverse of FromMinor, rounding half away from zero.
func ToMinor(amount decimal.Decimal, currency string) int64 {
	return amount.Shift(MinorExponent(currency)).Round(0).IntPart()
}

// ValidCurrency reports whether c looks like an ISO-4217 code.
func ValidCurrency(c string) bool {
	if len(c) != 3 {
		return false
	}
	for _, r := range c {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}

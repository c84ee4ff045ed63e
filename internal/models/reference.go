package models

import (
	"errors"
	"strconv"
	"strings"
	"time"
)

// Reference prefixes. They are parsed back out of provider notifications, so
// they must never change.
const (
	PrefixOrder        = "order"
	PrefixGroup        = "group"
	PrefixDeposit      = "deposit"
	PrefixSubscription = "sub"
	PrefixPlatformFee  = "platform_fee"
	PrefixTip          = "tip"
)

var ErrInvalidReference = errors.New("invalid payment reference")

// longest first so that platform_fee wins over any shorter prefix.
var referencePrefixes = []string{
	PrefixPlatformFee,
	PrefixSubscription,
	PrefixDeposit,
	PrefixGroup,
	PrefixOrder,
	PrefixTip,
}

// Reference is an out-trade-no of the form <purpose>_<entityId>_<unixMillis>.
type Reference struct {
	Prefix   string
	EntityID string
	IssuedAt time.Time
}

func NewReference(prefix, entityID string, at time.Time) string {
	return prefix + "_" + entityID + "_" + strconv.FormatInt(at.UnixMilli(), 10)
}

func ParseReference(s string) (Reference, error) {
	for _, p := range referencePrefixes {
		if !strings.HasPrefix(s, p+"_") {
			continue
		}
		rest := s[len(p)+1:]
		i := strings.LastIndexByte(rest, '_')
		if i <= 0 || i == len(rest)-1 {
			return Reference{}, ErrInvalidReference
		}
		ms, err := strconv.ParseInt(rest[i+1:], 10, 64)
		if err != nil || ms <= 0 {
			return Reference{}, ErrInvalidReference
		}
		return Reference{Prefix: p, EntityID: rest[:i], IssuedAt: time.UnixMilli(ms).UTC()}, nil
	}
	return Reference{}, ErrInvalidReference
}

// Metadata maps a reference onto the capture metadata it stands for.
func (r Reference) Metadata() Metadata {
	switch r.Prefix {
	case PrefixOrder:
		return Metadata{Type: PaymentOrder, OrderID: r.EntityID}
	case PrefixGroup:
		return Metadata{Type: PaymentOrder, GroupID: r.EntityID}
	case PrefixDeposit:
		return Metadata{Type: PaymentDeposit, LotID: r.EntityID}
	case PrefixSubscription:
		return Metadata{Type: PaymentSubscription, SubscriptionID: r.EntityID}
	case PrefixPlatformFee:
		return Metadata{Type: PaymentPlatformFee, UserID: r.EntityID}
	case PrefixTip:
		return Metadata{Type: PaymentTip, TipID: r.EntityID}
	}
	return Metadata{}
}

// ReferencePrefix is the inverse of Reference.Metadata.
func (m Metadata) ReferencePrefix() string {
	switch m.Type {
	case PaymentOrder:
		if m.GroupID != "" {
			return PrefixGroup
		}
		return PrefixOrder
	case PaymentDeposit:
		return PrefixDeposit
	case PaymentSubscription:
		return PrefixSubscription
	case PaymentPlatformFee:
		return PrefixPlatformFee
	case PaymentTip:
		return PrefixTip
	}
	return ""
}

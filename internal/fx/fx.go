// Package fx answers rate(from, to). The live source of rates is outside
// this service; Static serves the configured table.
package fx

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var ErrNoRate = errors.New("exchange rate not available")

type Rates interface {
	// Rate returns the factor f such that amount_in_from * f = amount_in_to.
	Rate(ctx context.Context, from, to string) (decimal.Decimal, error)
}

type Static struct {
	rates map[string]decimal.Decimal
}

// NewStatic parses "FROM/TO" -> factor pairs. Inverse pairs are derived.
func NewStatic(table map[string]string) (*Static, error) {
	s := &Static{rates: make(map[string]decimal.Decimal, len(table)*2)}
	for pair, raw := range table {
		from, to, ok := strings.Cut(strings.ToUpper(strings.TrimSpace(pair)), "/")
		if !ok || from == "" || to == "" {
			return nil, fmt.Errorf("fx: bad pair %q", pair)
		}
		f, err := decimal.NewFromString(raw)
		if err != nil || !f.IsPositive() {
			return nil, fmt.Errorf("fx: bad rate for %s: %q", pair, raw)
		}
		s.rates[from+"/"+to] = f
		if _, exists := table[to+"/"+from]; !exists {
			s.rates[to+"/"+from] = decimal.NewFromInt(1).DivRound(f, 12)
		}
	}
	return s, nil
}

func (s *Static) Rate(ctx context.Context, from, to string) (decimal.Decimal, error) {
	from, to = strings.ToUpper(from), strings.ToUpper(to)
	if from == to {
		return decimal.NewFromInt(1), nil
	}
	if f, ok := s.rates[from+"/"+to]; ok {
		return f, nil
	}
	return decimal.Zero, fmt.Errorf("%w: %s/%s", ErrNoRate, from, to)
}

// Convert converts amount from one currency to another.
func Convert(ctx context.Context, r Rates, amount decimal.Decimal, from, to string) (decimal.Decimal, error) {
	f, err := r.Rate(ctx, from, to)
	if err != nil {
		return decimal.Zero, err
	}
	return amount.Mul(f), nil
}

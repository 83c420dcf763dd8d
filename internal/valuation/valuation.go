// Package valuation builds the rate snapshot used by one settlement run.
package valuation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mintpool/settler/internal/config"
)

// ErrUnavailable is returned when a required rate cannot be produced.
// The run must abort before any writes; defaulting a rate would break
// gross conservation against the pool's reported total.
var ErrUnavailable = errors.New("valuation unavailable")

// IsUnavailable reports whether an error means the run must abort
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// RateSnapshot is a frozen set of conversion rates. Immutable once
// created; every computation in a settlement run consumes the same
// snapshot, never a refetched rate.
type RateSnapshot struct {
	Coin           string          `json:"coin"`
	AccountingRate decimal.Decimal `json:"accounting_rate"` // accounting units per native coin
	DisplayRate    decimal.Decimal `json:"display_rate"`    // display currency per native coin
	Source         string          `json:"source"`
	CapturedAt     time.Time       `json:"captured_at"`
}

// Service produces rate snapshots from a manual per-coin ratio composed
// with a live external exchange rate.
type Service struct {
	cfg    *config.ValuationConfig
	client *http.Client
}

// NewService creates a valuation service
func NewService(cfg *config.ValuationConfig) *Service {
	return &Service{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// Snapshot captures one consistent rate set for a coin
func (s *Service) Snapshot(ctx context.Context, coin string) (*RateSnapshot, error) {
	ratioStr, ok := s.cfg.AccountingRatio[coin]
	if !ok {
		return nil, fmt.Errorf("%w: no accounting ratio configured for %s", ErrUnavailable, coin)
	}
	ratio, err := decimal.NewFromString(ratioStr)
	if err != nil || ratio.Sign() <= 0 {
		return nil, fmt.Errorf("%w: bad accounting ratio %q for %s", ErrUnavailable, ratioStr, coin)
	}

	displayRate, source, err := s.fetchDisplayRate(ctx, coin)
	if err != nil {
		return nil, err
	}

	return &RateSnapshot{
		Coin:           coin,
		AccountingRate: ratio.Mul(displayRate),
		DisplayRate:    displayRate,
		Source:         source,
		CapturedAt:     time.Now().UTC(),
	}, nil
}

// fetchDisplayRate pulls the live coin -> display-currency rate
func (s *Service) fetchDisplayRate(ctx context.Context, coin string) (decimal.Decimal, string, error) {
	if s.cfg.RateURL == "" {
		return decimal.Zero, "", fmt.Errorf("%w: rate_url not configured", ErrUnavailable)
	}

	rateURL := strings.ReplaceAll(s.cfg.RateURL, "{coin}", coin)
	rateURL = strings.ReplaceAll(rateURL, "{currency}", s.cfg.DisplayCurrency)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rateURL, nil)
	if err != nil {
		return decimal.Zero, "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return decimal.Zero, "", fmt.Errorf("%w: fetching rate: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, "", fmt.Errorf("%w: rate endpoint returned %d", ErrUnavailable, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return decimal.Zero, "", fmt.Errorf("%w: reading rate response: %v", ErrUnavailable, err)
	}

	var doc interface{}
	if err := json.Unmarshal(body, &doc); err != nil {
		return decimal.Zero, "", fmt.Errorf("%w: decoding rate response: %v", ErrUnavailable, err)
	}

	rateStr, ok := lookupPath(doc, s.cfg.RatePath)
	if !ok {
		return decimal.Zero, "", fmt.Errorf("%w: rate missing at path %s", ErrUnavailable, s.cfg.RatePath)
	}

	rate, err := decimal.NewFromString(rateStr)
	if err != nil || rate.Sign() <= 0 {
		return decimal.Zero, "", fmt.Errorf("%w: bad rate value %q", ErrUnavailable, rateStr)
	}

	return rate, rateURL, nil
}

// lookupPath walks a decoded JSON document along a dot-separated path
func lookupPath(doc interface{}, path string) (string, bool) {
	cur := doc
	if path != "" {
		for _, part := range strings.Split(path, ".") {
			m, ok := cur.(map[string]interface{})
			if !ok {
				return "", false
			}
			cur, ok = m[part]
			if !ok {
				return "", false
			}
		}
	}

	switch t := cur.(type) {
	case string:
		return t, true
	case float64:
		return decimal.NewFromFloat(t).String(), true
	default:
		return "", false
	}
}

// Package reconcile compares the engine's computed aggregates against the
// pool's self-reported totals and flags drift.
package reconcile

import (
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mintpool/settler/internal/util"
)

// Alert kinds opened on threshold breach
const (
	KindHashrateDrift = "hashrate_drift"
	KindRevenueDrift  = "revenue_drift"
)

// Alerter opens scoped drift alerts. Opening is idempotent per
// (scope, kind, window).
type Alerter interface {
	OpenDriftAlert(scope, kind, message string, windowStart time.Time) (bool, error)
}

// Result summarizes one reconciliation check
type Result struct {
	HashrateDrift   float64
	RevenueDrift    float64
	HashrateAlerted bool
	RevenueAlerted  bool
}

// Service checks drift against two independent thresholds. A breach opens
// an alert scoped to the account/coin; it never blocks the settlement
// commit, so a pool-side reporting glitch cannot stall user payouts.
type Service struct {
	hashrateThreshold float64
	revenueThreshold  float64
	alerts            Alerter
}

// NewService creates a reconcile service
func NewService(hashrateThreshold, revenueThreshold float64, alerts Alerter) *Service {
	return &Service{
		hashrateThreshold: hashrateThreshold,
		revenueThreshold:  revenueThreshold,
		alerts:            alerts,
	}
}

// Check compares computed vs reported hashrate and revenue for a window
func (s *Service) Check(scope string, windowStart time.Time,
	computedHashrate, reportedHashrate float64,
	computedRevenue, reportedRevenue decimal.Decimal) (*Result, error) {

	result := &Result{
		HashrateDrift: relativeDiff(computedHashrate, reportedHashrate),
		RevenueDrift:  relativeDiffDecimal(computedRevenue, reportedRevenue),
	}

	if result.HashrateDrift > s.hashrateThreshold {
		msg := fmt.Sprintf("hashrate drift %.2f%% exceeds threshold %.2f%% (computed %.2f, reported %.2f)",
			result.HashrateDrift*100, s.hashrateThreshold*100, computedHashrate, reportedHashrate)
		opened, err := s.alerts.OpenDriftAlert(scope, KindHashrateDrift, msg, windowStart)
		if err != nil {
			return result, err
		}
		result.HashrateAlerted = opened
		util.Warnf("Reconcile %s: %s", scope, msg)
	}

	if result.RevenueDrift > s.revenueThreshold {
		msg := fmt.Sprintf("revenue drift %.2f%% exceeds threshold %.2f%% (computed %s, reported %s)",
			result.RevenueDrift*100, s.revenueThreshold*100, computedRevenue, reportedRevenue)
		opened, err := s.alerts.OpenDriftAlert(scope, KindRevenueDrift, msg, windowStart)
		if err != nil {
			return result, err
		}
		result.RevenueAlerted = opened
		util.Warnf("Reconcile %s: %s", scope, msg)
	}

	return result, nil
}

// relativeDiff returns |a-b| / |b|, the reported figure as the baseline
func relativeDiff(a, b float64) float64 {
	if b == 0 {
		if a == 0 {
			return 0
		}
		return math.Inf(1)
	}
	return math.Abs(a-b) / math.Abs(b)
}

func relativeDiffDecimal(a, b decimal.Decimal) float64 {
	if b.IsZero() {
		if a.IsZero() {
			return 0
		}
		return math.Inf(1)
	}
	diff, _ := a.Sub(b).Abs().Div(b.Abs()).Float64()
	return diff
}

// Package settle implements proportional settlement allocation and the
// per-account settlement pipeline.
package settle

import (
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

var (
	// ErrNegativeGross rejects a batch before allocation
	ErrNegativeGross = errors.New("gross amount is negative")

	// ErrBadCommissionRate rejects a commission rate outside [0, 1]
	ErrBadCommissionRate = errors.New("commission rate outside [0,1]")

	// ErrConservation is an internal invariant failure. Fatal for the
	// batch; nothing may be committed.
	ErrConservation = errors.New("allocation does not conserve gross amount")
)

// Item is one user's allocated share of a settlement batch
type Item struct {
	UserID     string
	Score      decimal.Decimal
	Gross      decimal.Decimal
	Net        decimal.Decimal
	Commission decimal.Decimal
}

// Allocate splits a gross amount among users proportionally to their
// scores, conserving the total exactly at the ledger's minimal unit.
//
// Rounding is largest-remainder: each share is truncated to scale, then
// the leftover is handed out one minimal unit at a time to the largest
// fractional remainders, ties broken by ascending user ID. Commission is
// always rounded down and net = gross - commission, so both conservation
// sums hold exactly. Fully deterministic for fixed inputs.
//
// gross must already be truncated to scale. A zero total score yields no
// items and no error; the caller marks the batch empty.
func Allocate(gross decimal.Decimal, scores map[string]decimal.Decimal,
	commissionRate decimal.Decimal, scale int32) ([]Item, error) {

	if gross.IsNegative() {
		return nil, ErrNegativeGross
	}
	if commissionRate.IsNegative() || commissionRate.GreaterThan(decimal.NewFromInt(1)) {
		return nil, ErrBadCommissionRate
	}
	if !gross.Equal(gross.Truncate(scale)) {
		return nil, fmt.Errorf("gross %s is not at ledger scale %d", gross, scale)
	}

	userIDs := make([]string, 0, len(scores))
	totalScore := decimal.Zero
	for userID, score := range scores {
		if score.Sign() <= 0 {
			continue
		}
		userIDs = append(userIDs, userID)
		totalScore = totalScore.Add(score)
	}
	if totalScore.IsZero() {
		return nil, nil
	}
	sort.Strings(userIDs)

	// Truncated quotient and exact remainder share a denominator
	// (totalScore), so remainders order the leftover distribution
	// without any further division.
	items := make([]Item, len(userIDs))
	remainders := make([]decimal.Decimal, len(userIDs))
	allocated := decimal.Zero

	for i, userID := range userIDs {
		score := scores[userID]
		q, r := gross.Mul(score).QuoRem(totalScore, scale)
		items[i] = Item{UserID: userID, Score: score, Gross: q}
		remainders[i] = r
		allocated = allocated.Add(q)
	}

	unit := decimal.New(1, -scale)
	leftoverUnits := gross.Sub(allocated).Div(unit).IntPart()

	order := make([]int, len(items))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		cmp := remainders[order[a]].Cmp(remainders[order[b]])
		if cmp != 0 {
			return cmp > 0
		}
		return items[order[a]].UserID < items[order[b]].UserID
	})

	for i := int64(0); i < leftoverUnits; i++ {
		idx := order[i%int64(len(order))]
		items[idx].Gross = items[idx].Gross.Add(unit)
	}

	totalGross := decimal.Zero
	totalNet := decimal.Zero
	totalCommission := decimal.Zero
	for i := range items {
		items[i].Commission = items[i].Gross.Mul(commissionRate).RoundDown(scale)
		items[i].Net = items[i].Gross.Sub(items[i].Commission)

		totalGross = totalGross.Add(items[i].Gross)
		totalNet = totalNet.Add(items[i].Net)
		totalCommission = totalCommission.Add(items[i].Commission)
	}

	if !totalGross.Equal(gross) {
		return nil, fmt.Errorf("%w: allocated %s of %s", ErrConservation, totalGross, gross)
	}
	if !totalNet.Add(totalCommission).Equal(totalGross) {
		return nil, fmt.Errorf("%w: net %s + commission %s != gross %s",
			ErrConservation, totalNet, totalCommission, totalGross)
	}

	return items, nil
}

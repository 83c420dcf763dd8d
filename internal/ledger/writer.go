// Package ledger commits settlement results as idempotent ledger rows.
package ledger

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mintpool/settler/internal/config"
	"github.com/mintpool/settler/internal/storage"
	"github.com/mintpool/settler/internal/util"
)

// Ledger entry reference types
const (
	RefTypeMiningPayout     = "mining_payout"
	RefTypeInviteCommission = "invite_commission"
	RefTypeWithdrawal       = "withdrawal"
)

// Item is one user's allocated share of a batch, as handed over by the
// allocation engine for commit
type Item struct {
	UserID     string
	Score      decimal.Decimal
	Gross      decimal.Decimal
	Net        decimal.Decimal
	Commission decimal.Decimal
}

// CommissionTier maps an invitee count onto an inviter commission rate
type CommissionTier struct {
	MinInvitees int64
	Rate        decimal.Decimal
}

// Store is the persistence surface the writer commits through.
// Every insert is keyed by a stable business identifier, so replaying a
// committed batch after a crash-retry is a guaranteed no-op.
type Store interface {
	UpdateBatch(b *storage.SettlementBatch) error
	WriteItem(item *storage.SettlementItem) error
	InsertLedgerEntry(entry *storage.LedgerEntry, amountUnits int64) (bool, error)
	WriteCommissionRecord(rec *storage.CommissionRecord) error
	WritePlatformCommission(rec *storage.PlatformCommission) error
	GetInviter(userID string) (string, error)
	InviteeCount(inviterID string) (int64, error)
}

// Writer commits settlement batches
type Writer struct {
	store Store
	scale int32
	tiers []CommissionTier // sorted ascending by MinInvitees
}

// NewWriter creates a ledger writer. Tiers may be empty, in which case
// the whole commission goes to the platform.
func NewWriter(store Store, scale int32, tiers []CommissionTier) *Writer {
	sorted := make([]CommissionTier, len(tiers))
	copy(sorted, tiers)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].MinInvitees < sorted[j].MinInvitees })

	return &Writer{store: store, scale: scale, tiers: sorted}
}

// TiersFromConfig parses configured commission tiers
func TiersFromConfig(tiers []config.CommissionTierConfig) ([]CommissionTier, error) {
	parsed := make([]CommissionTier, 0, len(tiers))
	for i, t := range tiers {
		rate, err := decimal.NewFromString(t.Rate)
		if err != nil {
			return nil, fmt.Errorf("commission_tiers[%d].rate %q: %w", i, t.Rate, err)
		}
		if rate.IsNegative() || rate.GreaterThan(decimal.NewFromInt(1)) {
			return nil, fmt.Errorf("commission_tiers[%d].rate %q outside [0,1]", i, t.Rate)
		}
		if t.MinInvitees < 0 {
			return nil, fmt.Errorf("commission_tiers[%d].min_invitees is negative", i)
		}
		parsed = append(parsed, CommissionTier{MinInvitees: t.MinInvitees, Rate: rate})
	}
	return parsed, nil
}

// CommissionRateForUser returns the inviter's tier rate by invitee count
func (w *Writer) CommissionRateForUser(inviterID string) (decimal.Decimal, error) {
	count, err := w.store.InviteeCount(inviterID)
	if err != nil {
		return decimal.Zero, err
	}

	rate := decimal.Zero
	for _, tier := range w.tiers {
		if count >= tier.MinInvitees {
			rate = tier.Rate
		}
	}
	return rate, nil
}

// CommitBatch writes all rows of a settlement batch: one ledger entry per
// item, inviter commission records where a tier applies, and a platform
// commission audit row per item. All inserts are insert-if-absent.
func (w *Writer) CommitBatch(batch *storage.SettlementBatch, items []Item, currency string) error {
	now := time.Now().Unix()

	for _, item := range items {
		itemRef := util.ItemRef(batch.Ref, item.UserID)

		if err := w.store.WriteItem(&storage.SettlementItem{
			Ref:        itemRef,
			BatchRef:   batch.Ref,
			UserID:     item.UserID,
			Score:      item.Score.String(),
			Gross:      item.Gross.String(),
			Net:        item.Net.String(),
			Commission: item.Commission.String(),
		}); err != nil {
			return fmt.Errorf("writing item for %s: %w", item.UserID, err)
		}

		inserted, err := w.store.InsertLedgerEntry(&storage.LedgerEntry{
			UserID:    item.UserID,
			RefType:   RefTypeMiningPayout,
			RefID:     batch.Ref,
			Currency:  currency,
			Amount:    item.Net.String(),
			EventTime: batch.WindowEnd,
		}, item.Net.Shift(w.scale).IntPart())
		if err != nil {
			return fmt.Errorf("crediting payout for %s: %w", item.UserID, err)
		}
		if !inserted {
			util.Debugf("Payout entry for %s in batch %s already present, skipping", item.UserID, batch.Ref)
		}

		if err := w.writeCommissionRows(batch, item, itemRef, currency, now); err != nil {
			return err
		}
	}

	batch.Status = storage.BatchStatusCommitted
	batch.CommittedAt = now
	if err := w.store.UpdateBatch(batch); err != nil {
		return fmt.Errorf("marking batch committed: %w", err)
	}

	util.Infof("Batch %s committed: %d items, gross %s %s",
		batch.Ref, len(items), batch.GrossAccounting, currency)
	return nil
}

// writeCommissionRows splits one item's commission between the user's
// inviter (by tier) and the platform. The inviter cut rounds down so the
// split always sums back to the item's commission exactly.
func (w *Writer) writeCommissionRows(batch *storage.SettlementBatch, item Item,
	itemRef, currency string, now int64) error {

	inviterCut := decimal.Zero

	inviter, err := w.store.GetInviter(item.UserID)
	if err != nil {
		return fmt.Errorf("looking up inviter of %s: %w", item.UserID, err)
	}

	if inviter != "" && item.Commission.Sign() > 0 {
		rate, err := w.CommissionRateForUser(inviter)
		if err != nil {
			return fmt.Errorf("tier rate for inviter %s: %w", inviter, err)
		}

		inviterCut = item.Commission.Mul(rate).RoundDown(w.scale)
		if inviterCut.Sign() > 0 {
			if err := w.store.WriteCommissionRecord(&storage.CommissionRecord{
				InviterID: inviter,
				InviteeID: item.UserID,
				BatchRef:  batch.Ref,
				Amount:    inviterCut.String(),
				CreatedAt: now,
			}); err != nil {
				return fmt.Errorf("writing commission record: %w", err)
			}

			if _, err := w.store.InsertLedgerEntry(&storage.LedgerEntry{
				UserID:    inviter,
				RefType:   RefTypeInviteCommission,
				RefID:     itemRef,
				Currency:  currency,
				Amount:    inviterCut.String(),
				EventTime: batch.WindowEnd,
			}, inviterCut.Shift(w.scale).IntPart()); err != nil {
				return fmt.Errorf("crediting inviter %s: %w", inviter, err)
			}
		}
	}

	platformCut := item.Commission.Sub(inviterCut)
	if err := w.store.WritePlatformCommission(&storage.PlatformCommission{
		BatchRef:  batch.Ref,
		UserID:    item.UserID,
		Amount:    platformCut.String(),
		CreatedAt: now,
	}); err != nil {
		return fmt.Errorf("writing platform commission: %w", err)
	}

	return nil
}

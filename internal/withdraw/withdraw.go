// Package withdraw applies user balance withdrawals against the ledger.
package withdraw

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mintpool/settler/internal/ledger"
	"github.com/mintpool/settler/internal/newrelic"
	"github.com/mintpool/settler/internal/storage"
	"github.com/mintpool/settler/internal/util"
)

var (
	// ErrBlocked means the user has an open risk alert
	ErrBlocked = errors.New("withdrawals blocked by open alert")

	// ErrInsufficient means the balance does not cover the amount
	ErrInsufficient = errors.New("insufficient balance")

	// ErrBusy means another withdrawal for this user is in flight
	ErrBusy = errors.New("user withdrawal already in progress")

	// ErrBadAmount rejects a non-positive or off-scale amount
	ErrBadAmount = errors.New("invalid withdrawal amount")
)

// Store is the persistence surface for withdrawals
type Store interface {
	AcquireUserLock(userID, lockID string, ttl time.Duration) (bool, error)
	ReleaseUserLock(userID, lockID string) error
	DebitBalance(entry *storage.LedgerEntry, amountUnits int64) (storage.DebitResult, error)
	GetBalance(userID string) (int64, error)
}

// AlertChecker reports whether a user is under active risk review
type AlertChecker interface {
	HasOpenAlerts(userID string) (bool, error)
}

// Service applies withdrawals. One withdrawal per user at a time; the
// debit itself is idempotent by request ID, so a client retry after a
// timeout cannot double-spend.
type Service struct {
	store    Store
	alerts   AlertChecker
	apm      *newrelic.Agent
	scale    int32
	currency string
	lockTTL  time.Duration
}

// NewService creates a withdraw service
func NewService(store Store, alerts AlertChecker, apm *newrelic.Agent, scale int32, currency string) *Service {
	return &Service{
		store:    store,
		alerts:   alerts,
		apm:      apm,
		scale:    scale,
		currency: currency,
		lockTTL:  30 * time.Second,
	}
}

// Apply debits amount from the user's balance, keyed by requestID.
// Replaying a requestID that already debited returns duplicate=true with
// no further balance change.
func (s *Service) Apply(userID, requestID string, amount decimal.Decimal) (duplicate bool, err error) {
	if userID == "" || requestID == "" {
		return false, fmt.Errorf("%w: missing user or request id", ErrBadAmount)
	}
	if amount.Sign() <= 0 {
		return false, ErrBadAmount
	}
	if !amount.Equal(amount.Truncate(s.scale)) {
		return false, fmt.Errorf("%w: %s is not at ledger scale %d", ErrBadAmount, amount, s.scale)
	}

	locked, err := s.store.AcquireUserLock(userID, requestID, s.lockTTL)
	if err != nil {
		return false, err
	}
	if !locked {
		return false, ErrBusy
	}
	defer func() {
		if relErr := s.store.ReleaseUserLock(userID, requestID); relErr != nil {
			util.Errorf("Failed to release withdraw lock for %s: %v", userID, relErr)
		}
	}()

	blocked, err := s.alerts.HasOpenAlerts(userID)
	if err != nil {
		return false, err
	}
	if blocked {
		return false, ErrBlocked
	}

	result, err := s.store.DebitBalance(&storage.LedgerEntry{
		UserID:    userID,
		RefType:   ledger.RefTypeWithdrawal,
		RefID:     requestID,
		Currency:  s.currency,
		Amount:    amount.Neg().String(),
		EventTime: time.Now().Unix(),
	}, amount.Shift(s.scale).IntPart())
	if err != nil {
		return false, err
	}

	switch result {
	case storage.DebitApplied:
		util.Infof("Withdrawal %s applied: %s %s debited from %s", requestID, amount, s.currency, userID)
		if s.apm != nil {
			s.apm.RecordWithdrawal(userID, requestID, amount.String())
		}
		return false, nil
	case storage.DebitDuplicate:
		util.Debugf("Withdrawal %s for %s already applied, no-op", requestID, userID)
		return true, nil
	default:
		return false, ErrInsufficient
	}
}

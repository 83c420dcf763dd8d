// Package storage provides data persistence for the settlement engine.
package storage

import "fmt"

// WorkerSample is one polled observation of a pool worker.
// Samples are immutable once recorded; re-polling the same data
// produces the same member and is a no-op.
type WorkerSample struct {
	PoolSource  string  `json:"pool_source"`
	Account     string  `json:"account"`
	Coin        string  `json:"coin"`
	RawWorkerID string  `json:"raw_worker_id"`
	HashNow     float64 `json:"hash_now"`
	HashAvg     float64 `json:"hash_avg"`
	Payhash     string  `json:"payhash"` // decimal string, work weight for attribution
	LastShareAt int64   `json:"last_share_at"`
	Timestamp   int64   `json:"timestamp"`
}

// BatchStatus represents settlement batch lifecycle state
type BatchStatus string

const (
	BatchStatusPending   BatchStatus = "pending"
	BatchStatusCommitted BatchStatus = "committed"
	BatchStatusEmpty     BatchStatus = "empty"
)

// SettlementBatch is one allocation run over a settlement window.
// Identity key = (pool_source, account, coin, window_start, window_end),
// folded into Ref; creation is insert-if-absent.
type SettlementBatch struct {
	Ref             string      `json:"ref"`
	PoolSource      string      `json:"pool_source"`
	Account         string      `json:"account"`
	Coin            string      `json:"coin"`
	WindowStart     int64       `json:"window_start"`
	WindowEnd       int64       `json:"window_end"`
	GrossNative     string      `json:"gross_native"`
	GrossAccounting string      `json:"gross_accounting"`
	RateSource      string      `json:"rate_source"`
	Status          BatchStatus `json:"status"`
	CreatedAt       int64       `json:"created_at"`
	CommittedAt     int64       `json:"committed_at,omitempty"`
}

// SettlementItem is one user's allocated share of a batch
type SettlementItem struct {
	Ref        string `json:"ref"`
	BatchRef   string `json:"batch_ref"`
	UserID     string `json:"user_id"`
	Score      string `json:"score"`
	Gross      string `json:"gross"`
	Net        string `json:"net"`
	Commission string `json:"commission"`
}

// LedgerEntry is an append-only accounting row.
// Idempotency key = (user_id, ref_type, ref_id).
type LedgerEntry struct {
	UserID    string `json:"user_id"`
	RefType   string `json:"ref_type"`
	RefID     string `json:"ref_id"`
	Currency  string `json:"currency"`
	Amount    string `json:"amount"` // accounting units, signed decimal string
	TxHash    string `json:"tx_hash,omitempty"`
	EventTime int64  `json:"event_time"`
}

// Key returns the idempotency field for this entry
func (e *LedgerEntry) Key() string {
	return e.RefType + ":" + e.RefID
}

// CommissionRecord is the inviter's cut of one settlement item's commission
type CommissionRecord struct {
	InviterID string `json:"inviter_id"`
	InviteeID string `json:"invitee_id"`
	BatchRef  string `json:"batch_ref"`
	Amount    string `json:"amount"`
	CreatedAt int64  `json:"created_at"`
}

// PlatformCommission is the platform's cut of one settlement item's commission
type PlatformCommission struct {
	BatchRef  string `json:"batch_ref"`
	UserID    string `json:"user_id"`
	Amount    string `json:"amount"`
	CreatedAt int64  `json:"created_at"`
}

// Alert is a risk signal raised by reconciliation.
// Open alerts block withdrawals for the affected user, if any.
type Alert struct {
	Ref        string `json:"ref"`
	Scope      string `json:"scope"` // source:account:coin
	UserID     string `json:"user_id,omitempty"`
	Kind       string `json:"kind"`
	Message    string `json:"message"`
	OpenedAt   int64  `json:"opened_at"`
	ResolvedAt int64  `json:"resolved_at,omitempty"`
}

// ScopeKey builds the canonical scope string for a pool account
func ScopeKey(source, account, coin string) string {
	return fmt.Sprintf("%s:%s:%s", source, account, coin)
}

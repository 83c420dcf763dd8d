package util

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/zeebo/blake3"
)

// BatchRef derives the stable business identifier for a settlement batch.
// The same (source, account, coin, window) always hashes to the same ref,
// which is what makes batch creation and ledger writes replay-safe.
func BatchRef(source, account, coin string, windowStart, windowEnd time.Time) string {
	input := fmt.Sprintf("batch|%s|%s|%s|%d|%d",
		source, account, coin, windowStart.Unix(), windowEnd.Unix())
	sum := blake3.Sum256([]byte(input))
	return hex.EncodeToString(sum[:16])
}

// ItemRef derives the stable identifier for one settlement item within a batch.
func ItemRef(batchRef, userID string) string {
	sum := blake3.Sum256([]byte("item|" + batchRef + "|" + userID))
	return hex.EncodeToString(sum[:16])
}

// AlertRef derives the stable identifier for an alert scope and window.
// Opening the same alert twice for one window yields the same ref.
func AlertRef(scope, kind string, windowStart time.Time) string {
	input := fmt.Sprintf("alert|%s|%s|%d", scope, kind, windowStart.Unix())
	sum := blake3.Sum256([]byte(input))
	return hex.EncodeToString(sum[:16])
}

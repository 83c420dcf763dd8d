// Package score aggregates per-worker payhash into per-user window scores.
package score

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mintpool/settler/internal/owner"
	"github.com/mintpool/settler/internal/storage"
	"github.com/mintpool/settler/internal/util"
)

// SampleStore reads recorded worker samples for a window
type SampleStore interface {
	GetPayhashRange(scope string, start, end int64) ([]*storage.WorkerSample, error)
}

// WindowScores is the aggregate work attribution for one settlement window
type WindowScores struct {
	// Scores maps userID to aggregate payhash. Work from unresolvable
	// workers is kept under the unclaimed account so the total still
	// reconciles against the pool's reported figures.
	Scores map[string]decimal.Decimal
	Total  decimal.Decimal

	// Hashrate is the engine's own account-level hashrate estimate,
	// the per-worker mean of observed hashNow summed over workers.
	Hashrate float64
	Workers  int
}

// Service folds raw payhash samples into per-user scores via ownership
// resolution. Deterministic and idempotent for a fixed window: samples
// are immutable once recorded, so re-running yields identical scores.
type Service struct {
	store     SampleStore
	resolver  *owner.Resolver
	unclaimed string
}

// NewService creates a window score service for one pool account
func NewService(store SampleStore, resolver *owner.Resolver, unclaimedAccount string) *Service {
	return &Service{store: store, resolver: resolver, unclaimed: unclaimedAccount}
}

// Compute aggregates scores over [start, end) for a scope
func (s *Service) Compute(scope string, start, end time.Time) (*WindowScores, error) {
	samples, err := s.store.GetPayhashRange(scope, start.Unix(), end.Unix())
	if err != nil {
		return nil, fmt.Errorf("loading payhash samples: %w", err)
	}

	// Per-worker accumulation first, resolution second, so the binding
	// lookup runs once per worker rather than once per sample.
	perWorker := make(map[string]decimal.Decimal)
	hashSum := make(map[string]float64)
	hashCount := make(map[string]int)

	for _, sample := range samples {
		payhash, err := decimal.NewFromString(sample.Payhash)
		if err != nil {
			util.Warnf("Skipping sample with bad payhash %q for worker %s", sample.Payhash, sample.RawWorkerID)
			continue
		}
		if payhash.IsNegative() {
			continue
		}
		perWorker[sample.RawWorkerID] = perWorker[sample.RawWorkerID].Add(payhash)
		hashSum[sample.RawWorkerID] += sample.HashNow
		hashCount[sample.RawWorkerID]++
	}

	rawIDs := make([]string, 0, len(perWorker))
	for id := range perWorker {
		rawIDs = append(rawIDs, id)
	}
	sort.Strings(rawIDs)

	owners, err := s.resolver.Resolve(rawIDs)
	if err != nil {
		return nil, fmt.Errorf("resolving worker owners: %w", err)
	}

	result := &WindowScores{
		Scores:  make(map[string]decimal.Decimal),
		Workers: len(rawIDs),
	}

	for _, rawID := range rawIDs {
		userID, ok := owners[rawID]
		if !ok {
			userID = s.unclaimed
		}
		result.Scores[userID] = result.Scores[userID].Add(perWorker[rawID])
		result.Total = result.Total.Add(perWorker[rawID])

		if hashCount[rawID] > 0 {
			result.Hashrate += hashSum[rawID] / float64(hashCount[rawID])
		}
	}

	// Zero-score users carry no weight and produce no items
	for userID, sc := range result.Scores {
		if sc.IsZero() {
			delete(result.Scores, userID)
		}
	}

	return result, nil
}

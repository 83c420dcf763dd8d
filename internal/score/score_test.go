package score

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mintpool/settler/internal/owner"
	"github.com/mintpool/settler/internal/storage"
)

type fakeSampleStore struct {
	samples []*storage.WorkerSample
}

func (f *fakeSampleStore) GetPayhashRange(scope string, start, end int64) ([]*storage.WorkerSample, error) {
	out := make([]*storage.WorkerSample, 0)
	for _, s := range f.samples {
		if s.Timestamp >= start && s.Timestamp < end {
			out = append(out, s)
		}
	}
	return out, nil
}

type fakeBindings struct {
	bindings map[string]string
}

func (f *fakeBindings) GetBindings(workerIDs []string) (map[string]string, error) {
	out := make(map[string]string)
	for _, id := range workerIDs {
		if userID, ok := f.bindings[id]; ok {
			out[id] = userID
		}
	}
	return out, nil
}

func sample(worker, payhash string, hashNow float64, ts int64) *storage.WorkerSample {
	return &storage.WorkerSample{
		PoolSource:  "f2pool",
		Account:     "acct",
		Coin:        "btc",
		RawWorkerID: worker,
		HashNow:     hashNow,
		Payhash:     payhash,
		Timestamp:   ts,
	}
}

func newTestService(store *fakeSampleStore, bindings map[string]string) *Service {
	resolver := owner.NewResolver(owner.NewNormalizer(""), owner.NewWhitelist(),
		&fakeBindings{bindings: bindings}, false, "USR-")
	return NewService(store, resolver, "unclaimed")
}

func TestComputeAccumulatesPerUser(t *testing.T) {
	store := &fakeSampleStore{samples: []*storage.WorkerSample{
		sample("rig01", "100", 50, 10),
		sample("rig01", "200", 70, 20),
		sample("rig02", "300", 30, 15),
	}}
	svc := newTestService(store, map[string]string{"rig01": "alice", "rig02": "alice"})

	scores, err := svc.Compute("f2pool:acct:btc", time.Unix(0, 0), time.Unix(100, 0))
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}

	if !scores.Scores["alice"].Equal(decimal.NewFromInt(600)) {
		t.Errorf("alice score = %s, want 600", scores.Scores["alice"])
	}
	if !scores.Total.Equal(decimal.NewFromInt(600)) {
		t.Errorf("total = %s, want 600", scores.Total)
	}
	if scores.Workers != 2 {
		t.Errorf("workers = %d, want 2", scores.Workers)
	}

	// rig01 mean hashNow = 60, rig02 mean = 30
	if scores.Hashrate != 90 {
		t.Errorf("hashrate = %f, want 90", scores.Hashrate)
	}
}

func TestComputeUnclaimedBucket(t *testing.T) {
	store := &fakeSampleStore{samples: []*storage.WorkerSample{
		sample("rig01", "100", 10, 10),
		sample("stranger", "50", 5, 10),
	}}
	svc := newTestService(store, map[string]string{"rig01": "alice"})

	scores, err := svc.Compute("f2pool:acct:btc", time.Unix(0, 0), time.Unix(100, 0))
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}

	if !scores.Scores["unclaimed"].Equal(decimal.NewFromInt(50)) {
		t.Errorf("unclaimed score = %s, want 50", scores.Scores["unclaimed"])
	}

	// Unresolved work still counts toward the total
	if !scores.Total.Equal(decimal.NewFromInt(150)) {
		t.Errorf("total = %s, want 150", scores.Total)
	}
}

func TestComputeWindowBounds(t *testing.T) {
	store := &fakeSampleStore{samples: []*storage.WorkerSample{
		sample("rig01", "1", 1, 99),  // inside
		sample("rig01", "2", 1, 100), // at end, excluded
		sample("rig01", "4", 1, 50),  // at start, included
	}}
	svc := newTestService(store, map[string]string{"rig01": "alice"})

	scores, err := svc.Compute("f2pool:acct:btc", time.Unix(50, 0), time.Unix(100, 0))
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}

	if !scores.Scores["alice"].Equal(decimal.NewFromInt(5)) {
		t.Errorf("alice score = %s, want 5 from [start, end)", scores.Scores["alice"])
	}
}

func TestComputeSkipsBadSamples(t *testing.T) {
	store := &fakeSampleStore{samples: []*storage.WorkerSample{
		sample("rig01", "100", 1, 10),
		sample("rig01", "garbage", 1, 11),
		sample("rig01", "-5", 1, 12),
	}}
	svc := newTestService(store, map[string]string{"rig01": "alice"})

	scores, err := svc.Compute("f2pool:acct:btc", time.Unix(0, 0), time.Unix(100, 0))
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}

	if !scores.Scores["alice"].Equal(decimal.NewFromInt(100)) {
		t.Errorf("alice score = %s, want 100 with bad samples skipped", scores.Scores["alice"])
	}
}

func TestComputeZeroScoreUsersDropped(t *testing.T) {
	store := &fakeSampleStore{samples: []*storage.WorkerSample{
		sample("rig01", "0", 1, 10),
	}}
	svc := newTestService(store, map[string]string{"rig01": "alice"})

	scores, err := svc.Compute("f2pool:acct:btc", time.Unix(0, 0), time.Unix(100, 0))
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}
	if _, ok := scores.Scores["alice"]; ok {
		t.Error("zero-score user should be dropped from the score map")
	}
}

func TestComputeDeterministic(t *testing.T) {
	store := &fakeSampleStore{samples: []*storage.WorkerSample{
		sample("rig01", "123.456", 10, 10),
		sample("rig02", "789.012", 20, 11),
		sample("rig03", "345.678", 30, 12),
	}}
	svc := newTestService(store, map[string]string{
		"rig01": "alice", "rig02": "bob", "rig03": "alice",
	})

	first, err := svc.Compute("f2pool:acct:btc", time.Unix(0, 0), time.Unix(100, 0))
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}

	for i := 0; i < 5; i++ {
		again, err := svc.Compute("f2pool:acct:btc", time.Unix(0, 0), time.Unix(100, 0))
		if err != nil {
			t.Fatalf("Compute failed on rerun: %v", err)
		}
		if len(again.Scores) != len(first.Scores) {
			t.Fatalf("rerun score count differs")
		}
		for userID, sc := range first.Scores {
			if again.Scores[userID].String() != sc.String() {
				t.Fatalf("rerun %d: %s score %s != %s", i, userID, again.Scores[userID], sc)
			}
		}
		if !again.Total.Equal(first.Total) {
			t.Fatalf("rerun %d: total %s != %s", i, again.Total, first.Total)
		}
	}
}

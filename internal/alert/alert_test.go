package alert

import (
	"testing"
	"time"

	"github.com/mintpool/settler/internal/storage"
)

type fakeStore struct {
	alerts map[string]*storage.Alert
}

func newFakeStore() *fakeStore {
	return &fakeStore{alerts: make(map[string]*storage.Alert)}
}

func (f *fakeStore) OpenAlert(a *storage.Alert) (bool, error) {
	if _, ok := f.alerts[a.Ref]; ok {
		return false, nil
	}
	f.alerts[a.Ref] = a
	return true, nil
}

func (f *fakeStore) GetAlert(ref string) (*storage.Alert, error) {
	return f.alerts[ref], nil
}

func (f *fakeStore) ResolveAlert(ref string, resolvedAt int64) (bool, error) {
	a, ok := f.alerts[ref]
	if !ok || a.ResolvedAt != 0 {
		return false, nil
	}
	a.ResolvedAt = resolvedAt
	return true, nil
}

func (f *fakeStore) ListOpenAlerts() ([]*storage.Alert, error) {
	var open []*storage.Alert
	for _, a := range f.alerts {
		if a.ResolvedAt == 0 {
			open = append(open, a)
		}
	}
	return open, nil
}

func (f *fakeStore) HasOpenAlerts(userID string) (bool, error) {
	for _, a := range f.alerts {
		if a.UserID == userID && a.ResolvedAt == 0 {
			return true, nil
		}
	}
	return false, nil
}

type fakeNotifier struct {
	opened []*storage.Alert
}

func (f *fakeNotifier) NotifyAlertOpened(a *storage.Alert) {
	f.opened = append(f.opened, a)
}

func TestOpenIsIdempotentPerWindow(t *testing.T) {
	store := newFakeStore()
	notifier := &fakeNotifier{}
	svc := NewService(store, notifier)

	windowStart := time.Unix(3600, 0)
	created, err := svc.Open("f2pool/acct/btc", "", "hashrate_drift", "drift 7.2%", windowStart)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if !created {
		t.Error("first open should create the alert")
	}

	created, err = svc.Open("f2pool/acct/btc", "", "hashrate_drift", "drift 7.2%", windowStart)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	if created {
		t.Error("reopening the same alert should be a no-op")
	}

	if len(store.alerts) != 1 {
		t.Errorf("got %d alerts, want 1", len(store.alerts))
	}
	if len(notifier.opened) != 1 {
		t.Errorf("got %d notifications, want 1", len(notifier.opened))
	}
	if len(notifier.opened) == 1 && notifier.opened[0].Kind != "hashrate_drift" {
		t.Errorf("notified alert kind = %s", notifier.opened[0].Kind)
	}

	// Different window is a fresh alert
	created, _ = svc.Open("f2pool/acct/btc", "", "hashrate_drift", "drift 6.0%", time.Unix(7200, 0))
	if !created {
		t.Error("new window should open a new alert")
	}
}

func TestResolveUnblocksUser(t *testing.T) {
	store := newFakeStore()
	svc := NewService(store, nil)

	if _, err := svc.Open("scope", "alice", "revenue_drift", "drift", time.Unix(0, 0)); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	blocked, _ := svc.HasOpenAlerts("alice")
	if !blocked {
		t.Error("open alert should block the user")
	}

	open, _ := svc.ListOpen()
	if len(open) != 1 {
		t.Fatalf("got %d open alerts, want 1", len(open))
	}

	resolved, err := svc.Resolve(open[0].Ref)
	if err != nil || !resolved {
		t.Fatalf("Resolve = %v, %v", resolved, err)
	}

	blocked, _ = svc.HasOpenAlerts("alice")
	if blocked {
		t.Error("resolved alert should not block the user")
	}

	// Resolution is permanent
	resolved, _ = svc.Resolve(open[0].Ref)
	if resolved {
		t.Error("resolving twice should be a no-op")
	}
}

func TestSubscribersReceiveOpenedAlerts(t *testing.T) {
	svc := NewService(newFakeStore(), nil)
	ch := svc.Subscribe()
	defer svc.Unsubscribe(ch)

	if _, err := svc.Open("scope", "", "hashrate_drift", "drift", time.Unix(0, 0)); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	select {
	case a := <-ch:
		if a.Kind != "hashrate_drift" {
			t.Errorf("got alert kind %s, want hashrate_drift", a.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive the alert")
	}
}

func TestSlowSubscriberDoesNotBlockOpen(t *testing.T) {
	svc := NewService(newFakeStore(), nil)
	ch := svc.Subscribe()
	defer svc.Unsubscribe(ch)

	// Fill the buffer; further publishes must drop, not block
	for i := 0; i < 20; i++ {
		created, err := svc.Open("scope", "", "hashrate_drift", "drift", time.Unix(int64(i)*3600, 0))
		if err != nil || !created {
			t.Fatalf("Open %d = %v, %v", i, created, err)
		}
	}

	if got := len(ch); got != cap(ch) {
		t.Errorf("buffered %d alerts, want full buffer of %d", got, cap(ch))
	}
}

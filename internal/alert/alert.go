// Package alert tracks open and resolved risk alerts.
package alert

import (
	"sync"
	"time"

	"github.com/mintpool/settler/internal/storage"
	"github.com/mintpool/settler/internal/util"
)

// Store persists alert state
type Store interface {
	OpenAlert(a *storage.Alert) (bool, error)
	GetAlert(ref string) (*storage.Alert, error)
	ResolveAlert(ref string, resolvedAt int64) (bool, error)
	ListOpenAlerts() ([]*storage.Alert, error)
	HasOpenAlerts(userID string) (bool, error)
}

// Notifier delivers alert notifications to operators
type Notifier interface {
	NotifyAlertOpened(a *storage.Alert)
}

// Service owns the alert lifecycle: opened by reconciliation, resolved
// only by an explicit operator action, no automatic expiry. Open alerts
// block withdrawals for the affected user.
type Service struct {
	store    Store
	notifier Notifier

	mu   sync.Mutex
	subs map[chan *storage.Alert]struct{}
}

// NewService creates an alert service
func NewService(store Store, notifier Notifier) *Service {
	return &Service{
		store:    store,
		notifier: notifier,
		subs:     make(map[chan *storage.Alert]struct{}),
	}
}

// Open raises an alert. Opening the same (scope, kind, window) twice is
// a no-op and returns false.
func (s *Service) Open(scope, userID, kind, message string, windowStart time.Time) (bool, error) {
	a := &storage.Alert{
		Ref:      util.AlertRef(scope, kind, windowStart),
		Scope:    scope,
		UserID:   userID,
		Kind:     kind,
		Message:  message,
		OpenedAt: time.Now().Unix(),
	}

	created, err := s.store.OpenAlert(a)
	if err != nil {
		return false, err
	}
	if !created {
		return false, nil
	}

	util.Warnf("Alert opened [%s] %s: %s", kind, scope, message)
	if s.notifier != nil {
		s.notifier.NotifyAlertOpened(a)
	}
	s.publish(a)
	return true, nil
}

// OpenDriftAlert opens a reconciliation drift alert scoped to an account
func (s *Service) OpenDriftAlert(scope, kind, message string, windowStart time.Time) (bool, error) {
	return s.Open(scope, "", kind, message, windowStart)
}

// Resolve closes an open alert; operator action only
func (s *Service) Resolve(ref string) (bool, error) {
	resolved, err := s.store.ResolveAlert(ref, time.Now().Unix())
	if err != nil {
		return false, err
	}
	if resolved {
		util.Infof("Alert %s resolved", ref)
	}
	return resolved, nil
}

// HasOpenAlerts reports whether a user is under active risk review.
// Consulted synchronously by the withdrawal path.
func (s *Service) HasOpenAlerts(userID string) (bool, error) {
	return s.store.HasOpenAlerts(userID)
}

// ListOpen returns all open alerts, newest first
func (s *Service) ListOpen() ([]*storage.Alert, error) {
	return s.store.ListOpenAlerts()
}

// Get returns one alert by ref
func (s *Service) Get(ref string) (*storage.Alert, error) {
	return s.store.GetAlert(ref)
}

// Subscribe returns a channel receiving newly opened alerts.
// Slow subscribers miss events rather than block the opener.
func (s *Service) Subscribe() chan *storage.Alert {
	ch := make(chan *storage.Alert, 16)
	s.mu.Lock()
	s.subs[ch] = struct{}{}
	s.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber channel
func (s *Service) Unsubscribe(ch chan *storage.Alert) {
	s.mu.Lock()
	delete(s.subs, ch)
	s.mu.Unlock()
	close(ch)
}

func (s *Service) publish(a *storage.Alert) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.subs {
		select {
		case ch <- a:
		default:
		}
	}
}

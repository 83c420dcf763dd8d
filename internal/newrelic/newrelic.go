// Package newrelic provides New Relic APM integration for monitoring.
package newrelic

import (
	"context"
	"sync"
	"time"

	"github.com/newrelic/go-agent/v3/newrelic"

	"github.com/mintpool/settler/internal/config"
	"github.com/mintpool/settler/internal/util"
)

// Agent wraps New Relic APM functionality
type Agent struct {
	cfg *config.NewRelicConfig
	app *newrelic.Application
	mu  sync.RWMutex
}

// NewAgent creates a new New Relic agent
func NewAgent(cfg *config.NewRelicConfig) *Agent {
	return &Agent{
		cfg: cfg,
	}
}

// Start initializes the New Relic agent
func (a *Agent) Start() error {
	if !a.cfg.Enabled {
		util.Info("New Relic APM disabled")
		return nil
	}

	if a.cfg.LicenseKey == "" {
		util.Warn("New Relic license key not configured, APM disabled")
		return nil
	}

	app, err := newrelic.NewApplication(
		newrelic.ConfigAppName(a.cfg.AppName),
		newrelic.ConfigLicense(a.cfg.LicenseKey),
		newrelic.ConfigDistributedTracerEnabled(true),
		newrelic.ConfigAppLogForwardingEnabled(true),
	)
	if err != nil {
		return err
	}

	// Wait for connection (up to 5 seconds)
	if err := app.WaitForConnection(5 * time.Second); err != nil {
		util.Warnf("New Relic connection timeout: %v (will retry in background)", err)
	}

	a.mu.Lock()
	a.app = app
	a.mu.Unlock()

	util.Infof("New Relic APM enabled for app: %s", a.cfg.AppName)
	return nil
}

// Stop shuts down the New Relic agent
func (a *Agent) Stop() {
	a.mu.RLock()
	app := a.app
	a.mu.RUnlock()

	if app != nil {
		util.Info("Shutting down New Relic agent")
		app.Shutdown(10 * time.Second)
	}
}

// Application returns the underlying New Relic application (for middleware)
func (a *Agent) Application() *newrelic.Application {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.app
}

// IsEnabled returns true if New Relic is enabled and connected
func (a *Agent) IsEnabled() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.app != nil
}

// StartTransaction starts a new New Relic transaction
func (a *Agent) StartTransaction(name string) *newrelic.Transaction {
	a.mu.RLock()
	app := a.app
	a.mu.RUnlock()

	if app == nil {
		return nil
	}
	return app.StartTransaction(name)
}

// RecordCustomEvent records a custom event
func (a *Agent) RecordCustomEvent(eventType string, params map[string]interface{}) {
	a.mu.RLock()
	app := a.app
	a.mu.RUnlock()

	if app != nil {
		app.RecordCustomEvent(eventType, params)
	}
}

// RecordCustomMetric records a custom metric
func (a *Agent) RecordCustomMetric(name string, value float64) {
	a.mu.RLock()
	app := a.app
	a.mu.RUnlock()

	if app != nil {
		app.RecordCustomMetric(name, value)
	}
}

// NoticeError records an error
func (a *Agent) NoticeError(txn *newrelic.Transaction, err error) {
	if txn != nil && err != nil {
		txn.NoticeError(err)
	}
}

// NewContext adds transaction to context
func (a *Agent) NewContext(ctx context.Context, txn *newrelic.Transaction) context.Context {
	if txn == nil {
		return ctx
	}
	return newrelic.NewContext(ctx, txn)
}

// FromContext gets transaction from context
func (a *Agent) FromContext(ctx context.Context) *newrelic.Transaction {
	return newrelic.FromContext(ctx)
}

// RecordPoolFetch records one pool API poll
func (a *Agent) RecordPoolFetch(source, account string, workers int, ok bool) {
	status := "ok"
	if !ok {
		status = "failed"
	}
	a.RecordCustomEvent("PoolFetch", map[string]interface{}{
		"source":  source,
		"account": account,
		"workers": workers,
		"status":  status,
	})
}

// RecordBatchCommitted records a committed settlement batch
func (a *Agent) RecordBatchCommitted(scope, ref string, items int, grossAccounting string) {
	a.RecordCustomEvent("BatchCommitted", map[string]interface{}{
		"scope": scope,
		"ref":   ref,
		"items": items,
		"gross": grossAccounting,
	})
}

// RecordBatchEmpty records a window with no attributable work
func (a *Agent) RecordBatchEmpty(scope, ref string) {
	a.RecordCustomEvent("BatchEmpty", map[string]interface{}{
		"scope": scope,
		"ref":   ref,
	})
}

// RecordReconcileDrift records observed drift for a reconciled window
func (a *Agent) RecordReconcileDrift(scope string, hashrateDrift, revenueDrift float64) {
	a.RecordCustomMetric("Custom/Reconcile/HashrateDrift", hashrateDrift)
	a.RecordCustomMetric("Custom/Reconcile/RevenueDrift", revenueDrift)
	a.RecordCustomEvent("ReconcileDrift", map[string]interface{}{
		"scope":          scope,
		"hashrate_drift": hashrateDrift,
		"revenue_drift":  revenueDrift,
	})
}

// RecordAlertOpened records a newly opened alert
func (a *Agent) RecordAlertOpened(scope, kind string) {
	a.RecordCustomEvent("AlertOpened", map[string]interface{}{
		"scope": scope,
		"kind":  kind,
	})
}

// RecordWithdrawal records an applied withdrawal
func (a *Agent) RecordWithdrawal(userID, requestID, amount string) {
	a.RecordCustomEvent("Withdrawal", map[string]interface{}{
		"userId":    userID,
		"requestId": requestID,
		"amount":    amount,
	})
}

// UpdateAccountMetrics updates per-account polling metrics
func (a *Agent) UpdateAccountMetrics(scope string, hashrate float64, workers int) {
	a.RecordCustomMetric("Custom/Account/"+scope+"/Hashrate", hashrate)
	a.RecordCustomMetric("Custom/Account/"+scope+"/Workers", float64(workers))
}

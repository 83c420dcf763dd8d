package newrelic

import (
	"context"
	"testing"

	"github.com/mintpool/settler/internal/config"
)

func TestNewAgent(t *testing.T) {
	cfg := &config.NewRelicConfig{
		Enabled:    true,
		AppName:    "Test Settler",
		LicenseKey: "test_key",
	}

	agent := NewAgent(cfg)

	if agent == nil {
		t.Fatal("NewAgent returned nil")
	}

	if agent.cfg != cfg {
		t.Error("Agent.cfg not set correctly")
	}

	if agent.app != nil {
		t.Error("Agent.app should be nil before Start()")
	}
}

func TestStartDisabled(t *testing.T) {
	agent := NewAgent(&config.NewRelicConfig{Enabled: false})

	if err := agent.Start(); err != nil {
		t.Errorf("Start() returned error when disabled: %v", err)
	}

	if agent.app != nil {
		t.Error("Agent.app should be nil when disabled")
	}
}

func TestStartNoLicenseKey(t *testing.T) {
	agent := NewAgent(&config.NewRelicConfig{
		Enabled: true,
		AppName: "Test Settler",
	})

	if err := agent.Start(); err != nil {
		t.Errorf("Start() returned error with empty license key: %v", err)
	}

	if agent.app != nil {
		t.Error("Agent.app should be nil with empty license key")
	}
}

func TestStopNotStarted(t *testing.T) {
	agent := NewAgent(&config.NewRelicConfig{Enabled: false})

	// Should not panic
	agent.Stop()
}

func TestApplicationNotStarted(t *testing.T) {
	agent := NewAgent(&config.NewRelicConfig{Enabled: false})

	if agent.Application() != nil {
		t.Error("Application() should return nil when not started")
	}
}

func TestIsEnabledNotStarted(t *testing.T) {
	agent := NewAgent(&config.NewRelicConfig{Enabled: false})

	if agent.IsEnabled() {
		t.Error("IsEnabled() should return false when not started")
	}
}

func TestStartTransactionNotStarted(t *testing.T) {
	agent := NewAgent(&config.NewRelicConfig{Enabled: false})

	if txn := agent.StartTransaction("test"); txn != nil {
		t.Error("StartTransaction() should return nil when not started")
	}
}

func TestRecordersNotStarted(t *testing.T) {
	agent := NewAgent(&config.NewRelicConfig{Enabled: false})

	// None of these should panic without a started app
	agent.RecordCustomEvent("TestEvent", map[string]interface{}{"key": "value"})
	agent.RecordCustomMetric("Custom/Test", 123.45)
	agent.RecordPoolFetch("f2pool", "miner1", 10, true)
	agent.RecordPoolFetch("f2pool", "miner1", 0, false)
	agent.RecordBatchCommitted("f2pool:miner1:btc", "ref1", 5, "100.00000000")
	agent.RecordBatchEmpty("f2pool:miner1:btc", "ref2")
	agent.RecordReconcileDrift("f2pool:miner1:btc", 0.07, 0.01)
	agent.RecordAlertOpened("f2pool:miner1:btc", "hashrate_drift")
	agent.RecordWithdrawal("alice", "req1", "4.00000000")
	agent.UpdateAccountMetrics("f2pool:miner1:btc", 12500.5, 2)
}

func TestNoticeErrorNilTransaction(t *testing.T) {
	agent := NewAgent(&config.NewRelicConfig{Enabled: false})

	// Should not panic with nil transaction
	agent.NoticeError(nil, nil)
}

func TestNewContextNilTransaction(t *testing.T) {
	agent := NewAgent(&config.NewRelicConfig{Enabled: false})
	ctx := context.Background()

	if result := agent.NewContext(ctx, nil); result != ctx {
		t.Error("NewContext should return original context when txn is nil")
	}
}

func TestFromContext(t *testing.T) {
	agent := NewAgent(&config.NewRelicConfig{Enabled: false})

	if txn := agent.FromContext(context.Background()); txn != nil {
		t.Error("FromContext should return nil for empty context")
	}
}

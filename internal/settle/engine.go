package settle

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"

	"github.com/mintpool/settler/internal/config"
	"github.com/mintpool/settler/internal/ledger"
	"github.com/mintpool/settler/internal/newrelic"
	"github.com/mintpool/settler/internal/owner"
	"github.com/mintpool/settler/internal/poolapi"
	"github.com/mintpool/settler/internal/reconcile"
	"github.com/mintpool/settler/internal/score"
	"github.com/mintpool/settler/internal/storage"
	"github.com/mintpool/settler/internal/util"
	"github.com/mintpool/settler/internal/valuation"
)

const (
	defaultPollInterval   = time.Minute
	whitelistRefreshEvery = 5 * time.Minute
	purgeEvery            = time.Hour
)

// Notifier delivers settlement lifecycle notifications
type Notifier interface {
	NotifyBatchCommitted(batch *storage.SettlementBatch, items int)
}

// accountJob is the per-account settlement unit. Each pool account runs
// independently; a single account's windows are processed strictly
// sequentially under mu.
type accountJob struct {
	cfg    *config.PoolAccountConfig
	scope  string
	client poolapi.Client
	scorer *score.Service

	mu sync.Mutex
}

// Engine owns the full settlement pipeline: polling workers into samples,
// scheduling window runs per account, and driving
// fetch -> score -> snapshot -> allocate -> reconcile -> commit.
type Engine struct {
	cfg       *config.Config
	store     *storage.RedisClient
	valuation *valuation.Service
	recon     *reconcile.Service
	writer    *ledger.Writer
	notifier  Notifier
	apm       *newrelic.Agent
	whitelist *owner.Whitelist

	commissionRate decimal.Decimal
	scale          int32
	window         time.Duration
	currency       string

	jobs   []*accountJob
	cron   *cron.Cron
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEngine builds the engine and its per-account jobs
func NewEngine(cfg *config.Config, store *storage.RedisClient, val *valuation.Service,
	recon *reconcile.Service, writer *ledger.Writer, notifier Notifier, apm *newrelic.Agent) (*Engine, error) {

	commissionRate, err := decimal.NewFromString(cfg.Settlement.CommissionRate)
	if err != nil {
		return nil, fmt.Errorf("bad commission rate %q: %w", cfg.Settlement.CommissionRate, err)
	}

	e := &Engine{
		cfg:            cfg,
		store:          store,
		valuation:      val,
		recon:          recon,
		writer:         writer,
		notifier:       notifier,
		apm:            apm,
		whitelist:      owner.NewWhitelist(),
		commissionRate: commissionRate,
		scale:          cfg.Settlement.Scale,
		window:         cfg.Settlement.Window,
		currency:       cfg.Valuation.DisplayCurrency,
	}

	for i := range cfg.Pools {
		acct := &cfg.Pools[i]

		client, err := poolapi.NewClient(acct, &cfg.Fetch)
		if err != nil {
			return nil, err
		}

		resolver := owner.NewResolver(
			owner.NewNormalizer(acct.WorkerPrefix),
			e.whitelist,
			store,
			cfg.Settlement.SyntheticIDEnabled,
			cfg.Settlement.SyntheticIDPrefix,
		)

		e.jobs = append(e.jobs, &accountJob{
			cfg:    acct,
			scope:  storage.ScopeKey(acct.Source, acct.Account, acct.Coin),
			client: client,
			scorer: score.NewService(store, resolver, cfg.Settlement.UnclaimedAccount),
		})
	}

	return e, nil
}

// Start launches poll loops, the window scheduler and maintenance loops
func (e *Engine) Start(ctx context.Context) error {
	ctx, e.cancel = context.WithCancel(ctx)

	e.refreshWhitelist()

	e.cron = cron.New()
	for _, job := range e.jobs {
		spec := job.cfg.Schedule
		if spec == "" {
			spec = fmt.Sprintf("@every %s", e.window)
		}

		j := job
		if _, err := e.cron.AddFunc(spec, func() { e.runScheduled(ctx, j) }); err != nil {
			return fmt.Errorf("bad schedule %q for %s: %w", spec, job.scope, err)
		}
		util.Infof("Scheduled settlement for %s: %s", job.scope, spec)
	}
	e.cron.Start()

	for _, job := range e.jobs {
		e.wg.Add(1)
		go e.pollLoop(ctx, job)
	}

	e.wg.Add(2)
	go e.whitelistLoop(ctx)
	go e.purgeLoop(ctx)

	util.Infof("Settlement engine started: %d pool accounts, window %s", len(e.jobs), e.window)
	return nil
}

// Stop halts the scheduler and waits for loops to drain
func (e *Engine) Stop() {
	if e.cron != nil {
		e.cron.Stop()
	}
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
	util.Info("Settlement engine stopped")
}

// TriggerRun starts a run for the most recent closed window of a scope.
// Used by the admin API.
func (e *Engine) TriggerRun(source, account, coin string) error {
	for _, job := range e.jobs {
		if job.cfg.Source == source && job.cfg.Account == account && job.cfg.Coin == coin {
			j := job
			go func() {
				start, end := e.lastClosedWindow(time.Now())
				if err := e.RunOnce(context.Background(), j, start, end); err != nil {
					e.logRunError(j.scope, err)
				}
			}()
			return nil
		}
	}
	return fmt.Errorf("no configured pool account for %s", storage.ScopeKey(source, account, coin))
}

// pollLoop periodically fetches workers and records payhash samples
func (e *Engine) pollLoop(ctx context.Context, job *accountJob) {
	defer e.wg.Done()

	interval := job.cfg.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.pollOnce(ctx, job)
		}
	}
}

func (e *Engine) pollOnce(ctx context.Context, job *accountJob) {
	log := util.Scoped(job.scope)

	samples, err := job.client.FetchWorkers(ctx)
	if err != nil {
		if e.apm != nil {
			e.apm.RecordPoolFetch(job.cfg.Source, job.cfg.Account, 0, false)
		}
		if poolapi.IsTransient(err) {
			log.Warnf("Poll: transient fetch failure: %v", err)
		} else {
			log.Warnf("Poll: skipping malformed response: %v", err)
		}
		return
	}

	if err := e.store.WritePayhashSamples(job.scope, samples); err != nil {
		log.Errorf("Poll: failed to record %d samples: %v", len(samples), err)
		return
	}

	if e.apm != nil {
		e.apm.RecordPoolFetch(job.cfg.Source, job.cfg.Account, len(samples), true)
	}
	log.Debugf("Poll: recorded %d worker samples", len(samples))
}

// whitelistLoop keeps the synthetic-ID whitelist in sync with the
// platform worker registry
func (e *Engine) whitelistLoop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(whitelistRefreshEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.refreshWhitelist()
		}
	}
}

func (e *Engine) refreshWhitelist() {
	ids, err := e.store.RegisteredWorkerIDs()
	if err != nil {
		util.Warnf("Whitelist refresh failed: %v", err)
		return
	}
	e.whitelist.Refresh(ids)
	util.Debugf("Whitelist refreshed: %d worker IDs", len(ids))
}

// purgeLoop drops samples older than two windows. Committed batches never
// re-read samples, so keeping one spare window is enough for resumes.
func (e *Engine) purgeLoop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(purgeEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-2 * e.window).Unix()
			for _, job := range e.jobs {
				if err := e.store.PurgeStaleSamples(job.scope, cutoff); err != nil {
					util.Warnf("Purge %s: %v", job.scope, err)
				}
			}
		}
	}
}

// lastClosedWindow returns the most recent fully closed window before now
func (e *Engine) lastClosedWindow(now time.Time) (time.Time, time.Time) {
	end := now.UTC().Truncate(e.window)
	return end.Add(-e.window), end
}

func (e *Engine) runScheduled(ctx context.Context, job *accountJob) {
	e.retryPending(ctx, job)

	start, end := e.lastClosedWindow(time.Now())
	if err := e.RunOnce(ctx, job, start, end); err != nil {
		e.logRunError(job.scope, err)
	}
}

// retryPending resettles windows whose earlier run aborted before commit,
// oldest first. Every write inside a batch is insert-if-absent, so a
// wholesale replay of a half-finished window is safe.
func (e *Engine) retryPending(ctx context.Context, job *accountJob) {
	pending, err := e.store.PendingBatches(job.scope)
	if err != nil {
		util.Warnf("Run %s: listing pending windows: %v", job.scope, err)
		return
	}

	for _, b := range pending {
		util.Infof("Run %s: retrying pending window %d-%d", job.scope, b.WindowStart, b.WindowEnd)
		start := time.Unix(b.WindowStart, 0).UTC()
		end := time.Unix(b.WindowEnd, 0).UTC()
		if err := e.RunOnce(ctx, job, start, end); err != nil {
			e.logRunError(job.scope, err)
		}
	}
}

// logRunError maps pipeline failures onto their handling class
func (e *Engine) logRunError(scope string, err error) {
	log := util.Scoped(scope)
	switch {
	case poolapi.IsTransient(err):
		log.Warnf("Run: transient failure, will retry next tick: %v", err)
	case poolapi.IsParseError(err):
		log.Warnf("Run: skipping window on malformed pool response: %v", err)
	case valuation.IsUnavailable(err):
		log.Errorf("Run: aborted before writes, rate unavailable: %v", err)
	default:
		log.Errorf("Run: %v", err)
	}
}

// RunOnce settles one window for one account: fetch -> score -> snapshot
// -> allocate -> reconcile -> commit. A window that already committed is
// a no-op; a pending window is resumed, which is safe because every write
// inside the batch is insert-if-absent.
func (e *Engine) RunOnce(ctx context.Context, job *accountJob, windowStart, windowEnd time.Time) error {
	job.mu.Lock()
	defer job.mu.Unlock()

	var txn = e.startTxn("settle/" + job.scope)
	defer e.endTxn(txn)

	acct := job.cfg
	ref := util.BatchRef(acct.Source, acct.Account, acct.Coin, windowStart, windowEnd)

	batch := &storage.SettlementBatch{
		Ref:         ref,
		PoolSource:  acct.Source,
		Account:     acct.Account,
		Coin:        acct.Coin,
		WindowStart: windowStart.Unix(),
		WindowEnd:   windowEnd.Unix(),
		Status:      storage.BatchStatusPending,
		CreatedAt:   time.Now().Unix(),
	}

	created, err := e.store.CreateBatch(batch)
	if err != nil {
		return fmt.Errorf("creating batch: %w", err)
	}
	if !created {
		existing, err := e.store.GetBatch(ref)
		if err != nil {
			return fmt.Errorf("loading existing batch: %w", err)
		}
		if existing.Status != storage.BatchStatusPending {
			util.Debugf("Run %s: window already %s, nothing to do", job.scope, existing.Status)
			return nil
		}
		util.Infof("Run %s: resuming pending batch %s", job.scope, ref)
		batch = existing
	}

	stats, err := job.client.FetchAccountStats(ctx, windowStart, windowEnd)
	if err != nil {
		return err
	}

	grossNative, err := decimal.NewFromString(stats.Revenue)
	if err != nil {
		return &poolapi.ParseError{Source: acct.Source, Detail: fmt.Sprintf("bad revenue %q", stats.Revenue)}
	}
	if grossNative.IsNegative() {
		return ErrNegativeGross
	}

	// One snapshot per run. Every conversion below uses it; a refetched
	// rate mid-batch would break conservation against the reported total.
	snapshot, err := e.valuation.Snapshot(ctx, acct.Coin)
	if err != nil {
		return err
	}
	e.storeSnapshot(snapshot)

	grossAccounting := grossNative.Mul(snapshot.AccountingRate).Truncate(e.scale)

	scores, err := job.scorer.Compute(job.scope, windowStart, windowEnd)
	if err != nil {
		return err
	}

	batch.GrossNative = grossNative.String()
	batch.GrossAccounting = grossAccounting.String()
	batch.RateSource = snapshot.Source

	if grossAccounting.IsZero() {
		return e.markEmpty(job, batch)
	}

	items, err := Allocate(grossAccounting, scores.Scores, e.commissionRate, e.scale)
	if err != nil {
		return fmt.Errorf("allocating batch %s: %w", ref, err)
	}
	if len(items) == 0 {
		return e.markEmpty(job, batch)
	}

	e.checkDrift(job, batch, windowStart, scores, stats, items, grossNative, snapshot)

	rows := make([]ledger.Item, len(items))
	for i, item := range items {
		rows[i] = ledger.Item{
			UserID:     item.UserID,
			Score:      item.Score,
			Gross:      item.Gross,
			Net:        item.Net,
			Commission: item.Commission,
		}
	}
	if err := e.writer.CommitBatch(batch, rows, e.currency); err != nil {
		return fmt.Errorf("committing batch %s: %w", ref, err)
	}

	if e.notifier != nil {
		e.notifier.NotifyBatchCommitted(batch, len(items))
	}
	if e.apm != nil {
		e.apm.RecordBatchCommitted(job.scope, ref, len(items), batch.GrossAccounting)
	}
	return nil
}

// markEmpty closes a window that produced no items
func (e *Engine) markEmpty(job *accountJob, batch *storage.SettlementBatch) error {
	batch.Status = storage.BatchStatusEmpty
	if err := e.store.UpdateBatch(batch); err != nil {
		return fmt.Errorf("marking batch empty: %w", err)
	}
	if e.apm != nil {
		e.apm.RecordBatchEmpty(job.scope, batch.Ref)
	}
	util.Infof("Run %s: window %d-%d empty, no attributable work",
		job.scope, batch.WindowStart, batch.WindowEnd)
	return nil
}

// checkDrift runs reconciliation as a detection signal. Failures here are
// logged and recorded but never block the commit.
func (e *Engine) checkDrift(job *accountJob, batch *storage.SettlementBatch, windowStart time.Time,
	scores *score.WindowScores, stats *poolapi.AccountStats,
	items []Item, grossNative decimal.Decimal, snapshot *valuation.RateSnapshot) {

	computedRevenue := decimal.Zero
	for _, item := range items {
		computedRevenue = computedRevenue.Add(item.Gross)
	}
	reportedRevenue := grossNative.Mul(snapshot.AccountingRate)

	result, err := e.recon.Check(job.scope, windowStart,
		scores.Hashrate, stats.Hashrate, computedRevenue, reportedRevenue)
	if err != nil {
		util.Warnf("Reconcile %s: check failed: %v", job.scope, err)
		return
	}

	if e.apm != nil {
		e.apm.RecordReconcileDrift(job.scope, result.HashrateDrift, result.RevenueDrift)
		e.apm.UpdateAccountMetrics(job.scope, scores.Hashrate, scores.Workers)
		if result.HashrateAlerted {
			e.apm.RecordAlertOpened(job.scope, reconcile.KindHashrateDrift)
		}
		if result.RevenueAlerted {
			e.apm.RecordAlertOpened(job.scope, reconcile.KindRevenueDrift)
		}
	}
}

func (e *Engine) storeSnapshot(snapshot *valuation.RateSnapshot) {
	raw, err := json.Marshal(snapshot)
	if err != nil {
		return
	}
	if err := e.store.StoreRateSnapshot(snapshot.Coin, snapshot.CapturedAt.Unix(), raw); err != nil {
		util.Warnf("Failed to store rate snapshot for %s: %v", snapshot.Coin, err)
	}
}

func (e *Engine) startTxn(name string) interface{ End() } {
	if e.apm == nil {
		return nil
	}
	txn := e.apm.StartTransaction(name)
	if txn == nil {
		return nil
	}
	return txn
}

func (e *Engine) endTxn(txn interface{ End() }) {
	if txn != nil {
		txn.End()
	}
}

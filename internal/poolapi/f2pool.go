package poolapi

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mintpool/settler/internal/config"
	"github.com/mintpool/settler/internal/storage"
)

// f2poolClient talks to the F2Pool v1/v2 JSON REST API. Worker lists have
// shipped as list-of-lists (v1), list-of-objects and map-of-objects (v2)
// depending on API version; all three are accepted.
type f2poolClient struct {
	acct *config.PoolAccountConfig
	http *httpClient

	workersPath  string
	hashratePath string
	revenuePath  string
	keys         fieldKeys
}

func newF2PoolClient(acct *config.PoolAccountConfig, hc *httpClient) *f2poolClient {
	c := &f2poolClient{
		acct:         acct,
		http:         hc,
		workersPath:  "workers",
		hashratePath: "hashrate",
		revenuePath:  "value_last_day",
		keys: fieldKeys{
			Worker:    "0",
			HashNow:   "1",
			HashAvg:   "2",
			Payhash:   "6",
			LastShare: "7",
		},
	}

	if v, ok := acct.FieldKeys["workers_path"]; ok {
		c.workersPath = v
	}
	if v, ok := acct.FieldKeys["hashrate_path"]; ok {
		c.hashratePath = v
	}
	if v, ok := acct.FieldKeys["revenue_path"]; ok {
		c.revenuePath = v
	}
	c.keys = keysFrom(acct.FieldKeys, c.keys)

	return c
}

func (c *f2poolClient) Source() string { return "f2pool" }

func (c *f2poolClient) fetchAccountDoc(ctx context.Context) (map[string]interface{}, error) {
	raw, err := c.http.getJSON(ctx, fmt.Sprintf("/%s/%s", c.acct.Coin, c.acct.Account))
	if err != nil {
		return nil, err
	}

	var doc map[string]interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, &ParseError{Source: "f2pool", Detail: err.Error()}
	}
	return doc, nil
}

func (c *f2poolClient) FetchWorkers(ctx context.Context) ([]*storage.WorkerSample, error) {
	doc, err := c.fetchAccountDoc(ctx)
	if err != nil {
		return nil, err
	}

	workersNode, ok := pathValue(doc, c.workersPath)
	if !ok {
		return nil, &ParseError{Source: "f2pool", Detail: "workers field missing at " + c.workersPath}
	}

	// Re-encode the subtree so the shape detector sees raw JSON
	sub, err := json.Marshal(workersNode)
	if err != nil {
		return nil, &ParseError{Source: "f2pool", Detail: err.Error()}
	}

	rows, err := parseWorkerRows("f2pool", sub, c.keys)
	if err != nil {
		return nil, err
	}
	return samplesFromRows(c.acct, rows, time.Now().Unix()), nil
}

func (c *f2poolClient) FetchAccountStats(ctx context.Context, windowStart, windowEnd time.Time) (*AccountStats, error) {
	doc, err := c.fetchAccountDoc(ctx)
	if err != nil {
		return nil, err
	}

	stats := &AccountStats{}
	if hr, ok := pathFloat(doc, c.hashratePath); ok {
		stats.Hashrate = hr
	}
	revenue, ok := pathString(doc, c.revenuePath)
	if !ok {
		return nil, &ParseError{Source: "f2pool", Detail: "revenue field missing at " + c.revenuePath}
	}
	stats.Revenue = revenue

	if workersNode, ok := pathValue(doc, c.workersPath); ok {
		switch w := workersNode.(type) {
		case []interface{}:
			stats.Workers = len(w)
		case map[string]interface{}:
			stats.Workers = len(w)
		}
	}
	return stats, nil
}

// samplesFromRows stamps provider rows into normalized worker samples
func samplesFromRows(acct *config.PoolAccountConfig, rows []workerRow, now int64) []*storage.WorkerSample {
	samples := make([]*storage.WorkerSample, 0, len(rows))
	for _, row := range rows {
		payhash := row.Payhash
		if payhash == "" {
			payhash = "0"
		}
		samples = append(samples, &storage.WorkerSample{
			PoolSource:  acct.Source,
			Account:     acct.Account,
			Coin:        acct.Coin,
			RawWorkerID: row.Name,
			HashNow:     row.HashNow,
			HashAvg:     row.HashAvg,
			Payhash:     payhash,
			LastShareAt: row.LastShare,
			Timestamp:   now,
		})
	}
	return samples
}

package poolapi

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mintpool/settler/internal/config"
	"github.com/mintpool/settler/internal/storage"
)

// c3poolClient talks to a C3Pool-style XMR pool API: separate stats,
// workers and payments endpoints per miner account. Window revenue is the
// sum of payment amounts falling inside the window.
type c3poolClient struct {
	acct *config.PoolAccountConfig
	http *httpClient

	hashratePath string
	atomicUnits  int32 // native amount decimals (12 for XMR)
	keys         fieldKeys
}

func newC3PoolClient(acct *config.PoolAccountConfig, hc *httpClient) *c3poolClient {
	c := &c3poolClient{
		acct:         acct,
		http:         hc,
		hashratePath: "hash",
		atomicUnits:  12,
		keys: fieldKeys{
			Worker:    "identifier",
			HashNow:   "hash",
			HashAvg:   "hash2",
			Payhash:   "totalHash",
			LastShare: "lastShare",
		},
	}

	if v, ok := acct.FieldKeys["hashrate_path"]; ok {
		c.hashratePath = v
	}
	c.keys = keysFrom(acct.FieldKeys, c.keys)

	return c
}

func (c *c3poolClient) Source() string { return "c3pool" }

func (c *c3poolClient) FetchWorkers(ctx context.Context) ([]*storage.WorkerSample, error) {
	raw, err := c.http.getJSON(ctx, fmt.Sprintf("/miner/%s/workers", c.acct.Account))
	if err != nil {
		return nil, err
	}

	rows, err := parseWorkerRows("c3pool", raw, c.keys)
	if err != nil {
		return nil, err
	}
	return samplesFromRows(c.acct, rows, time.Now().Unix()), nil
}

// c3Payment is one entry of the payments endpoint
type c3Payment struct {
	Amount int64 `json:"amount"` // atomic units
	Ts     int64 `json:"ts"`
}

func (c *c3poolClient) FetchAccountStats(ctx context.Context, windowStart, windowEnd time.Time) (*AccountStats, error) {
	raw, err := c.http.getJSON(ctx, fmt.Sprintf("/miner/%s/stats", c.acct.Account))
	if err != nil {
		return nil, err
	}

	var doc map[string]interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, &ParseError{Source: "c3pool", Detail: err.Error()}
	}

	stats := &AccountStats{}
	if hr, ok := pathFloat(doc, c.hashratePath); ok {
		stats.Hashrate = hr
	}

	revenue, err := c.windowRevenue(ctx, windowStart, windowEnd)
	if err != nil {
		return nil, err
	}
	stats.Revenue = revenue
	return stats, nil
}

// windowRevenue sums payment amounts recorded in [windowStart, windowEnd)
func (c *c3poolClient) windowRevenue(ctx context.Context, windowStart, windowEnd time.Time) (string, error) {
	raw, err := c.http.getJSON(ctx, fmt.Sprintf("/miner/%s/payments", c.acct.Account))
	if err != nil {
		return "", err
	}

	var payments []c3Payment
	if err := json.Unmarshal(raw, &payments); err != nil {
		return "", &ParseError{Source: "c3pool", Detail: err.Error()}
	}

	total := decimal.Zero
	for _, p := range payments {
		if p.Ts >= windowStart.Unix() && p.Ts < windowEnd.Unix() {
			total = total.Add(decimal.New(p.Amount, -c.atomicUnits))
		}
	}
	return total.String(), nil
}

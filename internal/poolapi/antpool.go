package poolapi

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mintpool/settler/internal/config"
	"github.com/mintpool/settler/internal/storage"
)

// antpoolClient talks to the Antpool REST API. Requests are form POSTs
// signed with HMAC-SHA256 over (account + key + nonce).
type antpoolClient struct {
	acct *config.PoolAccountConfig
	http *httpClient

	workersPath  string
	hashratePath string
	revenuePath  string
	keys         fieldKeys
}

func newAntpoolClient(acct *config.PoolAccountConfig, hc *httpClient) *antpoolClient {
	c := &antpoolClient{
		acct:         acct,
		http:         hc,
		workersPath:  "data.result.rows",
		hashratePath: "data.hsLast10m",
		revenuePath:  "data.earn24Hours",
		keys: fieldKeys{
			Worker:    "worker",
			HashNow:   "last10m",
			HashAvg:   "last1d",
			Payhash:   "accepted",
			LastShare: "shareLastTime",
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

func (c *antpoolClient) Source() string { return "antpool" }

// signedForm builds the authenticated request body
func (c *antpoolClient) signedForm() url.Values {
	nonce := strconv.FormatInt(time.Now().UnixMilli(), 10)

	mac := hmac.New(sha256.New, []byte(c.acct.APISecret))
	mac.Write([]byte(c.acct.Account + c.acct.APIKey + nonce))
	signature := strings.ToUpper(hex.EncodeToString(mac.Sum(nil)))

	form := url.Values{}
	form.Set("key", c.acct.APIKey)
	form.Set("nonce", nonce)
	form.Set("signature", signature)
	form.Set("userId", c.acct.Account)
	form.Set("coin", strings.ToUpper(c.acct.Coin))
	return form
}

func (c *antpoolClient) post(ctx context.Context, path string) (map[string]interface{}, error) {
	raw, err := c.http.postForm(ctx, path, c.signedForm())
	if err != nil {
		return nil, err
	}

	var doc map[string]interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, &ParseError{Source: "antpool", Detail: err.Error()}
	}

	// Antpool wraps errors in a code/message envelope with HTTP 200
	if code, ok := pathFloat(doc, "code"); ok && code != 0 {
		msg, _ := pathString(doc, "message")
		return nil, &ParseError{Source: "antpool", Detail: fmt.Sprintf("code %d: %s", int(code), msg)}
	}
	return doc, nil
}

func (c *antpoolClient) FetchWorkers(ctx context.Context) ([]*storage.WorkerSample, error) {
	doc, err := c.post(ctx, "/api/workers.htm")
	if err != nil {
		return nil, err
	}

	workersNode, ok := pathValue(doc, c.workersPath)
	if !ok {
		return nil, &ParseError{Source: "antpool", Detail: "workers field missing at " + c.workersPath}
	}

	sub, err := json.Marshal(workersNode)
	if err != nil {
		return nil, &ParseError{Source: "antpool", Detail: err.Error()}
	}

	rows, err := parseWorkerRows("antpool", sub, c.keys)
	if err != nil {
		return nil, err
	}
	return samplesFromRows(c.acct, rows, time.Now().Unix()), nil
}

func (c *antpoolClient) FetchAccountStats(ctx context.Context, windowStart, windowEnd time.Time) (*AccountStats, error) {
	doc, err := c.post(ctx, "/api/account.htm")
	if err != nil {
		return nil, err
	}

	stats := &AccountStats{}
	if hr, ok := pathFloat(doc, c.hashratePath); ok {
		stats.Hashrate = hr
	}
	revenue, ok := pathString(doc, c.revenuePath)
	if !ok {
		return nil, &ParseError{Source: "antpool", Detail: "revenue field missing at " + c.revenuePath}
	}
	stats.Revenue = revenue
	return stats, nil
}

// Package owner resolves raw pool worker identifiers to platform users.
package owner

import (
	"regexp"
	"strings"
	"sync"

	"github.com/mintpool/settler/internal/util"
)

// Normalizer strips the account-specific prefix from raw worker IDs,
// e.g. "suanlibao.rig01" with prefix "suanlibao." becomes "rig01".
type Normalizer struct {
	prefix string
}

// NewNormalizer creates a normalizer for one pool account
func NewNormalizer(prefix string) *Normalizer {
	return &Normalizer{prefix: prefix}
}

// Strip removes the account prefix, returning the base worker ID
func (n *Normalizer) Strip(rawID string) string {
	return strings.TrimPrefix(rawID, n.prefix)
}

// Whitelist is the snapshot of currently valid platform worker IDs.
// It gates synthetic ID extraction and is refreshed from the user store.
type Whitelist struct {
	mu  sync.RWMutex
	ids map[string]struct{}
}

// NewWhitelist creates an empty whitelist
func NewWhitelist() *Whitelist {
	return &Whitelist{ids: make(map[string]struct{})}
}

// Refresh replaces the whitelist contents
func (w *Whitelist) Refresh(ids []string) {
	next := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		next[id] = struct{}{}
	}

	w.mu.Lock()
	w.ids = next
	w.mu.Unlock()
}

// Contains reports whether a worker ID is currently valid
func (w *Whitelist) Contains(id string) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	_, ok := w.ids[id]
	return ok
}

// Len returns the whitelist size
func (w *Whitelist) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.ids)
}

// BindingLookup bulk-maps base worker IDs to user IDs.
// The binding store is owned elsewhere; this engine only reads it.
type BindingLookup interface {
	GetBindings(workerIDs []string) (map[string]string, error)
}

// Resolver maps raw worker IDs to platform user IDs. Resolution is a pure
// function of its inputs plus the whitelist and binding snapshots.
type Resolver struct {
	normalizer *Normalizer
	whitelist  *Whitelist
	bindings   BindingLookup

	syntheticEnabled bool
	syntheticPattern *regexp.Regexp
}

// NewResolver creates a resolver for one pool account.
// syntheticPrefix recognizes user IDs embedded in worker IDs, e.g. "USR-"
// matches "USR-1042" and extracts user 1042.
func NewResolver(normalizer *Normalizer, whitelist *Whitelist, bindings BindingLookup,
	syntheticEnabled bool, syntheticPrefix string) *Resolver {

	pattern := regexp.MustCompile("^" + regexp.QuoteMeta(syntheticPrefix) + `(\d+)$`)
	return &Resolver{
		normalizer:       normalizer,
		whitelist:        whitelist,
		bindings:         bindings,
		syntheticEnabled: syntheticEnabled,
		syntheticPattern: pattern,
	}
}

// Resolve maps raw worker IDs to user IDs. Unresolved workers are absent
// from the result; their revenue is attributed downstream to the
// configured unclaimed account, not here.
func (r *Resolver) Resolve(rawIDs []string) (map[string]string, error) {
	if len(rawIDs) == 0 {
		return map[string]string{}, nil
	}

	bases := make(map[string]string, len(rawIDs))
	seen := make(map[string]struct{}, len(rawIDs))
	lookup := make([]string, 0, len(rawIDs))
	for _, raw := range rawIDs {
		base := r.normalizer.Strip(raw)
		bases[raw] = base
		if _, dup := seen[base]; !dup {
			seen[base] = struct{}{}
			lookup = append(lookup, base)
		}
	}

	bindings, err := r.bindings.GetBindings(lookup)
	if err != nil {
		return nil, err
	}

	resolved := make(map[string]string, len(rawIDs))
	for _, raw := range rawIDs {
		base := bases[raw]

		if userID, ok := bindings[base]; ok {
			resolved[raw] = userID
			continue
		}

		if !r.syntheticEnabled {
			continue
		}

		m := r.syntheticPattern.FindStringSubmatch(base)
		if m == nil {
			continue
		}
		if !r.whitelist.Contains(raw) {
			util.Debugf("Synthetic ID %s rejected: %s not whitelisted", base, raw)
			continue
		}
		resolved[raw] = m[1]
	}

	return resolved, nil
}

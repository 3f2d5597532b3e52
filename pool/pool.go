// Package pool holds the in-memory, load-balanced registry of upstream
// providers the dispatcher selects from. It is rebuilt wholesale from the
// store whenever admission or the reconciler changes the provider set, and
// mutated in place (usage counters, round-robin cursor) on every dispatch.
package pool

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/llmgateway/gateway/store"
)

// Strategy names a provider-selection algorithm.
type Strategy string

const (
	StrategyRoundRobin      Strategy = "RoundRobin"
	StrategyLeastConnections Strategy = "LeastConnections"
	StrategyLeastTokens     Strategy = "LeastTokens"
)

// TokenUsage tracks one provider's rolling dispatch activity, used by the
// LeastConnections/LeastTokens strategies.
type TokenUsage struct {
	LastUsed     time.Time
	TotalTokens  int64
	RequestCount int64
}

// Permit is a held concurrency slot for one provider. The caller must call
// Release exactly once, whether the dispatch it guards succeeds or fails.
type Permit struct {
	apiKey string
	sem    *semaphore.Weighted
}

// Release returns the permit to its provider's semaphore.
func (p *Permit) Release() {
	p.sem.Release(1)
}

// Pool is the process-local, load-balanced registry of providers. All
// public methods are safe for concurrent use. The mutex is held only
// while mutating in-memory state; it is never held across an upstream
// HTTP call.
type Pool struct {
	mu        sync.Mutex
	providers []store.Provider
	cursor    int
	usage     map[string]*TokenUsage
	sems      map[string]*semaphore.Weighted
}

// New builds an empty pool. Call Rebuild to populate it.
func New() *Pool {
	return &Pool{
		usage: make(map[string]*TokenUsage),
		sems:  make(map[string]*semaphore.Weighted),
	}
}

// Rebuild atomically replaces the provider list, e.g. after admission adds
// a provider or the reconciler evicts one. Tallies and semaphores are
// discarded wholesale on every rebuild: only the persisted balance and
// last_balance_check survive, carried on the store.Provider rows
// themselves rather than in pool state. Every surviving and new api_key
// gets a fresh TokenUsage and a fresh semaphore sized to rate_limit. The
// round-robin cursor is left unchanged: it indexes into the global list
// by position, not by identity, matching the teacher algorithm's
// tolerance for drift across rebuilds.
func (p *Pool) Rebuild(providers []store.Provider) {
	p.mu.Lock()
	defer p.mu.Unlock()

	usage := make(map[string]*TokenUsage, len(providers))
	sems := make(map[string]*semaphore.Weighted, len(providers))
	for _, prov := range providers {
		usage[prov.APIKey] = &TokenUsage{}
		sems[prov.APIKey] = semaphore.NewWeighted(int64(prov.RateLimit))
	}
	p.providers = providers
	p.usage = usage
	p.sems = sems
}

// Size returns the number of providers currently in the pool.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.providers)
}

// Select picks one available provider matching model under strategy,
// advancing the round-robin cursor as a side effect when strategy is
// RoundRobin. Returns false if no provider is available for model.
//
// The cursor always advances modulo the length of the full provider
// list, not the filtered list of providers matching model — a
// deliberately preserved quirk of the original algorithm. It means the
// rotation observed for any one model is not perfectly uniform when
// providers serve different models, but it keeps a single shared cursor
// across all models instead of one per model, matching the reference
// implementation this was ported from.
func (p *Pool) Select(model string, strategy Strategy) (store.Provider, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	available := p.filterAvailable(model)
	if len(available) == 0 {
		return store.Provider{}, false
	}

	var chosen store.Provider
	switch strategy {
	case StrategyRoundRobin:
		idx := p.cursor % len(available)
		chosen = available[idx]
		if len(p.providers) > 0 {
			p.cursor = (p.cursor + 1) % len(p.providers)
		}
	case StrategyLeastConnections:
		chosen = p.minBy(available, func(u *TokenUsage) int64 {
			if u == nil {
				return 0
			}
			return u.RequestCount
		})
	case StrategyLeastTokens:
		chosen = p.minBy(available, func(u *TokenUsage) int64 {
			if u == nil {
				return 0
			}
			return u.TotalTokens
		})
	default:
		chosen = available[0]
	}
	return chosen, true
}

func (p *Pool) filterAvailable(model string) []store.Provider {
	out := make([]store.Provider, 0, len(p.providers))
	for _, prov := range p.providers {
		if prov.ModelName != model {
			continue
		}
		if !prov.IsAvailable() {
			continue
		}
		out = append(out, prov)
	}
	return out
}

// minBy returns the first element of candidates with the smallest metric
// value, ties broken by original list order (stable scan, first wins).
func (p *Pool) minBy(candidates []store.Provider, metric func(*TokenUsage) int64) store.Provider {
	best := candidates[0]
	bestVal := metric(p.usage[best.APIKey])
	for _, prov := range candidates[1:] {
		val := metric(p.usage[prov.APIKey])
		if val < bestVal {
			best = prov
			bestVal = val
		}
	}
	return best
}

// GetPermit attempts to acquire a non-blocking concurrency slot for
// apiKey. Returns false if the key is unknown to the pool or every slot
// is currently checked out.
func (p *Pool) GetPermit(ctx context.Context, apiKey string) (*Permit, bool) {
	p.mu.Lock()
	sem, ok := p.sems[apiKey]
	p.mu.Unlock()
	if !ok {
		return nil, false
	}
	if !sem.TryAcquire(1) {
		return nil, false
	}
	return &Permit{apiKey: apiKey, sem: sem}, true
}

// UpdateUsage records the result of a finished dispatch against apiKey.
// Safe to call even if apiKey has since been evicted from the pool (it
// simply recreates a usage entry that will be dropped on the next
// Rebuild that excludes the key).
func (p *Pool) UpdateUsage(apiKey string, totalTokens int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	u, ok := p.usage[apiKey]
	if !ok {
		u = &TokenUsage{}
		p.usage[apiKey] = u
	}
	u.LastUsed = time.Now().UTC()
	u.TotalTokens += int64(totalTokens)
	u.RequestCount++
}

// RemoveProvider drops apiKey from the pool's in-memory state. It is
// idempotent: removing an absent key is a no-op. Used when the
// reconciler evicts a single provider outside of a full Rebuild.
func (p *Pool) RemoveProvider(apiKey string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	kept := p.providers[:0:0]
	for _, prov := range p.providers {
		if prov.APIKey == apiKey {
			continue
		}
		kept = append(kept, prov)
	}
	p.providers = kept
	delete(p.sems, apiKey)
	delete(p.usage, apiKey)
}

// Snapshot returns a copy of the current provider list, for read-only
// reporting endpoints (GET /v1/providers).
func (p *Pool) Snapshot() []store.Provider {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]store.Provider, len(p.providers))
	copy(out, p.providers)
	return out
}

// UsageOf returns the tracked usage for apiKey, or the zero value if
// none is recorded yet.
func (p *Pool) UsageOf(apiKey string) TokenUsage {
	p.mu.Lock()
	defer p.mu.Unlock()
	if u, ok := p.usage[apiKey]; ok {
		return *u
	}
	return TokenUsage{}
}

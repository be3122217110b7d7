// Package modelpool distributes inference calls across a weighted pool
// of AI backends with round-robin selection and ordered failover.
package modelpool

import (
	"sync/atomic"

	"github.com/rotisserie/eris"

	"github.com/sells-group/taxaudit-cli/internal/cost"
	"github.com/sells-group/taxaudit-cli/pkg/anthropic"
	"github.com/sells-group/taxaudit-cli/pkg/perplexity"
)

// Pool selects backends round-robin, weighted by entry weight. Selection
// is a single atomic increment, safe for concurrent dispatchers.
type Pool struct {
	backends []Backend
	// ring holds backend indices repeated by weight.
	ring    []int
	counter atomic.Uint64
}

// Clients holds the provider clients a pool builds its backends from.
type Clients struct {
	Anthropic  anthropic.Client
	Perplexity perplexity.Client
}

// New builds a pool from definition entries and provider clients.
func New(entries []Entry, clients Clients) (*Pool, error) {
	if len(entries) == 0 {
		return nil, eris.New("modelpool: no entries")
	}

	p := &Pool{}
	for _, e := range entries {
		var b Backend
		switch e.Provider {
		case cost.ProviderAnthropic:
			if clients.Anthropic == nil {
				return nil, eris.Errorf("modelpool: entry %s/%s needs an anthropic client", e.Provider, e.Model)
			}
			b = NewAnthropicBackend(clients.Anthropic, e.Model)
		case cost.ProviderPerplexity:
			if clients.Perplexity == nil {
				return nil, eris.Errorf("modelpool: entry %s/%s needs a perplexity client", e.Provider, e.Model)
			}
			b = NewPerplexityBackend(clients.Perplexity, e.Model)
		default:
			return nil, eris.Errorf("modelpool: unknown provider %q", e.Provider)
		}

		weight := e.Weight
		if weight <= 0 {
			weight = 1
		}
		idx := len(p.backends)
		p.backends = append(p.backends, b)
		for i := 0; i < weight; i++ {
			p.ring = append(p.ring, idx)
		}
	}
	return p, nil
}

// Size returns the number of distinct backends.
func (p *Pool) Size() int {
	return len(p.backends)
}

// Next returns the next backend in weighted round-robin order.
func (p *Pool) Next() Backend {
	n := p.counter.Add(1) - 1
	return p.backends[p.ring[n%uint64(len(p.ring))]]
}

// Sequence returns every distinct backend exactly once, starting from
// the next round-robin pick. Callers walk it in order for failover.
func (p *Pool) Sequence() []Backend {
	n := p.counter.Add(1) - 1
	start := p.ring[n%uint64(len(p.ring))]

	out := make([]Backend, 0, len(p.backends))
	for i := 0; i < len(p.backends); i++ {
		out = append(out, p.backends[(start+i)%len(p.backends)])
	}
	return out
}

package provider

import (
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/echolabs/echo-dispatch/pkg/config"
)

const defaultTimeout = 60 * time.Second

// Pool holds the active upstream provider configuration and hands out
// transports. Configuration is read-only after construction, and credential
// selection is a stateless random pick, so the pool needs no locking.
type Pool struct {
	provider config.ProviderConfig
	ok       bool
	client   *http.Client
}

// NewPool builds a Pool from configuration. The active provider is the one
// named by active_provider, else the first with a non-empty credential pool.
func NewPool(cfg *config.Config) *Pool {
	p, ok := cfg.Active()
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Pool{
		provider: p,
		ok:       ok,
		client:   &http.Client{Timeout: timeout},
	}
}

// Available reports whether Acquire can return a transport.
func (p *Pool) Available() bool {
	return p.ok && len(p.provider.APIKeys) > 0
}

// Acquire returns a transport bound to the active provider and one credential
// chosen uniformly at random from its pool, or nil if no usable credential is
// configured. Random per-call choice spreads load across keys without shared
// rotation state; a dead endpoint fails lazily at call time.
func (p *Pool) Acquire() *Transport {
	if !p.Available() {
		return nil
	}
	key := p.provider.APIKeys[rand.IntN(len(p.provider.APIKeys))]
	return &Transport{
		name:    p.provider.Name,
		baseURL: p.provider.URL,
		model:   p.provider.Model,
		apiKey:  key,
		client:  p.client,
	}
}

// Name returns the active provider's name, or "" if none.
func (p *Pool) Name() string {
	if !p.ok {
		return ""
	}
	return p.provider.Name
}

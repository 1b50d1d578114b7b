package generator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kayz/specforge/internal/logger"
)

// ErrNoProvider is returned when every provider is cooling down or none is
// configured.
var ErrNoProvider = errors.New("no provider available")

type providerStats struct {
	successCount int
	failureCount int
	lastSuccess  time.Time
	lastFailure  time.Time
}

// Router sends completions to the current provider and fails over to the
// next healthy one. A provider that fails is put in cooldown.
type Router struct {
	providers    []Provider
	current      int
	stats        map[string]*providerStats
	cooldowns    map[string]time.Time
	cooldownTime time.Duration
	now          func() time.Time
	mu           sync.RWMutex
}

// NewRouter creates a router over providers, tried in order.
func NewRouter(providers []Provider, cooldownTime time.Duration) *Router {
	return &Router{
		providers:    providers,
		stats:        make(map[string]*providerStats),
		cooldowns:    make(map[string]time.Time),
		cooldownTime: cooldownTime,
		now:          time.Now,
	}
}

func (r *Router) Name() string {
	if p := r.Current(); p != nil {
		return p.Name()
	}
	return "router"
}

// Current returns the provider the next completion goes to.
func (r *Router) Current() Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.providers) == 0 {
		return nil
	}
	return r.providers[r.current]
}

// Complete tries each healthy provider once, starting with the current one.
// Context errors end the attempt without blaming the provider.
func (r *Router) Complete(ctx context.Context, system, prompt string) (string, error) {
	var errs []error
	tried := make(map[string]bool)
	for {
		p, err := r.pick(tried)
		if err != nil {
			if len(errs) > 0 {
				return "", fmt.Errorf("%w: %w", err, errors.Join(errs...))
			}
			return "", err
		}
		tried[p.Name()] = true

		out, err := p.Complete(ctx, system, prompt)
		if err == nil {
			r.RecordSuccess(p)
			return out, nil
		}
		if ctx.Err() != nil {
			return "", err
		}
		logger.Warn("[Generator] %s failed, failing over: %v", p.Name(), err)
		r.RecordFailure(p)
		errs = append(errs, err)
	}
}

func (r *Router) pick(tried map[string]bool) (Provider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.providers)
	for i := 0; i < n; i++ {
		idx := (r.current + i) % n
		p := r.providers[idx]
		if tried[p.Name()] || r.inCooldown(p.Name()) {
			continue
		}
		r.current = idx
		return p, nil
	}
	return nil, ErrNoProvider
}

func (r *Router) RecordSuccess(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.statsFor(p.Name())
	s.successCount++
	s.lastSuccess = r.now()
}

func (r *Router) RecordFailure(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.statsFor(p.Name())
	s.failureCount++
	s.lastFailure = r.now()
	r.cooldowns[p.Name()] = r.now().Add(r.cooldownTime)
}

// IsInCooldown reports whether the named provider recently failed.
func (r *Router) IsInCooldown(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.inCooldown(name)
}

func (r *Router) inCooldown(name string) bool {
	until, ok := r.cooldowns[name]
	if !ok {
		return false
	}
	return r.now().Before(until)
}

func (r *Router) statsFor(name string) *providerStats {
	s, ok := r.stats[name]
	if !ok {
		s = &providerStats{}
		r.stats[name] = s
	}
	return s
}

// Package metrics holds the Prometheus collectors shared by the caches. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Lookup results.
const (
	ResultHit  = "hit"
	ResultMiss = "miss"
)

// Metrics records cache activity.
type Metrics struct {
	lookups *prometheus.CounterVec
	prunes  *prometheus.CounterVec
	reloads *prometheus.CounterVec
}

// New creates the collectors and registers them with reg. Collectors that are
// already registered, e.g. by a second cache sharing the registry, are
// reused. A nil reg returns a nil *Metrics.
func New(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		return nil, nil
	}

	lookups := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "credcache_lookups_total",
		Help: "Total number of cache lookups, by cache and result",
	}, []string{"cache", "result"})

	prunes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "credcache_prunes_total",
		Help: "Total number of cached credentials removed at read time, by cache and reason",
	}, []string{"cache", "reason"})

	reloads := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "credcache_reloads_total",
		Help: "Total number of persisted cache reloads, by result",
	}, []string{"result"})

	var err error
	m := &Metrics{}
	if m.lookups, err = register(reg, lookups); err != nil {
		return nil, err
	}
	if m.prunes, err = register(reg, prunes); err != nil {
		return nil, err
	}
	if m.reloads, err = register(reg, reloads); err != nil {
		return nil, err
	}
	return m, nil
}

func register(reg prometheus.Registerer, c *prometheus.CounterVec) (*prometheus.CounterVec, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return c, nil
}

// Lookup records a cache lookup.
func (m *Metrics) Lookup(cache, result string) {
	if m == nil {
		return
	}
	m.lookups.WithLabelValues(cache, result).Inc()
}

// Prune records n entries removed from a cache at read time.
func (m *Metrics) Prune(cache, reason string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.prunes.WithLabelValues(cache, reason).Add(float64(n))
}

// Reload records a persisted cache reload attempt.
func (m *Metrics) Reload(result string) {
	if m == nil {
		return
	}
	m.reloads.WithLabelValues(result).Inc()
}

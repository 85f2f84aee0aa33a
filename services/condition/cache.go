package condition

import (
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"
)

var (
	cacheHits = prometheus.NewCounter(prometheus.CounterOpts{Name: "condition_cache_hits_total"})
	cacheMiss = prometheus.NewCounter(prometheus.CounterOpts{Name: "condition_cache_miss_total"})
)

func init() {
	prometheus.MustRegister(cacheHits, cacheMiss)
}

// programCache holds one compiled program per distinct condition. Conditions
// are immutable values, so entries never go stale.
type programCache struct {
	mu    sync.RWMutex
	items map[Condition]cel.Program
	group singleflight.Group
}

func newProgramCache() *programCache {
	return &programCache{items: make(map[Condition]cel.Program)}
}

func (c *programCache) get(cond Condition, compile func(Condition) (cel.Program, error)) (cel.Program, error) {
	c.mu.RLock()
	prg, ok := c.items[cond]
	c.mu.RUnlock()
	if ok {
		cacheHits.Inc()
		return prg, nil
	}

	cacheMiss.Inc()
	v, err, _ := c.group.Do(cond.expression(), func() (interface{}, error) {
		prg, err := compile(cond)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.items[cond] = prg
		c.mu.Unlock()
		return prg, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(cel.Program), nil
}

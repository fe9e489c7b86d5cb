package cache

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/ultraride/ridesync/internal/metrics"
)

const DefaultNamespace = "ridesync:"

type Logger interface {
	Printf(format string, args ...any)
}

type Options struct {
	// Namespace prefixes every key; Clear only touches keys under it.
	Namespace string
	Now       func() time.Time
	Logger    Logger
}

// Cache is a TTL key/value store over a Backend. It is an optimisation only: write
// failures are logged and dropped, and any unreadable or expired entry reads as a miss.
type Cache struct {
	backend   Backend
	namespace string
	now       func() time.Time
	logger    Logger
}

type entry struct {
	Data      json.RawMessage `json:"data"`
	WrittenAt time.Time       `json:"writtenAt"`
	ExpiresAt time.Time       `json:"expiresAt"`
}

func New(backend Backend, opts Options) *Cache {
	if backend == nil {
		backend = NewMemoryBackend()
	}
	namespace := opts.Namespace
	if strings.TrimSpace(namespace) == "" {
		namespace = DefaultNamespace
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Cache{
		backend:   backend,
		namespace: namespace,
		now:       now,
		logger:    opts.Logger,
	}
}

func (c *Cache) Backend() Backend {
	return c.backend
}

func (c *Cache) Set(key string, value any, ttl time.Duration) {
	if ttl <= 0 {
		c.logf("cache set %s ignored: non-positive ttl %s", key, ttl)
		return
	}
	data, err := json.Marshal(value)
	if err != nil {
		metrics.CacheWriteFailures.Inc()
		c.logf("cache set %s failed: %v", key, err)
		return
	}
	now := c.now()
	payload, err := json.Marshal(entry{
		Data:      data,
		WrittenAt: now,
		ExpiresAt: now.Add(ttl),
	})
	if err != nil {
		metrics.CacheWriteFailures.Inc()
		c.logf("cache set %s failed: %v", key, err)
		return
	}
	if err := c.backend.Put(c.namespace+key, payload); err != nil {
		metrics.CacheWriteFailures.Inc()
		c.logf("cache set %s failed: %v", key, err)
	}
}

// Get decodes the live value for key into out. Expired or undecodable entries are
// removed and reported as a miss.
func (c *Cache) Get(key string, out any) bool {
	e, ok := c.read(key)
	if !ok {
		return false
	}
	if !c.now().Before(e.ExpiresAt) {
		metrics.CacheLookups.WithLabelValues("expired").Inc()
		c.Remove(key)
		return false
	}
	if out != nil {
		if err := json.Unmarshal(e.Data, out); err != nil {
			metrics.CacheLookups.WithLabelValues("corrupt").Inc()
			c.logf("cache entry %s unreadable: %v", key, err)
			c.Remove(key)
			return false
		}
	}
	metrics.CacheLookups.WithLabelValues("hit").Inc()
	return true
}

func (c *Cache) IsExpired(key string) bool {
	e, ok := c.read(key)
	if !ok {
		return true
	}
	return !c.now().Before(e.ExpiresAt)
}

func (c *Cache) Remove(key string) {
	if err := c.backend.Delete(c.namespace + key); err != nil {
		c.logf("cache remove %s failed: %v", key, err)
	}
}

// Clear removes every entry under the namespace and nothing else.
func (c *Cache) Clear() {
	c.removePrefix("")
}

// Keys lists live and expired keys under prefix, without the namespace.
func (c *Cache) Keys(prefix string) []string {
	keys, err := c.backend.Keys(c.namespace + prefix)
	if err != nil {
		c.logf("cache keys %s failed: %v", prefix, err)
		return nil
	}
	out := make([]string, 0, len(keys))
	for _, key := range keys {
		out = append(out, strings.TrimPrefix(key, c.namespace))
	}
	return out
}

func (c *Cache) removePrefix(prefix string) {
	for _, key := range c.Keys(prefix) {
		c.Remove(key)
	}
}

func (c *Cache) read(key string) (entry, bool) {
	raw, ok, err := c.backend.Get(c.namespace + key)
	if err != nil {
		metrics.CacheLookups.WithLabelValues("miss").Inc()
		c.logf("cache get %s failed: %v", key, err)
		return entry{}, false
	}
	if !ok {
		metrics.CacheLookups.WithLabelValues("miss").Inc()
		return entry{}, false
	}
	var e entry
	if err := json.Unmarshal(raw, &e); err != nil || e.ExpiresAt.IsZero() {
		metrics.CacheLookups.WithLabelValues("corrupt").Inc()
		c.logf("cache entry %s unreadable; removing", key)
		c.Remove(key)
		return entry{}, false
	}
	return e, true
}

func (c *Cache) logf(format string, args ...any) {
	if c.logger == nil {
		return
	}
	c.logger.Printf(format, args...)
}

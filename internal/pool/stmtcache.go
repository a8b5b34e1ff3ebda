package pool

import (
	"container/list"

	"github.com/joao-brasil/xapool/pkg/xa"
	"github.com/rs/zerolog"
)

// CacheKey is the tuple of SQL text and statement-creation parameters that
// makes two prepared statements interchangeable.
type CacheKey struct {
	SQL           string
	Holdability   int
	GeneratedKeys bool
}

type cacheEntry struct {
	key  CacheKey
	stmt xa.Stmt
}

// lruStatementCache is a bounded mapping from a prepared-statement fingerprint
// to a reusable statement handle. When full, the least-recently-used entry is
// evicted and handed to the eviction hook, which closes it. A capacity of zero
// disables caching: every put immediately evicts.
//
// The cache is only touched by the caller currently holding the connection
// handle, so it needs no locking of its own.
type lruStatementCache struct {
	capacity int
	order    *list.List // front = most recently used
	entries  map[CacheKey]*list.Element
	onEvict  func(xa.Stmt) error
	log      zerolog.Logger
}

func newLruStatementCache(capacity int, log zerolog.Logger) *lruStatementCache {
	return &lruStatementCache{
		capacity: capacity,
		order:    list.New(),
		entries:  make(map[CacheKey]*list.Element),
		log:      log,
	}
}

// setEvictionHook installs the close function invoked on every evicted
// statement. Hook failures are logged and swallowed so one bad close cannot
// leak the remaining entries.
func (c *lruStatementCache) setEvictionHook(hook func(xa.Stmt) error) {
	c.onEvict = hook
}

// get returns the cached statement for key, promoting it to most recently
// used, or nil if nothing is cached under that key. The statement stays in
// the cache and remains re-issuable.
func (c *lruStatementCache) get(key CacheKey) xa.Stmt {
	elem, ok := c.entries[key]
	if !ok {
		return nil
	}
	c.order.MoveToFront(elem)
	return elem.Value.(*cacheEntry).stmt
}

// put inserts the statement under key and returns it. A statement already
// cached under the same key is evicted first; when the cache is at capacity,
// the least-recently-used entry is evicted.
func (c *lruStatementCache) put(key CacheKey, stmt xa.Stmt) xa.Stmt {
	if elem, ok := c.entries[key]; ok {
		c.evict(elem)
	}
	if c.capacity <= 0 {
		c.evictStatement(stmt)
		return stmt
	}
	for c.order.Len() >= c.capacity {
		c.evict(c.order.Back())
	}
	c.entries[key] = c.order.PushFront(&cacheEntry{key: key, stmt: stmt})
	return stmt
}

// clear evicts every entry in least-recently-used order.
func (c *lruStatementCache) clear() {
	for elem := c.order.Back(); elem != nil; elem = c.order.Back() {
		c.evict(elem)
	}
}

func (c *lruStatementCache) len() int {
	return c.order.Len()
}

func (c *lruStatementCache) evict(elem *list.Element) {
	entry := elem.Value.(*cacheEntry)
	delete(c.entries, entry.key)
	c.order.Remove(elem)
	c.evictStatement(entry.stmt)
}

func (c *lruStatementCache) evictStatement(stmt xa.Stmt) {
	if c.onEvict == nil {
		return
	}
	if err := c.onEvict(stmt); err != nil {
		c.log.Warn().Err(err).Msg("error closing evicted statement")
	}
}

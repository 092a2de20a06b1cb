package quote

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pesabridge/settlement-engine/internal/model"
)

var (
	// ErrQuoteNotFound is returned when no quote exists under the ID. Kept
	// distinct from expiry so the two failure modes stay distinguishable.
	ErrQuoteNotFound = errors.New("quote: not found")

	// ErrInvalidID is returned for identifiers outside the quote ID format.
	ErrInvalidID = errors.New("quote: invalid quote id")
)

// idRandLen is the number of random base36 characters in a quote ID.
// Identifiers must be unguessable; nine is the floor, twelve leaves margin.
const idRandLen = 12

const base36 = "0123456789abcdefghijklmnopqrstuvwxyz"

// idRegex matches: quote:{unix-ms}:{base36 suffix, 9+ chars}
var idRegex = regexp.MustCompile(`^quote:(\d{10,16}):([0-9a-z]{9,})$`)

// NewID issues a globally-unique, unguessable quote identifier with a time
// component and a random base36 suffix.
func NewID(now time.Time) string {
	buf := make([]byte, idRandLen)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("quote: crypto/rand failed: %v", err))
	}
	for i, b := range buf {
		buf[i] = base36[int(b)%len(base36)]
	}
	return fmt.Sprintf("quote:%d:%s", now.UnixMilli(), buf)
}

// ParseID validates a quote identifier and returns its issue time.
func ParseID(id string) (time.Time, error) {
	matches := idRegex.FindStringSubmatch(id)
	if matches == nil {
		return time.Time{}, fmt.Errorf("%w: %s", ErrInvalidID, id)
	}
	ms, err := strconv.ParseInt(matches[1], 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %s", ErrInvalidID, id)
	}
	return time.UnixMilli(ms), nil
}

// Cache stores issued quotes under single-use identifiers with an absolute
// TTL matching the quote's own expiry. Reads never extend the TTL — rates
// must not be held indefinitely — and do not delete the entry, so reads stay
// idempotent. Whether a quote is still consumable is the caller's check
// against ExpiresAt.
type Cache interface {
	// Store saves the quote and returns its new identifier.
	Store(ctx context.Context, q model.Quote) (string, error)

	// Get returns the quote under id, or ErrQuoteNotFound.
	Get(ctx context.Context, id string) (model.Quote, error)
}

// RedisCache is the production quote cache.
type RedisCache struct {
	rdb *redis.Client
}

// NewRedisCache creates a Redis-backed quote cache.
func NewRedisCache(rdb *redis.Client) *RedisCache {
	return &RedisCache{rdb: rdb}
}

func (c *RedisCache) Store(ctx context.Context, q model.Quote) (string, error) {
	id := NewID(q.IssuedAt)
	data, err := json.Marshal(q)
	if err != nil {
		return "", err
	}

	ttl := time.Until(q.ExpiresAt)
	if ttl <= 0 {
		ttl = time.Second
	}
	if err := c.rdb.Set(ctx, id, data, ttl).Err(); err != nil {
		return "", fmt.Errorf("quote: cache write: %w", err)
	}
	return id, nil
}

func (c *RedisCache) Get(ctx context.Context, id string) (model.Quote, error) {
	if _, err := ParseID(id); err != nil {
		return model.Quote{}, err
	}

	data, err := c.rdb.Get(ctx, id).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.Quote{}, ErrQuoteNotFound
	}
	if err != nil {
		return model.Quote{}, fmt.Errorf("quote: cache read: %w", err)
	}

	var q model.Quote
	if err := json.Unmarshal(data, &q); err != nil {
		return model.Quote{}, fmt.Errorf("quote: cache decode: %w", err)
	}
	return q, nil
}

// memoryGrace is how long a stale entry survives past its expiry before a
// write sweeps it. Reads never drop entries, so they stay idempotent.
const memoryGrace = time.Minute

// MemoryCache implements Cache with a map. Used for testing and development.
// Each write sweeps entries past their expiry plus memoryGrace; the expiry
// decision on read stays with the caller, as with Redis.
type MemoryCache struct {
	mu     sync.Mutex
	quotes map[string]model.Quote
}

// NewMemoryCache creates a new in-memory quote cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{quotes: make(map[string]model.Quote)}
}

func (c *MemoryCache) Store(_ context.Context, q model.Quote) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := time.Now().Add(-memoryGrace)
	for id, old := range c.quotes {
		if old.ExpiresAt.Before(cutoff) {
			delete(c.quotes, id)
		}
	}

	id := NewID(q.IssuedAt)
	c.quotes[id] = q
	return id, nil
}

func (c *MemoryCache) Get(_ context.Context, id string) (model.Quote, error) {
	if _, err := ParseID(id); err != nil {
		return model.Quote{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	q, ok := c.quotes[id]
	if !ok {
		return model.Quote{}, ErrQuoteNotFound
	}
	return q, nil
}

// Put seeds the cache under a caller-chosen ID. Test helper.
func (c *MemoryCache) Put(id string, q model.Quote) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.quotes[id] = q
}

package q402

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ReplayGuard records spent payment ids so each witness settles once
type ReplayGuard interface {
	// Consume marks paymentID spent until expiry. It returns false when
	// the id was already spent.
	Consume(ctx context.Context, paymentID string, expiry time.Time) (bool, error)
}

// DefaultReplayEntries bounds the in-memory guard
const DefaultReplayEntries = 100000

// ErrReplayGuardFull means every tracked id is still live. Unexpired ids
// are never dropped, so new payments are refused until some expire.
var ErrReplayGuardFull = errors.New("replay guard full")

// MemoryReplayGuard keeps spent ids in process memory
type MemoryReplayGuard struct {
	mu         sync.Mutex
	spent      map[string]time.Time
	maxEntries int
	now        func() time.Time
}

// NewMemoryReplayGuard creates an in-memory guard holding at most maxEntries ids
func NewMemoryReplayGuard(maxEntries int) *MemoryReplayGuard {
	if maxEntries <= 0 {
		maxEntries = DefaultReplayEntries
	}
	return &MemoryReplayGuard{
		spent:      make(map[string]time.Time),
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

func (g *MemoryReplayGuard) Consume(_ context.Context, paymentID string, expiry time.Time) (bool, error) {
	id := strings.ToLower(paymentID)
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()

	if exp, ok := g.spent[id]; ok && now.Before(exp) {
		return false, nil
	}
	if len(g.spent) >= g.maxEntries {
		g.sweep(now)
	}
	if len(g.spent) >= g.maxEntries {
		return false, ErrReplayGuardFull
	}
	g.spent[id] = expiry
	return true, nil
}

// Len returns the number of tracked ids
func (g *MemoryReplayGuard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.spent)
}

func (g *MemoryReplayGuard) sweep(now time.Time) {
	for id, exp := range g.spent {
		if !now.Before(exp) {
			delete(g.spent, id)
		}
	}
}

// RedisReplayGuard shares spent ids across gateway replicas
type RedisReplayGuard struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// NewRedisReplayGuard creates a guard storing keys under prefix
func NewRedisReplayGuard(client *redis.Client, prefix string) *RedisReplayGuard {
	if prefix == "" {
		prefix = "q402:spent:"
	}
	return &RedisReplayGuard{client: client, prefix: prefix, now: time.Now}
}

func (g *RedisReplayGuard) Consume(ctx context.Context, paymentID string, expiry time.Time) (bool, error) {
	ttl := expiry.Sub(g.now())
	if ttl < time.Second {
		ttl = time.Second
	}
	return g.client.SetNX(ctx, g.prefix+strings.ToLower(paymentID), "1", ttl).Result()
}

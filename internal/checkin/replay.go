package checkin

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	redisclient "github.com/hackgods/patient-flow-orchestrator/internal/redis"
)

// ReplayGuard remembers recent (kiosk, appointment) taps. Claim reports
// whether the tap is the first within window. A repeated tap does not
// extend the window.
type ReplayGuard interface {
	Claim(ctx context.Context, kioskID, appointmentID string, window time.Duration) (bool, error)
}

const pruneAbove = 4096

type MemoryReplayGuard struct {
	mu   sync.Mutex
	seen map[string]time.Time
	now  func() time.Time
}

func NewMemoryReplayGuard(now func() time.Time) *MemoryReplayGuard {
	if now == nil {
		now = time.Now
	}
	return &MemoryReplayGuard{seen: make(map[string]time.Time), now: now}
}

func (g *MemoryReplayGuard) Claim(_ context.Context, kioskID, appointmentID string, window time.Duration) (bool, error) {
	key := pairKey(kioskID, appointmentID)
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()
	if at, ok := g.seen[key]; ok && now.Sub(at) < window {
		return false, nil
	}
	g.seen[key] = now
	if len(g.seen) > pruneAbove {
		for k, at := range g.seen {
			if now.Sub(at) >= window {
				delete(g.seen, k)
			}
		}
	}
	return true, nil
}

// RedisReplayGuard shares the replay window across orchestrator instances.
type RedisReplayGuard struct {
	client *redis.Client
}

func NewRedisReplayGuard(client *redis.Client) *RedisReplayGuard {
	return &RedisReplayGuard{client: client}
}

func (g *RedisReplayGuard) Claim(ctx context.Context, kioskID, appointmentID string, window time.Duration) (bool, error) {
	return redisclient.ClaimOnce(ctx, g.client, "replay:"+pairKey(kioskID, appointmentID), window)
}

func pairKey(kioskID, appointmentID string) string {
	return kioskID + "|" + appointmentID
}

// keyedLocker serializes work per key inside one process. It satisfies
// redisclient.Locker so the verifier can use either.
type keyedLocker struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedLocker() *keyedLocker {
	return &keyedLocker{locks: make(map[string]*keyedLock)}
}

func (k *keyedLocker) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	defer func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}()
	return fn(ctx)
}

var _ redisclient.Locker = (*keyedLocker)(nil)

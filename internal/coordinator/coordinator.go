// Package coordinator implements distributed coordination via Redis for
// resource pools running in multiple instances. It enforces a global cap on
// physical connections per resource: pools consult it before growing and
// hand the slot back when a holder is destroyed.
package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/joao-brasil/xapool/internal/config"
	"github.com/joao-brasil/xapool/internal/metrics"
	"github.com/joao-brasil/xapool/pkg/resource"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// ── Redis key patterns ──────────────────────────────────────────────────
const (
	keyResourceCount = "xapool:resource:%s:count"       // global connection count per resource
	keyResourceMax   = "xapool:resource:%s:max"         // maximum connections per resource
	keyInstanceList  = "xapool:instances"               // set of active instance IDs
	keyInstanceHB    = "xapool:instance:%s:heartbeat"   // heartbeat key with TTL
)

// acquireScript atomically claims a connection slot unless the resource is at
// its global maximum.
const acquireScript = `
local count = tonumber(redis.call('GET', KEYS[1]) or '0')
local max = tonumber(redis.call('GET', KEYS[2]) or '0')
if count >= max then
  return -1
end
return redis.call('INCR', KEYS[1])
`

// releaseScript hands a slot back, never going below zero.
const releaseScript = `
local count = tonumber(redis.call('GET', KEYS[1]) or '0')
if count > 0 then
  return redis.call('DECR', KEYS[1])
end
return 0
`

// RedisCoordinator manages distributed connection limits via Redis.
type RedisCoordinator struct {
	client     *redis.Client
	cfg        config.RedisConfig
	instanceID string
	log        zerolog.Logger

	// SHA hashes of the Lua scripts, loaded once at initialization.
	acquireSHA string
	releaseSHA string

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates and initializes the distributed coordinator, registering the
// global maximum for each resource.
func New(ctx context.Context, cfg config.RedisConfig, instanceID string, resources []resource.Definition, log zerolog.Logger) (*RedisCoordinator, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	rc := &RedisCoordinator{
		client:     client,
		cfg:        cfg,
		instanceID: instanceID,
		log:        log.With().Str("component", "coordinator").Logger(),
		stopCh:     make(chan struct{}),
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		metrics.RedisOperations.WithLabelValues("ping", "error").Inc()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	metrics.RedisOperations.WithLabelValues("ping", "ok").Inc()
	rc.log.Info().Str("addr", cfg.Addr).Msg("redis connected")

	if err := rc.loadScripts(ctx); err != nil {
		return nil, fmt.Errorf("loading lua scripts: %w", err)
	}
	if err := rc.initResourceLimits(ctx, resources); err != nil {
		return nil, fmt.Errorf("initializing resource limits: %w", err)
	}
	if err := rc.client.SAdd(ctx, keyInstanceList, instanceID).Err(); err != nil {
		return nil, fmt.Errorf("registering instance: %w", err)
	}

	rc.log.Info().Str("instance", instanceID).Int("resources", len(resources)).Msg("coordinator initialized")
	return rc, nil
}

// loadScripts loads the Lua scripts into Redis and caches their SHA hashes.
func (rc *RedisCoordinator) loadScripts(ctx context.Context) error {
	sha, err := rc.client.ScriptLoad(ctx, acquireScript).Result()
	if err != nil {
		return fmt.Errorf("loading acquire script: %w", err)
	}
	rc.acquireSHA = sha

	sha, err = rc.client.ScriptLoad(ctx, releaseScript).Result()
	if err != nil {
		return fmt.Errorf("loading release script: %w", err)
	}
	rc.releaseSHA = sha
	return nil
}

// initResourceLimits sets the global maximum connection count for every
// resource, summed across instances.
func (rc *RedisCoordinator) initResourceLimits(ctx context.Context, resources []resource.Definition) error {
	pipe := rc.client.Pipeline()
	for _, r := range resources {
		pipe.Set(ctx, fmt.Sprintf(keyResourceMax, r.UniqueName), r.MaxPoolSize, 0)
		pipe.SetNX(ctx, fmt.Sprintf(keyResourceCount, r.UniqueName), 0, 0)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("pipeline exec: %w", err)
	}
	return nil
}

// TryAcquire atomically claims a global connection slot for the resource.
func (rc *RedisCoordinator) TryAcquire(ctx context.Context, resourceName string) error {
	result, err := rc.client.EvalSha(ctx, rc.acquireSHA,
		[]string{
			fmt.Sprintf(keyResourceCount, resourceName),
			fmt.Sprintf(keyResourceMax, resourceName),
		},
	).Int64()
	if err != nil {
		metrics.RedisOperations.WithLabelValues("acquire", "error").Inc()
		return fmt.Errorf("redis acquire for %s: %w", resourceName, err)
	}
	if result < 0 {
		metrics.RedisOperations.WithLabelValues("acquire", "rejected").Inc()
		return fmt.Errorf("no global connection slot available for %s", resourceName)
	}
	metrics.RedisOperations.WithLabelValues("acquire", "ok").Inc()
	return nil
}

// Release hands a global connection slot back.
func (rc *RedisCoordinator) Release(ctx context.Context, resourceName string) {
	err := rc.client.EvalSha(ctx, rc.releaseSHA,
		[]string{fmt.Sprintf(keyResourceCount, resourceName)},
	).Err()
	if err != nil {
		metrics.RedisOperations.WithLabelValues("release", "error").Inc()
		rc.log.Warn().Err(err).Str("resource", resourceName).Msg("redis release failed")
		return
	}
	metrics.RedisOperations.WithLabelValues("release", "ok").Inc()
}

// TryPing probes Redis reachability, for health checks.
func (rc *RedisCoordinator) TryPing(ctx context.Context) error {
	return rc.client.Ping(ctx).Err()
}

// StartHeartbeat periodically refreshes this instance's liveness key.
func (rc *RedisCoordinator) StartHeartbeat() {
	rc.wg.Add(1)
	go func() {
		defer rc.wg.Done()

		key := fmt.Sprintf(keyInstanceHB, rc.instanceID)
		ticker := time.NewTicker(rc.cfg.HeartbeatInterval)
		defer ticker.Stop()

		for {
			select {
			case <-rc.stopCh:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), rc.cfg.WriteTimeout)
				err := rc.client.Set(ctx, key, time.Now().Unix(), rc.cfg.HeartbeatTTL).Err()
				cancel()
				if err != nil {
					metrics.InstanceHeartbeat.WithLabelValues(rc.instanceID).Set(0)
					rc.log.Warn().Err(err).Msg("heartbeat failed")
					continue
				}
				metrics.InstanceHeartbeat.WithLabelValues(rc.instanceID).Set(1)
			}
		}
	}()
}

// Close stops the heartbeat and releases the Redis client.
func (rc *RedisCoordinator) Close() error {
	close(rc.stopCh)
	rc.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), rc.cfg.WriteTimeout)
	defer cancel()
	if err := rc.client.SRem(ctx, keyInstanceList, rc.instanceID).Err(); err != nil {
		rc.log.Warn().Err(err).Msg("failed to deregister instance")
	}
	return rc.client.Close()
}

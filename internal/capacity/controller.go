// Package capacity enforces global and per-tenant admission limits using
// counters in the shared KV store, so every runtime replica sees the same
// totals.
package capacity

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/avencall/switchboard/internal/kv"
	"github.com/avencall/switchboard/internal/observability"
)

type Outcome string

const (
	Admitted                  Outcome = "admitted"
	RejectedTenantRate        Outcome = "rejected_tenant_rate"
	RejectedTenantConcurrency Outcome = "rejected_tenant_concurrency"
	RejectedGlobal            Outcome = "rejected_global"
	RejectedStoreUnavailable  Outcome = "rejected_store_unavailable"
)

// Limits are the effective caps for one admission decision; tenant config
// values override the process defaults.
type Limits struct {
	TenantConcurrent int
	TenantPerMinute  int
	Global           int
}

type Controller struct {
	store   kv.Store
	ttl     time.Duration
	metrics *observability.Metrics
	log     zerolog.Logger

	// now is swapped in tests to pin minute-window boundaries.
	now func() time.Time
}

func NewController(store kv.Store, ttl time.Duration, metrics *observability.Metrics, log zerolog.Logger) *Controller {
	if ttl < time.Minute {
		ttl = time.Minute
	}
	return &Controller{
		store:   store,
		ttl:     ttl,
		metrics: metrics,
		log:     log.With().Str("component", "capacity").Logger(),
		now:     time.Now,
	}
}

// TryReserve atomically claims one rate-window unit, one tenant slot and one
// global slot. Each increment is compared client-side against its cap and
// unconditionally undone on rejection, so a failed attempt is net zero. If
// the store is unreachable the decision fails closed.
func (c *Controller) TryReserve(ctx context.Context, tenantID string, limits Limits) Outcome {
	outcome := c.tryReserve(ctx, tenantID, limits)
	if c.metrics != nil {
		c.metrics.AdmissionOutcomes.WithLabelValues(string(outcome)).Inc()
	}
	return outcome
}

func (c *Controller) tryReserve(ctx context.Context, tenantID string, limits Limits) Outcome {
	rateKey := c.rateKey(tenantID)
	n, err := c.store.IncrWithTTL(ctx, rateKey, 2*time.Minute)
	if err != nil {
		c.log.Error().Err(err).Str("tenant_id", tenantID).Msg("reserve failed closed: rate counter")
		return RejectedStoreUnavailable
	}
	if limits.TenantPerMinute > 0 && n > int64(limits.TenantPerMinute) {
		c.decr(rateKey, tenantID)
		return RejectedTenantRate
	}

	tenantKey := tenantCallsKey(tenantID)
	n, err = c.store.IncrWithTTL(ctx, tenantKey, c.ttl)
	if err != nil {
		c.decr(rateKey, tenantID)
		c.log.Error().Err(err).Str("tenant_id", tenantID).Msg("reserve failed closed: tenant counter")
		return RejectedStoreUnavailable
	}
	if limits.TenantConcurrent > 0 && n > int64(limits.TenantConcurrent) {
		c.decr(tenantKey, tenantID)
		c.decr(rateKey, tenantID)
		return RejectedTenantConcurrency
	}

	n, err = c.store.IncrWithTTL(ctx, globalCallsKey, c.ttl)
	if err != nil {
		c.decr(tenantKey, tenantID)
		c.decr(rateKey, tenantID)
		c.log.Error().Err(err).Str("tenant_id", tenantID).Msg("reserve failed closed: global counter")
		return RejectedStoreUnavailable
	}
	if limits.Global > 0 && n > int64(limits.Global) {
		c.decr(globalCallsKey, tenantID)
		c.decr(tenantKey, tenantID)
		c.decr(rateKey, tenantID)
		return RejectedGlobal
	}

	return Admitted
}

// Release returns one tenant slot and one global slot. Idempotence per call
// is the caller's job (a session-local released flag); here every invocation
// decrements exactly once, retrying briefly if the store flaps. Release never
// touches the minute window: rate units expire on their own.
func (c *Controller) Release(ctx context.Context, tenantID string) {
	policy := backoff.WithContext(releaseBackoff(), ctx)
	attempt := 0
	err := backoff.Retry(func() error {
		if attempt > 0 && c.metrics != nil {
			c.metrics.CapacityReleaseRetries.Inc()
		}
		attempt++
		if _, err := c.store.Decr(ctx, tenantCallsKey(tenantID)); err != nil {
			return err
		}
		if _, err := c.store.Decr(ctx, globalCallsKey); err != nil {
			// The tenant slot is already freed; re-decrementing it on retry
			// would leak permission, so only the global leg is retried.
			return backoff.Permanent(c.retryGlobalDecr(ctx))
		}
		return nil
	}, policy)
	if err != nil {
		c.log.Error().Err(err).Str("tenant_id", tenantID).Msg("capacity release failed; counters self-heal via TTL")
	}
}

func (c *Controller) retryGlobalDecr(ctx context.Context) error {
	policy := backoff.WithContext(releaseBackoff(), ctx)
	return backoff.Retry(func() error {
		if c.metrics != nil {
			c.metrics.CapacityReleaseRetries.Inc()
		}
		_, err := c.store.Decr(ctx, globalCallsKey)
		return err
	}, policy)
}

// Ping reports store reachability for the readiness probe.
func (c *Controller) Ping(ctx context.Context) error {
	return c.store.Ping(ctx)
}

func (c *Controller) decr(key, tenantID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := c.store.Decr(ctx, key); err != nil {
		c.log.Warn().Err(err).Str("tenant_id", tenantID).Str("key", key).Msg("rollback decrement failed; TTL will self-heal")
	}
}

// rateKey buckets by wall-clock minute. A call starting exactly at the
// rollover lands in the new minute because the bucket is derived from the
// call-start instant.
func (c *Controller) rateKey(tenantID string) string {
	minute := c.now().UTC().Unix() / 60
	return fmt.Sprintf("cap:tenant:%s:rpm:%d", tenantID, minute)
}

const globalCallsKey = "cap:global:calls"

func tenantCallsKey(tenantID string) string {
	return "cap:tenant:" + tenantID + ":calls"
}

func releaseBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = 10 * time.Second
	return b
}

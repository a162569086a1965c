package tenantcfg

import (
	"container/list"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/avencall/switchboard/internal/kv"
)

var (
	ErrNotFound = errors.New("tenantcfg: not found")
	ErrInvalid  = errors.New("tenantcfg: invalid config")
)

// Adapter reads validated tenant configuration and DID mappings from the
// shared KV store. The control plane is the only writer; the runtime treats
// the keys as a published read-only contract.
type Adapter struct {
	store     kv.Store
	mapPrefix string
	cfgPrefix string
	validate  *validator.Validate
	log       zerolog.Logger

	mu       sync.Mutex
	cache    map[string]*list.Element
	order    *list.List
	cacheMax int
	cacheTTL time.Duration
}

type cacheEntry struct {
	tenantID string
	cfg      *RuntimeTenantConfig
	loadedAt time.Time
}

func NewAdapter(store kv.Store, mapPrefix, cfgPrefix string, cacheSize int, cacheTTL time.Duration, log zerolog.Logger) *Adapter {
	if cacheSize <= 0 {
		cacheSize = 256
	}
	if cacheTTL <= 0 {
		cacheTTL = 15 * time.Second
	}
	return &Adapter{
		store:     store,
		mapPrefix: mapPrefix,
		cfgPrefix: cfgPrefix,
		validate:  validator.New(),
		log:       log.With().Str("component", "tenantcfg").Logger(),
		cache:     make(map[string]*list.Element),
		order:     list.New(),
		cacheMax:  cacheSize,
		cacheTTL:  cacheTTL,
	}
}

// LookupDID resolves a dialled number to its tenant. The number is normalised
// to E.164 first; a malformed number reports ErrNotFound to the caller since
// it cannot belong to any tenant.
func (a *Adapter) LookupDID(ctx context.Context, did string) (string, error) {
	normalized, err := NormalizeDID(did)
	if err != nil {
		return "", ErrNotFound
	}
	v, err := a.store.Get(ctx, a.didKey(normalized))
	if errors.Is(err, kv.ErrNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("lookup did: %w", err)
	}
	if v == "" {
		return "", ErrNotFound
	}
	return v, nil
}

// LoadConfig returns the tenant's runtime config, validated against the v1
// contract. Results are cached briefly; entries are immutable snapshots and
// callers must not mutate them.
func (a *Adapter) LoadConfig(ctx context.Context, tenantID string) (*RuntimeTenantConfig, error) {
	if cfg, ok := a.cached(tenantID); ok {
		return cfg, nil
	}

	raw, err := a.store.Get(ctx, a.cfgKey(tenantID))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	var cfg RuntimeTenantConfig
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := a.Validate(&cfg); err != nil {
		return nil, err
	}
	if cfg.TenantID != tenantID {
		return nil, fmt.Errorf("%w: tenantId %q does not match key %q", ErrInvalid, cfg.TenantID, tenantID)
	}

	a.remember(tenantID, &cfg)
	return &cfg, nil
}

// ConfigForDID resolves DID→tenant→config in one step, the webhook ingress
// path for a call's first event.
func (a *Adapter) ConfigForDID(ctx context.Context, did string) (*RuntimeTenantConfig, error) {
	tenantID, err := a.LookupDID(ctx, did)
	if err != nil {
		return nil, err
	}
	return a.LoadConfig(ctx, tenantID)
}

// Validate checks a config against the v1 schema.
func (a *Adapter) Validate(cfg *RuntimeTenantConfig) error {
	if err := a.validate.Struct(cfg); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := cfg.structuralErrors(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// Invalidate drops a tenant's cached config; called on publish notifications.
func (a *Adapter) Invalidate(tenantID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if el, ok := a.cache[tenantID]; ok {
		a.order.Remove(el)
		delete(a.cache, tenantID)
	}
}

func (a *Adapter) cached(tenantID string) (*RuntimeTenantConfig, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	el, ok := a.cache[tenantID]
	if !ok {
		return nil, false
	}
	entry := el.Value.(*cacheEntry)
	if time.Since(entry.loadedAt) > a.cacheTTL {
		a.order.Remove(el)
		delete(a.cache, tenantID)
		return nil, false
	}
	a.order.MoveToFront(el)
	return entry.cfg, true
}

func (a *Adapter) remember(tenantID string, cfg *RuntimeTenantConfig) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if el, ok := a.cache[tenantID]; ok {
		el.Value = &cacheEntry{tenantID: tenantID, cfg: cfg, loadedAt: time.Now()}
		a.order.MoveToFront(el)
		return
	}
	a.cache[tenantID] = a.order.PushFront(&cacheEntry{tenantID: tenantID, cfg: cfg, loadedAt: time.Now()})
	for len(a.cache) > a.cacheMax {
		oldest := a.order.Back()
		if oldest == nil {
			break
		}
		entry := oldest.Value.(*cacheEntry)
		a.order.Remove(oldest)
		delete(a.cache, entry.tenantID)
	}
}

func (a *Adapter) didKey(did string) string {
	return a.mapPrefix + ":did:" + did
}

func (a *Adapter) cfgKey(tenantID string) string {
	return a.cfgPrefix + ":" + tenantID
}

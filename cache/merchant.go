// Package cache keeps the purchase records that payouts depend on. Records
// live in memory, expire after a TTL, are evicted oldest-first under memory
// pressure, and every mutation is written through to a snapshot so a restart
// does not lose a pending payout.
package cache

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"campaignkeeper/ledger"
	"campaignkeeper/storage"
)

// ErrRecordMissing is returned when a payout has no purchase record to read.
var ErrRecordMissing = errors.New("cache: merchant record missing")

// evictFraction is the share of remaining entries dropped when the cache is
// still above its watermark after expiring stale records.
const evictFraction = 0.2

// recordOverhead approximates the per-entry cost of keys, timestamps and map
// bookkeeping on top of the variable-length purchase reference.
const recordOverhead = 3*ledger.AccountIDLength + 8 + 8 + 128

// Record is the keeper-local purchase record consumed by the payout action.
type Record struct {
	CampaignID        ledger.AccountID `json:"campaignId"`
	MerchantAddress   ledger.AccountID `json:"merchantAddress"`
	Amount            uint64           `json:"amount,string"`
	PurchaseReference string           `json:"purchaseReference"`
	StoredAt          time.Time        `json:"-"`
}

func (r Record) size() int64 { return int64(recordOverhead + len(r.PurchaseReference)) }

// Policy bounds the cache.
type Policy struct {
	MaxBytes      int64
	HighWatermark float64
	TTL           time.Duration
	SweepInterval time.Duration
}

// DefaultPolicy matches the keeper defaults: 100 MiB, 80% watermark, 24h TTL
// and a five minute sweep.
func DefaultPolicy() Policy {
	return Policy{
		MaxBytes:      100 << 20,
		HighWatermark: 0.8,
		TTL:           24 * time.Hour,
		SweepInterval: 5 * time.Minute,
	}
}

// Stats summarises cache occupancy.
type Stats struct {
	Entries     int       `json:"entries"`
	Bytes       int64     `json:"bytes"`
	MaxBytes    int64     `json:"max_bytes"`
	Ratio       float64   `json:"ratio"`
	Watermark   float64   `json:"watermark"`
	Expired     uint64    `json:"expired"`
	Evicted     uint64    `json:"evicted"`
	LastSweep   time.Time `json:"last_sweep,omitempty"`
	LastPersist time.Time `json:"last_persist,omitempty"`
}

// SweepResult reports what a sweep removed.
type SweepResult struct {
	Expired int
	Evicted int
}

// Hooks receive cache events for metrics. Any field may be nil.
type Hooks struct {
	Expired func(n int)
	Evicted func(n int)
}

// Option customises a Cache.
type Option func(*Cache)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithHooks installs metric hooks.
func WithHooks(h Hooks) Option {
	return func(c *Cache) { c.hooks = h }
}

// Cache is safe for concurrent use.
type Cache struct {
	mu      sync.Mutex
	policy  Policy
	blob    storage.Blob
	now     func() time.Time
	logger  *slog.Logger
	hooks   Hooks
	records map[ledger.AccountID]Record
	bytes   int64
	stats   Stats
	closed  bool
}

// New loads the snapshot held by blob and returns a ready cache. A snapshot
// that cannot be decoded is an error: silently starting empty would drop
// pending payouts.
func New(blob storage.Blob, policy Policy, opts ...Option) (*Cache, error) {
	if blob == nil {
		return nil, errors.New("cache: snapshot store required")
	}
	def := DefaultPolicy()
	if policy.MaxBytes <= 0 {
		policy.MaxBytes = def.MaxBytes
	}
	if policy.HighWatermark <= 0 || policy.HighWatermark > 1 {
		policy.HighWatermark = def.HighWatermark
	}
	if policy.TTL <= 0 {
		policy.TTL = def.TTL
	}
	if policy.SweepInterval <= 0 {
		policy.SweepInterval = def.SweepInterval
	}
	c := &Cache{
		policy:  policy,
		blob:    blob,
		now:     time.Now,
		logger:  slog.Default(),
		records: make(map[ledger.AccountID]Record),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	records, err := loadSnapshot(blob)
	if err != nil {
		return nil, err
	}
	for id, rec := range records {
		c.records[id] = rec
		c.bytes += rec.size()
	}
	c.logger.Info("merchant cache loaded", "entries", len(c.records), "bytes", c.bytes)
	return c, nil
}

// Policy returns the effective policy.
func (c *Cache) Policy() Policy { return c.policy }

// Put stores rec under its campaign id. The record is kept in memory even if
// the snapshot write fails; the write error is returned so the caller can
// report it.
func (c *Cache) Put(rec Record) error {
	if rec.CampaignID.IsZero() {
		return errors.New("cache: record without campaign id")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	rec.StoredAt = c.now().Truncate(time.Millisecond)
	if prev, ok := c.records[rec.CampaignID]; ok {
		c.bytes -= prev.size()
	}
	c.records[rec.CampaignID] = rec
	c.bytes += rec.size()
	c.logger.Info("merchant record stored",
		"campaign", rec.CampaignID.Short(),
		"merchant", rec.MerchantAddress.Short(),
		"amount", rec.Amount,
		"entries", len(c.records))
	if c.overWatermarkLocked() {
		c.logger.Warn("merchant cache above watermark", "bytes", c.bytes, "max_bytes", c.policy.MaxBytes)
		c.collectLocked()
	}
	return c.persistLocked()
}

// Get returns the record for id. An expired record is removed and reported
// absent.
func (c *Cache) Get(id ledger.AccountID) (Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.records[id]
	if !ok {
		return Record{}, false
	}
	if c.expiredLocked(rec, c.now()) {
		c.deleteLocked(id)
		c.stats.Expired++
		c.fire(c.hooks.Expired, 1)
		c.logger.Info("merchant record expired", "campaign", id.Short())
		if err := c.persistLocked(); err != nil {
			c.logger.Error("persist merchant cache", "error", err)
		}
		return Record{}, false
	}
	return rec, true
}

// Remove deletes the record for id. Removing an absent key is not an error.
func (c *Cache) Remove(id ledger.AccountID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.records[id]; !ok {
		return nil
	}
	c.deleteLocked(id)
	c.logger.Info("merchant record cleared", "campaign", id.Short(), "entries", len(c.records))
	return c.persistLocked()
}

// Sweep expires stale records and, if the cache is still above its
// watermark, evicts the oldest fifth of what remains.
func (c *Cache) Sweep() (SweepResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	res := c.collectLocked()
	c.stats.LastSweep = c.now()
	if res.Expired == 0 && res.Evicted == 0 {
		return res, nil
	}
	return res, c.persistLocked()
}

func (c *Cache) collectLocked() SweepResult {
	var res SweepResult
	now := c.now()
	for id, rec := range c.records {
		if c.expiredLocked(rec, now) {
			c.deleteLocked(id)
			res.Expired++
		}
	}
	if c.overWatermarkLocked() {
		ids := make([]ledger.AccountID, 0, len(c.records))
		for id := range c.records {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool {
			a, b := c.records[ids[i]].StoredAt, c.records[ids[j]].StoredAt
			if a.Equal(b) {
				return ids[i].String() < ids[j].String()
			}
			return a.Before(b)
		})
		n := int(float64(len(ids)) * evictFraction)
		for _, id := range ids[:n] {
			c.deleteLocked(id)
		}
		res.Evicted = n
	}
	c.stats.Expired += uint64(res.Expired)
	c.stats.Evicted += uint64(res.Evicted)
	c.fire(c.hooks.Expired, res.Expired)
	c.fire(c.hooks.Evicted, res.Evicted)
	if res.Expired > 0 || res.Evicted > 0 {
		c.logger.Info("merchant cache collected",
			"expired", res.Expired,
			"evicted", res.Evicted,
			"remaining", len(c.records),
			"bytes", c.bytes)
	}
	return res
}

// Len returns the number of records held.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.records)
}

// Stats reports occupancy against the configured bound.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Entries = len(c.records)
	s.Bytes = c.bytes
	s.MaxBytes = c.policy.MaxBytes
	s.Watermark = c.policy.HighWatermark
	s.Ratio = float64(s.Bytes) / float64(c.policy.MaxBytes)
	return s
}

// Close writes a final snapshot and releases the store. It is idempotent.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	persistErr := c.persistLocked()
	closeErr := c.blob.Close()
	return errors.Join(persistErr, closeErr)
}

func (c *Cache) expiredLocked(rec Record, now time.Time) bool {
	return now.Sub(rec.StoredAt) > c.policy.TTL
}

func (c *Cache) overWatermarkLocked() bool {
	return float64(c.bytes) > float64(c.policy.MaxBytes)*c.policy.HighWatermark
}

func (c *Cache) deleteLocked(id ledger.AccountID) {
	if rec, ok := c.records[id]; ok {
		c.bytes -= rec.size()
		delete(c.records, id)
	}
}

func (c *Cache) persistLocked() error {
	data, err := encodeSnapshot(c.records, c.now())
	if err != nil {
		return fmt.Errorf("cache: encode snapshot: %w", err)
	}
	if err := c.blob.Store(data); err != nil {
		return fmt.Errorf("cache: write snapshot: %w", err)
	}
	c.stats.LastPersist = c.now()
	return nil
}

func (c *Cache) fire(fn func(int), n int) {
	if fn != nil && n > 0 {
		fn(n)
	}
}

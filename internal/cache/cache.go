// Package cache implements the question-keyed response cache from
// spec.md §4.4: TTL-driven expiry plus single-flight deduplication of
// concurrent identical upstream queries.
//
// The map is sharded by a siphash of the question, following the shape of
// the teacher repository's sharded cache, and single-flight is backed
// directly by golang.org/x/sync/singleflight rather than a hand-rolled
// leader/follower broadcast.
package cache

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dchest/siphash"
	"golang.org/x/sync/singleflight"

	"github.com/dnsscience/sinkproxy/internal/codec"
)

// RawRecord is the input shape to Put: a TTL in seconds as supplied by the
// upstream, not yet converted to an absolute expiry.
type RawRecord struct {
	Class uint16
	TTL   uint32
	Data  codec.RecordData
}

// Entry is one live, cached record as returned by Get: its TTL has already
// been anchored to an absolute ExpiresAt so callers can compute a
// monotonically decreasing remaining TTL (spec.md §4.4, §8 invariant 5).
type Entry struct {
	Class     uint16
	ExpiresAt time.Time
	Data      codec.RecordData
}

type liveRecord struct {
	class     uint16
	expiresAt time.Time
	data      codec.RecordData
}

type shard struct {
	mu      sync.Mutex
	entries map[uint64][]liveRecord
}

// Cache is a sharded, question-keyed response cache with single-flight
// resolution. The zero value is not usable; construct with New or
// NewRandomKey.
type Cache struct {
	shards    []*shard
	shardMask uint64
	hashKey   [16]byte

	sf singleflight.Group

	hits, misses, evictions atomic.Uint64
}

const defaultShardCount = 32

// New constructs a cache with a caller-supplied siphash key, useful for
// deterministic tests.
func New(shardCount int, key [16]byte) *Cache {
	if shardCount <= 0 {
		shardCount = defaultShardCount
	}
	// Round up to a power of two so masking replaces modulo, matching the
	// teacher's sharded-cache approach.
	n := 1
	for n < shardCount {
		n <<= 1
	}
	c := &Cache{
		shards:    make([]*shard, n),
		shardMask: uint64(n - 1),
		hashKey:   key,
	}
	for i := range c.shards {
		c.shards[i] = &shard{entries: make(map[uint64][]liveRecord)}
	}
	return c
}

// NewRandomKey constructs a cache with a process-random siphash key drawn
// from crypto/rand, the production constructor.
func NewRandomKey(shardCount int) *Cache {
	var key [16]byte
	if _, err := rand.Read(key[:]); err != nil {
		panic("cache: crypto/rand unavailable: " + err.Error())
	}
	return New(shardCount, key)
}

func (c *Cache) hashQuestion(q codec.Question) uint64 {
	h := siphash.New(c.hashKey[:])
	_, _ = h.Write([]byte(strings.ToLower(strings.TrimSuffix(q.Name, "."))))
	var tail [4]byte
	binary.BigEndian.PutUint16(tail[0:2], q.Type)
	binary.BigEndian.PutUint16(tail[2:4], q.Class)
	_, _ = h.Write(tail[:])
	return h.Sum64()
}

func (c *Cache) shardFor(hash uint64) *shard {
	return c.shards[hash&c.shardMask]
}

// Get returns the currently-valid records for q. Expired records are
// lazily dropped on access; if none remain, the entry is removed and Get
// reports a miss (spec.md §4.4).
func (c *Cache) Get(q codec.Question) ([]Entry, bool) {
	hash := c.hashQuestion(q)
	sh := c.shardFor(hash)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	stored, ok := sh.entries[hash]
	if !ok {
		c.misses.Add(1)
		return nil, false
	}

	now := time.Now()
	live := stored[:0]
	for _, r := range stored {
		if r.expiresAt.After(now) {
			live = append(live, r)
		}
	}
	if len(live) == 0 {
		delete(sh.entries, hash)
		c.misses.Add(1)
		return nil, false
	}
	sh.entries[hash] = live

	out := make([]Entry, len(live))
	for i, r := range live {
		out[i] = Entry{Class: r.class, ExpiresAt: r.expiresAt, Data: r.data}
	}
	c.hits.Add(1)
	return out, true
}

// Put anchors each record's TTL to an absolute expiry and replaces any
// prior entry for q (spec.md §4.4).
func (c *Cache) Put(q codec.Question, records []RawRecord) {
	hash := c.hashQuestion(q)
	sh := c.shardFor(hash)

	now := time.Now()
	live := make([]liveRecord, len(records))
	for i, r := range records {
		live[i] = liveRecord{
			class:     r.Class,
			expiresAt: now.Add(time.Duration(r.TTL) * time.Second),
			data:      r.Data,
		}
	}

	sh.mu.Lock()
	sh.entries[hash] = live
	sh.mu.Unlock()
}

// Delete explicitly evicts any entry for q.
func (c *Cache) Delete(q codec.Question) {
	hash := c.hashQuestion(q)
	sh := c.shardFor(hash)
	sh.mu.Lock()
	if _, ok := sh.entries[hash]; ok {
		delete(sh.entries, hash)
		c.evictions.Add(1)
	}
	sh.mu.Unlock()
}

// BeginResolve implements the single-flight contract of spec.md §4.4: for
// N concurrent calls with an identical q, fn executes exactly once; every
// caller observes its result (or its error), and a successful result is
// stored in the cache before being handed back. fn receives the first
// caller's ctx with its cancellation detached. Cancelling ctx unblocks
// only the cancelled caller — the underlying resolution (and any other
// waiters on it) continues; this is a deliberate simplification of the
// literal leader-promotion rule in spec.md §5 (see DESIGN.md), since
// golang.org/x/sync/singleflight does not expose a way to hand the
// in-flight call to a different waiter.
func (c *Cache) BeginResolve(ctx context.Context, q codec.Question, fn func(context.Context) ([]RawRecord, error)) ([]RawRecord, error) {
	hash := c.hashQuestion(q)
	key := strconv.FormatUint(hash, 16)

	ch := c.sf.DoChan(key, func() (interface{}, error) {
		records, err := fn(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		c.Put(q, records)
		return records, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]RawRecord), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Stats summarizes cache activity for the periodic stats printer.
type Stats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
}

// GetStats returns a point-in-time snapshot of cache counters.
func (c *Cache) GetStats() Stats {
	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
	}
}

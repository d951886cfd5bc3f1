// Package cache implements the tiered block cache sitting in front of the
// deduplicating store.
//
// Three tiers are supported: L1 (memory), L2 (fast flash) and L3 (bulk).
// Reads check the tiers top-down and promote lower hits into L1; clean
// entries evicted from a tier are demoted into the next enabled tier. Only
// the tier a block was written into may hold it dirty, and every dirty entry
// is flushed to the Backend before it leaves the cache.
package cache

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/marmos91/dittoblk/pkg/store/tier"
)

// Backend is the authoritative block source behind the cache.
type Backend interface {
	// ReadBlock returns the current content of lba.
	ReadBlock(ctx context.Context, lba uint64) ([]byte, error)

	// WriteBlock durably stores data at lba.
	WriteBlock(ctx context.Context, lba uint64, data []byte) error

	// TrimBlock discards the content of lba. Trimming an address that
	// holds nothing is a no-op.
	TrimBlock(ctx context.Context, lba uint64) error
}

// Level identifies a cache tier. LevelAuto lets the manager pick.
type Level uint8

const (
	LevelAuto Level = iota
	L1
	L2
	L3
)

// NumLevels is the number of cache tiers.
const NumLevels = 3

// Levels lists the tiers top-down.
var Levels = []Level{L1, L2, L3}

func (l Level) String() string {
	switch l {
	case LevelAuto:
		return "auto"
	case L1:
		return "L1"
	case L2:
		return "L2"
	case L3:
		return "L3"
	default:
		return fmt.Sprintf("Level(%d)", uint8(l))
	}
}

// ParseLevel parses "l1", "l2", "l3" or "auto" (case-insensitive).
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(s) {
	case "", "auto":
		return LevelAuto, nil
	case "l1":
		return L1, nil
	case "l2":
		return L2, nil
	case "l3":
		return L3, nil
	default:
		return LevelAuto, fmt.Errorf("unknown cache level %q", s)
	}
}

// WritePolicy selects how a Put reaches the backend.
type WritePolicy uint8

const (
	// PolicyDefault uses the target tier's configured policy.
	PolicyDefault WritePolicy = iota

	// WriteThrough writes the backend synchronously, then caches clean.
	WriteThrough

	// WriteBack caches dirty and flushes asynchronously.
	WriteBack

	// WriteAround writes the backend and drops cached copies.
	WriteAround
)

func (p WritePolicy) String() string {
	switch p {
	case PolicyDefault:
		return "default"
	case WriteThrough:
		return "write-through"
	case WriteBack:
		return "write-back"
	case WriteAround:
		return "write-around"
	default:
		return fmt.Sprintf("WritePolicy(%d)", uint8(p))
	}
}

// ParseWritePolicy parses a policy name as used in configuration.
func ParseWritePolicy(s string) (WritePolicy, error) {
	switch strings.ToLower(strings.ReplaceAll(s, "_", "-")) {
	case "", "default":
		return PolicyDefault, nil
	case "write-through", "through":
		return WriteThrough, nil
	case "write-back", "back":
		return WriteBack, nil
	case "write-around", "around":
		return WriteAround, nil
	default:
		return PolicyDefault, fmt.Errorf("unknown write policy %q", s)
	}
}

// Eviction selects the victim ordering of a tier.
type Eviction uint8

const (
	LRU Eviction = iota
	LFU
	Adaptive
)

func (e Eviction) String() string {
	switch e {
	case LRU:
		return "lru"
	case LFU:
		return "lfu"
	case Adaptive:
		return "adaptive"
	default:
		return fmt.Sprintf("Eviction(%d)", uint8(e))
	}
}

// ParseEviction parses "lru", "lfu" or "adaptive".
func ParseEviction(s string) (Eviction, error) {
	switch strings.ToLower(s) {
	case "", "lru":
		return LRU, nil
	case "lfu":
		return LFU, nil
	case "adaptive", "arc":
		return Adaptive, nil
	default:
		return LRU, fmt.Errorf("unknown eviction policy %q", s)
	}
}

// Promotion selects whether a lower-tier hit keeps its source copy.
type Promotion uint8

const (
	PromoteMove Promotion = iota
	PromoteCopy
)

func (p Promotion) String() string {
	if p == PromoteCopy {
		return "copy"
	}
	return "move"
}

// ParsePromotion parses "move" or "copy".
func ParsePromotion(s string) (Promotion, error) {
	switch strings.ToLower(s) {
	case "", "move":
		return PromoteMove, nil
	case "copy":
		return PromoteCopy, nil
	default:
		return PromoteMove, fmt.Errorf("unknown promotion mode %q", s)
	}
}

// TierConfig configures one tier.
type TierConfig struct {
	Enabled bool

	// MaxEntries bounds the number of cached blocks (0 = unbounded).
	MaxEntries int

	// MaxBytes bounds the cached payload bytes (0 = unbounded).
	MaxBytes int64

	Eviction    Eviction
	WritePolicy WritePolicy

	// Store holds the payloads. Nil means an in-memory store.
	Store tier.Store
}

// Config configures a Manager.
type Config struct {
	Tiers [NumLevels]TierConfig

	Promotion Promotion

	// FlushQueueSize bounds the asynchronous flush queue (default: 1024).
	FlushQueueSize int

	// FlushWorkers is the number of flush goroutines (default: 4). A
	// negative value disables background flushing: dirty entries are then
	// written only on eviction, Flush and Close.
	FlushWorkers int

	// Overcommit is how many entries a tier may hold over capacity while
	// dirty victims flush asynchronously (default: FlushQueueSize/16). A
	// negative value makes every dirty eviction flush synchronously in the
	// caller.
	Overcommit int

	// Metrics receives cache observations. Nil disables them.
	Metrics Metrics
}

// DefaultOvercommit returns the overcommit allowance used for a flush queue
// of queueSize entries.
func DefaultOvercommit(queueSize int) int {
	return max(queueSize/16, 1)
}

func (c *Config) applyDefaults() {
	if c.FlushQueueSize <= 0 {
		c.FlushQueueSize = 1024
	}
	if c.FlushWorkers == 0 {
		c.FlushWorkers = 4
	}
	switch {
	case c.Overcommit == 0:
		c.Overcommit = DefaultOvercommit(c.FlushQueueSize)
	case c.Overcommit < 0:
		c.Overcommit = 0
	}
	if c.Metrics == nil {
		c.Metrics = noopMetrics{}
	}
}

// ReadOptions tunes a Get.
type ReadOptions struct {
	// Tier receives the block on a full miss (default: L1).
	Tier Level
}

// WriteOptions tunes a Put.
type WriteOptions struct {
	Policy WritePolicy

	// Tier receives the block (default: L1).
	Tier Level
}

// Entry is a point-in-time view of a cached block.
type Entry struct {
	Key        uint64
	Level      Level
	Size       int
	Dirty      bool
	Pins       int
	Version    uint64
	Frequency  uint64
	InsertSeq  uint64
	LastAccess time.Time
}

// TierStats reports the state and counters of one tier.
type TierStats struct {
	Level      Level
	Enabled    bool
	Eviction   Eviction
	Entries    int
	Dirty      int
	Bytes      int64
	MaxEntries int
	MaxBytes   int64
	Hits       uint64
	Misses     uint64
	Evictions  uint64
	Flushes    uint64
	Promotions uint64
	Demotions  uint64
}

// HitRatio returns hits/(hits+misses), or 0 with no lookups.
func (s TierStats) HitRatio() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// Utilization returns the occupied share of the entry capacity, or of the
// byte capacity when only that is bounded. Unbounded tiers report 0.
func (s TierStats) Utilization() float64 {
	switch {
	case s.MaxEntries > 0:
		return float64(s.Entries) / float64(s.MaxEntries)
	case s.MaxBytes > 0:
		return float64(s.Bytes) / float64(s.MaxBytes)
	default:
		return 0
	}
}

// Package config defines the hierarchical configuration the facade is built
// from and enforces every load-time invariant. It does not load from files
// or environment; construction is programmatic and the populated Config is
// handed to the facade constructor.
package config

import (
	"fmt"
	"time"
)

// CacheType selects which facade topology is built.
type CacheType string

const (
	// L1Only omits the L2 client and everything downstream of it (C2-C7).
	L1Only CacheType = "l1_only"
	// L2Only omits L1, promotion, and the bloom filter, but keeps the WAL,
	// health monitor, and invalidation bus.
	L2Only CacheType = "l2_only"
	// TwoLevel wires the full C1-C8 stack behind the facade.
	TwoLevel CacheType = "two_level"
)

// Mode selects the L2 connection topology.
type Mode string

const (
	ModeStandalone Mode = "standalone"
	ModeCluster    Mode = "cluster"
	ModeSentinel   Mode = "sentinel"
)

// Config is the root configuration object.
type Config struct {
	CacheType           CacheType
	DefaultTTL          time.Duration
	HealthCheckInterval time.Duration
	Serialization       string // codec name, resolved via serialize.ByName

	L1       L1Config
	L2       L2Config
	TwoLevel TwoLevelConfig
}

// L1Config configures the in-process memory tier.
type L1Config struct {
	MaxCapacity         int
	CleanupIntervalSecs int // 0 disables the background sweep
	DefaultTTL          time.Duration
	Shards              int // 0 selects the implementation default
}

// SentinelConfig is required when L2.Mode == ModeSentinel.
type SentinelConfig struct {
	MasterName string
	Nodes      []string
}

// ClusterConfig is required when L2.Mode == ModeCluster.
type ClusterConfig struct {
	Nodes []string
}

// L2Config configures the remote tier connection.
type L2Config struct {
	Mode                Mode
	ConnectionString    string // secret: never logged, see (L2Config).String
	ConnectionTimeoutMs int    // 100-30000
	CommandTimeoutMs    int    // 100-60000
	Password            string // secret
	EnableTLS           bool
	Sentinel            *SentinelConfig
	Cluster             *ClusterConfig
	DefaultTTL          time.Duration
	MaxKeyLength        int
	MaxValueSize        int
}

// String redacts the connection string and password so L2Config is safe to
// pass to a logger.
func (c L2Config) String() string {
	return fmt.Sprintf("L2Config{Mode:%s ConnectionString:<redacted> ConnectionTimeoutMs:%d CommandTimeoutMs:%d EnableTLS:%v}",
		c.Mode, c.ConnectionTimeoutMs, c.CommandTimeoutMs, c.EnableTLS)
}

// TwoLevelConfig configures C6-C8 and the invalidation bus.
type TwoLevelConfig struct {
	PromoteOnHit bool

	EnableBatchWrite bool
	BatchSize        int
	BatchIntervalMs  int

	InvalidationChannel       string // (a) explicit literal name, highest precedence
	InvalidationChannelPrefix string // (b) prefix, default "cache:invalidate"
	ServiceName               string // used for (b)/(c) channel composition and WAL/L2 key scoping

	BloomFilter *BloomFilterConfig

	// BatchLimiterRPS/PromotionLimiterRPS optionally rate-limit the batch
	// flush and promotion paths against the backend. 0 disables limiting.
	BatchLimiterRPS     float64
	PromotionLimiterRPS float64
}

// BloomFilterConfig configures the optional negative-lookup filter.
type BloomFilterConfig struct {
	ExpectedElements  uint
	FalsePositiveRate float64
	Name              string
	AutoAddKeys       bool
}

// Default returns a Config with the stock defaults: L1 TTL 300s, L2 TTL
// 3600s, health check every 5s, batch size 100 / 50ms, bloom filter
// disabled.
func Default(serviceName string) Config {
	return Config{
		CacheType:           TwoLevel,
		DefaultTTL:          300 * time.Second,
		HealthCheckInterval: 5 * time.Second,
		Serialization:       "json",
		L1: L1Config{
			MaxCapacity:         100_000,
			CleanupIntervalSecs: 60,
			DefaultTTL:          300 * time.Second,
		},
		L2: L2Config{
			Mode:                ModeStandalone,
			ConnectionTimeoutMs: 5000,
			CommandTimeoutMs:    2000,
			DefaultTTL:          3600 * time.Second,
			MaxKeyLength:        1024,
			MaxValueSize:        1 << 20, // 1 MiB
		},
		TwoLevel: TwoLevelConfig{
			PromoteOnHit:              true,
			EnableBatchWrite:          false,
			BatchSize:                 100,
			BatchIntervalMs:           50,
			InvalidationChannelPrefix: "cache:invalidate",
			ServiceName:               serviceName,
		},
	}
}

const thirtyDays = 30 * 24 * time.Hour

// Validate checks every load-time invariant, returning the first violation
// found.
func (c Config) Validate() error {
	switch c.CacheType {
	case L1Only, L2Only, TwoLevel:
	default:
		return fmt.Errorf("config: invalid cache_type %q", c.CacheType)
	}

	if err := validateTTL("default_ttl", c.DefaultTTL); err != nil {
		return err
	}

	if c.CacheType != L2Only {
		if c.L1.MaxCapacity <= 0 || c.L1.MaxCapacity > 10_000_000 {
			return fmt.Errorf("config: l1.max_capacity must be in (0, 10000000], got %d", c.L1.MaxCapacity)
		}
		if c.L1.DefaultTTL > 0 {
			if err := validateTTL("l1.default_ttl", c.L1.DefaultTTL); err != nil {
				return err
			}
		}
	}

	if c.CacheType != L1Only {
		if err := validateTTL("l2.default_ttl", c.L2.DefaultTTL); err != nil {
			return err
		}
		if c.L2.ConnectionTimeoutMs < 100 || c.L2.ConnectionTimeoutMs > 30_000 {
			return fmt.Errorf("config: l2.connection_timeout_ms must be in [100, 30000], got %d", c.L2.ConnectionTimeoutMs)
		}
		if c.L2.CommandTimeoutMs < 100 || c.L2.CommandTimeoutMs > 60_000 {
			return fmt.Errorf("config: l2.command_timeout_ms must be in [100, 60000], got %d", c.L2.CommandTimeoutMs)
		}
		switch c.L2.Mode {
		case ModeStandalone:
		case ModeCluster:
			if c.L2.Cluster == nil || len(c.L2.Cluster.Nodes) == 0 {
				return fmt.Errorf("config: l2.cluster config required when mode=cluster")
			}
		case ModeSentinel:
			if c.L2.Sentinel == nil || c.L2.Sentinel.MasterName == "" || len(c.L2.Sentinel.Nodes) == 0 {
				return fmt.Errorf("config: l2.sentinel config required when mode=sentinel")
			}
		default:
			return fmt.Errorf("config: invalid l2.mode %q", c.L2.Mode)
		}
		if c.L2.MaxKeyLength <= 0 {
			return fmt.Errorf("config: l2.max_key_length must be positive")
		}
		if c.L2.MaxValueSize <= 0 {
			return fmt.Errorf("config: l2.max_value_size must be positive")
		}
	}

	if c.CacheType == TwoLevel {
		if c.L1.DefaultTTL > 0 && c.L2.DefaultTTL > 0 && c.L1.DefaultTTL > c.L2.DefaultTTL {
			return fmt.Errorf("config: l1.default_ttl (%s) must be <= l2.default_ttl (%s)", c.L1.DefaultTTL, c.L2.DefaultTTL)
		}
		if c.TwoLevel.EnableBatchWrite {
			if c.TwoLevel.BatchSize <= 0 || c.TwoLevel.BatchSize > 10_000 {
				return fmt.Errorf("config: two_level.batch_size must be in (0, 10000], got %d", c.TwoLevel.BatchSize)
			}
			if c.TwoLevel.BatchIntervalMs <= 0 || time.Duration(c.TwoLevel.BatchIntervalMs)*time.Millisecond > 60*time.Second {
				return fmt.Errorf("config: two_level.batch_interval_ms must be positive and <= 60000")
			}
		}
		if bf := c.TwoLevel.BloomFilter; bf != nil {
			if bf.FalsePositiveRate <= 0 || bf.FalsePositiveRate >= 1 {
				return fmt.Errorf("config: bloom_filter.false_positive_rate must be in (0, 1), got %v", bf.FalsePositiveRate)
			}
			if bf.ExpectedElements == 0 {
				return fmt.Errorf("config: bloom_filter.expected_elements must be positive")
			}
		}
	}

	return nil
}

func validateTTL(field string, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("config: %s must be non-zero, got %s", field, ttl)
	}
	if ttl > thirtyDays {
		return fmt.Errorf("config: %s must be <= 30 days, got %s", field, ttl)
	}
	return nil
}

package writecache

import (
	"time"

	"github.com/marmos91/dittofs-client/pkg/nfs"
)

// ============================================================================
// Cache configuration
// ============================================================================

// Default tuning values. The request limits bound cache memory: the soft
// limit triggers reclaim flushing, the hard limit blocks new writers until
// completions release requests.
const (
	DefaultPageSize  = 4096
	DefaultWriteSize = 32768

	DefaultSoftLimit = 192
	DefaultHardLimit = 256

	// DefaultWritebackDelay is how long buffered data may sit dirty before
	// the background scanner writes it out.
	DefaultWritebackDelay = 5 * time.Second

	// DefaultLockedWritebackDelay applies instead when the written region is
	// covered by a write lock; the lock holder flushes on unlock, so the
	// scanner can afford to wait much longer.
	DefaultLockedWritebackDelay = 60 * time.Second

	// DefaultCommitDelay is how long unstable data may wait before the
	// scanner issues a COMMIT for it.
	DefaultCommitDelay = 5 * time.Second

	// DefaultStrategyPages scales the eager-flush threshold for protocol
	// versions without unstable writes, where every WRITE is synchronous on
	// the server and batching matters more.
	DefaultStrategyPages = 8
)

// Config tunes one Cache instance.
type Config struct {
	// Version is the NFS protocol version, 2 or 3. Version 3 enables the
	// two-phase unstable-write/commit protocol.
	Version int `mapstructure:"version" validate:"omitempty,oneof=2 3"`

	// PageSize is the cache page size in bytes. Must be a power of two.
	PageSize uint32 `mapstructure:"page_size" validate:"omitempty,gt=0"`

	// WriteSize is the negotiated maximum WRITE payload (wsize). A value
	// below PageSize forces the synchronous per-slice write path.
	WriteSize uint32 `mapstructure:"write_size" validate:"omitempty,gt=0"`

	// SoftLimit is the outstanding-request count above which writers start
	// flushing their own file to reclaim requests.
	SoftLimit int `mapstructure:"soft_limit" validate:"omitempty,gt=0"`

	// HardLimit is the outstanding-request count at which request creation
	// blocks until completions free capacity.
	HardLimit int `mapstructure:"hard_limit" validate:"omitempty,gt=0"`

	WritebackDelay       time.Duration `mapstructure:"writeback_delay"`
	LockedWritebackDelay time.Duration `mapstructure:"locked_writeback_delay"`
	CommitDelay          time.Duration `mapstructure:"commit_delay"`

	// StrategyPages multiplies the per-call page count to form the eager
	// flush threshold on single-phase versions.
	StrategyPages int `mapstructure:"strategy_pages" validate:"omitempty,gt=0"`

	// Interruptible makes blocking waits honor context cancellation. When
	// false, waits for request capacity and request locks are uninterruptible,
	// matching a hard mount.
	Interruptible bool `mapstructure:"interruptible"`

	// NoRegionLocking disables the write-lock probe when choosing a
	// writeback delay, for mounts without lock management.
	NoRegionLocking bool `mapstructure:"no_region_locking"`
}

// ApplyDefaults fills zero-valued fields.
func (c *Config) ApplyDefaults() {
	if c.Version == 0 {
		c.Version = nfs.Version3
	}
	if c.PageSize == 0 {
		c.PageSize = DefaultPageSize
	}
	if c.WriteSize == 0 {
		c.WriteSize = DefaultWriteSize
	}
	if c.SoftLimit == 0 {
		c.SoftLimit = DefaultSoftLimit
	}
	if c.HardLimit == 0 {
		c.HardLimit = DefaultHardLimit
	}
	if c.WritebackDelay == 0 {
		c.WritebackDelay = DefaultWritebackDelay
	}
	if c.LockedWritebackDelay == 0 {
		c.LockedWritebackDelay = DefaultLockedWritebackDelay
	}
	if c.CommitDelay == 0 {
		c.CommitDelay = DefaultCommitDelay
	}
	if c.StrategyPages == 0 {
		c.StrategyPages = DefaultStrategyPages
	}
}

// Validate checks internal consistency. Call after ApplyDefaults.
func (c *Config) Validate() error {
	if c.Version != nfs.Version2 && c.Version != nfs.Version3 {
		return configError("unsupported protocol version %d", c.Version)
	}
	if c.PageSize == 0 || c.PageSize&(c.PageSize-1) != 0 {
		return configError("page size %d is not a power of two", c.PageSize)
	}
	if c.WriteSize == 0 {
		return configError("write size must be positive")
	}
	if c.SoftLimit <= 0 || c.HardLimit < c.SoftLimit {
		return configError("request limits %d/%d are inconsistent", c.SoftLimit, c.HardLimit)
	}
	return nil
}

// TwoPhase reports whether the protocol version supports unstable writes
// followed by COMMIT.
func (c Config) TwoPhase() bool {
	return c.Version >= nfs.Version3
}

// writePages is the number of whole cache pages that fit in one WRITE call.
func (c Config) writePages() int {
	n := int(c.WriteSize / c.PageSize)
	if n < 1 {
		n = 1
	}
	return n
}

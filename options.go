package lowkeydb

import "time"

// Options holds every independently-defaulted tuning knob for an Engine.
// Populate it via the With* functional options rather than constructing
// it directly.
type Options struct {
	pageCacheSize      int
	checkpointInterval time.Duration
	maxWALBytes        int64
	maxArchives        int
	lockWaitTimeout    time.Duration
	logger             Logger
	inMemory           bool
}

// Option configures an Engine at Create/Open time.
type Option func(*Options)

func defaultOptions() Options {
	return Options{
		pageCacheSize:      1024,
		checkpointInterval: 5 * time.Minute,
		maxWALBytes:        64 << 20,
		maxArchives:        3,
		lockWaitTimeout:    5 * time.Second,
		logger:             newDefaultLogger(),
	}
}

// WithPageCacheSize sets the buffer pool's frame capacity, in pages.
func WithPageCacheSize(n int) Option {
	return func(o *Options) { o.pageCacheSize = n }
}

// WithCheckpointInterval sets the period between automatic checkpoints
// when auto-checkpointing is running.
func WithCheckpointInterval(d time.Duration) Option {
	return func(o *Options) { o.checkpointInterval = d }
}

// WithMaxWALBytes sets the active WAL segment's rotation threshold.
func WithMaxWALBytes(n int64) Option {
	return func(o *Options) { o.maxWALBytes = n }
}

// WithMaxArchives bounds how many archived WAL segments are retained.
func WithMaxArchives(n int) Option {
	return func(o *Options) { o.maxArchives = n }
}

// WithLockWaitTimeout bounds how long a lock request waits under wait-die
// before returning ErrTransactionConflict.
func WithLockWaitTimeout(d time.Duration) Option {
	return func(o *Options) { o.lockWaitTimeout = d }
}

// WithLogger installs the Logger the engine reports recovery through.
func WithLogger(l Logger) Option {
	return func(o *Options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithNoLogging silences the engine's log output.
func WithNoLogging() Option {
	return func(o *Options) { o.logger = noopLogger{} }
}

// withInMemory backs the database and WAL with in-memory files instead of
// the real filesystem; used by tests that want byte-exact assertions
// without touching disk.
func withInMemory() Option {
	return func(o *Options) { o.inMemory = true }
}

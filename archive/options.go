package archive

import "log/slog"

// config collects what CreateNew/Open/OpenScan take besides the backing
// filesystem and path. There is no file- or environment-based
// configuration: callers reach for functional options instead.
type config struct {
	log              *slog.Logger
	skipAdvisoryLock bool
	cacheSize        int
	cacheSamples     int
}

func newConfig(opts []Option) config {
	cfg := config{log: slog.Default()}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// Option configures an Archive at construction time.
type Option func(*config)

// WithLogger overrides the default slog.Default() logger an Archive
// uses for lifecycle events, tolerated anomalies, and debug-level
// page-chain/auto-partition traces.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.log = l }
}

// WithoutAdvisoryLock skips the best-effort flock(2) exclusivity check,
// useful against backing stores where Fd() is meaningless (already
// skipped automatically) or in tests that intentionally share a file.
func WithoutAdvisoryLock() Option {
	return func(c *config) { c.skipAdvisoryLock = true }
}

// WithPageCacheSize overrides the index's bounded TinyLFU page cache's
// capacity (in pages) and frequency-sketch sample count.
func WithPageCacheSize(size, samples int) Option {
	return func(c *config) { c.cacheSize, c.cacheSamples = size, samples }
}

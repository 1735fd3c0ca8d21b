// Package constants holds tunable numeric and duration constants shared
// across the account bridge core. Values are grouped by the component that
// owns them, mirroring the component table in SPEC_FULL.md.
package constants

import "time"

// Crypto (C1)
const (
	// KeySize is the AES-256 key length in bytes.
	KeySize = 32

	// IVSize is the GCM nonce length in bytes (96 bits, the size GCM is
	// optimized for).
	IVSize = 12

	// TagSize is the GCM authentication tag length in bytes.
	TagSize = 16

	// SaltSize is the length of the per-installation salt stored in
	// .salt.bin and of freshly generated KDF salts.
	SaltSize = 32

	// PBKDF2Iterations balances unlock latency against brute-force
	// resistance; fixed per the spec rather than tunable.
	PBKDF2Iterations = 100_000
)

// Account Registry (C7)
const (
	// RegistrySaveDebounce batches bursts of writes (e.g. storage refresh
	// ticks for many accounts) into a single disk write.
	RegistrySaveDebounce = 250 * time.Millisecond

	// DefaultGroupID is the group every account belongs to until
	// reassigned; it always exists and cannot be removed.
	DefaultGroupID = "grp-00000000"

	// DefaultMaxCachedSessions is the default value of the registry's
	// MaxCachedSessions setting. The session pool is not sized from that
	// setting; see DefaultSessionPoolCap.
	DefaultMaxCachedSessions = 5

	// DefaultSessionRefreshInterval is the default value of the registry's
	// SessionRefreshInterval setting. The value is stored and persisted;
	// no component schedules session refreshes from it.
	DefaultSessionRefreshInterval = 10 * time.Minute
)

// Session Pool (C4)
const (
	// DefaultSessionPoolCap is the number of concurrently live Ready
	// sessions the CLI builds its pool with. The registry's
	// MaxCachedSessions setting does not change it.
	DefaultSessionPoolCap = 5

	// SessionWaitTimeout bounds ensure_session's wait on another caller's
	// in-flight bring-up, the fast_login call during bring-up, and the
	// transfer engine's per-step session waits. The pool-exhaustion wait
	// uses PoolExhaustionTimeout instead.
	SessionWaitTimeout = 60 * time.Second

	// FetchNodesPollInterval is how often bring-up polls for the root
	// node's child population to become observable.
	FetchNodesPollInterval = 250 * time.Millisecond

	// FetchNodesPollTimeout is the maximum time bring-up waits for nodes
	// to be fetched before failing.
	FetchNodesPollTimeout = 12 * time.Second

	// PoolExhaustionTimeout bounds how long ensure_session waits for an
	// evictable slot to free up (via Unpin or a bring-up failure) before
	// giving up with ErrPoolExhausted.
	PoolExhaustionTimeout = 60 * time.Second

	// PoolExhaustionPollInterval is how often ensure_session rechecks for
	// a free slot while waiting out PoolExhaustionTimeout.
	PoolExhaustionPollInterval = 100 * time.Millisecond
)

// Cross-Account Transfer Engine (C6)
const (
	// DefaultEngineWorkers is the default number of workers draining the
	// transfer queue concurrently.
	DefaultEngineWorkers = 2

	// ExportTimeout bounds a single export_node call.
	ExportTimeout = 30 * time.Second

	// PublicLinkResolveTimeout bounds a single public_node_for_link call.
	PublicLinkResolveTimeout = 30 * time.Second

	// ImportTimeout bounds a single copy_node (import) call.
	ImportTimeout = 120 * time.Second

	// DeleteTimeout bounds a single remove call during Step 3 Move cleanup.
	DeleteTimeout = 10 * time.Second

	// DisableExportTimeout bounds a single disable_export call.
	DisableExportTimeout = 5 * time.Second

	// MaxRetryCount is the retry ceiling after which CanRetry becomes
	// false.
	MaxRetryCount = 3
)

// Event System
const (
	// EventBusDefaultBuffer is the default per-subscriber channel buffer.
	EventBusDefaultBuffer = 1000

	// EventBusMaxBuffer caps buffer size for high-throughput subscribers.
	EventBusMaxBuffer = 5000
)

// Single-account Transfer Controller (C8)
const (
	// SpeedEMAAlpha smooths instantaneous transfer speed samples.
	SpeedEMAAlpha = 0.1

	// MinSaneSpeed and MaxSaneSpeed clamp EMA-smoothed speed against
	// clock-skew or burst artifacts.
	MinSaneSpeed = 1024               // 1 KB/s
	MaxSaneSpeed = 1024 * 1024 * 1024 // 1 GB/s

	// GlobalSpeedTickerInterval is the cadence of aggregate global_speed_update
	// events summing active upload/download throughput across the queue.
	GlobalSpeedTickerInterval = 1 * time.Second
)

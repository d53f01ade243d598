// Package siloconfig collects every tunable spec.md §6 names into one
// struct, the way the teacher centralizes configuration in
// db.SqliteConfig/grpc.ServerConfig-style DefaultXxxConfig() constructors.
package siloconfig

import (
	"fmt"
	"time"

	"github.com/quarkrun/quark/internal/actor"
	"github.com/quarkrun/quark/internal/callchain"
	"github.com/quarkrun/quark/internal/hashring"
	"github.com/quarkrun/quark/internal/membership"
	"github.com/quarkrun/quark/internal/reminder"
)

// SiloConfig is the full configuration surface of one quarkd process.
type SiloConfig struct {
	// SiloID uniquely identifies this process within the cluster.
	// cmd/quarkd sets it to <hostname>-<pid> when -silo-id is empty.
	SiloID string

	// ListenAddr is this silo's own gRPC envelope-stream address,
	// advertised to peers via membership.
	ListenAddr string

	// HeartbeatInterval, FailureThreshold and VirtualNodesPerSilo feed
	// internal/membership.Config.
	HeartbeatInterval   time.Duration
	FailureThreshold    time.Duration
	SelfExpelThreshold  time.Duration
	VirtualNodesPerSilo int

	// MailboxCapacity and MailboxOverflowPolicy are the per-actor mailbox
	// settings (spec §4.5). They apply to every actor type; there is no
	// per-type override.
	MailboxCapacity       int
	MailboxOverflowPolicy actor.OverflowPolicy

	// IdleTimeout is how long an activation may sit unused before being
	// eligible for deactivation (spec §4.3).
	IdleTimeout time.Duration

	// ShutdownTimeout bounds graceful silo shutdown (spec §4.11): it is
	// the deadline on the ctx Coordinator.Shutdown passes to each actor's
	// OnDeactivate hook, and cmd/quarkd's deadline for the whole Shutdown
	// call. Shutdown does not wait for turns already running to finish.
	ShutdownTimeout time.Duration

	// ReminderTickInterval overrides reminder.DefaultTickInterval when
	// non-zero.
	ReminderTickInterval time.Duration

	// DefaultSupervisionStrategy and DefaultMaxRestartsInWindow /
	// DefaultRestartWindow feed actor.SupervisorConfig for any actor type
	// that doesn't declare its own supervision policy (spec §4.9).
	DefaultSupervisionStrategy   actor.RestartStrategy
	DefaultMaxRestartsInWindow   int
	DefaultRestartWindowDuration time.Duration

	// ChainMaxDepth and ChainDefaultDeadline feed callchain.New for every
	// freshly started top-level request (spec §4.8).
	ChainMaxDepth        int
	ChainDefaultDeadline time.Duration

	// DatabaseFileName names a sqlite path for the reference
	// membership/reminder stores. cmd/quarkd does not read it; it opens
	// the store from its -db flag.
	DatabaseFileName string

	// LogDir, if non-empty, enables rotating file logging alongside
	// console output (internal/build.HandlerSet).
	LogDir string

	// LogLevel is a btclog level name ("info", "debug", ...).
	LogLevel string
}

// DefaultSiloConfig returns a SiloConfig with the same defaults its
// constituent packages already apply on their own (membership.DefaultConfig,
// hashring.DefaultVirtualNodes, reminder.DefaultTickInterval,
// actor.DefaultSupervisorConfig, callchain.DefaultMaxDepth), collected into
// one place for cmd/quarkd's flag defaults.
func DefaultSiloConfig() SiloConfig {
	memberDefaults := membership.DefaultConfig()
	supervisorDefaults := actor.DefaultSupervisorConfig()

	return SiloConfig{
		ListenAddr:                   "0.0.0.0:7946",
		HeartbeatInterval:            memberDefaults.HeartbeatInterval,
		FailureThreshold:             memberDefaults.FailureThreshold,
		SelfExpelThreshold:           memberDefaults.SelfExpelThreshold,
		VirtualNodesPerSilo:          hashring.DefaultVirtualNodes,
		MailboxCapacity:              256,
		MailboxOverflowPolicy:        actor.PolicyBlock,
		IdleTimeout:                  10 * time.Minute,
		ShutdownTimeout:              30 * time.Second,
		ReminderTickInterval:         reminder.DefaultTickInterval,
		DefaultSupervisionStrategy:   supervisorDefaults.Strategy,
		DefaultMaxRestartsInWindow:   supervisorDefaults.MaxRestartsInWindow,
		DefaultRestartWindowDuration: supervisorDefaults.WindowDuration,
		ChainMaxDepth:                callchain.DefaultMaxDepth,
		ChainDefaultDeadline:         30 * time.Second,
		LogLevel:                     "info",
	}
}

// Validate checks for configuration combinations that would make a silo
// unable to start.
func (c SiloConfig) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("siloconfig: listen address must not be empty")
	}
	if c.MailboxCapacity <= 0 {
		return fmt.Errorf("siloconfig: mailbox capacity must be positive")
	}
	if c.VirtualNodesPerSilo <= 0 {
		return fmt.Errorf("siloconfig: virtual nodes per silo must be positive")
	}
	if c.ChainMaxDepth <= 0 {
		return fmt.Errorf("siloconfig: chain max depth must be positive")
	}

	return nil
}

// MembershipConfig projects the membership-relevant fields into
// membership.Config.
func (c SiloConfig) MembershipConfig() membership.Config {
	return membership.Config{
		HeartbeatInterval:  c.HeartbeatInterval,
		FailureThreshold:   c.FailureThreshold,
		SelfExpelThreshold: c.SelfExpelThreshold,
		VirtualNodes:       c.VirtualNodesPerSilo,
	}
}

// SupervisorConfig projects the supervision-relevant fields into
// actor.SupervisorConfig.
func (c SiloConfig) SupervisorConfig() actor.SupervisorConfig {
	return actor.SupervisorConfig{
		Strategy:            c.DefaultSupervisionStrategy,
		MaxRestartsInWindow: c.DefaultMaxRestartsInWindow,
		WindowDuration:      c.DefaultRestartWindowDuration,
		Backoff:             actor.DefaultBackoff,
	}
}

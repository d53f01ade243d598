package membership

import (
	"context"
	"sync"
	"time"

	"github.com/btcsuite/btclog/v2"
	"github.com/quarkrun/quark/internal/hashring"
	"github.com/quarkrun/quark/internal/quarklog"
)

var log btclog.Logger = btclog.Disabled

func init() {
	quarklog.Register("MEMB", func(l btclog.Logger) { log = l })
}

// Config parameterizes a Member's heartbeat and failure-detection timing.
type Config struct {
	HeartbeatInterval  time.Duration
	FailureThreshold   time.Duration
	SelfExpelThreshold time.Duration
	VirtualNodes       int
}

// DefaultConfig returns the spec-mandated defaults (§4.3).
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval:  DefaultHeartbeatInterval,
		FailureThreshold:   DefaultFailureThreshold,
		SelfExpelThreshold: DefaultSelfExpelThreshold,
		VirtualNodes:       hashring.DefaultVirtualNodes,
	}
}

// Member drives one silo's membership lifecycle: join, heartbeat,
// subscribe-and-rebuild-ring, failure detection, quorum-gated eviction of
// peers, and self-expel when this silo loses contact with the table for too
// long (spec §4.3).
type Member struct {
	cfg   Config
	table Table
	silo  Silo

	mu           sync.RWMutex
	ring         *hashring.Ring
	lastContact  time.Time
	shuttingDown bool

	onRingChange   func(*hashring.Ring)
	onShuttingDown func()
}

// NewMember creates a Member for silo, initially Joining. Call Start to
// register it and begin the heartbeat/subscribe loops.
func NewMember(table Table, silo Silo, cfg Config) *Member {
	silo.Status = StatusJoining

	return &Member{
		cfg:         cfg,
		table:       table,
		silo:        silo,
		ring:        hashring.New(cfg.VirtualNodes),
		lastContact: time.Now(),
	}
}

// OnRingChange registers a callback invoked with the new ring every time
// Member republishes it. The silo coordinator uses this to swap its own
// ring snapshot atomically (spec §4.2).
func (m *Member) OnRingChange(fn func(*hashring.Ring)) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.onRingChange = fn
}

// OnShuttingDown registers a callback invoked exactly once, the moment this
// Member self-expels after losing contact with the table past
// SelfExpelThreshold (spec §4.3). The silo coordinator uses this to stop
// accepting new activations immediately, without waiting for a poll -- a
// partitioned silo that kept activating actors after self-expel would
// violate the "at most one silo holds an active instance for a given key"
// invariant spec §3 requires once the rest of the cluster reroutes around
// it.
func (m *Member) OnShuttingDown(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.onShuttingDown = fn
}

// Ring returns the most recently published ring snapshot.
func (m *Member) Ring() *hashring.Ring {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.ring
}

// Start registers the silo (Joining then Active, per spec §4.3 step 1),
// rebuilds the ring from the current table snapshot, and launches the
// heartbeat and change-subscription loops. It blocks until ctx is
// cancelled.
func (m *Member) Start(ctx context.Context) error {
	if err := m.table.Register(ctx, m.silo); err != nil {
		return err
	}

	if err := m.table.SetStatus(ctx, m.silo.ID, StatusActive); err != nil {
		return err
	}

	m.silo.Status = StatusActive
	m.touchContact()

	if err := m.rebuildRing(ctx); err != nil {
		log.WarnS(ctx, "initial ring build failed", err)
	}

	changes := m.table.Subscribe(ctx)

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		m.heartbeatLoop(ctx)
	}()

	go func() {
		defer wg.Done()
		m.changeLoop(ctx, changes)
	}()

	wg.Wait()

	return ctx.Err()
}

func (m *Member) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			if err := m.table.Heartbeat(ctx, m.silo.ID); err != nil {
				log.WarnS(ctx, "heartbeat failed", err,
					"silo_id", m.silo.ID)
			} else {
				m.touchContact()
				m.detectFailures(ctx)
			}

			// Checked on every tick, success or failure: self-expel
			// must trigger from repeated Heartbeat failures (lastContact
			// going stale), which is exactly the branch above that
			// skips touchContact.
			m.checkSelfExpel(ctx)
		}
	}
}

func (m *Member) changeLoop(ctx context.Context, changes <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return

		case <-changes:
			if err := m.rebuildRing(ctx); err != nil {
				log.WarnS(ctx, "ring rebuild failed", err)
			}
		}
	}
}

func (m *Member) touchContact() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lastContact = time.Now()
}

// rebuildRing lists the table and republishes a ring containing every
// Active silo, swapping the snapshot atomically (spec §4.2).
func (m *Member) rebuildRing(ctx context.Context) error {
	silos, err := m.table.List(ctx)
	if err != nil {
		m.mu.Lock()
		stale := time.Since(m.lastContact) > m.cfg.SelfExpelThreshold
		m.mu.Unlock()

		if !stale {
			// A transient list failure doesn't mean loss of
			// contact by itself; checkSelfExpel handles the
			// actual timer.
			return err
		}

		return err
	}

	next := hashring.New(m.cfg.VirtualNodes)
	for _, s := range silos {
		if s.Active() {
			next = next.AddSilo(s.ID)
		}
	}

	m.mu.Lock()
	m.ring = next
	cb := m.onRingChange
	m.mu.Unlock()

	if cb != nil {
		cb(next)
	}

	return nil
}

// detectFailures evaluates every peer for failure eligibility and, for each
// one, attempts a quorum-gated eviction (spec §4.3).
func (m *Member) detectFailures(ctx context.Context) {
	snapshot, err := m.table.List(ctx)
	if err != nil {
		return
	}

	activeTotal := CountActive(snapshot)
	now := time.Now()

	// Votes are not gossiped: every Active silo whose own heartbeat is
	// still fresh applies the same failure-threshold rule to the same
	// table and so reaches the same verdict, and those silos count as
	// the "agree" side of the quorum check.
	agree := 0
	for _, s := range snapshot {
		if s.Active() && !IsFailureEligible(s, now, m.cfg.FailureThreshold) {
			agree++
		}
	}

	for _, s := range snapshot {
		if s.ID == m.silo.ID {
			continue
		}

		if !IsFailureEligible(s, now, m.cfg.FailureThreshold) {
			continue
		}

		if !HasQuorum(agree, activeTotal) {
			log.DebugS(ctx, "failure detected but quorum not met, "+
				"deferring eviction", "target", s.ID)
			continue
		}

		if err := m.table.Evict(ctx, s.ID); err != nil {
			log.WarnS(ctx, "eviction failed", err, "target", s.ID)
			continue
		}

		log.InfoS(ctx, "evicted unresponsive silo", "target", s.ID)
	}
}

// checkSelfExpel implements spec §4.3's self-expel rule: a silo that has
// lost contact with the table for longer than SelfExpelThreshold must
// self-transition to ShuttingDown and stop accepting new activations,
// regardless of whether any peer has noticed.
func (m *Member) checkSelfExpel(ctx context.Context) {
	m.mu.RLock()
	lost := time.Since(m.lastContact) > m.cfg.SelfExpelThreshold
	already := m.shuttingDown
	m.mu.RUnlock()

	if !lost || already {
		return
	}

	log.WarnS(ctx, "lost contact with membership table past self-expel "+
		"threshold, self-transitioning to ShuttingDown", nil,
		"silo_id", m.silo.ID)

	m.mu.Lock()
	m.shuttingDown = true
	cb := m.onShuttingDown
	m.mu.Unlock()

	if cb != nil {
		cb()
	}

	// Best-effort: the table may itself be unreachable, which is
	// exactly the condition that triggered this branch.
	_ = m.table.SetStatus(ctx, m.silo.ID, StatusShuttingDown)
}

// ShuttingDown reports whether this member has transitioned out of Active,
// either voluntarily (Shutdown) or via self-expel.
func (m *Member) ShuttingDown() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.shuttingDown
}

// Shutdown implements the graceful-migration sequence from spec §4.3: stop
// accepting new activations (the caller, typically the silo coordinator,
// enforces this by checking ShuttingDown before routing new activations),
// then deregister once the caller confirms actors have drained.
func (m *Member) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.shuttingDown = true
	m.mu.Unlock()

	return m.table.SetStatus(ctx, m.silo.ID, StatusShuttingDown)
}

// Deregister completes graceful migration: it evicts this silo's own row,
// which must only be called after the coordinator has finished draining
// mailboxes and deactivating actors.
func (m *Member) Deregister(ctx context.Context) error {
	return m.table.Evict(ctx, m.silo.ID)
}

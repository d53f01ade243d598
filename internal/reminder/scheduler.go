package reminder

import (
	"context"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/quarkrun/quark/internal/actor"
	"github.com/quarkrun/quark/internal/hashring"
)

// DefaultTickInterval is how often a Scheduler scans for due reminders
// (spec §4.10).
const DefaultTickInterval = time.Second

// DefaultFireConcurrency is the number of worker actors a Scheduler uses to
// fire due reminders concurrently (spec §4.10: firing must not serialize
// behind a single slow callback).
const DefaultFireConcurrency = 4

// reminderFireMsg carries one claimed-and-owned reminder into the dispatch
// pool for firing.
type reminderFireMsg struct {
	actor.BaseMessage

	reminder Reminder
	now      time.Time
}

// MessageType implements actor.Message.
func (reminderFireMsg) MessageType() string { return "reminderFireMsg" }

// Fire is supplied by internal/silo: it delivers one due reminder to its
// owning actor's reminder callback and reports whether delivery succeeded.
// An error result leaves the row claimed-but-not-advanced so the next
// tick (on this silo or whichever silo next owns the key) retries it --
// reminders are fired at-least-once, never at-most-once (spec §4.10).
type Fire func(ctx context.Context, r Reminder) error

// RingSource supplies the scheduler's current view of actor-key ownership,
// satisfied by internal/membership.Member.Ring.
type RingSource func() *hashring.Ring

// Scheduler is the per-silo tick loop that scans the reminder table for due
// rows, keeps only the ones this silo currently owns per the hash ring,
// claims them, and fires them. Grounded on internal/membership.Member's
// ticker-driven background-loop shape (heartbeatLoop/changeLoop), since
// spec §4.10 describes the same "ticker wakes up, does bounded work, repeat"
// structure as cluster membership's failure detector.
type Scheduler struct {
	siloID string
	table  Table
	ring   RingSource
	fire   Fire

	tickInterval time.Duration

	dispatch *actor.Pool[reminderFireMsg, struct{}]

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// SchedulerConfig configures a new Scheduler.
type SchedulerConfig struct {
	// SiloID identifies this silo in Table.Claim calls.
	SiloID string

	Table Table
	Ring  RingSource
	Fire  Fire

	// TickInterval overrides DefaultTickInterval when non-zero.
	TickInterval time.Duration

	// FireConcurrency overrides DefaultFireConcurrency when non-zero. It
	// sizes the worker pool that fires due reminders, so a slow reminder
	// callback for one actor can't stall the rest of the tick.
	FireConcurrency int
}

// NewScheduler creates a Scheduler from cfg. Call Start to begin ticking.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	interval := cfg.TickInterval
	if interval <= 0 {
		interval = DefaultTickInterval
	}

	concurrency := cfg.FireConcurrency
	if concurrency <= 0 {
		concurrency = DefaultFireConcurrency
	}

	s := &Scheduler{
		siloID:       cfg.SiloID,
		table:        cfg.Table,
		ring:         cfg.Ring,
		fire:         cfg.Fire,
		tickInterval: interval,
	}

	s.dispatch = actor.NewPool(actor.PoolConfig[reminderFireMsg, struct{}]{
		ID:   "reminder-fire-" + cfg.SiloID,
		Size: concurrency,
		Factory: func(idx int) actor.ActorBehavior[reminderFireMsg, struct{}] {
			return actor.NewFunctionBehavior(
				func(ctx context.Context, msg reminderFireMsg) fn.Result[struct{}] {
					s.fireOne(ctx, msg.reminder, msg.now)
					return fn.Ok(struct{}{})
				},
			)
		},
		MailboxSize: 64,
	})

	return s
}

// Start begins the tick loop in a background goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(1)
	go s.loop(ctx)
}

// Stop cancels the tick loop, waits for it to exit, then stops the fire
// dispatch pool.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()

	s.dispatch.Stop()
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick scans for due reminders, keeps only those owned by this silo, and
// hands each to the fire dispatch pool, which claims it, fires it, and
// either advances or deletes the row depending on whether it is periodic.
func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now()

	due, err := s.table.ListDue(ctx, now)
	if err != nil {
		log.WarnS(ctx, "failed to list due reminders", err)
		return
	}

	ring := s.ring()

	for _, r := range due {
		if ring != nil && !ring.Empty() {
			owner, err := ring.OwnerOf(hashring.ActorKey(r.OwnerActorType, r.OwnerActorID))
			if err != nil || owner != s.siloID {
				continue
			}
		}

		s.dispatch.Tell(ctx, reminderFireMsg{reminder: r, now: now})
	}
}

func (s *Scheduler) fireOne(ctx context.Context, r Reminder, now time.Time) {
	actorType, actorID, name := r.Key()

	ok, err := s.table.Claim(ctx, actorType, actorID, name, s.siloID, now)
	if err != nil {
		log.WarnS(ctx, "failed to claim reminder", err, "name", name)
		return
	}
	if !ok {
		return
	}

	if err := s.fire(ctx, r); err != nil {
		log.WarnS(ctx, "reminder callback failed, will retry next tick", err,
			"actor_type", actorType, "actor_id", actorID, "name", name)
		return
	}

	if r.Period > 0 {
		if err := s.table.UpdateNext(ctx, actorType, actorID, name, now.Add(r.Period)); err != nil {
			log.WarnS(ctx, "failed to advance periodic reminder", err, "name", name)
		}
		return
	}

	if err := s.table.Delete(ctx, actorType, actorID, name); err != nil {
		log.WarnS(ctx, "failed to delete fired one-shot reminder", err, "name", name)
	}
}

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/noti/internal/db"
	"github.com/lalithlochan/noti/internal/delivery"
	"github.com/lalithlochan/noti/internal/metrics"
	"github.com/lalithlochan/noti/internal/schedule"
	"github.com/lalithlochan/noti/internal/sqs"
)

// State is where a task is in its lifecycle.
type State int32

const (
	StateRestoring State = iota
	StateCatchingUp
	StateWaitingPrefetch
	StatePrefetching
	StateWaitingDispatch
	StateDispatching
	StateCompleted
	StateCancelled
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateRestoring:
		return "restoring"
	case StateCatchingUp:
		return "catching_up"
	case StateWaitingPrefetch:
		return "waiting_prefetch"
	case StatePrefetching:
		return "prefetching"
	case StateWaitingDispatch:
		return "waiting_dispatch"
	case StateDispatching:
		return "dispatching"
	case StateCompleted:
		return "completed"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Terminal reports whether the task has finished running.
func (s State) Terminal() bool {
	return s >= StateCompleted
}

// persistTimeout bounds writes that must land even if the task is being
// cancelled, so a delivered occurrence is never re-sent after a restart.
const persistTimeout = 10 * time.Second

// Task drives every occurrence of one notification, from restore to
// completion, in its own goroutine.
type Task struct {
	env    *environment
	logger *zap.Logger

	mu  sync.Mutex
	rec *db.Notification

	state  atomic.Int32
	cancel context.CancelFunc
	done   chan struct{}
	onExit func(*Task, State)
}

func newTask(rec *db.Notification, env *environment, onExit func(*Task, State)) *Task {
	return &Task{
		env:    env,
		logger: env.logger.With(zap.Int64("notification_id", rec.ID)),
		rec:    rec.Clone(),
		done:   make(chan struct{}),
		onExit: onExit,
	}
}

// ID is the notification id the task serves.
func (t *Task) ID() int64 {
	return t.rec.ID
}

func (t *Task) State() State {
	return State(t.state.Load())
}

// Done is closed once the task goroutine has exited.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Snapshot returns a copy of the record as the task currently sees it.
func (t *Task) Snapshot() *db.Notification {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rec.Clone()
}

// NextRun is the next occurrence a user should expect.
func (t *Task) NextRun() (time.Time, bool) {
	return schedule.NextOccurrence(t.Snapshot().Series(), t.env.clock.Now())
}

func (t *Task) start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	t.cancel = cancel
	go t.run(ctx)
}

// stop requests cancellation; it does not wait.
func (t *Task) stop() {
	if t.cancel != nil {
		t.cancel()
	}
}

func (t *Task) setState(s State) {
	t.state.Store(int32(s))
}

func (t *Task) run(ctx context.Context) {
	final := StateFailed
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("task panicked", zap.Any("panic", r), zap.Stack("stack"))
			final = StateFailed
		}
		t.setState(final)
		t.cancel()
		if t.onExit != nil {
			t.onExit(t, final)
		}
		close(t.done)
	}()

	final = t.loop(ctx)
	switch final {
	case StateCompleted:
		t.logger.Info("notification completed")
	case StateCancelled:
		t.logger.Info("task cancelled")
	}
}

func (t *Task) loop(ctx context.Context) State {
	t.setState(StateRestoring)
	rec := t.Snapshot()
	series := rec.Series()

	if next, ok := schedule.NextOccurrence(series, t.env.clock.Now()); ok {
		t.logger.Info("task restored",
			zap.Time("first_pending", schedule.FirstPending(series)),
			zap.Time("next_run", next),
			zap.Bool("repeating", rec.IsRepeating),
		)
	}

	if !rec.IsRepeating {
		if rec.LastTriggered != nil {
			return StateCompleted
		}
		if !t.occurrence(ctx, rec.StartTime.UTC()) {
			return StateCancelled
		}
		return StateCompleted
	}

	if rec.Exhausted() {
		return StateCompleted
	}

	every := series.Every
	base := rec.StartTime.UTC().Add(-every)
	if rec.LastTriggered != nil {
		base = rec.LastTriggered.UTC()
	}

	for {
		var done bool
		base, done = t.catchUp(ctx, base)
		if ctx.Err() != nil {
			return StateCancelled
		}
		if done {
			return StateCompleted
		}

		next := base.Add(every)
		if rec.Ended(next) {
			return StateCompleted
		}
		if !t.occurrence(ctx, next) {
			return StateCancelled
		}
		base = next
		if t.exhausted() {
			return StateCompleted
		}
	}
}

// catchUp resolves everything scheduled before now, starting after base. Stale
// occurrences are skipped in bulk; those still inside the late window are
// dispatched one by one. It returns the new base and whether the series ended.
func (t *Task) catchUp(ctx context.Context, base time.Time) (time.Time, bool) {
	rec := t.Snapshot()
	series := rec.Series()
	every := series.Every
	late := t.env.cfg.LateWindow
	now := t.env.clock.Now()

	stale, last := schedule.StaleOccurrences(base, every, now, late)
	if stale > 0 {
		t.setState(StateCatchingUp)
		if series.End != nil {
			if through := schedule.CountThrough(base, every, *series.End); through < stale {
				stale = through
				last = base.Add(time.Duration(stale) * every)
			}
		}
		if stale > 0 {
			t.skipStale(ctx, rec, stale, last)
			base = last
		}
		if t.exhausted() || rec.Ended(base.Add(every)) {
			return base, true
		}
	}

	missed := schedule.MissedOccurrences(base, every, now, late)
	if len(missed) > 0 {
		t.setState(StateCatchingUp)
		t.logger.Info("catching up missed occurrences", zap.Int("count", len(missed)))
	}
	for _, at := range missed {
		if rec.Ended(at) {
			return base, true
		}
		if !t.occurrence(ctx, at) {
			return base, false
		}
		base = at
		if t.exhausted() {
			return base, true
		}
	}
	return base, false
}

// occurrence runs prefetch, the precise wait and the dispatch for one
// scheduled instant. It returns false when the task was cancelled first.
func (t *Task) occurrence(ctx context.Context, at time.Time) bool {
	clock := t.env.clock

	t.setState(StateWaitingPrefetch)
	if prefetchAt := at.Add(-t.env.cfg.PrefetchBuffer); clock.Now().Before(prefetchAt) {
		if err := clock.SleepUntil(ctx, prefetchAt); err != nil {
			return false
		}
	}

	t.setState(StatePrefetching)
	rec := t.Snapshot()
	for _, prefetch := range t.env.prefetchers {
		if err := prefetch(ctx, rec); err != nil {
			if ctx.Err() != nil {
				return false
			}
			t.logger.Warn("prefetch failed", zap.Error(err))
		}
	}

	t.setState(StateWaitingDispatch)
	if err := clock.SleepUntil(ctx, at); err != nil {
		return false
	}

	t.setState(StateDispatching)
	res, err := t.env.dispatcher.dispatch(ctx, rec, at)
	switch {
	case errors.Is(err, errClaimedElsewhere):
		t.logger.Info("occurrence handled by another process", zap.Time("scheduled", at))
		t.advance(at, 1)
		return true
	case err != nil:
		return false
	}

	t.resolve(ctx, rec, at, res)
	return true
}

// resolve persists the outcome of one occurrence.
func (t *Task) resolve(ctx context.Context, rec *db.Notification, at time.Time, res dispatchResult) {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	remaining := t.advance(at, 1)
	t.persist(pctx, rec.ID, at, remaining)

	fields := []zap.Field{
		zap.Time("scheduled", at),
		zap.String("outcome", string(res.outcome)),
		zap.Int("attempts", res.attempts),
	}
	if remaining != nil {
		fields = append(fields, zap.Int("remaining", *remaining))
	}
	if res.outcome == delivery.OutcomeSkipped {
		t.logger.Warn("occurrence skipped past its late window", fields...)
	} else {
		t.logger.Info("occurrence resolved", fields...)
	}

	metrics.RecordOccurrence(string(res.outcome))
	ev := sqs.OccurrenceEvent{
		NotificationID: rec.ID,
		GuildID:        rec.GuildID,
		ChannelID:      rec.ChannelID,
		ScheduledFor:   at,
		ResolvedAt:     t.env.clock.Now(),
		Outcome:        res.outcome,
		Attempts:       res.attempts,
		Remaining:      remaining,
	}
	if res.err != nil {
		ev.Error = res.err.Error()
	}
	t.publish(pctx, ev)
}

// skipStale resolves count occurrences up to last without delivering them.
func (t *Task) skipStale(ctx context.Context, rec *db.Notification, count int64, last time.Time) {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	remaining := t.advance(last, count)
	t.persist(pctx, rec.ID, last, remaining)

	t.logger.Warn("skipped occurrences older than the late window",
		zap.Int64("count", count),
		zap.Time("through", last),
	)
	metrics.RecordOccurrences(string(delivery.OutcomeSkipped), int(count))
	t.publish(pctx, sqs.OccurrenceEvent{
		NotificationID: rec.ID,
		GuildID:        rec.GuildID,
		ChannelID:      rec.ChannelID,
		ScheduledFor:   last,
		ResolvedAt:     t.env.clock.Now(),
		Outcome:        delivery.OutcomeSkipped,
		Error:          fmt.Sprintf("%d occurrences older than the late window", count),
		Remaining:      remaining,
	})
}

// advance moves the in-memory record past at, consuming count occurrences,
// and returns the remaining budget (nil when unbounded).
func (t *Task) advance(at time.Time, count int64) *int {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.rec.LastTriggered == nil || at.After(*t.rec.LastTriggered) {
		at := at
		t.rec.LastTriggered = &at
	}
	if t.rec.MaxOccurrences == nil {
		return nil
	}

	left := int64(*t.rec.MaxOccurrences) - count
	if left < 0 {
		left = 0
	}
	v := int(left)
	t.rec.MaxOccurrences = &v
	out := v
	return &out
}

func (t *Task) persist(ctx context.Context, id int64, at time.Time, remaining *int) {
	if err := t.env.store.UpdateLastTriggered(ctx, id, at); err != nil {
		t.logger.Error("failed to persist last_triggered", zap.Time("at", at), zap.Error(err))
	}
	if remaining == nil {
		return
	}
	if err := t.env.store.UpdateMaxOccurrences(ctx, id, *remaining); err != nil {
		t.logger.Error("failed to persist max_occurrences", zap.Int("remaining", *remaining), zap.Error(err))
	}
}

func (t *Task) publish(ctx context.Context, ev sqs.OccurrenceEvent) {
	if t.env.events == nil {
		return
	}
	if err := t.env.events.Publish(ctx, ev); err != nil {
		t.logger.Warn("failed to publish occurrence event", zap.Error(err))
	}
}

func (t *Task) exhausted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rec.Exhausted()
}

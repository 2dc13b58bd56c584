package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lalithlochan/noti/internal/db"
	"github.com/lalithlochan/noti/internal/delivery"
	"github.com/lalithlochan/noti/internal/interval"
	"github.com/lalithlochan/noti/internal/sqs"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// jumpClock advances to whatever instant a task sleeps until, so a whole
// schedule plays out instantly. hold makes selected sleeps block until the
// task is cancelled.
type jumpClock struct {
	mu   sync.Mutex
	now  time.Time
	hold func(time.Time) bool
}

func newJumpClock(now time.Time) *jumpClock {
	return &jumpClock{now: now}
}

func (c *jumpClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *jumpClock) SleepUntil(ctx context.Context, t time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	hold := c.hold != nil && c.hold(t)
	if !hold && t.After(c.now) {
		c.now = t
	}
	c.mu.Unlock()

	if hold {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

func holdAll(time.Time) bool { return true }

type memStore struct {
	mu        sync.Mutex
	records   map[int64]*db.Notification
	triggered []time.Time
	maxWrites []int
	deleted   []int64
}

func newMemStore(recs ...*db.Notification) *memStore {
	s := &memStore{records: make(map[int64]*db.Notification)}
	for _, r := range recs {
		s.records[r.ID] = r.Clone()
	}
	return s
}

func (s *memStore) ListAll(context.Context) ([]*db.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*db.Notification, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r.Clone())
	}
	return out, nil
}

func (s *memStore) UpdateLastTriggered(_ context.Context, id int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return db.ErrNotFound
	}
	s.triggered = append(s.triggered, at)
	r.LastTriggered = &at
	return nil
}

func (s *memStore) UpdateMaxOccurrences(_ context.Context, id int64, remaining int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return db.ErrNotFound
	}
	s.maxWrites = append(s.maxWrites, remaining)
	r.MaxOccurrences = &remaining
	return nil
}

func (s *memStore) Delete(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[id]; !ok {
		return db.ErrNotFound
	}
	delete(s.records, id)
	s.deleted = append(s.deleted, id)
	return nil
}

func (s *memStore) get(id int64) (*db.Notification, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return nil, false
	}
	return r.Clone(), true
}

func (s *memStore) wasDeleted(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.deleted {
		if d == id {
			return true
		}
	}
	return false
}

func (s *memStore) writes() ([]time.Time, []int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Time(nil), s.triggered...), append([]int(nil), s.maxWrites...)
}

// fakeSender records every send and answers with the errors queued in errs,
// then nil once the queue is empty (or always with sticky).
type fakeSender struct {
	mu     sync.Mutex
	clock  *jumpClock
	errs   []error
	sticky error
	sent   []delivery.Message
	at     []time.Time
	panics bool
}

func (f *fakeSender) Send(_ context.Context, _ delivery.Destination, msg delivery.Message) error {
	if f.panics {
		panic("sender exploded")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	if f.clock != nil {
		f.at = append(f.at, f.clock.Now())
	}
	if f.sticky != nil {
		return f.sticky
	}
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return err
	}
	return nil
}

func (f *fakeSender) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeSender) messages() []delivery.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]delivery.Message(nil), f.sent...)
}

type fakeEvents struct {
	mu     sync.Mutex
	events []sqs.OccurrenceEvent
}

func (f *fakeEvents) Publish(_ context.Context, ev sqs.OccurrenceEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeEvents) outcomes() []delivery.Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]delivery.Outcome, len(f.events))
	for i, ev := range f.events {
		out[i] = ev.Outcome
	}
	return out
}

type fakeAlerter struct {
	mu       sync.Mutex
	subjects []string
}

func (f *fakeAlerter) Alert(_ context.Context, subject, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subjects = append(f.subjects, subject)
	return nil
}

func (f *fakeAlerter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subjects)
}

type fakeGuard struct {
	err error
}

func (g *fakeGuard) Reserve(context.Context, int64, time.Time) error { return g.err }
func (g *fakeGuard) Release(context.Context, int64, time.Time) error { return nil }

type harness struct {
	clock    *jumpClock
	store    *memStore
	primary  *fakeSender
	fallback *fakeSender
	events   *fakeEvents
	alerter  *fakeAlerter
	manager  *Manager
}

func newHarness(t *testing.T, now time.Time, recs ...*db.Notification) *harness {
	t.Helper()
	clock := newJumpClock(now)
	h := &harness{
		clock:    clock,
		store:    newMemStore(recs...),
		primary:  &fakeSender{clock: clock},
		fallback: &fakeSender{clock: clock},
		events:   &fakeEvents{},
		alerter:  &fakeAlerter{},
	}
	return h
}

func (h *harness) start(t *testing.T, mutate ...func(*Deps)) *Manager {
	t.Helper()
	deps := Deps{
		Store:    h.store,
		Primary:  h.primary,
		Fallback: h.fallback,
		Alerter:  h.alerter,
		Events:   h.events,
		Clock:    h.clock,
	}
	for _, fn := range mutate {
		fn(&deps)
	}

	m, err := NewManager(Config{
		LateWindow:     2 * time.Minute,
		PrefetchBuffer: 5 * time.Second,
		RetryBackoff:   5 * time.Second,
	}, deps, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(m.Shutdown)
	h.manager = m
	return m
}

func (h *harness) waitDeleted(t *testing.T, id int64) {
	t.Helper()
	require.Eventually(t, func() bool { return h.store.wasDeleted(id) }, 2*time.Second, time.Millisecond)
}

func waitState(t *testing.T, task *Task, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return task.State() == want }, 2*time.Second, time.Millisecond,
		"task never reached %s", want)
}

func oneOff(id int64, start time.Time) *db.Notification {
	return &db.Notification{
		ID: id, GuildID: 1, ChannelID: 2, UserID: 3,
		StartTime: start,
		Message:   "one-off",
	}
}

func repeating(id int64, start time.Time, every string, limit *int, end *time.Time) *db.Notification {
	iv := interval.MustParse(every)
	return &db.Notification{
		ID: id, GuildID: 1, ChannelID: 2, UserID: 3,
		StartTime:      start,
		Message:        "repeat",
		IsRepeating:    true,
		Interval:       &iv,
		EndTime:        end,
		MaxOccurrences: limit,
	}
}

func intPtr(v int) *int { return &v }

func timePtr(t time.Time) *time.Time { return &t }

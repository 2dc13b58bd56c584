// Package scheduler runs one dispatch task per notification and keeps the set
// of live tasks in step with the store.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/noti/internal/db"
	"github.com/lalithlochan/noti/internal/delivery"
	"github.com/lalithlochan/noti/internal/metrics"
	"github.com/lalithlochan/noti/internal/sqs"
)

// Store is the persistence the scheduler needs.
type Store interface {
	ListAll(ctx context.Context) ([]*db.Notification, error)
	UpdateLastTriggered(ctx context.Context, id int64, at time.Time) error
	UpdateMaxOccurrences(ctx context.Context, id int64, remaining int) error
	Delete(ctx context.Context, id int64) error
}

// EventPublisher receives one event per resolved occurrence.
type EventPublisher interface {
	Publish(ctx context.Context, ev sqs.OccurrenceEvent) error
}

// Prefetcher warms whatever a delivery will need shortly before it happens.
type Prefetcher func(ctx context.Context, n *db.Notification) error

// Config holds the timing knobs shared by every task.
type Config struct {
	// LateWindow is how long after its scheduled time an occurrence may still
	// be delivered.
	LateWindow time.Duration
	// PrefetchBuffer is how early the prefetchers run.
	PrefetchBuffer time.Duration
	// RetryBackoff spaces transient-failure retries.
	RetryBackoff time.Duration
}

func (c Config) withDefaults() Config {
	if c.LateWindow <= 0 {
		c.LateWindow = 2 * time.Minute
	}
	if c.PrefetchBuffer <= 0 {
		c.PrefetchBuffer = 5 * time.Second
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 5 * time.Second
	}
	return c
}

// Deps are the collaborators the manager hands to its tasks. Store and Primary
// are required; everything else is optional.
type Deps struct {
	Store       Store
	Primary     delivery.Sender
	Fallback    delivery.Sender
	Guard       Guard
	Alerter     Alerter
	Events      EventPublisher
	Persona     PersonaFunc
	Prefetchers []Prefetcher
	Clock       Clock
}

// environment is what every task shares.
type environment struct {
	cfg         Config
	store       Store
	dispatcher  *Dispatcher
	events      EventPublisher
	prefetchers []Prefetcher
	clock       Clock
	logger      *zap.Logger
}

// Manager owns the live tasks, at most one per notification id.
type Manager struct {
	env    *environment
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	tasks map[int64]*Task
}

// NewManager creates a manager. Tasks run until Remove, StopAll or Shutdown.
func NewManager(cfg Config, deps Deps, logger *zap.Logger) (*Manager, error) {
	if deps.Store == nil || deps.Primary == nil {
		return nil, errors.New("scheduler: store and primary sender are required")
	}
	cfg = cfg.withDefaults()
	clock := deps.Clock
	if clock == nil {
		clock = WallClock{}
	}

	env := &environment{
		cfg:   cfg,
		store: deps.Store,
		dispatcher: &Dispatcher{
			primary:      deps.Primary,
			fallback:     deps.Fallback,
			guard:        deps.Guard,
			alerter:      deps.Alerter,
			persona:      deps.Persona,
			clock:        clock,
			lateWindow:   cfg.LateWindow,
			retryBackoff: cfg.RetryBackoff,
			logger:       logger.Named("dispatch"),
		},
		events:      deps.Events,
		prefetchers: deps.Prefetchers,
		clock:       clock,
		logger:      logger.Named("task"),
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		env:    env,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		tasks:  make(map[int64]*Task),
	}, nil
}

// LoadAll starts a task for every stored notification. Records that fail
// validation are logged and left alone.
func (m *Manager) LoadAll(ctx context.Context) error {
	records, err := m.env.store.ListAll(ctx)
	if err != nil {
		return fmt.Errorf("load notifications: %w", err)
	}

	started := 0
	for _, rec := range records {
		if err := rec.Validate(); err != nil {
			m.logger.Error("skipping invalid notification", zap.Int64("notification_id", rec.ID), zap.Error(err))
			continue
		}
		if m.Add(rec) {
			started++
		}
	}

	m.logger.Info("notifications loaded", zap.Int("records", len(records)), zap.Int("started", started))
	return nil
}

// Add starts a task for rec. It returns false when one is already running for
// that id or the manager is shut down.
func (m *Manager) Add(rec *db.Notification) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ctx.Err() != nil {
		return false
	}
	if _, exists := m.tasks[rec.ID]; exists {
		return false
	}

	task := newTask(rec, m.env, m.taskExited)
	m.tasks[rec.ID] = task
	m.wg.Add(1)
	task.start(m.ctx)

	metrics.SetActiveTasks(len(m.tasks))
	return true
}

// Remove cancels and forgets the task for id. Unknown ids are ignored.
func (m *Manager) Remove(id int64) {
	m.mu.Lock()
	task, ok := m.tasks[id]
	if ok {
		delete(m.tasks, id)
	}
	n := len(m.tasks)
	m.mu.Unlock()

	if !ok {
		return
	}
	task.stop()
	metrics.SetActiveTasks(n)
	m.logger.Info("task removed", zap.Int64("notification_id", id))
}

// DeleteRecord deletes the persisted notification.
func (m *Manager) DeleteRecord(ctx context.Context, id int64) error {
	if err := m.env.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete notification %d: %w", id, err)
	}
	return nil
}

// StopAll cancels every task and waits for them to unwind. Stored records are
// untouched, so LoadAll brings them back.
func (m *Manager) StopAll() {
	m.mu.Lock()
	tasks := make([]*Task, 0, len(m.tasks))
	for id, task := range m.tasks {
		tasks = append(tasks, task)
		delete(m.tasks, id)
	}
	m.mu.Unlock()

	for _, task := range tasks {
		task.stop()
	}
	for _, task := range tasks {
		<-task.Done()
	}

	metrics.SetActiveTasks(0)
	m.logger.Info("all tasks stopped", zap.Int("count", len(tasks)))
}

// Reload stops every task and starts them again from the store.
func (m *Manager) Reload(ctx context.Context) error {
	m.StopAll()
	return m.LoadAll(ctx)
}

// Shutdown stops every task and refuses new ones.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.cancel()
	m.mu.Unlock()

	m.StopAll()
	m.wg.Wait()
}

// Active is the number of live tasks.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}

// Has reports whether a task is live for id.
func (m *Manager) Has(id int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.tasks[id]
	return ok
}

// Task returns the live task for id.
func (m *Manager) Task(id int64) (*Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	return task, ok
}

// taskExited runs on the task goroutine after the loop ends.
func (m *Manager) taskExited(task *Task, final State) {
	defer m.wg.Done()

	m.mu.Lock()
	if current, ok := m.tasks[task.ID()]; ok && current == task {
		delete(m.tasks, task.ID())
	}
	n := len(m.tasks)
	m.mu.Unlock()
	metrics.SetActiveTasks(n)

	if final != StateCompleted {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := m.DeleteRecord(ctx, task.ID()); err != nil && !errors.Is(err, db.ErrNotFound) {
		m.logger.Error("failed to delete completed notification",
			zap.Int64("notification_id", task.ID()),
			zap.Error(err),
		)
	}
}

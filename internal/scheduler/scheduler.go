package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/hearthworks/calsync/internal/credentials"
	"github.com/hearthworks/calsync/internal/db"
)

const (
	maxRetries    = 3
	retryCooldown = 5 * time.Minute
	taskTimeout   = 10 * time.Minute // Maximum time for a single task run

	staleRetentionDays = 30
)

// SyncRunner performs the sync work the scheduler triggers. Satisfied by
// orchestrator.Orchestrator.
type SyncRunner interface {
	PerformFullSync(ctx context.Context) error
	ReconcileConnection(ctx context.Context, conn *db.SyncConnection) error
	RetryAppointment(ctx context.Context, item *db.RetryItem) error
}

// CredentialChecker validates and renews stored credentials. Satisfied by
// credentials.Manager.
type CredentialChecker interface {
	Validate(ctx context.Context, conn *db.SyncConnection) error
	Refresh(ctx context.Context, conn *db.SyncConnection) error
}

// Notifier receives connection lifecycle alerts. Satisfied by
// notify.Notifier.
type Notifier interface {
	ConnectionDeactivated(conn *db.SyncConnection, reason string)
}

// Intervals configures the background task cadences. Zero values fall back
// to the defaults.
type Intervals struct {
	FullSync        time.Duration
	RetryDrain      time.Duration
	CredentialCheck time.Duration
	Cleanup         time.Duration
}

func (i Intervals) withDefaults() Intervals {
	if i.FullSync <= 0 {
		i.FullSync = time.Hour
	}
	if i.RetryDrain <= 0 {
		i.RetryDrain = 5 * time.Minute
	}
	if i.CredentialCheck <= 0 {
		i.CredentialCheck = 6 * time.Hour
	}
	if i.Cleanup <= 0 {
		i.Cleanup = 24 * time.Hour
	}
	return i
}

// TaskStatus describes one background task.
type TaskStatus struct {
	Name     string     `json:"name"`
	Interval string     `json:"interval"`
	LastRun  *time.Time `json:"last_run,omitempty"`
}

// Status is a snapshot of the scheduler for the ops API.
type Status struct {
	Running    bool            `json:"running"`
	QueueDepth int             `json:"queue_depth"`
	Tasks      []TaskStatus    `json:"tasks"`
	RetryItems []*db.RetryItem `json:"retry_items"`
}

type task struct {
	name     string
	interval time.Duration
	run      func(ctx context.Context)
	lastRun  *time.Time
	lock     sync.Mutex // Prevents overlapping runs of the same task
}

// Scheduler drives the background cadences: full sync, retry-queue drain,
// credential validation, and stale-data cleanup. It is the sole owner of
// the retry-exhaustion decision that deactivates a connection.
type Scheduler struct {
	db       *db.DB
	runner   SyncRunner
	creds    CredentialChecker
	notifier Notifier

	mu      sync.RWMutex
	tasks   []*task
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
}

// New creates a scheduler. notifier may be nil.
func New(database *db.DB, runner SyncRunner, creds CredentialChecker, notifier Notifier, intervals Intervals) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		db:       database,
		runner:   runner,
		creds:    creds,
		notifier: notifier,
		ctx:      ctx,
		cancel:   cancel,
	}

	intervals = intervals.withDefaults()
	s.tasks = []*task{
		{name: "full_sync", interval: intervals.FullSync, run: s.runFullSync},
		{name: "retry_drain", interval: intervals.RetryDrain, run: s.drainRetryQueue},
		{name: "credential_check", interval: intervals.CredentialCheck, run: s.checkCredentials},
		{name: "cleanup", interval: intervals.Cleanup, run: s.cleanupStaleData},
	}
	return s
}

// Start launches every task loop. Calling Start on a running scheduler is a
// no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	for _, t := range s.tasks {
		s.wg.Add(1)
		go s.runLoop(t)
	}
	log.Printf("Scheduler started with %d tasks", len(s.tasks))
}

// Stop cancels all tasks and waits for in-flight runs to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	log.Println("Scheduler stopped")
}

// Status reports the scheduler state and retry-queue depth.
func (s *Scheduler) Status() Status {
	s.mu.RLock()
	status := Status{Running: s.started}
	for _, t := range s.tasks {
		status.Tasks = append(status.Tasks, TaskStatus{
			Name:     t.name,
			Interval: t.interval.String(),
			LastRun:  t.lastRun,
		})
	}
	s.mu.RUnlock()

	items, err := s.db.GetRetryItems()
	if err != nil {
		log.Printf("Failed to load retry items: %v", err)
	}
	status.QueueDepth = len(items)
	status.RetryItems = items
	return status
}

// TriggerConnectionSync reconciles one connection outside its normal
// cadence, used by the force-sync API.
func (s *Scheduler) TriggerConnectionSync(connectionID string) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		conn, err := s.db.GetConnectionByID(connectionID)
		if err != nil {
			log.Printf("Force sync: failed to load connection %s: %v", connectionID, err)
			return
		}
		if !conn.IsActive {
			log.Printf("Force sync: connection %s is inactive, skipping", connectionID)
			return
		}

		ctx, cancel := context.WithTimeout(s.ctx, taskTimeout)
		defer cancel()
		if err := s.runner.ReconcileConnection(ctx, conn); err != nil {
			log.Printf("Force sync failed for connection %s: %v", connectionID, err)
		}
	}()
}

// runLoop runs a task immediately and then on its cadence until shutdown.
func (s *Scheduler) runLoop(t *task) {
	defer s.wg.Done()

	s.execute(t)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.execute(t)
		}
	}
}

// execute runs one task iteration, skipping if the previous iteration is
// still going.
func (s *Scheduler) execute(t *task) {
	if !t.lock.TryLock() {
		log.Printf("Skipping %s - previous run still in progress", t.name)
		return
	}
	defer t.lock.Unlock()

	ctx, cancel := context.WithTimeout(s.ctx, taskTimeout)
	defer cancel()

	t.run(ctx)

	now := time.Now()
	s.mu.Lock()
	t.lastRun = &now
	s.mu.Unlock()
}

func (s *Scheduler) runFullSync(ctx context.Context) {
	if err := s.runner.PerformFullSync(ctx); err != nil {
		log.Printf("Full sync: %v", err)
	}
}

// drainRetryQueue walks the durable queue once. Items target independent
// connections, so all due items run concurrently and one slow provider
// cannot hold back the rest of the batch. Items still inside their cooldown
// are left alone; items out of attempts deactivate their connection.
func (s *Scheduler) drainRetryQueue(ctx context.Context) {
	items, err := s.db.GetRetryItems()
	if err != nil {
		log.Printf("Retry drain: failed to load queue: %v", err)
		return
	}

	var wg sync.WaitGroup
	for _, item := range items {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		go func(item *db.RetryItem) {
			defer wg.Done()
			s.processRetryItem(ctx, item)
		}(item)
	}
	wg.Wait()
}

func (s *Scheduler) processRetryItem(ctx context.Context, item *db.RetryItem) {
	if item.LastAttemptAt != nil && time.Since(*item.LastAttemptAt) < retryCooldown {
		return
	}

	if item.AttemptCount >= maxRetries {
		reason := fmt.Sprintf("%s failed %d times: %s", item.Operation, item.AttemptCount, item.LastError)
		s.retireRetryItem(item, reason)
		return
	}

	if err := s.db.MarkRetryAttempt(item.ID, item.LastError); err != nil {
		log.Printf("Retry drain: failed to mark attempt on %s: %v", item.ID, err)
		return
	}

	err := s.runRetryOperation(ctx, item)
	if err == nil {
		if delErr := s.db.DeleteRetryItem(item.ID); delErr != nil && !errors.Is(delErr, db.ErrNotFound) {
			log.Printf("Retry drain: failed to clear item %s: %v", item.ID, delErr)
		}
		log.Printf("Retry succeeded: %s for connection %s", item.Operation, item.ConnectionID)
		return
	}

	if errors.Is(err, credentials.ErrReauthRequired) {
		// Refresh cannot succeed without the owner re-linking the account.
		// Retrying automatically would just burn attempts, so retire now.
		s.retireRetryItem(item, fmt.Sprintf("re-authentication required: %v", err))
		return
	}

	log.Printf("Retry attempt %d/%d failed: %s for connection %s: %v",
		item.AttemptCount+1, maxRetries, item.Operation, item.ConnectionID, err)
	if updErr := s.db.UpdateRetryItemError(item.ID, err.Error()); updErr != nil && !errors.Is(updErr, db.ErrNotFound) {
		log.Printf("Retry drain: failed to record error on %s: %v", item.ID, updErr)
	}
}

func (s *Scheduler) runRetryOperation(ctx context.Context, item *db.RetryItem) error {
	switch item.Operation {
	case db.OpFullSync:
		conn, err := s.db.GetConnectionByID(item.ConnectionID)
		if err != nil {
			return fmt.Errorf("failed to load connection: %w", err)
		}
		return s.runner.ReconcileConnection(ctx, conn)

	case db.OpTokenRefresh:
		conn, err := s.db.GetConnectionByID(item.ConnectionID)
		if err != nil {
			return fmt.Errorf("failed to load connection: %w", err)
		}
		return s.creds.Refresh(ctx, conn)

	case db.OpAppointmentCreate, db.OpAppointmentUpdate, db.OpAppointmentDelete:
		return s.runner.RetryAppointment(ctx, item)
	}

	return fmt.Errorf("unknown operation %q", item.Operation)
}

// retireRetryItem removes an item that will never succeed on its own,
// either because it used all its attempts or because the provider demands
// re-authentication. The connection is deactivated so it stops
// participating in syncs until a human re-enables it.
func (s *Scheduler) retireRetryItem(item *db.RetryItem, reason string) {
	log.Printf("Retiring retry item for connection %s: %s", item.ConnectionID, reason)

	conn, err := s.db.GetConnectionByID(item.ConnectionID)
	if err != nil {
		log.Printf("Failed to load connection %s for deactivation: %v", item.ConnectionID, err)
	} else if conn.IsActive {
		if err := s.db.DeactivateConnection(conn.ID, reason); err != nil {
			log.Printf("Failed to deactivate connection %s: %v", conn.ID, err)
			return
		}
		if s.notifier != nil {
			s.notifier.ConnectionDeactivated(conn, reason)
		}
	}

	if err := s.db.DeleteRetryItem(item.ID); err != nil && !errors.Is(err, db.ErrNotFound) {
		log.Printf("Failed to remove retired item %s: %v", item.ID, err)
	}
}

// checkCredentials enqueues a token refresh for every active connection
// whose credentials fail local validation.
func (s *Scheduler) checkCredentials(ctx context.Context) {
	connections, err := s.db.GetActiveConnections()
	if err != nil {
		log.Printf("Credential check: failed to load connections: %v", err)
		return
	}

	for _, conn := range connections {
		if ctx.Err() != nil {
			return
		}
		if err := s.creds.Validate(ctx, conn); err != nil {
			log.Printf("Credential check: connection %s invalid: %v", conn.ID, err)
			if _, qErr := s.db.UpsertRetryItem(conn.ID, db.OpTokenRefresh, "", err.Error()); qErr != nil {
				log.Printf("Credential check: failed to enqueue refresh for %s: %v", conn.ID, qErr)
			}
		}
	}
}

// cleanupStaleData drops old sync logs and clears error messages that have
// gone stale on connections.
func (s *Scheduler) cleanupStaleData(ctx context.Context) {
	cutoff := time.Now().AddDate(0, 0, -staleRetentionDays)

	deleted, err := s.db.CleanOldSyncLogs(cutoff)
	if err != nil {
		log.Printf("Cleanup: failed to clean sync logs: %v", err)
	} else if deleted > 0 {
		log.Printf("Cleaned %d old sync logs", deleted)
	}

	cleared, err := s.db.ClearStaleConnectionErrors(cutoff)
	if err != nil {
		log.Printf("Cleanup: failed to clear stale errors: %v", err)
	} else if cleared > 0 {
		log.Printf("Cleared stale errors on %d connections", cleared)
	}
}

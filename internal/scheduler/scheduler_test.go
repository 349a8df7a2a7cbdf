package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hearthworks/calsync/internal/credentials"
	"github.com/hearthworks/calsync/internal/db"
)

func setupTestDB(t *testing.T) *db.DB {
	t.Helper()

	tempDir, err := os.MkdirTemp("", "calsync-sched-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tempDir) })

	database, err := db.New(filepath.Join(tempDir, "test.db"))
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return database
}

type stubRunner struct {
	mu           sync.Mutex
	fullSyncs    int
	reconciles   []string
	retries      []string
	retryErr     error
	reconcileErr error
	retryDelay   time.Duration
	inFlight     int
	maxInFlight  int
}

func (r *stubRunner) PerformFullSync(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fullSyncs++
	return nil
}

func (r *stubRunner) ReconcileConnection(_ context.Context, conn *db.SyncConnection) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reconciles = append(r.reconciles, conn.ID)
	return r.reconcileErr
}

func (r *stubRunner) RetryAppointment(_ context.Context, item *db.RetryItem) error {
	r.mu.Lock()
	r.retries = append(r.retries, item.ID)
	r.inFlight++
	if r.inFlight > r.maxInFlight {
		r.maxInFlight = r.inFlight
	}
	delay := r.retryDelay
	err := r.retryErr
	r.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	r.mu.Lock()
	r.inFlight--
	r.mu.Unlock()
	return err
}

func (r *stubRunner) retryCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.retries)
}

type stubChecker struct {
	mu          sync.Mutex
	validateErr error
	refreshes   []string
	refreshErr  error
}

func (c *stubChecker) Validate(_ context.Context, _ *db.SyncConnection) error {
	return c.validateErr
}

func (c *stubChecker) Refresh(_ context.Context, conn *db.SyncConnection) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refreshes = append(c.refreshes, conn.ID)
	return c.refreshErr
}

type stubNotifier struct {
	mu           sync.Mutex
	deactivated  []string
	lastReason   string
}

func (n *stubNotifier) ConnectionDeactivated(conn *db.SyncConnection, reason string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.deactivated = append(n.deactivated, conn.ID)
	n.lastReason = reason
}

type fixture struct {
	sched    *Scheduler
	database *db.DB
	runner   *stubRunner
	checker  *stubChecker
	notifier *stubNotifier
}

func setup(t *testing.T) *fixture {
	t.Helper()
	database := setupTestDB(t)
	runner := &stubRunner{}
	checker := &stubChecker{}
	notifier := &stubNotifier{}
	sched := New(database, runner, checker, notifier, Intervals{})
	t.Cleanup(sched.Stop)
	return &fixture{sched: sched, database: database, runner: runner, checker: checker, notifier: notifier}
}

func (fx *fixture) connection(t *testing.T) *db.SyncConnection {
	t.Helper()
	conn := &db.SyncConnection{
		TenantID:    "tenant-1",
		Provider:    db.ProviderGoogle,
		Credentials: "blob",
		CalendarID:  "primary",
		IsActive:    true,
	}
	if err := fx.database.CreateConnection(conn); err != nil {
		t.Fatalf("failed to create connection: %v", err)
	}
	return conn
}

func (fx *fixture) enqueue(t *testing.T, conn *db.SyncConnection, op db.Operation, appointmentID string) *db.RetryItem {
	t.Helper()
	item, err := fx.database.UpsertRetryItem(conn.ID, op, appointmentID, "initial failure")
	if err != nil {
		t.Fatalf("failed to enqueue retry item: %v", err)
	}
	return item
}

// forceQueueState rewrites attempt bookkeeping directly, bypassing the
// cooldown that MarkRetryAttempt would impose.
func (fx *fixture) forceQueueState(t *testing.T, itemID string, attempts int, lastAttempt *time.Time) {
	t.Helper()
	var err error
	if lastAttempt == nil {
		_, err = fx.database.Conn().Exec(
			`UPDATE retry_items SET attempt_count = ?, last_attempt_at = NULL WHERE id = ?`, attempts, itemID)
	} else {
		_, err = fx.database.Conn().Exec(
			`UPDATE retry_items SET attempt_count = ?, last_attempt_at = ? WHERE id = ?`, attempts, lastAttempt.UTC(), itemID)
	}
	if err != nil {
		t.Fatalf("failed to rewrite retry item: %v", err)
	}
}

func TestDrainRetriesDueItem(t *testing.T) {
	fx := setup(t)
	conn := fx.connection(t)
	item := fx.enqueue(t, conn, db.OpAppointmentCreate, "appt-1")

	fx.sched.drainRetryQueue(context.Background())

	if fx.runner.retryCount() != 1 {
		t.Fatalf("retry calls = %d, want 1", fx.runner.retryCount())
	}
	// Success removes the item from the queue.
	if _, err := fx.database.GetRetryItem(conn.ID, db.OpAppointmentCreate, "appt-1"); !errors.Is(err, db.ErrNotFound) {
		t.Errorf("item %s survived a successful retry, err=%v", item.ID, err)
	}
}

func TestDrainRunsDueItemsConcurrently(t *testing.T) {
	fx := setup(t)
	conn := fx.connection(t)
	fx.enqueue(t, conn, db.OpAppointmentCreate, "appt-1")
	fx.enqueue(t, conn, db.OpAppointmentCreate, "appt-2")
	fx.enqueue(t, conn, db.OpAppointmentCreate, "appt-3")
	fx.runner.retryDelay = 100 * time.Millisecond

	started := time.Now()
	fx.sched.drainRetryQueue(context.Background())
	elapsed := time.Since(started)

	if fx.runner.retryCount() != 3 {
		t.Fatalf("retry calls = %d, want 3", fx.runner.retryCount())
	}
	if fx.runner.maxInFlight < 2 {
		t.Errorf("peak in-flight retries = %d, items ran back to back", fx.runner.maxInFlight)
	}
	// Serial execution would take at least three full delays.
	if elapsed >= 300*time.Millisecond {
		t.Errorf("drain took %v for three 100ms items", elapsed)
	}
}

func TestDrainHonorsCooldown(t *testing.T) {
	fx := setup(t)
	conn := fx.connection(t)
	item := fx.enqueue(t, conn, db.OpAppointmentCreate, "appt-1")

	recent := time.Now().Add(-time.Minute)
	fx.forceQueueState(t, item.ID, 1, &recent)

	fx.sched.drainRetryQueue(context.Background())

	if fx.runner.retryCount() != 0 {
		t.Errorf("item inside cooldown was retried")
	}

	// Once the cooldown has passed the item becomes eligible again.
	stale := time.Now().Add(-6 * time.Minute)
	fx.forceQueueState(t, item.ID, 1, &stale)

	fx.sched.drainRetryQueue(context.Background())
	if fx.runner.retryCount() != 1 {
		t.Errorf("item past cooldown was not retried")
	}
}

func TestDrainRecordsFailure(t *testing.T) {
	fx := setup(t)
	conn := fx.connection(t)
	fx.enqueue(t, conn, db.OpAppointmentUpdate, "appt-1")
	fx.runner.retryErr = errors.New("still unreachable")

	fx.sched.drainRetryQueue(context.Background())

	item, err := fx.database.GetRetryItem(conn.ID, db.OpAppointmentUpdate, "appt-1")
	if err != nil {
		t.Fatalf("item disappeared after failed retry: %v", err)
	}
	if item.AttemptCount != 1 {
		t.Errorf("AttemptCount = %d, want 1", item.AttemptCount)
	}
	if item.LastError != "still unreachable" {
		t.Errorf("LastError = %q", item.LastError)
	}
	if item.LastAttemptAt == nil {
		t.Error("LastAttemptAt not stamped")
	}
}

func TestDrainExhaustionDeactivatesConnection(t *testing.T) {
	fx := setup(t)
	conn := fx.connection(t)
	item := fx.enqueue(t, conn, db.OpAppointmentCreate, "appt-1")
	fx.forceQueueState(t, item.ID, maxRetries, nil)

	fx.sched.drainRetryQueue(context.Background())

	// No further attempt is made.
	if fx.runner.retryCount() != 0 {
		t.Errorf("exhausted item was retried again")
	}

	got, err := fx.database.GetConnectionByID(conn.ID)
	if err != nil {
		t.Fatalf("failed to reload connection: %v", err)
	}
	if got.IsActive {
		t.Error("connection still active after exhaustion")
	}
	if got.LastSyncError == "" {
		t.Error("deactivation reason not recorded")
	}

	if len(fx.notifier.deactivated) != 1 || fx.notifier.deactivated[0] != conn.ID {
		t.Errorf("notifier calls = %v", fx.notifier.deactivated)
	}

	if _, err := fx.database.GetRetryItem(conn.ID, db.OpAppointmentCreate, "appt-1"); !errors.Is(err, db.ErrNotFound) {
		t.Errorf("exhausted item not removed, err=%v", err)
	}
}

func TestDrainRetiresReauthRequired(t *testing.T) {
	fx := setup(t)
	conn := fx.connection(t)
	fx.enqueue(t, conn, db.OpTokenRefresh, "")
	fx.checker.refreshErr = fmt.Errorf("google: %w", credentials.ErrReauthRequired)

	fx.sched.drainRetryQueue(context.Background())

	// One refresh attempt, then the item is retired instead of requeued.
	if len(fx.checker.refreshes) != 1 {
		t.Fatalf("refresh calls = %d, want 1", len(fx.checker.refreshes))
	}
	if _, err := fx.database.GetRetryItem(conn.ID, db.OpTokenRefresh, ""); !errors.Is(err, db.ErrNotFound) {
		t.Errorf("reauth item still queued, err=%v", err)
	}

	got, err := fx.database.GetConnectionByID(conn.ID)
	if err != nil {
		t.Fatalf("failed to reload connection: %v", err)
	}
	if got.IsActive {
		t.Error("connection still active after reauth failure")
	}
	if len(fx.notifier.deactivated) != 1 || fx.notifier.deactivated[0] != conn.ID {
		t.Errorf("notifier calls = %v", fx.notifier.deactivated)
	}
	if !strings.Contains(fx.notifier.lastReason, "re-authentication") {
		t.Errorf("reason = %q", fx.notifier.lastReason)
	}

	// A later drain must not refresh again.
	fx.sched.drainRetryQueue(context.Background())
	if len(fx.checker.refreshes) != 1 {
		t.Errorf("refresh retried after retirement: %d calls", len(fx.checker.refreshes))
	}
}

func TestDrainRoutesFullSync(t *testing.T) {
	fx := setup(t)
	conn := fx.connection(t)
	fx.enqueue(t, conn, db.OpFullSync, "")

	fx.sched.drainRetryQueue(context.Background())

	if len(fx.runner.reconciles) != 1 || fx.runner.reconciles[0] != conn.ID {
		t.Errorf("reconciles = %v", fx.runner.reconciles)
	}
}

func TestDrainRoutesTokenRefresh(t *testing.T) {
	fx := setup(t)
	conn := fx.connection(t)
	fx.enqueue(t, conn, db.OpTokenRefresh, "")

	fx.sched.drainRetryQueue(context.Background())

	if len(fx.checker.refreshes) != 1 || fx.checker.refreshes[0] != conn.ID {
		t.Errorf("refreshes = %v", fx.checker.refreshes)
	}
}

func TestCheckCredentialsEnqueuesRefresh(t *testing.T) {
	fx := setup(t)
	conn := fx.connection(t)
	fx.checker.validateErr = errors.New("token expires soon")

	fx.sched.checkCredentials(context.Background())

	item, err := fx.database.GetRetryItem(conn.ID, db.OpTokenRefresh, "")
	if err != nil {
		t.Fatalf("expected queued token refresh: %v", err)
	}
	if item.LastError != "token expires soon" {
		t.Errorf("LastError = %q", item.LastError)
	}
}

func TestCheckCredentialsSkipsValid(t *testing.T) {
	fx := setup(t)
	conn := fx.connection(t)

	fx.sched.checkCredentials(context.Background())

	if _, err := fx.database.GetRetryItem(conn.ID, db.OpTokenRefresh, ""); !errors.Is(err, db.ErrNotFound) {
		t.Errorf("valid credentials enqueued a refresh, err=%v", err)
	}
}

func TestStartStopIdempotent(t *testing.T) {
	fx := setup(t)

	fx.sched.Start()
	fx.sched.Start()
	fx.sched.Stop()
	fx.sched.Stop()

	// Start runs every task once immediately, including the full sync.
	fx.runner.mu.Lock()
	syncs := fx.runner.fullSyncs
	fx.runner.mu.Unlock()
	if syncs != 1 {
		t.Errorf("fullSyncs = %d, want 1", syncs)
	}
}

func TestStatus(t *testing.T) {
	fx := setup(t)
	conn := fx.connection(t)
	fx.enqueue(t, conn, db.OpAppointmentCreate, "appt-1")
	fx.enqueue(t, conn, db.OpFullSync, "")

	status := fx.sched.Status()
	if status.Running {
		t.Error("reported running before Start")
	}
	if status.QueueDepth != 2 {
		t.Errorf("QueueDepth = %d, want 2", status.QueueDepth)
	}
	if len(status.Tasks) != 4 {
		t.Errorf("tasks = %d, want 4", len(status.Tasks))
	}
	if len(status.RetryItems) != 2 {
		t.Errorf("retry items = %d, want 2", len(status.RetryItems))
	}
	for _, item := range status.RetryItems {
		if item.ConnectionID != conn.ID {
			t.Errorf("item %s attributed to %s", item.ID, item.ConnectionID)
		}
	}

	fx.sched.Start()
	defer fx.sched.Stop()
	if !fx.sched.Status().Running {
		t.Error("not reported running after Start")
	}
}

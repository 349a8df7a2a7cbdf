package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/hearthworks/calsync/internal/db"
	"github.com/hearthworks/calsync/internal/orchestrator"
	"github.com/hearthworks/calsync/internal/provider"
	"github.com/hearthworks/calsync/internal/scheduler"
)

const testToken = "0123456789abcdef0123456789abcdef"

func setupTestDB(t *testing.T) *db.DB {
	t.Helper()

	tempDir, err := os.MkdirTemp("", "calsync-web-test-*")
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

type stubDispatcher struct {
	result *orchestrator.DispatchResult
	err    error
	calls  []db.Operation
}

func (s *stubDispatcher) Dispatch(_ context.Context, op db.Operation, _ string) (*orchestrator.DispatchResult, error) {
	s.calls = append(s.calls, op)
	return s.result, s.err
}

type stubScheduler struct {
	status    scheduler.Status
	triggered []string
}

func (s *stubScheduler) Status() scheduler.Status { return s.status }

func (s *stubScheduler) TriggerConnectionSync(id string) {
	s.triggered = append(s.triggered, id)
}

type stubBusy struct {
	slots     []provider.BusySlot
	failures  map[string]error
	conflicts []provider.BusySlot
	checkErr  error
	checked   []string
}

func (s *stubBusy) BusyTimes(_ context.Context, _ string, _, _ time.Time) ([]provider.BusySlot, map[string]error) {
	return s.slots, s.failures
}

func (s *stubBusy) CheckConflicts(_ context.Context, appt *db.Appointment) ([]provider.BusySlot, error) {
	s.checked = append(s.checked, appt.ID)
	return s.conflicts, s.checkErr
}

type testServer struct {
	router     *gin.Engine
	database   *db.DB
	dispatcher *stubDispatcher
	sched      *stubScheduler
	busy       *stubBusy
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	database := setupTestDB(t)
	dispatcher := &stubDispatcher{}
	sched := &stubScheduler{status: scheduler.Status{Running: true}}
	busy := &stubBusy{}

	router := gin.New()
	SetupRoutes(router, NewHandlers(database, dispatcher, sched, busy), testToken, 30, 60)

	return &testServer{
		router:     router,
		database:   database,
		dispatcher: dispatcher,
		sched:      sched,
		busy:       busy,
	}
}

func (ts *testServer) request(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Authorization", "Bearer "+testToken)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	return w
}

func (ts *testServer) connection(t *testing.T, active bool) *db.SyncConnection {
	t.Helper()
	conn := &db.SyncConnection{
		TenantID:    "tenant-1",
		Provider:    db.ProviderGoogle,
		Credentials: "blob",
		CalendarID:  "primary",
		IsActive:    true,
	}
	if err := ts.database.CreateConnection(conn); err != nil {
		t.Fatalf("failed to create connection: %v", err)
	}
	if !active {
		if err := ts.database.DeactivateConnection(conn.ID, "test"); err != nil {
			t.Fatalf("failed to deactivate: %v", err)
		}
		conn.IsActive = false
	}
	return conn
}

func TestHealthCheck(t *testing.T) {
	ts := newTestServer(t)

	// No token required for health.
	req := httptest.NewRequest("GET", "/healthz", nil)
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, body = %s", w.Code, w.Body.String())
	}
}

func TestAPIRequiresToken(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name   string
		header string
	}{
		{"missing", ""},
		{"wrong token", "Bearer wrong"},
		{"not bearer", "Basic " + testToken},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/api/status", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			ts.router.ServeHTTP(w, req)

			if w.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want 401", w.Code)
			}
		})
	}
}

func TestStatusEndpoint(t *testing.T) {
	ts := newTestServer(t)

	w := ts.request(t, "GET", "/api/status", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	var resp struct {
		Scheduler           scheduler.Status `json:"scheduler"`
		UnresolvedConflicts int              `json:"unresolved_conflicts"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("bad body: %v", err)
	}
	if !resp.Scheduler.Running {
		t.Error("scheduler not reported running")
	}
}

func TestListConnectionsHidesCredentials(t *testing.T) {
	ts := newTestServer(t)
	ts.connection(t, true)

	w := ts.request(t, "GET", "/api/connections", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if strings.Contains(w.Body.String(), "blob") {
		t.Error("credentials leaked into connection listing")
	}
}

func TestTriggerConnectionSync(t *testing.T) {
	ts := newTestServer(t)
	conn := ts.connection(t, true)

	w := ts.request(t, "POST", "/api/connections/"+conn.ID+"/sync", "")
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if len(ts.sched.triggered) != 1 || ts.sched.triggered[0] != conn.ID {
		t.Errorf("triggered = %v", ts.sched.triggered)
	}
}

func TestTriggerConnectionSyncInactive(t *testing.T) {
	ts := newTestServer(t)
	conn := ts.connection(t, false)

	w := ts.request(t, "POST", "/api/connections/"+conn.ID+"/sync", "")
	if w.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", w.Code)
	}
	if len(ts.sched.triggered) != 0 {
		t.Error("inactive connection was scheduled")
	}
}

func TestTriggerConnectionSyncNotFound(t *testing.T) {
	ts := newTestServer(t)
	w := ts.request(t, "POST", "/api/connections/nope/sync", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestSyncAppointment(t *testing.T) {
	ts := newTestServer(t)
	ts.dispatcher.result = &orchestrator.DispatchResult{
		AppointmentID: "appt-1",
		Operation:     db.OpAppointmentCreate,
		Total:         2,
		Succeeded:     2,
	}

	w := ts.request(t, "POST", "/api/appointments/appt-1/sync", `{"operation":"appointment_create"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if len(ts.dispatcher.calls) != 1 || ts.dispatcher.calls[0] != db.OpAppointmentCreate {
		t.Errorf("dispatch calls = %v", ts.dispatcher.calls)
	}
}

func TestSyncAppointmentRejectsBadOperation(t *testing.T) {
	ts := newTestServer(t)

	w := ts.request(t, "POST", "/api/appointments/appt-1/sync", `{"operation":"full_sync"}`)
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422", w.Code)
	}
	if len(ts.dispatcher.calls) != 0 {
		t.Error("invalid operation reached the dispatcher")
	}
}

func TestSyncAppointmentNotFound(t *testing.T) {
	ts := newTestServer(t)
	ts.dispatcher.err = db.ErrNotFound

	w := ts.request(t, "POST", "/api/appointments/nope/sync", `{"operation":"appointment_update"}`)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestSyncAppointmentNoConnections(t *testing.T) {
	ts := newTestServer(t)
	ts.dispatcher.err = orchestrator.ErrNoActiveConnections

	w := ts.request(t, "POST", "/api/appointments/appt-1/sync", `{"operation":"appointment_update"}`)
	if w.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", w.Code)
	}
}

func TestAppointmentConflicts(t *testing.T) {
	ts := newTestServer(t)

	appt := &db.Appointment{
		TenantID:        "tenant-1",
		Title:           "Roof repair",
		ScheduledStart:  time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC),
		DurationMinutes: 60,
	}
	if err := ts.database.CreateAppointment(appt); err != nil {
		t.Fatalf("failed to create appointment: %v", err)
	}
	ts.busy.conflicts = []provider.BusySlot{
		{
			Start:            appt.ScheduledStart.Add(30 * time.Minute),
			End:              appt.ScheduledStart.Add(90 * time.Minute),
			Label:            "Dentist",
			SourceConnection: "conn-1",
		},
	}

	w := ts.request(t, "GET", "/api/appointments/"+appt.ID+"/conflicts", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if len(ts.busy.checked) != 1 || ts.busy.checked[0] != appt.ID {
		t.Errorf("checked = %v", ts.busy.checked)
	}

	var resp struct {
		AppointmentID string              `json:"appointment_id"`
		HasConflicts  bool                `json:"has_conflicts"`
		Conflicts     []provider.BusySlot `json:"conflicts"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("bad body: %v", err)
	}
	if !resp.HasConflicts || len(resp.Conflicts) != 1 || resp.Conflicts[0].Label != "Dentist" {
		t.Errorf("resp = %+v", resp)
	}
}

func TestAppointmentConflictsClear(t *testing.T) {
	ts := newTestServer(t)

	appt := &db.Appointment{
		TenantID:        "tenant-1",
		Title:           "Roof repair",
		ScheduledStart:  time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC),
		DurationMinutes: 60,
	}
	if err := ts.database.CreateAppointment(appt); err != nil {
		t.Fatalf("failed to create appointment: %v", err)
	}

	w := ts.request(t, "GET", "/api/appointments/"+appt.ID+"/conflicts", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	var resp struct {
		HasConflicts bool `json:"has_conflicts"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("bad body: %v", err)
	}
	if resp.HasConflicts {
		t.Error("free slot reported as conflicted")
	}
}

func TestAppointmentConflictsNotFound(t *testing.T) {
	ts := newTestServer(t)
	w := ts.request(t, "GET", "/api/appointments/nope/conflicts", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestConflictLifecycle(t *testing.T) {
	ts := newTestServer(t)
	conn := ts.connection(t, true)

	appt := &db.Appointment{
		TenantID:        "tenant-1",
		Title:           "Window install",
		ScheduledStart:  time.Now().Add(24 * time.Hour),
		DurationMinutes: 60,
	}
	if err := ts.database.CreateAppointment(appt); err != nil {
		t.Fatalf("failed to create appointment: %v", err)
	}
	conflict := &db.SyncConflict{
		ConnectionID:    conn.ID,
		AppointmentID:   appt.ID,
		ExternalEventID: "ext-1",
		LocalStart:      appt.ScheduledStart,
		ExternalStart:   appt.ScheduledStart.Add(2 * time.Hour),
	}
	if err := ts.database.CreateSyncConflict(conflict); err != nil {
		t.Fatalf("failed to create conflict: %v", err)
	}

	w := ts.request(t, "GET", "/api/conflicts", "")
	if w.Code != http.StatusOK {
		t.Fatalf("list status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), conflict.ID) {
		t.Error("conflict missing from listing")
	}

	w = ts.request(t, "POST", "/api/conflicts/"+conflict.ID+"/resolve", "")
	if w.Code != http.StatusOK {
		t.Fatalf("resolve status = %d", w.Code)
	}

	w = ts.request(t, "GET", "/api/conflicts", "")
	if strings.Contains(w.Body.String(), conflict.ID) {
		t.Error("resolved conflict still listed")
	}
}

func TestTenantBusyTimes(t *testing.T) {
	ts := newTestServer(t)
	start := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	ts.busy.slots = []provider.BusySlot{
		{Start: start, End: start.Add(time.Hour), Label: "Standup", SourceConnection: "conn-1"},
	}

	w := ts.request(t, "GET", "/api/tenants/tenant-1/busy", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	var resp struct {
		Busy []provider.BusySlot `json:"busy"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("bad body: %v", err)
	}
	if len(resp.Busy) != 1 || resp.Busy[0].Label != "Standup" {
		t.Errorf("busy = %+v", resp.Busy)
	}
}

func TestTenantBusyTimesBadRange(t *testing.T) {
	ts := newTestServer(t)

	w := ts.request(t, "GET", "/api/tenants/tenant-1/busy?from=not-a-time", "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}

	w = ts.request(t, "GET", "/api/tenants/tenant-1/busy?from=2026-03-10T12:00:00Z&to=2026-03-10T10:00:00Z", "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("inverted range status = %d, want 400", w.Code)
	}
}

func TestConnectionLogsLimitValidation(t *testing.T) {
	ts := newTestServer(t)
	conn := ts.connection(t, true)

	w := ts.request(t, "GET", "/api/connections/"+conn.ID+"/logs?limit=0", "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}

	w = ts.request(t, "GET", "/api/connections/"+conn.ID+"/logs?limit=25", "")
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

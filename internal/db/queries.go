package db

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// CreateConnection creates a new sync connection.
func (db *DB) CreateConnection(conn *SyncConnection) error {
	if conn.ID == "" {
		conn.ID = uuid.New().String()
	}
	conn.CreatedAt = time.Now().UTC()
	conn.UpdatedAt = conn.CreatedAt

	query := `INSERT INTO sync_connections (
		id, tenant_id, provider, credentials, calendar_id, server_url,
		is_active, last_sync_error, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := db.conn.Exec(query,
		conn.ID, conn.TenantID, conn.Provider, conn.Credentials,
		conn.CalendarID, conn.ServerURL, conn.IsActive,
		conn.LastSyncError, conn.CreatedAt, conn.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: active connection for this calendar already exists", ErrDuplicate)
		}
		return fmt.Errorf("failed to create connection: %w", err)
	}

	return nil
}

// GetConnectionByID returns a connection by its ID.
func (db *DB) GetConnectionByID(id string) (*SyncConnection, error) {
	query := connectionSelect + ` WHERE id = ?`
	return scanConnection(db.conn.QueryRow(query, id))
}

// GetActiveConnections returns all active connections.
func (db *DB) GetActiveConnections() ([]*SyncConnection, error) {
	query := connectionSelect + ` WHERE is_active = 1 ORDER BY created_at`
	return db.queryConnections(query)
}

// GetActiveConnectionsForTenant returns all active connections owned by a tenant.
func (db *DB) GetActiveConnectionsForTenant(tenantID string) ([]*SyncConnection, error) {
	query := connectionSelect + ` WHERE tenant_id = ? AND is_active = 1 ORDER BY created_at`
	return db.queryConnections(query, tenantID)
}

// ListConnections returns all connections, active or not.
func (db *DB) ListConnections() ([]*SyncConnection, error) {
	query := connectionSelect + ` ORDER BY created_at`
	return db.queryConnections(query)
}

// UpdateConnectionCredentials replaces the encrypted credential blob.
func (db *DB) UpdateConnectionCredentials(id, credentials string) error {
	query := `UPDATE sync_connections SET credentials = ?, updated_at = ? WHERE id = ?`
	return db.execExpectingRow(query, credentials, time.Now().UTC(), id)
}

// RecordConnectionSuccess stamps last_sync_at and clears any stored error.
func (db *DB) RecordConnectionSuccess(id string) error {
	now := time.Now().UTC()
	query := `UPDATE sync_connections SET last_sync_at = ?, last_sync_error = NULL, updated_at = ? WHERE id = ?`
	return db.execExpectingRow(query, now, now, id)
}

// RecordConnectionError stores the latest sync error on the connection.
func (db *DB) RecordConnectionError(id, message string) error {
	query := `UPDATE sync_connections SET last_sync_error = ?, updated_at = ? WHERE id = ?`
	return db.execExpectingRow(query, message, time.Now().UTC(), id)
}

// DeactivateConnection disables a connection and records the terminal error.
// Only the retry coordinator calls this automatically.
func (db *DB) DeactivateConnection(id, reason string) error {
	query := `UPDATE sync_connections SET is_active = 0, last_sync_error = ?, updated_at = ? WHERE id = ?`
	return db.execExpectingRow(query, reason, time.Now().UTC(), id)
}

// ClearStaleConnectionErrors clears last_sync_error on connections whose
// error predates the cutoff. Hygiene only: is_active is untouched.
func (db *DB) ClearStaleConnectionErrors(olderThan time.Time) (int64, error) {
	query := `UPDATE sync_connections SET last_sync_error = NULL, updated_at = ?
		WHERE last_sync_error IS NOT NULL AND updated_at < ?`

	result, err := db.conn.Exec(query, time.Now().UTC(), olderThan)
	if err != nil {
		return 0, fmt.Errorf("failed to clear stale connection errors: %w", err)
	}
	return result.RowsAffected()
}

// CreateAppointment creates a new appointment record.
func (db *DB) CreateAppointment(appt *Appointment) error {
	if appt.ID == "" {
		appt.ID = uuid.New().String()
	}
	if appt.Status == "" {
		appt.Status = AppointmentPending
	}
	appt.CreatedAt = time.Now().UTC()
	appt.UpdatedAt = appt.CreatedAt

	query := `INSERT INTO appointments (id, tenant_id, title, scheduled_start, duration_minutes, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := db.conn.Exec(query, appt.ID, appt.TenantID, appt.Title,
		appt.ScheduledStart.UTC(), appt.DurationMinutes, appt.Status, appt.CreatedAt, appt.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create appointment: %w", err)
	}

	return nil
}

// GetAppointmentByID returns an appointment by its ID.
func (db *DB) GetAppointmentByID(id string) (*Appointment, error) {
	query := `SELECT id, tenant_id, title, scheduled_start, duration_minutes, status, created_at, updated_at
		FROM appointments WHERE id = ?`

	appt := &Appointment{}
	err := db.conn.QueryRow(query, id).Scan(
		&appt.ID, &appt.TenantID, &appt.Title, &appt.ScheduledStart,
		&appt.DurationMinutes, &appt.Status, &appt.CreatedAt, &appt.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get appointment: %w", err)
	}

	return appt, nil
}

// UpdateAppointmentSchedule updates start and duration for an appointment.
func (db *DB) UpdateAppointmentSchedule(id string, start time.Time, durationMinutes int) error {
	query := `UPDATE appointments SET scheduled_start = ?, duration_minutes = ?, updated_at = ? WHERE id = ?`
	return db.execExpectingRow(query, start.UTC(), durationMinutes, time.Now().UTC(), id)
}

// UpdateAppointmentStatus updates the status of an appointment.
func (db *DB) UpdateAppointmentStatus(id string, status AppointmentStatus) error {
	query := `UPDATE appointments SET status = ?, updated_at = ? WHERE id = ?`
	return db.execExpectingRow(query, status, time.Now().UTC(), id)
}

// GetSyncableAppointments returns a tenant's non-cancelled appointments
// starting within [start, end), ordered by start time.
func (db *DB) GetSyncableAppointments(tenantID string, start, end time.Time) ([]*Appointment, error) {
	query := `SELECT id, tenant_id, title, scheduled_start, duration_minutes, status, created_at, updated_at
		FROM appointments
		WHERE tenant_id = ? AND status != ? AND scheduled_start >= ? AND scheduled_start < ?
		ORDER BY scheduled_start ASC`

	rows, err := db.conn.Query(query, tenantID, AppointmentCancelled, start.UTC(), end.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query appointments: %w", err)
	}
	defer rows.Close()

	var appointments []*Appointment
	for rows.Next() {
		appt := &Appointment{}
		if err := rows.Scan(
			&appt.ID, &appt.TenantID, &appt.Title, &appt.ScheduledStart,
			&appt.DurationMinutes, &appt.Status, &appt.CreatedAt, &appt.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan appointment: %w", err)
		}
		appointments = append(appointments, appt)
	}
	return appointments, rows.Err()
}

// UpsertEventLink creates or updates the external event id for an
// (appointment, connection) pair.
func (db *DB) UpsertEventLink(appointmentID, connectionID, externalEventID string) error {
	now := time.Now().UTC()

	query := `UPDATE external_event_links SET external_event_id = ?, updated_at = ?
		WHERE appointment_id = ? AND connection_id = ?`

	result, err := db.conn.Exec(query, externalEventID, now, appointmentID, connectionID)
	if err != nil {
		return fmt.Errorf("failed to update event link: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if affected == 0 {
		insertQuery := `INSERT INTO external_event_links (id, appointment_id, connection_id, external_event_id, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)`

		_, err = db.conn.Exec(insertQuery, uuid.New().String(), appointmentID, connectionID, externalEventID, now, now)
		if err != nil {
			return fmt.Errorf("failed to insert event link: %w", err)
		}
	}

	return nil
}

// GetEventLink returns the external event id link for an (appointment, connection) pair.
func (db *DB) GetEventLink(appointmentID, connectionID string) (*EventLink, error) {
	query := `SELECT id, appointment_id, connection_id, external_event_id, created_at, updated_at
		FROM external_event_links WHERE appointment_id = ? AND connection_id = ?`

	link := &EventLink{}
	err := db.conn.QueryRow(query, appointmentID, connectionID).Scan(
		&link.ID, &link.AppointmentID, &link.ConnectionID, &link.ExternalEventID,
		&link.CreatedAt, &link.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get event link: %w", err)
	}

	return link, nil
}

// GetEventLinksForConnection returns all event links held by a connection.
func (db *DB) GetEventLinksForConnection(connectionID string) ([]*EventLink, error) {
	query := `SELECT id, appointment_id, connection_id, external_event_id, created_at, updated_at
		FROM external_event_links WHERE connection_id = ?`

	rows, err := db.conn.Query(query, connectionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query event links: %w", err)
	}
	defer rows.Close()

	var links []*EventLink
	for rows.Next() {
		link := &EventLink{}
		err := rows.Scan(&link.ID, &link.AppointmentID, &link.ConnectionID,
			&link.ExternalEventID, &link.CreatedAt, &link.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event link: %w", err)
		}
		links = append(links, link)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating event links: %w", err)
	}

	return links, nil
}

// DeleteEventLink removes the link for an (appointment, connection) pair.
func (db *DB) DeleteEventLink(appointmentID, connectionID string) error {
	query := `DELETE FROM external_event_links WHERE appointment_id = ? AND connection_id = ?`

	_, err := db.conn.Exec(query, appointmentID, connectionID)
	if err != nil {
		return fmt.Errorf("failed to delete event link: %w", err)
	}

	return nil
}

// UpsertRetryItem creates a retry item or refreshes the stored error of an
// existing one. Attempt bookkeeping belongs to the drain cycle, not here.
func (db *DB) UpsertRetryItem(connectionID string, op Operation, appointmentID, lastError string) (*RetryItem, error) {
	now := time.Now().UTC()

	query := `UPDATE retry_items SET last_error = ?
		WHERE connection_id = ? AND operation = ? AND appointment_id = ?`

	result, err := db.conn.Exec(query, lastError, connectionID, op, appointmentID)
	if err != nil {
		return nil, fmt.Errorf("failed to update retry item: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if affected == 0 {
		insertQuery := `INSERT INTO retry_items (id, connection_id, operation, appointment_id, attempt_count, last_error, created_at)
			VALUES (?, ?, ?, ?, 0, ?, ?)`

		_, err = db.conn.Exec(insertQuery, uuid.New().String(), connectionID, op, appointmentID, lastError, now)
		if err != nil {
			return nil, fmt.Errorf("failed to insert retry item: %w", err)
		}
	}

	return db.GetRetryItem(connectionID, op, appointmentID)
}

// GetRetryItem returns one retry item by its logical key.
func (db *DB) GetRetryItem(connectionID string, op Operation, appointmentID string) (*RetryItem, error) {
	query := retryItemSelect + ` WHERE connection_id = ? AND operation = ? AND appointment_id = ?`

	item, err := scanRetryItem(db.conn.QueryRow(query, connectionID, op, appointmentID))
	if err != nil {
		return nil, err
	}
	return item, nil
}

// GetRetryItems returns the whole retry queue, oldest first.
func (db *DB) GetRetryItems() ([]*RetryItem, error) {
	query := retryItemSelect + ` ORDER BY created_at`

	rows, err := db.conn.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to query retry items: %w", err)
	}
	defer rows.Close()

	var items []*RetryItem
	for rows.Next() {
		item, err := scanRetryItemFromRows(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating retry items: %w", err)
	}

	return items, nil
}

// MarkRetryAttempt increments attempt_count and stamps last_attempt_at.
func (db *DB) MarkRetryAttempt(id, lastError string) error {
	query := `UPDATE retry_items SET attempt_count = attempt_count + 1, last_attempt_at = ?, last_error = ? WHERE id = ?`
	return db.execExpectingRow(query, time.Now().UTC(), lastError, id)
}

// UpdateRetryItemError refreshes the stored error without touching attempts.
func (db *DB) UpdateRetryItemError(id, lastError string) error {
	query := `UPDATE retry_items SET last_error = ? WHERE id = ?`
	return db.execExpectingRow(query, lastError, id)
}

// DeleteRetryItem removes a retry item from the queue.
func (db *DB) DeleteRetryItem(id string) error {
	query := `DELETE FROM retry_items WHERE id = ?`

	_, err := db.conn.Exec(query, id)
	if err != nil {
		return fmt.Errorf("failed to delete retry item: %w", err)
	}

	return nil
}

// CountRetryItems returns the size of the retry queue.
func (db *DB) CountRetryItems() (int, error) {
	var count int
	err := db.conn.QueryRow(`SELECT COUNT(*) FROM retry_items`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count retry items: %w", err)
	}
	return count, nil
}

// CreateSyncConflict records an external time divergence.
func (db *DB) CreateSyncConflict(conflict *SyncConflict) error {
	if conflict.ID == "" {
		conflict.ID = uuid.New().String()
	}
	conflict.DetectedAt = time.Now().UTC()

	query := `INSERT INTO sync_conflicts (id, connection_id, appointment_id, external_event_id, local_start, external_start, resolved, detected_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := db.conn.Exec(query, conflict.ID, conflict.ConnectionID, conflict.AppointmentID,
		conflict.ExternalEventID, conflict.LocalStart.UTC(), conflict.ExternalStart.UTC(),
		conflict.Resolved, conflict.DetectedAt)
	if err != nil {
		return fmt.Errorf("failed to create sync conflict: %w", err)
	}

	return nil
}

// HasUnresolvedConflict reports whether an unresolved conflict already
// exists for the (connection, appointment) pair.
func (db *DB) HasUnresolvedConflict(connectionID, appointmentID string) (bool, error) {
	query := `SELECT COUNT(*) FROM sync_conflicts WHERE connection_id = ? AND appointment_id = ? AND resolved = 0`

	var count int
	if err := db.conn.QueryRow(query, connectionID, appointmentID).Scan(&count); err != nil {
		return false, fmt.Errorf("failed to count sync conflicts: %w", err)
	}
	return count > 0, nil
}

// GetUnresolvedConflicts returns conflicts awaiting manual resolution.
func (db *DB) GetUnresolvedConflicts() ([]*SyncConflict, error) {
	query := `SELECT id, connection_id, appointment_id, external_event_id, local_start, external_start, resolved, detected_at
		FROM sync_conflicts WHERE resolved = 0 ORDER BY detected_at`

	rows, err := db.conn.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync conflicts: %w", err)
	}
	defer rows.Close()

	var conflicts []*SyncConflict
	for rows.Next() {
		c := &SyncConflict{}
		err := rows.Scan(&c.ID, &c.ConnectionID, &c.AppointmentID, &c.ExternalEventID,
			&c.LocalStart, &c.ExternalStart, &c.Resolved, &c.DetectedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sync conflict: %w", err)
		}
		conflicts = append(conflicts, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sync conflicts: %w", err)
	}

	return conflicts, nil
}

// ResolveSyncConflict marks a conflict as manually resolved.
func (db *DB) ResolveSyncConflict(id string) error {
	query := `UPDATE sync_conflicts SET resolved = 1 WHERE id = ?`
	return db.execExpectingRow(query, id)
}

// CreateSyncLog creates a new sync log entry.
func (db *DB) CreateSyncLog(entry *SyncLog) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	entry.CreatedAt = time.Now().UTC()

	query := `INSERT INTO sync_logs (id, connection_id, operation, success, message, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	_, err := db.conn.Exec(query, entry.ID, entry.ConnectionID, entry.Operation,
		entry.Success, entry.Message, entry.Duration.Milliseconds(), entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create sync log: %w", err)
	}

	return nil
}

// GetSyncLogs returns recent sync logs for a connection.
func (db *DB) GetSyncLogs(connectionID string, limit int) ([]*SyncLog, error) {
	query := `SELECT id, connection_id, operation, success, message, duration_ms, created_at
		FROM sync_logs WHERE connection_id = ? ORDER BY created_at DESC LIMIT ?`

	rows, err := db.conn.Query(query, connectionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync logs: %w", err)
	}
	defer rows.Close()

	var logs []*SyncLog
	for rows.Next() {
		entry := &SyncLog{}
		var durationMs int64
		var message sql.NullString
		err := rows.Scan(&entry.ID, &entry.ConnectionID, &entry.Operation,
			&entry.Success, &message, &durationMs, &entry.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sync log: %w", err)
		}
		entry.Message = message.String
		entry.Duration = time.Duration(durationMs) * time.Millisecond
		logs = append(logs, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sync logs: %w", err)
	}

	return logs, nil
}

// CleanOldSyncLogs deletes sync logs older than the given time.
func (db *DB) CleanOldSyncLogs(olderThan time.Time) (int64, error) {
	query := `DELETE FROM sync_logs WHERE created_at < ?`

	result, err := db.conn.Exec(query, olderThan)
	if err != nil {
		return 0, fmt.Errorf("failed to clean old sync logs: %w", err)
	}

	return result.RowsAffected()
}

const connectionSelect = `SELECT id, tenant_id, provider, credentials, calendar_id, server_url,
	is_active, last_sync_at, last_sync_error, created_at, updated_at FROM sync_connections`

const retryItemSelect = `SELECT id, connection_id, operation, appointment_id, attempt_count,
	last_attempt_at, last_error, created_at FROM retry_items`

// queryConnections runs a connection query and scans all rows.
func (db *DB) queryConnections(query string, args ...any) ([]*SyncConnection, error) {
	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query connections: %w", err)
	}
	defer rows.Close()

	var conns []*SyncConnection
	for rows.Next() {
		conn, err := scanConnectionFromRows(rows)
		if err != nil {
			return nil, err
		}
		conns = append(conns, conn)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating connections: %w", err)
	}

	return conns, nil
}

// execExpectingRow runs an UPDATE and maps zero affected rows to ErrNotFound.
func (db *DB) execExpectingRow(query string, args ...any) error {
	result, err := db.conn.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("exec failed: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}

	return nil
}

// scanConnection scans a single row into a SyncConnection.
func scanConnection(row *sql.Row) (*SyncConnection, error) {
	conn := &SyncConnection{}
	var lastSyncAt sql.NullTime
	var lastSyncError sql.NullString

	err := row.Scan(
		&conn.ID, &conn.TenantID, &conn.Provider, &conn.Credentials,
		&conn.CalendarID, &conn.ServerURL, &conn.IsActive,
		&lastSyncAt, &lastSyncError, &conn.CreatedAt, &conn.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan connection: %w", err)
	}

	if lastSyncAt.Valid {
		conn.LastSyncAt = &lastSyncAt.Time
	}
	conn.LastSyncError = lastSyncError.String

	return conn, nil
}

// scanConnectionFromRows scans a row from sql.Rows into a SyncConnection.
func scanConnectionFromRows(rows *sql.Rows) (*SyncConnection, error) {
	conn := &SyncConnection{}
	var lastSyncAt sql.NullTime
	var lastSyncError sql.NullString

	err := rows.Scan(
		&conn.ID, &conn.TenantID, &conn.Provider, &conn.Credentials,
		&conn.CalendarID, &conn.ServerURL, &conn.IsActive,
		&lastSyncAt, &lastSyncError, &conn.CreatedAt, &conn.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan connection: %w", err)
	}

	if lastSyncAt.Valid {
		conn.LastSyncAt = &lastSyncAt.Time
	}
	conn.LastSyncError = lastSyncError.String

	return conn, nil
}

// scanRetryItem scans a single row into a RetryItem.
func scanRetryItem(row *sql.Row) (*RetryItem, error) {
	item := &RetryItem{}
	var lastAttemptAt sql.NullTime

	err := row.Scan(&item.ID, &item.ConnectionID, &item.Operation, &item.AppointmentID,
		&item.AttemptCount, &lastAttemptAt, &item.LastError, &item.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan retry item: %w", err)
	}

	if lastAttemptAt.Valid {
		item.LastAttemptAt = &lastAttemptAt.Time
	}

	return item, nil
}

// scanRetryItemFromRows scans a row from sql.Rows into a RetryItem.
func scanRetryItemFromRows(rows *sql.Rows) (*RetryItem, error) {
	item := &RetryItem{}
	var lastAttemptAt sql.NullTime

	err := rows.Scan(&item.ID, &item.ConnectionID, &item.Operation, &item.AppointmentID,
		&item.AttemptCount, &lastAttemptAt, &item.LastError, &item.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to scan retry item: %w", err)
	}

	if lastAttemptAt.Valid {
		item.LastAttemptAt = &lastAttemptAt.Time
	}

	return item, nil
}

// isUniqueViolation checks if the error is a UNIQUE constraint violation.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "constraint violation")
}

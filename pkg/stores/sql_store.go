package stores

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/poncho/poncho/pkg/engine"
)

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// sqlStore is the backend-independent part of Store.
type sqlStore struct {
	db      *sql.DB
	dialect dialect
	now     func() time.Time
}

const eventColumns = `id, workflow, state, created_at, description, notes,
	begin_passive_drain_at, begin_active_drain_at, completed, completed_at,
	stuck, last_error, updated_at`

func (s *sqlStore) ready() error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return nil
}

// HealthCheck verifies the database is reachable.
func (s *sqlStore) HealthCheck(ctx context.Context) error {
	if err := s.ready(); err != nil {
		return err
	}
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *sqlStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// CreateEvent inserts event and links its hosts in one transaction. The
// event's ID and host IDs are filled in.
func (s *sqlStore) CreateEvent(ctx context.Context, event *engine.ServiceEvent) error {
	if err := s.ready(); err != nil {
		return err
	}
	if err := event.Validate(); err != nil {
		return err
	}
	if event.State == "" {
		event.State = engine.StateInitialized
	}
	now := s.now().UTC()
	if event.CreatedAt.IsZero() {
		event.CreatedAt = now
	}
	event.UpdatedAt = now

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for i := range event.Hosts {
		host, err := s.ensureHost(ctx, tx, event.Hosts[i].Name)
		if err != nil {
			return err
		}
		event.Hosts[i] = *host
	}

	query := s.dialect.rebind(`
		INSERT INTO service_events (
			workflow, state, created_at, description, notes,
			begin_passive_drain_at, begin_active_drain_at, completed, completed_at,
			stuck, last_error, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`)
	err = tx.QueryRowContext(ctx, query,
		event.Workflow,
		event.State,
		event.CreatedAt.UTC(),
		event.Description,
		event.Notes,
		event.BeginPassiveDrainAt.UTC(),
		event.BeginActiveDrainAt.UTC(),
		event.Completed,
		nullTime(event.CompletedAt),
		event.Stuck,
		event.LastError,
		event.UpdatedAt,
	).Scan(&event.ID)
	if err != nil {
		return fmt.Errorf("failed to create service event: %w", err)
	}

	link := s.dialect.rebind(`INSERT INTO service_events_to_hosts (service_event_id, host_id) VALUES (?, ?)`)
	seen := make(map[int64]bool, len(event.Hosts))
	for _, h := range event.Hosts {
		if seen[h.ID] {
			continue
		}
		seen[h.ID] = true
		if _, err := tx.ExecContext(ctx, link, event.ID, h.ID); err != nil {
			return fmt.Errorf("failed to link host %s: %w", h.Name, err)
		}
	}

	t := &engine.Transition{
		EventID: event.ID,
		ToState: event.State,
		Actor:   engine.ActorOperator,
		Reason:  "created",
		At:      now,
	}
	if err := appendTransition(ctx, tx, s.dialect, t); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit service event: %w", err)
	}
	return nil
}

// GetEvent loads one event with its hosts.
func (s *sqlStore) GetEvent(ctx context.Context, id int64) (*engine.ServiceEvent, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	return getEvent(ctx, s.db, s.dialect, id, "")
}

// ListEvents lists events matching filter, newest first.
func (s *sqlStore) ListEvents(ctx context.Context, filter EventFilter) ([]*engine.ServiceEvent, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}

	query := `SELECT ` + eventColumns + ` FROM service_events WHERE 1 = 1`
	var args []any
	if !filter.IncludeCompleted {
		query += ` AND completed = ?`
		args = append(args, false)
	}
	if filter.Workflow != "" {
		query += ` AND workflow = ?`
		args = append(args, filter.Workflow)
	}
	query += ` ORDER BY id DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}
	return s.listEvents(ctx, s.dialect.rebind(query), args...)
}

// ListIncomplete returns events that are neither completed nor stuck, oldest
// first.
func (s *sqlStore) ListIncomplete(ctx context.Context) ([]*engine.ServiceEvent, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	query := s.dialect.rebind(`SELECT ` + eventColumns + ` FROM service_events
		WHERE completed = ? AND stuck = ? ORDER BY id ASC`)
	return s.listEvents(ctx, query, false, false)
}

func (s *sqlStore) listEvents(ctx context.Context, query string, args ...any) ([]*engine.ServiceEvent, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list service events: %w", err)
	}
	defer rows.Close()

	events := []*engine.ServiceEvent{}
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan service event: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating service events: %w", err)
	}
	rows.Close()

	for _, ev := range events {
		hosts, err := loadHosts(ctx, s.db, s.dialect, ev.ID)
		if err != nil {
			return nil, err
		}
		ev.Hosts = hosts
	}
	return events, nil
}

// EnsureHost returns the host named name, creating it if needed.
func (s *sqlStore) EnsureHost(ctx context.Context, name string) (*engine.Host, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	return s.ensureHost(ctx, s.db, name)
}

func (s *sqlStore) ensureHost(ctx context.Context, q querier, name string) (*engine.Host, error) {
	if name == "" {
		return nil, engine.NewPermanentError("host name is required", nil).WithCode(engine.ErrCodeValidation)
	}
	insert := s.dialect.rebind(`INSERT INTO hosts (name) VALUES (?) ON CONFLICT (name) DO NOTHING`)
	if _, err := q.ExecContext(ctx, insert, name); err != nil {
		return nil, fmt.Errorf("failed to ensure host %s: %w", name, err)
	}
	host := &engine.Host{}
	query := s.dialect.rebind(`SELECT id, name FROM hosts WHERE name = ?`)
	if err := q.QueryRowContext(ctx, query, name).Scan(&host.ID, &host.Name); err != nil {
		return nil, fmt.Errorf("failed to load host %s: %w", name, err)
	}
	return host, nil
}

// ListTransitions returns an event's history, oldest first.
func (s *sqlStore) ListTransitions(ctx context.Context, eventID int64) ([]engine.Transition, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	query := s.dialect.rebind(`
		SELECT id, service_event_id, from_state, to_state, actor, reason, at
		FROM service_event_log
		WHERE service_event_id = ?
		ORDER BY id ASC
	`)
	rows, err := s.db.QueryContext(ctx, query, eventID)
	if err != nil {
		return nil, fmt.Errorf("failed to list transitions: %w", err)
	}
	defer rows.Close()

	out := []engine.Transition{}
	for rows.Next() {
		var t engine.Transition
		if err := rows.Scan(&t.ID, &t.EventID, &t.FromState, &t.ToState, &t.Actor, &t.Reason, &t.At); err != nil {
			return nil, fmt.Errorf("failed to scan transition: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transitions: %w", err)
	}
	return out, nil
}

// Unstick clears the stuck flag and last error of an incomplete event.
func (s *sqlStore) Unstick(ctx context.Context, id int64) error {
	if err := s.ready(); err != nil {
		return err
	}
	query := s.dialect.rebind(`UPDATE service_events SET stuck = ?, last_error = '', updated_at = ? WHERE id = ? AND completed = ?`)
	result, err := s.db.ExecContext(ctx, query, false, s.now().UTC(), id, false)
	if err != nil {
		return fmt.Errorf("failed to unstick service event: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		ev, err := s.GetEvent(ctx, id)
		if err != nil {
			return err
		}
		if ev.Completed {
			return eventCompleted(id)
		}
	}
	return nil
}

// BeginTx opens a transaction for one event step.
func (s *sqlStore) BeginTx(ctx context.Context) (engine.EventTx, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &sqlTx{tx: tx, dialect: s.dialect}, nil
}

// sqlTx implements engine.EventTx.
type sqlTx struct {
	tx      *sql.Tx
	dialect dialect
}

// LockForUpdate loads the event and holds its row lock until the
// transaction ends.
func (t *sqlTx) LockForUpdate(ctx context.Context, id int64) (*engine.ServiceEvent, error) {
	return getEvent(ctx, t.tx, t.dialect, id, t.dialect.forUpdate)
}

// Save persists mutable event fields. A completed row is never rewritten.
func (t *sqlTx) Save(ctx context.Context, event *engine.ServiceEvent) error {
	var completed bool
	check := t.dialect.rebind(`SELECT completed FROM service_events WHERE id = ?`)
	if err := t.tx.QueryRowContext(ctx, check, event.ID).Scan(&completed); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return eventNotFound(event.ID)
		}
		return fmt.Errorf("failed to check service event: %w", err)
	}
	if completed {
		return eventCompleted(event.ID)
	}
	if event.Completed && event.CompletedAt == nil {
		return engine.NewPermanentError("completed event has no completion time", nil).
			WithCode(engine.ErrCodeValidation).WithEvent(event.ID)
	}

	query := t.dialect.rebind(`
		UPDATE service_events
		SET state = ?, description = ?, notes = ?, completed = ?, completed_at = ?,
			stuck = ?, last_error = ?, updated_at = ?
		WHERE id = ?
	`)
	_, err := t.tx.ExecContext(ctx, query,
		event.State,
		event.Description,
		event.Notes,
		event.Completed,
		nullTime(event.CompletedAt),
		event.Stuck,
		event.LastError,
		event.UpdatedAt.UTC(),
		event.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to save service event: %w", err)
	}
	return nil
}

// MarkStuck flags the event and records reason as its last error.
func (t *sqlTx) MarkStuck(ctx context.Context, id int64, reason string) error {
	query := t.dialect.rebind(`UPDATE service_events SET stuck = ?, last_error = ?, updated_at = ? WHERE id = ? AND completed = ?`)
	result, err := t.tx.ExecContext(ctx, query, true, reason, time.Now().UTC(), id, false)
	if err != nil {
		return fmt.Errorf("failed to mark service event stuck: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return eventNotFound(id)
	}
	return nil
}

// AppendTransition writes one history entry.
func (t *sqlTx) AppendTransition(ctx context.Context, tr *engine.Transition) error {
	return appendTransition(ctx, t.tx, t.dialect, tr)
}

// GetInstance returns the stored notification record for uuid, or nil.
func (t *sqlTx) GetInstance(ctx context.Context, uuid string) (*engine.Instance, error) {
	query := t.dialect.rebind(`
		SELECT i.id, i.uuid, i.name, i.notified, i.notified_at, i.host_id, COALESCE(h.name, '')
		FROM instance i LEFT JOIN hosts h ON h.id = i.host_id
		WHERE i.uuid = ?
	`)
	inst := &engine.Instance{}
	var notifiedAt sql.NullTime
	var hostID sql.NullInt64
	err := t.tx.QueryRowContext(ctx, query, uuid).Scan(
		&inst.ID, &inst.UUID, &inst.Name, &inst.Notified, &notifiedAt, &hostID, &inst.Host,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get instance %s: %w", uuid, err)
	}
	inst.NotifiedAt = timePtr(notifiedAt)
	inst.HostID = hostID.Int64
	return inst, nil
}

// MarkNotified upserts the instance record with notified set.
func (t *sqlTx) MarkNotified(ctx context.Context, inst *engine.Instance, at time.Time) error {
	query := t.dialect.rebind(`
		INSERT INTO instance (uuid, name, host_id, notified, notified_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (uuid) DO UPDATE SET
			name = excluded.name,
			host_id = excluded.host_id,
			notified = excluded.notified,
			notified_at = excluded.notified_at
	`)
	hostID := sql.NullInt64{Int64: inst.HostID, Valid: inst.HostID != 0}
	if _, err := t.tx.ExecContext(ctx, query, inst.UUID, inst.Name, hostID, true, at.UTC()); err != nil {
		return fmt.Errorf("failed to mark instance %s notified: %w", inst.UUID, err)
	}
	return nil
}

// ResetNotified clears the notified flag and notice time of instances on
// the hosts.
func (t *sqlTx) ResetNotified(ctx context.Context, hostIDs []int64) error {
	if len(hostIDs) == 0 {
		return nil
	}
	args := make([]any, 0, len(hostIDs)+1)
	args = append(args, false)
	for _, id := range hostIDs {
		args = append(args, id)
	}
	query := t.dialect.rebind(`UPDATE instance SET notified = ?, notified_at = NULL WHERE host_id IN ` + in(len(hostIDs)))
	if _, err := t.tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to reset instance notifications: %w", err)
	}
	return nil
}

// Commit commits the transaction.
func (t *sqlTx) Commit() error {
	return t.tx.Commit()
}

// Rollback aborts the transaction. Rolling back a finished transaction is a
// no-op.
func (t *sqlTx) Rollback() error {
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return err
	}
	return nil
}

func getEvent(ctx context.Context, q querier, d dialect, id int64, suffix string) (*engine.ServiceEvent, error) {
	query := d.rebind(`SELECT ` + eventColumns + ` FROM service_events WHERE id = ?` + suffix)
	ev, err := scanEvent(q.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eventNotFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get service event: %w", err)
	}
	hosts, err := loadHosts(ctx, q, d, id)
	if err != nil {
		return nil, err
	}
	ev.Hosts = hosts
	return ev, nil
}

func loadHosts(ctx context.Context, q querier, d dialect, eventID int64) ([]engine.Host, error) {
	query := d.rebind(`
		SELECT h.id, h.name
		FROM hosts h JOIN service_events_to_hosts l ON l.host_id = h.id
		WHERE l.service_event_id = ?
		ORDER BY h.name ASC
	`)
	rows, err := q.QueryContext(ctx, query, eventID)
	if err != nil {
		return nil, fmt.Errorf("failed to load hosts: %w", err)
	}
	defer rows.Close()

	hosts := []engine.Host{}
	for rows.Next() {
		var h engine.Host
		if err := rows.Scan(&h.ID, &h.Name); err != nil {
			return nil, fmt.Errorf("failed to scan host: %w", err)
		}
		hosts = append(hosts, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating hosts: %w", err)
	}
	return hosts, nil
}

func appendTransition(ctx context.Context, q querier, d dialect, t *engine.Transition) error {
	query := d.rebind(`
		INSERT INTO service_event_log (service_event_id, from_state, to_state, actor, reason, at)
		VALUES (?, ?, ?, ?, ?, ?)
		RETURNING id
	`)
	err := q.QueryRowContext(ctx, query, t.EventID, t.FromState, t.ToState, t.Actor, t.Reason, t.At.UTC()).Scan(&t.ID)
	if err != nil {
		return fmt.Errorf("failed to append transition: %w", err)
	}
	return nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*engine.ServiceEvent, error) {
	ev := &engine.ServiceEvent{}
	var completedAt, updatedAt sql.NullTime
	err := row.Scan(
		&ev.ID,
		&ev.Workflow,
		&ev.State,
		&ev.CreatedAt,
		&ev.Description,
		&ev.Notes,
		&ev.BeginPassiveDrainAt,
		&ev.BeginActiveDrainAt,
		&ev.Completed,
		&completedAt,
		&ev.Stuck,
		&ev.LastError,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}
	ev.CompletedAt = timePtr(completedAt)
	if updatedAt.Valid {
		ev.UpdatedAt = updatedAt.Time
	}
	return ev, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func eventNotFound(id int64) error {
	return engine.NewPermanentError(fmt.Sprintf("service event %d not found", id), nil).
		WithCode(engine.ErrCodeNotFound).
		WithEvent(id)
}

func eventCompleted(id int64) error {
	return engine.NewConflictError(fmt.Sprintf("service event %d is already completed", id), nil).
		WithCode(engine.ErrCodeEventCompleted).
		WithEvent(id)
}

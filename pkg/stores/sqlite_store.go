package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"

	"github.com/openfroyo/modulefactory/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements engine.StateStore using SQLite.
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

var _ engine.StateStore = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store instance. Call Init and Migrate
// before use.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.Path == ":memory:" {
		// Every connection to :memory: is a separate database.
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{cfg: cfg}, nil
}

// Open creates, initializes and migrates a store in one call.
func Open(ctx context.Context, cfg Config) (*SQLiteStore, error) {
	s, err := NewSQLiteStore(cfg)
	if err != nil {
		return nil, err
	}
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := s.cfg.Path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_txlock=immediate"
	if s.cfg.Path != ":memory:" {
		dsn += "&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// HealthCheck verifies the database is reachable.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	return nil
}

// SaveInstance inserts or replaces an instance snapshot. A snapshot whose
// revision is lower than the stored row is ignored. Attempts carried on the
// snapshot are merged into the attempts table either way.
func (s *SQLiteStore) SaveInstance(ctx context.Context, instance *engine.WorkflowInstance) error {
	doc := *instance
	doc.Attempts = nil
	document, err := json.Marshal(&doc)
	if err != nil {
		return fmt.Errorf("failed to encode instance: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `
		INSERT INTO instances (id, state, worker_id, created_at, updated_at, revision, document)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			state = excluded.state,
			worker_id = excluded.worker_id,
			updated_at = excluded.updated_at,
			revision = excluded.revision,
			document = excluded.document
		WHERE excluded.revision >= instances.revision
	`
	if _, err := tx.ExecContext(ctx, query,
		instance.ID,
		string(instance.State),
		nullString(instance.WorkerID),
		instance.CreatedAt.UnixNano(),
		instance.UpdatedAt.UnixNano(),
		instance.Revision,
		string(document),
	); err != nil {
		return fmt.Errorf("failed to save instance: %w", err)
	}

	for _, a := range instance.Attempts {
		if err := insertAttempt(ctx, tx, instance.ID, a); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit instance: %w", err)
	}
	return nil
}

// GetInstance retrieves an instance with its attempts.
func (s *SQLiteStore) GetInstance(ctx context.Context, id string) (*engine.WorkflowInstance, error) {
	var document string
	err := s.db.QueryRowContext(ctx, `SELECT document FROM instances WHERE id = ?`, id).Scan(&document)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("instance %s: %w", id, engine.ErrInstanceNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get instance: %w", err)
	}

	inst, err := decodeInstance(document)
	if err != nil {
		return nil, err
	}

	attempts, err := s.listAttempts(ctx, id)
	if err != nil {
		return nil, err
	}
	inst.Attempts = attempts
	return inst, nil
}

// ListInstances lists instances newest first.
func (s *SQLiteStore) ListInstances(ctx context.Context, filter engine.InstanceFilter) ([]*engine.WorkflowInstance, error) {
	var (
		where []string
		args  []interface{}
	)
	if len(filter.States) > 0 {
		placeholders := make([]string, len(filter.States))
		for i, st := range filter.States {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "state IN ("+strings.Join(placeholders, ", ")+")")
	}

	query := `SELECT id, document FROM instances`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id"

	limit := filter.Limit
	if limit <= 0 {
		limit = -1
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, limit, filter.Offset)

	return s.queryInstances(ctx, query, args...)
}

// ListActiveInstances returns every non-terminal instance, oldest first.
func (s *SQLiteStore) ListActiveInstances(ctx context.Context) ([]*engine.WorkflowInstance, error) {
	query := `
		SELECT id, document FROM instances
		WHERE state NOT IN (?, ?)
		ORDER BY created_at, id
	`
	return s.queryInstances(ctx, query, string(engine.StateSucceeded), string(engine.StateFailed))
}

func (s *SQLiteStore) queryInstances(ctx context.Context, query string, args ...interface{}) ([]*engine.WorkflowInstance, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}
	defer rows.Close()

	instances := []*engine.WorkflowInstance{}
	for rows.Next() {
		var id, document string
		if err := rows.Scan(&id, &document); err != nil {
			return nil, fmt.Errorf("failed to scan instance: %w", err)
		}
		inst, err := decodeInstance(document)
		if err != nil {
			return nil, err
		}
		instances = append(instances, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating instances: %w", err)
	}
	// Close before issuing attempt queries on a single-connection pool.
	_ = rows.Close()

	for _, inst := range instances {
		if inst.Attempts, err = s.listAttempts(ctx, inst.ID); err != nil {
			return nil, err
		}
	}
	return instances, nil
}

// AppendAttempt records a dispatch attempt.
func (s *SQLiteStore) AppendAttempt(ctx context.Context, instanceID string, attempt engine.DispatchAttempt) error {
	return insertAttempt(ctx, s.db, instanceID, attempt)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func insertAttempt(ctx context.Context, db execer, instanceID string, a engine.DispatchAttempt) error {
	query := `
		INSERT INTO dispatch_attempts (instance_id, number, at, outcome, error, backoff_ns)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (instance_id, number) DO NOTHING
	`
	if _, err := db.ExecContext(ctx, query,
		instanceID,
		a.Number,
		a.At.UnixNano(),
		string(a.Outcome),
		nullString(a.Error),
		int64(a.Backoff),
	); err != nil {
		return fmt.Errorf("failed to record attempt: %w", err)
	}
	return nil
}

func (s *SQLiteStore) listAttempts(ctx context.Context, instanceID string) ([]engine.DispatchAttempt, error) {
	query := `
		SELECT number, at, outcome, error, backoff_ns
		FROM dispatch_attempts
		WHERE instance_id = ?
		ORDER BY number
	`
	rows, err := s.db.QueryContext(ctx, query, instanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list attempts: %w", err)
	}
	defer rows.Close()

	var attempts []engine.DispatchAttempt
	for rows.Next() {
		var (
			a       engine.DispatchAttempt
			at      int64
			outcome string
			errMsg  sql.NullString
			backoff int64
		)
		if err := rows.Scan(&a.Number, &at, &outcome, &errMsg, &backoff); err != nil {
			return nil, fmt.Errorf("failed to scan attempt: %w", err)
		}
		a.At = fromUnixNano(at)
		a.Outcome = engine.AttemptOutcome(outcome)
		a.Error = errMsg.String
		a.Backoff = time.Duration(backoff)
		attempts = append(attempts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating attempts: %w", err)
	}
	return attempts, nil
}

// AppendEvent records an audit event.
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *engine.Event) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}

	var data sql.NullString
	if len(event.Data) > 0 {
		b, err := json.Marshal(event.Data)
		if err != nil {
			return fmt.Errorf("failed to encode event data: %w", err)
		}
		data = sql.NullString{String: string(b), Valid: true}
	}

	query := `
		INSERT INTO events (id, instance_id, type, state, level, message, data, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	if _, err := s.db.ExecContext(ctx, query,
		event.ID,
		nullString(event.InstanceID),
		string(event.Type),
		nullString(string(event.State)),
		event.Level,
		event.Message,
		data,
		event.Timestamp.UnixNano(),
	); err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// ListEvents returns events in emission order. A positive limit keeps the
// most recent events.
func (s *SQLiteStore) ListEvents(ctx context.Context, instanceID string, limit int) ([]*engine.Event, error) {
	var (
		where string
		args  []interface{}
	)
	if instanceID != "" {
		where = "WHERE instance_id = ?"
		args = append(args, instanceID)
	}
	if limit <= 0 {
		limit = -1
	}
	args = append(args, limit)

	query := fmt.Sprintf(`
		SELECT id, instance_id, type, state, level, message, data, timestamp FROM (
			SELECT seq, id, instance_id, type, state, level, message, data, timestamp
			FROM events %s
			ORDER BY seq DESC
			LIMIT ?
		) ORDER BY seq
	`, where)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	events := []*engine.Event{}
	for rows.Next() {
		var (
			e         engine.Event
			inst      sql.NullString
			typ       string
			state     sql.NullString
			message   sql.NullString
			data      sql.NullString
			timestamp int64
		)
		if err := rows.Scan(&e.ID, &inst, &typ, &state, &e.Level, &message, &data, &timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.InstanceID = inst.String
		e.Type = engine.EventType(typ)
		e.State = engine.WorkflowState(state.String)
		e.Message = message.String
		e.Timestamp = fromUnixNano(timestamp)
		if data.Valid {
			if err := json.Unmarshal([]byte(data.String), &e.Data); err != nil {
				return nil, fmt.Errorf("failed to decode event data: %w", err)
			}
		}
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return events, nil
}

// AppendAudit records an audit entry.
func (s *SQLiteStore) AppendAudit(ctx context.Context, entry *AuditEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	query := `
		INSERT INTO audit (id, timestamp, actor, action, instance_id, outcome, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	if _, err := s.db.ExecContext(ctx, query,
		entry.ID,
		entry.Timestamp.UnixNano(),
		nullString(entry.Actor),
		entry.Action,
		nullString(entry.InstanceID),
		string(entry.Outcome),
		nullString(entry.Detail),
	); err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

// ListAudit returns audit entries oldest first, optionally for one instance.
func (s *SQLiteStore) ListAudit(ctx context.Context, instanceID string, limit int) ([]*AuditEntry, error) {
	query := `SELECT id, timestamp, actor, action, instance_id, outcome, detail FROM audit`
	var args []interface{}
	if instanceID != "" {
		query += " WHERE instance_id = ?"
		args = append(args, instanceID)
	}
	if limit <= 0 {
		limit = -1
	}
	query += " ORDER BY seq LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	entries := []*AuditEntry{}
	for rows.Next() {
		var (
			e         AuditEntry
			timestamp int64
			actor     sql.NullString
			inst      sql.NullString
			outcome   string
			detail    sql.NullString
		)
		if err := rows.Scan(&e.ID, &timestamp, &actor, &e.Action, &inst, &outcome, &detail); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		e.Timestamp = fromUnixNano(timestamp)
		e.Actor = actor.String
		e.InstanceID = inst.String
		e.Outcome = AuditOutcome(outcome)
		e.Detail = detail.String
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit entries: %w", err)
	}
	return entries, nil
}

// CountByState returns the number of instances in each state.
func (s *SQLiteStore) CountByState(ctx context.Context) (map[engine.WorkflowState]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM instances GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("failed to count instances: %w", err)
	}
	defer rows.Close()

	counts := make(map[engine.WorkflowState]int)
	for rows.Next() {
		var (
			state string
			n     int
		)
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[engine.WorkflowState(state)] = n
	}
	return counts, rows.Err()
}

func decodeInstance(document string) (*engine.WorkflowInstance, error) {
	var inst engine.WorkflowInstance
	if err := json.Unmarshal([]byte(document), &inst); err != nil {
		return nil, fmt.Errorf("failed to decode instance: %w", err)
	}
	return &inst, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func fromUnixNano(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

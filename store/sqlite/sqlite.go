/*
Package sqlite provides a SQLite-backed implementation of the storage
interfaces.

PURPOSE:
  Implements engine.RecordStore plus the master catalog and resource
  directory collaborators, so a single binary can run self-contained.
  In production the same patterns apply to PostgreSQL - only minor SQL
  dialect differences.

CONSTRAINT-BACKED INVARIANTS:
  The serial invariant is NOT enforced in Go. The partial unique index

    idx_unique_resource_day_serial
      ON allocations(resource_id, allocation_day, sr_no) WHERE is_deleted = 0

  is the source of truth: a racing insert that computed the same serial
  fails here and is mapped to engine.ErrConcurrencyConflict for the service
  to retry.

OPTIMISTIC UPDATES:
  Updates run as

    UPDATE allocations SET ..., revision = revision + 1
    WHERE id = ? AND revision = ?

  Zero rows affected on an existing record means a concurrent writer won;
  the caller gets engine.ErrConcurrencyConflict.

KEY TABLES:
  allocations:  One row per allocation record; edit history and the delete
                sub-record ride along as JSON columns
  locations:    Master rate/location catalog
  resources:    Resource directory with assignment grants

WAL MODE:
  SQLite is opened with WAL for better concurrency: multiple readers don't
  block, single writer at a time.

SEE ALSO:
  - engine/store.go: Interface contract
  - engine/store/memory.go: In-memory implementation mirroring the semantics
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/allocation-engine/engine"
)

// Store implements engine.RecordStore, engine.Catalog and engine.Directory.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a SQLite store. Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS allocations (
		id TEXT PRIMARY KEY,
		resource_id TEXT NOT NULL,
		sr_no INTEGER NOT NULL,
		allocation_date TEXT NOT NULL,
		allocation_day TEXT NOT NULL,
		logged_date TEXT NOT NULL,
		captured_at TEXT NOT NULL,
		day INTEGER NOT NULL,
		month INTEGER NOT NULL,
		year INTEGER NOT NULL,
		client TEXT NOT NULL,
		project TEXT NOT NULL,
		location_id TEXT NOT NULL,
		location_name TEXT NOT NULL,
		subproject_key TEXT NOT NULL,
		request_id TEXT,
		category TEXT NOT NULL,
		sub_category TEXT,
		remark TEXT,
		facility TEXT,
		count INTEGER NOT NULL DEFAULT 1,
		billing_rate TEXT NOT NULL,
		billing_amount TEXT NOT NULL,
		rate_at_logging TEXT NOT NULL,
		is_late INTEGER NOT NULL DEFAULT 0,
		days_late INTEGER NOT NULL DEFAULT 0,
		is_locked INTEGER NOT NULL DEFAULT 0,
		is_deleted INTEGER NOT NULL DEFAULT 0,
		deleted_at TEXT,
		deleted_by TEXT,
		has_pending_delete INTEGER NOT NULL DEFAULT 0,
		delete_request_json TEXT,
		edit_history_json TEXT,
		edit_count INTEGER NOT NULL DEFAULT 0,
		last_edited_at TEXT,
		revision INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL
	);

	-- CRITICAL: the serial invariant. Two racing creations that computed
	-- the same serial collide here; the loser retries with a fresh number.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_unique_resource_day_serial
		ON allocations(resource_id, allocation_day, sr_no)
		WHERE is_deleted = 0;

	CREATE INDEX IF NOT EXISTS idx_allocations_location_month
		ON allocations(subproject_key, month, year);

	CREATE INDEX IF NOT EXISTS idx_allocations_request
		ON allocations(request_id, client) WHERE request_id IS NOT NULL;

	CREATE INDEX IF NOT EXISTS idx_allocations_pending_delete
		ON allocations(has_pending_delete) WHERE has_pending_delete = 1;

	CREATE INDEX IF NOT EXISTS idx_allocations_resource_day
		ON allocations(resource_id, allocation_day);

	-- Master catalog
	CREATE TABLE IF NOT EXISTS locations (
		id TEXT PRIMARY KEY,
		client TEXT NOT NULL,
		project TEXT NOT NULL,
		name TEXT NOT NULL,
		business_key TEXT NOT NULL,
		flat_rate TEXT NOT NULL DEFAULT '0',
		flat_categories_json TEXT,
		rates_json TEXT,
		created_at TEXT NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_locations_key
		ON locations(business_key);

	-- Resource directory
	CREATE TABLE IF NOT EXISTS resources (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		email TEXT NOT NULL,
		assignments_json TEXT,
		created_at TEXT NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_resources_email
		ON resources(email);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// RECORD STORE (engine.RecordStore interface)
// =============================================================================

const allocationColumns = `
	id, resource_id, sr_no, allocation_date, allocation_day, logged_date,
	captured_at, day, month, year, client, project, location_id,
	location_name, subproject_key, request_id, category, sub_category,
	remark, facility, count, billing_rate, billing_amount, rate_at_logging,
	is_late, days_late, is_locked, is_deleted, deleted_at, deleted_by,
	has_pending_delete, delete_request_json, edit_history_json, edit_count,
	last_edited_at, revision, created_at`

// Insert persists a new record. The serial slot is claimed by the unique
// index; a collision maps to a retryable conflict.
func (s *Store) Insert(ctx context.Context, rec *engine.AllocationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleteJSON, historyJSON, err := marshalSubRecords(rec)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO allocations (` + allocationColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?,
		        ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		rec.ID, rec.ResourceID, rec.SrNo,
		rec.AllocationDate.Format(time.RFC3339),
		rec.AllocationDate.Format("2006-01-02"),
		rec.LoggedDate.Format(time.RFC3339),
		rec.SystemCapturedAt.Format(time.RFC3339),
		rec.Day, rec.Month, rec.Year,
		rec.Client, rec.Project, rec.LocationID, rec.LocationName, rec.SubprojectKey,
		nullString(rec.RequestID), rec.Category, nullString(rec.SubCategory),
		nullString(rec.Remark), nullString(rec.Facility), rec.Count,
		rec.BillingRate.String(), rec.BillingAmount.String(), rec.RateAtLogging.String(),
		boolInt(rec.IsLateLog), rec.DaysLate, boolInt(rec.IsLocked),
		boolInt(rec.IsDeleted), nullTime(rec.DeletedAt), nullString(rec.DeletedBy),
		boolInt(rec.HasPendingDeleteRequest), deleteJSON, historyJSON,
		rec.EditCount, nullTime(rec.LastEditedAt),
		rec.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		if isSerialConflict(err) {
			return &engine.ConflictError{RecordID: rec.ID, Op: "insert"}
		}
		return fmt.Errorf("failed to insert allocation: %w", err)
	}

	rec.Revision = 1
	return nil
}

// Get returns the record or engine.ErrNotFound.
func (s *Store) Get(ctx context.Context, id engine.RecordID) (*engine.AllocationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	recs, err := s.queryAllocations(ctx,
		`SELECT `+allocationColumns+` FROM allocations WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, engine.ErrNotFound
	}
	return recs[0], nil
}

// Update overwrites iff the revision matches, then bumps it.
func (s *Store) Update(ctx context.Context, rec *engine.AllocationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleteJSON, historyJSON, err := marshalSubRecords(rec)
	if err != nil {
		return err
	}

	query := `
		UPDATE allocations SET
			logged_date = ?, request_id = ?, category = ?, sub_category = ?,
			remark = ?, facility = ?, count = ?, billing_amount = ?,
			is_locked = ?, is_deleted = ?, deleted_at = ?, deleted_by = ?,
			has_pending_delete = ?, delete_request_json = ?,
			edit_history_json = ?, edit_count = ?, last_edited_at = ?,
			revision = revision + 1
		WHERE id = ? AND revision = ?
	`

	res, err := s.db.ExecContext(ctx, query,
		rec.LoggedDate.Format(time.RFC3339),
		nullString(rec.RequestID), rec.Category, nullString(rec.SubCategory),
		nullString(rec.Remark), nullString(rec.Facility), rec.Count,
		rec.BillingAmount.String(),
		boolInt(rec.IsLocked), boolInt(rec.IsDeleted),
		nullTime(rec.DeletedAt), nullString(rec.DeletedBy),
		boolInt(rec.HasPendingDeleteRequest), deleteJSON, historyJSON,
		rec.EditCount, nullTime(rec.LastEditedAt),
		rec.ID, rec.Revision,
	)
	if err != nil {
		return fmt.Errorf("failed to update allocation: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		var exists int
		if err := s.db.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM allocations WHERE id = ?", rec.ID).Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			return engine.ErrNotFound
		}
		return &engine.ConflictError{RecordID: rec.ID, Op: "update"}
	}

	rec.Revision++
	return nil
}

// Remove physically deletes the record.
func (s *Store) Remove(ctx context.Context, id engine.RecordID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, "DELETE FROM allocations WHERE id = ?", id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return engine.ErrNotFound
	}
	return nil
}

// MaxSerial returns the highest sr_no among non-deleted records in the day
// window, or 0.
func (s *Store) MaxSerial(ctx context.Context, resource engine.ResourceID, start, end time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var max int
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(sr_no), 0) FROM allocations
		WHERE resource_id = ? AND is_deleted = 0
		  AND allocation_day >= ? AND allocation_day <= ?`,
		resource, start.Format("2006-01-02"), end.Format("2006-01-02"),
	).Scan(&max)
	return max, err
}

// FindPrimary returns the non-deleted primary holder for requestID within
// scope, or nil.
func (s *Store) FindPrimary(ctx context.Context, requestID, client string, scope engine.DuplicateScope, primaryCategories []string, exclude engine.RecordID) (*engine.AllocationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(primaryCategories) == 0 {
		return nil, nil
	}

	query := `SELECT ` + allocationColumns + ` FROM allocations
		WHERE is_deleted = 0 AND LOWER(request_id) = LOWER(?)`
	args := []any{requestID}

	if scope == engine.ScopeClient {
		query += " AND LOWER(client) = LOWER(?)"
		args = append(args, client)
	}
	if exclude != "" {
		query += " AND id != ?"
		args = append(args, exclude)
	}

	placeholders := make([]string, len(primaryCategories))
	for i, c := range primaryCategories {
		placeholders[i] = "?"
		args = append(args, strings.ToLower(c))
	}
	query += " AND LOWER(category) IN (" + strings.Join(placeholders, ", ") + ") LIMIT 1"

	recs, err := s.queryAllocations(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, nil
	}
	return recs[0], nil
}

// ListByResourceDay returns non-deleted records for the resource in the day
// window, ordered by serial.
func (s *Store) ListByResourceDay(ctx context.Context, resource engine.ResourceID, start, end time.Time) ([]*engine.AllocationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryAllocations(ctx, `
		SELECT `+allocationColumns+` FROM allocations
		WHERE resource_id = ? AND is_deleted = 0
		  AND allocation_day >= ? AND allocation_day <= ?
		ORDER BY sr_no ASC`,
		resource, start.Format("2006-01-02"), end.Format("2006-01-02"))
}

// ListByLocationMonth returns non-deleted records for a business key in a
// month/year.
func (s *Store) ListByLocationMonth(ctx context.Context, key string, month, year int) ([]*engine.AllocationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryAllocations(ctx, `
		SELECT `+allocationColumns+` FROM allocations
		WHERE subproject_key = ? AND month = ? AND year = ? AND is_deleted = 0
		ORDER BY allocation_day ASC, sr_no ASC`,
		key, month, year)
}

// ListPendingDeletes returns the admin review queue, oldest request first.
func (s *Store) ListPendingDeletes(ctx context.Context) ([]*engine.AllocationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryAllocations(ctx, `
		SELECT `+allocationColumns+` FROM allocations
		WHERE has_pending_delete = 1
		ORDER BY json_extract(delete_request_json, '$.RequestedAt') ASC`)
}

func (s *Store) queryAllocations(ctx context.Context, query string, args ...any) ([]*engine.AllocationRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query allocations: %w", err)
	}
	defer rows.Close()

	var recs []*engine.AllocationRecord
	for rows.Next() {
		rec, err := scanAllocation(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func scanAllocation(rows *sql.Rows) (*engine.AllocationRecord, error) {
	var (
		rec                                  engine.AllocationRecord
		allocationDate, allocationDay        string
		loggedDate, capturedAt, createdAt    string
		requestID, subCategory               sql.NullString
		remark, facility                     sql.NullString
		billingRate, billingAmount, rateAtLn string
		isLate, isLocked, isDeleted, pending int
		deletedAt, deletedBy, lastEditedAt   sql.NullString
		deleteJSON, historyJSON              sql.NullString
	)

	err := rows.Scan(
		&rec.ID, &rec.ResourceID, &rec.SrNo, &allocationDate, &allocationDay,
		&loggedDate, &capturedAt, &rec.Day, &rec.Month, &rec.Year,
		&rec.Client, &rec.Project, &rec.LocationID, &rec.LocationName,
		&rec.SubprojectKey, &requestID, &rec.Category, &subCategory,
		&remark, &facility, &rec.Count, &billingRate, &billingAmount,
		&rateAtLn, &isLate, &rec.DaysLate, &isLocked, &isDeleted,
		&deletedAt, &deletedBy, &pending, &deleteJSON, &historyJSON,
		&rec.EditCount, &lastEditedAt, &rec.Revision, &createdAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan allocation: %w", err)
	}

	rec.AllocationDate, _ = time.Parse(time.RFC3339, allocationDate)
	rec.LoggedDate, _ = time.Parse(time.RFC3339, loggedDate)
	rec.SystemCapturedAt, _ = time.Parse(time.RFC3339, capturedAt)
	rec.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	rec.RequestID = requestID.String
	rec.SubCategory = subCategory.String
	rec.Remark = remark.String
	rec.Facility = facility.String
	rec.BillingRate = mustDecimal(billingRate)
	rec.BillingAmount = mustDecimal(billingAmount)
	rec.RateAtLogging = mustDecimal(rateAtLn)
	rec.IsLateLog = isLate != 0
	rec.IsLocked = isLocked != 0
	rec.IsDeleted = isDeleted != 0
	rec.HasPendingDeleteRequest = pending != 0
	rec.DeletedBy = deletedBy.String
	if deletedAt.Valid {
		rec.DeletedAt, _ = time.Parse(time.RFC3339, deletedAt.String)
	}
	if lastEditedAt.Valid {
		rec.LastEditedAt, _ = time.Parse(time.RFC3339, lastEditedAt.String)
	}
	if deleteJSON.Valid && deleteJSON.String != "" {
		var dr engine.DeleteRequest
		if err := json.Unmarshal([]byte(deleteJSON.String), &dr); err == nil {
			rec.DeleteRequest = &dr
		}
	}
	if historyJSON.Valid && historyJSON.String != "" {
		json.Unmarshal([]byte(historyJSON.String), &rec.EditHistory)
	}

	return &rec, nil
}

// =============================================================================
// MASTER CATALOG (engine.Catalog interface)
// =============================================================================

// SaveLocation upserts a catalog row. The business key is derived once and
// never recomputed for an existing row.
func (s *Store) SaveLocation(ctx context.Context, loc engine.Location) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := loc.BusinessKey()
	flatJSON, _ := json.Marshal(loc.FlatCategories)
	ratesJSON, _ := json.Marshal(loc.Rates)

	query := `
		INSERT INTO locations (id, client, project, name, business_key, flat_rate, flat_categories_json, rates_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			client = excluded.client,
			project = excluded.project,
			name = excluded.name,
			flat_rate = excluded.flat_rate,
			flat_categories_json = excluded.flat_categories_json,
			rates_json = excluded.rates_json
	`
	_, err := s.db.ExecContext(ctx, query,
		loc.ID, loc.Client, loc.Project, loc.Name, key,
		loc.FlatRate.String(), string(flatJSON), string(ratesJSON),
		time.Now().UTC().Format(time.RFC3339),
	)
	return err
}

// GetLocation retrieves a catalog row or engine.ErrNotFound.
func (s *Store) GetLocation(ctx context.Context, id engine.LocationID) (*engine.Location, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		loc                 engine.Location
		flatRate            string
		flatJSON, ratesJSON sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, client, project, name, business_key, flat_rate, flat_categories_json, rates_json
		FROM locations WHERE id = ?`, id,
	).Scan(&loc.ID, &loc.Client, &loc.Project, &loc.Name, &loc.Key, &flatRate, &flatJSON, &ratesJSON)

	if err == sql.ErrNoRows {
		return nil, engine.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	loc.FlatRate = mustDecimal(flatRate)
	if flatJSON.Valid && flatJSON.String != "" {
		json.Unmarshal([]byte(flatJSON.String), &loc.FlatCategories)
	}
	if ratesJSON.Valid && ratesJSON.String != "" {
		json.Unmarshal([]byte(ratesJSON.String), &loc.Rates)
	}
	return &loc, nil
}

// =============================================================================
// RESOURCE DIRECTORY (engine.Directory interface)
// =============================================================================

// SaveResource upserts a directory row.
func (s *Store) SaveResource(ctx context.Context, r engine.Resource) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	assignmentsJSON, _ := json.Marshal(r.Assignments)
	query := `
		INSERT INTO resources (id, name, email, assignments_json, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			email = excluded.email,
			assignments_json = excluded.assignments_json
	`
	_, err := s.db.ExecContext(ctx, query,
		r.ID, r.Name, r.Email, string(assignmentsJSON),
		time.Now().UTC().Format(time.RFC3339),
	)
	return err
}

// FindResourceByEmail returns nil (no error) when the email is unknown.
func (s *Store) FindResourceByEmail(ctx context.Context, email string) (*engine.Resource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		r               engine.Resource
		assignmentsJSON sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, email, assignments_json FROM resources
		WHERE LOWER(email) = LOWER(?)`, email,
	).Scan(&r.ID, &r.Name, &r.Email, &assignmentsJSON)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if assignmentsJSON.Valid && assignmentsJSON.String != "" {
		json.Unmarshal([]byte(assignmentsJSON.String), &r.Assignments)
	}
	return &r, nil
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, table := range []string{"allocations", "locations", "resources"} {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

func marshalSubRecords(rec *engine.AllocationRecord) (deleteJSON, historyJSON sql.NullString, err error) {
	if rec.DeleteRequest != nil {
		b, merr := json.Marshal(rec.DeleteRequest)
		if merr != nil {
			return deleteJSON, historyJSON, fmt.Errorf("failed to marshal delete request: %w", merr)
		}
		deleteJSON = sql.NullString{String: string(b), Valid: true}
	}
	if len(rec.EditHistory) > 0 {
		b, merr := json.Marshal(rec.EditHistory)
		if merr != nil {
			return deleteJSON, historyJSON, fmt.Errorf("failed to marshal edit history: %w", merr)
		}
		historyJSON = sql.NullString{String: string(b), Valid: true}
	}
	return deleteJSON, historyJSON, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: t.Format(time.RFC3339), Valid: true}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func mustDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func isSerialConflict(err error) bool {
	return err != nil && strings.Contains(err.Error(), "idx_unique_resource_day_serial")
}

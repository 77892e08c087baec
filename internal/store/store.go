// Package store owns persisted order records and is the sole authority
// over status transitions. Every transition writes all of its fields in
// a single conditional UPDATE, so the status/field invariants hold even
// under concurrent callers.
package store

import (
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/remfix/dispatchd/internal/category"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database holding the orders table.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending
// migrations. Pass ":memory:" as dataDir for an in-memory database
// (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "dispatchd.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	// Set busy timeout so concurrent access waits briefly instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	// Ensure schema_version table exists (bootstrap).
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	// Sort by filename to guarantee ascending order.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

const orderColumns = `id, requester_id, requester_name, category, description, contacts,
	status, master_id, master_name, created_at, completed_at`

// Create persists a new order in status "new" and returns its id.
func (s *Store) Create(o NewOrder) (int64, error) {
	res, err := s.db.Exec(`
		INSERT INTO orders (requester_id, requester_name, category, description, contacts, status, created_at)
		VALUES (?, ?, ?, ?, ?, 'new', ?)`,
		o.RequesterID, o.RequesterName, string(o.Category), o.Description, o.Contacts,
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("inserting order: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading new order id: %w", err)
	}
	return id, nil
}

// Get returns a single order by id.
func (s *Store) Get(id int64) (Order, error) {
	row := s.db.QueryRow(`SELECT `+orderColumns+` FROM orders WHERE id = ?`, id)
	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return Order{}, ErrNotFound
	}
	return o, err
}

// ListNew returns unclaimed orders oldest-first, so the queue is FIFO
// for masters. An empty categoryKey returns all new orders.
func (s *Store) ListNew(categoryKey category.Key) ([]Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE status = 'new'`
	args := []any{}
	if categoryKey != "" {
		query += ` AND category = ?`
		args = append(args, string(categoryKey))
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectOrders(rows)
}

// CountNew returns the number of unclaimed orders in a category, used
// for the category-menu badges. An empty categoryKey counts all.
func (s *Store) CountNew(categoryKey category.Key) (int, error) {
	query := `SELECT COUNT(*) FROM orders WHERE status = 'new'`
	args := []any{}
	if categoryKey != "" {
		query += ` AND category = ?`
		args = append(args, string(categoryKey))
	}
	var n int
	err := s.db.QueryRow(query, args...).Scan(&n)
	return n, err
}

// Stats returns aggregate order counts by status.
func (s *Store) Stats() (Stats, error) {
	var st Stats
	err := s.db.QueryRow(`
		SELECT COUNT(*),
			COALESCE(SUM(status = 'new'), 0),
			COALESCE(SUM(status = 'in_progress'), 0),
			COALESCE(SUM(status = 'completed'), 0)
		FROM orders`,
	).Scan(&st.Total, &st.New, &st.InProgress, &st.Completed)
	if err != nil {
		return Stats{}, fmt.Errorf("counting orders: %w", err)
	}
	return st, nil
}

// Claim transitions an order from "new" to "in_progress" and binds it
// to a master. The transition is a single conditional UPDATE guarding
// both the order status and the master's workload, so when two masters
// race for the same order exactly one wins, and a master can never hold
// two in-progress orders. Losers get ErrAlreadyClaimed or ErrMasterBusy
// and nothing is mutated.
func (s *Store) Claim(id, masterID int64, masterName string) error {
	res, err := s.db.Exec(`
		UPDATE orders SET status = 'in_progress', master_id = ?, master_name = ?
		WHERE id = ? AND status = 'new'
		AND NOT EXISTS (SELECT 1 FROM orders WHERE master_id = ? AND status = 'in_progress')`,
		masterID, masterName, id, masterID,
	)
	if err != nil {
		return fmt.Errorf("claiming order %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking claimed rows: %w", err)
	}
	if n == 1 {
		return nil
	}

	// The write did not land; the follow-up reads only refine the error.
	var status string
	err = s.db.QueryRow(`SELECT status FROM orders WHERE id = ?`, id).Scan(&status)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("inspecting order %d: %w", id, err)
	}
	if Status(status) != StatusNew {
		return ErrAlreadyClaimed
	}
	return ErrMasterBusy
}

// Complete transitions an order from "in_progress" to "completed" and
// records the completion time. The UPDATE is conditioned on both the
// status and the assigned master, so a stale or duplicate request
// cannot flip state it no longer owns. Completing an already-completed
// order returns ErrAlreadyCompleted, which callers report as a no-op.
func (s *Store) Complete(id, masterID int64) (time.Time, error) {
	now := time.Now().UTC()
	res, err := s.db.Exec(`
		UPDATE orders SET status = 'completed', completed_at = ?
		WHERE id = ? AND status = 'in_progress' AND master_id = ?`,
		now.Format(time.RFC3339Nano), id, masterID,
	)
	if err != nil {
		return time.Time{}, fmt.Errorf("completing order %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return time.Time{}, fmt.Errorf("checking completed rows: %w", err)
	}
	if n == 1 {
		return now, nil
	}

	var status string
	var assignee sql.NullInt64
	err = s.db.QueryRow(`SELECT status, master_id FROM orders WHERE id = ?`, id).Scan(&status, &assignee)
	if err == sql.ErrNoRows {
		return time.Time{}, ErrNotFound
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("inspecting order %d: %w", id, err)
	}
	if Status(status) == StatusCompleted {
		return time.Time{}, ErrAlreadyCompleted
	}
	return time.Time{}, ErrNotAssignee
}

// ActiveOrdersForMaster returns the in-progress orders assigned to a
// master. Used both to display the current job and to gate claiming a
// second one.
func (s *Store) ActiveOrdersForMaster(masterID int64) ([]Order, error) {
	rows, err := s.db.Query(`
		SELECT `+orderColumns+` FROM orders
		WHERE master_id = ? AND status = 'in_progress'
		ORDER BY id ASC`, masterID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectOrders(rows)
}

// CompletedOrders returns completed orders newest-first. A limit <= 0
// returns all of them.
func (s *Store) CompletedOrders(limit int) ([]Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE status = 'completed' ORDER BY completed_at DESC, id DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectOrders(rows)
}

// MasterCompletionTallies returns the number of completed orders per
// master, busiest first. Feeds the finance report.
func (s *Store) MasterCompletionTallies() ([]MasterTally, error) {
	rows, err := s.db.Query(`
		SELECT master_id, master_name, COUNT(*) FROM orders
		WHERE status = 'completed'
		GROUP BY master_id, master_name
		ORDER BY COUNT(*) DESC, master_id ASC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tallies []MasterTally
	for rows.Next() {
		var t MasterTally
		var name sql.NullString
		if err := rows.Scan(&t.MasterID, &name, &t.Completed); err != nil {
			return nil, err
		}
		t.MasterName = name.String
		tallies = append(tallies, t)
	}
	return tallies, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (Order, error) {
	var o Order
	var cat, createdAt string
	var masterID sql.NullInt64
	var masterName, completedAt sql.NullString
	err := row.Scan(
		&o.ID, &o.RequesterID, &o.RequesterName, &cat, &o.Description, &o.Contacts,
		&o.Status, &masterID, &masterName, &createdAt, &completedAt,
	)
	if err != nil {
		return Order{}, err
	}
	o.Category = category.Key(cat)
	o.MasterID = masterID.Int64
	o.MasterName = masterName.String
	if o.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return Order{}, fmt.Errorf("parsing created_at for order %d: %w", o.ID, err)
	}
	if completedAt.Valid {
		if o.CompletedAt, err = time.Parse(time.RFC3339Nano, completedAt.String); err != nil {
			return Order{}, fmt.Errorf("parsing completed_at for order %d: %w", o.ID, err)
		}
	}
	return o, nil
}

func collectOrders(rows *sql.Rows) ([]Order, error) {
	var orders []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// Package storage provides SQL-backed persistence for alerts and user contacts.
// SQLite (modernc) is the default; Postgres is supported through lib/pq.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/rewired-gh/ratealert/internal/models"
	_ "modernc.org/sqlite"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// ErrNotFound is returned by lookups that match no row.
var ErrNotFound = errors.New("not found")

// Storage wraps a SQL database holding the alerts and contacts tables.
type Storage struct {
	db     *sql.DB
	driver string
}

// New opens or creates the database. For sqlite an empty dsn defaults to
// $TMPDIR/ratealert/data.db and ":memory:" gives a private in-memory database.
func New(driver, dsn string) (*Storage, error) {
	switch driver {
	case DriverSQLite:
		return openSQLite(dsn)
	case DriverPostgres:
		return openPostgres(dsn)
	default:
		return nil, fmt.Errorf("unsupported driver %q", driver)
	}
}

func openSQLite(dbPath string) (*Storage, error) {
	if dbPath == "" {
		dbPath = filepath.Join(os.TempDir(), "ratealert", "data.db")
	}
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1) // single writer; WAL allows concurrent readers
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}
	s := &Storage{db: db, driver: DriverSQLite}
	if err := s.createTables(); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func openPostgres(dsn string) (*Storage, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}

	s := &Storage{db: db, driver: DriverPostgres}
	if err := s.createTables(); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

// Column types are chosen to mean the same thing in both SQLite and Postgres.
func (s *Storage) createTables() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS alerts (
			id              TEXT PRIMARY KEY,
			user_id         TEXT NOT NULL,
			base_currency   TEXT NOT NULL,
			target_currency TEXT NOT NULL,
			condition       TEXT NOT NULL CHECK (condition IN ('above', 'below')),
			target_price    DOUBLE PRECISION NOT NULL,
			created_at      BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_user_id ON alerts(user_id)`,
		`CREATE TABLE IF NOT EXISTS contacts (
			user_id         TEXT PRIMARY KEY,
			delivery_token  TEXT NOT NULL DEFAULT '',
			updated_at      BIGINT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// rebind rewrites '?' placeholders to '$n' for Postgres.
func (s *Storage) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// CreateAlert stores a new alert. An empty ID is filled with a random UUID and a
// zero CreatedAt with the current time; the stored alert is returned.
func (s *Storage) CreateAlert(ctx context.Context, alert models.Alert) (models.Alert, error) {
	if alert.ID == "" {
		alert.ID = uuid.NewString()
	}
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = time.Now()
	}
	alert.BaseCurrency = strings.ToUpper(alert.BaseCurrency)
	alert.TargetCurrency = strings.ToUpper(alert.TargetCurrency)
	if err := alert.Validate(); err != nil {
		return models.Alert{}, fmt.Errorf("invalid alert: %w", err)
	}

	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO alerts
			(id, user_id, base_currency, target_currency, condition, target_price, created_at)
		VALUES (?,?,?,?,?,?,?)`),
		alert.ID, alert.UserID, alert.BaseCurrency, alert.TargetCurrency,
		string(alert.Condition), alert.TargetPrice, alert.CreatedAt.UnixNano(),
	)
	if err != nil {
		return models.Alert{}, fmt.Errorf("failed to insert alert: %w", err)
	}
	return alert, nil
}

// ListAlerts returns every pending alert, oldest first.
func (s *Storage) ListAlerts(ctx context.Context) ([]models.Alert, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+alertCols+` FROM alerts ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query alerts: %w", err)
	}
	defer rows.Close()

	alerts := []models.Alert{}
	for rows.Next() {
		a, err := scanAlert(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		alerts = append(alerts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate alerts: %w", err)
	}
	return alerts, nil
}

// GetAlert returns the alert with the given id or ErrNotFound.
func (s *Storage) GetAlert(ctx context.Context, id string) (models.Alert, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+alertCols+` FROM alerts WHERE id = ?`), id)
	a, err := scanAlert(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Alert{}, fmt.Errorf("alert %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Alert{}, fmt.Errorf("failed to get alert: %w", err)
	}
	return a, nil
}

// DeleteAlert removes the alert by id. Deleting an alert that does not exist
// succeeds, so a retried or concurrent delete is harmless.
func (s *Storage) DeleteAlert(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM alerts WHERE id = ?`), id); err != nil {
		return fmt.Errorf("failed to delete alert: %w", err)
	}
	return nil
}

// SetContact upserts the delivery token for a user. An empty token clears it.
func (s *Storage) SetContact(ctx context.Context, userID, token string) error {
	if userID == "" {
		return errors.New("user ID must not be empty")
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO contacts (user_id, delivery_token, updated_at)
		VALUES (?,?,?)
		ON CONFLICT (user_id) DO UPDATE SET
			delivery_token = excluded.delivery_token,
			updated_at = excluded.updated_at`),
		userID, token, time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to save contact: %w", err)
	}
	return nil
}

// GetContact returns the contact for userID. The bool is false when no record exists.
func (s *Storage) GetContact(ctx context.Context, userID string) (models.Contact, bool, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT user_id, delivery_token, updated_at FROM contacts WHERE user_id = ?`), userID)

	var c models.Contact
	var updatedAtNano int64
	err := row.Scan(&c.UserID, &c.DeliveryToken, &updatedAtNano)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Contact{}, false, nil
	}
	if err != nil {
		return models.Contact{}, false, fmt.Errorf("failed to get contact: %w", err)
	}
	c.UpdatedAt = time.Unix(0, updatedAtNano)
	return c, true, nil
}

const alertCols = `id, user_id, base_currency, target_currency, condition, target_price, created_at`

func scanAlert(scan func(...any) error) (models.Alert, error) {
	var a models.Alert
	var condition string
	var createdAtNano int64
	err := scan(
		&a.ID, &a.UserID, &a.BaseCurrency, &a.TargetCurrency,
		&condition, &a.TargetPrice, &createdAtNano,
	)
	if err != nil {
		return models.Alert{}, err
	}
	a.Condition = models.Condition(condition)
	a.CreatedAt = time.Unix(0, createdAtNano)
	return a, nil
}

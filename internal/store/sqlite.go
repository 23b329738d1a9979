package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"go.uber.org/zap"

	"stockwatch/internal/models"
)

// SQLiteStore implements the Store interface using SQLite with the go-sqlite3
// driver. A single connection serializes all writes, which also makes the
// read-decide-write upsert of availability rows atomic per key.
type SQLiteStore struct {
	db             *sql.DB
	debounceWindow time.Duration
	logger         *zap.Logger
}

// Ensure SQLiteStore satisfies the Store interface at compile time.
var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) a SQLite database at dbPath, applies
// PRAGMAs for WAL mode, incremental auto-vacuum, foreign keys, and a busy
// timeout, then creates the schema if it does not already exist.
func NewSQLiteStore(dbPath string, debounceWindow time.Duration, logger *zap.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	// Limit to a single connection so WAL mode works correctly for an
	// embedded database and we avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{
		db:             db,
		debounceWindow: debounceWindow,
		logger:         logger,
	}

	if err := s.applyPragmas(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	logger.Info("SQLite database initialised",
		zap.String("path", dbPath),
		zap.Duration("debounce_window", debounceWindow),
	)
	return s, nil
}

// applyPragmas sets the SQLite PRAGMAs required for correct operation.
func (s *SQLiteStore) applyPragmas() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA auto_vacuum=INCREMENTAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("pragma %q: %w", p, err)
		}
	}
	return nil
}

// createSchema creates all tables and supporting indexes.
func (s *SQLiteStore) createSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS availability (
    model        INTEGER NOT NULL,
    datacenter   TEXT NOT NULL,
    status       TEXT NOT NULL,
    last_checked TEXT NOT NULL,
    last_changed TEXT,
    PRIMARY KEY (model, datacenter)
);`,
		`CREATE TABLE IF NOT EXISTS availability_history (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    model      INTEGER NOT NULL,
    datacenter TEXT NOT NULL,
    old_status TEXT NOT NULL,
    new_status TEXT NOT NULL,
    changed_at TEXT NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS subscriptions (
    user_id           TEXT NOT NULL,
    email             TEXT NOT NULL,
    unsubscribe_token TEXT NOT NULL DEFAULT '',
    model             INTEGER NOT NULL,
    datacenter        TEXT NOT NULL,
    active            INTEGER NOT NULL DEFAULT 1,
    verified          INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (user_id, model, datacenter)
);`,
		`CREATE TABLE IF NOT EXISTS notifications (
    id              TEXT PRIMARY KEY,
    user_id         TEXT NOT NULL,
    email           TEXT NOT NULL,
    model           INTEGER NOT NULL,
    datacenter      TEXT NOT NULL,
    status_change   TEXT NOT NULL,
    created_at      TEXT NOT NULL,
    sent_at         TEXT,
    failed_attempts INTEGER NOT NULL DEFAULT 0
);`,
		`CREATE INDEX IF NOT EXISTS idx_history_key ON availability_history (model, datacenter, changed_at);`,
		`CREATE INDEX IF NOT EXISTS idx_subscriptions_key ON subscriptions (model, datacenter, active, verified);`,
		`CREATE INDEX IF NOT EXISTS idx_notifications_triple ON notifications (user_id, model, datacenter, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_notifications_pending ON notifications (sent_at, failed_attempts, created_at);`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping verifies the database connection is alive.
func (s *SQLiteStore) Ping() error {
	return s.db.Ping()
}

// UpsertAvailability applies one observation inside a transaction:
//   - no current row: insert with last_changed=now, report changed=true;
//   - same status: touch last_checked only, report changed=false;
//   - differing status within the debounce window of the last accepted
//     change: reject the flip (anti-flap), touch last_checked only;
//   - otherwise accept the flip, append a history row, and report the
//     prior status.
func (s *SQLiteStore) UpsertAvailability(model int, datacenter, status string) (bool, string, error) {
	now := time.Now().UTC()

	tx, err := s.db.Begin()
	if err != nil {
		return false, "", fmt.Errorf("begin upsert: %w", err)
	}
	defer tx.Rollback()

	var current string
	var lastChanged sql.NullString
	err = tx.QueryRow(
		`SELECT status, last_changed FROM availability WHERE model = ? AND datacenter = ?`,
		model, datacenter,
	).Scan(&current, &lastChanged)

	switch {
	case err == sql.ErrNoRows:
		_, err = tx.Exec(
			`INSERT INTO availability (model, datacenter, status, last_checked, last_changed) VALUES (?, ?, ?, ?, ?)`,
			model, datacenter, status, now.Format(time.RFC3339), now.Format(time.RFC3339),
		)
		if err != nil {
			return false, "", fmt.Errorf("insert availability: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return false, "", fmt.Errorf("commit upsert: %w", err)
		}
		return true, "", nil

	case err != nil:
		return false, "", fmt.Errorf("read availability: %w", err)
	}

	if status == current {
		if _, err := tx.Exec(
			`UPDATE availability SET last_checked = ? WHERE model = ? AND datacenter = ?`,
			now.Format(time.RFC3339), model, datacenter,
		); err != nil {
			return false, "", fmt.Errorf("touch availability: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return false, "", fmt.Errorf("commit upsert: %w", err)
		}
		return false, current, nil
	}

	// The status differs; check the anti-flap debounce against the last
	// accepted change.
	if lastChanged.Valid {
		changedAt, parseErr := time.Parse(time.RFC3339, lastChanged.String)
		if parseErr == nil && now.Sub(changedAt) < s.debounceWindow {
			if _, err := tx.Exec(
				`UPDATE availability SET last_checked = ? WHERE model = ? AND datacenter = ?`,
				now.Format(time.RFC3339), model, datacenter,
			); err != nil {
				return false, "", fmt.Errorf("touch availability: %w", err)
			}
			if err := tx.Commit(); err != nil {
				return false, "", fmt.Errorf("commit upsert: %w", err)
			}
			s.logger.Debug("rejected flapping status change",
				zap.Int("model", model),
				zap.String("datacenter", datacenter),
				zap.String("current", current),
				zap.String("observed", status),
			)
			return false, current, nil
		}
	}

	if _, err := tx.Exec(
		`UPDATE availability SET status = ?, last_checked = ?, last_changed = ? WHERE model = ? AND datacenter = ?`,
		status, now.Format(time.RFC3339), now.Format(time.RFC3339), model, datacenter,
	); err != nil {
		return false, "", fmt.Errorf("update availability: %w", err)
	}
	if _, err := tx.Exec(
		`INSERT INTO availability_history (model, datacenter, old_status, new_status, changed_at) VALUES (?, ?, ?, ?, ?)`,
		model, datacenter, current, status, now.Format(time.RFC3339),
	); err != nil {
		return false, "", fmt.Errorf("insert history: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, "", fmt.Errorf("commit upsert: %w", err)
	}
	return true, current, nil
}

// GetAllAvailability returns every tracked availability row.
func (s *SQLiteStore) GetAllAvailability() ([]*models.AvailabilityRecord, error) {
	rows, err := s.db.Query(
		`SELECT model, datacenter, status, last_checked, last_changed FROM availability ORDER BY model, datacenter`,
	)
	if err != nil {
		return nil, fmt.Errorf("query availability: %w", err)
	}
	defer rows.Close()

	var results []*models.AvailabilityRecord
	for rows.Next() {
		var rec models.AvailabilityRecord
		var lastChecked string
		var lastChanged sql.NullString

		if err := rows.Scan(&rec.Model, &rec.Datacenter, &rec.Status, &lastChecked, &lastChanged); err != nil {
			return nil, fmt.Errorf("scan availability: %w", err)
		}

		rec.LastChecked, err = time.Parse(time.RFC3339, lastChecked)
		if err != nil {
			return nil, fmt.Errorf("parse last_checked: %w", err)
		}
		rec.LastChanged, err = parseNullableTime(lastChanged)
		if err != nil {
			return nil, fmt.Errorf("parse last_changed: %w", err)
		}

		results = append(results, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return results, nil
}

// GetActiveSubscribers returns the active, verified subscribers of one
// (model, datacenter) pair.
func (s *SQLiteStore) GetActiveSubscribers(model int, datacenter string) ([]*models.Subscriber, error) {
	rows, err := s.db.Query(
		`SELECT user_id, email, unsubscribe_token, model, datacenter, active, verified
FROM subscriptions
WHERE model = ? AND datacenter = ? AND active = 1 AND verified = 1`,
		model, datacenter,
	)
	if err != nil {
		return nil, fmt.Errorf("query subscribers: %w", err)
	}
	defer rows.Close()

	var results []*models.Subscriber
	for rows.Next() {
		var sub models.Subscriber
		var active, verified int
		if err := rows.Scan(&sub.UserID, &sub.Email, &sub.UnsubscribeToken, &sub.Model, &sub.Datacenter, &active, &verified); err != nil {
			return nil, fmt.Errorf("scan subscriber: %w", err)
		}
		sub.Active = active != 0
		sub.Verified = verified != 0
		results = append(results, &sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return results, nil
}

// UpsertSubscriber creates or replaces one subscription row.
func (s *SQLiteStore) UpsertSubscriber(sub *models.Subscriber) error {
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO subscriptions (user_id, email, unsubscribe_token, model, datacenter, active, verified)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sub.UserID, sub.Email, sub.UnsubscribeToken, sub.Model, sub.Datacenter,
		boolToInt(sub.Active), boolToInt(sub.Verified),
	)
	if err != nil {
		return fmt.Errorf("upsert subscriber: %w", err)
	}
	return nil
}

// InsertNotification persists one new pending notification.
func (s *SQLiteStore) InsertNotification(n *models.PendingNotification) error {
	_, err := s.db.Exec(
		`INSERT INTO notifications (id, user_id, email, model, datacenter, status_change, created_at, sent_at, failed_attempts)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.UserID, n.Email, n.Model, n.Datacenter, n.StatusChange,
		n.CreatedAt.UTC().Format(time.RFC3339), formatNullableTime(n.SentAt), n.FailedAttempts,
	)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

// GetNotificationsSince returns all notification rows for one triple created
// at or after the given time, newest first.
func (s *SQLiteStore) GetNotificationsSince(userID string, model int, datacenter string, since time.Time) ([]*models.PendingNotification, error) {
	const query = `SELECT id, user_id, email, model, datacenter, status_change, created_at, sent_at, failed_attempts
FROM notifications
WHERE user_id = ? AND model = ? AND datacenter = ? AND created_at >= ?
ORDER BY created_at DESC`

	return s.queryNotifications(query, userID, model, datacenter, since.UTC().Format(time.RFC3339))
}

// HasUnsentNotification reports whether an unsent, not-yet-failed-out row
// already exists for the triple.
func (s *SQLiteStore) HasUnsentNotification(userID string, model int, datacenter string, maxAttempts int) (bool, error) {
	var count int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM notifications
WHERE user_id = ? AND model = ? AND datacenter = ? AND sent_at IS NULL AND failed_attempts < ?`,
		userID, model, datacenter, maxAttempts,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("count unsent notifications: %w", err)
	}
	return count > 0, nil
}

// GetPendingDigests groups pending notifications into one digest per user.
// Users are selected oldest pending work first, up to maxUsers; each digest
// carries all of the user's pending rows along with the unsubscribe token
// from any of the user's subscriptions.
func (s *SQLiteStore) GetPendingDigests(maxUsers, maxAttempts int) ([]*models.EmailDigest, error) {
	userRows, err := s.db.Query(
		`SELECT user_id, MIN(created_at) AS oldest FROM notifications
WHERE sent_at IS NULL AND failed_attempts < ?
GROUP BY user_id
ORDER BY oldest ASC
LIMIT ?`,
		maxAttempts, maxUsers,
	)
	if err != nil {
		return nil, fmt.Errorf("query pending users: %w", err)
	}
	defer userRows.Close()

	var userIDs []string
	for userRows.Next() {
		var userID, oldest string
		if err := userRows.Scan(&userID, &oldest); err != nil {
			return nil, fmt.Errorf("scan pending user: %w", err)
		}
		userIDs = append(userIDs, userID)
	}
	if err := userRows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}

	digests := make([]*models.EmailDigest, 0, len(userIDs))
	for _, userID := range userIDs {
		notifications, err := s.queryNotifications(
			`SELECT id, user_id, email, model, datacenter, status_change, created_at, sent_at, failed_attempts
FROM notifications
WHERE user_id = ? AND sent_at IS NULL AND failed_attempts < ?
ORDER BY created_at ASC`,
			userID, maxAttempts,
		)
		if err != nil {
			return nil, err
		}
		if len(notifications) == 0 {
			continue
		}

		digest := &models.EmailDigest{
			UserID:        userID,
			Email:         notifications[0].Email,
			Notifications: notifications,
		}

		var token sql.NullString
		err = s.db.QueryRow(
			`SELECT unsubscribe_token FROM subscriptions WHERE user_id = ? LIMIT 1`, userID,
		).Scan(&token)
		if err != nil && err != sql.ErrNoRows {
			return nil, fmt.Errorf("query unsubscribe token: %w", err)
		}
		if token.Valid {
			digest.UnsubscribeToken = token.String
		}

		digests = append(digests, digest)
	}
	return digests, nil
}

// MarkNotificationsSent sets sent_at on the given notification rows.
func (s *SQLiteStore) MarkNotificationsSent(ids []string, sentAt time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	query, args := inClause(
		`UPDATE notifications SET sent_at = ? WHERE id IN`,
		sentAt.UTC().Format(time.RFC3339), ids,
	)
	if _, err := s.db.Exec(query, args...); err != nil {
		return fmt.Errorf("mark notifications sent: %w", err)
	}
	return nil
}

// IncrementNotificationAttempts bumps failed_attempts on the given rows.
func (s *SQLiteStore) IncrementNotificationAttempts(ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	query, args := inClause(
		`UPDATE notifications SET failed_attempts = failed_attempts + 1 WHERE id IN`,
		nil, ids,
	)
	if _, err := s.db.Exec(query, args...); err != nil {
		return fmt.Errorf("increment notification attempts: %w", err)
	}
	return nil
}

// GetCleanupEligibleNotifications returns rows that were either sent or
// failed out longer ago than the retention period.
func (s *SQLiteStore) GetCleanupEligibleNotifications(retentionPeriod time.Duration, maxAttempts int) ([]*models.PendingNotification, error) {
	cutoff := time.Now().UTC().Add(-retentionPeriod).Format(time.RFC3339)
	const query = `SELECT id, user_id, email, model, datacenter, status_change, created_at, sent_at, failed_attempts
FROM notifications
WHERE (sent_at IS NOT NULL AND sent_at < ?)
   OR (sent_at IS NULL AND failed_attempts >= ? AND created_at < ?)`

	return s.queryNotifications(query, cutoff, maxAttempts, cutoff)
}

// DeleteNotification permanently removes a notification row by ID.
func (s *SQLiteStore) DeleteNotification(id string) error {
	if _, err := s.db.Exec(`DELETE FROM notifications WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete notification: %w", err)
	}
	return nil
}

// RunIncrementalVacuum triggers an incremental vacuum to reclaim unused pages.
func (s *SQLiteStore) RunIncrementalVacuum() error {
	if _, err := s.db.Exec("PRAGMA incremental_vacuum"); err != nil {
		return fmt.Errorf("incremental vacuum: %w", err)
	}
	return nil
}

// GetDatabaseSizeBytes returns the current size of the database in bytes,
// computed as page_count * page_size.
func (s *SQLiteStore) GetDatabaseSizeBytes() (int64, error) {
	var pageCount int64
	if err := s.db.QueryRow("PRAGMA page_count").Scan(&pageCount); err != nil {
		return 0, fmt.Errorf("page_count: %w", err)
	}

	var pageSize int64
	if err := s.db.QueryRow("PRAGMA page_size").Scan(&pageSize); err != nil {
		return 0, fmt.Errorf("page_size: %w", err)
	}

	return pageCount * pageSize, nil
}

// ---------------------------------------------------------------------------
// Internal helpers
// ---------------------------------------------------------------------------

// queryNotifications executes a query that returns notification rows.
func (s *SQLiteStore) queryNotifications(query string, args ...interface{}) ([]*models.PendingNotification, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}
	defer rows.Close()

	var results []*models.PendingNotification
	for rows.Next() {
		var n models.PendingNotification
		var createdAt string
		var sentAt sql.NullString

		if err := rows.Scan(&n.ID, &n.UserID, &n.Email, &n.Model, &n.Datacenter, &n.StatusChange, &createdAt, &sentAt, &n.FailedAttempts); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}

		n.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parse created_at: %w", err)
		}
		n.SentAt, err = parseNullableTime(sentAt)
		if err != nil {
			return nil, fmt.Errorf("parse sent_at: %w", err)
		}

		results = append(results, &n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return results, nil
}

// inClause builds "<prefix> (?, ?, ...)" with an optional leading argument.
func inClause(prefix string, leadingArg interface{}, ids []string) (string, []interface{}) {
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ")
	query := fmt.Sprintf("%s (%s)", prefix, placeholders)

	var args []interface{}
	if leadingArg != nil {
		args = append(args, leadingArg)
	}
	for _, id := range ids {
		args = append(args, id)
	}
	return query, args
}

// formatNullableTime converts a *time.Time to a sql.NullString in RFC3339 format.
func formatNullableTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339), Valid: true}
}

// parseNullableTime converts a sql.NullString in RFC3339 format to a *time.Time.
func parseNullableTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// boolToInt converts a Go bool to a SQLite integer (0 or 1).
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides profile/message/subscription persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS profiles (
			id           TEXT PRIMARY KEY,
			name         TEXT NOT NULL,
			unread_count INTEGER NOT NULL DEFAULT 0,
			created_at   DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS contacts (
			profile_id TEXT NOT NULL,
			contact_id TEXT NOT NULL,
			name       TEXT NOT NULL,
			PRIMARY KEY (profile_id, contact_id)
		);

		CREATE TABLE IF NOT EXISTS messages (
			id         TEXT PRIMARY KEY,
			profile_id TEXT NOT NULL,
			contact_id TEXT NOT NULL,
			sender     TEXT NOT NULL,
			content    TEXT NOT NULL,
			from_me    INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_messages_profile_created
			ON messages(profile_id, created_at);

		CREATE TABLE IF NOT EXISTS webhook_subscriptions (
			id          TEXT PRIMARY KEY,
			profile_id  TEXT NOT NULL,
			url         TEXT NOT NULL,
			events_json TEXT NOT NULL,
			secret      TEXT NOT NULL DEFAULT '',
			enabled     INTEGER NOT NULL DEFAULT 1
		);

		CREATE INDEX IF NOT EXISTS idx_subscriptions_profile
			ON webhook_subscriptions(profile_id);

		CREATE TABLE IF NOT EXISTS credentials (
			profile_id TEXT PRIMARY KEY,
			blob       BLOB NOT NULL,
			updated_at DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS documents (
			profile_id TEXT NOT NULL,
			kind       TEXT NOT NULL,
			body       TEXT NOT NULL,
			updated_at DATETIME NOT NULL,
			PRIMARY KEY (profile_id, kind)
		);
	`

	_, err := s.db.Exec(schema)
	return err
}

// CreateProfile inserts a new profile row.
func (s *SQLiteStore) CreateProfile(ctx context.Context, profile *Profile) error {
	if profile.CreatedAt.IsZero() {
		profile.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO profiles (id, name, unread_count, created_at) VALUES (?, ?, ?, ?)`,
		profile.ID, profile.Name, profile.UnreadCount, profile.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateProfile
		}
		return fmt.Errorf("inserting profile: %w", err)
	}
	return nil
}

// GetProfile returns the profile with the given id, or ErrNotFound.
func (s *SQLiteStore) GetProfile(ctx context.Context, id string) (*Profile, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, unread_count, created_at FROM profiles WHERE id = ?`, id)

	var p Profile
	if err := row.Scan(&p.ID, &p.Name, &p.UnreadCount, &p.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scanning profile: %w", err)
	}
	return &p, nil
}

// ListProfiles returns all profiles ordered by creation time.
func (s *SQLiteStore) ListProfiles(ctx context.Context) ([]*Profile, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, unread_count, created_at FROM profiles ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("querying profiles: %w", err)
	}
	defer rows.Close()

	var profiles []*Profile
	for rows.Next() {
		var p Profile
		if err := rows.Scan(&p.ID, &p.Name, &p.UnreadCount, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning profile: %w", err)
		}
		profiles = append(profiles, &p)
	}
	return profiles, rows.Err()
}

// DeleteProfile removes a profile row. Associated per-profile data is
// removed separately via DeleteDocuments and DeleteCredentials.
func (s *SQLiteStore) DeleteProfile(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM profiles WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting profile: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// IncrementUnread bumps the unread counter for a profile.
func (s *SQLiteStore) IncrementUnread(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE profiles SET unread_count = unread_count + 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("incrementing unread count: %w", err)
	}
	return nil
}

// ClearUnread resets the unread counter for a profile.
func (s *SQLiteStore) ClearUnread(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE profiles SET unread_count = 0 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("clearing unread count: %w", err)
	}
	return nil
}

// GetContactName returns the stored display name for a contact, or ErrNotFound.
func (s *SQLiteStore) GetContactName(ctx context.Context, profileID, contactID string) (string, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT name FROM contacts WHERE profile_id = ? AND contact_id = ?`, profileID, contactID)

	var name string
	if err := row.Scan(&name); err != nil {
		if err == sql.ErrNoRows {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("scanning contact: %w", err)
	}
	return name, nil
}

// SetContactName inserts or replaces the display name for a contact.
func (s *SQLiteStore) SetContactName(ctx context.Context, profileID, contactID, name string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO contacts (profile_id, contact_id, name) VALUES (?, ?, ?)
		 ON CONFLICT(profile_id, contact_id) DO UPDATE SET name = excluded.name`,
		profileID, contactID, name)
	if err != nil {
		return fmt.Errorf("saving contact: %w", err)
	}
	return nil
}

// SaveMessage stores a message and prunes history beyond the per-profile cap.
func (s *SQLiteStore) SaveMessage(ctx context.Context, msg *Message) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, profile_id, contact_id, sender, content, from_me, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ProfileID, msg.ContactID, msg.Sender, msg.Content, msg.FromMe, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}

	// Prune the oldest rows past the cap. Runs on every insert; the
	// subquery is cheap against the (profile_id, created_at) index.
	_, err = s.db.ExecContext(ctx,
		`DELETE FROM messages WHERE profile_id = ? AND id NOT IN (
			SELECT id FROM messages WHERE profile_id = ?
			ORDER BY created_at DESC, id DESC LIMIT ?
		)`, msg.ProfileID, msg.ProfileID, messageHistoryLimit)
	if err != nil {
		return fmt.Errorf("pruning messages: %w", err)
	}
	return nil
}

// ListMessages returns the most recent messages for a profile, oldest first.
func (s *SQLiteStore) ListMessages(ctx context.Context, profileID string, limit int) ([]*Message, error) {
	if limit <= 0 || limit > messageHistoryLimit {
		limit = messageHistoryLimit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, profile_id, contact_id, sender, content, from_me, created_at
		 FROM (
			SELECT * FROM messages WHERE profile_id = ?
			ORDER BY created_at DESC, id DESC LIMIT ?
		 ) ORDER BY created_at ASC, id ASC`,
		profileID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ProfileID, &m.ContactID, &m.Sender, &m.Content, &m.FromMe, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		msgs = append(msgs, &m)
	}
	return msgs, rows.Err()
}

// CreateSubscription inserts a webhook subscription.
func (s *SQLiteStore) CreateSubscription(ctx context.Context, sub *Subscription) error {
	events, err := json.Marshal(sub.Events)
	if err != nil {
		return fmt.Errorf("encoding events: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO webhook_subscriptions (id, profile_id, url, events_json, secret, enabled)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		sub.ID, sub.ProfileID, sub.URL, string(events), sub.Secret, sub.Enabled)
	if err != nil {
		return fmt.Errorf("inserting subscription: %w", err)
	}
	return nil
}

// ListSubscriptions returns all subscriptions for a profile.
func (s *SQLiteStore) ListSubscriptions(ctx context.Context, profileID string) ([]*Subscription, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, profile_id, url, events_json, secret, enabled
		 FROM webhook_subscriptions WHERE profile_id = ?`, profileID)
	if err != nil {
		return nil, fmt.Errorf("querying subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []*Subscription
	for rows.Next() {
		var sub Subscription
		var events string
		if err := rows.Scan(&sub.ID, &sub.ProfileID, &sub.URL, &events, &sub.Secret, &sub.Enabled); err != nil {
			return nil, fmt.Errorf("scanning subscription: %w", err)
		}
		if err := json.Unmarshal([]byte(events), &sub.Events); err != nil {
			// Malformed config is skipped, not fatal
			s.logger.Warn("skipping subscription with malformed events", "id", sub.ID, "error", err)
			continue
		}
		subs = append(subs, &sub)
	}
	return subs, rows.Err()
}

// DeleteSubscription removes a subscription by id.
func (s *SQLiteStore) DeleteSubscription(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM webhook_subscriptions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting subscription: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveCredentials stores the opaque transport credential blob for a profile.
func (s *SQLiteStore) SaveCredentials(ctx context.Context, profileID string, blob []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO credentials (profile_id, blob, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(profile_id) DO UPDATE SET blob = excluded.blob, updated_at = excluded.updated_at`,
		profileID, blob, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("saving credentials: %w", err)
	}
	return nil
}

// GetCredentials returns the credential blob for a profile, or ErrNotFound.
func (s *SQLiteStore) GetCredentials(ctx context.Context, profileID string) ([]byte, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT blob FROM credentials WHERE profile_id = ?`, profileID)

	var blob []byte
	if err := row.Scan(&blob); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scanning credentials: %w", err)
	}
	return blob, nil
}

// DeleteCredentials discards the credential blob for a profile. Missing
// rows are not an error: terminal cleanup must be idempotent.
func (s *SQLiteStore) DeleteCredentials(ctx context.Context, profileID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM credentials WHERE profile_id = ?`, profileID)
	if err != nil {
		return fmt.Errorf("deleting credentials: %w", err)
	}
	return nil
}

// GetDocument returns the JSON body stored under (profileID, kind), or ErrNotFound.
func (s *SQLiteStore) GetDocument(ctx context.Context, profileID, kind string) ([]byte, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT body FROM documents WHERE profile_id = ? AND kind = ?`, profileID, kind)

	var body []byte
	if err := row.Scan(&body); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scanning document: %w", err)
	}
	return body, nil
}

// SetDocument inserts or replaces the JSON body under (profileID, kind).
func (s *SQLiteStore) SetDocument(ctx context.Context, profileID, kind string, body []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO documents (profile_id, kind, body, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(profile_id, kind) DO UPDATE SET body = excluded.body, updated_at = excluded.updated_at`,
		profileID, kind, body, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("saving document: %w", err)
	}
	return nil
}

// DeleteDocuments removes all document slots for a profile.
func (s *SQLiteStore) DeleteDocuments(ctx context.Context, profileID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE profile_id = ?`, profileID)
	if err != nil {
		return fmt.Errorf("deleting documents: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// isUniqueViolation reports whether the error is a SQLite unique
// constraint failure. modernc.org/sqlite does not export typed errors
// for constraint classes, so match on the message.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

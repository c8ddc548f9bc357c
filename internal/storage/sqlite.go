package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"laughingfox/internal/domain"
)

// SQLiteStore implements domain.RecordStore using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}
	// Single connection for SQLite.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := RunMigrations(db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}
	return &SQLiteStore{db: db, logger: logger}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

const userColumns = `id, name, banned, ban_reason, exp, money, msg_count, data, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// inTx runs fn in a transaction. The pool holds a single connection, so
// every other statement waits until the transaction ends.
func (s *SQLiteStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: begin: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func scanUser(row rowScanner) (*domain.UserRecord, error) {
	var (
		u    domain.UserRecord
		data sql.NullString
	)
	if err := row.Scan(&u.ID, &u.Name, &u.Banned, &u.BanReason, &u.Exp, &u.Money, &u.MsgCount, &data, &u.UpdatedAt); err != nil {
		return nil, err
	}
	if data.Valid && data.String != "" {
		if err := json.Unmarshal([]byte(data.String), &u.Data); err != nil {
			return nil, fmt.Errorf("decode data for %s: %w", u.ID, err)
		}
	}
	return &u, nil
}

func (s *SQLiteStore) GetUser(ctx context.Context, id string) (*domain.UserRecord, error) {
	return getUser(ctx, s.db, id)
}

func getUser(ctx context.Context, q queryer, id string) (*domain.UserRecord, error) {
	u, err := scanUser(q.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get user %s: %w", id, err)
	}
	return u, nil
}

func (s *SQLiteStore) UpdateUser(ctx context.Context, id string, fn func(*domain.UserRecord)) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		u, err := getUser(ctx, tx, id)
		if err != nil {
			return err
		}
		if u == nil {
			u = &domain.UserRecord{ID: id}
		}
		fn(u)
		u.ID = id
		return saveUser(ctx, tx, *u)
	})
}

func saveUser(ctx context.Context, q queryer, u domain.UserRecord) error {
	var data any
	if len(u.Data) > 0 {
		b, err := json.Marshal(u.Data)
		if err != nil {
			return fmt.Errorf("storage: encode user data: %w", err)
		}
		data = string(b)
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO users (id, name, banned, ban_reason, exp, money, msg_count, data, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			banned = excluded.banned,
			ban_reason = excluded.ban_reason,
			exp = excluded.exp,
			money = excluded.money,
			msg_count = excluded.msg_count,
			data = excluded.data,
			updated_at = excluded.updated_at`,
		u.ID, u.Name, u.Banned, u.BanReason, u.Exp, u.Money, u.MsgCount, data, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("storage: save user %s: %w", u.ID, err)
	}
	return nil
}

func (s *SQLiteStore) ListUsers(ctx context.Context) ([]domain.UserRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("storage: list users: %w", err)
	}
	defer rows.Close()

	var users []domain.UserRecord
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: list users: %w", err)
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

const groupColumns = `id, name, banned, msg_count, settings, updated_at`

func scanGroup(row rowScanner) (*domain.GroupRecord, error) {
	var (
		g        domain.GroupRecord
		settings sql.NullString
	)
	if err := row.Scan(&g.ID, &g.Name, &g.Banned, &g.MsgCount, &settings, &g.UpdatedAt); err != nil {
		return nil, err
	}
	if settings.Valid && settings.String != "" {
		if err := json.Unmarshal([]byte(settings.String), &g.Settings); err != nil {
			return nil, fmt.Errorf("decode settings for %s: %w", g.ID, err)
		}
	}
	return &g, nil
}

func (s *SQLiteStore) GetGroup(ctx context.Context, id string) (*domain.GroupRecord, error) {
	return getGroup(ctx, s.db, id)
}

func getGroup(ctx context.Context, q queryer, id string) (*domain.GroupRecord, error) {
	g, err := scanGroup(q.QueryRowContext(ctx, `SELECT `+groupColumns+` FROM chat_groups WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get group %s: %w", id, err)
	}
	return g, nil
}

func (s *SQLiteStore) UpdateGroup(ctx context.Context, id string, fn func(*domain.GroupRecord)) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		g, err := getGroup(ctx, tx, id)
		if err != nil {
			return err
		}
		if g == nil {
			g = &domain.GroupRecord{ID: id}
		}
		fn(g)
		g.ID = id
		return saveGroup(ctx, tx, *g)
	})
}

func saveGroup(ctx context.Context, q queryer, g domain.GroupRecord) error {
	var settings any
	if len(g.Settings) > 0 {
		b, err := json.Marshal(g.Settings)
		if err != nil {
			return fmt.Errorf("storage: encode group settings: %w", err)
		}
		settings = string(b)
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO chat_groups (id, name, banned, msg_count, settings, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			banned = excluded.banned,
			msg_count = excluded.msg_count,
			settings = excluded.settings,
			updated_at = excluded.updated_at`,
		g.ID, g.Name, g.Banned, g.MsgCount, settings, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("storage: save group %s: %w", g.ID, err)
	}
	return nil
}

func (s *SQLiteStore) ListGroups(ctx context.Context) ([]domain.GroupRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+groupColumns+` FROM chat_groups ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("storage: list groups: %w", err)
	}
	defer rows.Close()

	var groups []domain.GroupRecord
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: list groups: %w", err)
		}
		groups = append(groups, *g)
	}
	return groups, rows.Err()
}

func (s *SQLiteStore) GetPrefix(ctx context.Context, threadID string) (string, error) {
	var prefix string
	err := s.db.QueryRowContext(ctx, `SELECT prefix FROM prefixes WHERE thread_id = ?`, threadID).Scan(&prefix)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("storage: get prefix %s: %w", threadID, err)
	}
	return prefix, nil
}

// SetPrefix stores a per-thread prefix. An empty prefix removes the override.
func (s *SQLiteStore) SetPrefix(ctx context.Context, threadID, prefix string) error {
	var err error
	if prefix == "" {
		_, err = s.db.ExecContext(ctx, `DELETE FROM prefixes WHERE thread_id = ?`, threadID)
	} else {
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO prefixes (thread_id, prefix) VALUES (?, ?)
			ON CONFLICT(thread_id) DO UPDATE SET prefix = excluded.prefix`,
			threadID, prefix)
	}
	if err != nil {
		return fmt.Errorf("storage: set prefix %s: %w", threadID, err)
	}
	return nil
}

func (s *SQLiteStore) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("storage: get setting %s: %w", key, err)
	}
	return value, nil
}

func (s *SQLiteStore) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("storage: set setting %s: %w", key, err)
	}
	return nil
}

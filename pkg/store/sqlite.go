// Package store persists dashboard users and their saved automation
// settings in SQLite.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/entrhq/commentd/pkg/auth"
	"github.com/entrhq/commentd/pkg/logging"

	_ "modernc.org/sqlite"
)

// DefaultDelay is the delay, in seconds, given to new user configs.
const DefaultDelay = 30

var (
	ErrUserExists         = errors.New("username already exists")
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrNotFound           = errors.New("not found")
)

// Cipher encrypts the cookie blob before it reaches the database.
type Cipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// UserConfig is the automation form a user last submitted.
type UserConfig struct {
	PostID            string    `json:"post_id"`
	CommentPrefix     string    `json:"comment_prefix"`
	Delay             int       `json:"delay"`
	Cookies           string    `json:"cookies"`
	Comments          string    `json:"comments"`
	AutomationRunning bool      `json:"automation_running"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// SQLiteStore implements user storage on SQLite in WAL mode.
type SQLiteStore struct {
	db     *sql.DB
	path   string
	cipher Cipher
	logger *logging.Logger
}

// Open creates or opens the database at dbPath.
func Open(dbPath string, cipher Cipher, logger *logging.Logger) (*SQLiteStore, error) {
	dbPath = strings.TrimSpace(dbPath)
	if dbPath == "" {
		return nil, fmt.Errorf("sqlite db path is empty")
	}
	if cipher == nil {
		return nil, fmt.Errorf("cipher is required")
	}
	if logger == nil {
		logger = logging.Discard("store")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o750); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// one connection, so the PRAGMAs below hold for every statement
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("exec %q: %w", p, err)
		}
	}

	s := &SQLiteStore{db: db, path: dbPath, cipher: cipher, logger: logger}
	if err := s.ensureSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) ensureSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		username      TEXT UNIQUE NOT NULL,
		password_hash TEXT NOT NULL,
		created_at    TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS user_configs (
		id                 INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id            INTEGER NOT NULL UNIQUE REFERENCES users(id) ON DELETE CASCADE,
		post_id            TEXT NOT NULL DEFAULT '',
		comment_prefix     TEXT NOT NULL DEFAULT '',
		delay              INTEGER NOT NULL DEFAULT 30,
		cookies_encrypted  TEXT NOT NULL DEFAULT '',
		comments           TEXT NOT NULL DEFAULT '',
		automation_running INTEGER NOT NULL DEFAULT 0,
		created_at         TEXT NOT NULL,
		updated_at         TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping() error {
	return s.db.Ping()
}

// --- Users ---

// CreateUser registers a user together with an empty config row.
func (s *SQLiteStore) CreateUser(username, password string) (int64, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return 0, fmt.Errorf("username is required")
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return 0, err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM users WHERE username=?`, username).Scan(&exists); err != nil {
		return 0, fmt.Errorf("check username: %w", err)
	}
	if exists > 0 {
		return 0, ErrUserExists
	}

	now := nowUTC()
	res, err := tx.Exec(`INSERT INTO users (username, password_hash, created_at) VALUES (?, ?, ?)`,
		username, hash, now)
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "unique") {
			return 0, ErrUserExists
		}
		return 0, fmt.Errorf("insert user: %w", err)
	}
	userID, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("user id: %w", err)
	}

	if _, err := tx.Exec(`
		INSERT INTO user_configs (user_id, delay, created_at, updated_at)
		VALUES (?, ?, ?, ?)`, userID, DefaultDelay, now, now); err != nil {
		return 0, fmt.Errorf("insert user config: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	s.logger.Infof("created user %q (id=%d)", username, userID)
	return userID, nil
}

// VerifyUser returns the user id when username and password match.
func (s *SQLiteStore) VerifyUser(username, password string) (int64, error) {
	var (
		id   int64
		hash string
	)
	err := s.db.QueryRow(`SELECT id, password_hash FROM users WHERE username=?`,
		strings.TrimSpace(username)).Scan(&id, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrInvalidCredentials
	}
	if err != nil {
		return 0, fmt.Errorf("load user: %w", err)
	}

	if err := auth.CheckPassword(hash, password); err != nil {
		if errors.Is(err, auth.ErrPasswordMismatch) {
			return 0, ErrInvalidCredentials
		}
		return 0, err
	}
	return id, nil
}

// GetUsername returns the name of user id.
func (s *SQLiteStore) GetUsername(id int64) (string, error) {
	var username string
	err := s.db.QueryRow(`SELECT username FROM users WHERE id=?`, id).Scan(&username)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("load username: %w", err)
	}
	return username, nil
}

// --- Configs ---

// GetUserConfig loads the saved config of user id. Cookies that can no
// longer be decrypted come back empty.
func (s *SQLiteStore) GetUserConfig(id int64) (UserConfig, error) {
	var (
		cfg       UserConfig
		encrypted string
		running   int
		updatedAt string
	)
	err := s.db.QueryRow(`
		SELECT post_id, comment_prefix, delay, cookies_encrypted, comments, automation_running, updated_at
		FROM user_configs WHERE user_id=?`, id).
		Scan(&cfg.PostID, &cfg.CommentPrefix, &cfg.Delay, &encrypted, &cfg.Comments, &running, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return UserConfig{}, ErrNotFound
	}
	if err != nil {
		return UserConfig{}, fmt.Errorf("load user config: %w", err)
	}

	if cfg.Delay <= 0 {
		cfg.Delay = DefaultDelay
	}
	cfg.AutomationRunning = running != 0
	cfg.UpdatedAt = parseTime(updatedAt)

	cookies, err := s.cipher.Decrypt(encrypted)
	if err != nil {
		s.logger.Warnf("user %d: stored cookies could not be decrypted: %v", id, err)
		cookies = ""
	}
	cfg.Cookies = cookies
	return cfg, nil
}

// UpdateUserConfig saves the automation form of user id.
func (s *SQLiteStore) UpdateUserConfig(id int64, cfg UserConfig) error {
	encrypted, err := s.cipher.Encrypt(cfg.Cookies)
	if err != nil {
		return fmt.Errorf("encrypt cookies: %w", err)
	}
	if cfg.Delay <= 0 {
		cfg.Delay = DefaultDelay
	}

	res, err := s.db.Exec(`
		UPDATE user_configs
		SET post_id=?, comment_prefix=?, delay=?, cookies_encrypted=?, comments=?, updated_at=?
		WHERE user_id=?`,
		cfg.PostID, cfg.CommentPrefix, cfg.Delay, encrypted, cfg.Comments, nowUTC(), id)
	if err != nil {
		return fmt.Errorf("update user config: %w", err)
	}
	return requireRow(res)
}

// SetAutomationRunning records whether user id has automation running.
func (s *SQLiteStore) SetAutomationRunning(id int64, running bool) error {
	res, err := s.db.Exec(`UPDATE user_configs SET automation_running=?, updated_at=? WHERE user_id=?`,
		boolToInt(running), nowUTC(), id)
	if err != nil {
		return fmt.Errorf("update automation flag: %w", err)
	}
	return requireRow(res)
}

// GetAutomationRunning reports the flag set by SetAutomationRunning. Unknown
// users report false.
func (s *SQLiteStore) GetAutomationRunning(id int64) (bool, error) {
	var running int
	err := s.db.QueryRow(`SELECT automation_running FROM user_configs WHERE user_id=?`, id).Scan(&running)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load automation flag: %w", err)
	}
	return running != 0, nil
}

// ResetAutomationFlags clears every automation_running flag. Called at
// startup, since no session survives a restart.
func (s *SQLiteStore) ResetAutomationFlags() error {
	if _, err := s.db.Exec(`UPDATE user_configs SET automation_running=0 WHERE automation_running<>0`); err != nil {
		return fmt.Errorf("reset automation flags: %w", err)
	}
	return nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nowUTC() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

package settings

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

// Store persists the notification-preference cache and the credential
// fallback in a local sqlite database.
type Store struct {
	db     *sqlx.DB
	logger *logrus.Logger
}

// OpenStore opens (creating if needed) the database at path and applies
// pending migrations from migrationsPath.
func OpenStore(path, migrationsPath string, logger *logrus.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := runMigrations(db.DB, migrationsPath); err != nil {
		db.Close()
		return nil, err
	}

	logger.WithField("path", path).Debug("Settings store ready")
	return &Store{db: db, logger: logger}, nil
}

func runMigrations(db *sql.DB, migrationsPath string) error {
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance("file://"+migrationsPath, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveFlag upserts one preference flag.
func (s *Store) SaveFlag(flag string, value bool) error {
	_, err := s.db.Exec(`
		INSERT INTO preference_flags (flag, value, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(flag) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP`,
		flag, boolToInt(value))
	return err
}

// Flags returns all persisted flag values.
func (s *Store) Flags() (map[string]bool, error) {
	rows := []struct {
		Flag  string `db:"flag"`
		Value int    `db:"value"`
	}{}
	if err := s.db.Select(&rows, `SELECT flag, value FROM preference_flags`); err != nil {
		return nil, err
	}

	flags := make(map[string]bool, len(rows))
	for _, r := range rows {
		flags[r.Flag] = r.Value != 0
	}
	return flags, nil
}

// SaveCredentials stores the last known working credential pair.
func (s *Store) SaveCredentials(url, token string) error {
	_, err := s.db.Exec(`
		INSERT INTO hub_credentials (id, url, token, updated_at)
		VALUES (1, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET url = excluded.url, token = excluded.token, updated_at = CURRENT_TIMESTAMP`,
		url, token)
	return err
}

// Credentials returns the cached credential pair, or ok=false when none
// has been stored yet.
func (s *Store) Credentials() (url, token string, ok bool, err error) {
	row := struct {
		URL   string `db:"url"`
		Token string `db:"token"`
	}{}
	err = s.db.Get(&row, `SELECT url, token FROM hub_credentials WHERE id = 1`)
	if err == sql.ErrNoRows {
		return "", "", false, nil
	}
	if err != nil {
		return "", "", false, err
	}
	return row.URL, row.Token, true, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

package auth

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/openacd/openacd/internal/agent"
)

// SQLiteStore is a file-backed agent directory for single-node deployments
// that do not run Postgres.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens or creates the directory database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		login TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		security TEXT NOT NULL DEFAULT 'agent',
		profile TEXT NOT NULL DEFAULT 'default',
		skills TEXT NOT NULL DEFAULT '[]',
		endpoint TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_agents_login ON agents(login);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Put inserts or replaces a directory entry.
func (s *SQLiteStore) Put(ctx context.Context, r *Record) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}

	tokens := make([]string, 0, len(r.Skills))
	for _, sk := range r.Skills {
		tokens = append(tokens, sk.String())
	}
	skills, err := json.Marshal(tokens)
	if err != nil {
		skills = []byte("[]")
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agents (id, login, password_hash, security, profile, skills, endpoint)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(login) DO UPDATE SET
			password_hash = excluded.password_hash,
			security = excluded.security,
			profile = excluded.profile,
			skills = excluded.skills,
			endpoint = excluded.endpoint
	`, r.ID, r.Login, r.PasswordHash, string(r.Security), r.Profile, string(skills), r.Endpoint)

	return err
}

// SeedDefaults inserts the development logins when the directory is empty.
func (s *SQLiteStore) SeedDefaults(ctx context.Context) error {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM agents`).Scan(&count); err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	for _, r := range devRecords() {
		if err := s.Put(ctx, r); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) Authenticate(ctx context.Context, login, password string) (*Record, error) {
	r, err := s.fetch(ctx, login)
	if err != nil {
		if err == ErrNotFound {
			return nil, ErrBadCredentials
		}
		return nil, err
	}
	if !checkPassword(r.PasswordHash, password) {
		return nil, ErrBadCredentials
	}
	return r, nil
}

func (s *SQLiteStore) Get(ctx context.Context, login string) (*Record, error) {
	return s.fetch(ctx, login)
}

func (s *SQLiteStore) fetch(ctx context.Context, login string) (*Record, error) {
	r := &Record{}
	var security, skills string

	err := s.db.QueryRowContext(ctx, `
		SELECT id, login, password_hash, security, profile, skills, endpoint
		FROM agents WHERE login = ?
	`, login).Scan(&r.ID, &r.Login, &r.PasswordHash, &security, &r.Profile, &skills, &r.Endpoint)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load agent %q: %w", login, err)
	}

	r.Security = agent.SecurityLevel(security)

	var tokens []string
	_ = json.Unmarshal([]byte(skills), &tokens)
	r.Skills = parseSkills(tokens)
	return r, nil
}

func (s *SQLiteStore) Close() {
	_ = s.db.Close()
}

package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/openacd/openacd/internal/agent"
	"github.com/openacd/openacd/internal/common/config"
)

// PostgresStore is the production agent directory.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects a pooled directory and verifies it with a ping.
func NewPostgresStore(ctx context.Context, cfg config.DatabaseConfig) (*PostgresStore, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxConns)
	}
	poolConfig.ConnConfig.ConnectTimeout = 10 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

const selectAgent = `
SELECT id, login, password_hash, security, profile, skills, COALESCE(endpoint, '')
FROM agents
WHERE login = $1`

func (s *PostgresStore) Authenticate(ctx context.Context, login, password string) (*Record, error) {
	r, err := s.fetch(ctx, login)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrBadCredentials
		}
		return nil, err
	}
	if !checkPassword(r.PasswordHash, password) {
		return nil, ErrBadCredentials
	}
	return r, nil
}

func (s *PostgresStore) Get(ctx context.Context, login string) (*Record, error) {
	return s.fetch(ctx, login)
}

func (s *PostgresStore) fetch(ctx context.Context, login string) (*Record, error) {
	var r Record
	var security string
	var skills []string

	err := s.pool.QueryRow(ctx, selectAgent, login).Scan(
		&r.ID, &r.Login, &r.PasswordHash, &security, &r.Profile, &skills, &r.Endpoint,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load agent %q: %w", login, err)
	}

	r.Security = agent.SecurityLevel(security)
	r.Skills = parseSkills(skills)
	return &r, nil
}

func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

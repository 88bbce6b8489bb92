// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vaibav03/resolute-ai/internal/scraper"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// uniqueViolation is the Postgres error code for a unique constraint breach.
const uniqueViolation = "23505"

// StoreConfig controls the Postgres connection pool.
type StoreConfig struct {
	DSN             string
	UsersTable      string
	MetadataTable   string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Store persists users and metadata records in Postgres.
type Store struct {
	pool          pgxPool
	usersTable    string
	metadataTable string
}

// NewStore creates a Postgres-backed Store using the provided config.
func NewStore(ctx context.Context, cfg StoreConfig) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("storage.dsn is required")
	}
	usersTable, metadataTable, err := tableNames(cfg.UsersTable, cfg.MetadataTable)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{
		pool:          pool,
		usersTable:    usersTable,
		metadataTable: metadataTable,
	}, nil
}

// NewStoreWithPool constructs a Store from an existing pool (primarily for testing).
func NewStoreWithPool(pool pgxPool, usersTable, metadataTable string) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	users, metadata, err := tableNames(usersTable, metadataTable)
	if err != nil {
		return nil, err
	}
	return &Store{pool: pool, usersTable: users, metadataTable: metadata}, nil
}

func tableNames(users, metadata string) (string, string, error) {
	if users == "" {
		users = "users"
	}
	if metadata == "" {
		metadata = "scraped_metadata"
	}
	for _, table := range []string{users, metadata} {
		if !validTableName.MatchString(table) {
			return "", "", fmt.Errorf("invalid table name %q", table)
		}
	}
	return users, metadata, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// CreateUser inserts a new account row. A duplicate username surfaces
// scraper.ErrAlreadyExists.
func (s *Store) CreateUser(ctx context.Context, user scraper.User) error {
	if user.ID == "" || user.Username == "" {
		return fmt.Errorf("user id and username are required")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (id, username, password_hash, created_at)
VALUES ($1,$2,$3,$4)`, s.usersTable)

	if _, err := s.pool.Exec(ctx, query, user.ID, user.Username, user.PasswordHash, user.CreatedAt); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return scraper.ErrAlreadyExists
		}
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

// UserByUsername loads an account, or returns scraper.ErrNotFound.
func (s *Store) UserByUsername(ctx context.Context, username string) (scraper.User, error) {
	query := fmt.Sprintf(`
SELECT id, username, password_hash, created_at
FROM %s WHERE username = $1`, s.usersTable)

	var user scraper.User
	row := s.pool.QueryRow(ctx, query, username)
	if err := row.Scan(&user.ID, &user.Username, &user.PasswordHash, &user.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return scraper.User{}, scraper.ErrNotFound
		}
		return scraper.User{}, fmt.Errorf("select user: %w", err)
	}
	return user, nil
}

// SaveMetadata inserts one extracted-metadata row.
func (s *Store) SaveMetadata(ctx context.Context, record scraper.MetadataRecord) error {
	if record.ID == "" {
		return fmt.Errorf("record id is required")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (id, owner_id, url, title, description, keywords, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)`, s.metadataTable)

	args := []any{
		record.ID,
		record.OwnerID,
		record.URL,
		record.Title,
		record.Description,
		record.Keywords,
		record.CreatedAt,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert metadata: %w", err)
	}
	return nil
}

// ListMetadata returns all metadata rows owned by ownerID, oldest first.
func (s *Store) ListMetadata(ctx context.Context, ownerID string) ([]scraper.MetadataRecord, error) {
	query := fmt.Sprintf(`
SELECT id, owner_id, url, title, description, keywords, created_at
FROM %s WHERE owner_id = $1 ORDER BY created_at`, s.metadataTable)

	rows, err := s.pool.Query(ctx, query, ownerID)
	if err != nil {
		return nil, fmt.Errorf("select metadata: %w", err)
	}
	defer rows.Close()

	var records []scraper.MetadataRecord
	for rows.Next() {
		var rec scraper.MetadataRecord
		if err := rows.Scan(&rec.ID, &rec.OwnerID, &rec.URL, &rec.Title, &rec.Description, &rec.Keywords, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan metadata row: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate metadata rows: %w", err)
	}
	return records, nil
}

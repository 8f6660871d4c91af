package accounts

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

// PostgresStore is a Store backed by PostgreSQL. It does not own the pool.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

var pgIdentRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// NewPostgresStore constructs a PostgresStore using schema (default "dmrelay").
func NewPostgresStore(pool *pgxpool.Pool, schema string) (*PostgresStore, error) {
	if pool == nil {
		return nil, errors.New("accounts: nil pool")
	}
	schema = strings.TrimSpace(schema)
	if schema == "" {
		schema = "dmrelay"
	}
	if !pgIdentRe.MatchString(schema) {
		return nil, errors.New("accounts: invalid schema identifier")
	}
	return &PostgresStore{pool: pool, schema: schema}, nil
}

// Migrate applies the embedded schema.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	script := strings.ReplaceAll(schemaSQL, "{{schema}}", pgx.Identifier{s.schema}.Sanitize())
	if _, err := s.pool.Exec(ctx, script); err != nil {
		return fmt.Errorf("accounts: apply schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) users() string { return pgx.Identifier{s.schema, "users"}.Sanitize() }

func (s *PostgresStore) Create(ctx context.Context, u User) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+s.users()+` (id, username, display_name, password_hash, created_at, last_active)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		u.ID, u.Username, u.DisplayName, u.PasswordHash, u.CreatedAt, u.LastActive,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" { // unique_violation
			return ErrConflict
		}
		return err
	}
	return nil
}

const userColumns = `id, username, display_name, password_hash, created_at, last_active`

func (s *PostgresStore) GetByUsername(ctx context.Context, username string) (User, error) {
	return s.getOne(ctx, `username = $1`, username)
}

func (s *PostgresStore) GetByID(ctx context.Context, id string) (User, error) {
	return s.getOne(ctx, `id = $1`, id)
}

func (s *PostgresStore) getOne(ctx context.Context, where, arg string) (User, error) {
	var u User
	err := s.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM `+s.users()+` WHERE `+where, arg,
	).Scan(&u.ID, &u.Username, &u.DisplayName, &u.PasswordHash, &u.CreatedAt, &u.LastActive)
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, err
	}
	return normalizeTimes(u), nil
}

func (s *PostgresStore) List(ctx context.Context) ([]User, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+userColumns+` FROM `+s.users()+` ORDER BY username ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]User, 0, 32)
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Username, &u.DisplayName, &u.PasswordHash, &u.CreatedAt, &u.LastActive); err != nil {
			return nil, err
		}
		out = append(out, normalizeTimes(u))
	}
	return out, rows.Err()
}

func (s *PostgresStore) TouchLastActive(ctx context.Context, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE `+s.users()+` SET last_active = GREATEST(last_active, $2) WHERE id = $1`,
		id, at.UTC(),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func normalizeTimes(u User) User {
	u.CreatedAt = u.CreatedAt.UTC()
	u.LastActive = u.LastActive.UTC()
	return u
}

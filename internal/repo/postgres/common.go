package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/loomworks/loom-go/internal/domain"
	"github.com/loomworks/loom-go/internal/repo"
)

type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const defaultReadLimit = 500

func normalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}

func nullIfEmpty(value string) sql.NullString {
	value = strings.TrimSpace(value)
	if value == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: value, Valid: true}
}

func encodeConfig(cfg domain.Config) ([]byte, error) {
	if cfg == nil {
		cfg = domain.Config{}
	}
	return json.Marshal(cfg)
}

func decodeConfig(raw []byte) (domain.Config, error) {
	if len(raw) == 0 {
		return domain.Config{}, nil
	}
	var out map[string]string
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = map[string]string{}
	}
	return domain.Config(out), nil
}

func encodeFailure(failure *domain.ErrorRecord) ([]byte, error) {
	if failure == nil {
		return nil, nil
	}
	return json.Marshal(failure)
}

func decodeFailure(raw []byte) (*domain.ErrorRecord, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var out domain.ErrorRecord
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func handleNotFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return repo.ErrNotFound
	}
	return err
}

// isUniqueViolation reports a primary key or unique index collision.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

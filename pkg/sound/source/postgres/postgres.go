// Package postgres provides a [sound.Source] that reads encoded audio assets
// from a PostgreSQL table.
//
// Database failures are treated as transient, so the loader retries them
// after its retry delay. A missing row is permanent.
package postgres

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/cadenza/pkg/sound"
	"github.com/MrWong99/cadenza/pkg/sound/decode"
)

// Schema is the SQL DDL for the sound_assets table. Execute it via
// [Source.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS sound_assets (
    path       TEXT PRIMARY KEY,
    format     TEXT NOT NULL,
    data       BYTEA NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// DB is the database interface used by [Source]. Both *pgxpool.Pool and
// *pgx.Conn satisfy it.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Source is a [sound.Source] backed by PostgreSQL.
type Source struct {
	db       DB
	decoders *decode.Registry
}

var (
	_ sound.Source = (*Source)(nil)
	_ sound.Pinger = (*Source)(nil)
)

// New creates a source over db. A nil registry means [decode.Default]. The
// caller is responsible for calling [Source.Migrate].
func New(db DB, decoders *decode.Registry) *Source {
	if decoders == nil {
		decoders = decode.Default()
	}
	return &Source{db: db, decoders: decoders}
}

// Open connects a pool to dsn and verifies the connection.
func Open(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return pool, nil
}

// Migrate executes the [Schema] DDL.
func (s *Source) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("postgres: migrate: %w", err)
	}
	return nil
}

// Fetch implements [sound.Source].
func (s *Source) Fetch(ctx context.Context, p string) (*sound.Clip, error) {
	var (
		format string
		data   []byte
	)
	const query = `SELECT format, data FROM sound_assets WHERE path = $1`
	err := s.db.QueryRow(ctx, query, p).Scan(&format, &data)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("postgres: %s: %w", p, sound.ErrNotFound)
		}
		return nil, fmt.Errorf("postgres: fetch %s: %w: %w", p, sound.ErrLoadTransient, err)
	}

	clip, err := s.decoders.Decode(p, "asset."+format, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("postgres: %w: %w", sound.ErrLoadFailed, err)
	}
	if err := ctx.Err(); err != nil {
		clip.Release()
		return nil, err
	}
	return clip, nil
}

// ShouldRetry implements [sound.Source]. Database hiccups usually heal.
func (s *Source) ShouldRetry() bool { return true }

// Ping implements [sound.Pinger].
func (s *Source) Ping(ctx context.Context) error {
	if p, ok := s.db.(interface{ Ping(context.Context) error }); ok {
		if err := p.Ping(ctx); err != nil {
			return fmt.Errorf("postgres: ping: %w", err)
		}
		return nil
	}
	var one int
	if err := s.db.QueryRow(ctx, `SELECT 1`).Scan(&one); err != nil {
		return fmt.Errorf("postgres: ping: %w", err)
	}
	return nil
}

// Put stores an encoded asset, replacing any asset at the same path. The
// format is taken from the file name's extension.
func (s *Source) Put(ctx context.Context, assetPath, fileName string, data []byte) error {
	if assetPath == "" {
		return sound.ErrEmptyPath
	}
	format := strings.TrimPrefix(strings.ToLower(path.Ext(fileName)), ".")
	if !s.decoders.Supports(fileName) {
		return fmt.Errorf("postgres: %s: %w", fileName, decode.ErrUnsupportedFormat)
	}
	const query = `
		INSERT INTO sound_assets (path, format, data) VALUES ($1, $2, $3)
		ON CONFLICT (path) DO UPDATE SET format = EXCLUDED.format, data = EXCLUDED.data, updated_at = now()`
	if _, err := s.db.Exec(ctx, query, assetPath, format, data); err != nil {
		return fmt.Errorf("postgres: put %s: %w", assetPath, err)
	}
	return nil
}

// Delete removes the asset at assetPath. Deleting a missing asset is not an
// error.
func (s *Source) Delete(ctx context.Context, assetPath string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM sound_assets WHERE path = $1`, assetPath); err != nil {
		return fmt.Errorf("postgres: delete %s: %w", assetPath, err)
	}
	return nil
}

// List returns the stored asset paths with the given prefix, sorted.
func (s *Source) List(ctx context.Context, prefix string) ([]string, error) {
	const query = `SELECT path FROM sound_assets WHERE starts_with(path, $1) ORDER BY path`
	rows, err := s.db.Query(ctx, query, prefix)
	if err != nil {
		return nil, fmt.Errorf("postgres: list: %w", err)
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("postgres: list scan: %w", err)
		}
		paths = append(paths, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list: %w", err)
	}
	return paths, nil
}

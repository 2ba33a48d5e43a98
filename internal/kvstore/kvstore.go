// Package kvstore implements the run's hash-of-hashes coordination store on top of Postgres.
//
// A single table holds every "db" (redirects, details, media, cached-media-to-check) for a run,
// distinguished by the db column; the run itself is isolated in its own schema so that dropping
// the schema at the end of the run discards all of the run's coordination state in one statement.
package kvstore

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"
)

// Sub-database suffixes, appended to a run's prefix to form the "db" argument of Store's methods.
const (
	SuffixRedirects          = "r"
	SuffixDetails            = "d"
	SuffixMedia              = "m"
	SuffixCachedMediaToCheck = "c"
)

const schemaTable = `kv`

// Store is the KVStore adapter (component A): a hash-of-hashes store, implemented as one
// Postgres table per run schema. Any error returned by Store's methods is meant to be treated
// as fatal to the run by the caller: the store holds coordination state that cannot be
// partially rebuilt mid-run.
type Store struct {
	pool   *pgxpool.Pool
	schema string
}

// Open connects to databaseURI, creates (if necessary) a schema named runPrefix, and creates the
// kv table inside it. runPrefix becomes the schema name directly, so it must already be a valid
// unquoted Postgres identifier (the caller is expected to have derived it, e.g., from a uuid).
func Open(ctx context.Context, databaseURI string, logger zerolog.Logger, runPrefix string) (*Store, errors.E) {
	pool, errE := InitPostgres(ctx, databaseURI, logger, runPrefix)
	if errE != nil {
		return nil, errE
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		pool.Close()
		return nil, errors.WithStack(err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	errE = EnsureSchema(ctx, tx, runPrefix)
	if errE != nil {
		pool.Close()
		return nil, errE
	}

	_, err = tx.Exec(ctx, `CREATE TABLE IF NOT EXISTS "`+runPrefix+`".`+schemaTable+` (
		db text NOT NULL,
		field text NOT NULL,
		value jsonb NOT NULL,
		PRIMARY KEY (db, field)
	)`)
	if err != nil {
		pool.Close()
		return nil, WithPgxError(err)
	}

	err = tx.Commit(ctx)
	if err != nil {
		pool.Close()
		return nil, errors.WithStack(err)
	}

	return &Store{pool: pool, schema: runPrefix}, nil
}

// DB returns the db name for a given sub-database suffix, as used throughout §4.A.
func (s *Store) DB(suffix string) string {
	return s.schema + suffix
}

// HSet sets a single field in db to value.
func (s *Store) HSet(ctx context.Context, db, field string, value interface{}) errors.E {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO `+schemaTable+` (db, field, value) VALUES ($1, $2, $3)
		ON CONFLICT (db, field) DO UPDATE SET value = EXCLUDED.value
	`, db, field, value)
	if err != nil {
		return WithPgxError(err)
	}
	return nil
}

// HMSet sets every field/value pair in values in db in a single batch (one INSERT per field,
// sent in one round trip).
func (s *Store) HMSet(ctx context.Context, db string, values map[string]interface{}) errors.E {
	if len(values) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for field, value := range values {
		batch.Queue(`
			INSERT INTO `+schemaTable+` (db, field, value) VALUES ($1, $2, $3)
			ON CONFLICT (db, field) DO UPDATE SET value = EXCLUDED.value
		`, db, field, value)
	}
	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()
	for range values {
		if _, err := results.Exec(); err != nil {
			return WithPgxError(err)
		}
	}
	return nil
}

// HGet returns the value of field in db, and whether it existed.
func (s *Store) HGet(ctx context.Context, db, field string) (string, bool, errors.E) {
	var value string
	err := s.pool.QueryRow(ctx, `SELECT value #>> '{}' FROM `+schemaTable+` WHERE db = $1 AND field = $2`, db, field).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, WithPgxError(err)
	}
	return value, true, nil
}

// HKeys returns every field currently set in db.
func (s *Store) HKeys(ctx context.Context, db string) ([]string, errors.E) {
	rows, err := s.pool.Query(ctx, `SELECT field FROM `+schemaTable+` WHERE db = $1`, db)
	if err != nil {
		return nil, WithPgxError(err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, errors.WithStack(err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, WithPgxError(err)
	}
	return keys, nil
}

// HExists reports whether field is set in db.
func (s *Store) HExists(ctx context.Context, db, field string) (bool, errors.E) {
	_, ok, errE := s.HGet(ctx, db, field)
	return ok, errE
}

// HDel removes field from db.
func (s *Store) HDel(ctx context.Context, db, field string) errors.E {
	_, err := s.pool.Exec(ctx, `DELETE FROM `+schemaTable+` WHERE db = $1 AND field = $2`, db, field)
	if err != nil {
		return WithPgxError(err)
	}
	return nil
}

// Del removes every field belonging to each of dbs, used at deleteKVDatabases (§4.G).
func (s *Store) Del(ctx context.Context, dbs ...string) errors.E {
	_, err := s.pool.Exec(ctx, `DELETE FROM `+schemaTable+` WHERE db = ANY($1)`, dbs)
	if err != nil {
		return WithPgxError(err)
	}
	return nil
}

// Close drops the run's schema (and therefore every db inside it) and closes the pool.
func (s *Store) Close(ctx context.Context) errors.E {
	defer s.pool.Close()
	_, err := s.pool.Exec(ctx, `DROP SCHEMA IF EXISTS "`+s.schema+`" CASCADE`)
	if err != nil {
		return WithPgxError(err)
	}
	return nil
}

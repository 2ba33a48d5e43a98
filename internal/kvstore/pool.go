package kvstore

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"
	"gitlab.com/tozd/go/x"
)

const (
	idleInTransactionSessionTimeout = 10 * time.Second
	statementTimeout                = 10 * time.Second

	initialApplicationName = "mwoffliner"
)

// Standard error codes.
// See: https://www.postgresql.org/docs/current/errcodes-appendix.html
const (
	ErrorCodeUniqueViolation      = "23505"
	ErrorCodeDuplicateSchema      = "42P06"
	ErrorCodeDuplicateTable       = "42P07"
	ErrorCodeDuplicateFunction    = "42723"
	ErrorCodeSerializationFailure = "40001"
	ErrorCodeDeadlockDetected     = "40P01"
	ErrorExclusionViolation       = "23P01"
)

// See: https://www.postgresql.org/docs/current/runtime-config-client.html#GUC-CLIENT-MIN-MESSAGES
// See: https://www.postgresql.org/docs/current/plpgsql-errors-and-messages.html
var noticeSeverityToLogLevel = map[string]zerolog.Level{ //nolint:gochecknoglobals
	"DEBUG":   zerolog.DebugLevel,
	"LOG":     zerolog.InfoLevel,
	"INFO":    zerolog.InfoLevel,
	"NOTICE":  zerolog.InfoLevel,
	"WARNING": zerolog.WarnLevel,
}

// InitPostgres builds the connection pool backing the KVStore adapter. One run talks to exactly
// one schema for its whole lifetime (§3 invariant (iii): databases are scoped by a run-unique
// prefix), so the search path and application name are fixed once in the connection setup
// rather than swapped per acquire.
func InitPostgres(ctx context.Context, databaseURI string, logger zerolog.Logger, schema string) (*pgxpool.Pool, errors.E) {
	dbconfig, err := pgxpool.ParseConfig(strings.TrimSpace(databaseURI))
	if err != nil {
		return nil, errors.WithStack(err)
	}

	dbconfig.ConnConfig.OnNotice = func(_ *pgconn.PgConn, notice *pgconn.Notice) {
		logger.
			WithLevel(noticeSeverityToLogLevel[notice.SeverityUnlocalized]).
			Fields(ErrorDetails((*pgconn.PgError)(notice))).
			Bool("postgres", true).
			Str("schema", schema).
			Send()
	}
	dbconfig.AfterConnect = func(_ context.Context, c *pgx.Conn) error {
		c.TypeMap().RegisterType(&pgtype.Type{
			Name: "json", OID: pgtype.JSONOID, Codec: &pgtype.JSONCodec{
				Marshal: func(v any) ([]byte, error) {
					return x.MarshalWithoutEscapeHTML(v)
				},
				Unmarshal: func(data []byte, v any) error {
					return x.UnmarshalWithoutUnknownFields(data, v)
				},
			},
		})
		c.TypeMap().RegisterType(&pgtype.Type{
			Name: "jsonb", OID: pgtype.JSONBOID, Codec: &pgtype.JSONBCodec{
				Marshal: func(v any) ([]byte, error) {
					return x.MarshalWithoutEscapeHTML(v)
				},
				Unmarshal: func(data []byte, v any) error {
					return x.UnmarshalWithoutUnknownFields(data, v)
				},
			},
		})
		return nil
	}
	dbconfig.ConnConfig.RuntimeParams["application_name"] = initialApplicationName + "/" + schema
	// The schema name is derived from a uuid, so it is a valid unquoted identifier. Search path
	// resolution is dynamic per query, so connections established before the schema exists see
	// it once it has been created.
	dbconfig.ConnConfig.RuntimeParams["search_path"] = schema
	dbconfig.ConnConfig.RuntimeParams["idle_in_transaction_session_timeout"] = strconv.FormatInt(idleInTransactionSessionTimeout.Milliseconds(), 10)
	dbconfig.ConnConfig.RuntimeParams["statement_timeout"] = strconv.FormatInt(statementTimeout.Milliseconds(), 10)

	conn, err := pgx.ConnectConfig(ctx, dbconfig.ConnConfig)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer conn.Close(ctx)

	var maxConnectionsStr string
	err = conn.QueryRow(ctx, `SHOW max_connections`).Scan(&maxConnectionsStr)
	if err != nil {
		return nil, WithPgxError(err)
	}
	maxConnections, err := strconv.Atoi(maxConnectionsStr)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	var reservedConnectionsStr string
	err = conn.QueryRow(ctx, `SHOW reserved_connections`).Scan(&reservedConnectionsStr)
	if err != nil {
		return nil, WithPgxError(err)
	}
	reservedConnections, err := strconv.Atoi(reservedConnectionsStr)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	var superuserReservedConnectionsStr string
	err = conn.QueryRow(ctx, `SHOW superuser_reserved_connections`).Scan(&superuserReservedConnectionsStr)
	if err != nil {
		return nil, WithPgxError(err)
	}
	superuserReservedConnections, err := strconv.Atoi(superuserReservedConnectionsStr)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	dbconfig.MaxConns = int32(maxConnections - reservedConnections - superuserReservedConnections) //nolint:gosec

	logger.Info().
		Str("serverVersion", conn.PgConn().ParameterStatus("server_version")).
		Str("serverEncoding", conn.PgConn().ParameterStatus("server_encoding")).
		Str("clientEncoding", conn.PgConn().ParameterStatus("client_encoding")).
		Str("sessionAuthorization", conn.PgConn().ParameterStatus("session_authorization")).
		Msg("database connection successful")

	dbpool, err := pgxpool.NewWithConfig(ctx, dbconfig)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	context.AfterFunc(ctx, dbpool.Close)

	return dbpool, nil
}

func EnsureSchema(ctx context.Context, tx pgx.Tx, schema string) errors.E {
	// TODO: Could we just use "CREATE SCHEMA IF NOT EXISTS" here?
	//       See: https://stackoverflow.com/questions/29900845/create-schema-if-not-exists-raises-duplicate-key-error
	_, err := tx.Exec(ctx, `CREATE SCHEMA "`+schema+`"`)
	if err != nil {
		var pgError *pgconn.PgError
		if errors.As(err, &pgError) {
			switch pgError.Code {
			case ErrorCodeUniqueViolation:
				return nil
			case ErrorCodeDuplicateSchema:
				return nil
			}
		}
		return WithPgxError(err)
	}
	return nil
}

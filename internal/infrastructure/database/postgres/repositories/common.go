// Package repositories implements the domain persistence contracts on
// PostgreSQL.  Aggregates are stored as rows with JSONB columns for their
// nested collections; listings use keyset cursors so pages stay stable while
// rows are inserted underneath them.
package repositories

import (
	"context"
	"database/sql"
	"encoding/base64"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/molforge/molforge/pkg/errors"
)

// queryExecutor abstracts sql.DB and sql.Tx.
type queryExecutor interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// scanner abstracts sql.Row and sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

// encodeCursor packs a keyset position into an opaque page token.  The token
// is (timestamp, tiebreaker): the tiebreaker column makes the ordering total,
// so rows created at the same instant cannot be skipped or repeated.
func encodeCursor(ts time.Time, key string) string {
	raw := ts.UTC().Format(time.RFC3339Nano) + "|" + key
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// decodeCursor unpacks a page token.  Malformed tokens return QRY_001.
func decodeCursor(cursor string) (time.Time, string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, "", errors.Wrap(err, errors.ErrCodeCursorInvalid, "malformed page cursor")
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 {
		return time.Time{}, "", errors.New(errors.ErrCodeCursorInvalid, "malformed page cursor")
	}
	ts, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return time.Time{}, "", errors.Wrap(err, errors.ErrCodeCursorInvalid, "malformed page cursor timestamp")
	}
	return ts, parts[1], nil
}

// condBuilder accumulates WHERE clauses with positional placeholders.
type condBuilder struct {
	conds []string
	args  []interface{}
}

// add appends a condition whose %s verbs are replaced with the next
// placeholder numbers, one per argument.
func (b *condBuilder) add(cond string, args ...interface{}) {
	placeholders := make([]interface{}, len(args))
	for i := range args {
		placeholders[i] = fmt.Sprintf("$%d", len(b.args)+i+1)
	}
	b.conds = append(b.conds, fmt.Sprintf(cond, placeholders...))
	b.args = append(b.args, args...)
}

// nextArg reserves one more placeholder for an argument appended outside add,
// such as a LIMIT bound.
func (b *condBuilder) nextArg(arg interface{}) string {
	b.args = append(b.args, arg)
	return fmt.Sprintf("$%d", len(b.args))
}

// where renders the accumulated conditions, or an empty string when there are
// none.
func (b *condBuilder) where() string {
	if len(b.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(b.conds, " AND ")
}

// isUniqueViolation reports whether err is a PostgreSQL unique-constraint
// violation (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return stderrors.As(err, &pgErr) && pgErr.Code == "23505"
}

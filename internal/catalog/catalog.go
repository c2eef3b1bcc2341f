// Package catalog is the cache catalog: the warehouse-backed bookkeeping
// table recording, for every qid ever seen, where its materialized result
// lives, how large it is, and how recently/often it has been touched.
//
// It follows the teacher's internal/storage/dolt wrapper idiom: explicit
// queryContext/execContext/queryRowContext helpers around database/sql,
// OpenTelemetry spans on every call, and server-mode backoff retry for
// transient connection errors - adapted from an embedded CGO warehouse to a
// plain MySQL-wire one, since the catalog must be shared by any number of
// concurrent worker processes rather than owned by a single one.
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/cenkalti/backoff/v4"
	_ "github.com/go-sql-driver/mysql"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/greenape/flowmachine-server/internal/telemetry"
)

// KindTable marks a catalog row as a raw warehouse table rather than a
// cached query result. Table rows are bookkeeping only: they're never
// eviction candidates and never contribute to the cache's size total (I5).
const KindTable = "Table"

// ErrNotFound is returned when a qid has no catalog record.
var ErrNotFound = errors.New("catalog: record not found")

// Record is a single catalog row: the durable facts about one qid's
// materialized result.
type Record struct {
	QID                string
	Kind               string
	TableName          string
	SizeBytes          int64
	Score              float64
	Multiplier         float64
	LastTouch          int64 // touch-counter value at last access
	ComputeTimeSeconds float64
	AccessCount        int64
	LastAccessed       time.Time
	Obj                []byte // serialized query descriptor, for reconstruction
	CreatedAt          time.Time
}

// Dependency is a directed edge: Child depends on Parent (Parent must be
// materialized, and must stay materialized, for Child to be valid).
type Dependency struct {
	Parent string
	Child  string
}

// Config configures the cache schema's tunable knobs, persisted alongside
// the catalog rows themselves.
type Config struct {
	MaxCacheSizeBytes int64
	HalfLifeTouches   int64
}

// Store wraps a MySQL-wire connection pool holding the `cache` schema.
type Store struct {
	db       *sql.DB
	database string
}

// Open connects to the warehouse described by dsn. The caller owns the
// returned Store and must call Close when finished.
func Open(dsn, database string) (*Store, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("catalog: opening warehouse: %w", err)
	}
	return &Store{db: db, database: database}, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// OpenRaw opens a second *sql.DB handle against the same warehouse,
// for callers (the worker pool's materialization queries) that need a
// plain connection rather than the instrumented Store wrapper.
func OpenRaw(dsn string) (*sql.DB, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("catalog: opening raw warehouse connection: %w", err)
	}
	return db, nil
}

func retryBackoff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 30 * time.Second
	return bo
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, substr := range []string{
		"driver: bad connection",
		"invalid connection",
		"broken pipe",
		"connection reset",
		"connection refused",
		"lost connection",
		"gone away",
		"i/o timeout",
	} {
		if strings.Contains(msg, substr) {
			return true
		}
	}
	return false
}

func (s *Store) withRetry(ctx context.Context, op func() error) error {
	attempts := 0
	return backoff.Retry(func() error {
		attempts++
		err := op()
		if err != nil && isRetryable(err) {
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}, backoff.WithContext(retryBackoff(), ctx))
}

func spanSQL(q string) string {
	if len(q) > 300 {
		return q[:300] + "..."
	}
	return q
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (s *Store) spanAttrs(op, query string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("db.system", "mysql"),
		attribute.String("db.name", s.database),
		attribute.String("db.operation", op),
		attribute.String("db.statement", spanSQL(query)),
	}
}

func (s *Store) execContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	ctx, span := telemetry.StartSpan(ctx, "catalog.exec",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(s.spanAttrs("exec", query)...),
	)
	var result sql.Result
	err := s.withRetry(ctx, func() error {
		var execErr error
		result, execErr = s.db.ExecContext(ctx, query, args...)
		return execErr
	})
	endSpan(span, err)
	return result, err
}

func (s *Store) queryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	ctx, span := telemetry.StartSpan(ctx, "catalog.query",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(s.spanAttrs("query", query)...),
	)
	var rows *sql.Rows
	err := s.withRetry(ctx, func() error {
		var queryErr error
		rows, queryErr = s.db.QueryContext(ctx, query, args...)
		return queryErr
	})
	endSpan(span, err)
	return rows, err
}

func (s *Store) queryRowContext(ctx context.Context, scan func(*sql.Row) error, query string, args ...any) error {
	ctx, span := telemetry.StartSpan(ctx, "catalog.query_row",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(s.spanAttrs("query_row", query)...),
	)
	err := s.withRetry(ctx, func() error {
		row := s.db.QueryRowContext(ctx, query, args...)
		return scan(row)
	})
	endSpan(span, err)
	return err
}

// Lookup returns the catalog record for qid, or ErrNotFound.
func (s *Store) Lookup(ctx context.Context, qid string) (Record, error) {
	var rec Record
	var lastAccessed sql.NullTime
	err := s.queryRowContext(ctx, func(row *sql.Row) error {
		return row.Scan(&rec.QID, &rec.Kind, &rec.TableName, &rec.SizeBytes, &rec.Score, &rec.Multiplier,
			&rec.LastTouch, &rec.ComputeTimeSeconds, &rec.AccessCount, &lastAccessed, &rec.Obj, &rec.CreatedAt)
	}, `SELECT qid, kind, table_name, size_bytes, score, multiplier, last_touch, compute_time, access_count, last_accessed, obj, created_at
		FROM cache_catalog WHERE qid = ?`, qid)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("catalog: lookup %q: %w", qid, err)
	}
	rec.LastAccessed = lastAccessed.Time
	return rec, nil
}

// Insert records a brand-new catalog entry for a freshly materialized qid.
// last_accessed starts out equal to created_at; nothing has accessed the
// row yet beyond the materialization that produced it.
func (s *Store) Insert(ctx context.Context, rec Record) error {
	_, err := s.execContext(ctx,
		`INSERT INTO cache_catalog
		 (qid, kind, table_name, size_bytes, score, multiplier, last_touch, compute_time, access_count, last_accessed, obj, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.QID, rec.Kind, rec.TableName, rec.SizeBytes, rec.Score, rec.Multiplier, rec.LastTouch,
		rec.ComputeTimeSeconds, rec.AccessCount, rec.CreatedAt, rec.Obj, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("catalog: insert %q: %w", rec.QID, err)
	}
	return nil
}

// Touch updates a cached record's score, multiplier, and last-touch counter
// in a single statement, the warehouse-side half of cachemanager's touch
// logic. It also bumps access_count/last_accessed, since every touch is
// also an access.
func (s *Store) Touch(ctx context.Context, qid string, score, multiplier float64, touchCounter int64) error {
	result, err := s.execContext(ctx,
		`UPDATE cache_catalog
		 SET score = ?, multiplier = ?, last_touch = ?, access_count = access_count + 1, last_accessed = ?
		 WHERE qid = ?`,
		score, multiplier, touchCounter, time.Now(), qid)
	if err != nil {
		return fmt.Errorf("catalog: touch %q: %w", qid, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("catalog: touch %q rows affected: %w", qid, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchTable bumps access_count/last_accessed for a Table-kind record
// without touching score, multiplier, or the touch counter - Table rows
// aren't scored cache entries, so accessing one never advances the
// exponential-decay machinery (§8's boundary case).
func (s *Store) TouchTable(ctx context.Context, qid string) error {
	result, err := s.execContext(ctx,
		`UPDATE cache_catalog SET access_count = access_count + 1, last_accessed = ? WHERE qid = ? AND kind = ?`,
		time.Now(), qid, KindTable)
	if err != nil {
		return fmt.Errorf("catalog: touch table %q: %w", qid, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("catalog: touch table %q rows affected: %w", qid, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a catalog row outright (but does not drop its materialized
// table; callers drop the table first, then delete the row, so a crash
// mid-eviction can leave a row whose table is already gone, which a retry
// cleans up, but never a live table with no catalog row).
func (s *Store) Delete(ctx context.Context, qid string) error {
	_, err := s.execContext(ctx, `DELETE FROM cache_catalog WHERE qid = ?`, qid)
	if err != nil {
		return fmt.Errorf("catalog: delete %q: %w", qid, err)
	}
	return nil
}

// isSafeTableName reports whether tableName is restricted to characters
// MySQL allows unquoted in an identifier, so it's safe to interpolate into
// a DDL statement. Table names here are always server-generated ("cache_"
// + qid), never taken verbatim from a request, but DROP TABLE can't be
// parameterized, so this is the one place that still needs a manual guard.
func isSafeTableName(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' {
			continue
		}
		return false
	}
	return true
}

// DropTable drops the materialized table backing a cached result. It's a
// no-op if the table doesn't exist, so a crash between dropping and
// deleting the catalog row is safe to retry.
func (s *Store) DropTable(ctx context.Context, tableName string) error {
	if !isSafeTableName(tableName) {
		return fmt.Errorf("catalog: drop table: %q is not a safe identifier", tableName)
	}
	_, err := s.execContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS `%s`", tableName))
	if err != nil {
		return fmt.Errorf("catalog: drop table %q: %w", tableName, err)
	}
	return nil
}

// NextTouchCounter advances the warehouse's monotonic touch-counter clock
// and returns its new value, the MySQL-idiomatic equivalent of the
// Postgres original's cache.cache_touches SEQUENCE driven by a
// touch_cache() stored function: a single-row table incremented and read
// back inside one transaction so concurrent callers never observe or hand
// out the same counter value twice.
func (s *Store) NextTouchCounter(ctx context.Context) (int64, error) {
	ctx, span := telemetry.StartSpan(ctx, "catalog.next_touch_counter", trace.WithSpanKind(trace.SpanKindClient))
	var counter int64
	err := s.withRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		if _, err := tx.ExecContext(ctx, `UPDATE cache_touches SET value = value + 1 WHERE id = 1`); err != nil {
			return err
		}
		if err := tx.QueryRowContext(ctx, `SELECT value FROM cache_touches WHERE id = 1`).Scan(&counter); err != nil {
			return err
		}
		return tx.Commit()
	})
	endSpan(span, err)
	if err != nil {
		return 0, fmt.Errorf("catalog: next touch counter: %w", err)
	}
	return counter, nil
}

// ResetCache atomically clears the catalog side of a full cache reset:
// every non-Table record is deleted, every dependency edge is truncated,
// and the touch counter is reseeded to 1 (P8). It returns the deleted
// records so the caller can drop their backing tables - DDL statements
// cause an implicit commit in MySQL, so DROP TABLE can't itself live
// inside this transaction, mirroring reset_cache's separate
// engine.execute("DROP TABLE ...") calls issued outside its `with
// connection.engine.begin()` block for the same reason.
func (s *Store) ResetCache(ctx context.Context) ([]Record, error) {
	victims, err := s.ListOrderedByScore(ctx)
	if err != nil {
		return nil, fmt.Errorf("catalog: reset cache: %w", err)
	}

	err = s.withRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		if _, err := tx.ExecContext(ctx, `DELETE FROM cache_catalog WHERE kind <> ?`, KindTable); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM cache_dependencies`); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE cache_touches SET value = 1 WHERE id = 1`); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, fmt.Errorf("catalog: reset cache: %w", err)
	}
	return victims, nil
}

// ListOrderedByScore returns every non-Table cached qid ordered ascending
// by score - the eviction candidate order used by shrink_one/
// shrink_below_size. Table records are raw warehouse tables, not evictable
// cache entries (I5), so they're excluded here.
func (s *Store) ListOrderedByScore(ctx context.Context) ([]Record, error) {
	rows, err := s.queryContext(ctx, `SELECT qid, kind, table_name, size_bytes, score, multiplier, last_touch, compute_time, access_count, last_accessed, obj, created_at
		FROM cache_catalog WHERE kind <> ? ORDER BY score ASC`, KindTable)
	if err != nil {
		return nil, fmt.Errorf("catalog: list ordered by score: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var lastAccessed sql.NullTime
		if err := rows.Scan(&rec.QID, &rec.Kind, &rec.TableName, &rec.SizeBytes, &rec.Score, &rec.Multiplier,
			&rec.LastTouch, &rec.ComputeTimeSeconds, &rec.AccessCount, &lastAccessed, &rec.Obj, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("catalog: scanning scored row: %w", err)
		}
		rec.LastAccessed = lastAccessed.Time
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("catalog: iterating scored rows: %w", err)
	}
	return out, nil
}

// SizeOfCache sums size_bytes across every non-Table cached record. Table
// records don't count toward the cache's size budget (I5).
func (s *Store) SizeOfCache(ctx context.Context) (int64, error) {
	var total sql.NullInt64
	err := s.queryRowContext(ctx, func(row *sql.Row) error {
		return row.Scan(&total)
	}, `SELECT SUM(size_bytes) FROM cache_catalog WHERE kind <> ?`, KindTable)
	if err != nil {
		return 0, fmt.Errorf("catalog: size of cache: %w", err)
	}
	return total.Int64, nil
}

// SizeOfTable measures the materialized table for qid directly from the
// warehouse's own accounting, not the (possibly stale) catalog row.
func (s *Store) SizeOfTable(ctx context.Context, tableName string) (int64, error) {
	var bytes sql.NullInt64
	err := s.queryRowContext(ctx, func(row *sql.Row) error {
		return row.Scan(&bytes)
	}, `SELECT data_length + index_length FROM information_schema.tables
		WHERE table_schema = ? AND table_name = ?`, s.database, tableName)
	if err != nil {
		return 0, fmt.Errorf("catalog: size of table %q: %w", tableName, err)
	}
	return bytes.Int64, nil
}

// InsertDependency records a parent/child edge between two qids.
func (s *Store) InsertDependency(ctx context.Context, dep Dependency) error {
	_, err := s.execContext(ctx,
		`INSERT INTO cache_dependencies (parent_qid, child_qid) VALUES (?, ?)`,
		dep.Parent, dep.Child)
	if err != nil {
		return fmt.Errorf("catalog: insert dependency %s->%s: %w", dep.Parent, dep.Child, err)
	}
	return nil
}

// Dependents returns every qid that directly depends on parent. Rows are
// closed before this returns, so callers are free to issue a nested query
// on the same connection - following the teacher's documented habit for
// avoiding connection-pool deadlocks, carried forward here even though a
// MySQL-wire pool tolerates it better than the embedded driver did.
func (s *Store) Dependents(ctx context.Context, parent string) ([]string, error) {
	rows, err := s.queryContext(ctx, `SELECT child_qid FROM cache_dependencies WHERE parent_qid = ?`, parent)
	if err != nil {
		return nil, fmt.Errorf("catalog: dependents of %q: %w", parent, err)
	}

	var children []string
	for rows.Next() {
		var child string
		if err := rows.Scan(&child); err != nil {
			rows.Close()
			return nil, fmt.Errorf("catalog: scanning dependent of %q: %w", parent, err)
		}
		children = append(children, child)
	}
	scanErr := rows.Err()
	rows.Close()
	if scanErr != nil {
		return nil, fmt.Errorf("catalog: iterating dependents of %q: %w", parent, scanErr)
	}
	return children, nil
}

// DependentsBatch looks up dependents for many parents in one round trip,
// batching the IN clause the way the teacher's dependency lookups do to
// avoid issuing one query per qid.
func (s *Store) DependentsBatch(ctx context.Context, parents []string) (map[string][]string, error) {
	if len(parents) == 0 {
		return map[string][]string{}, nil
	}

	placeholders := make([]string, len(parents))
	args := make([]any, len(parents))
	for i, p := range parents {
		placeholders[i] = "?"
		args[i] = p
	}

	query := fmt.Sprintf(`SELECT parent_qid, child_qid FROM cache_dependencies WHERE parent_qid IN (%s)`,
		strings.Join(placeholders, ","))

	rows, err := s.queryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("catalog: dependents batch: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]string, len(parents))
	for rows.Next() {
		var parent, child string
		if err := rows.Scan(&parent, &child); err != nil {
			return nil, fmt.Errorf("catalog: scanning dependents batch row: %w", err)
		}
		out[parent] = append(out[parent], child)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("catalog: iterating dependents batch: %w", err)
	}
	return out, nil
}

const (
	configKeyMaxCacheSizeBytes = "max_cache_size_bytes"
	configKeyHalfLifeTouches   = "half_life_touches"
)

// GetConfig reads the cache configuration out of cache_config's key/value
// rows, mirroring the original's `UPDATE cache.cache_config SET
// value = ... WHERE key = 'half_life'` shape rather than a typed
// fixed-column singleton row.
func (s *Store) GetConfig(ctx context.Context) (Config, error) {
	rows, err := s.queryContext(ctx, "SELECT `key`, value FROM cache_config")
	if err != nil {
		return Config{}, fmt.Errorf("catalog: get config: %w", err)
	}
	defer rows.Close()

	cfg := Config{HalfLifeTouches: 1000}
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return Config{}, fmt.Errorf("catalog: scanning config row: %w", err)
		}
		switch key {
		case configKeyMaxCacheSizeBytes:
			cfg.MaxCacheSizeBytes, _ = strconv.ParseInt(value, 10, 64)
		case configKeyHalfLifeTouches:
			cfg.HalfLifeTouches, _ = strconv.ParseInt(value, 10, 64)
		}
	}
	if err := rows.Err(); err != nil {
		return Config{}, fmt.Errorf("catalog: iterating config rows: %w", err)
	}
	return cfg, nil
}

// SetConfig upserts both config keys as key/value rows.
func (s *Store) SetConfig(ctx context.Context, cfg Config) error {
	if err := s.setConfigValue(ctx, configKeyMaxCacheSizeBytes, strconv.FormatInt(cfg.MaxCacheSizeBytes, 10)); err != nil {
		return err
	}
	return s.setConfigValue(ctx, configKeyHalfLifeTouches, strconv.FormatInt(cfg.HalfLifeTouches, 10))
}

func (s *Store) setConfigValue(ctx context.Context, key, value string) error {
	_, err := s.execContext(ctx,
		"INSERT INTO cache_config (`key`, value) VALUES (?, ?) ON DUPLICATE KEY UPDATE value = VALUES(value)",
		key, value)
	if err != nil {
		return fmt.Errorf("catalog: set config %q: %w", key, err)
	}
	return nil
}

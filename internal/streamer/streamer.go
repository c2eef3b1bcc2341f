// Package streamer implements the result retrieval path: a server-side
// cursor over a materialized result table, lazily encoded as a single
// chunked JSON response.
//
// The envelope shape mirrors the original stream_results.py almost
// exactly: a hand-built prefix ("{...,"result_name":["), one JSON-encoded
// row per cursor step separated by commas, then a closing "]}" - except
// where the Python used an asyncpg cursor inside a transaction, this uses
// a read-only *sql.Tx plus *sql.Rows, and where it used Quart's async
// generator protocol to suspend between rows, this uses http.Flusher plus
// an explicit for/select loop over the request context, in the style of
// the teacher's handleSSEEvents.
package streamer

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/greenape/flowmachine-server/internal/logging"
	"github.com/greenape/flowmachine-server/internal/telemetry"
)

// ErrStreamTerminated is returned when the client disconnects mid-stream.
var ErrStreamTerminated = errors.New("streamer: client disconnected before stream completed")

// ErrStreamingUnsupported is returned if the response writer cannot flush
// chunks incrementally.
var ErrStreamingUnsupported = errors.New("streamer: response writer does not support flushing")

// Source opens the read-only query whose rows make up a stream.
type Source struct {
	DB    *sql.DB
	Query string
	Args  []any
}

// Envelope names the JSON field the result rows are nested under and any
// extra top-level fields to emit alongside them (qid, query kind, etc).
type Envelope struct {
	ResultName string
	Extra      map[string]any
}

// Stream opens a read-only transaction against src, iterates its rows, and
// writes the chunked JSON envelope to w, flushing after every row so the
// client starts receiving data before the query finishes executing.
func Stream(ctx context.Context, w http.ResponseWriter, src Source, env Envelope) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return ErrStreamingUnsupported
	}

	ctx, span := telemetry.StartSpan(ctx, "streamer.stream")
	defer span.End()

	tx, err := src.DB.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return fmt.Errorf("streamer: opening read-only transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, src.Query, src.Args...)
	if err != nil {
		return fmt.Errorf("streamer: opening cursor: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return fmt.Errorf("streamer: reading columns: %w", err)
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if err := writePrefix(w, env); err != nil {
		return err
	}
	flusher.Flush()

	prepend := ""
	var rowCount int64
	for rows.Next() {
		select {
		case <-ctx.Done():
			logging.Debugf("streamer: context cancelled after %d rows", rowCount)
			return ErrStreamTerminated
		default:
		}

		record, err := scanRow(rows, cols)
		if err != nil {
			return fmt.Errorf("streamer: scanning row %d: %w", rowCount, err)
		}

		encoded, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("streamer: encoding row %d: %w", rowCount, err)
		}

		if _, err := fmt.Fprintf(w, "%s%s", prepend, encoded); err != nil {
			return fmt.Errorf("%w: %v", ErrStreamTerminated, err)
		}
		flusher.Flush()
		prepend = ", "
		rowCount++
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("streamer: iterating rows: %w", err)
	}

	if _, err := fmt.Fprint(w, "]}"); err != nil {
		return fmt.Errorf("%w: %v", ErrStreamTerminated, err)
	}
	flusher.Flush()

	telemetry.Instruments.StreamedRows.Add(ctx, rowCount)
	return nil
}

func writePrefix(w http.ResponseWriter, env Envelope) error {
	prefix := "{"
	for k, v := range env.Extra {
		encoded, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("streamer: encoding extra field %q: %w", k, err)
		}
		prefix += fmt.Sprintf("%q:%s, ", k, encoded)
	}
	resultName := env.ResultName
	if resultName == "" {
		resultName = "query_result"
	}
	prefix += fmt.Sprintf("%q:[", resultName)
	_, err := fmt.Fprint(w, prefix)
	return err
}

// scanRow reads one row into a column-name-keyed map, the Go equivalent of
// asyncpg's dict(row.items()).
func scanRow(rows *sql.Rows, cols []string) (map[string]any, error) {
	values := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, err
	}

	record := make(map[string]any, len(cols))
	for i, col := range cols {
		record[col] = normalizeValue(values[i])
	}
	return record, nil
}

// normalizeValue converts database/sql's []byte representation of
// text-ish column types into plain strings so json.Marshal emits a JSON
// string instead of a base64 blob.
func normalizeValue(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}

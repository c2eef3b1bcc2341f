package streamer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flushRecorder wraps httptest.ResponseRecorder and counts Flush calls
// instead of forwarding them to the recorder's own Flush.
type flushRecorder struct {
	*httptest.ResponseRecorder
	flushes int
}

func (f *flushRecorder) Flush() {
	f.flushes++
}

func TestWritePrefixDefaultsResultName(t *testing.T) {
	rec := &flushRecorder{ResponseRecorder: httptest.NewRecorder()}
	err := writePrefix(rec, Envelope{})
	require.NoError(t, err)
	assert.Contains(t, rec.Body.String(), `"query_result":[`)
}

func TestWritePrefixIncludesExtraFields(t *testing.T) {
	rec := &flushRecorder{ResponseRecorder: httptest.NewRecorder()}
	err := writePrefix(rec, Envelope{
		ResultName: "daily_location",
		Extra:      map[string]any{"qid": "abc123"},
	})
	require.NoError(t, err)
	body := rec.Body.String()
	assert.Contains(t, body, `"qid":"abc123"`)
	assert.Contains(t, body, `"daily_location":[`)
}

func TestNormalizeValueConvertsBytesToString(t *testing.T) {
	got := normalizeValue([]byte("admin3_1"))
	assert.Equal(t, "admin3_1", got)
}

func TestNormalizeValuePassesThroughOtherTypes(t *testing.T) {
	assert.Equal(t, int64(42), normalizeValue(int64(42)))
	assert.Nil(t, normalizeValue(nil))
}

func TestStreamRejectsNonFlushingWriter(t *testing.T) {
	// httptest.ResponseRecorder implements http.Flusher, so wrap it in a
	// value that exposes only the http.ResponseWriter methods.
	rec := struct{ http.ResponseWriter }{httptest.NewRecorder()}
	err := Stream(context.Background(), rec, Source{}, Envelope{})
	require.ErrorIs(t, err, ErrStreamingUnsupported)
}

func TestScanRowRoundTripsThroughJSON(t *testing.T) {
	// Exercise the shape scanRow produces end to end through json.Marshal,
	// since scanRow itself needs a live *sql.Rows to call directly.
	record := map[string]any{"subscriber": "a1b2", "count": int64(3)}
	encoded, err := json.Marshal(record)
	require.NoError(t, err)
	assert.Contains(t, string(encoded), `"subscriber":"a1b2"`)
}

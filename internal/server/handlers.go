package server

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/greenape/flowmachine-server/internal/auth"
	"github.com/greenape/flowmachine-server/internal/cachemanager"
	"github.com/greenape/flowmachine-server/internal/catalog"
	"github.com/greenape/flowmachine-server/internal/coordination"
	"github.com/greenape/flowmachine-server/internal/identity"
	"github.com/greenape/flowmachine-server/internal/logging"
	"github.com/greenape/flowmachine-server/internal/querykind"
	"github.com/greenape/flowmachine-server/internal/statemachine"
	"github.com/greenape/flowmachine-server/internal/streamer"
)

// geographyLevels is the closed set of aggregation levels §6's stub
// endpoint accepts, named in the glossary.
var geographyLevels = map[string]bool{
	"admin0": true, "admin1": true, "admin2": true, "admin3": true,
}

// Context wires every collaborator the HTTP layer needs.
type Context struct {
	Catalog      *catalog.Store
	Coord        *coordination.Store
	Pool         *WorkerPool
	CacheManager *cachemanager.Manager
	DB           *sql.DB

	PollInterval time.Duration
}

// Mux builds the net/http handler set for the external interface,
// following the teacher's bare http.HandleFunc idiom (no router library).
func (c *Context) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/run", c.handleRun)
	mux.HandleFunc("/poll/", c.handlePoll)
	mux.HandleFunc("/get_result/", c.handleGetResult)
	mux.HandleFunc("/geography/", c.handleGeography)
	return mux
}

type runRequest struct {
	QueryKind string               `json:"query_kind"`
	Params    identity.Params      `json:"params"`
}

type runResponse struct {
	QID   string `json:"qid"`
	State string `json:"state"`
}

func (c *Context) handleRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	claims := claimsFromRequest(r)
	if !auth.IsPermitted(claims, req.QueryKind, auth.ActionRun, "") {
		writeJSONError(w, http.StatusForbidden, "not permitted")
		return
	}

	desc, err := querykind.Make(req.QueryKind, req.Params)
	if err != nil {
		var verr *querykind.ValidationError
		if errors.As(err, &verr) {
			writeJSONValidationError(w, verr)
			return
		}
		if errors.Is(err, querykind.ErrInvalidQueryKind) {
			writeJSONError(w, http.StatusBadRequest, "unknown query_kind")
			return
		}
		writeJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}

	qid, err := desc.QID()
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "could not derive qid")
		return
	}

	ctx := r.Context()
	key := coordination.StateKey(qid)

	state, err := c.Coord.Get(ctx, key)
	switch {
	case errors.Is(err, coordination.ErrNotFound):
		if casErr := c.Coord.CompareAndSwap(ctx, key, "", string(statemachine.Known)); casErr != nil && !errors.Is(casErr, coordination.ErrConflict) {
			writeJSONError(w, http.StatusInternalServerError, "could not initialize state")
			return
		}
		state = string(statemachine.Known)
	case err != nil:
		writeJSONError(w, http.StatusInternalServerError, "could not read state")
		return
	}

	switch statemachine.State(state) {
	case statemachine.Known:
		if next, trigErr := statemachine.Trigger(statemachine.Known, statemachine.EventEnqueue); trigErr == nil {
			if casErr := c.Coord.CompareAndSwap(ctx, key, state, string(next)); casErr == nil {
				state = string(next)
				c.Pool.Submit(qid, desc)
			}
		}
	case statemachine.Errored, statemachine.Cancelled:
		// Errored/Cancelled can't re-enqueue directly; they must be driven
		// through RESET -> RESETTING -> FINISH_RESET -> KNOWN first.
		if c.CacheManager != nil {
			if err := c.CacheManager.DriveToKnown(ctx, qid); err != nil {
				logging.Errorf("server: resetting %s before re-run: %v", qid, err)
				break
			}
			if next, trigErr := statemachine.Trigger(statemachine.Known, statemachine.EventEnqueue); trigErr == nil {
				if casErr := c.Coord.CompareAndSwap(ctx, key, string(statemachine.Known), string(next)); casErr == nil {
					state = string(next)
					c.Pool.Submit(qid, desc)
				}
			}
		}
	}

	writeJSON(w, http.StatusOK, runResponse{QID: qid, State: state})
}

func (c *Context) handlePoll(w http.ResponseWriter, r *http.Request) {
	qid := strings.TrimPrefix(r.URL.Path, "/poll/")
	if qid == "" {
		writeJSONError(w, http.StatusBadRequest, "qid required")
		return
	}

	state, err := c.Coord.Get(r.Context(), coordination.StateKey(qid))
	if errors.Is(err, coordination.ErrNotFound) {
		writeJSONError(w, http.StatusNotFound, "unknown qid")
		return
	}
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "could not read state")
		return
	}

	writeJSON(w, http.StatusOK, runResponse{QID: qid, State: state})
}

func (c *Context) handleGetResult(w http.ResponseWriter, r *http.Request) {
	qid := strings.TrimPrefix(r.URL.Path, "/get_result/")
	if qid == "" {
		writeJSONError(w, http.StatusBadRequest, "qid required")
		return
	}

	ctx := r.Context()

	if err := BlockWhileExecuting(ctx, c.Coord, qid, c.pollInterval()); err != nil {
		writeJSONError(w, http.StatusGatewayTimeout, "timed out waiting for execution")
		return
	}

	rec, err := c.Catalog.Lookup(ctx, qid)
	if errors.Is(err, catalog.ErrNotFound) {
		writeJSONError(w, http.StatusNotFound, "result not available")
		return
	}
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "could not look up result")
		return
	}

	if c.CacheManager != nil {
		if _, touchErr := c.CacheManager.Touch(ctx, qid); touchErr != nil {
			logging.Errorf("server: touching %s: %v", qid, touchErr)
		}
	}

	src := streamer.Source{DB: c.DB, Query: "SELECT * FROM " + rec.TableName}
	env := streamer.Envelope{
		ResultName: rec.Kind,
		Extra:      map[string]any{"qid": rec.QID},
	}

	if err := streamer.Stream(ctx, w, src, env); err != nil {
		logging.Errorf("server: streaming %s: %v", qid, err)
	}
}

func (c *Context) handleGeography(w http.ResponseWriter, r *http.Request) {
	level := strings.TrimPrefix(r.URL.Path, "/geography/")
	if !geographyLevels[level] {
		writeJSONError(w, http.StatusBadRequest, "unknown aggregation level")
		return
	}

	writeJSONError(w, http.StatusNotImplemented, "geography lookups are served by an out-of-core collaborator")
}

func (c *Context) pollInterval() time.Duration {
	if c.PollInterval <= 0 {
		return 250 * time.Millisecond
	}
	return c.PollInterval
}

// claimsFromRequest extracts already-validated token claims attached by
// upstream auth middleware; signature verification is out of scope here.
func claimsFromRequest(r *http.Request) auth.TokenClaims {
	if claims, ok := r.Context().Value(claimsContextKey{}).(auth.TokenClaims); ok {
		return claims
	}
	return auth.TokenClaims{}
}

type claimsContextKey struct{}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSONValidationError(w http.ResponseWriter, verr *querykind.ValidationError) {
	writeJSON(w, http.StatusBadRequest, map[string]interface{}{
		"error":    "validation failed",
		"kind":     verr.Kind,
		"messages": verr.Messages,
	})
}

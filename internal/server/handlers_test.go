package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandleGeographyRejectsUnknownLevel(t *testing.T) {
	c := &Context{}
	req := httptest.NewRequest(http.MethodGet, "/geography/admin9", nil)
	rec := httptest.NewRecorder()

	c.handleGeography(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleGeographyReturnsNotImplementedForKnownLevel(t *testing.T) {
	c := &Context{}
	req := httptest.NewRequest(http.MethodGet, "/geography/admin3", nil)
	rec := httptest.NewRecorder()

	c.handleGeography(rec, req)

	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestHandleRunRejectsWrongMethod(t *testing.T) {
	c := &Context{}
	req := httptest.NewRequest(http.MethodGet, "/run", nil)
	rec := httptest.NewRecorder()

	c.handleRun(rec, req)

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHandleRunRejectsMalformedBody(t *testing.T) {
	c := &Context{}
	req := httptest.NewRequest(http.MethodPost, "/run", strings.NewReader("not json"))
	rec := httptest.NewRecorder()

	c.handleRun(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlePollRequiresQID(t *testing.T) {
	c := &Context{}
	req := httptest.NewRequest(http.MethodGet, "/poll/", nil)
	rec := httptest.NewRecorder()

	c.handlePoll(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMuxRegistersAllRoutes(t *testing.T) {
	c := &Context{}
	mux := c.Mux()
	require.NotNil(t, mux)
}

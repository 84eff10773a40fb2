package handler

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/solhedge/exitpilot/internal/domain"
)

type fakeMonitor struct {
	active   []string
	started  []string
	stopped  []string
	exitErr  error
	exitCall string
}

func (m *fakeMonitor) Active() []string       { return m.active }
func (m *fakeMonitor) Start(id string)        { m.started = append(m.started, id) }
func (m *fakeMonitor) Stop(id string)         { m.stopped = append(m.stopped, id) }
func (m *fakeMonitor) StopAll()               { m.stopped = append(m.stopped, "*") }
func (m *fakeMonitor) ManualExit(_ context.Context, id string) error {
	m.exitCall = id
	return m.exitErr
}

func newMonitorMux(m MonitorControl) *http.ServeMux {
	h := NewMonitorHandler(m, slog.Default())
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/monitor/active", h.ListActive)
	mux.HandleFunc("POST /api/positions/{id}/exit", h.ManualExit)
	return mux
}

func TestManualExitAccepted(t *testing.T) {
	m := &fakeMonitor{}
	mux := newMonitorMux(m)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/positions/pos-1/exit", nil))

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "pos-1", m.exitCall)
	assert.Contains(t, rec.Body.String(), `"exiting"`)
}

func TestManualExitNotFound(t *testing.T) {
	m := &fakeMonitor{exitErr: domain.ErrNotFound}
	mux := newMonitorMux(m)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/positions/missing/exit", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestManualExitConflictWhenNotHolding(t *testing.T) {
	m := &fakeMonitor{exitErr: domain.ErrNotHolding}
	mux := newMonitorMux(m)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/positions/pos-1/exit", nil))

	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestListActiveEmptyIsJSONArray(t *testing.T) {
	mux := newMonitorMux(&fakeMonitor{})

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/monitor/active", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"active":[]}`, rec.Body.String())
}

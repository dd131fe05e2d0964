package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/augur/internal/domain"
	"github.com/aristath/augur/internal/modules/monitor"
)

type stubMonitor struct {
	alerts    []monitor.Alert
	reports   []monitor.Report
	limit     int
	running   map[string]bool
	triggered []string
}

func (s *stubMonitor) Alerts(_ context.Context, limit int) ([]monitor.Alert, error) {
	s.limit = limit
	return s.alerts, nil
}

func (s *stubMonitor) Reports(_ context.Context, limit int) ([]monitor.Report, error) {
	s.limit = limit
	return s.reports, nil
}

func (s *stubMonitor) Tasks() []monitor.TaskStatus {
	return []monitor.TaskStatus{{Name: monitor.TaskHealth, Schedule: "@every 5m"}}
}

func (s *stubMonitor) RunTask(name string) (bool, error) {
	if name != monitor.TaskHealth && name != monitor.TaskReport {
		return false, &domain.NotFoundError{Kind: "task", Name: name}
	}
	if s.running[name] {
		return false, nil
	}
	s.triggered = append(s.triggered, name)
	return true, nil
}

func setup() (*stubMonitor, chi.Router) {
	m := &stubMonitor{running: map[string]bool{}}
	h := NewHandler(m, zerolog.New(nil).Level(zerolog.Disabled))
	r := chi.NewRouter()
	r.Route("/api", h.RegisterRoutes)
	return m, r
}

func call(r http.Handler, method, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestAlerts(t *testing.T) {
	m, r := setup()
	m.alerts = []monitor.Alert{{ID: "a1", Level: monitor.LevelCritical, Kind: monitor.KindDrift, Value: 0.4, Threshold: 0.3}}

	rec := call(r, http.MethodGet, "/api/monitor/alerts?limit=5")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 5, m.limit)

	var body struct {
		Alerts []monitor.Alert `json:"alerts"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	require.Len(t, body.Alerts, 1)
	assert.Equal(t, monitor.KindDrift, body.Alerts[0].Kind)
}

func TestReports_DefaultsAndEmpty(t *testing.T) {
	m, r := setup()
	rec := call(r, http.MethodGet, "/api/monitor/reports")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 7, m.limit)
	assert.Contains(t, rec.Body.String(), `"reports":[]`)
}

func TestTasks(t *testing.T) {
	_, r := setup()
	rec := call(r, http.MethodGet, "/api/monitor/tasks")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), monitor.TaskHealth)
}

func TestRunTask(t *testing.T) {
	m, r := setup()

	assert.Equal(t, http.StatusAccepted, call(r, http.MethodPost, "/api/monitor/run/"+monitor.TaskReport).Code)
	assert.Equal(t, []string{monitor.TaskReport}, m.triggered)

	m.running[monitor.TaskHealth] = true
	assert.Equal(t, http.StatusConflict, call(r, http.MethodPost, "/api/monitor/run/"+monitor.TaskHealth).Code)

	assert.Equal(t, http.StatusNotFound, call(r, http.MethodPost, "/api/monitor/run/nope").Code)
}

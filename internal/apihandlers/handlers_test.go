package apihandlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coralnet/internal/jobs"
	"coralnet/internal/models"
	"coralnet/internal/store/primary"
)

type recordingEnqueuer struct {
	requests []jobs.EnqueueRequest
}

func (r *recordingEnqueuer) EnqueueJob(_ context.Context, req jobs.EnqueueRequest) error {
	r.requests = append(r.requests, req)
	return nil
}

type testServer struct {
	router   *gin.Engine
	store    *primary.StoreImpl
	sched    *jobs.Scheduler
	enqueuer *recordingEnqueuer
	pingErr  error
	units    []int64
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx := context.Background()

	s, err := primary.NewSQLiteStore(ctx, filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(s.Close)
	require.NoError(t, s.Migrate(ctx))

	reg := jobs.NewRegistry()
	noop := func(context.Context, jobs.Run, []any) (string, error) { return "", nil }
	reg.MustRegister(jobs.Definition{Name: "check_source", Policy: jobs.PolicyRunner, Task: noop})
	reg.MustRegister(jobs.Definition{Name: "collect_spacer_jobs", Policy: jobs.PolicyFull, CronEvery: time.Minute, Task: noop})
	reg.MustRegister(jobs.Definition{Name: "classify_image", Policy: jobs.PolicyStarter, Task: noop})

	ts := &testServer{store: s, enqueuer: &recordingEnqueuer{}}
	now := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	ts.sched = jobs.NewScheduler(s, reg, ts.enqueuer, nil, jobs.DefaultConfig(),
		jobs.WithClock(func() time.Time { return now }),
		jobs.WithJitter(func() time.Duration { return 10 * time.Second }))

	ts.router = NewRouter(&APIHandler{
		Jobs:      s,
		ErrorLogs: s,
		Scheduler: ts.sched,
		ScheduleUnit: func(ctx context.Context, unitID int64, opts ...jobs.ScheduleOption) (*models.Job, bool, error) {
			ts.units = append(ts.units, unitID)
			return ts.sched.ScheduleJob(ctx, "classify_image", []any{unitID}, opts...)
		},
		Ping: func(context.Context) error { return ts.pingErr },
	})
	return ts
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	return w
}

type jobResponse struct {
	Data    models.Job `json:"data"`
	Created bool       `json:"created"`
}

type errorBody struct {
	Error APIError `json:"error"`
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	ts.pingErr = errors.New("database ping failed")
	w = ts.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	var body errorBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "unavailable", body.Error.Code)
	assert.Contains(t, body.Error.Message, "database ping failed")
}

type failingErrorLogs struct{}

func (failingErrorLogs) CreateErrorLog(context.Context, *models.ErrorLog) error { return nil }

func (failingErrorLogs) ListErrorLogs(context.Context, int) ([]*models.ErrorLog, error) {
	return nil, errors.New("pq: relation \"error_logs\" does not exist")
}

func TestInternalErrorHidesDetail(t *testing.T) {
	ts := newTestServer(t)
	router := NewRouter(&APIHandler{Jobs: ts.store, ErrorLogs: failingErrorLogs{}, Scheduler: ts.sched})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/errors", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	var body errorBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "internal_error", body.Error.Code)
	assert.NotContains(t, body.Error.Message, "error_logs")
}

func TestScheduleJob_ClassifyImageLinksUnit(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodPost, "/api/v1/jobs", map[string]any{"job_name": "classify_image", "args": []any{41}})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, []int64{41}, ts.units)

	var resp jobResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "classify_image", resp.Data.JobName)
	assert.Equal(t, "41", resp.Data.ArgIdentifier)
}

func TestScheduleJob_CreatesThenDedupes(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPost, "/api/v1/jobs", map[string]any{
		"job_name":  "check_source",
		"args":      []any{12},
		"source_id": 12,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var first jobResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &first))
	assert.True(t, first.Created)
	assert.Equal(t, "12", first.Data.ArgIdentifier)
	assert.Equal(t, models.JobStatusPending, first.Data.Status)
	require.NotNil(t, first.Data.SourceID)
	assert.EqualValues(t, 12, *first.Data.SourceID)

	w = ts.do(t, http.MethodPost, "/api/v1/jobs", map[string]any{"job_name": "check_source", "args": []any{12}})
	require.Equal(t, http.StatusOK, w.Code)
	var second jobResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &second))
	assert.False(t, second.Created)
	assert.Equal(t, first.Data.ID, second.Data.ID)
	assert.Empty(t, ts.enqueuer.requests)
}

func TestScheduleJob_StartNow(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodPost, "/api/v1/jobs", map[string]any{
		"job_name":  "check_source",
		"args":      []any{3},
		"start_now": true,
	})
	require.Equal(t, http.StatusCreated, w.Code)
	require.Len(t, ts.enqueuer.requests, 1)
	assert.Equal(t, "check_source", ts.enqueuer.requests[0].JobName)
	assert.Equal(t, []any{int64(3)}, ts.enqueuer.requests[0].Args)
}

func TestScheduleJob_BadRequests(t *testing.T) {
	ts := newTestServer(t)
	tests := []struct {
		name string
		body any
	}{
		{"missing name", map[string]any{"args": []any{1}}},
		{"unknown job", map[string]any{"job_name": "make_coffee"}},
		{"fractional arg", map[string]any{"job_name": "check_source", "args": []any{1.5}}},
		{"nested arg", map[string]any{"job_name": "check_source", "args": []any{[]int{1}}}},
		{"negative delay", map[string]any{"job_name": "check_source", "delay_seconds": -1}},
		{"classify without unit", map[string]any{"job_name": "classify_image"}},
		{"classify with two units", map[string]any{"job_name": "classify_image", "args": []any{1, 2}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := ts.do(t, http.MethodPost, "/api/v1/jobs", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
			var body errorBody
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, "bad_request", body.Error.Code)
		})
	}
}

func TestGetAndListJobs(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	job, _, err := ts.sched.ScheduleJob(ctx, "check_source", []any{5}, jobs.WithSource(5))
	require.NoError(t, err)
	_, _, err = ts.sched.ScheduleJob(ctx, "check_source", []any{6}, jobs.WithSource(6))
	require.NoError(t, err)

	w := ts.do(t, http.MethodGet, "/api/v1/jobs/"+jsonID(job.ID), nil)
	require.Equal(t, http.StatusOK, w.Code)
	var got jobResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, job.ID, got.Data.ID)

	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/api/v1/jobs/999", nil).Code)
	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodGet, "/api/v1/jobs/abc", nil).Code)

	w = ts.do(t, http.MethodGet, "/api/v1/jobs?source_id=6&status=pending", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Data []models.Job `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list.Data, 1)
	assert.Equal(t, "6", list.Data[0].ArgIdentifier)

	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodGet, "/api/v1/jobs?status=done", nil).Code)
}

func TestListDefinitionsAndErrors(t *testing.T) {
	ts := newTestServer(t)
	require.NoError(t, ts.store.CreateErrorLog(context.Background(), &models.ErrorLog{Kind: "KeyError", Path: "Task - check_source"}))

	w := ts.do(t, http.MethodGet, "/api/v1/job-definitions", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var defs struct {
		Data []definitionResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &defs))
	require.Len(t, defs.Data, 2)
	assert.Equal(t, "check_source", defs.Data[0].Name)
	assert.Equal(t, "collect_spacer_jobs", defs.Data[1].Name)
	assert.InDelta(t, 60, defs.Data[1].Every, 0)

	w = ts.do(t, http.MethodGet, "/api/v1/errors?limit=5", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var logs struct {
		Data []models.ErrorLog `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &logs))
	require.Len(t, logs.Data, 1)
	assert.Equal(t, "KeyError", logs.Data[0].Kind)
}

func jsonID(id int64) string {
	b, _ := json.Marshal(id)
	return string(b)
}

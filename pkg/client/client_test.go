package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticKey string

func (k staticKey) APIKey() string { return string(k) }

type recorded struct {
	method string
	path   string
	query  string
	header http.Header
	body   []byte
}

func newTestClient(t *testing.T, handler func(w http.ResponseWriter, r *http.Request)) (*Client, chan recorded) {
	t.Helper()
	reqs := make(chan recorded, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		reqs <- recorded{method: r.Method, path: r.URL.Path, query: r.URL.RawQuery, header: r.Header.Clone(), body: body}
		handler(w, r)
	}))
	t.Cleanup(srv.Close)
	c := New(Config{BaseURL: srv.URL + "/v1/", Credentials: staticKey("stored-key"), Version: "1.2.3", Timeout: 2 * time.Second})
	return c, reqs
}

func writeData(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"data": v})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"message": msg, "data": map[string]any{}})
}

func TestHeaders(t *testing.T) {
	c, reqs := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeData(w, []Project{{ID: "p1", Name: "Main"}})
	})

	projects, err := c.ListProjects(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []Project{{ID: "p1", Name: "Main"}}, projects)

	req := <-reqs
	assert.Equal(t, http.MethodGet, req.method)
	assert.Equal(t, "/v1/projects", req.path)
	assert.Equal(t, "Bearer stored-key", req.header.Get("Authorization"))
	assert.Equal(t, "1.2.3", req.header.Get("asrtd"))
	assert.Equal(t, runtime.GOOS+"; "+runtime.GOARCH, req.header.Get("platform"))
	assert.Equal(t, "application/json", req.header.Get("Content-Type"))
}

func TestNoCredentialNoAuthHeader(t *testing.T) {
	reqs := make(chan http.Header, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqs <- r.Header.Clone()
		writeData(w, []Routine{})
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, Credentials: staticKey("")})
	_, err := c.ListRoutines(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, (<-reqs).Get("Authorization"))
}

func TestCheckKey(t *testing.T) {
	c, reqs := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "Bearer good" {
			writeData(w, map[string]string{"id": "u1"})
			return
		}
		writeError(w, http.StatusUnauthorized, "bad key")
	})

	assert.True(t, c.CheckKey(context.Background(), "good"))
	req := <-reqs
	assert.Equal(t, "/v1/user", req.path)
	assert.Equal(t, "Bearer good", req.header.Get("Authorization"), "explicit key overrides stored key")

	assert.False(t, c.CheckKey(context.Background(), "bad"))
}

func TestListRoutinesProjectQuery(t *testing.T) {
	c, reqs := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeData(w, []Routine{
			{ID: "r1", Name: "one", Enabled: true, HasPackage: true},
			{ID: "r2", Name: "two", Enabled: true},
			{ID: "r3", Name: "three"},
		})
	})

	routines, err := c.ListRoutines(context.Background(), "proj-9")
	require.NoError(t, err)
	require.Len(t, routines, 3)
	assert.Equal(t, RoutineActive, routines[0].Status())
	assert.Equal(t, RoutineNotPushed, routines[1].Status())
	assert.Equal(t, RoutineDisabled, routines[2].Status())

	req := <-reqs
	assert.Equal(t, "/v1/routines", req.path)
	assert.Equal(t, "project=proj-9", req.query)
}

func TestRoutineMutations(t *testing.T) {
	c, reqs := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	ctx := context.Background()

	require.NoError(t, c.EnableRoutine(ctx, "r1"))
	req := <-reqs
	assert.Equal(t, http.MethodPost, req.method)
	assert.Equal(t, "/v1/routines/r1/enable", req.path)

	require.NoError(t, c.DisableRoutine(ctx, "r1"))
	assert.Equal(t, "/v1/routines/r1/disable", (<-reqs).path)

	require.NoError(t, c.RemoveRoutine(ctx, "r1"))
	req = <-reqs
	assert.Equal(t, http.MethodDelete, req.method)
	assert.Equal(t, "/v1/routines/r1", req.path)
}

func TestPushRoutine(t *testing.T) {
	c, reqs := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/routines/missing" {
			writeError(w, http.StatusNotFound, "not found")
			return
		}
		writeData(w, map[string]any{})
	})
	ctx := context.Background()

	update := UpdateRoutine{
		Name:         "checkout",
		Interval:     Interval{Unit: "min", Value: 5},
		Mocha:        Mocha{Files: []string{"**/*.asrtd.js"}, Ignore: []string{}, UI: "bdd"},
		Package:      "cGFja2FnZQ==",
		Dependencies: Dependencies{Custom: &CustomDependencies{PackageJSON: "{}", ShrinkwrapJSON: "{}"}},
	}
	require.NoError(t, c.PushRoutine(ctx, "r1", update))
	req := <-reqs
	assert.Equal(t, http.MethodPut, req.method)
	assert.Equal(t, "/v1/routines/r1", req.path)

	var sent map[string]any
	require.NoError(t, json.Unmarshal(req.body, &sent))
	assert.Equal(t, map[string]any{"packageJson": "{}", "shrinkwrapJson": "{}"}, sent["dependencies"])
	assert.Equal(t, "cGFja2FnZQ==", sent["package"])

	err := c.PushRoutine(ctx, "missing", update)
	assert.ErrorIs(t, err, ErrRoutineNotFound)
	assert.Contains(t, err.Error(), "asrtd init --merge")
}

func TestErrorEnvelope(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		contains string
	}{
		{name: "message", status: http.StatusBadRequest, body: `{"message":"mocha.files is required","data":{}}`, contains: "mocha.files is required"},
		{name: "unauthorized", status: http.StatusUnauthorized, body: `{"message":"nope"}`, contains: "re-running `asrtd login`"},
		{name: "forbidden", status: http.StatusForbidden, body: `{"message":"nope"}`, contains: "Forbidden"},
		{name: "no body", status: http.StatusBadGateway, body: ``, contains: "HTTP 502"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			})
			err := c.EnableRoutine(context.Background(), "r1")
			require.Error(t, err)
			var apiErr *APIError
			require.True(t, errors.As(err, &apiErr))
			assert.Equal(t, tt.status, apiErr.Status)
			assert.Contains(t, err.Error(), tt.contains)
		})
	}
}

func TestDebugSyncAndAsync(t *testing.T) {
	record := CompletedRunRecord{
		ID:        "rec-1",
		RoutineID: "r1",
		Status:    StatusPassed,
		Stats:     Stats{Suites: 1, Tests: 2, Passes: 2},
	}
	c, reqs := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/v1/debug" && r.URL.Query().Get("async") == "true":
			writeData(w, DebugAsyncResponse{RecordID: "rec-1", CachedDependencies: false, Dependencies: "build-1"})
		case r.URL.Path == "/v1/debug":
			writeData(w, record)
		case r.URL.Path == "/v1/debug/rec-1":
			writeData(w, record)
		case r.URL.Path == "/v1/debug/unknown":
			writeData(w, nil)
		default:
			http.NotFound(w, r)
		}
	})
	ctx := context.Background()
	run := DebugRun{Package: "pkg", Mocha: Mocha{Files: []string{"a.js"}}, Dependencies: Dependencies{Version: DependenciesV1}}

	got, err := c.Debug(ctx, run)
	require.NoError(t, err)
	assert.Equal(t, "rec-1", got.ID)
	req := <-reqs
	assert.Empty(t, req.query)
	var sent map[string]any
	require.NoError(t, json.Unmarshal(req.body, &sent))
	assert.Equal(t, "v1", sent["dependencies"])

	async, err := c.DebugAsync(ctx, run)
	require.NoError(t, err)
	assert.Equal(t, &DebugAsyncResponse{RecordID: "rec-1", Dependencies: "build-1"}, async)
	assert.Equal(t, "async=true", (<-reqs).query)

	got, err = c.GetDebugRecord(ctx, "rec-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 2, got.Stats.Passes)
	<-reqs

	got, err = c.GetDebugRecord(ctx, "unknown")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestDebugWithoutRecord(t *testing.T) {
	for name, body := range map[string]string{"empty body": "", "null data": `{"data":null}`} {
		t.Run(name, func(t *testing.T) {
			c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				_, _ = io.WriteString(w, body)
			})
			got, err := c.Debug(context.Background(), DebugRun{Package: "pkg"})
			require.NoError(t, err)
			assert.Nil(t, got)
		})
	}
}

func TestRecords(t *testing.T) {
	completed := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	c, reqs := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/routines/r1/records":
			writeData(w, RecordList{
				List:      []CompletedRunRecord{{ID: "a", Status: StatusPassed, CompletedAt: completed}},
				NextAfter: &completed,
			})
		case "/v1/routines/r1/records/a":
			writeData(w, CompletedRunRecord{ID: "a", Status: StatusFailed, FailType: "test"})
		}
	})
	ctx := context.Background()

	list, err := c.SearchRecords(ctx, "r1", Search{Limit: 20})
	require.NoError(t, err)
	require.Len(t, list.List, 1)
	assert.True(t, completed.Equal(list.List[0].CompletedAt))
	require.NotNil(t, list.NextAfter)
	assert.Nil(t, list.PrevBefore)
	req := <-reqs
	assert.Equal(t, http.MethodPost, req.method)
	assert.JSONEq(t, `{"pagination":{"limit":20}}`, string(req.body))

	rec, err := c.GetRecord(ctx, "r1", "a")
	require.NoError(t, err)
	assert.Equal(t, "test", rec.FailType)
}

func TestSearchJSON(t *testing.T) {
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	after := start.Add(time.Hour)

	data, err := json.Marshal(Search{Start: &start, Limit: 5, After: &after})
	require.NoError(t, err)
	assert.JSONEq(t, `{"filter":{"start":"2024-03-01T00:00:00Z"},"pagination":{"after":"2024-03-01T01:00:00Z","limit":5}}`, string(data))

	data, err = json.Marshal(Search{})
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(data))

	var got Search
	require.NoError(t, json.Unmarshal([]byte(`{"filter":{"end":"2024-03-01T00:00:00Z"},"pagination":{"limit":2}}`), &got))
	require.NotNil(t, got.End)
	assert.True(t, start.Equal(*got.End))
	assert.Nil(t, got.Start)
	assert.Equal(t, 2, got.Limit)
}

func TestCreateRoutine(t *testing.T) {
	c, reqs := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeData(w, Routine{ID: "rt-new", ProjectID: "p1", Name: "checkout", Interval: Interval{Unit: "hr", Value: 1}})
	})
	rt, err := c.CreateRoutine(context.Background(), CreateRoutine{
		ProjectID: "p1",
		Name:      "checkout",
		Interval:  Interval{Unit: "hr", Value: 1},
	})
	require.NoError(t, err)
	assert.Equal(t, "rt-new", rt.ID)

	req := <-reqs
	assert.Equal(t, http.MethodPost, req.method)
	assert.Equal(t, "/v1/routines", req.path)
	assert.JSONEq(t, `{"projectId":"p1","name":"checkout","description":"","interval":{"unit":"hr","value":1}}`, string(req.body))
}

func TestStatusAndTimeline(t *testing.T) {
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	c, reqs := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/routines/r1/status":
			_, _ = io.WriteString(w, `{"data":{"overallStatus":"up","status":{"start":"2024-03-01T12:00:00Z"},`+
				`"uptimes":{"day":{"tests":{"availability":1}},"week":{"tests":{"availability":0.995}},"month":{"tests":{"availability":0.9}}}}}`)
		case "/v1/routines/r1/timelines":
			writeData(w, TimelineList{List: []TimelineEvent{{Status: TimelineDown, Start: start, End: start.Add(time.Minute)}}})
		}
	})
	ctx := context.Background()

	st, err := c.RoutineStatus(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, TimelineUp, st.OverallStatus)
	require.NotNil(t, st.Since)
	assert.True(t, start.Equal(st.Since.Start))
	assert.Nil(t, st.Downtime)
	assert.Nil(t, st.NextRunAt)
	assert.InDelta(t, 0.995, st.Uptimes.Week.Tests.Availability, 1e-9)
	assert.Equal(t, http.MethodGet, (<-reqs).method)

	tl, err := c.Timeline(ctx, "r1", Search{Start: &start})
	require.NoError(t, err)
	require.Len(t, tl.List, 1)
	assert.Equal(t, TimelineDown, tl.List[0].Status)
	req := <-reqs
	assert.Equal(t, http.MethodPost, req.method)
	assert.JSONEq(t, `{"filter":{"start":"2024-03-01T12:00:00Z"}}`, string(req.body))
}

func TestPlans(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/projects/p1":
			writeData(w, Project{ID: "p1", Name: "Main"})
		case "/v1/plans":
			writeData(w, map[string]any{"list": []Plan{{ID: "free-1", Name: "Free", Tier: PlanTierFree}}})
		case "/v1/projects/p1/billing":
			_, _ = io.WriteString(w, `{"data":{"planId":"free-1","limits":{"cpuSeconds":3600,"routines":5,"smsCount":10}}}`)
		default:
			http.NotFound(w, r)
		}
	})
	ctx := context.Background()

	project, err := c.GetProject(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "Main", project.Name)

	plans, err := c.ListPlans(ctx)
	require.NoError(t, err)
	assert.Equal(t, []Plan{{ID: "free-1", Name: "Free", Tier: PlanTierFree}}, plans)

	plan, err := c.GetProjectPlan(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "free-1", plan.PlanID)
	assert.Equal(t, PlanLimits{CPUSeconds: 3600, Routines: 5, SMSCount: 10}, plan.Limits)
	assert.Nil(t, plan.Payment)
}

func TestRunImmediate(t *testing.T) {
	c, reqs := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeData(w, CompletedRunRecord{ID: "imm", Status: StatusTimedOut})
	})
	rec, err := c.RunImmediate(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, StatusTimedOut, rec.Status)
	req := <-reqs
	assert.Equal(t, http.MethodPost, req.method)
	assert.Equal(t, "/v1/routines/r1/run", req.path)
}

func TestDependenciesJSON(t *testing.T) {
	var d Dependencies
	require.NoError(t, json.Unmarshal([]byte(`"v1"`), &d))
	assert.False(t, d.IsCustom())
	assert.Equal(t, "v1", d.Version)

	require.NoError(t, json.Unmarshal([]byte(` {"packageJson":"{}","shrinkwrapJson":"[]"}`), &d))
	require.True(t, d.IsCustom())
	assert.Equal(t, "[]", d.Custom.ShrinkwrapJSON)

	assert.Error(t, json.Unmarshal([]byte(`42`), &d))
}

func TestTestResultIsHook(t *testing.T) {
	assert.True(t, TestResult{Type: EventHookBegin}.IsHook())
	assert.True(t, TestResult{Type: EventHookEnd}.IsHook())
	assert.False(t, TestResult{Type: "test end"}.IsHook())
}

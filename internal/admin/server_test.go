package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"postify/internal/connection"
	"postify/internal/gateway"
	"postify/internal/schedule"
	"postify/internal/storage"
	logx "postify/pkg/logx"
)

type fakeGateway struct {
	lastReq    gateway.ScheduleRequest
	lastCancel [2]string
	err        error
}

func (g *fakeGateway) SchedulePost(_ context.Context, req gateway.ScheduleRequest) (schedule.Result, error) {
	g.lastReq = req
	if g.err != nil {
		return schedule.Result{}, g.err
	}
	return schedule.Result{Job: storage.Job{ID: "job-1", PostID: req.PostID, TenantID: req.TenantID, Status: storage.JobPending}}, nil
}

func (g *fakeGateway) CancelPost(_ context.Context, tenantID, postID string) (storage.Job, error) {
	g.lastCancel = [2]string{tenantID, postID}
	if g.err != nil {
		return storage.Job{}, g.err
	}
	return storage.Job{ID: "job-1", Status: storage.JobCancelled}, nil
}

type fakeConns struct{}

func (fakeConns) Snapshot() connection.Snapshot {
	return connection.Snapshot{Running: 1, Connections: []connection.ConnInfo{{TenantID: "t1", Healthy: true}}}
}

type fakeJobs struct{ counts []storage.ChannelJobCount }

func (f fakeJobs) JobsPerChannel(context.Context) ([]storage.ChannelJobCount, error) {
	return f.counts, nil
}

type fakeStore struct{ err error }

func (f fakeStore) Ping(context.Context) error { return f.err }

func do(t *testing.T, h http.Handler, method, path, token, body string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var env envelope
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
			t.Fatalf("decode %s %s: %v", method, path, err)
		}
	}
	return rec, env
}

func TestProbesNeedNoToken(t *testing.T) {
	s := New(Config{Enabled: true, Token: "secret"}, Deps{}, logx.Nop())
	h := s.Handler()

	if rec, _ := do(t, h, http.MethodGet, "/healthz", "", ""); rec.Code != http.StatusOK {
		t.Fatalf("healthz = %d", rec.Code)
	}
	if rec, _ := do(t, h, http.MethodGet, "/readyz", "", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz before ready = %d", rec.Code)
	}
	s.SetReady(true)
	if rec, _ := do(t, h, http.MethodGet, "/readyz", "", ""); rec.Code != http.StatusOK {
		t.Fatalf("readyz after ready = %d", rec.Code)
	}
}

func TestReadyzChecksStorage(t *testing.T) {
	s := New(Config{Enabled: true}, Deps{Store: fakeStore{err: errors.New("db down")}}, logx.Nop())
	s.SetReady(true)
	rec, env := do(t, s.Handler(), http.MethodGet, "/readyz", "", "")
	if rec.Code != http.StatusServiceUnavailable || env.Error == nil || env.Error.Code != "storage_unavailable" {
		t.Fatalf("got %d %+v", rec.Code, env.Error)
	}
}

func TestBearerAuth(t *testing.T) {
	s := New(Config{Enabled: true, Token: "secret"}, Deps{Connections: fakeConns{}}, logx.Nop())
	h := s.Handler()

	if rec, _ := do(t, h, http.MethodGet, "/v1/connections", "", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token = %d", rec.Code)
	}
	if rec, _ := do(t, h, http.MethodGet, "/v1/connections", "wrong", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token = %d", rec.Code)
	}
	if rec, _ := do(t, h, http.MethodGet, "/v1/connections?token=secret", "", ""); rec.Code != http.StatusOK {
		t.Fatalf("query token = %d", rec.Code)
	}
	rec, env := do(t, h, http.MethodGet, "/v1/connections", "secret", "")
	if rec.Code != http.StatusOK || env.Status != "ok" {
		t.Fatalf("bearer = %d %q", rec.Code, env.Status)
	}
	data, _ := json.Marshal(env.Data)
	if !strings.Contains(string(data), `"tenant_id":"t1"`) {
		t.Fatalf("connections body = %s", data)
	}
}

func TestJobsPerChannel(t *testing.T) {
	s := New(Config{Enabled: true}, Deps{Jobs: fakeJobs{counts: []storage.ChannelJobCount{{ChannelID: "c1", Pending: 3}}}}, logx.Nop())
	rec, env := do(t, s.Handler(), http.MethodGet, "/v1/jobs/channels", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	data, _ := json.Marshal(env.Data)
	if string(data) != `[{"channel_id":"c1","pending":3}]` {
		t.Fatalf("body = %s", data)
	}
}

func TestTenantRoutesRequireToken(t *testing.T) {
	gw := &fakeGateway{}
	s := New(Config{Enabled: true}, Deps{Gateway: gw}, logx.Nop())
	rec, _ := do(t, s.Handler(), http.MethodPost, "/v1/tenants/t1/posts/p1/schedule", "", `{"channel_id":"c1","when":"in 15m"}`)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d", rec.Code)
	}
	if gw.lastReq.PostID != "" {
		t.Fatalf("gateway reached without token")
	}
}

func TestScheduleAndCancel(t *testing.T) {
	gw := &fakeGateway{}
	s := New(Config{Enabled: true, Token: "secret"}, Deps{Gateway: gw}, logx.Nop())
	h := s.Handler()

	rec, env := do(t, h, http.MethodPost, "/v1/tenants/t1/posts/p1/schedule", "secret", `{"channel_id":"c1","when":"tomorrow 18:30"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("schedule = %d %+v", rec.Code, env.Error)
	}
	if gw.lastReq.TenantID != "t1" || gw.lastReq.PostID != "p1" || gw.lastReq.ChannelID != "c1" || gw.lastReq.When != "tomorrow 18:30" {
		t.Fatalf("request = %+v", gw.lastReq)
	}

	rec, _ = do(t, h, http.MethodDelete, "/v1/tenants/t1/posts/p1/schedule", "secret", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel = %d", rec.Code)
	}
	if gw.lastCancel != [2]string{"t1", "p1"} {
		t.Fatalf("cancel args = %v", gw.lastCancel)
	}
}

func TestScheduleValidatesBody(t *testing.T) {
	s := New(Config{Enabled: true, Token: "secret"}, Deps{Gateway: &fakeGateway{}}, logx.Nop())
	h := s.Handler()
	for _, body := range []string{`not json`, `{"channel_id":"c1"}`, `{"channel_id":"c1","when":"x","extra":1}`} {
		if rec, _ := do(t, h, http.MethodPost, "/v1/tenants/t1/posts/p1/schedule", "secret", body); rec.Code != http.StatusBadRequest {
			t.Fatalf("body %q = %d", body, rec.Code)
		}
	}
}

func TestErrorStatusMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
		code string
	}{
		{&schedule.ParseError{Input: "in 0m", Reason: "not in the future"}, http.StatusBadRequest, "validation"},
		{fmt.Errorf("post p1: %w", schedule.ErrUnauthorized), http.StatusForbidden, "forbidden"},
		{fmt.Errorf("post p1: %w", schedule.ErrNotFound), http.StatusNotFound, "not_found"},
		{fmt.Errorf("post p1: %w", schedule.ErrInvalidState), http.StatusConflict, "invalid_state"},
		{gateway.ErrBusy, http.StatusConflict, "busy"},
		{gateway.ErrRateLimited, http.StatusTooManyRequests, "rate_limited"},
		{errors.New("disk on fire"), http.StatusInternalServerError, "internal"},
	}
	for _, c := range cases {
		t.Run(c.code, func(t *testing.T) {
			s := New(Config{Enabled: true, Token: "secret"}, Deps{Gateway: &fakeGateway{err: c.err}}, logx.Nop())
			rec, env := do(t, s.Handler(), http.MethodDelete, "/v1/tenants/t1/posts/p1/schedule", "secret", "")
			if rec.Code != c.want || env.Error == nil || env.Error.Code != c.code {
				t.Fatalf("got %d %+v, want %d %s", rec.Code, env.Error, c.want, c.code)
			}
		})
	}
}

func TestMetricsAndPprofMounted(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte("postify_up 1\n")) })
	s := New(Config{Enabled: true, Pprof: true}, Deps{Metrics: metrics}, logx.Nop())
	h := s.Handler()

	rec, _ := do(t, h, http.MethodGet, "/metrics", "", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "postify_up") {
		t.Fatalf("metrics = %d %q", rec.Code, rec.Body.String())
	}
	rec, _ = do(t, h, http.MethodGet, "/debug/pprof/cmdline", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("pprof = %d", rec.Code)
	}

	off := New(Config{Enabled: true}, Deps{}, logx.Nop()).Handler()
	if rec, _ := do(t, off, http.MethodGet, "/debug/pprof/cmdline", "", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("pprof disabled = %d", rec.Code)
	}
}

func TestStartServesAndStops(t *testing.T) {
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, Deps{}, logx.Nop())
	s.Start(context.Background())

	deadline := time.Now().Add(3 * time.Second)
	for s.Addr() == "" {
		if time.Now().After(deadline) {
			t.Fatalf("server did not start")
		}
		time.Sleep(10 * time.Millisecond)
	}
	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz = %d", resp.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	s.Stop(ctx)
	if s.Supervisor() != nil || s.Addr() != "" {
		t.Fatalf("server still registered after Stop")
	}
}

func TestRefusesInsecureBind(t *testing.T) {
	s := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, Deps{}, logx.Nop())
	if err := s.serveOnce(context.Background()); err == nil || !strings.Contains(err.Error(), "insecure") {
		t.Fatalf("err = %v", err)
	}
}

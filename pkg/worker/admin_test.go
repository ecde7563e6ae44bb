package worker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/poncho/poncho/pkg/engine"
	"github.com/poncho/poncho/pkg/policy"
)

type fakeEvents struct {
	events    []*engine.ServiceEvent
	completed bool
}

func (f *fakeEvents) ListEvents(_ context.Context, includeCompleted bool) ([]*engine.ServiceEvent, error) {
	f.completed = includeCompleted
	return f.events, nil
}

func (f *fakeEvents) GetEvent(_ context.Context, id int64) (*engine.ServiceEvent, error) {
	for _, ev := range f.events {
		if ev.ID == id {
			return ev, nil
		}
	}
	return nil, engine.NewPermanentError("service event not found", nil).WithCode(engine.ErrCodeNotFound)
}

func (f *fakeEvents) Transitions(_ context.Context, id int64) ([]engine.Transition, error) {
	return []engine.Transition{{EventID: id, ToState: engine.StateInitialized, Actor: engine.ActorOperator}}, nil
}

func (f *fakeEvents) Workflows() []engine.Workflow {
	registry, _ := engine.DefaultRegistry(nil)
	return registry.List()
}

type healthFunc func(ctx context.Context) error

func (f healthFunc) HealthCheck(ctx context.Context) error { return f(ctx) }

func newTestRouter(health error) (http.Handler, *fakeEvents) {
	events := &fakeEvents{events: []*engine.ServiceEvent{{
		ID:        7,
		Workflow:  engine.DeleteInstancesName,
		State:     engine.StateNotify,
		CreatedAt: time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC),
		Hosts:     []engine.Host{{ID: 1, Name: "compute-1"}},
	}}}
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("poncho_poll_steps_total 1\n"))
	})
	return NewAdminRouter(AdminConfig{
		Events:  events,
		Health:  healthFunc(func(context.Context) error { return health }),
		Metrics: metrics,
		Logger:  zerolog.Nop(),
	}), events
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestAdminHealthz(t *testing.T) {
	h, _ := newTestRouter(nil)
	if rec := get(t, h, "/healthz"); rec.Code != http.StatusOK {
		t.Errorf("healthy status = %d, want 200", rec.Code)
	}

	h, _ = newTestRouter(errors.New("connection refused"))
	rec := get(t, h, "/healthz")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("unhealthy status = %d, want 503", rec.Code)
	}
}

func TestAdminMetrics(t *testing.T) {
	h, _ := newTestRouter(nil)
	rec := get(t, h, "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Body.String() != "poncho_poll_steps_total 1\n" {
		t.Errorf("body = %q", rec.Body.String())
	}
}

func TestAdminEvents(t *testing.T) {
	h, events := newTestRouter(nil)

	rec := get(t, h, "/events?completed=true")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !events.completed {
		t.Error("completed query parameter was not passed through")
	}
	var list []engine.ServiceEvent
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list) != 1 || list[0].ID != 7 {
		t.Errorf("events = %+v", list)
	}

	rec = get(t, h, "/events/7")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var view struct {
		ID          int64               `json:"id"`
		Transitions []engine.Transition `json:"transitions"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if view.ID != 7 || len(view.Transitions) != 1 {
		t.Errorf("event view = %+v", view)
	}

	if rec := get(t, h, "/events/8"); rec.Code != http.StatusNotFound {
		t.Errorf("missing event status = %d, want 404", rec.Code)
	}
	if rec := get(t, h, "/events/abc"); rec.Code != http.StatusBadRequest {
		t.Errorf("bad id status = %d, want 400", rec.Code)
	}
}

func TestAdminWorkflows(t *testing.T) {
	h, _ := newTestRouter(nil)
	rec := get(t, h, "/workflows")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var out []struct {
		Name   string   `json:"name"`
		States []string `json:"states"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out) != len(engine.BuiltinNames()) {
		t.Fatalf("workflows = %d, want %d", len(out), len(engine.BuiltinNames()))
	}
	for _, wf := range out {
		if len(wf.States) == 0 {
			t.Errorf("workflow %s has no states", wf.Name)
		}
	}
}

func TestAdminStatus(t *testing.T) {
	w, err := New(&fakeStepper{}, time.Second, zerolog.Nop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if _, err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}

	h := NewAdminRouter(AdminConfig{Worker: w, Logger: zerolog.Nop()})
	rec := get(t, h, "/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var status Status
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if status.Passes != 1 {
		t.Errorf("Passes = %d, want 1", status.Passes)
	}
}

func post(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, nil))
	return rec
}

func TestAdminPolicies(t *testing.T) {
	guard, err := policy.NewGuard(context.Background(), policy.Config{}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewGuard() error = %v", err)
	}
	defer guard.Close()
	h := NewAdminRouter(AdminConfig{Policies: guard, Logger: zerolog.Nop()})

	rec := get(t, h, "/policies")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var list []policy.Policy
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list) != 1 || list[0].Name != "ha-group-minimum" || !list[0].Enabled {
		t.Fatalf("policies = %+v", list)
	}

	rec = post(t, h, "/policies/ha-group-minimum/disable")
	if rec.Code != http.StatusOK {
		t.Fatalf("disable status = %d", rec.Code)
	}
	var p policy.Policy
	if err := json.Unmarshal(rec.Body.Bytes(), &p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.Enabled {
		t.Error("policy still enabled after disable")
	}
	if got, _ := guard.GetPolicy("ha-group-minimum"); got.Enabled {
		t.Error("guard policy still enabled after disable")
	}

	if rec := post(t, h, "/policies/ha-group-minimum/enable"); rec.Code != http.StatusOK {
		t.Errorf("enable status = %d", rec.Code)
	}
	if rec := get(t, h, "/policies/ha-group-minimum"); rec.Code != http.StatusOK {
		t.Errorf("get status = %d", rec.Code)
	}
	if rec := get(t, h, "/policies/missing"); rec.Code != http.StatusNotFound {
		t.Errorf("missing policy status = %d, want 404", rec.Code)
	}
	if rec := post(t, h, "/policies/missing/enable"); rec.Code != http.StatusNotFound {
		t.Errorf("enable missing policy status = %d, want 404", rec.Code)
	}
}

package worker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/poncho/poncho/pkg/engine"
	"github.com/poncho/poncho/pkg/policy"
)

// EventReader is the read side of the manager.
type EventReader interface {
	ListEvents(ctx context.Context, includeCompleted bool) ([]*engine.ServiceEvent, error)
	GetEvent(ctx context.Context, id int64) (*engine.ServiceEvent, error)
	Transitions(ctx context.Context, id int64) ([]engine.Transition, error)
	Workflows() []engine.Workflow
}

// HealthChecker reports whether a dependency is reachable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// PolicyAdmin inspects and toggles the deletion guard's policies. Toggles
// last until the policies are next reloaded or the worker restarts.
type PolicyAdmin interface {
	ListPolicies() []policy.Policy
	GetPolicy(name string) (*policy.Policy, error)
	EnablePolicy(name string) error
	DisablePolicy(name string) error
}

// AdminConfig wires the admin API. Nil fields disable their routes.
type AdminConfig struct {
	Events   EventReader
	Health   HealthChecker
	Metrics  http.Handler
	Policies PolicyAdmin
	Worker   *Worker
	Logger   zerolog.Logger
}

type workflowView struct {
	Name           string                  `json:"name"`
	Description    string                  `json:"description"`
	States         []string                `json:"states"`
	TerminalStates []string                `json:"terminal_states"`
	Transitions    []engine.TransitionDesc `json:"transitions"`
}

type eventView struct {
	*engine.ServiceEvent
	Transitions []engine.Transition `json:"transitions"`
}

// NewAdminRouter builds the admin routes:
//
//	GET /healthz
//	GET /metrics
//	GET /status
//	GET /events[?completed=true]
//	GET /events/{id}
//	GET /workflows
//	GET /policies
//	GET /policies/{name}
//	POST /policies/{name}/enable
//	POST /policies/{name}/disable
func NewAdminRouter(cfg AdminConfig) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(cfg.Logger))

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		if cfg.Health != nil {
			ctx, cancel := context.WithTimeout(req.Context(), 5*time.Second)
			defer cancel()
			if err := cfg.Health.HealthCheck(ctx); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics)
	}

	if cfg.Worker != nil {
		r.Get("/status", func(w http.ResponseWriter, req *http.Request) {
			writeJSON(w, http.StatusOK, cfg.Worker.Status())
		})
	}

	if cfg.Events != nil {
		r.Route("/events", func(r chi.Router) {
			r.Get("/", func(w http.ResponseWriter, req *http.Request) {
				completed, _ := strconv.ParseBool(req.URL.Query().Get("completed"))
				events, err := cfg.Events.ListEvents(req.Context(), completed)
				if err != nil {
					writeError(w, err)
					return
				}
				if events == nil {
					events = []*engine.ServiceEvent{}
				}
				writeJSON(w, http.StatusOK, events)
			})
			r.Get("/{id}", func(w http.ResponseWriter, req *http.Request) {
				id, err := strconv.ParseInt(chi.URLParam(req, "id"), 10, 64)
				if err != nil {
					writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid event id"})
					return
				}
				event, err := cfg.Events.GetEvent(req.Context(), id)
				if err != nil {
					writeError(w, err)
					return
				}
				history, err := cfg.Events.Transitions(req.Context(), id)
				if err != nil {
					writeError(w, err)
					return
				}
				writeJSON(w, http.StatusOK, eventView{ServiceEvent: event, Transitions: history})
			})
		})

		r.Get("/workflows", func(w http.ResponseWriter, req *http.Request) {
			workflows := cfg.Events.Workflows()
			out := make([]workflowView, 0, len(workflows))
			for _, wf := range workflows {
				out = append(out, workflowView{
					Name:           wf.Name(),
					Description:    wf.Description(),
					States:         wf.States(),
					TerminalStates: wf.TerminalStates(),
					Transitions:    wf.Transitions(),
				})
			}
			writeJSON(w, http.StatusOK, out)
		})
	}

	if cfg.Policies != nil {
		r.Route("/policies", func(r chi.Router) {
			r.Get("/", func(w http.ResponseWriter, req *http.Request) {
				writeJSON(w, http.StatusOK, cfg.Policies.ListPolicies())
			})
			r.Get("/{name}", func(w http.ResponseWriter, req *http.Request) {
				p, err := cfg.Policies.GetPolicy(chi.URLParam(req, "name"))
				if err != nil {
					writeError(w, err)
					return
				}
				writeJSON(w, http.StatusOK, p)
			})
			r.Post("/{name}/enable", togglePolicy(cfg, cfg.Policies.EnablePolicy))
			r.Post("/{name}/disable", togglePolicy(cfg, cfg.Policies.DisablePolicy))
		})
	}

	return r
}

func togglePolicy(cfg AdminConfig, toggle func(string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		name := chi.URLParam(req, "name")
		if err := toggle(name); err != nil {
			writeError(w, err)
			return
		}
		p, err := cfg.Policies.GetPolicy(name)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, p)
	}
}

// ServeAdmin serves handler on addr until ctx is canceled, then shuts down
// gracefully.
func ServeAdmin(ctx context.Context, addr string, handler http.Handler, logger zerolog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Msg("Admin API listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, engine.ErrEventNotFound) || errors.Is(err, policy.ErrPolicyNotFound) {
		status = http.StatusNotFound
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			started := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("duration", time.Since(started)).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("Admin request")
		})
	}
}

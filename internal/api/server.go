package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/ggicci/httpin"
	httpin_integ "github.com/ggicci/httpin/integration"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"conductor/internal/domain"
	"conductor/internal/metrics"
	"conductor/internal/queue"
	"conductor/internal/scheduler"
)

type Options struct {
	// LongPollTimeout bounds how long dequeue and output requests wait.
	LongPollTimeout time.Duration
	EnableDebug     bool
}

func defaultOpts(opts Options) Options {
	o := Options{LongPollTimeout: 60 * time.Second}
	if opts.LongPollTimeout > 0 {
		o.LongPollTimeout = opts.LongPollTimeout
	}
	o.EnableDebug = opts.EnableDebug
	return o
}

func init() {
	httpin_integ.UseGochiURLParam("path", chi.URLParam)
}

type Server struct {
	r         *chi.Mux
	scheduler *scheduler.Scheduler
	metrics   *metrics.Metrics
	opts      Options
	now       func() time.Time
}

func NewServer(s *scheduler.Scheduler, m *metrics.Metrics, opts Options) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	srv := &Server{r: r, scheduler: s, metrics: m, opts: defaultOpts(opts), now: time.Now}

	r.Get("/health", srv.health)
	r.Handle("/metrics", m.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/schedule", srv.schedule)
		r.Post("/dequeue", srv.dequeue)
		r.Post("/search", srv.search)
		r.With(httpin.NewInput(OutputRequest{})).Get("/tasks/{taskId}/output", srv.output)
		r.With(httpin.NewInput(TaskPath{})).Put("/tasks/{taskId}", srv.transition)
		r.With(httpin.NewInput(TaskPath{})).Post("/tasks/{taskId}/heartbeat", srv.heartbeat)

		r.Post("/recurring", srv.recurring)
		r.Post("/schedules/search", srv.searchSchedules)
		r.With(httpin.NewInput(SchedulePath{})).Put("/schedules/{name}", srv.setScheduleState)
	})

	if srv.opts.EnableDebug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	}

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) schedule(w http.ResponseWriter, r *http.Request) {
	var req domain.TaskProps
	if !decodeBody(w, r, &req) {
		return
	}
	task, err := s.scheduler.Schedule(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	log.Info().Str("task_id", task.ID).Str("task_name", task.Name).Str("group_key", task.GroupKey).Msg("task scheduled")
	writeJSON(w, http.StatusCreated, ScheduleResponse{TaskID: task.ID})
}

func (s *Server) dequeue(w http.ResponseWriter, r *http.Request) {
	var req DequeueRequest
	if !decodeBody(w, r, &req) {
		return
	}
	var (
		tasks []domain.Task
		err   error
	)
	if req.LongPolling {
		tasks, err = s.scheduler.WaitForTasks(r.Context(), req.GroupKey, req.Limit, s.opts.LongPollTimeout)
	} else {
		tasks, err = s.scheduler.Dequeue(r.Context(), req.GroupKey, req.Limit)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) search(w http.ResponseWriter, r *http.Request) {
	var req SearchRequest
	if !decodeBody(w, r, &req) {
		return
	}
	tasks, err := s.scheduler.Search(r.Context(), queue.SearchParams{
		IDs:        req.IDs,
		GroupKey:   req.GroupKey,
		States:     req.States,
		ScheduleID: req.ScheduleID,
		Limit:      req.Limit,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) output(w http.ResponseWriter, r *http.Request) {
	req := r.Context().Value(httpin.Input).(*OutputRequest)

	var (
		task domain.Task
		err  error
	)
	if req.LongPolling {
		task, err = s.scheduler.WaitForOutput(r.Context(), req.TaskID, s.opts.LongPollTimeout)
	} else {
		task, err = s.scheduler.Get(r.Context(), req.TaskID)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, OutputResponse{ID: task.ID, State: task.State, Output: task.Output})
}

func (s *Server) transition(w http.ResponseWriter, r *http.Request) {
	path := r.Context().Value(httpin.Input).(*TaskPath)
	var req TransitionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	task, err := s.scheduler.Transition(r.Context(), queue.TransitionProps{
		ID:       path.TaskID,
		NewState: req.State,
		Output:   req.Output,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	log.Info().Str("task_id", task.ID).Str("state", string(task.State)).Msg("task transitioned")
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) heartbeat(w http.ResponseWriter, r *http.Request) {
	path := r.Context().Value(httpin.Input).(*TaskPath)
	if _, err := s.scheduler.Heartbeat(r.Context(), path.TaskID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

func (s *Server) recurring(w http.ResponseWriter, r *http.Request) {
	var req domain.ScheduleProps
	if !decodeBody(w, r, &req) {
		return
	}
	sched, err := s.scheduler.CreateSchedule(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	log.Info().Str("schedule_id", sched.ID).Str("schedule_name", sched.Name).Msg("schedule created")
	writeJSON(w, http.StatusCreated, RecurringResponse{ScheduleID: sched.ID})
}

func (s *Server) searchSchedules(w http.ResponseWriter, r *http.Request) {
	var req SchedulesSearchRequest
	if !decodeBody(w, r, &req) {
		return
	}
	schedules, err := s.scheduler.SearchSchedules(r.Context(), queue.ScheduleSearchParams{
		Names: req.Names,
		Limit: req.Limit,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	now := s.now()
	views := make([]ScheduleView, 0, len(schedules))
	for _, sched := range schedules {
		views = append(views, NewScheduleView(sched, now))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) setScheduleState(w http.ResponseWriter, r *http.Request) {
	path := r.Context().Value(httpin.Input).(*SchedulePath)
	var req ScheduleStateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	sched, err := s.scheduler.SetScheduleState(r.Context(), path.Name, req.State)
	if err != nil {
		writeError(w, err)
		return
	}
	log.Info().Str("schedule_name", sched.Name).Str("state", string(sched.State)).Msg("schedule state changed")
	writeJSON(w, http.StatusOK, NewScheduleView(sched, s.now()))
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: &ErrorBody{
			Code:    queue.CodeInvalidProps,
			Message: fmt.Sprintf("invalid request body: %v", err),
		}})
		return false
	}
	return true
}

// statusClientClosedRequest is the nginx convention for a request abandoned
// by its client.
const statusClientClosedRequest = 499

func statusOf(code string) int {
	switch code {
	case queue.CodeNotFound:
		return http.StatusNotFound
	case queue.CodeInvalidProps:
		return http.StatusBadRequest
	case queue.CodeInvalidTransition, queue.CodeTaskTerminated:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	if errors.Is(err, context.Canceled) {
		// the caller is gone; nobody reads the response
		log.Debug().Err(err).Msg("request cancelled")
		w.WriteHeader(statusClientClosedRequest)
		return
	}
	code := queue.Code(err)
	message := err.Error()
	var qe *queue.Error
	if errors.As(err, &qe) {
		message = qe.Message
	}
	if code == queue.CodeInternal {
		log.Error().Err(err).Msg("request failed")
	}
	writeJSON(w, statusOf(code), ErrorResponse{Error: &ErrorBody{Code: code, Message: message}})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

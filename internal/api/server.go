// Package api is the HTTP protocol adapter. Handlers translate requests into
// dispatcher calls and scheduler operations; identity arrives as trusted
// gateway headers and is translated into an actor before dispatch.
package api

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"agora/internal/chain"
	"agora/internal/chain/evm"
	"agora/internal/chain/solana"
	"agora/internal/community"
	"agora/internal/dispatch"
	"agora/internal/domain"
	"agora/internal/scheduler"
)

type Server struct {
	r         *chi.Mux
	community *community.Service
	ingestor  *chain.Ingestor
	sched     *scheduler.Scheduler
	schedules *scheduler.Schedules
}

func NewServer(communitySvc *community.Service, ingestor *chain.Ingestor, sched *scheduler.Scheduler, schedules *scheduler.Schedules) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{r: r, community: communitySvc, ingestor: ingestor, sched: sched, schedules: schedules}

	r.Get("/health", s.health)

	r.Post("/api/communities/join", s.joinCommunity)
	r.Get("/api/referrals", s.getReferrals)

	r.Post("/api/chain/evm", s.ingestEVM)
	r.Post("/api/chain/solana", s.ingestSolana)

	r.Post("/api/jobs", s.submitJob)
	r.Get("/api/jobs/{id}", s.getJob)
	r.Post("/api/jobs/reschedule", s.rescheduleJobs)
	r.Delete("/api/jobs/{id}", s.removeJob)

	r.Post("/api/schedules", s.createSchedule)
	r.Get("/api/schedules", s.listSchedules)
	r.Get("/api/schedules/{id}", s.getSchedule)
	r.Put("/api/schedules/{id}", s.updateSchedule)
	r.Delete("/api/schedules/{id}", s.deleteSchedule)

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// actorFrom reads the identity headers set by the gateway in front of this
// service. An absent X-User-ID yields the anonymous actor, which the signed-in
// middleware rejects.
func actorFrom(r *http.Request) domain.Actor {
	var a domain.Actor
	if id, err := strconv.ParseInt(r.Header.Get("X-User-ID"), 10, 64); err == nil {
		a.User.ID = id
	}
	a.User.Email = r.Header.Get("X-User-Email")
	a.User.EmailVerified = r.Header.Get("X-Email-Verified") == "true"
	a.User.IsAdmin = r.Header.Get("X-Admin") == "true"
	return a
}

func (s *Server) joinCommunity(w http.ResponseWriter, r *http.Request) {
	var payload json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	out, err := dispatch.RunCommand(r.Context(), s.community.JoinCommunity(), actorFrom(r), payload)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

func (s *Server) getReferrals(w http.ResponseWriter, r *http.Request) {
	filters := map[string]any{}
	if v := r.URL.Query().Get("referrer_address"); v != "" {
		filters["referrer_address"] = v
	}
	if v := r.URL.Query().Get("namespace_address"); v != "" {
		filters["namespace_address"] = v
	}
	payload, err := json.Marshal(filters)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	out, err := dispatch.RunQuery(r.Context(), s.community.GetReferrals(), actorFrom(r), payload)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

type ingestResp struct {
	Received int `json:"received"`
	Recorded int `json:"recorded"`
}

func (s *Server) ingestEVM(w http.ResponseWriter, r *http.Request) {
	var events []evm.Event
	if err := json.NewDecoder(r.Body).Decode(&events); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	n, err := s.ingestor.IngestEVM(r.Context(), events)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, ingestResp{Received: len(events), Recorded: n})
}

func (s *Server) ingestSolana(w http.ResponseWriter, r *http.Request) {
	var events []solana.Event
	if err := json.NewDecoder(r.Body).Decode(&events); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	n, err := s.ingestor.IngestSolana(r.Context(), events)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, ingestResp{Received: len(events), Recorded: n})
}

type submitJobReq struct {
	Task        string          `json:"task"`
	Payload     json.RawMessage `json:"payload"`
	QueueName   string          `json:"queue_name"`
	Priority    int             `json:"priority"`
	MaxAttempts int             `json:"max_attempts"`
	RunAt       *time.Time      `json:"run_at"`
	JobKey      string          `json:"job_key"`
	JobKeyMode  string          `json:"job_key_mode"`
	Flags       []string        `json:"flags"`
}

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	var req submitJobReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Task == "" {
		http.Error(w, "task is required", http.StatusBadRequest)
		return
	}
	opts := scheduler.Options{
		QueueName:   req.QueueName,
		Priority:    req.Priority,
		MaxAttempts: req.MaxAttempts,
		JobKey:      req.JobKey,
		JobKeyMode:  scheduler.JobKeyMode(req.JobKeyMode),
		Flags:       req.Flags,
	}
	if req.RunAt != nil {
		opts.RunAt = *req.RunAt
	}
	job, err := s.sched.ScheduleTask(r.Context(), nil, req.Task, req.Payload, opts)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.sched.Job(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type rescheduleReq struct {
	JobIDs      []string   `json:"job_ids"`
	RunAt       *time.Time `json:"run_at"`
	Priority    *int       `json:"priority"`
	Attempts    *int       `json:"attempts"`
	MaxAttempts *int       `json:"max_attempts"`
}

func (s *Server) rescheduleJobs(w http.ResponseWriter, r *http.Request) {
	var req rescheduleReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	n, err := s.sched.RescheduleJobs(r.Context(), nil, req.JobIDs, scheduler.RescheduleOptions{
		RunAt:       req.RunAt,
		Priority:    req.Priority,
		Attempts:    req.Attempts,
		MaxAttempts: req.MaxAttempts,
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"rescheduled": n})
}

func (s *Server) removeJob(w http.ResponseWriter, r *http.Request) {
	if err := s.sched.RemoveJob(r.Context(), nil, chi.URLParam(r, "id")); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type scheduleReq struct {
	Name        string          `json:"name"`
	CronExpr    string          `json:"cron_expr"`
	TaskType    string          `json:"task_type"`
	Payload     json.RawMessage `json:"payload"`
	Priority    int             `json:"priority"`
	MaxAttempts int             `json:"max_attempts"`
	Enabled     bool            `json:"enabled"`
}

func (s *Server) createSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		http.Error(w, "name is required", http.StatusBadRequest)
		return
	}
	if req.CronExpr == "" {
		http.Error(w, "cron_expr is required", http.StatusBadRequest)
		return
	}
	if req.TaskType == "" {
		http.Error(w, "task_type is required", http.StatusBadRequest)
		return
	}
	if err := scheduler.ValidateCronExpression(req.CronExpr); err != nil {
		http.Error(w, "invalid cron expression: "+err.Error(), http.StatusBadRequest)
		return
	}
	nextRun, err := scheduler.NextRunTime(req.CronExpr, time.Now())
	if err != nil {
		http.Error(w, "failed to calculate next run time: "+err.Error(), http.StatusBadRequest)
		return
	}

	id, err := s.schedules.Create(r.Context(), domain.Schedule{
		Name:        req.Name,
		CronExpr:    req.CronExpr,
		TaskType:    req.TaskType,
		Payload:     req.Payload,
		Priority:    req.Priority,
		MaxAttempts: req.MaxAttempts,
		Enabled:     req.Enabled,
		NextRun:     nextRun,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) listSchedules(w http.ResponseWriter, r *http.Request) {
	schedules, err := s.schedules.List(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, schedules)
}

func (s *Server) getSchedule(w http.ResponseWriter, r *http.Request) {
	schedule, err := s.schedules.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, schedule)
}

func (s *Server) updateSchedule(w http.ResponseWriter, r *http.Request) {
	schedule, err := s.schedules.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}

	var req scheduleReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Name != "" {
		schedule.Name = req.Name
	}
	if req.CronExpr != "" {
		if err := scheduler.ValidateCronExpression(req.CronExpr); err != nil {
			http.Error(w, "invalid cron expression: "+err.Error(), http.StatusBadRequest)
			return
		}
		schedule.CronExpr = req.CronExpr
		nextRun, err := scheduler.NextRunTime(req.CronExpr, time.Now())
		if err != nil {
			http.Error(w, "failed to calculate next run time: "+err.Error(), http.StatusBadRequest)
			return
		}
		schedule.NextRun = nextRun
	}
	if req.TaskType != "" {
		schedule.TaskType = req.TaskType
	}
	if req.Payload != nil {
		schedule.Payload = req.Payload
	}
	if req.Priority > 0 {
		schedule.Priority = req.Priority
	}
	if req.MaxAttempts > 0 {
		schedule.MaxAttempts = req.MaxAttempts
	}
	schedule.Enabled = req.Enabled

	if err := s.schedules.Update(r.Context(), schedule); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, schedule)
}

func (s *Server) deleteSchedule(w http.ResponseWriter, r *http.Request) {
	if err := s.schedules.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeErr maps the dispatcher's discriminated error types onto status codes;
// anything unrecognized is a 500.
func writeErr(w http.ResponseWriter, err error) {
	var invalidInput *domain.InvalidInputError
	if errors.As(err, &invalidInput) {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":  "invalid input",
			"issues": invalidInput.Issues,
		})
		return
	}
	var invalidActor *domain.InvalidActorError
	if errors.As(err, &invalidActor) {
		writeJSON(w, http.StatusForbidden, map[string]any{"error": invalidActor.Reason})
		return
	}
	if errors.Is(err, scheduler.ErrNotPending) {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	if errors.Is(err, sql.ErrNoRows) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

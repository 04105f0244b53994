// Package api exposes the orchestrator over HTTP. Every external-facing call
// passes through the security gateway: token validation, per-identity rate
// limiting, and circuit breaking.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"fleetflow/internal/deadletter"
	"fleetflow/internal/domain"
	"fleetflow/internal/fleet"
	"fleetflow/internal/ledger"
	"fleetflow/internal/queue"
	"fleetflow/internal/scheduler"
	"fleetflow/internal/security"
)

type Server struct {
	r       *chi.Mux
	queue   *queue.Queue
	fleet   *fleet.Registry
	sched   *scheduler.Store
	dlq     *deadletter.Manager
	ledger  *ledger.Ledger
	gateway *security.Gateway
}

type Deps struct {
	Queue   *queue.Queue
	Fleet   *fleet.Registry
	Sched   *scheduler.Store
	DLQ     *deadletter.Manager
	Ledger  *ledger.Ledger
	Gateway *security.Gateway
	Debug   bool
}

func NewServer(d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{r: r, queue: d.Queue, fleet: d.Fleet, sched: d.Sched, dlq: d.DLQ, ledger: d.Ledger, gateway: d.Gateway}

	r.Get("/health", s.health)
	r.Get("/metrics", s.metrics)

	// Operator surface.
	r.Post("/api/jobs", s.auth(security.ScopeOperator, s.submitJob))
	r.Get("/api/jobs/{id}", s.auth(security.ScopeOperator, s.getJob))
	r.Post("/api/jobs/{id}/cancel", s.auth(security.ScopeOperator, s.cancelJob))

	// Fleet surface.
	r.Post("/api/robots", s.auth(security.ScopeRobot, s.registerRobot))
	r.Get("/api/robots", s.auth(security.ScopeOperator, s.listRobots))
	r.Post("/api/robots/{id}/heartbeat", s.auth(security.ScopeRobot, s.heartbeat))
	r.Post("/api/robots/{id}/claim", s.auth(security.ScopeRobot, s.claim))
	r.Post("/api/robots/{id}/retire", s.auth(security.ScopeOperator, s.retireRobot))

	// Claim protocol reporting.
	r.Post("/api/jobs/{id}/start", s.auth(security.ScopeRobot, s.startJob))
	r.Post("/api/jobs/{id}/progress", s.auth(security.ScopeRobot, s.jobProgress))
	r.Post("/api/jobs/{id}/extend", s.auth(security.ScopeRobot, s.extendLease))
	r.Post("/api/jobs/{id}/complete", s.auth(security.ScopeRobot, s.completeJob))
	r.Post("/api/jobs/{id}/fail", s.auth(security.ScopeRobot, s.failJob))

	// Schedules and calendars.
	r.Post("/api/schedules", s.auth(security.ScopeOperator, s.createSchedule))
	r.Get("/api/schedules", s.auth(security.ScopeOperator, s.listSchedules))
	r.Get("/api/schedules/{id}", s.auth(security.ScopeOperator, s.getSchedule))
	r.Put("/api/schedules/{id}", s.auth(security.ScopeOperator, s.updateSchedule))
	r.Post("/api/schedules/{id}/pause", s.auth(security.ScopeOperator, s.pauseSchedule))
	r.Post("/api/schedules/{id}/resume", s.auth(security.ScopeOperator, s.resumeSchedule))
	r.Post("/api/schedules/{id}/dependencies", s.auth(security.ScopeOperator, s.addDependency))
	r.Put("/api/schedules/{id}/sla", s.auth(security.ScopeOperator, s.setSLA))
	r.Put("/api/schedules/{id}/ratelimit", s.auth(security.ScopeOperator, s.setRateLimit))
	r.Get("/api/schedules/{id}/executions", s.auth(security.ScopeOperator, s.listExecutions))
	r.Post("/api/calendars", s.auth(security.ScopeOperator, s.createCalendar))
	r.Get("/api/calendars/{id}", s.auth(security.ScopeOperator, s.getCalendar))
	r.Post("/api/calendars/{id}/blackouts", s.auth(security.ScopeOperator, s.addBlackout))

	// Audit export.
	r.Get("/api/audit", s.auth(security.ScopeOperator, s.auditExport))
	r.Get("/api/audit/verify", s.auth(security.ScopeOperator, s.auditVerify))

	// Dead letters.
	r.Get("/api/deadletters", s.auth(security.ScopeOperator, s.listDeadLetters))
	r.Get("/api/deadletters/stats", s.auth(security.ScopeOperator, s.deadLetterStats))
	r.Post("/api/deadletters/{id}/requeue", s.auth(security.ScopeOperator, s.requeueDeadLetter))
	r.Post("/api/deadletters/{id}/discard", s.auth(security.ScopeOperator, s.discardDeadLetter))

	// Credentials.
	r.Post("/api/tokens", s.auth(security.ScopeAdmin, s.issueToken))
	r.Delete("/api/tokens/{id}", s.auth(security.ScopeAdmin, s.revokeToken))

	if d.Debug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	}

	return r
}

type ctxKey int

const identityKey ctxKey = 0

func actorFrom(r *http.Request) string {
	if v, ok := r.Context().Value(identityKey).(string); ok {
		return v
	}
	return "unknown"
}

// auth wraps a handler with token validation, scope checking, rate limiting
// and the per-identity circuit breaker. Server errors count against the
// identity's breaker; everything else counts as a successful probe.
func (s *Server) auth(scope string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		secret := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		tok, err := s.gateway.Validate(r.Context(), secret)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		if !s.gateway.Allow(tok.Identity) {
			http.Error(w, "circuit breaker open", http.StatusServiceUnavailable)
			return
		}
		if !s.gateway.CheckRateLimit(tok.Identity) {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		if !security.ScopeAllowed(tok, scope) {
			http.Error(w, "insufficient scope", http.StatusForbidden)
			return
		}
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next(ww, r.WithContext(context.WithValue(r.Context(), identityKey, tok.Identity)))
		if ww.Status() >= 500 {
			s.gateway.RecordFailure(tok.Identity)
		} else {
			s.gateway.RecordSuccess(tok.Identity)
		}
	}
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("content-type", "text/plain; version=0.0.4")
	fmt.Fprintln(w, "fleetflow_up 1")
	if counts, err := s.queue.CountByStatus(r.Context()); err == nil {
		for status, n := range counts {
			fmt.Fprintf(w, "fleetflow_jobs{status=%q} %d\n", status, n)
		}
	}
	if robots, err := s.fleet.List(r.Context()); err == nil {
		online := 0
		for _, rb := range robots {
			if rb.Status == domain.RobotOnline || rb.Status == domain.RobotBusy {
				online++
			}
		}
		fmt.Fprintf(w, "fleetflow_robots_online %d\n", online)
	}
	if stats, err := s.dlq.Stats(r.Context()); err == nil {
		fmt.Fprintf(w, "fleetflow_deadletters_pending %d\n", stats.PendingItems)
	}
}

type submitJobReq struct {
	WorkflowID    string          `json:"workflow_id"`
	Priority      int             `json:"priority"`
	Mode          string          `json:"mode"`
	Capabilities  []string        `json:"capabilities"`
	TargetRobotID *string         `json:"target_robot_id"`
	Payload       json.RawMessage `json:"payload"`
	MaxRetries    int             `json:"max_retries"`
	TimeoutSecs   int             `json:"timeout_secs"`
}

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	var req submitJobReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	id, err := s.queue.Submit(r.Context(), domain.Job{
		WorkflowID:    req.WorkflowID,
		Priority:      req.Priority,
		Mode:          req.Mode,
		Capabilities:  req.Capabilities,
		TargetRobotID: req.TargetRobotID,
		Payload:       req.Payload,
		MaxRetries:    req.MaxRetries,
		TimeoutSecs:   req.TimeoutSecs,
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.queue.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobView(job))
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	if err := s.queue.Cancel(r.Context(), chi.URLParam(r, "id"), actorFrom(r)); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type registerRobotReq struct {
	Hostname     string   `json:"hostname"`
	Capabilities []string `json:"capabilities"`
	Tags         []string `json:"tags"`
	MaxJobs      int      `json:"max_jobs"`
}

func (s *Server) registerRobot(w http.ResponseWriter, r *http.Request) {
	var req registerRobotReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	id, err := s.fleet.Register(r.Context(), domain.Robot{
		Hostname:     req.Hostname,
		Capabilities: req.Capabilities,
		Tags:         req.Tags,
		MaxJobs:      req.MaxJobs,
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) listRobots(w http.ResponseWriter, r *http.Request) {
	robots, err := s.fleet.List(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	out := make([]map[string]any, 0, len(robots))
	for _, rb := range robots {
		out = append(out, robotView(rb))
	}
	writeJSON(w, http.StatusOK, out)
}

type heartbeatReq struct {
	Status   string            `json:"status"`
	JobCount int               `json:"job_count"`
	Metrics  map[string]string `json:"metrics"`
}

func (s *Server) heartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ack, err := s.fleet.Heartbeat(r.Context(), chi.URLParam(r, "id"), req.Status, req.JobCount, req.Metrics)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"known":       ack.Known,
		"reregister":  !ack.Known,
		"status":      ack.Status,
		"server_time": ack.ServerTime.UTC().Format(time.RFC3339),
	})
}

type claimReq struct {
	Modes []string `json:"modes"`
}

func (s *Server) claim(w http.ResponseWriter, r *http.Request) {
	var req claimReq
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	job, err := s.queue.Claim(r.Context(), chi.URLParam(r, "id"), req.Modes)
	if err != nil {
		writeErr(w, err)
		return
	}
	if job == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, jobView(*job))
}

func (s *Server) retireRobot(w http.ResponseWriter, r *http.Request) {
	if err := s.fleet.Retire(r.Context(), chi.URLParam(r, "id"), actorFrom(r)); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type robotReportReq struct {
	RobotID  string          `json:"robot_id"`
	Progress int             `json:"progress"`
	Result   json.RawMessage `json:"result"`
	Error    string          `json:"error"`
}

func (s *Server) startJob(w http.ResponseWriter, r *http.Request) {
	var req robotReportReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.queue.Start(r.Context(), chi.URLParam(r, "id"), req.RobotID); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) jobProgress(w http.ResponseWriter, r *http.Request) {
	var req robotReportReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.queue.Progress(r.Context(), chi.URLParam(r, "id"), req.RobotID, req.Progress); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) extendLease(w http.ResponseWriter, r *http.Request) {
	var req robotReportReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	deadline, err := s.queue.ExtendLease(r.Context(), chi.URLParam(r, "id"), req.RobotID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"lease_expires_at": deadline.UTC().Format(time.RFC3339)})
}

func (s *Server) completeJob(w http.ResponseWriter, r *http.Request) {
	var req robotReportReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.queue.Complete(r.Context(), chi.URLParam(r, "id"), req.RobotID, req.Result); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) failJob(w http.ResponseWriter, r *http.Request) {
	var req robotReportReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.queue.Fail(r.Context(), chi.URLParam(r, "id"), req.RobotID, req.Error); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type scheduleReq struct {
	Name              string          `json:"name"`
	WorkflowID        string          `json:"workflow_id"`
	TriggerType       string          `json:"trigger_type"`
	CronExpr          string          `json:"cron_expr"`
	IntervalSecs      int             `json:"interval_secs"`
	FixedTime         *time.Time      `json:"fixed_time"`
	Timezone          string          `json:"timezone"`
	CalendarID        *string         `json:"calendar_id"`
	AllowOutsideHours bool            `json:"allow_outside_hours"`
	Priority          int             `json:"priority"`
	Mode              string          `json:"mode"`
	Capabilities      []string        `json:"capabilities"`
	Payload           json.RawMessage `json:"payload"`
	MaxRetries        int             `json:"max_retries"`
	TimeoutSecs       int             `json:"timeout_secs"`
	WaitForAll        *bool           `json:"wait_for_all"`
	SLA               *slaReq         `json:"sla"`
	RateLimit         *rateLimitReq   `json:"rate_limit"`
}

type slaReq struct {
	MaxDurationSecs         int     `json:"max_duration_secs"`
	MaxStartDelaySecs       int     `json:"max_start_delay_secs"`
	SuccessRateThreshold    float64 `json:"success_rate_threshold"`
	ConsecutiveFailureLimit int     `json:"consecutive_failure_limit"`
}

type rateLimitReq struct {
	MaxExecutions int  `json:"max_executions"`
	WindowSecs    int  `json:"window_secs"`
	QueueOverflow bool `json:"queue_overflow"`
}

func (req scheduleReq) toDomain() domain.Schedule {
	sch := domain.Schedule{
		Name:              req.Name,
		WorkflowID:        req.WorkflowID,
		TriggerType:       req.TriggerType,
		CronExpr:          req.CronExpr,
		IntervalSecs:      req.IntervalSecs,
		FixedTime:         req.FixedTime,
		Timezone:          req.Timezone,
		CalendarID:        req.CalendarID,
		AllowOutsideHours: req.AllowOutsideHours,
		Priority:          req.Priority,
		Mode:              req.Mode,
		Capabilities:      req.Capabilities,
		Payload:           req.Payload,
		MaxRetries:        req.MaxRetries,
		TimeoutSecs:       req.TimeoutSecs,
		WaitForAll:        true,
	}
	if req.WaitForAll != nil {
		sch.WaitForAll = *req.WaitForAll
	}
	if req.SLA != nil {
		sch.SLA = &domain.SLAConfig{
			MaxDurationSecs:         req.SLA.MaxDurationSecs,
			MaxStartDelaySecs:       req.SLA.MaxStartDelaySecs,
			SuccessRateThreshold:    req.SLA.SuccessRateThreshold,
			ConsecutiveFailureLimit: req.SLA.ConsecutiveFailureLimit,
		}
	}
	if req.RateLimit != nil {
		sch.RateLimit = &domain.RateLimitConfig{
			MaxExecutions: req.RateLimit.MaxExecutions,
			WindowSecs:    req.RateLimit.WindowSecs,
			QueueOverflow: req.RateLimit.QueueOverflow,
		}
	}
	return sch
}

func (s *Server) createSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Name == "" || req.WorkflowID == "" {
		http.Error(w, "name and workflow_id are required", http.StatusBadRequest)
		return
	}
	id, err := s.sched.Create(r.Context(), req.toDomain(), actorFrom(r))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) listSchedules(w http.ResponseWriter, r *http.Request) {
	schedules, err := s.sched.List(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	out := make([]map[string]any, 0, len(schedules))
	for _, sch := range schedules {
		out = append(out, scheduleView(sch))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getSchedule(w http.ResponseWriter, r *http.Request) {
	sch, err := s.sched.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, scheduleView(sch))
}

func (s *Server) updateSchedule(w http.ResponseWriter, r *http.Request) {
	sch, err := s.sched.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	var req scheduleReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	updated := req.toDomain()
	updated.ID = sch.ID
	updated.NextRun = sch.NextRun
	if updated.TriggerType != sch.TriggerType || updated.CronExpr != sch.CronExpr ||
		updated.IntervalSecs != sch.IntervalSecs || updated.Timezone != sch.Timezone {
		if next, err := scheduler.NextRun(updated, time.Now()); err == nil && !next.IsZero() {
			updated.NextRun = next
		}
	}
	if err := s.sched.Update(r.Context(), updated, actorFrom(r)); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": sch.ID})
}

func (s *Server) pauseSchedule(w http.ResponseWriter, r *http.Request) {
	if err := s.sched.SetStatus(r.Context(), chi.URLParam(r, "id"), domain.SchedulePaused, actorFrom(r)); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) resumeSchedule(w http.ResponseWriter, r *http.Request) {
	if err := s.sched.SetStatus(r.Context(), chi.URLParam(r, "id"), domain.ScheduleActive, actorFrom(r)); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type dependencyReq struct {
	DependsOnID    string `json:"depends_on_id"`
	RequireSuccess *bool  `json:"require_success"`
	TimeoutSecs    int    `json:"timeout_secs"`
}

func (s *Server) addDependency(w http.ResponseWriter, r *http.Request) {
	var req dependencyReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	dep := domain.Dependency{
		ScheduleID:     chi.URLParam(r, "id"),
		DependsOnID:    req.DependsOnID,
		RequireSuccess: true,
		TimeoutSecs:    req.TimeoutSecs,
	}
	if req.RequireSuccess != nil {
		dep.RequireSuccess = *req.RequireSuccess
	}
	if err := s.sched.AddDependency(r.Context(), dep, actorFrom(r)); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) setSLA(w http.ResponseWriter, r *http.Request) {
	sch, err := s.sched.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	var req slaReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	sch.SLA = &domain.SLAConfig{
		MaxDurationSecs:         req.MaxDurationSecs,
		MaxStartDelaySecs:       req.MaxStartDelaySecs,
		SuccessRateThreshold:    req.SuccessRateThreshold,
		ConsecutiveFailureLimit: req.ConsecutiveFailureLimit,
	}
	if err := s.sched.Update(r.Context(), sch, actorFrom(r)); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) setRateLimit(w http.ResponseWriter, r *http.Request) {
	sch, err := s.sched.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	var req rateLimitReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	sch.RateLimit = &domain.RateLimitConfig{
		MaxExecutions: req.MaxExecutions,
		WindowSecs:    req.WindowSecs,
		QueueOverflow: req.QueueOverflow,
	}
	if err := s.sched.Update(r.Context(), sch, actorFrom(r)); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listExecutions(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	execs, err := s.sched.Executions(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, execs)
}

type calendarReq struct {
	Name            string                        `json:"name"`
	Timezone        string                        `json:"timezone"`
	WorkingHours    map[string][]domain.HourRange `json:"working_hours"`
	Holidays        []string                      `json:"holidays"`
	NonWorkingDates []string                      `json:"non_working_dates"`
}

func (s *Server) createCalendar(w http.ResponseWriter, r *http.Request) {
	var req calendarReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	id, err := s.sched.CreateCalendar(r.Context(), domain.BusinessCalendar{
		Name:            req.Name,
		Timezone:        req.Timezone,
		WorkingHours:    req.WorkingHours,
		Holidays:        req.Holidays,
		NonWorkingDates: req.NonWorkingDates,
	}, actorFrom(r))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) getCalendar(w http.ResponseWriter, r *http.Request) {
	cal, err := s.sched.GetCalendar(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cal)
}

type blackoutReq struct {
	Name       string    `json:"name"`
	StartsAt   time.Time `json:"starts_at"`
	EndsAt     time.Time `json:"ends_at"`
	Recurrence string    `json:"recurrence"`
	WorkflowID *string   `json:"workflow_id"`
}

func (s *Server) addBlackout(w http.ResponseWriter, r *http.Request) {
	var req blackoutReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	id, err := s.sched.AddBlackout(r.Context(), domain.BlackoutPeriod{
		CalendarID: chi.URLParam(r, "id"),
		Name:       req.Name,
		StartsAt:   req.StartsAt,
		EndsAt:     req.EndsAt,
		Recurrence: req.Recurrence,
		WorkflowID: req.WorkflowID,
	}, actorFrom(r))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) auditExport(w http.ResponseWriter, r *http.Request) {
	start, end, err := auditRange(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	entries, err := s.ledger.Entries(r.Context(), start, end)
	if err != nil {
		writeErr(w, err)
		return
	}
	resp := map[string]any{"entries": entries}
	if r.URL.Query().Get("merkle") == "1" && len(entries) > 0 {
		root, err := s.ledger.ComputeMerkleRoot(r.Context(), entries[0].Seq, entries[len(entries)-1].Seq)
		if err != nil {
			writeErr(w, err)
			return
		}
		resp["merkle_root"] = root.Root
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) auditVerify(w http.ResponseWriter, r *http.Request) {
	start, end, err := auditRange(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ok, firstInvalid, err := s.ledger.VerifyRange(r.Context(), start, end)
	if err != nil {
		writeErr(w, err)
		return
	}
	resp := map[string]any{"valid": ok}
	if !ok {
		resp["first_invalid_seq"] = firstInvalid
	}
	writeJSON(w, http.StatusOK, resp)
}

func auditRange(r *http.Request) (int64, int64, error) {
	start, err := strconv.ParseInt(r.URL.Query().Get("start"), 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("start is required: %w", err)
	}
	end, err := strconv.ParseInt(r.URL.Query().Get("end"), 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("end is required: %w", err)
	}
	if end < start {
		return 0, 0, errors.New("end must be >= start")
	}
	return start, end, nil
}

func (s *Server) listDeadLetters(w http.ResponseWriter, r *http.Request) {
	qp := r.URL.Query()
	items, err := s.dlq.List(r.Context(), deadletter.Filter{
		WorkflowID: qp.Get("workflow_id"),
		RobotID:    qp.Get("robot_id"),
		Category:   qp.Get("category"),
		Status:     qp.Get("status"),
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) deadLetterStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.dlq.Stats(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) requeueDeadLetter(w http.ResponseWriter, r *http.Request) {
	newID, err := s.dlq.Requeue(r.Context(), chi.URLParam(r, "id"), actorFrom(r))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"job_id": newID})
}

func (s *Server) discardDeadLetter(w http.ResponseWriter, r *http.Request) {
	if err := s.dlq.Discard(r.Context(), chi.URLParam(r, "id"), actorFrom(r)); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type issueTokenReq struct {
	Identity string   `json:"identity"`
	Scopes   []string `json:"scopes"`
	TTLSecs  int      `json:"ttl_secs"`
}

func (s *Server) issueToken(w http.ResponseWriter, r *http.Request) {
	var req issueTokenReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	tok, secret, err := s.gateway.IssueToken(r.Context(), req.Identity, req.Scopes, time.Duration(req.TTLSecs)*time.Second)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":         tok.ID,
		"secret":     secret,
		"expires_at": tok.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

func (s *Server) revokeToken(w http.ResponseWriter, r *http.Request) {
	if err := s.gateway.Revoke(r.Context(), chi.URLParam(r, "id"), actorFrom(r)); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func jobView(j domain.Job) map[string]any {
	v := map[string]any{
		"id":           j.ID,
		"workflow_id":  j.WorkflowID,
		"status":       j.Status,
		"priority":     j.Priority,
		"mode":         j.Mode,
		"capabilities": j.Capabilities,
		"payload":      json.RawMessage(j.Payload),
		"progress":     j.Progress,
		"retry_count":  j.RetryCount,
		"max_retries":  j.MaxRetries,
		"timeout_secs": j.TimeoutSecs,
		"created_at":   j.CreatedAt.UTC().Format(time.RFC3339),
	}
	if j.RobotID != nil {
		v["robot_id"] = *j.RobotID
	}
	if j.Error != "" {
		v["error"] = j.Error
	}
	if j.LeaseExpires != nil {
		v["lease_expires_at"] = j.LeaseExpires.UTC().Format(time.RFC3339)
	}
	if j.CompletedAt != nil {
		v["completed_at"] = j.CompletedAt.UTC().Format(time.RFC3339)
	}
	return v
}

func robotView(r domain.Robot) map[string]any {
	return map[string]any{
		"id":             r.ID,
		"hostname":       r.Hostname,
		"status":         r.Status,
		"capabilities":   r.Capabilities,
		"tags":           r.Tags,
		"max_jobs":       r.MaxJobs,
		"current_jobs":   r.CurrentJobs,
		"last_heartbeat": r.LastHeartbeat.UTC().Format(time.RFC3339),
	}
}

func scheduleView(s domain.Schedule) map[string]any {
	v := map[string]any{
		"id":                   s.ID,
		"name":                 s.Name,
		"workflow_id":          s.WorkflowID,
		"trigger_type":         s.TriggerType,
		"status":               s.Status,
		"priority":             s.Priority,
		"mode":                 s.Mode,
		"next_run":             s.NextRun.UTC().Format(time.RFC3339),
		"run_count":            s.RunCount,
		"success_count":        s.SuccessCount,
		"failure_count":        s.FailureCount,
		"consecutive_failures": s.ConsecutiveFailures,
		"sla_status":           s.SLAStatus,
	}
	if s.TriggerType == domain.TriggerCron {
		v["cron_expr"] = s.CronExpr
		v["timezone"] = s.Timezone
	}
	if s.LastRun != nil {
		v["last_run"] = s.LastRun.UTC().Format(time.RFC3339)
	}
	if s.CalendarID != nil {
		v["calendar_id"] = *s.CalendarID
	}
	return v
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeErr maps domain errors onto HTTP statuses: policy violations are 400s
// naming the rule, conflicts are 409s, everything unknown is a 500.
func writeErr(w http.ResponseWriter, err error) {
	var rule *domain.RuleError
	switch {
	case errors.As(err, &rule):
		http.Error(w, rule.Error(), http.StatusBadRequest)
	case errors.Is(err, queue.ErrNotFound), errors.Is(err, fleet.ErrUnknownRobot),
		errors.Is(err, scheduler.ErrNotFound), errors.Is(err, deadletter.ErrNotFound),
		errors.Is(err, security.ErrTokenInvalid):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, queue.ErrTerminal), errors.Is(err, queue.ErrCancelled),
		errors.Is(err, queue.ErrNotHolder), errors.Is(err, deadletter.ErrNotPending),
		errors.Is(err, fleet.ErrRetired), errors.Is(err, scheduler.ErrSelfDependency),
		errors.Is(err, scheduler.ErrCycle), errors.Is(err, scheduler.ErrDuplicateEdge):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

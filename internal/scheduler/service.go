package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"fleetflow/internal/domain"
	"fleetflow/internal/queue"
)

// Service is the periodic evaluation loop. Every gate is a bounded check: a
// schedule that cannot fire right now is simply left due and looked at again
// on the next tick.
type Service struct {
	store    *Store
	queue    *queue.Queue
	interval time.Duration
	stop     chan struct{}
}

func NewService(store *Store, q *queue.Queue, checkInterval time.Duration) *Service {
	return &Service{store: store, queue: q, interval: checkInterval, stop: make(chan struct{})}
}

func (s *Service) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	log.Info().Dur("interval", s.interval).Msg("scheduler started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case now := <-ticker.C:
			s.Tick(ctx, now)
		}
	}
}

func (s *Service) Stop() { close(s.stop) }

// Tick runs one evaluation pass: fold finished jobs into schedule statistics,
// then fire whatever is due and allowed.
func (s *Service) Tick(ctx context.Context, now time.Time) {
	if err := s.reconcile(ctx, now); err != nil {
		log.Error().Err(err).Msg("execution reconciliation failed")
	}
	due, err := s.store.Due(ctx, now)
	if err != nil {
		log.Error().Err(err).Msg("failed to get due schedules")
		return
	}
	for _, sch := range due {
		if err := s.processSchedule(ctx, sch, now); err != nil {
			log.Error().Err(err).Str("schedule_id", sch.ID).Msg("failed to process schedule")
		}
	}
}

func (s *Service) processSchedule(ctx context.Context, sch domain.Schedule, now time.Time) error {
	if sch.Status != domain.ScheduleActive {
		return nil
	}

	if sch.CalendarID != nil {
		cal, err := s.store.GetCalendar(ctx, *sch.CalendarID)
		if err != nil {
			return fmt.Errorf("calendar %s: %w", *sch.CalendarID, err)
		}
		blackouts, err := s.store.Blackouts(ctx, cal.ID)
		if err != nil {
			return err
		}
		if res := evalCalendar(cal, blackouts, sch, now); !res.ok {
			// Leave next_run untouched so the schedule fires as soon as the
			// window clears.
			log.Debug().Str("schedule_id", sch.ID).Str("rule", res.rule).Msg("schedule held by calendar")
			return nil
		}
	}

	satisfied, err := s.dependenciesSatisfied(ctx, sch, now)
	if err != nil {
		return err
	}
	if !satisfied {
		log.Debug().Str("schedule_id", sch.ID).Msg("schedule deferred on dependencies")
		return nil
	}

	if sch.RateLimit != nil && sch.RateLimit.MaxExecutions > 0 {
		since := now.Add(-time.Duration(sch.RateLimit.WindowSecs) * time.Second)
		fired, err := s.store.FiredInWindow(ctx, sch.ID, since)
		if err != nil {
			return err
		}
		if fired >= sch.RateLimit.MaxExecutions {
			if sch.RateLimit.QueueOverflow {
				log.Debug().Str("schedule_id", sch.ID).Msg("rate limited, queued for later")
				return nil
			}
			next, err := NextRun(sch, now)
			if err != nil {
				return err
			}
			if next.IsZero() {
				next = now
			}
			log.Warn().Str("schedule_id", sch.ID).Msg("rate limit exceeded, firing skipped")
			return s.store.MarkSkipped(ctx, sch.ID, "rate limit exceeded", now, next)
		}
	}

	jobID, err := s.queue.Submit(ctx, domain.Job{
		WorkflowID:   sch.WorkflowID,
		Priority:     sch.Priority,
		Mode:         sch.Mode,
		Capabilities: sch.Capabilities,
		Payload:      sch.Payload,
		MaxRetries:   sch.MaxRetries,
		TimeoutSecs:  sch.TimeoutSecs,
	})
	if err != nil {
		return fmt.Errorf("enqueue for schedule %s: %w", sch.ID, err)
	}

	next, err := NextRun(sch, now)
	if err != nil {
		return err
	}
	pause := false
	if next.IsZero() { // spent fixed-time trigger
		pause = true
		next = now
	}
	if _, err := s.store.MarkFired(ctx, sch.ID, jobID, now, next, pause); err != nil {
		return err
	}
	log.Info().Str("schedule_id", sch.ID).Str("job_id", jobID).Time("next_run", next).Msg("schedule fired")
	return nil
}

func (s *Service) dependenciesSatisfied(ctx context.Context, sch domain.Schedule, now time.Time) (bool, error) {
	deps, err := s.store.Dependencies(ctx, sch.ID)
	if err != nil {
		return false, err
	}
	if len(deps) == 0 {
		return true, nil
	}
	satisfiedAny := false
	for _, dep := range deps {
		ok, err := s.store.HasQualifyingCompletion(ctx, dep, now)
		if err != nil {
			return false, err
		}
		if ok {
			satisfiedAny = true
		} else if sch.WaitForAll {
			return false, nil
		}
	}
	if sch.WaitForAll {
		return true, nil
	}
	return satisfiedAny, nil
}

// reconcile resolves pending executions whose job reached a terminal state and
// recomputes each schedule's SLA standing.
func (s *Service) reconcile(ctx context.Context, now time.Time) error {
	pending, err := s.store.PendingExecutions(ctx)
	if err != nil {
		return err
	}
	for _, exec := range pending {
		if exec.JobID == "" {
			continue
		}
		job, err := s.queue.Get(ctx, exec.JobID)
		if err != nil {
			if err == queue.ErrNotFound {
				continue
			}
			return err
		}
		if !job.Terminal() {
			continue
		}
		sch, err := s.store.Get(ctx, exec.ScheduleID)
		if err != nil {
			if err == ErrNotFound {
				continue
			}
			return err
		}

		success := job.Status == domain.JobCompleted
		status := domain.ExecFailure
		if success {
			status = domain.ExecSuccess
		}
		violation := slaViolation(sch.SLA, job)
		detail := job.Error
		if violation != "" {
			if detail != "" {
				detail += "; "
			}
			detail += violation
		}
		slaStatus := evalSLA(sch, success, violation != "")
		if err := s.store.ResolveExecution(ctx, exec.ID, status, detail, slaStatus, sch.ID, success, now); err != nil {
			return err
		}
		if slaStatus != domain.SLAHealthy {
			log.Warn().Str("schedule_id", sch.ID).Str("sla_status", slaStatus).Msg("schedule SLA degraded")
		}
	}
	return nil
}

// slaViolation names the per-execution limit a finished job broke, if any.
func slaViolation(cfg *domain.SLAConfig, job domain.Job) string {
	if cfg == nil {
		return ""
	}
	if cfg.MaxDurationSecs > 0 && job.StartedAt != nil && job.CompletedAt != nil {
		if job.CompletedAt.Sub(*job.StartedAt) > time.Duration(cfg.MaxDurationSecs)*time.Second {
			return "sla: max duration exceeded"
		}
	}
	if cfg.MaxStartDelaySecs > 0 && job.ClaimedAt != nil {
		if job.ClaimedAt.Sub(job.CreatedAt) > time.Duration(cfg.MaxStartDelaySecs)*time.Second {
			return "sla: max start delay exceeded"
		}
	}
	return ""
}

// evalSLA computes the schedule's SLA status as it will stand after this
// outcome is folded in.
func evalSLA(sch domain.Schedule, success, execViolation bool) string {
	cfg := sch.SLA
	if cfg == nil {
		return domain.SLAHealthy
	}

	consecutive := sch.ConsecutiveFailures + 1
	successes := sch.SuccessCount
	failures := sch.FailureCount + 1
	if success {
		consecutive = 0
		successes = sch.SuccessCount + 1
		failures = sch.FailureCount
	}

	if cfg.ConsecutiveFailureLimit > 0 && consecutive >= cfg.ConsecutiveFailureLimit {
		return domain.SLABreached
	}
	total := successes + failures
	if cfg.SuccessRateThreshold > 0 && total > 0 {
		if float64(successes)/float64(total) < cfg.SuccessRateThreshold {
			return domain.SLABreached
		}
	}
	if cfg.ConsecutiveFailureLimit > 0 && consecutive > 0 && consecutive*2 >= cfg.ConsecutiveFailureLimit {
		return domain.SLAWarning
	}
	if execViolation {
		return domain.SLAWarning
	}
	return domain.SLAHealthy
}

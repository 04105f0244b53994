package scheduler

import (
	"time"

	"github.com/robfig/cron/v3"

	"fleetflow/internal/domain"
)

// ValidateTrigger rejects malformed trigger specs before they are stored.
func ValidateTrigger(s domain.Schedule) error {
	switch s.TriggerType {
	case domain.TriggerCron:
		if _, err := cron.ParseStandard(s.CronExpr); err != nil {
			return domain.Reject("invalid cron expression", "%v", err)
		}
	case domain.TriggerInterval:
		if s.IntervalSecs <= 0 {
			return domain.Reject("invalid interval", "must be positive seconds")
		}
	case domain.TriggerFixed:
		if s.FixedTime == nil {
			return domain.Reject("invalid fixed trigger", "fixed_time is required")
		}
	default:
		return domain.Reject("invalid trigger type", "%q", s.TriggerType)
	}
	if s.Timezone != "" {
		if _, err := time.LoadLocation(s.Timezone); err != nil {
			return domain.Reject("invalid timezone", "%q", s.Timezone)
		}
	}
	return nil
}

// NextRun computes the next firing instant after from, in the schedule's
// timezone. Fixed triggers return the zero time once spent.
func NextRun(s domain.Schedule, from time.Time) (time.Time, error) {
	switch s.TriggerType {
	case domain.TriggerCron:
		spec, err := cron.ParseStandard(s.CronExpr)
		if err != nil {
			return time.Time{}, err
		}
		loc := time.UTC
		if s.Timezone != "" {
			if l, err := time.LoadLocation(s.Timezone); err == nil {
				loc = l
			}
		}
		return spec.Next(from.In(loc)), nil
	case domain.TriggerInterval:
		return from.Add(time.Duration(s.IntervalSecs) * time.Second), nil
	case domain.TriggerFixed:
		if s.FixedTime != nil && s.FixedTime.After(from) {
			return *s.FixedTime, nil
		}
		return time.Time{}, nil
	}
	return time.Time{}, domain.Reject("invalid trigger type", "%q", s.TriggerType)
}

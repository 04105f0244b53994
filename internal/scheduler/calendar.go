package scheduler

import (
	"strings"
	"time"

	"fleetflow/internal/domain"
)

// gateResult says whether a schedule may fire right now and, if not, which
// rule stopped it.
type gateResult struct {
	ok   bool
	rule string
}

func allow() gateResult           { return gateResult{ok: true} }
func deny(rule string) gateResult { return gateResult{rule: rule} }

// evalCalendar applies working hours, holidays, custom non-working dates and
// blackout windows to the instant now.
func evalCalendar(cal domain.BusinessCalendar, blackouts []domain.BlackoutPeriod, sch domain.Schedule, now time.Time) gateResult {
	loc := time.UTC
	if l, err := time.LoadLocation(cal.Timezone); err == nil {
		loc = l
	}
	local := now.In(loc)
	date := local.Format("2006-01-02")

	for _, h := range cal.Holidays {
		if h == date {
			return deny("holiday: " + h)
		}
	}
	for _, d := range cal.NonWorkingDates {
		if d == date {
			return deny("non-working date: " + d)
		}
	}

	if !sch.AllowOutsideHours {
		weekday := strings.ToLower(local.Weekday().String())
		ranges := cal.WorkingHours[weekday]
		if len(ranges) == 0 {
			return deny("outside working hours")
		}
		inHours := false
		for _, r := range ranges {
			if withinRange(local, r) {
				inHours = true
				break
			}
		}
		if !inHours {
			return deny("outside working hours")
		}
	}

	for _, b := range blackouts {
		if b.WorkflowID != nil && *b.WorkflowID != sch.WorkflowID {
			continue
		}
		if blackoutActive(b, local) {
			return deny("blackout period: " + b.Name)
		}
	}
	return allow()
}

func withinRange(t time.Time, r domain.HourRange) bool {
	minutes := t.Hour()*60 + t.Minute()
	start, okS := parseHHMM(r.Start)
	end, okE := parseHHMM(r.End)
	if !okS || !okE {
		return false
	}
	return minutes >= start && minutes < end
}

func parseHHMM(s string) (int, bool) {
	hh, mm, ok := strings.Cut(s, ":")
	if !ok || len(hh) == 0 || len(mm) == 0 {
		return 0, false
	}
	h, m := 0, 0
	for _, c := range hh {
		if c < '0' || c > '9' {
			return 0, false
		}
		h = h*10 + int(c-'0')
	}
	for _, c := range mm {
		if c < '0' || c > '9' {
			return 0, false
		}
		m = m*10 + int(c-'0')
	}
	if h > 23 || m > 59 {
		return 0, false
	}
	return h*60 + m, true
}

// blackoutActive checks the instant against the window, honouring daily and
// weekly recurrence of the original time-of-day span.
func blackoutActive(b domain.BlackoutPeriod, now time.Time) bool {
	starts := b.StartsAt.In(now.Location())
	ends := b.EndsAt.In(now.Location())

	switch b.Recurrence {
	case domain.RecurNone:
		return !now.Before(starts) && now.Before(ends)
	case domain.RecurDaily:
		if now.Before(starts) {
			return false
		}
		span := ends.Sub(starts)
		dayStart := time.Date(now.Year(), now.Month(), now.Day(),
			starts.Hour(), starts.Minute(), starts.Second(), 0, now.Location())
		// The recurring window may have started yesterday and still be open.
		for _, ws := range []time.Time{dayStart.AddDate(0, 0, -1), dayStart} {
			if !now.Before(ws) && now.Before(ws.Add(span)) {
				return true
			}
		}
		return false
	case domain.RecurWeekly:
		if now.Before(starts) {
			return false
		}
		span := ends.Sub(starts)
		dayDiff := int(now.Weekday() - starts.Weekday())
		weekStart := time.Date(now.Year(), now.Month(), now.Day(),
			starts.Hour(), starts.Minute(), starts.Second(), 0, now.Location()).
			AddDate(0, 0, -dayDiff)
		for _, ws := range []time.Time{weekStart.AddDate(0, 0, -7), weekStart} {
			if !now.Before(ws) && now.Before(ws.Add(span)) {
				return true
			}
		}
		return false
	}
	return false
}

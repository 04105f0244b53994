package domain

import "time"

// Robot statuses. A robot only leaves "offline" through a heartbeat.
const (
	RobotOffline     = "offline"
	RobotOnline      = "online"
	RobotBusy        = "busy"
	RobotError       = "error"
	RobotMaintenance = "maintenance"
	RobotRetired     = "retired"
)

// Job statuses. Completed, failed, cancelled and timeout are terminal.
const (
	JobPending   = "pending"
	JobQueued    = "queued"
	JobClaimed   = "claimed"
	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
	JobCancelled = "cancelled"
	JobTimeout   = "timeout"
)

// Execution modes.
const (
	ModeLocalNetwork = "local-network"
	ModeInternet     = "internet"
)

// Priority bounds (inclusive). Higher is more urgent.
const (
	PriorityMin = 1
	PriorityMax = 10
)

type Robot struct {
	ID            string
	Hostname      string
	Status        string
	Capabilities  []string
	Tags          []string
	MaxJobs       int
	CurrentJobs   int
	LastHeartbeat time.Time
	LastSeen      time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type Job struct {
	ID            string
	WorkflowID    string
	RobotID       *string // holder of the live claim, if any
	TargetRobotID *string // explicit assignment; only this robot may claim
	Status        string
	Priority      int
	Mode          string
	Capabilities  []string // required to claim
	Payload       []byte
	Result        []byte
	Error         string
	Progress      int
	RetryCount    int
	MaxRetries    int
	TimeoutSecs   int // lease / visibility timeout
	NextAttemptAt time.Time
	LeaseExpires  *time.Time
	CreatedAt     time.Time
	ClaimedAt     *time.Time
	StartedAt     *time.Time
	CompletedAt   *time.Time
	UpdatedAt     time.Time
}

// Terminal reports whether the job status can no longer change.
func (j Job) Terminal() bool {
	switch j.Status {
	case JobCompleted, JobFailed, JobCancelled, JobTimeout:
		return true
	}
	return false
}

// Schedule trigger types.
const (
	TriggerCron     = "cron"
	TriggerInterval = "interval"
	TriggerFixed    = "fixed"
)

// Schedule statuses.
const (
	ScheduleActive = "active"
	SchedulePaused = "paused"
)

// SLA statuses derived by the monitor.
const (
	SLAHealthy  = "healthy"
	SLAWarning  = "warning"
	SLABreached = "breached"
)

type Schedule struct {
	ID                  string
	Name                string
	WorkflowID          string
	TriggerType         string
	CronExpr            string
	IntervalSecs        int
	FixedTime           *time.Time
	Timezone            string
	CalendarID          *string
	AllowOutsideHours   bool
	Priority            int
	Mode                string
	Capabilities        []string
	Payload             []byte
	MaxRetries          int
	TimeoutSecs         int
	Status              string
	WaitForAll          bool
	SLA                 *SLAConfig
	RateLimit           *RateLimitConfig
	NextRun             time.Time
	LastRun             *time.Time
	RunCount            int
	SuccessCount        int
	FailureCount        int
	ConsecutiveFailures int
	SLAStatus           string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

type SLAConfig struct {
	MaxDurationSecs         int
	MaxStartDelaySecs       int
	SuccessRateThreshold    float64 // 0..1, over recorded history
	ConsecutiveFailureLimit int
}

type RateLimitConfig struct {
	MaxExecutions int
	WindowSecs    int
	QueueOverflow bool // defer when the window is full instead of skipping
}

// Dependency is an edge in the schedule DAG: ScheduleID may not fire until
// DependsOnID reports a qualifying completion within TimeoutSecs.
type Dependency struct {
	ScheduleID     string
	DependsOnID    string
	RequireSuccess bool
	TimeoutSecs    int
}

// Schedule execution outcomes.
const (
	ExecPending = "pending"
	ExecSuccess = "success"
	ExecFailure = "failure"
	ExecSkipped = "skipped"
)

type ScheduleExecution struct {
	ID         string
	ScheduleID string
	JobID      string
	Status     string
	Detail     string
	FiredAt    time.Time
	ResolvedAt *time.Time
}

type BusinessCalendar struct {
	ID              string
	Name            string
	Timezone        string
	WorkingHours    map[string][]HourRange // keyed by lowercase weekday name
	Holidays        []string               // YYYY-MM-DD
	NonWorkingDates []string               // YYYY-MM-DD
	CreatedAt       time.Time
}

type HourRange struct {
	Start string `json:"start" yaml:"start"` // HH:MM
	End   string `json:"end" yaml:"end"`     // HH:MM
}

// Blackout recurrence.
const (
	RecurNone   = ""
	RecurDaily  = "daily"
	RecurWeekly = "weekly"
)

type BlackoutPeriod struct {
	ID         string
	CalendarID string
	Name       string
	StartsAt   time.Time
	EndsAt     time.Time
	Recurrence string
	WorkflowID *string // nil scopes the blackout to every workflow
}

// Dead-letter item statuses.
const (
	DLQPending   = "pending"
	DLQReviewing = "reviewing"
	DLQRequeued  = "requeued"
	DLQDiscarded = "discarded"
	DLQResolved  = "resolved"
)

type DeadLetterItem struct {
	ID         string
	JobID      string
	WorkflowID string
	RobotID    *string
	Reason     string
	Category   string
	Payload    []byte
	Status     string
	CreatedAt  time.Time
	ResolvedAt *time.Time
	ResolvedBy string
}

type AuditEntry struct {
	Seq          int64
	Timestamp    time.Time
	Action       string
	Actor        string
	ResourceType string
	ResourceID   string
	Details      map[string]string
	Digest       string // hex sha256
	PrevDigest   string
}

type MerkleRoot struct {
	ID        string
	StartSeq  int64
	EndSeq    int64
	Root      string
	CreatedAt time.Time
}

type Token struct {
	ID         string
	Identity   string
	Scopes     []string
	IssuedAt   time.Time
	ExpiresAt  time.Time
	Revoked    bool
	LastUsedAt *time.Time
}

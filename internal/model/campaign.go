// internal/model/campaign.go
package model

import (
	"time"

	"github.com/unclebandit/leadflow-backend/internal/rules"
)

type CampaignStatus string

const (
	CampaignPending   CampaignStatus = "pending"
	CampaignActive    CampaignStatus = "active"
	CampaignPaused    CampaignStatus = "paused"
	CampaignCompleted CampaignStatus = "completed"
)

// CampaignMode decides which responses an audience is drawn from.
type CampaignMode string

const (
	// ModeLive targets responses submitted after activation, as they arrive.
	ModeLive CampaignMode = "live"
	// ModeRetroactive targets the responses already stored at activation.
	ModeRetroactive CampaignMode = "retroactive"
)

type TargetAudience string

const (
	AudienceAll       TargetAudience = "all"
	AudienceCompleted TargetAudience = "completed"
	AudienceAbandoned TargetAudience = "abandoned"
)

type TriggerUnit string

const (
	UnitMinutes TriggerUnit = "minutes"
	UnitHours   TriggerUnit = "hours"
	UnitDays    TriggerUnit = "days"
)

// Default voice retry policy.
const (
	DefaultVoiceMaxRetries = 3
	DefaultVoiceRetryDelay = 5 * time.Minute
)

type Campaign struct {
	ID                string            `db:"id" json:"id"`
	OwnerID           string            `db:"owner_id" json:"owner_id"`
	QuizID            string            `db:"quiz_id" json:"quiz_id"`
	Name              string            `db:"name" json:"name"`
	Channel           Channel           `db:"-" json:"channel"`
	Status            CampaignStatus    `db:"status" json:"status"`
	Mode              CampaignMode      `db:"mode" json:"mode"`
	TargetAudience    TargetAudience    `db:"target_audience" json:"target_audience"`
	DateFilter        *time.Time        `db:"date_filter" json:"date_filter,omitempty"`
	TriggerDelay      int               `db:"trigger_delay" json:"trigger_delay"`
	TriggerUnit       TriggerUnit       `db:"trigger_unit" json:"trigger_unit"`
	QuantumFilters    *rules.Expr       `db:"quantum_filters" json:"quantum_filters,omitempty"`
	TriggerConditions *rules.Expr       `db:"trigger_conditions" json:"trigger_conditions,omitempty"`
	ConditionalRules  rules.RuleSet     `db:"conditional_rules" json:"conditional_rules,omitempty"`
	Messages          []string          `db:"messages" json:"messages"`
	Settings          map[string]string `db:"settings" json:"settings,omitempty"`
	MaxRetries        int               `db:"max_retries" json:"max_retries"`
	RetryDelaySeconds int               `db:"retry_delay_seconds" json:"retry_delay_seconds"`
	RotationCursor    int               `db:"rotation_cursor" json:"rotation_cursor"`
	ActivatedAt       *time.Time        `db:"activated_at" json:"activated_at,omitempty"`
	ResolvedAt        *time.Time        `db:"resolved_at" json:"resolved_at,omitempty"`
	CompletedAt       *time.Time        `db:"completed_at" json:"completed_at,omitempty"`
	CreatedAt         time.Time         `db:"created_at" json:"created_at"`
	UpdatedAt         *time.Time        `db:"updated_at" json:"updated_at,omitempty"`
}

// TriggerDuration converts TriggerDelay using TriggerUnit. Unknown units are
// read as minutes.
func (c *Campaign) TriggerDuration() time.Duration {
	if c.TriggerDelay <= 0 {
		return 0
	}
	d := time.Duration(c.TriggerDelay)
	switch c.TriggerUnit {
	case UnitHours:
		return d * time.Hour
	case UnitDays:
		return d * 24 * time.Hour
	default:
		return d * time.Minute
	}
}

// EligibleAt is the instant a lead becomes eligible: its submission time, or
// the activation time for leads that were already in the base.
func (c *Campaign) EligibleAt(submittedAt time.Time) time.Time {
	if c.ActivatedAt != nil && c.ActivatedAt.After(submittedAt) {
		return *c.ActivatedAt
	}
	return submittedAt
}

// ScheduleFor returns the scheduled send time of a lead.
func (c *Campaign) ScheduleFor(submittedAt time.Time) time.Time {
	return c.EligibleAt(submittedAt).Add(c.TriggerDuration())
}

func (c *Campaign) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelaySeconds) * time.Second
}

// BaseTemplate is the message used by the default segment.
func (c *Campaign) BaseTemplate() string {
	if len(c.Messages) == 0 {
		return ""
	}
	return c.Messages[0]
}

// DefaultRetryPolicy is the retry policy of a channel's campaigns when the
// campaign sets none. Only voice retries by default.
func DefaultRetryPolicy(ch Channel) (int, time.Duration) {
	if ch == ChannelVoice {
		return DefaultVoiceMaxRetries, DefaultVoiceRetryDelay
	}
	return 0, 0
}

// ApplyDefaults fills the fields left empty on creation. Retry fields are
// kept as given since zero is a valid choice for them.
func (c *Campaign) ApplyDefaults() {
	if c.Status == "" {
		c.Status = CampaignPending
	}
	if c.Mode == "" {
		c.Mode = ModeRetroactive
	}
	if c.TargetAudience == "" {
		c.TargetAudience = AudienceAll
	}
	if c.TriggerUnit == "" {
		c.TriggerUnit = UnitMinutes
	}
}

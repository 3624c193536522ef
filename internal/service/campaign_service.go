// internal/service/campaign_service.go
package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	appErrors "github.com/unclebandit/leadflow-backend/internal/errors"
	"github.com/unclebandit/leadflow-backend/internal/model"
	"github.com/unclebandit/leadflow-backend/internal/repository"
	"github.com/unclebandit/leadflow-backend/internal/rules"
)

// RetryPolicies gives the default retry policy of a channel, if any.
type RetryPolicies interface {
	RetryPolicy(ch model.Channel) (int, time.Duration, bool)
}

type CampaignService struct {
	CampaignRepo repository.CampaignRepositoryInterface
	LogRepo      repository.DeliveryLogRepositoryInterface
	ResponseRepo repository.ResponseRepositoryInterface
	Scheduler    *Scheduler
	Policies     RetryPolicies
	validate     *validator.Validate
	logger       *zap.Logger
	now          func() time.Time
}

func NewCampaignService(campaigns repository.CampaignRepositoryInterface, logs repository.DeliveryLogRepositoryInterface,
	responses repository.ResponseRepositoryInterface, scheduler *Scheduler, policies RetryPolicies, logger *zap.Logger) *CampaignService {
	return &CampaignService{
		CampaignRepo: campaigns,
		LogRepo:      logs,
		ResponseRepo: responses,
		Scheduler:    scheduler,
		Policies:     policies,
		validate:     validator.New(),
		logger:       logger.Named("campaigns"),
		now:          time.Now,
	}
}

// CampaignInput is the editable part of a campaign.
type CampaignInput struct {
	OwnerID           string               `json:"owner_id"`
	QuizID            string               `json:"quiz_id" validate:"required"`
	Name              string               `json:"name" validate:"required,max=200"`
	Mode              model.CampaignMode   `json:"mode" validate:"omitempty,oneof=live retroactive"`
	TargetAudience    model.TargetAudience `json:"target_audience" validate:"omitempty,oneof=all completed abandoned"`
	DateFilter        *time.Time           `json:"date_filter"`
	TriggerDelay      int                  `json:"trigger_delay" validate:"gte=0"`
	TriggerUnit       model.TriggerUnit    `json:"trigger_unit" validate:"omitempty,oneof=minutes hours days"`
	QuantumFilters    *rules.Expr          `json:"quantum_filters"`
	TriggerConditions *rules.Expr          `json:"trigger_conditions"`
	ConditionalRules  rules.RuleSet        `json:"conditional_rules"`
	Messages          []string             `json:"messages" validate:"required,min=1,dive,required"`
	Settings          map[string]string    `json:"settings"`
	MaxRetries        *int                 `json:"max_retries" validate:"omitempty,gte=0,lte=20"`
	RetryDelaySeconds *int                 `json:"retry_delay_seconds" validate:"omitempty,gte=0"`
}

// CampaignDetails is a campaign with its delivery counters.
type CampaignDetails struct {
	*model.Campaign
	Stats model.CampaignStats       `json:"stats"`
	Leads map[model.LeadOutcome]int `json:"leads"`
	// Open counts logs still waiting for a send attempt.
	Open int `json:"open"`
}

// ActivationResult is returned by Activate. Schedule is set for retroactive
// campaigns, whose audience is resolved right away.
type ActivationResult struct {
	Campaign *model.Campaign `json:"campaign"`
	Schedule *ScheduleResult `json:"schedule,omitempty"`
}

// Preview is the message one response would receive.
type Preview struct {
	ResponseID string `json:"response_id"`
	Contact    string `json:"contact,omitempty"`
	Eligible   bool   `json:"eligible"`
	SkipReason string `json:"skip_reason,omitempty"`
	Segment    string `json:"segment"`
	Variant    int    `json:"variant"`
	Template   string `json:"template"`
	Message    string `json:"message"`
	RuleError  string `json:"rule_error,omitempty"`
}

func (s *CampaignService) checkInput(in *CampaignInput) error {
	if err := s.validate.Struct(in); err != nil {
		return fmt.Errorf("%w: %v", appErrors.ErrValidation, err)
	}
	if in.QuantumFilters != nil {
		if err := rules.Validate(in.QuantumFilters.Condition); err != nil {
			return fmt.Errorf("%w: quantum_filters: %v", appErrors.ErrValidation, err)
		}
	}
	if in.TriggerConditions != nil {
		if err := rules.Validate(in.TriggerConditions.Condition); err != nil {
			return fmt.Errorf("%w: trigger_conditions: %v", appErrors.ErrValidation, err)
		}
	}
	if err := in.ConditionalRules.Validate(len(in.Messages)); err != nil {
		return fmt.Errorf("%w: conditional_rules: %v", appErrors.ErrValidation, err)
	}
	return nil
}

func (in *CampaignInput) apply(c *model.Campaign) {
	c.OwnerID = in.OwnerID
	c.QuizID = strings.TrimSpace(in.QuizID)
	c.Name = strings.TrimSpace(in.Name)
	c.TargetAudience = in.TargetAudience
	c.DateFilter = in.DateFilter
	c.TriggerDelay = in.TriggerDelay
	c.TriggerUnit = in.TriggerUnit
	c.QuantumFilters = in.QuantumFilters
	c.TriggerConditions = in.TriggerConditions
	c.ConditionalRules = in.ConditionalRules
	c.Messages = in.Messages
	c.Settings = in.Settings
	if in.MaxRetries != nil {
		c.MaxRetries = *in.MaxRetries
	}
	if in.RetryDelaySeconds != nil {
		c.RetryDelaySeconds = *in.RetryDelaySeconds
	}
}

// CreateCampaign validates and stores a pending campaign. Retry settings left
// out fall back to the channel transport's policy, then to the channel
// default. An explicit zero is kept.
func (s *CampaignService) CreateCampaign(ctx context.Context, ch model.Channel, in *CampaignInput) (*model.Campaign, error) {
	if !ch.Valid() {
		return nil, fmt.Errorf("%w: %q", appErrors.ErrUnknownChannel, ch)
	}
	if err := s.checkInput(in); err != nil {
		return nil, err
	}

	c := &model.Campaign{ID: uuid.NewString(), Channel: ch, Status: model.CampaignPending, Mode: in.Mode}
	in.apply(c)
	if in.MaxRetries == nil || in.RetryDelaySeconds == nil {
		n, delay := model.DefaultRetryPolicy(ch)
		if s.Policies != nil {
			if pn, pdelay, ok := s.Policies.RetryPolicy(ch); ok {
				n, delay = pn, pdelay
			}
		}
		if in.MaxRetries == nil {
			c.MaxRetries = n
		}
		if in.RetryDelaySeconds == nil {
			c.RetryDelaySeconds = int(delay / time.Second)
		}
	}
	c.ApplyDefaults()

	if err := s.CampaignRepo.Create(ctx, c); err != nil {
		return nil, err
	}
	s.logger.Info("campaign created",
		zap.String("channel", string(ch)),
		zap.String("campaign_id", c.ID),
		zap.String("mode", string(c.Mode)))
	return c, nil
}

// UpdateCampaign rewrites the editable fields of a campaign. The mode cannot
// change once the campaign has been activated.
func (s *CampaignService) UpdateCampaign(ctx context.Context, ch model.Channel, id string, in *CampaignInput) (*model.Campaign, error) {
	if err := s.checkInput(in); err != nil {
		return nil, err
	}
	c, err := s.CampaignRepo.GetByID(ctx, ch, id)
	if err != nil {
		return nil, err
	}
	if c.Status == model.CampaignCompleted {
		return nil, &appErrors.TransitionError{From: string(c.Status), To: "updated"}
	}
	if in.Mode != "" && in.Mode != c.Mode {
		if c.ActivatedAt != nil {
			return nil, appErrors.ErrModeImmutable
		}
		c.Mode = in.Mode
	}

	in.apply(c)
	c.ApplyDefaults()
	if err := s.CampaignRepo.Update(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// ListCampaigns fetches campaigns with pagination
func (s *CampaignService) ListCampaigns(ctx context.Context, ch model.Channel, page, pageSize int, status string) ([]model.Campaign, map[string]int, error) {
	page, pageSize, offset := paginate(page, pageSize)

	ptrs, total, err := s.CampaignRepo.ListCampaigns(ctx, ch, offset, pageSize, status)
	if err != nil {
		return nil, nil, err
	}

	campaigns := make([]model.Campaign, len(ptrs))
	for i, c := range ptrs {
		campaigns[i] = *c
	}
	return campaigns, pagination(page, pageSize, total), nil
}

func paginate(page, pageSize int) (int, int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}
	return page, pageSize, (page - 1) * pageSize
}

func pagination(page, pageSize, total int) map[string]int {
	totalPages := (total + pageSize - 1) / pageSize
	return map[string]int{
		"page":        page,
		"page_size":   pageSize,
		"total_count": total,
		"total_pages": totalPages,
	}
}

// GetCampaignDetails fetches a campaign by ID
func (s *CampaignService) GetCampaignDetails(ctx context.Context, ch model.Channel, id string) (*model.Campaign, error) {
	return s.CampaignRepo.GetByID(ctx, ch, id)
}

func (s *CampaignService) GetCampaignDetailsWithStats(ctx context.Context, ch model.Channel, id string) (*CampaignDetails, error) {
	c, err := s.CampaignRepo.GetByID(ctx, ch, id)
	if err != nil {
		return nil, err
	}
	stats, err := s.LogRepo.Stats(ctx, ch, id)
	if err != nil {
		return nil, fmt.Errorf("campaign stats: %w", err)
	}
	leads, err := s.LogRepo.LeadOutcomes(ctx, ch, id)
	if err != nil {
		return nil, fmt.Errorf("campaign lead outcomes: %w", err)
	}
	open, err := s.LogRepo.CountOpen(ctx, ch, id)
	if err != nil {
		return nil, fmt.Errorf("campaign open logs: %w", err)
	}
	return &CampaignDetails{Campaign: c, Stats: stats, Leads: leads, Open: open}, nil
}

// ====================== Lifecycle ======================

// Activate starts a pending campaign. A retroactive campaign resolves its
// audience at once; if that fails the campaign stays active and the next
// sweep finishes the resolution.
func (s *CampaignService) Activate(ctx context.Context, ch model.Channel, id string) (*ActivationResult, error) {
	ok, err := s.CampaignRepo.Activate(ctx, ch, id, s.now())
	if err != nil {
		return nil, err
	}
	c, err := s.CampaignRepo.GetByID(ctx, ch, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: campaign is %s", appErrors.ErrNotActivatable, c.Status)
	}
	s.logger.Info("campaign activated",
		zap.String("channel", string(ch)),
		zap.String("campaign_id", id),
		zap.String("mode", string(c.Mode)))

	res := &ActivationResult{Campaign: c}
	if c.Mode == model.ModeRetroactive {
		if res.Schedule, err = s.Scheduler.Schedule(ctx, c); err != nil {
			return res, fmt.Errorf("resolve audience: %w", err)
		}
	}
	return res, nil
}

func (s *CampaignService) Pause(ctx context.Context, ch model.Channel, id string) (*model.Campaign, error) {
	return s.transition(ctx, ch, id, []model.CampaignStatus{model.CampaignActive}, model.CampaignPaused)
}

func (s *CampaignService) Resume(ctx context.Context, ch model.Channel, id string) (*model.Campaign, error) {
	return s.transition(ctx, ch, id, []model.CampaignStatus{model.CampaignPaused}, model.CampaignActive)
}

// Stop completes a campaign from any state. Pending logs stay pending and
// are never leased again.
func (s *CampaignService) Stop(ctx context.Context, ch model.Channel, id string) (*model.Campaign, error) {
	return s.transition(ctx, ch, id,
		[]model.CampaignStatus{model.CampaignPending, model.CampaignActive, model.CampaignPaused}, model.CampaignCompleted)
}

func (s *CampaignService) transition(ctx context.Context, ch model.Channel, id string, from []model.CampaignStatus, to model.CampaignStatus) (*model.Campaign, error) {
	ok, err := s.CampaignRepo.TransitionStatus(ctx, ch, id, from, to, s.now())
	if err != nil {
		return nil, err
	}
	c, err := s.CampaignRepo.GetByID(ctx, ch, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &appErrors.TransitionError{From: string(c.Status), To: string(to)}
	}
	s.logger.Info("campaign status changed",
		zap.String("channel", string(ch)),
		zap.String("campaign_id", id),
		zap.String("status", string(to)))
	return c, nil
}

// ====================== Inspection ======================

// RenderPreview shows what a response would receive from a campaign: its
// contact, eligibility, segment and personalized message. overrideTemplate
// replaces the chosen template when not blank.
func (s *CampaignService) RenderPreview(ctx context.Context, ch model.Channel, campaignID, responseID string, overrideTemplate *string) (*Preview, error) {
	c, err := s.CampaignRepo.GetByID(ctx, ch, campaignID)
	if err != nil {
		return nil, err
	}
	resp, err := s.ResponseRepo.GetByID(ctx, responseID)
	if err != nil {
		return nil, err
	}
	vars, err := s.ResponseRepo.ListVariables(ctx, responseID)
	if err != nil {
		return nil, err
	}
	cand := model.ResponseWithVariables{Response: *resp, Variables: vars}

	p := &Preview{ResponseID: responseID, Eligible: true}
	aud := s.Scheduler.Audience.Build(c, []model.ResponseWithVariables{cand})
	if len(aud.Leads) == 1 {
		p.Contact = aud.Leads[0].Contact
	} else if len(aud.Skipped) == 1 {
		p.Eligible = false
		p.SkipReason = aud.Skipped[0].Reason
	}

	data := LeadVariables(cand)
	d, err := rules.Evaluate(data, c.ConditionalRules, c.Messages, c.RotationCursor)
	if err != nil {
		p.RuleError = err.Error()
	}
	p.Segment, p.Variant, p.Template = d.Segment, d.Variant, d.Template

	if overrideTemplate != nil && strings.TrimSpace(*overrideTemplate) != "" {
		p.Template = *overrideTemplate
	}
	if strings.TrimSpace(p.Template) == "" {
		return nil, fmt.Errorf("%w: template cannot be empty", appErrors.ErrValidation)
	}
	p.Message = RenderTemplate(p.Template, data)
	return p, nil
}

// ListLogs pages through a campaign's delivery logs, optionally by status.
func (s *CampaignService) ListLogs(ctx context.Context, ch model.Channel, campaignID, status string, page, pageSize int) ([]*model.DeliveryLog, map[string]int, error) {
	if _, err := s.CampaignRepo.GetByID(ctx, ch, campaignID); err != nil {
		return nil, nil, err
	}
	if status != "" {
		st := model.DeliveryStatus(status)
		if !st.Valid() {
			return nil, nil, fmt.Errorf("%w: unknown status %q", appErrors.ErrValidation, status)
		}
	}
	page, pageSize, offset := paginate(page, pageSize)
	logs, total, err := s.LogRepo.List(ctx, ch, campaignID, status, offset, pageSize)
	if err != nil {
		return nil, nil, err
	}
	return logs, pagination(page, pageSize, total), nil
}

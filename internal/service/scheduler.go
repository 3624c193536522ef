// internal/service/scheduler.go
package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/unclebandit/leadflow-backend/internal/model"
	"github.com/unclebandit/leadflow-backend/internal/repository"
	"github.com/unclebandit/leadflow-backend/internal/rules"
)

// ScheduleResult tallies one resolution pass of a campaign.
type ScheduleResult struct {
	CampaignID       string        `json:"campaign_id"`
	Channel          model.Channel `json:"channel"`
	Leads            int           `json:"leads"`
	Enqueued         int           `json:"enqueued"`
	Superseded       int           `json:"superseded"`
	AlreadyProcessed int           `json:"already_processed"`
	InFlight         int           `json:"in_flight"`
	AlreadyMessaged  int           `json:"already_messaged"`
	Skipped          int           `json:"skipped"`
	RuleErrors       int           `json:"rule_errors"`
}

// Scheduler resolves a campaign's audience and turns every lead into a
// pending delivery log.
type Scheduler struct {
	Campaigns repository.CampaignRepositoryInterface
	Logs      repository.DeliveryLogRepositoryInterface
	Audience  *AudienceResolver
	logger    *zap.Logger
	now       func() time.Time
}

func NewScheduler(campaigns repository.CampaignRepositoryInterface, logs repository.DeliveryLogRepositoryInterface, audience *AudienceResolver, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		Campaigns: campaigns,
		Logs:      logs,
		Audience:  audience,
		logger:    logger.Named("scheduler"),
		now:       time.Now,
	}
}

// Schedule runs one resolution pass. Every candidate ends up in the
// campaign's lead ledger, so a pass can be repeated safely: leads already
// processed are left alone. A malformed rule sends its lead to the default
// segment; storage errors abort the pass.
func (s *Scheduler) Schedule(ctx context.Context, c *model.Campaign) (*ScheduleResult, error) {
	aud, err := s.Audience.Resolve(ctx, c)
	if err != nil {
		return nil, err
	}

	res := &ScheduleResult{CampaignID: c.ID, Channel: c.Channel, Leads: len(aud.Leads)}
	for _, sk := range aud.Skipped {
		recorded, err := s.Logs.RecordSkip(ctx, c.Channel, c.ID, sk.ResponseID, sk.Reason)
		if err != nil {
			return res, fmt.Errorf("record skipped response %s: %w", sk.ResponseID, err)
		}
		if recorded {
			res.Skipped++
		}
	}

	rotated := 0
	for _, lead := range aud.Leads {
		d, err := rules.Evaluate(lead.Variables, c.ConditionalRules, c.Messages, c.RotationCursor+rotated)
		if err != nil {
			res.RuleErrors++
			s.logger.Warn("rule evaluation failed, using default segment",
				zap.String("campaign_id", c.ID),
				zap.String("response_id", lead.ResponseID),
				zap.Error(err))
		}

		log := &model.DeliveryLog{
			Channel:           c.Channel,
			CampaignID:        c.ID,
			ResponseID:        lead.ResponseID,
			Recipient:         lead.Contact,
			Segment:           d.Segment,
			Variant:           d.Variant,
			Message:           RenderTemplate(d.Template, lead.Variables),
			Status:            model.StatusPending,
			MaxRetries:        c.MaxRetries,
			RetryDelaySeconds: c.RetryDelaySeconds,
			ScheduledAt:       c.ScheduleFor(lead.SubmittedAt),
			Country:           lead.Country,
			PhoneCountryCode:  lead.PhoneCountryCode,
		}

		result, err := s.Logs.Enqueue(ctx, log)
		if err != nil {
			return res, fmt.Errorf("enqueue response %s: %w", lead.ResponseID, err)
		}
		switch result {
		case repository.EnqueueInserted:
			res.Enqueued++
			rotated++
		case repository.EnqueueSuperseded:
			res.Superseded++
			rotated++
		case repository.EnqueueAlreadyProcessed:
			res.AlreadyProcessed++
		case repository.EnqueueInFlight:
			res.InFlight++
		case repository.EnqueueAlreadyMessaged:
			res.AlreadyMessaged++
		}
	}

	if err := s.Campaigns.AdvanceRotation(ctx, c.Channel, c.ID, rotated); err != nil {
		return res, fmt.Errorf("advance rotation: %w", err)
	}
	c.RotationCursor += rotated

	if c.Mode == model.ModeRetroactive {
		at := s.now()
		if err := s.Campaigns.MarkResolved(ctx, c.Channel, c.ID, at); err != nil {
			return res, fmt.Errorf("mark resolved: %w", err)
		}
		c.ResolvedAt = &at
	}

	s.logger.Info("campaign scheduled",
		zap.String("campaign_id", c.ID),
		zap.String("channel", string(c.Channel)),
		zap.Int("leads", res.Leads),
		zap.Int("enqueued", res.Enqueued),
		zap.Int("superseded", res.Superseded),
		zap.Int("skipped", res.Skipped))
	return res, nil
}

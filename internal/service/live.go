// internal/service/live.go
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/unclebandit/leadflow-backend/internal/cache"
	"github.com/unclebandit/leadflow-backend/internal/model"
	"github.com/unclebandit/leadflow-backend/internal/queue"
	"github.com/unclebandit/leadflow-backend/internal/repository"
)

// LiveService feeds new submissions to active live campaigns.
type LiveService struct {
	Campaigns repository.CampaignRepositoryInterface
	Scheduler *Scheduler
	Store     cache.IdempotencyStore
	TTL       time.Duration
	logger    *zap.Logger
}

func NewLiveService(campaigns repository.CampaignRepositoryInterface, scheduler *Scheduler, store cache.IdempotencyStore, ttl time.Duration, logger *zap.Logger) *LiveService {
	return &LiveService{
		Campaigns: campaigns,
		Scheduler: scheduler,
		Store:     store,
		TTL:       ttl,
		logger:    logger.Named("live"),
	}
}

// HandleSubmission schedules every active live campaign of the response's
// quiz. A redelivered event is dropped; a failed one is released so the
// queue can retry it.
func (s *LiveService) HandleSubmission(ctx context.Context, ev queue.ResponseSubmitted) error {
	if ev.ResponseID == "" || ev.QuizID == "" {
		return fmt.Errorf("submission event without response or quiz id")
	}

	fresh, err := s.Store.MarkProcessed(ctx, ev.ResponseID, s.TTL)
	if err != nil {
		return fmt.Errorf("mark submission %s: %w", ev.ResponseID, err)
	}
	if !fresh {
		s.logger.Debug("submission already handled", zap.String("response_id", ev.ResponseID))
		return nil
	}

	if err := s.scheduleLive(ctx, ev.QuizID); err != nil {
		if relErr := s.Store.Release(ctx, ev.ResponseID); relErr != nil {
			s.logger.Error("release submission", zap.String("response_id", ev.ResponseID), zap.Error(relErr))
		}
		return err
	}
	return nil
}

func (s *LiveService) scheduleLive(ctx context.Context, quizID string) error {
	campaigns, err := s.Campaigns.ListActiveLive(ctx, quizID)
	if err != nil {
		return fmt.Errorf("list live campaigns: %w", err)
	}
	return s.scheduleAll(ctx, campaigns)
}

func (s *LiveService) scheduleAll(ctx context.Context, campaigns []*model.Campaign) error {
	var errs []error
	for _, c := range campaigns {
		if _, err := s.Scheduler.Schedule(ctx, c); err != nil {
			s.logger.Error("schedule campaign",
				zap.String("channel", string(c.Channel)),
				zap.String("campaign_id", c.ID),
				zap.Error(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Sweep catches up on submissions whose events were lost and finishes
// retroactive resolutions interrupted by a failure. Both passes rely on the
// lead ledger, so nothing is scheduled twice.
func (s *LiveService) Sweep(ctx context.Context) error {
	live, err := s.Campaigns.ListActiveLive(ctx, "")
	if err != nil {
		return fmt.Errorf("list live campaigns: %w", err)
	}
	unresolved, err := s.Campaigns.ListUnresolved(ctx)
	if err != nil {
		return fmt.Errorf("list unresolved campaigns: %w", err)
	}
	return s.scheduleAll(ctx, append(live, unresolved...))
}

// Subscribe attaches HandleSubmission to the submission topic.
func (s *LiveService) Subscribe(ctx context.Context, q queue.Queue) error {
	return q.Subscribe(queue.TopicResponseSubmitted, func(payload any) error {
		var ev queue.ResponseSubmitted
		if err := queue.Decode(payload, &ev); err != nil {
			s.logger.Error("drop undecodable submission event", zap.Error(err))
			return nil
		}
		return s.HandleSubmission(ctx, ev)
	})
}

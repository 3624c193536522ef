// internal/service/response_service.go
package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	appErrors "github.com/unclebandit/leadflow-backend/internal/errors"
	"github.com/unclebandit/leadflow-backend/internal/model"
	"github.com/unclebandit/leadflow-backend/internal/queue"
	"github.com/unclebandit/leadflow-backend/internal/repository"
)

// SubmitResult describes a stored submission.
type SubmitResult struct {
	ResponseID string                   `json:"response_id"`
	Created    bool                     `json:"created"`
	Variables  []model.ResponseVariable `json:"variables"`
	Skipped    []string                 `json:"skipped,omitempty"`
}

// ResponseService ingests quiz submissions.
type ResponseService struct {
	Responses repository.ResponseRepositoryInterface
	Queue     queue.Queue
	validate  *validator.Validate
	logger    *zap.Logger
	now       func() time.Time
}

func NewResponseService(responses repository.ResponseRepositoryInterface, q queue.Queue, logger *zap.Logger) *ResponseService {
	return &ResponseService{
		Responses: responses,
		Queue:     q,
		validate:  validator.New(),
		logger:    logger.Named("responses"),
		now:       time.Now,
	}
}

// Submit extracts the variables of a response, stores both atomically and
// announces the response to the live pipeline. Answers that cannot be
// extracted are reported, not fatal. A failed announcement is only logged:
// the live sweep picks the response up later.
func (s *ResponseService) Submit(ctx context.Context, resp *model.QuizResponse) (*SubmitResult, error) {
	resp.ID = strings.TrimSpace(resp.ID)
	resp.QuizID = strings.TrimSpace(resp.QuizID)
	if resp.ID == "" || resp.QuizID == "" {
		return nil, fmt.Errorf("%w: response id and quiz id are required", appErrors.ErrValidation)
	}
	if resp.SubmittedAt.IsZero() {
		resp.SubmittedAt = s.now()
	}

	structure, err := s.Responses.GetStructure(ctx, resp.QuizID)
	if err != nil {
		return nil, fmt.Errorf("load quiz structure: %w", err)
	}

	vars, extractErrs := Extract(resp, structure)
	res := &SubmitResult{ResponseID: resp.ID, Variables: vars}
	for _, e := range extractErrs {
		res.Skipped = append(res.Skipped, e.Error())
		s.logger.Warn("answer skipped",
			zap.String("response_id", resp.ID),
			zap.Int("index", e.Index),
			zap.String("variable", e.Name),
			zap.Error(e.Err))
	}

	if res.Created, err = s.Responses.SaveWithVariables(ctx, resp, vars); err != nil {
		return nil, fmt.Errorf("save response %s: %w", resp.ID, err)
	}

	ev := queue.ResponseSubmitted{ResponseID: resp.ID, QuizID: resp.QuizID}
	if err := s.Queue.Publish(queue.TopicResponseSubmitted, ev); err != nil {
		s.logger.Error("publish submission event", zap.String("response_id", resp.ID), zap.Error(err))
	}
	return res, nil
}

// SaveStructure replaces the element mapping of a quiz.
func (s *ResponseService) SaveStructure(ctx context.Context, quizID string, elements []model.QuizElement) error {
	quizID = strings.TrimSpace(quizID)
	if quizID == "" {
		return fmt.Errorf("%w: quiz id is required", appErrors.ErrValidation)
	}
	seen := map[string]bool{}
	for i := range elements {
		e := &elements[i]
		e.QuizID = quizID
		if err := s.validate.Struct(e); err != nil {
			return fmt.Errorf("%w: element %d: %v", appErrors.ErrValidation, i, err)
		}
		if seen[e.ElementID] {
			return fmt.Errorf("%w: duplicate element %q", appErrors.ErrValidation, e.ElementID)
		}
		seen[e.ElementID] = true
	}
	return s.Responses.SaveStructure(ctx, quizID, elements)
}

// Variables returns the stored variables of a response.
func (s *ResponseService) Variables(ctx context.Context, responseID string) ([]model.ResponseVariable, error) {
	if _, err := s.Responses.GetByID(ctx, responseID); err != nil {
		return nil, err
	}
	return s.Responses.ListVariables(ctx, responseID)
}

// internal/handler/response_handler.go
package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/unclebandit/leadflow-backend/internal/controller"
	appErrors "github.com/unclebandit/leadflow-backend/internal/errors"
	"github.com/unclebandit/leadflow-backend/internal/model"
	"github.com/unclebandit/leadflow-backend/internal/service"
)

// ResponseHandler receives quiz submissions and quiz structures from the
// quiz builder.
type ResponseHandler struct {
	Service *service.ResponseService
	logger  *zap.Logger
}

func NewResponseHandler(svc *service.ResponseService, logger *zap.Logger) *ResponseHandler {
	return &ResponseHandler{Service: svc, logger: logger.Named("response_api")}
}

func (h *ResponseHandler) Routes(r chi.Router) {
	r.Post("/quizzes/{quizID}/responses", h.SubmitResponseHandler)
	r.Put("/quizzes/{quizID}/elements", h.SaveStructureHandler)
	r.Get("/responses/{id}/variables", h.VariablesHandler)
}

// submissionPayload is the quiz builder's wire format.
type submissionPayload struct {
	ID        string `json:"id"`
	QuizID    string `json:"quizId"`
	Responses []struct {
		ElementID      string          `json:"elementId"`
		ElementFieldID string          `json:"elementFieldId"`
		PageID         string          `json:"pageId"`
		Value          json.RawMessage `json:"value"`
	} `json:"responses"`
	Metadata struct {
		IsComplete       bool       `json:"isComplete"`
		CompletedAt      *time.Time `json:"completedAt"`
		SubmittedAt      *time.Time `json:"submittedAt"`
		Country          string     `json:"country"`
		PhoneCountryCode string     `json:"phoneCountryCode"`
	} `json:"metadata"`
}

func (p *submissionPayload) toModel(quizID string) (*model.QuizResponse, error) {
	if p.QuizID != "" && !strings.EqualFold(strings.TrimSpace(p.QuizID), quizID) {
		return nil, fmt.Errorf("%w: body quizId %q does not match path", appErrors.ErrValidation, p.QuizID)
	}
	resp := &model.QuizResponse{
		ID:               p.ID,
		QuizID:           quizID,
		IsComplete:       p.Metadata.IsComplete,
		CompletedAt:      p.Metadata.CompletedAt,
		Country:          strings.ToUpper(strings.TrimSpace(p.Metadata.Country)),
		PhoneCountryCode: strings.TrimSpace(p.Metadata.PhoneCountryCode),
	}
	switch {
	case p.Metadata.SubmittedAt != nil:
		resp.SubmittedAt = *p.Metadata.SubmittedAt
	case p.Metadata.CompletedAt != nil:
		resp.SubmittedAt = *p.Metadata.CompletedAt
	}
	for _, a := range p.Responses {
		resp.Answers = append(resp.Answers, model.Answer{
			ElementID:      a.ElementID,
			ElementFieldID: a.ElementFieldID,
			PageID:         a.PageID,
			Value:          a.Value,
		})
	}
	return resp, nil
}

// SubmitResponseHandler stores a submission and its variables. A new
// response answers 201, a resubmission 200.
func (h *ResponseHandler) SubmitResponseHandler(w http.ResponseWriter, r *http.Request) {
	var payload submissionPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		controller.WriteError(w, h.logger, fmt.Errorf("%w: invalid request body: %v", appErrors.ErrValidation, err))
		return
	}
	resp, err := payload.toModel(chi.URLParam(r, "quizID"))
	if err != nil {
		controller.WriteError(w, h.logger, err)
		return
	}

	res, err := h.Service.Submit(r.Context(), resp)
	if err != nil {
		controller.WriteError(w, h.logger, err)
		return
	}
	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	controller.WriteJSON(w, status, res)
}

func (h *ResponseHandler) SaveStructureHandler(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Elements []model.QuizElement `json:"elements"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		controller.WriteError(w, h.logger, fmt.Errorf("%w: invalid request body: %v", appErrors.ErrValidation, err))
		return
	}
	quizID := chi.URLParam(r, "quizID")
	if err := h.Service.SaveStructure(r.Context(), quizID, payload.Elements); err != nil {
		controller.WriteError(w, h.logger, err)
		return
	}
	controller.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"quiz_id":  quizID,
		"elements": len(payload.Elements),
	})
}

func (h *ResponseHandler) VariablesHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	vars, err := h.Service.Variables(r.Context(), id)
	if err != nil {
		controller.WriteError(w, h.logger, err)
		return
	}
	controller.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"response_id": id,
		"variables":   vars,
	})
}

// internal/controller/campaign_controller.go
package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	appErrors "github.com/unclebandit/leadflow-backend/internal/errors"
	"github.com/unclebandit/leadflow-backend/internal/model"
	"github.com/unclebandit/leadflow-backend/internal/service"
)

type CampaignController struct {
	CampaignService *service.CampaignService
	logger          *zap.Logger
}

func NewCampaignController(svc *service.CampaignService, logger *zap.Logger) *CampaignController {
	return &CampaignController{CampaignService: svc, logger: logger.Named("campaign_api")}
}

// Routes mounts the campaign API under /campaigns/{channel}.
func (c *CampaignController) Routes(r chi.Router) {
	r.Route("/campaigns/{channel}", func(r chi.Router) {
		r.Post("/", c.CreateCampaign)
		r.Get("/", c.ListCampaigns)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", c.GetCampaignDetails)
			r.Put("/", c.UpdateCampaign)
			r.Post("/activate", c.Activate)
			r.Post("/pause", c.Pause)
			r.Post("/resume", c.Resume)
			r.Post("/stop", c.Stop)
			r.Post("/preview", c.PersonalizedPreview)
			r.Get("/logs", c.ListLogs)
		})
	})
}

// channelParam reads and validates the {channel} URL parameter.
func channelParam(r *http.Request) (model.Channel, error) {
	ch, err := model.ParseChannel(chi.URLParam(r, "channel"))
	if err != nil {
		return "", fmt.Errorf("%w: %v", appErrors.ErrUnknownChannel, err)
	}
	return ch, nil
}

func pageParams(r *http.Request) (int, int) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("page_size"))
	return page, pageSize
}

func (c *CampaignController) CreateCampaign(w http.ResponseWriter, r *http.Request) {
	ch, err := channelParam(r)
	if err != nil {
		WriteError(w, c.logger, err)
		return
	}
	var body service.CampaignInput
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteError(w, c.logger, fmt.Errorf("%w: invalid body: %v", appErrors.ErrValidation, err))
		return
	}

	campaign, err := c.CampaignService.CreateCampaign(r.Context(), ch, &body)
	if err != nil {
		WriteError(w, c.logger, err)
		return
	}
	WriteJSON(w, http.StatusCreated, campaign)
}

func (c *CampaignController) UpdateCampaign(w http.ResponseWriter, r *http.Request) {
	ch, err := channelParam(r)
	if err != nil {
		WriteError(w, c.logger, err)
		return
	}
	var body service.CampaignInput
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteError(w, c.logger, fmt.Errorf("%w: invalid body: %v", appErrors.ErrValidation, err))
		return
	}

	campaign, err := c.CampaignService.UpdateCampaign(r.Context(), ch, chi.URLParam(r, "id"), &body)
	if err != nil {
		WriteError(w, c.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, campaign)
}

func (c *CampaignController) ListCampaigns(w http.ResponseWriter, r *http.Request) {
	ch, err := channelParam(r)
	if err != nil {
		WriteError(w, c.logger, err)
		return
	}
	page, pageSize := pageParams(r)
	status := r.URL.Query().Get("status")

	campaigns, pagination, err := c.CampaignService.ListCampaigns(r.Context(), ch, page, pageSize, status)
	if err != nil {
		WriteError(w, c.logger, err)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"data":       campaigns,
		"pagination": pagination, // page, page_size, total_count, total_pages
	})
}

func (c *CampaignController) GetCampaignDetails(w http.ResponseWriter, r *http.Request) {
	ch, err := channelParam(r)
	if err != nil {
		WriteError(w, c.logger, err)
		return
	}

	details, err := c.CampaignService.GetCampaignDetailsWithStats(r.Context(), ch, chi.URLParam(r, "id"))
	if err != nil {
		WriteError(w, c.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, details)
}

// Activate answers 200 with the resolution tallies, or 202 when the campaign
// went active but its retroactive resolution failed and is left to the sweep.
func (c *CampaignController) Activate(w http.ResponseWriter, r *http.Request) {
	ch, err := channelParam(r)
	if err != nil {
		WriteError(w, c.logger, err)
		return
	}

	res, err := c.CampaignService.Activate(r.Context(), ch, chi.URLParam(r, "id"))
	if err != nil {
		if res != nil {
			c.logger.Error("audience resolution failed after activation",
				zap.String("campaign_id", res.Campaign.ID), zap.Error(err))
			WriteJSON(w, http.StatusAccepted, map[string]interface{}{
				"campaign": res.Campaign,
				"error":    err.Error(),
			})
			return
		}
		WriteError(w, c.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, res)
}

func (c *CampaignController) Pause(w http.ResponseWriter, r *http.Request) {
	c.lifecycle(w, r, c.CampaignService.Pause)
}

func (c *CampaignController) Resume(w http.ResponseWriter, r *http.Request) {
	c.lifecycle(w, r, c.CampaignService.Resume)
}

func (c *CampaignController) Stop(w http.ResponseWriter, r *http.Request) {
	c.lifecycle(w, r, c.CampaignService.Stop)
}

type lifecycleFunc func(ctx context.Context, ch model.Channel, id string) (*model.Campaign, error)

func (c *CampaignController) lifecycle(w http.ResponseWriter, r *http.Request, fn lifecycleFunc) {
	ch, err := channelParam(r)
	if err != nil {
		WriteError(w, c.logger, err)
		return
	}
	campaign, err := fn(r.Context(), ch, chi.URLParam(r, "id"))
	if err != nil {
		WriteError(w, c.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, campaign)
}

func (c *CampaignController) PersonalizedPreview(w http.ResponseWriter, r *http.Request) {
	ch, err := channelParam(r)
	if err != nil {
		WriteError(w, c.logger, err)
		return
	}

	var body struct {
		ResponseID       string  `json:"response_id"`
		OverrideTemplate *string `json:"override_template"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteError(w, c.logger, fmt.Errorf("%w: invalid body: %v", appErrors.ErrValidation, err))
		return
	}
	if body.ResponseID == "" {
		WriteError(w, c.logger, fmt.Errorf("%w: response_id is required", appErrors.ErrValidation))
		return
	}

	preview, err := c.CampaignService.RenderPreview(r.Context(), ch, chi.URLParam(r, "id"), body.ResponseID, body.OverrideTemplate)
	if err != nil {
		WriteError(w, c.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, preview)
}

func (c *CampaignController) ListLogs(w http.ResponseWriter, r *http.Request) {
	ch, err := channelParam(r)
	if err != nil {
		WriteError(w, c.logger, err)
		return
	}
	page, pageSize := pageParams(r)

	logs, pagination, err := c.CampaignService.ListLogs(r.Context(), ch, chi.URLParam(r, "id"), r.URL.Query().Get("status"), page, pageSize)
	if err != nil {
		WriteError(w, c.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"data":       logs,
		"pagination": pagination,
	})
}

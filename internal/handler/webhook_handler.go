// internal/handler/webhook_handler.go
package handler

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/unclebandit/leadflow-backend/internal/controller"
	appErrors "github.com/unclebandit/leadflow-backend/internal/errors"
	"github.com/unclebandit/leadflow-backend/internal/model"
	"github.com/unclebandit/leadflow-backend/internal/service"
)

const maxWebhookBody = 1 << 20

// WebhookHandler receives provider delivery receipts.
type WebhookHandler struct {
	Receipts *service.ReceiptService
	logger   *zap.Logger
}

func NewWebhookHandler(receipts *service.ReceiptService, logger *zap.Logger) *WebhookHandler {
	return &WebhookHandler{Receipts: receipts, logger: logger.Named("webhooks")}
}

func (h *WebhookHandler) Routes(r chi.Router) {
	r.Post("/webhooks/{channel}", h.ReceiptHandler)
}

// ReceiptHandler applies a single receipt or an array of them. Receipts for
// unknown provider ids are counted, not rejected, so providers do not retry
// them forever.
func (h *WebhookHandler) ReceiptHandler(w http.ResponseWriter, r *http.Request) {
	ch, err := model.ParseChannel(chi.URLParam(r, "channel"))
	if err != nil {
		controller.WriteError(w, h.logger, fmt.Errorf("%w: %v", appErrors.ErrUnknownChannel, err))
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		controller.WriteJSON(w, http.StatusRequestEntityTooLarge,
			map[string]string{"error": fmt.Sprintf("body exceeds %d bytes", tooLarge.Limit)})
		return
	}
	if err != nil {
		controller.WriteError(w, h.logger, fmt.Errorf("%w: read body: %v", appErrors.ErrValidation, err))
		return
	}

	sum, err := h.Receipts.ApplyReceipts(r.Context(), ch, body)
	if err != nil {
		controller.WriteError(w, h.logger, err)
		return
	}
	controller.WriteJSON(w, http.StatusOK, sum)
}

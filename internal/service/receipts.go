// internal/service/receipts.go
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	appErrors "github.com/unclebandit/leadflow-backend/internal/errors"
	"github.com/unclebandit/leadflow-backend/internal/model"
	"github.com/unclebandit/leadflow-backend/internal/repository"
	"github.com/unclebandit/leadflow-backend/internal/transport"
)

// maxReceiptAttempts bounds the re-reads when a concurrent receipt moves the
// log between our read and our write.
const maxReceiptAttempts = 3

// ReceiptParsers reads provider webhook bodies per channel.
type ReceiptParsers interface {
	ParseReceipts(ch model.Channel, body []byte) ([]transport.Receipt, error)
}

// ReceiptSummary tallies one webhook delivery.
type ReceiptSummary struct {
	Received int `json:"received"`
	Applied  int `json:"applied"`
	Ignored  int `json:"ignored"`
	Unknown  int `json:"unknown"`
}

// ReceiptService applies asynchronous delivery receipts to delivery logs.
type ReceiptService struct {
	Logs    repository.DeliveryLogRepositoryInterface
	Parsers ReceiptParsers
	logger  *zap.Logger
	now     func() time.Time
}

func NewReceiptService(logs repository.DeliveryLogRepositoryInterface, parsers ReceiptParsers, logger *zap.Logger) *ReceiptService {
	return &ReceiptService{Logs: logs, Parsers: parsers, logger: logger.Named("receipts"), now: time.Now}
}

// ApplyReceipt moves the log sent under providerID to status. Receipts are
// idempotent: a repeated receipt, or one the log's current status does not
// allow, changes nothing and reports false.
func (s *ReceiptService) ApplyReceipt(ctx context.Context, ch model.Channel, providerID, status, reason string) (bool, error) {
	to, ok := model.ParseReceiptStatus(strings.ToLower(strings.TrimSpace(status)))
	if !ok {
		return false, fmt.Errorf("%w: unknown receipt status %q", appErrors.ErrValidation, status)
	}
	if strings.TrimSpace(providerID) == "" {
		return false, fmt.Errorf("%w: receipt without provider id", appErrors.ErrValidation)
	}

	for attempt := 0; attempt < maxReceiptAttempts; attempt++ {
		log, err := s.Logs.FindByProviderID(ctx, ch, providerID)
		if err != nil {
			return false, err
		}
		if log.Status == to || !model.CanTransition(ch, log.Status, to) {
			s.logger.Debug("receipt ignored",
				zap.String("provider_id", providerID),
				zap.String("from", string(log.Status)),
				zap.String("to", string(to)))
			return false, nil
		}

		applied, err := s.Logs.ApplyStatus(ctx, ch, log.ID, log.Status, to, reason, s.now())
		if err != nil {
			return false, fmt.Errorf("apply %s receipt to log %d: %w", to, log.ID, err)
		}
		if applied {
			return true, nil
		}
	}
	return false, nil
}

// ApplyReceipts parses a webhook body with the channel's parser and applies
// every receipt in it. Receipts for unknown provider ids or with unknown
// statuses are counted and skipped.
func (s *ReceiptService) ApplyReceipts(ctx context.Context, ch model.Channel, body []byte) (*ReceiptSummary, error) {
	receipts, err := s.Parsers.ParseReceipts(ch, body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", appErrors.ErrValidation, err)
	}

	sum := &ReceiptSummary{Received: len(receipts)}
	for _, r := range receipts {
		applied, err := s.ApplyReceipt(ctx, ch, r.ProviderID, r.Status, r.Reason)
		switch {
		case errors.Is(err, appErrors.ErrDeliveryLogNotFound):
			sum.Unknown++
		case errors.Is(err, appErrors.ErrValidation):
			sum.Ignored++
		case err != nil:
			return sum, err
		case applied:
			sum.Applied++
		default:
			sum.Ignored++
		}
	}
	return sum, nil
}

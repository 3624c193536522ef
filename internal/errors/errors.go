// internal/errors/errors.go
package appErrors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrCampaignNotFound is returned when a campaign id is unknown on a channel.
type ErrCampaignNotFound struct {
	Channel    string
	CampaignID string
}

func (e *ErrCampaignNotFound) Error() string {
	return fmt.Sprintf("%s campaign with ID %s not found", e.Channel, e.CampaignID)
}

// Helper constructor
func NewCampaignNotFound(channel, id string) error {
	return &ErrCampaignNotFound{Channel: channel, CampaignID: id}
}

var (
	ErrResponseNotFound    = errors.New("quiz response not found")
	ErrDeliveryLogNotFound = errors.New("delivery log not found")
	ErrUnknownChannel      = errors.New("unknown channel")
	ErrInvalidContact      = errors.New("invalid contact")
	ErrInvalidTransition   = errors.New("invalid status transition")
	ErrNotActivatable      = errors.New("campaign cannot be activated")
	ErrModeImmutable       = errors.New("campaign mode cannot change after activation")
	ErrValidation          = errors.New("validation failed")
)

// IsNotFound reports whether err means a missing campaign, response or log.
func IsNotFound(err error) bool {
	var nf *ErrCampaignNotFound
	return errors.As(err, &nf) || errors.Is(err, ErrResponseNotFound) || errors.Is(err, ErrDeliveryLogNotFound)
}

// TransitionError describes a rejected campaign lifecycle change.
type TransitionError struct {
	From, To string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot move campaign from %s to %s", e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// HTTPStatus maps an error onto the status code an API client should see.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, ErrValidation), errors.Is(err, ErrUnknownChannel), errors.Is(err, ErrInvalidContact):
		return http.StatusBadRequest
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrNotActivatable), errors.Is(err, ErrModeImmutable):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// Package transport hands rendered messages to channel providers.
//
// A Transport only has to Send. It may also implement RetryPolicy, to give
// campaigns of its channel a default retry policy, and ReceiptParser, to
// read the provider's webhook bodies. Wrappers expose the transport they wrap
// through Unwrap so these capabilities survive wrapping.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/unclebandit/leadflow-backend/internal/model"
)

// Payload is what a provider receives for one delivery.
type Payload struct {
	Recipient  string            `json:"recipient"`
	Message    string            `json:"message"`
	CampaignID string            `json:"campaign_id"`
	Channel    model.Channel     `json:"channel"`
	Settings   map[string]string `json:"settings,omitempty"`
}

// Ack is the provider's synchronous acceptance of a payload.
type Ack struct {
	ProviderID string `json:"provider_id"`
}

type Transport interface {
	Send(ctx context.Context, p Payload) (Ack, error)
}

// RetryPolicy gives the default retry policy of a channel.
type RetryPolicy interface {
	RetryPolicy() (maxRetries int, delay time.Duration)
}

// Receipt is one asynchronous status update from a provider.
type Receipt struct {
	ProviderID string `json:"provider_id"`
	Status     string `json:"status"`
	Reason     string `json:"reason,omitempty"`
}

type ReceiptParser interface {
	ParseReceipts(body []byte) ([]Receipt, error)
}

// ErrMalformedReceipt is returned for webhook bodies that cannot be read.
var ErrMalformedReceipt = errors.New("malformed receipt")

// ErrNotSent wraps errors returned before the provider was called, so the
// caller knows the message can be tried again as is.
var ErrNotSent = errors.New("not sent")

// ParseJSONReceipts reads a single {provider_id, status} object or an array
// of them. Statuses are lower-cased.
func ParseJSONReceipts(body []byte) ([]Receipt, error) {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return nil, fmt.Errorf("%w: empty body", ErrMalformedReceipt)
	}

	var receipts []Receipt
	if strings.HasPrefix(trimmed, "[") {
		if err := json.Unmarshal([]byte(trimmed), &receipts); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedReceipt, err)
		}
	} else {
		var r Receipt
		if err := json.Unmarshal([]byte(trimmed), &r); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedReceipt, err)
		}
		receipts = []Receipt{r}
	}

	for i := range receipts {
		receipts[i].Status = strings.ToLower(strings.TrimSpace(receipts[i].Status))
	}
	return receipts, nil
}

type unwrapper interface {
	Unwrap() Transport
}

// As walks the wrapper chain of t looking for a transport implementing T.
func As[T any](t Transport) (T, bool) {
	for t != nil {
		if v, ok := t.(T); ok {
			return v, true
		}
		u, ok := t.(unwrapper)
		if !ok {
			break
		}
		t = u.Unwrap()
	}
	var zero T
	return zero, false
}

// WithRetryPolicy attaches a default retry policy to a transport.
func WithRetryPolicy(t Transport, maxRetries int, delay time.Duration) Transport {
	return &retrying{Transport: t, maxRetries: maxRetries, delay: delay}
}

type retrying struct {
	Transport
	maxRetries int
	delay      time.Duration
}

func (r *retrying) RetryPolicy() (int, time.Duration) { return r.maxRetries, r.delay }
func (r *retrying) Unwrap() Transport                 { return r.Transport }

// WithReceiptParser attaches a webhook parser to a transport.
func WithReceiptParser(t Transport, parse func([]byte) ([]Receipt, error)) Transport {
	return &parsing{Transport: t, parse: parse}
}

type parsing struct {
	Transport
	parse func([]byte) ([]Receipt, error)
}

func (p *parsing) ParseReceipts(body []byte) ([]Receipt, error) { return p.parse(body) }
func (p *parsing) Unwrap() Transport                            { return p.Transport }

// voiceOutcomes maps telephony call statuses onto delivery statuses.
var voiceOutcomes = map[string]string{
	"completed":   string(model.StatusAnswered),
	"answered":    string(model.StatusAnswered),
	"machine":     string(model.StatusVoicemail),
	"voicemail":   string(model.StatusVoicemail),
	"busy":        string(model.StatusBusy),
	"no-answer":   string(model.StatusFailed),
	"no_answer":   string(model.StatusFailed),
	"canceled":    string(model.StatusFailed),
	"failed":      string(model.StatusFailed),
	"in-progress": "",
	"ringing":     "",
}

// ParseVoiceReceipts reads JSON receipts and translates call statuses.
// Intermediate call states are dropped.
func ParseVoiceReceipts(body []byte) ([]Receipt, error) {
	receipts, err := ParseJSONReceipts(body)
	if err != nil {
		return nil, err
	}
	out := receipts[:0]
	for _, r := range receipts {
		if mapped, ok := voiceOutcomes[r.Status]; ok {
			if mapped == "" {
				continue
			}
			if r.Status != mapped && mapped == string(model.StatusFailed) && r.Reason == "" {
				r.Reason = r.Status
			}
			r.Status = mapped
		}
		out = append(out, r)
	}
	return out, nil
}

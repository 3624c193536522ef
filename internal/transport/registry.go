package transport

import (
	"fmt"
	"io"
	"time"

	"github.com/streadway/amqp"
	"go.uber.org/zap"

	"github.com/unclebandit/leadflow-backend/internal/config"
	appErrors "github.com/unclebandit/leadflow-backend/internal/errors"
	"github.com/unclebandit/leadflow-backend/internal/model"
)

// Registry resolves the transport of each channel.
type Registry struct {
	transports map[model.Channel]Transport
	closers    []io.Closer
}

func NewRegistry() *Registry {
	return &Registry{transports: map[model.Channel]Transport{}}
}

func (r *Registry) Register(ch model.Channel, t Transport) {
	r.transports[ch] = t
}

func (r *Registry) Get(ch model.Channel) (Transport, error) {
	t, ok := r.transports[ch]
	if !ok {
		return nil, fmt.Errorf("%w: no transport for %q", appErrors.ErrUnknownChannel, ch)
	}
	return t, nil
}

// RetryPolicy returns the default retry policy of a channel, if its
// transport defines one.
func (r *Registry) RetryPolicy(ch model.Channel) (int, time.Duration, bool) {
	t, ok := r.transports[ch]
	if !ok {
		return 0, 0, false
	}
	p, ok := As[RetryPolicy](t)
	if !ok {
		return 0, 0, false
	}
	n, d := p.RetryPolicy()
	return n, d, true
}

// ParseReceipts reads a webhook body with the channel's parser, or as plain
// JSON receipts when the transport has none.
func (r *Registry) ParseReceipts(ch model.Channel, body []byte) ([]Receipt, error) {
	if t, ok := r.transports[ch]; ok {
		if p, ok := As[ReceiptParser](t); ok {
			return p.ParseReceipts(body)
		}
	}
	return ParseJSONReceipts(body)
}

func (r *Registry) Close() error {
	var first error
	for _, c := range r.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Build creates the transports of every channel from configuration: a mock
// provider or one AMQP gateway queue per channel, optionally rate limited.
// Voice carries the configured retry policy and the call-status parser.
func Build(cfg *config.Config, logger *zap.Logger) (*Registry, error) {
	r := NewRegistry()

	var conn *amqp.Connection
	if cfg.Transport.Kind == "amqp" {
		var err error
		conn, err = amqp.Dial(cfg.AMQP.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
		}
		r.closers = append(r.closers, conn)
	}

	for _, ch := range model.Channels() {
		var t Transport
		switch cfg.Transport.Kind {
		case "amqp":
			at, err := NewAMQPTransport(conn, fmt.Sprintf("%s.%s", cfg.AMQP.OutboundBase, ch))
			if err != nil {
				r.Close()
				return nil, err
			}
			r.closers = append([]io.Closer{at}, r.closers...)
			t = at
		default:
			t = NewMockTransport(cfg.Transport.MockSuccessRate)
		}

		if cfg.Transport.RatePerSecond > 0 {
			t = NewRateLimited(t, cfg.Transport.RatePerSecond, cfg.Transport.Burst)
		}
		if ch == model.ChannelVoice {
			t = WithRetryPolicy(t, cfg.Dispatcher.VoiceMaxRetries, cfg.Dispatcher.VoiceRetryDelay)
			t = WithReceiptParser(t, ParseVoiceReceipts)
		}
		r.Register(ch, t)
	}

	logger.Info("transports ready",
		zap.String("kind", cfg.Transport.Kind),
		zap.Float64("rate_per_second", cfg.Transport.RatePerSecond))
	return r, nil
}

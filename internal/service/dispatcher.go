// internal/service/dispatcher.go
package service

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/unclebandit/leadflow-backend/internal/config"
	"github.com/unclebandit/leadflow-backend/internal/model"
	"github.com/unclebandit/leadflow-backend/internal/repository"
	"github.com/unclebandit/leadflow-backend/internal/transport"
)

// TimeoutReason is recorded on logs whose transport call ran out of time.
const TimeoutReason = "timeout"

// TransportResolver finds the transport of a channel.
type TransportResolver interface {
	Get(ch model.Channel) (transport.Transport, error)
}

// TickResult tallies one dispatch tick of a channel.
type TickResult struct {
	Channel   model.Channel `json:"channel"`
	Reaped    int64         `json:"reaped"`
	Requeued  int64         `json:"requeued"`
	Due       int           `json:"due"`
	Leased    int           `json:"leased"`
	Sent      int           `json:"sent"`
	Failed    int           `json:"failed"`
	Released  int           `json:"released"`
	Completed []string      `json:"completed,omitempty"`
}

// Dispatcher moves due logs through pending → sending → sent|failed. Any
// number of dispatchers may tick at once: a log is only sent by the one
// that wins its lease. A leased log whose send never reached the provider
// goes back to pending.
type Dispatcher struct {
	Campaigns  repository.CampaignRepositoryInterface
	Logs       repository.DeliveryLogRepositoryInterface
	Transports TransportResolver
	cfg        config.DispatcherConfig
	logger     *zap.Logger
	now        func() time.Time
}

func NewDispatcher(campaigns repository.CampaignRepositoryInterface, logs repository.DeliveryLogRepositoryInterface, transports TransportResolver, cfg config.DispatcherConfig, logger *zap.Logger) *Dispatcher {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 100
	}
	return &Dispatcher{
		Campaigns:  campaigns,
		Logs:       logs,
		Transports: transports,
		cfg:        cfg,
		logger:     logger.Named("dispatcher"),
		now:        time.Now,
	}
}

// Tick runs one dispatch tick on every channel. A failing channel does not
// stop the others; its error is returned with theirs.
func (d *Dispatcher) Tick(ctx context.Context) ([]*TickResult, error) {
	var results []*TickResult
	var errs []error
	for _, ch := range model.Channels() {
		res, err := d.TickChannel(ctx, ch)
		if err != nil {
			d.logger.Error("dispatch tick failed", zap.String("channel", string(ch)), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", ch, err))
			continue
		}
		results = append(results, res)
	}
	return results, errors.Join(errs...)
}

type leasedLog struct {
	log   *model.DeliveryLog
	token string
}

type sendOutcome int

const (
	outcomeSent sendOutcome = iota
	outcomeFailed
	outcomeReleased
)

// TickChannel reaps expired leases, requeues retryable failures, then leases
// the due logs one by one in schedule order and sends the leased ones in
// parallel.
func (d *Dispatcher) TickChannel(ctx context.Context, ch model.Channel) (*TickResult, error) {
	now := d.now()
	res := &TickResult{Channel: ch}

	var err error
	if d.cfg.LeaseTTL > 0 {
		if res.Reaped, err = d.Logs.ReapStaleLeases(ctx, ch, now.Add(-d.cfg.LeaseTTL), now); err != nil {
			return nil, fmt.Errorf("reap stale leases: %w", err)
		}
		if res.Reaped > 0 {
			d.logger.Warn("stale leases failed", zap.String("channel", string(ch)), zap.Int64("count", res.Reaped))
		}
	}
	if res.Requeued, err = d.Logs.RequeueFailed(ctx, ch, now); err != nil {
		return nil, fmt.Errorf("requeue failed logs: %w", err)
	}

	due, err := d.Logs.ListDue(ctx, ch, now, d.cfg.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("list due logs: %w", err)
	}
	res.Due = len(due)

	if len(due) > 0 {
		tr, err := d.Transports.Get(ch)
		if err != nil {
			return nil, err
		}

		// a log still waiting for a rate limit token once the reaper could
		// claim its lease is handed back instead
		var waitUntil time.Time
		if d.cfg.LeaseTTL > d.cfg.SendTimeout {
			waitUntil = time.Now().Add(d.cfg.LeaseTTL - d.cfg.SendTimeout)
		}

		leased := make([]leasedLog, 0, len(due))
		for _, l := range due {
			token := uuid.NewString()
			ok, err := d.Logs.Lease(ctx, ch, l.ID, token, now)
			if err != nil {
				return nil, fmt.Errorf("lease log %d: %w", l.ID, err)
			}
			if ok {
				leased = append(leased, leasedLog{log: l, token: token})
			}
		}
		res.Leased = len(leased)

		err = d.sendAll(ctx, ch, tr, leased, waitUntil, res)
		if err != nil {
			return res, err
		}
	}

	if res.Completed, err = d.Campaigns.CompleteFinished(ctx, ch, d.now()); err != nil {
		return res, fmt.Errorf("complete finished campaigns: %w", err)
	}
	for _, id := range res.Completed {
		d.logger.Info("campaign completed", zap.String("channel", string(ch)), zap.String("campaign_id", id))
	}
	return res, nil
}

func (d *Dispatcher) sendAll(ctx context.Context, ch model.Channel, tr transport.Transport, leased []leasedLog, waitUntil time.Time, res *TickResult) error {
	settings := map[string]map[string]string{}
	for _, ll := range leased {
		id := ll.log.CampaignID
		if _, ok := settings[id]; ok {
			continue
		}
		c, err := d.Campaigns.GetByID(ctx, ch, id)
		if err != nil {
			d.logger.Warn("campaign settings unavailable", zap.String("campaign_id", id), zap.Error(err))
			settings[id] = nil
			continue
		}
		settings[id] = c.Settings
	}

	var sent, failed, released atomic.Int32
	g := new(errgroup.Group)
	g.SetLimit(d.cfg.Workers)
	for _, ll := range leased {
		g.Go(func() error {
			outcome, err := d.send(ctx, ch, tr, ll, settings[ll.log.CampaignID], waitUntil)
			if err != nil {
				return err
			}
			switch outcome {
			case outcomeSent:
				sent.Add(1)
			case outcomeFailed:
				failed.Add(1)
			case outcomeReleased:
				released.Add(1)
			}
			return nil
		})
	}
	err := g.Wait()
	res.Sent, res.Failed, res.Released = int(sent.Load()), int(failed.Load()), int(released.Load())
	return err
}

// send delivers one leased log and records the outcome. The rate limit wait
// happens before the send timeout starts. The outcome is written even if ctx
// was cancelled meanwhile, since the send may have happened.
func (d *Dispatcher) send(ctx context.Context, ch model.Channel, tr transport.Transport, ll leasedLog, settings map[string]string, waitUntil time.Time) (sendOutcome, error) {
	l := ll.log
	writeCtx := context.WithoutCancel(ctx)
	fields := []zap.Field{
		zap.String("channel", string(ch)),
		zap.String("campaign_id", l.CampaignID),
		zap.Int64("log_id", l.ID),
	}

	admitted, err := transport.Admit(ctx, tr, waitUntil)
	if err != nil {
		return d.release(writeCtx, ch, ll, err, fields)
	}

	sendCtx := admitted
	cancel := context.CancelFunc(func() {})
	if d.cfg.SendTimeout > 0 {
		sendCtx, cancel = context.WithTimeout(admitted, d.cfg.SendTimeout)
	}
	ack, sendErr := tr.Send(sendCtx, transport.Payload{
		Recipient:  l.Recipient,
		Message:    l.Message,
		CampaignID: l.CampaignID,
		Channel:    ch,
		Settings:   settings,
	})
	cancel()

	if errors.Is(sendErr, transport.ErrNotSent) {
		return d.release(writeCtx, ch, ll, sendErr, fields)
	}
	if sendErr != nil {
		reason := sendErr.Error()
		if errors.Is(sendErr, context.DeadlineExceeded) {
			reason = TimeoutReason
		}
		ok, err := d.Logs.MarkFailed(writeCtx, ch, l.ID, ll.token, reason, d.now())
		if err != nil {
			return outcomeFailed, fmt.Errorf("mark log %d failed: %w", l.ID, err)
		}
		if !ok {
			d.logger.Warn("lease lost before failure was recorded", fields...)
		}
		d.logger.Info("send failed", append(fields, zap.String("reason", reason))...)
		return outcomeFailed, nil
	}

	ok, err := d.Logs.MarkSent(writeCtx, ch, l.ID, ll.token, ack.ProviderID, d.now())
	if err != nil {
		return outcomeSent, fmt.Errorf("mark log %d sent: %w", l.ID, err)
	}
	if !ok {
		d.logger.Warn("lease lost before send was recorded", append(fields, zap.String("provider_id", ack.ProviderID))...)
	}
	return outcomeSent, nil
}

// release hands the lease back so a later tick sends the log as is.
func (d *Dispatcher) release(ctx context.Context, ch model.Channel, ll leasedLog, cause error, fields []zap.Field) (sendOutcome, error) {
	ok, err := d.Logs.Release(ctx, ch, ll.log.ID, ll.token, d.now())
	if err != nil {
		return outcomeReleased, fmt.Errorf("release log %d: %w", ll.log.ID, err)
	}
	if !ok {
		d.logger.Warn("lease lost before release", fields...)
	}
	d.logger.Debug("send deferred", append(fields, zap.Error(cause))...)
	return outcomeReleased, nil
}

package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/unclebandit/leadflow-backend/internal/db"
	appErrors "github.com/unclebandit/leadflow-backend/internal/errors"
	"github.com/unclebandit/leadflow-backend/internal/model"
)

// EnqueueResult tells what Enqueue did with a lead.
type EnqueueResult int

const (
	// EnqueueInserted created a new pending log.
	EnqueueInserted EnqueueResult = iota
	// EnqueueSuperseded replaced the pending log of an earlier response with
	// the same contact.
	EnqueueSuperseded
	// EnqueueAlreadyProcessed means the response was already in the ledger.
	EnqueueAlreadyProcessed
	// EnqueueInFlight means the contact's log is being sent and was left alone.
	EnqueueInFlight
	// EnqueueAlreadyMessaged means the campaign already reached the contact
	// and no new log was created.
	EnqueueAlreadyMessaged
)

func (r EnqueueResult) String() string {
	switch r {
	case EnqueueInserted:
		return "inserted"
	case EnqueueSuperseded:
		return "superseded"
	case EnqueueAlreadyProcessed:
		return "already_processed"
	case EnqueueInFlight:
		return "in_flight"
	case EnqueueAlreadyMessaged:
		return "already_messaged"
	}
	return "unknown"
}

type DeliveryLogRepositoryInterface interface {
	// Scheduling
	Enqueue(ctx context.Context, log *model.DeliveryLog) (EnqueueResult, error)
	RecordSkip(ctx context.Context, ch model.Channel, campaignID, responseID, reason string) (bool, error)

	// Dispatch
	ListDue(ctx context.Context, ch model.Channel, now time.Time, limit int) ([]*model.DeliveryLog, error)
	Lease(ctx context.Context, ch model.Channel, id int64, token string, now time.Time) (bool, error)
	MarkSent(ctx context.Context, ch model.Channel, id int64, token, providerID string, at time.Time) (bool, error)
	MarkFailed(ctx context.Context, ch model.Channel, id int64, token, reason string, at time.Time) (bool, error)
	Release(ctx context.Context, ch model.Channel, id int64, token string, at time.Time) (bool, error)
	RequeueFailed(ctx context.Context, ch model.Channel, now time.Time) (int64, error)
	ReapStaleLeases(ctx context.Context, ch model.Channel, leasedBefore, now time.Time) (int64, error)

	// Receipts
	FindByProviderID(ctx context.Context, ch model.Channel, providerID string) (*model.DeliveryLog, error)
	ApplyStatus(ctx context.Context, ch model.Channel, id int64, from, to model.DeliveryStatus, reason string, at time.Time) (bool, error)

	// Reporting
	GetByID(ctx context.Context, ch model.Channel, id int64) (*model.DeliveryLog, error)
	List(ctx context.Context, ch model.Channel, campaignID, status string, offset, limit int) ([]*model.DeliveryLog, int, error)
	Stats(ctx context.Context, ch model.Channel, campaignID string) (model.CampaignStats, error)
	LeadOutcomes(ctx context.Context, ch model.Channel, campaignID string) (map[model.LeadOutcome]int, error)
	CountOpen(ctx context.Context, ch model.Channel, campaignID string) (int, error)
}

type DeliveryLogRepository struct {
	DB *sql.DB
}

const logColumns = `l.id, l.campaign_id, l.response_id, l.recipient, l.segment, l.variant, l.message, l.status,
        l.provider_id, l.error_message, l.retry_count, l.max_retries, l.retry_delay_seconds, l.lease_token, l.leased_at,
        l.scheduled_at, l.sent_at, l.delivered_at, l.opened_at, l.clicked_at, l.country, l.phone_country_code,
        l.created_at, l.updated_at`

// LeaseExpiredReason is recorded on logs whose sender lost its lease.
const LeaseExpiredReason = "lease expired: outcome unknown"

// AlreadyMessagedReason is recorded in the ledger for a response whose
// contact already received this campaign.
const AlreadyMessagedReason = "contact already messaged"

var errAlreadyProcessed = errors.New("response already processed")

// ====================== Scheduling ======================

// Enqueue records the lead in the campaign ledger and upserts its pending
// log. A contact has at most one pending or sending log per campaign: a
// newer response replaces the pending one, and a contact being sent right
// now keeps its current log. A contact the campaign already messaged gets
// no new log; only a final failure lets a later response try again.
func (r *DeliveryLogRepository) Enqueue(ctx context.Context, log *model.DeliveryLog) (EnqueueResult, error) {
	ch := log.Channel
	now := time.Now()
	if log.CreatedAt.IsZero() {
		log.CreatedAt = now
	}
	log.UpdatedAt = log.CreatedAt
	log.Status = model.StatusPending

	result := EnqueueInserted
	err := db.WithTx(ctx, r.DB, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
            INSERT INTO campaign_leads (channel, campaign_id, response_id, outcome, reason, created_at)
            VALUES ($1, $2, $3, $4, '', $5)
            ON CONFLICT DO NOTHING`,
			ch, log.CampaignID, log.ResponseID, model.LeadEnqueued, log.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert lead: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return errAlreadyProcessed
		}

		var messaged bool
		err = tx.QueryRowContext(ctx, fmt.Sprintf(`
            SELECT EXISTS (SELECT 1 FROM %s
            WHERE campaign_id=$1 AND recipient=$2 AND status NOT IN ('pending', 'sending', 'failed'))`, ch.LogTable()),
			log.CampaignID, log.Recipient).Scan(&messaged)
		if err != nil {
			return fmt.Errorf("check messaged contact: %w", err)
		}
		if messaged {
			result = EnqueueAlreadyMessaged
			_, err = tx.ExecContext(ctx, `
                UPDATE campaign_leads SET outcome=$1, reason=$2
                WHERE channel=$3 AND campaign_id=$4 AND response_id=$5`,
				model.LeadDuplicate, AlreadyMessagedReason, ch, log.CampaignID, log.ResponseID)
			return err
		}

		var previous string
		err = tx.QueryRowContext(ctx, fmt.Sprintf(`
            SELECT response_id FROM %s
            WHERE campaign_id=$1 AND recipient=$2 AND status IN ('pending', 'sending')`, ch.LogTable()),
			log.CampaignID, log.Recipient).Scan(&previous)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("find in-flight log: %w", err)
		}

		var inserted bool
		err = tx.QueryRowContext(ctx, fmt.Sprintf(`
            INSERT INTO %[1]s (campaign_id, response_id, recipient, segment, variant, message, status,
                max_retries, retry_delay_seconds, scheduled_at, country, phone_country_code, created_at, updated_at)
            VALUES ($1, $2, $3, $4, $5, $6, 'pending', $7, $8, $9, $10, $11, $12, $12)
            ON CONFLICT (campaign_id, recipient) WHERE status IN ('pending', 'sending')
            DO UPDATE SET response_id=EXCLUDED.response_id, segment=EXCLUDED.segment, variant=EXCLUDED.variant,
                message=EXCLUDED.message, scheduled_at=EXCLUDED.scheduled_at, country=EXCLUDED.country,
                phone_country_code=EXCLUDED.phone_country_code, updated_at=EXCLUDED.updated_at
            WHERE %[1]s.status='pending'
            RETURNING id, (xmax = 0) AS inserted`, ch.LogTable()),
			log.CampaignID, log.ResponseID, log.Recipient, log.Segment, log.Variant, log.Message,
			log.MaxRetries, log.RetryDelaySeconds, log.ScheduledAt, log.Country, log.PhoneCountryCode, log.CreatedAt,
		).Scan(&log.ID, &inserted)
		if errors.Is(err, sql.ErrNoRows) {
			result = EnqueueInFlight
			_, err = tx.ExecContext(ctx, `
                UPDATE campaign_leads SET outcome=$1, reason=$2
                WHERE channel=$3 AND campaign_id=$4 AND response_id=$5`,
				model.LeadDuplicate, "contact in flight", ch, log.CampaignID, log.ResponseID)
			return err
		}
		if err != nil {
			return fmt.Errorf("upsert log: %w", err)
		}
		if inserted {
			return nil
		}

		result = EnqueueSuperseded
		if previous != "" && previous != log.ResponseID {
			_, err = tx.ExecContext(ctx, `
                UPDATE campaign_leads SET outcome=$1, reason=$2
                WHERE channel=$3 AND campaign_id=$4 AND response_id=$5`,
				model.LeadSkipped, model.SkipSuperseded, ch, log.CampaignID, previous)
		}
		return err
	})
	if errors.Is(err, errAlreadyProcessed) {
		return EnqueueAlreadyProcessed, nil
	}
	if err != nil {
		return 0, err
	}
	return result, nil
}

// RecordSkip marks a response as processed without a delivery. It reports
// false if the response was already in the ledger.
func (r *DeliveryLogRepository) RecordSkip(ctx context.Context, ch model.Channel, campaignID, responseID, reason string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `
        INSERT INTO campaign_leads (channel, campaign_id, response_id, outcome, reason, created_at)
        VALUES ($1, $2, $3, $4, $5, $6)
        ON CONFLICT DO NOTHING`,
		ch, campaignID, responseID, model.LeadSkipped, reason, time.Now())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// ====================== Dispatch ======================

// ListDue returns pending logs of active campaigns scheduled at or before now.
func (r *DeliveryLogRepository) ListDue(ctx context.Context, ch model.Channel, now time.Time, limit int) ([]*model.DeliveryLog, error) {
	query := fmt.Sprintf(`
        SELECT %s FROM %s l
        JOIN %s c ON c.id=l.campaign_id
        WHERE l.status='pending' AND l.scheduled_at <= $1 AND c.status='active'
        ORDER BY l.scheduled_at, l.id
        LIMIT $2`, logColumns, ch.LogTable(), ch.CampaignTable())
	rows, err := r.DB.QueryContext(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list due %s logs: %w", ch, err)
	}
	defer rows.Close()
	return collectLogs(rows, ch)
}

// Lease claims a due pending log for sending. Only one caller can win the
// lease of a given log; it also fails once the campaign left the active state.
func (r *DeliveryLogRepository) Lease(ctx context.Context, ch model.Channel, id int64, token string, now time.Time) (bool, error) {
	query := fmt.Sprintf(`
        UPDATE %s l SET status='sending', lease_token=$1, leased_at=$2, updated_at=$2
        WHERE l.id=$3 AND l.status='pending' AND l.scheduled_at <= $2
          AND EXISTS (SELECT 1 FROM %s c WHERE c.id=l.campaign_id AND c.status='active')`,
		ch.LogTable(), ch.CampaignTable())
	return execOne(ctx, r.DB, query, token, now, id)
}

func (r *DeliveryLogRepository) MarkSent(ctx context.Context, ch model.Channel, id int64, token, providerID string, at time.Time) (bool, error) {
	query := fmt.Sprintf(`
        UPDATE %s SET status='sent', provider_id=$1, error_message='', sent_at=$2, updated_at=$2, lease_token=''
        WHERE id=$3 AND status='sending' AND lease_token=$4`, ch.LogTable())
	return execOne(ctx, r.DB, query, providerID, at, id, token)
}

func (r *DeliveryLogRepository) MarkFailed(ctx context.Context, ch model.Channel, id int64, token, reason string, at time.Time) (bool, error) {
	query := fmt.Sprintf(`
        UPDATE %s SET status='failed', error_message=$1, updated_at=$2, lease_token=''
        WHERE id=$3 AND status='sending' AND lease_token=$4`, ch.LogTable())
	return execOne(ctx, r.DB, query, reason, at, id, token)
}

// Release hands a leased log back to pending when its send never reached
// the provider. Like MarkSent and MarkFailed it needs the lease token.
func (r *DeliveryLogRepository) Release(ctx context.Context, ch model.Channel, id int64, token string, at time.Time) (bool, error) {
	query := fmt.Sprintf(`
        UPDATE %s SET status='pending', lease_token='', leased_at=NULL, updated_at=$1
        WHERE id=$2 AND status='sending' AND lease_token=$3`, ch.LogTable())
	return execOne(ctx, r.DB, query, at, id, token)
}

// RequeueFailed moves failed logs with retries left back to pending once
// their retry delay has elapsed. A contact that already has an open log, or
// several failed logs, is requeued at most once.
func (r *DeliveryLogRepository) RequeueFailed(ctx context.Context, ch model.Channel, now time.Time) (int64, error) {
	query := fmt.Sprintf(`
        UPDATE %[1]s SET status='pending', retry_count=retry_count+1,
            scheduled_at=updated_at + make_interval(secs => retry_delay_seconds),
            error_message='', provider_id='', sent_at=NULL, updated_at=$1
        WHERE id IN (
            SELECT DISTINCT ON (f.campaign_id, f.recipient) f.id FROM %[1]s f
            JOIN %[2]s c ON c.id=f.campaign_id AND c.status='active'
            WHERE f.status='failed' AND f.retry_count < f.max_retries
              AND f.updated_at + make_interval(secs => f.retry_delay_seconds) <= $1
              AND NOT EXISTS (
                SELECT 1 FROM %[1]s o WHERE o.campaign_id=f.campaign_id AND o.recipient=f.recipient
                  AND o.status IN ('pending', 'sending'))
            ORDER BY f.campaign_id, f.recipient, f.updated_at DESC)`, ch.LogTable(), ch.CampaignTable())
	res, err := r.DB.ExecContext(ctx, query, now)
	if err != nil {
		return 0, fmt.Errorf("requeue failed %s logs: %w", ch, err)
	}
	return res.RowsAffected()
}

// ReapStaleLeases fails logs whose sender held the lease since before
// leasedBefore. Their outcome is unknown, so they go through the retry
// policy instead of being sent again right away.
func (r *DeliveryLogRepository) ReapStaleLeases(ctx context.Context, ch model.Channel, leasedBefore, now time.Time) (int64, error) {
	query := fmt.Sprintf(`
        UPDATE %s SET status='failed', error_message=$1, lease_token='', updated_at=$2
        WHERE status='sending' AND leased_at < $3`, ch.LogTable())
	res, err := r.DB.ExecContext(ctx, query, LeaseExpiredReason, now, leasedBefore)
	if err != nil {
		return 0, fmt.Errorf("reap %s leases: %w", ch, err)
	}
	return res.RowsAffected()
}

// ====================== Receipts ======================

func (r *DeliveryLogRepository) FindByProviderID(ctx context.Context, ch model.Channel, providerID string) (*model.DeliveryLog, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s l WHERE l.provider_id=$1 ORDER BY l.id DESC LIMIT 1`, logColumns, ch.LogTable())
	log, err := scanLog(r.DB.QueryRowContext(ctx, query, providerID), ch)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, appErrors.ErrDeliveryLogNotFound
	}
	return log, err
}

// ApplyStatus moves a log from one status to another if it is still in the
// expected status, stamping the matching timestamp once.
func (r *DeliveryLogRepository) ApplyStatus(ctx context.Context, ch model.Channel, id int64, from, to model.DeliveryStatus, reason string, at time.Time) (bool, error) {
	query := fmt.Sprintf(`
        UPDATE %s SET status=$1, updated_at=$2,
            delivered_at=CASE WHEN $1 IN ('delivered', 'opened', 'clicked') THEN COALESCE(delivered_at, $2) ELSE delivered_at END,
            opened_at=CASE WHEN $1 IN ('opened', 'clicked') THEN COALESCE(opened_at, $2) ELSE opened_at END,
            clicked_at=CASE WHEN $1='clicked' THEN COALESCE(clicked_at, $2) ELSE clicked_at END,
            error_message=CASE WHEN $1='failed' THEN $3 ELSE error_message END
        WHERE id=$4 AND status=$5`, ch.LogTable())
	return execOne(ctx, r.DB, query, to, at, reason, id, from)
}

// ====================== Reporting ======================

func (r *DeliveryLogRepository) GetByID(ctx context.Context, ch model.Channel, id int64) (*model.DeliveryLog, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s l WHERE l.id=$1`, logColumns, ch.LogTable())
	log, err := scanLog(r.DB.QueryRowContext(ctx, query, id), ch)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, appErrors.ErrDeliveryLogNotFound
	}
	return log, err
}

func (r *DeliveryLogRepository) List(ctx context.Context, ch model.Channel, campaignID, status string, offset, limit int) ([]*model.DeliveryLog, int, error) {
	where := " WHERE l.campaign_id=$1"
	args := []interface{}{campaignID}
	argPos := 2
	if status != "" {
		where += fmt.Sprintf(" AND l.status=$%d", argPos)
		args = append(args, status)
		argPos++
	}

	query := fmt.Sprintf(`SELECT %s FROM %s l%s ORDER BY l.id LIMIT $%d OFFSET $%d`,
		logColumns, ch.LogTable(), where, argPos, argPos+1)
	rows, err := r.DB.QueryContext(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	logs, err := collectLogs(rows, ch)
	if err != nil {
		return nil, 0, err
	}

	var total int
	countQuery := fmt.Sprintf(`SELECT COUNT(*) FROM %s l%s`, ch.LogTable(), where)
	if err := r.DB.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	return logs, total, nil
}

func (r *DeliveryLogRepository) Stats(ctx context.Context, ch model.Channel, campaignID string) (model.CampaignStats, error) {
	query := fmt.Sprintf(`SELECT status, COUNT(*) FROM %s WHERE campaign_id=$1 GROUP BY status`, ch.LogTable())
	rows, err := r.DB.QueryContext(ctx, query, campaignID)
	if err != nil {
		return model.CampaignStats{}, err
	}
	defer rows.Close()

	byStatus := map[model.DeliveryStatus]int{}
	for rows.Next() {
		var status model.DeliveryStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return model.CampaignStats{}, err
		}
		byStatus[status] = count
	}
	if err := rows.Err(); err != nil {
		return model.CampaignStats{}, err
	}
	return model.NewCampaignStats(byStatus), nil
}

// LeadOutcomes counts the campaign's ledger rows per outcome.
func (r *DeliveryLogRepository) LeadOutcomes(ctx context.Context, ch model.Channel, campaignID string) (map[model.LeadOutcome]int, error) {
	rows, err := r.DB.QueryContext(ctx, `
        SELECT outcome, COUNT(*) FROM campaign_leads
        WHERE channel=$1 AND campaign_id=$2 GROUP BY outcome`, ch, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[model.LeadOutcome]int{}
	for rows.Next() {
		var outcome model.LeadOutcome
		var count int
		if err := rows.Scan(&outcome, &count); err != nil {
			return nil, err
		}
		out[outcome] = count
	}
	return out, rows.Err()
}

// CountOpen counts the campaign's logs still waiting for a send attempt,
// failed logs with a retry left included.
func (r *DeliveryLogRepository) CountOpen(ctx context.Context, ch model.Channel, campaignID string) (int, error) {
	query := fmt.Sprintf(`
        SELECT COUNT(*) FROM %s
        WHERE campaign_id=$1 AND (status IN ('pending', 'sending') OR (status='failed' AND retry_count < max_retries))`, ch.LogTable())
	var n int
	err := r.DB.QueryRowContext(ctx, query, campaignID).Scan(&n)
	return n, err
}

func execOne(ctx context.Context, conn *sql.DB, query string, args ...interface{}) (bool, error) {
	res, err := conn.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func collectLogs(rows *sql.Rows, ch model.Channel) ([]*model.DeliveryLog, error) {
	logs := []*model.DeliveryLog{}
	for rows.Next() {
		log, err := scanLog(rows, ch)
		if err != nil {
			return nil, err
		}
		logs = append(logs, log)
	}
	return logs, rows.Err()
}

func scanLog(row rowScanner, ch model.Channel) (*model.DeliveryLog, error) {
	l := &model.DeliveryLog{Channel: ch}
	err := row.Scan(&l.ID, &l.CampaignID, &l.ResponseID, &l.Recipient, &l.Segment, &l.Variant, &l.Message, &l.Status,
		&l.ProviderID, &l.ErrorMessage, &l.RetryCount, &l.MaxRetries, &l.RetryDelaySeconds, &l.LeaseToken, &l.LeasedAt,
		&l.ScheduledAt, &l.SentAt, &l.DeliveredAt, &l.OpenedAt, &l.ClickedAt, &l.Country, &l.PhoneCountryCode,
		&l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return l, nil
}

var _ DeliveryLogRepositoryInterface = (*DeliveryLogRepository)(nil)

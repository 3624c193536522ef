package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	appErrors "github.com/unclebandit/leadflow-backend/internal/errors"
	"github.com/unclebandit/leadflow-backend/internal/model"
	"github.com/unclebandit/leadflow-backend/internal/rules"
)

type CampaignRepositoryInterface interface {
	// Campaign CRUD
	Create(ctx context.Context, c *model.Campaign) error
	Update(ctx context.Context, c *model.Campaign) error
	GetByID(ctx context.Context, ch model.Channel, id string) (*model.Campaign, error)
	ListCampaigns(ctx context.Context, ch model.Channel, offset, limit int, status string) ([]*model.Campaign, int, error)

	// Lifecycle
	TransitionStatus(ctx context.Context, ch model.Channel, id string, from []model.CampaignStatus, to model.CampaignStatus, at time.Time) (bool, error)
	Activate(ctx context.Context, ch model.Channel, id string, at time.Time) (bool, error)
	MarkResolved(ctx context.Context, ch model.Channel, id string, at time.Time) error
	AdvanceRotation(ctx context.Context, ch model.Channel, id string, by int) error
	ListActiveLive(ctx context.Context, quizID string) ([]*model.Campaign, error)
	ListUnresolved(ctx context.Context) ([]*model.Campaign, error)
	CompleteFinished(ctx context.Context, ch model.Channel, at time.Time) ([]string, error)
}

type CampaignRepository struct {
	DB *sql.DB
}

const campaignColumns = `id, owner_id, quiz_id, name, status, mode, target_audience, date_filter, trigger_delay, trigger_unit,
        quantum_filters, trigger_conditions, conditional_rules, messages, settings, max_retries, retry_delay_seconds,
        rotation_cursor, activated_at, resolved_at, completed_at, created_at, updated_at`

// ====================== Campaign CRUD ======================

func (r *CampaignRepository) Create(ctx context.Context, c *model.Campaign) error {
	c.CreatedAt = time.Now()
	c.ApplyDefaults()
	enc, err := encodeCampaignJSON(c)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`
        INSERT INTO %s (id, owner_id, quiz_id, name, status, mode, target_audience, date_filter, trigger_delay, trigger_unit,
            quantum_filters, trigger_conditions, conditional_rules, messages, settings, max_retries, retry_delay_seconds, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`, c.Channel.CampaignTable())
	_, err = r.DB.ExecContext(ctx, query,
		c.ID, c.OwnerID, c.QuizID, c.Name, c.Status, c.Mode, c.TargetAudience, c.DateFilter, c.TriggerDelay, c.TriggerUnit,
		enc.quantum, enc.trigger, enc.rules, enc.messages, enc.settings, c.MaxRetries, c.RetryDelaySeconds, c.CreatedAt)
	return err
}

// Update rewrites the editable fields. The mode only changes while the
// campaign has never been activated.
func (r *CampaignRepository) Update(ctx context.Context, c *model.Campaign) error {
	enc, err := encodeCampaignJSON(c)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`
        UPDATE %s
        SET name=$1, target_audience=$2, date_filter=$3, trigger_delay=$4, trigger_unit=$5,
            quantum_filters=$6, trigger_conditions=$7, conditional_rules=$8, messages=$9, settings=$10,
            max_retries=$11, retry_delay_seconds=$12,
            mode=CASE WHEN activated_at IS NULL THEN $13 ELSE mode END,
            updated_at=NOW()
        WHERE id=$14`, c.Channel.CampaignTable())
	res, err := r.DB.ExecContext(ctx, query,
		c.Name, c.TargetAudience, c.DateFilter, c.TriggerDelay, c.TriggerUnit,
		enc.quantum, enc.trigger, enc.rules, enc.messages, enc.settings,
		c.MaxRetries, c.RetryDelaySeconds, c.Mode, c.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return appErrors.NewCampaignNotFound(string(c.Channel), c.ID)
	}
	return nil
}

func (r *CampaignRepository) GetByID(ctx context.Context, ch model.Channel, id string) (*model.Campaign, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id=$1`, campaignColumns, ch.CampaignTable())
	c, err := scanCampaign(r.DB.QueryRowContext(ctx, query, id), ch)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewCampaignNotFound(string(ch), id)
		}
		return nil, err
	}
	return c, nil
}

func (r *CampaignRepository) ListCampaigns(ctx context.Context, ch model.Channel, offset, limit int, status string) ([]*model.Campaign, int, error) {
	campaigns := []*model.Campaign{}
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE 1=1`, campaignColumns, ch.CampaignTable())
	args := []interface{}{}
	argPos := 1

	if status != "" {
		query += fmt.Sprintf(" AND status=$%d", argPos)
		args = append(args, status)
		argPos++
	}

	query += fmt.Sprintf(" ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d", argPos, argPos+1)
	args = append(args, limit, offset)

	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	for rows.Next() {
		c, err := scanCampaign(rows, ch)
		if err != nil {
			return nil, 0, err
		}
		campaigns = append(campaigns, c)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	// Count total
	countQuery := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE 1=1`, ch.CampaignTable())
	argsCount := []interface{}{}
	if status != "" {
		countQuery += " AND status=$1"
		argsCount = append(argsCount, status)
	}

	var total int
	if err := r.DB.QueryRowContext(ctx, countQuery, argsCount...).Scan(&total); err != nil {
		return nil, 0, err
	}

	return campaigns, total, nil
}

// ====================== Lifecycle ======================

// TransitionStatus moves a campaign to status `to` if it currently is in one
// of `from`. It reports whether the row changed.
func (r *CampaignRepository) TransitionStatus(ctx context.Context, ch model.Channel, id string, from []model.CampaignStatus, to model.CampaignStatus, at time.Time) (bool, error) {
	fromStr := make([]string, len(from))
	for i, s := range from {
		fromStr[i] = string(s)
	}
	query := fmt.Sprintf(`
        UPDATE %s
        SET status=$1, updated_at=$2, completed_at=CASE WHEN $1='completed' THEN $2 ELSE completed_at END
        WHERE id=$3 AND status = ANY($4)`, ch.CampaignTable())
	res, err := r.DB.ExecContext(ctx, query, to, at, id, pq.Array(fromStr))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// Activate moves a pending campaign to active and stamps its activation time.
func (r *CampaignRepository) Activate(ctx context.Context, ch model.Channel, id string, at time.Time) (bool, error) {
	query := fmt.Sprintf(`
        UPDATE %s SET status='active', activated_at=$1, updated_at=$1
        WHERE id=$2 AND status='pending'`, ch.CampaignTable())
	res, err := r.DB.ExecContext(ctx, query, at, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (r *CampaignRepository) MarkResolved(ctx context.Context, ch model.Channel, id string, at time.Time) error {
	query := fmt.Sprintf(`UPDATE %s SET resolved_at=$1, updated_at=$1 WHERE id=$2`, ch.CampaignTable())
	_, err := r.DB.ExecContext(ctx, query, at, id)
	return err
}

// AdvanceRotation moves the message rotation cursor past the leads just
// enqueued so the next live batch continues the rotation.
func (r *CampaignRepository) AdvanceRotation(ctx context.Context, ch model.Channel, id string, by int) error {
	if by == 0 {
		return nil
	}
	query := fmt.Sprintf(`UPDATE %s SET rotation_cursor=rotation_cursor+$1 WHERE id=$2`, ch.CampaignTable())
	_, err := r.DB.ExecContext(ctx, query, by, id)
	return err
}

// ListActiveLive returns active live campaigns of every channel, for one quiz
// or, with an empty quizID, for all quizzes.
func (r *CampaignRepository) ListActiveLive(ctx context.Context, quizID string) ([]*model.Campaign, error) {
	filter := "status='active' AND mode='live'"
	args := []interface{}{}
	if quizID != "" {
		filter += " AND quiz_id=$1"
		args = append(args, quizID)
	}
	return r.listAcrossChannels(ctx, filter, args...)
}

// ListUnresolved returns active retroactive campaigns whose audience was
// never fully scheduled, e.g. after a failure during activation.
func (r *CampaignRepository) ListUnresolved(ctx context.Context) ([]*model.Campaign, error) {
	return r.listAcrossChannels(ctx, "status='active' AND mode='retroactive' AND resolved_at IS NULL")
}

func (r *CampaignRepository) listAcrossChannels(ctx context.Context, filter string, args ...interface{}) ([]*model.Campaign, error) {
	var out []*model.Campaign
	for _, ch := range model.Channels() {
		query := fmt.Sprintf(`SELECT %s FROM %s WHERE %s ORDER BY activated_at, id`, campaignColumns, ch.CampaignTable(), filter)
		rows, err := r.DB.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("list %s campaigns: %w", ch, err)
		}
		for rows.Next() {
			c, err := scanCampaign(rows, ch)
			if err != nil {
				rows.Close()
				return nil, err
			}
			out = append(out, c)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// CompleteFinished completes active retroactive campaigns whose audience has
// been resolved and whose logs are all settled with no retry left.
func (r *CampaignRepository) CompleteFinished(ctx context.Context, ch model.Channel, at time.Time) ([]string, error) {
	query := fmt.Sprintf(`
        UPDATE %[1]s c SET status='completed', completed_at=$1, updated_at=$1
        WHERE c.status='active' AND c.mode='retroactive' AND c.resolved_at IS NOT NULL
          AND NOT EXISTS (
            SELECT 1 FROM %[2]s l WHERE l.campaign_id=c.id
              AND (l.status IN ('pending', 'sending') OR (l.status='failed' AND l.retry_count < l.max_retries)))
        RETURNING c.id`, ch.CampaignTable(), ch.LogTable())
	rows, err := r.DB.QueryContext(ctx, query, at)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ====================== JSON columns ======================

type campaignJSON struct {
	quantum, trigger          interface{} // NULL when unset
	rules, messages, settings []byte
}

func encodeCampaignJSON(c *model.Campaign) (campaignJSON, error) {
	var enc campaignJSON
	var err error
	if c.QuantumFilters != nil && c.QuantumFilters.Condition != nil {
		b, err := json.Marshal(c.QuantumFilters)
		if err != nil {
			return enc, fmt.Errorf("encode quantum_filters: %w", err)
		}
		enc.quantum = b
	}
	if c.TriggerConditions != nil && c.TriggerConditions.Condition != nil {
		b, err := json.Marshal(c.TriggerConditions)
		if err != nil {
			return enc, fmt.Errorf("encode trigger_conditions: %w", err)
		}
		enc.trigger = b
	}
	ruleSet := c.ConditionalRules
	if ruleSet == nil {
		ruleSet = rules.RuleSet{}
	}
	if enc.rules, err = json.Marshal(ruleSet); err != nil {
		return enc, fmt.Errorf("encode conditional_rules: %w", err)
	}
	messages := c.Messages
	if messages == nil {
		messages = []string{}
	}
	if enc.messages, err = json.Marshal(messages); err != nil {
		return enc, err
	}
	settings := c.Settings
	if settings == nil {
		settings = map[string]string{}
	}
	if enc.settings, err = json.Marshal(settings); err != nil {
		return enc, err
	}
	return enc, nil
}

func scanCampaign(row rowScanner, ch model.Channel) (*model.Campaign, error) {
	c := &model.Campaign{Channel: ch}
	var quantum, trigger, ruleSet, messages, settings []byte
	err := row.Scan(&c.ID, &c.OwnerID, &c.QuizID, &c.Name, &c.Status, &c.Mode, &c.TargetAudience, &c.DateFilter,
		&c.TriggerDelay, &c.TriggerUnit, &quantum, &trigger, &ruleSet, &messages, &settings, &c.MaxRetries,
		&c.RetryDelaySeconds, &c.RotationCursor, &c.ActivatedAt, &c.ResolvedAt, &c.CompletedAt, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(quantum) > 0 {
		c.QuantumFilters = &rules.Expr{}
		if err := json.Unmarshal(quantum, c.QuantumFilters); err != nil {
			return nil, fmt.Errorf("decode quantum_filters of %s: %w", c.ID, err)
		}
	}
	if len(trigger) > 0 {
		c.TriggerConditions = &rules.Expr{}
		if err := json.Unmarshal(trigger, c.TriggerConditions); err != nil {
			return nil, fmt.Errorf("decode trigger_conditions of %s: %w", c.ID, err)
		}
	}
	if len(ruleSet) > 0 {
		if err := json.Unmarshal(ruleSet, &c.ConditionalRules); err != nil {
			return nil, fmt.Errorf("decode conditional_rules of %s: %w", c.ID, err)
		}
	}
	if len(messages) > 0 {
		if err := json.Unmarshal(messages, &c.Messages); err != nil {
			return nil, fmt.Errorf("decode messages of %s: %w", c.ID, err)
		}
	}
	if len(settings) > 0 {
		if err := json.Unmarshal(settings, &c.Settings); err != nil {
			return nil, fmt.Errorf("decode settings of %s: %w", c.ID, err)
		}
	}
	return c, nil
}

var _ CampaignRepositoryInterface = (*CampaignRepository)(nil)

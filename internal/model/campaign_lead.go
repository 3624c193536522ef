// internal/model/campaign_lead.go
package model

import "time"

type LeadOutcome string

const (
	LeadEnqueued  LeadOutcome = "enqueued"
	LeadSkipped   LeadOutcome = "skipped"
	LeadDuplicate LeadOutcome = "duplicate"
)

// CampaignLead marks a response as processed by a campaign, whatever the
// outcome. The response id is the idempotency key of live campaigns.
type CampaignLead struct {
	Channel    Channel     `db:"channel" json:"channel"`
	CampaignID string      `db:"campaign_id" json:"campaign_id"`
	ResponseID string      `db:"response_id" json:"response_id"`
	Outcome    LeadOutcome `db:"outcome" json:"outcome"`
	Reason     string      `db:"reason" json:"reason,omitempty"`
	CreatedAt  time.Time   `db:"created_at" json:"created_at"`
}

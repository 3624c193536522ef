// internal/model/delivery_log.go
package model

import "time"

type DeliveryStatus string

const (
	StatusPending   DeliveryStatus = "pending"
	StatusSending   DeliveryStatus = "sending"
	StatusSent      DeliveryStatus = "sent"
	StatusDelivered DeliveryStatus = "delivered"
	StatusFailed    DeliveryStatus = "failed"
	StatusOpened    DeliveryStatus = "opened"
	StatusClicked   DeliveryStatus = "clicked"
	// voice outcomes
	StatusAnswered  DeliveryStatus = "answered"
	StatusVoicemail DeliveryStatus = "voicemail"
	StatusBusy      DeliveryStatus = "busy"
)

// DeliveryLog is one send attempt of a campaign to one recipient.
type DeliveryLog struct {
	ID                int64          `db:"id" json:"id"`
	Channel           Channel        `db:"-" json:"channel"`
	CampaignID        string         `db:"campaign_id" json:"campaign_id"`
	ResponseID        string         `db:"response_id" json:"response_id"`
	Recipient         string         `db:"recipient" json:"recipient"`
	Segment           string         `db:"segment" json:"segment"`
	Variant           int            `db:"variant" json:"variant"`
	Message           string         `db:"message" json:"message"`
	Status            DeliveryStatus `db:"status" json:"status"`
	ProviderID        string         `db:"provider_id" json:"provider_id,omitempty"`
	ErrorMessage      string         `db:"error_message" json:"error_message,omitempty"`
	RetryCount        int            `db:"retry_count" json:"retry_count"`
	MaxRetries        int            `db:"max_retries" json:"max_retries"`
	RetryDelaySeconds int            `db:"retry_delay_seconds" json:"retry_delay_seconds"`
	LeaseToken        string         `db:"lease_token" json:"-"`
	LeasedAt          *time.Time     `db:"leased_at" json:"leased_at,omitempty"`
	ScheduledAt       time.Time      `db:"scheduled_at" json:"scheduled_at"`
	SentAt            *time.Time     `db:"sent_at" json:"sent_at,omitempty"`
	DeliveredAt       *time.Time     `db:"delivered_at" json:"delivered_at,omitempty"`
	OpenedAt          *time.Time     `db:"opened_at" json:"opened_at,omitempty"`
	ClickedAt         *time.Time     `db:"clicked_at" json:"clicked_at,omitempty"`
	Country           string         `db:"country" json:"country,omitempty"`
	PhoneCountryCode  string         `db:"phone_country_code" json:"phone_country_code,omitempty"`
	CreatedAt         time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time      `db:"updated_at" json:"updated_at"`
}

var transitions = map[DeliveryStatus][]DeliveryStatus{
	StatusPending:   {StatusSending},
	StatusSending:   {StatusSent, StatusFailed, StatusPending},
	StatusSent:      {StatusDelivered, StatusFailed, StatusOpened, StatusClicked, StatusAnswered, StatusVoicemail, StatusBusy},
	StatusDelivered: {StatusOpened, StatusClicked},
	StatusOpened:    {StatusClicked},
	StatusFailed:    {StatusPending},
}

// CanTransition reports whether a log of channel ch may move from one status
// to another. Voice outcomes exist only on voice, opened/clicked only on
// channels with engagement receipts.
func CanTransition(ch Channel, from, to DeliveryStatus) bool {
	switch to {
	case StatusAnswered, StatusVoicemail, StatusBusy:
		if ch != ChannelVoice {
			return false
		}
	case StatusOpened, StatusClicked:
		if !ch.SupportsEngagement() {
			return false
		}
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func (s DeliveryStatus) Valid() bool {
	switch s {
	case StatusPending, StatusSending, StatusSent, StatusDelivered, StatusFailed,
		StatusOpened, StatusClicked, StatusAnswered, StatusVoicemail, StatusBusy:
		return true
	}
	return false
}

// IsOpen reports whether a log still awaits a send attempt.
func (s DeliveryStatus) IsOpen() bool {
	return s == StatusPending || s == StatusSending
}

// ParseReceiptStatus maps a receipt status onto a delivery status. Only
// statuses reachable from an asynchronous receipt are accepted.
func ParseReceiptStatus(s string) (DeliveryStatus, bool) {
	switch st := DeliveryStatus(s); st {
	case StatusDelivered, StatusFailed, StatusOpened, StatusClicked, StatusAnswered, StatusVoicemail, StatusBusy:
		return st, true
	}
	return "", false
}

// CampaignStats aggregates a campaign's delivery logs for dashboards. Sent
// counts every log the transport accepted, whatever happened afterwards.
type CampaignStats struct {
	Total     int                    `json:"total"`
	Pending   int                    `json:"pending"`
	Sent      int                    `json:"sent"`
	Delivered int                    `json:"delivered"`
	Opened    int                    `json:"opened"`
	Clicked   int                    `json:"clicked"`
	Failed    int                    `json:"failed"`
	ByStatus  map[DeliveryStatus]int `json:"by_status"`
}

// NewCampaignStats folds per-status counts into dashboard totals.
func NewCampaignStats(byStatus map[DeliveryStatus]int) CampaignStats {
	s := CampaignStats{ByStatus: map[DeliveryStatus]int{}}
	for status, n := range byStatus {
		s.ByStatus[status] = n
		s.Total += n
		switch status {
		case StatusPending, StatusSending:
			s.Pending += n
		case StatusFailed:
			s.Failed += n
		case StatusSent, StatusAnswered, StatusVoicemail, StatusBusy:
			s.Sent += n
		case StatusDelivered:
			s.Sent += n
			s.Delivered += n
		case StatusOpened:
			s.Sent += n
			s.Delivered += n
			s.Opened += n
		case StatusClicked:
			s.Sent += n
			s.Delivered += n
			s.Opened += n
			s.Clicked += n
		}
	}
	return s
}

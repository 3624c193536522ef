// internal/model/response_variable.go
package model

import "time"

// Element types the extractor and the audience resolver care about.
const (
	ElementTypePhone   = "phone"
	ElementTypeEmail   = "email"
	ElementTypeUnknown = "unknown"
)

// ResponseVariable is one named answer of a response. Names are unique within
// a response and repeat across responses of the same quiz.
type ResponseVariable struct {
	ID          int64     `db:"id" json:"id"`
	ResponseID  string    `db:"response_id" json:"response_id"`
	QuizID      string    `db:"quiz_id" json:"quiz_id"`
	Name        string    `db:"name" json:"name"`
	Value       string    `db:"value" json:"value"`
	ElementType string    `db:"element_type" json:"element_type"`
	PageID      string    `db:"page_id" json:"page_id,omitempty"`
	PageOrder   int       `db:"page_order" json:"page_order"`
	Question    string    `db:"question" json:"question,omitempty"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

// ResponseWithVariables is what the audience resolver reads per candidate.
type ResponseWithVariables struct {
	Response  QuizResponse
	Variables []ResponseVariable
}

// Lead is a resolved, addressable candidate of a campaign.
type Lead struct {
	ResponseID       string            `json:"response_id"`
	Contact          string            `json:"contact"`
	Variables        map[string]string `json:"variables"`
	IsComplete       bool              `json:"is_complete"`
	SubmittedAt      time.Time         `json:"submitted_at"`
	Country          string            `json:"country,omitempty"`
	PhoneCountryCode string            `json:"phone_country_code,omitempty"`
}

// SkippedLead records why a response was excluded from an audience.
type SkippedLead struct {
	ResponseID string `json:"response_id"`
	Reason     string `json:"reason"`
}

// Skip reasons.
const (
	SkipMissingContact = "missing_contact"
	SkipInvalidContact = "invalid_contact"
	SkipFiltered       = "filtered"
	SkipFilterError    = "filter_error"
	SkipSuperseded     = "superseded"
)

// internal/model/quiz_response.go
package model

import (
	"encoding/json"
	"time"
)

// Answer is one page/element answer of a submission. Value is kept as raw
// JSON until the extractor normalizes it.
type Answer struct {
	ElementID      string          `json:"element_id,omitempty"`
	ElementFieldID string          `json:"element_field_id,omitempty"`
	PageID         string          `json:"page_id,omitempty"`
	Value          json.RawMessage `json:"value"`
}

type QuizResponse struct {
	ID               string     `db:"id" json:"id"`
	QuizID           string     `db:"quiz_id" json:"quiz_id"`
	Answers          []Answer   `db:"answers" json:"answers"`
	IsComplete       bool       `db:"is_complete" json:"is_complete"`
	SubmittedAt      time.Time  `db:"submitted_at" json:"submitted_at"`
	CompletedAt      *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	Country          string     `db:"country" json:"country,omitempty"`
	PhoneCountryCode string     `db:"phone_country_code" json:"phone_country_code,omitempty"`
	CreatedAt        time.Time  `db:"created_at" json:"created_at"`
}

// QuizElement maps an authored quiz element to the field id its answers are
// stored under.
type QuizElement struct {
	QuizID      string `db:"quiz_id" json:"quiz_id"`
	ElementID   string `db:"element_id" json:"element_id" validate:"required"`
	FieldID     string `db:"field_id" json:"field_id,omitempty"`
	ElementType string `db:"element_type" json:"element_type" validate:"required"`
	PageID      string `db:"page_id" json:"page_id,omitempty"`
	PageOrder   int    `db:"page_order" json:"page_order" validate:"gte=0"`
	Question    string `db:"question" json:"question,omitempty"`
}

// QuizStructure indexes the elements of one quiz.
type QuizStructure struct {
	QuizID    string
	byElement map[string]QuizElement
	byField   map[string]QuizElement
}

func NewQuizStructure(quizID string, elements []QuizElement) *QuizStructure {
	s := &QuizStructure{
		QuizID:    quizID,
		byElement: make(map[string]QuizElement, len(elements)),
		byField:   make(map[string]QuizElement, len(elements)),
	}
	for _, e := range elements {
		if e.ElementID != "" {
			s.byElement[e.ElementID] = e
		}
		if e.FieldID != "" {
			s.byField[e.FieldID] = e
		}
	}
	return s
}

// Lookup finds the element an answer belongs to, first by element id and
// then by field id.
func (s *QuizStructure) Lookup(a Answer) (QuizElement, bool) {
	if s == nil {
		return QuizElement{}, false
	}
	if e, ok := s.byElement[a.ElementID]; ok && a.ElementID != "" {
		return e, true
	}
	if e, ok := s.byField[a.ElementFieldID]; ok && a.ElementFieldID != "" {
		return e, true
	}
	return QuizElement{}, false
}

// internal/service/audience.go
package service

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/nyaruka/phonenumbers"
	"go.uber.org/zap"

	appErrors "github.com/unclebandit/leadflow-backend/internal/errors"
	"github.com/unclebandit/leadflow-backend/internal/model"
	"github.com/unclebandit/leadflow-backend/internal/repository"
	"github.com/unclebandit/leadflow-backend/internal/rules"
)

// Pseudo-variables derived from response metadata. They are visible to
// filters and templates but never stored.
const (
	VarComplete         = "_complete"
	VarCountry          = "_country"
	VarPhoneCountryCode = "_phone_country_code"
	VarSubmittedAt      = "_submitted_at"
)

// Audience is the resolved candidate set of a campaign, in resolution order.
type Audience struct {
	Leads   []model.Lead        `json:"leads"`
	Skipped []model.SkippedLead `json:"skipped"`
}

// AudienceResolver selects the leads of a campaign.
type AudienceResolver struct {
	Responses repository.ResponseRepositoryInterface
	validate  *validator.Validate
	logger    *zap.Logger
	now       func() time.Time
}

func NewAudienceResolver(responses repository.ResponseRepositoryInterface, logger *zap.Logger) *AudienceResolver {
	return &AudienceResolver{
		Responses: responses,
		validate:  validator.New(),
		logger:    logger.Named("audience"),
		now:       time.Now,
	}
}

// Resolve reads the campaign's candidate responses and builds its audience.
// Retroactive campaigns see the responses submitted up to activation (up to
// now when not yet activated); live campaigns see the responses submitted
// after activation that the campaign has not processed yet.
func (r *AudienceResolver) Resolve(ctx context.Context, c *model.Campaign) (*Audience, error) {
	q := r.query(c)
	candidates, err := r.Responses.ListCandidates(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("resolve audience of %s campaign %s: %w", c.Channel, c.ID, err)
	}
	return r.Build(c, candidates), nil
}

func (r *AudienceResolver) query(c *model.Campaign) repository.AudienceQuery {
	q := repository.AudienceQuery{QuizID: c.QuizID, SubmittedFrom: c.DateFilter}
	switch c.TargetAudience {
	case model.AudienceCompleted:
		complete := true
		q.IsComplete = &complete
	case model.AudienceAbandoned:
		complete := false
		q.IsComplete = &complete
	}

	switch c.Mode {
	case model.ModeLive:
		after := r.now()
		if c.ActivatedAt != nil {
			after = *c.ActivatedAt
		}
		q.SubmittedAfter = &after
		q.ExcludeProcessed = &repository.CampaignRef{Channel: c.Channel, CampaignID: c.ID}
	default:
		until := r.now()
		if c.ActivatedAt != nil {
			until = *c.ActivatedAt
		}
		q.SubmittedUntil = &until
	}
	return q
}

// Build turns ordered candidates into an audience: contact extraction and
// validation, quantum filters and trigger conditions, then one lead per
// contact, the last submitted one.
func (r *AudienceResolver) Build(c *model.Campaign, candidates []model.ResponseWithVariables) *Audience {
	aud := &Audience{Leads: []model.Lead{}, Skipped: []model.SkippedLead{}}
	accepted := []model.Lead{}
	lastByContact := map[string]int{}

	for _, cand := range candidates {
		resp := cand.Response
		vars := LeadVariables(cand)

		contact, err := r.contactOf(c.Channel, cand)
		if err != nil {
			reason := model.SkipInvalidContact
			if contact == "" {
				reason = model.SkipMissingContact
			}
			aud.Skipped = append(aud.Skipped, model.SkippedLead{ResponseID: resp.ID, Reason: reason})
			continue
		}

		ok, err := passesFilters(c, vars)
		if err != nil {
			r.logger.Warn("filter evaluation failed",
				zap.String("campaign_id", c.ID),
				zap.String("response_id", resp.ID),
				zap.Error(err))
			aud.Skipped = append(aud.Skipped, model.SkippedLead{ResponseID: resp.ID, Reason: model.SkipFilterError})
			continue
		}
		if !ok {
			aud.Skipped = append(aud.Skipped, model.SkippedLead{ResponseID: resp.ID, Reason: model.SkipFiltered})
			continue
		}

		lastByContact[contact] = len(accepted)
		accepted = append(accepted, model.Lead{
			ResponseID:       resp.ID,
			Contact:          contact,
			Variables:        vars,
			IsComplete:       resp.IsComplete,
			SubmittedAt:      resp.SubmittedAt,
			Country:          resp.Country,
			PhoneCountryCode: resp.PhoneCountryCode,
		})
	}

	for i, lead := range accepted {
		if lastByContact[lead.Contact] != i {
			aud.Skipped = append(aud.Skipped, model.SkippedLead{ResponseID: lead.ResponseID, Reason: model.SkipSuperseded})
			continue
		}
		aud.Leads = append(aud.Leads, lead)
	}
	return aud
}

func passesFilters(c *model.Campaign, vars map[string]string) (bool, error) {
	ok, err := rules.Allows(c.QuantumFilters, vars)
	if err != nil || !ok {
		return false, err
	}
	return rules.Allows(c.TriggerConditions, vars)
}

// LeadVariables returns the stored variables of a response plus its
// metadata pseudo-variables.
func LeadVariables(cand model.ResponseWithVariables) map[string]string {
	vars := make(map[string]string, len(cand.Variables)+4)
	for _, v := range cand.Variables {
		vars[v.Name] = v.Value
	}
	resp := cand.Response
	vars[VarComplete] = strconv.FormatBool(resp.IsComplete)
	vars[VarCountry] = resp.Country
	vars[VarPhoneCountryCode] = resp.PhoneCountryCode
	vars[VarSubmittedAt] = resp.SubmittedAt.UTC().Format(time.RFC3339)
	return vars
}

var (
	phoneNameHints = []string{"phone", "telefone", "celular", "whatsapp", "mobile", "tel"}
	emailNameHints = []string{"email", "e-mail", "mail"}
)

// contactOf finds and validates the channel's contact among the response
// variables: the first variable of the contact's element type, or failing
// that the first whose name looks like one. The returned contact is empty
// when none was found.
func (r *AudienceResolver) contactOf(ch model.Channel, cand model.ResponseWithVariables) (string, error) {
	kind := ch.ContactKind()
	elementType, hints := model.ElementTypePhone, phoneNameHints
	if kind == model.ContactEmail {
		elementType, hints = model.ElementTypeEmail, emailNameHints
	}

	raw := findContact(cand.Variables, elementType, hints)
	if raw == "" {
		return "", fmt.Errorf("%w: no %s answer", appErrors.ErrInvalidContact, kind)
	}

	if kind == model.ContactEmail {
		email := strings.ToLower(strings.TrimSpace(raw))
		if err := r.validate.Var(email, "required,email"); err != nil {
			return raw, fmt.Errorf("%w: %q is not an email", appErrors.ErrInvalidContact, raw)
		}
		return email, nil
	}
	return NormalizePhone(raw, cand.Response.Country, cand.Response.PhoneCountryCode)
}

func findContact(vars []model.ResponseVariable, elementType string, hints []string) string {
	for _, v := range vars {
		if v.ElementType == elementType && strings.TrimSpace(v.Value) != "" {
			return v.Value
		}
	}
	for _, v := range vars {
		name := strings.ToLower(v.Name)
		for _, h := range hints {
			if strings.Contains(name, h) && strings.TrimSpace(v.Value) != "" {
				return v.Value
			}
		}
	}
	return ""
}

// NormalizePhone parses a phone number and formats it as E.164. Numbers
// without a country prefix are read in the response's country, given as a
// region code or as a calling code.
func NormalizePhone(raw, country, phoneCountryCode string) (string, error) {
	region := strings.ToUpper(strings.TrimSpace(country))
	if len(region) != 2 {
		region = ""
		code := strings.TrimPrefix(strings.TrimSpace(phoneCountryCode), "+")
		if n, err := strconv.Atoi(code); err == nil {
			region = phonenumbers.GetRegionCodeForCountryCode(n)
		}
	}

	num, err := phonenumbers.Parse(raw, region)
	if err != nil {
		return raw, fmt.Errorf("%w: %q: %v", appErrors.ErrInvalidContact, raw, err)
	}
	if !phonenumbers.IsValidNumber(num) {
		return raw, fmt.Errorf("%w: %q is not a valid phone number", appErrors.ErrInvalidContact, raw)
	}
	return phonenumbers.Format(num, phonenumbers.E164), nil
}

package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	appErrors "github.com/unclebandit/leadflow-backend/internal/errors"
	"github.com/unclebandit/leadflow-backend/internal/model"
	"github.com/unclebandit/leadflow-backend/internal/rules"
)

var t0 = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

func phoneVar(value string) model.ResponseVariable {
	return model.ResponseVariable{Name: "telefone", Value: value, ElementType: model.ElementTypePhone}
}

func textVar(name, value string) model.ResponseVariable {
	return model.ResponseVariable{Name: name, Value: value, ElementType: "text"}
}

func response(id string, at time.Time, complete bool) model.QuizResponse {
	return model.QuizResponse{ID: id, QuizID: "q1", IsComplete: complete, SubmittedAt: at, Country: "US"}
}

func mustExpr(t *testing.T, raw string) *rules.Expr {
	t.Helper()
	var e rules.Expr
	require.NoError(t, json.Unmarshal([]byte(raw), &e))
	return &e
}

func TestNormalizePhone(t *testing.T) {
	got, err := NormalizePhone("(650) 253-0000", "US", "")
	require.NoError(t, err)
	assert.Equal(t, "+16502530000", got)

	got, err = NormalizePhone("650 253 0000", "", "+1")
	require.NoError(t, err)
	assert.Equal(t, "+16502530000", got)

	got, err = NormalizePhone("+1 650 253 0000", "", "")
	require.NoError(t, err)
	assert.Equal(t, "+16502530000", got)

	_, err = NormalizePhone("12", "US", "")
	assert.ErrorIs(t, err, appErrors.ErrInvalidContact)

	_, err = NormalizePhone("not a phone", "", "")
	assert.ErrorIs(t, err, appErrors.ErrInvalidContact)
}

func TestAudienceBuild_ContactsAndFilters(t *testing.T) {
	r := NewAudienceResolver(nil, zap.NewNop())
	c := &model.Campaign{
		ID: "c1", Channel: model.ChannelSMS, QuizID: "q1",
		QuantumFilters: mustExpr(t, `{"type":"predicate","variable":"objetivo","op":"in","values":["gain","lose"]}`),
	}

	candidates := []model.ResponseWithVariables{
		{Response: response("r1", t0, true), Variables: []model.ResponseVariable{phoneVar("650 253 0001"), textVar("objetivo", "Gain")}},
		{Response: response("r2", t0.Add(time.Minute), true), Variables: []model.ResponseVariable{textVar("objetivo", "gain")}},
		{Response: response("r3", t0.Add(2*time.Minute), true), Variables: []model.ResponseVariable{phoneVar("123"), textVar("objetivo", "gain")}},
		{Response: response("r4", t0.Add(3*time.Minute), true), Variables: []model.ResponseVariable{phoneVar("650 253 0002"), textVar("objetivo", "maintain")}},
		{Response: response("r5", t0.Add(4*time.Minute), true), Variables: []model.ResponseVariable{textVar("Celular", "650 253 0003"), textVar("objetivo", "lose")}},
	}

	aud := r.Build(c, candidates)

	require.Len(t, aud.Leads, 2)
	assert.Equal(t, "r1", aud.Leads[0].ResponseID)
	assert.Equal(t, "+16502530001", aud.Leads[0].Contact)
	assert.Equal(t, "r5", aud.Leads[1].ResponseID)
	assert.Equal(t, "+16502530003", aud.Leads[1].Contact)
	assert.Equal(t, "true", aud.Leads[0].Variables[VarComplete])
	assert.Equal(t, "US", aud.Leads[0].Variables[VarCountry])

	assert.Equal(t, []model.SkippedLead{
		{ResponseID: "r2", Reason: model.SkipMissingContact},
		{ResponseID: "r3", Reason: model.SkipInvalidContact},
		{ResponseID: "r4", Reason: model.SkipFiltered},
	}, aud.Skipped)
}

func TestAudienceBuild_EmailChannel(t *testing.T) {
	r := NewAudienceResolver(nil, zap.NewNop())
	c := &model.Campaign{ID: "c1", Channel: model.ChannelEmail}

	candidates := []model.ResponseWithVariables{
		{Response: response("r1", t0, true), Variables: []model.ResponseVariable{{Name: "contato", Value: " Ana@Example.COM ", ElementType: model.ElementTypeEmail}}},
		{Response: response("r2", t0, true), Variables: []model.ResponseVariable{textVar("e-mail", "nope")}},
		{Response: response("r3", t0, true), Variables: []model.ResponseVariable{phoneVar("650 253 0000")}},
	}
	aud := r.Build(c, candidates)

	require.Len(t, aud.Leads, 1)
	assert.Equal(t, "ana@example.com", aud.Leads[0].Contact)
	assert.Equal(t, []model.SkippedLead{
		{ResponseID: "r2", Reason: model.SkipInvalidContact},
		{ResponseID: "r3", Reason: model.SkipMissingContact},
	}, aud.Skipped)
}

func TestAudienceBuild_LastSubmissionPerContactWins(t *testing.T) {
	r := NewAudienceResolver(nil, zap.NewNop())
	c := &model.Campaign{ID: "c1", Channel: model.ChannelWhatsApp}

	candidates := []model.ResponseWithVariables{
		{Response: response("r1", t0, true), Variables: []model.ResponseVariable{phoneVar("650 253 0001")}},
		{Response: response("r2", t0.Add(time.Minute), true), Variables: []model.ResponseVariable{phoneVar("650 253 0002")}},
		{Response: response("r3", t0.Add(2*time.Minute), true), Variables: []model.ResponseVariable{phoneVar("+1 (650) 253-0001")}},
	}
	aud := r.Build(c, candidates)

	require.Len(t, aud.Leads, 2)
	assert.Equal(t, "r2", aud.Leads[0].ResponseID)
	assert.Equal(t, "r3", aud.Leads[1].ResponseID)
	assert.Equal(t, []model.SkippedLead{{ResponseID: "r1", Reason: model.SkipSuperseded}}, aud.Skipped)
}

func TestAudienceBuild_MalformedFilterSkipsLead(t *testing.T) {
	r := NewAudienceResolver(nil, zap.NewNop())
	c := &model.Campaign{
		ID: "c1", Channel: model.ChannelSMS,
		TriggerConditions: &rules.Expr{Condition: &rules.Predicate{Variable: "idade", Op: "between"}},
	}
	aud := r.Build(c, []model.ResponseWithVariables{
		{Response: response("r1", t0, true), Variables: []model.ResponseVariable{phoneVar("650 253 0001")}},
	})
	assert.Empty(t, aud.Leads)
	assert.Equal(t, []model.SkippedLead{{ResponseID: "r1", Reason: model.SkipFilterError}}, aud.Skipped)
}

func TestAudienceResolve_Retroactive(t *testing.T) {
	db := newFakeDB()
	activated := t0.Add(time.Hour)
	db.addResponse(response("r1", t0, true), phoneVar("650 253 0001"))
	db.addResponse(response("r2", t0.Add(10*time.Minute), false), phoneVar("650 253 0002"))
	db.addResponse(response("r3", t0.Add(20*time.Minute), true), phoneVar("650 253 0003"))
	db.addResponse(response("late", activated.Add(time.Minute), true), phoneVar("650 253 0004"))

	r := NewAudienceResolver(fakeResponses{db}, zap.NewNop())
	c := &model.Campaign{
		ID: "c1", Channel: model.ChannelSMS, QuizID: "q1", Mode: model.ModeRetroactive,
		TargetAudience: model.AudienceCompleted, ActivatedAt: &activated,
	}

	first, err := r.Resolve(context.Background(), c)
	require.NoError(t, err)
	second, err := r.Resolve(context.Background(), c)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	ids := []string{}
	for _, l := range first.Leads {
		ids = append(ids, l.ResponseID)
	}
	assert.Equal(t, []string{"r1", "r3"}, ids)

	from := t0.Add(5 * time.Minute)
	c.DateFilter = &from
	filtered, err := r.Resolve(context.Background(), c)
	require.NoError(t, err)
	require.Len(t, filtered.Leads, 1)
	assert.Equal(t, "r3", filtered.Leads[0].ResponseID)
}

func TestAudienceResolve_LiveExcludesProcessed(t *testing.T) {
	db := newFakeDB()
	activated := t0
	db.addResponse(response("before", t0.Add(-time.Minute), true), phoneVar("650 253 0001"))
	db.addResponse(response("r1", t0.Add(time.Minute), true), phoneVar("650 253 0002"))
	db.addResponse(response("r2", t0.Add(2*time.Minute), false), phoneVar("650 253 0003"))

	r := NewAudienceResolver(fakeResponses{db}, zap.NewNop())
	c := &model.Campaign{ID: "c1", Channel: model.ChannelSMS, QuizID: "q1", Mode: model.ModeLive, ActivatedAt: &activated}

	aud, err := r.Resolve(context.Background(), c)
	require.NoError(t, err)
	require.Len(t, aud.Leads, 2)

	_, err = fakeLogs{db}.RecordSkip(context.Background(), model.ChannelSMS, "c1", "r1", model.SkipFiltered)
	require.NoError(t, err)

	aud, err = r.Resolve(context.Background(), c)
	require.NoError(t, err)
	require.Len(t, aud.Leads, 1)
	assert.Equal(t, "r2", aud.Leads[0].ResponseID)
}

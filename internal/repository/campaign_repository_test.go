package repository

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "github.com/unclebandit/leadflow-backend/internal/errors"
	"github.com/unclebandit/leadflow-backend/internal/model"
	"github.com/unclebandit/leadflow-backend/internal/rules"
)

func newMockCampaignRepository(t *testing.T) (*CampaignRepository, sqlmock.Sqlmock, *sql.DB) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	return &CampaignRepository{DB: mockDB}, mock, mockDB
}

var campaignRowColumns = []string{"id", "owner_id", "quiz_id", "name", "status", "mode", "target_audience", "date_filter",
	"trigger_delay", "trigger_unit", "quantum_filters", "trigger_conditions", "conditional_rules", "messages", "settings",
	"max_retries", "retry_delay_seconds", "rotation_cursor", "activated_at", "resolved_at", "completed_at", "created_at", "updated_at"}

func TestCampaignRepository_Create(t *testing.T) {
	repo, mock, mockDB := newMockCampaignRepository(t)
	defer mockDB.Close()

	// zero retries is stored as given
	c := &model.Campaign{ID: "c1", OwnerID: "u1", QuizID: "q1", Name: "Follow up", Channel: model.ChannelVoice, Messages: []string{"Hi {name}"},
		RetryDelaySeconds: 300}

	mock.ExpectExec(`INSERT INTO voice_campaigns`).
		WithArgs("c1", "u1", "q1", "Follow up", model.CampaignPending, model.ModeRetroactive, model.AudienceAll, nil, 0, model.UnitMinutes,
			nil, nil, []byte(`[]`), []byte(`["Hi {name}"]`), []byte(`{}`), 0, 300, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.Create(context.Background(), c))
	assert.Equal(t, 0, c.MaxRetries)
	assert.False(t, c.CreatedAt.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCampaignRepository_GetByID(t *testing.T) {
	t.Run("decodes json columns", func(t *testing.T) {
		repo, mock, mockDB := newMockCampaignRepository(t)
		defer mockDB.Close()
		now := time.Now()

		rows := sqlmock.NewRows(campaignRowColumns).AddRow(
			"c1", "u1", "q1", "Whey", "active", "live", "completed", nil,
			10, "minutes",
			[]byte(`{"type":"predicate","variable":"goal","op":"equals","value":"Gain"}`), nil,
			[]byte(`[{"name":"gain","segment":"gainers","when":{"variable":"goal","op":"equals","value":"gain"},"message":"Bulk up {name}"}]`),
			[]byte(`["Hi {name}"]`), []byte(`{"from":"+15550000"}`),
			0, 0, 4, now, nil, nil, now, nil)
		mock.ExpectQuery(`SELECT .* FROM sms_campaigns WHERE id=\$1`).
			WithArgs("c1").
			WillReturnRows(rows)

		c, err := repo.GetByID(context.Background(), model.ChannelSMS, "c1")
		require.NoError(t, err)
		assert.Equal(t, model.ChannelSMS, c.Channel)
		assert.Equal(t, model.ModeLive, c.Mode)
		require.NotNil(t, c.QuantumFilters)
		ok, err := rules.Allows(c.QuantumFilters, rules.Variables{"goal": "gain"})
		require.NoError(t, err)
		assert.True(t, ok)
		require.Len(t, c.ConditionalRules, 1)
		assert.Equal(t, "gainers", c.ConditionalRules[0].Segment)
		assert.Equal(t, []string{"Hi {name}"}, c.Messages)
		assert.Equal(t, "+15550000", c.Settings["from"])
		assert.Equal(t, 4, c.RotationCursor)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("not found", func(t *testing.T) {
		repo, mock, mockDB := newMockCampaignRepository(t)
		defer mockDB.Close()

		mock.ExpectQuery(`SELECT .* FROM email_campaigns WHERE id=\$1`).
			WillReturnRows(sqlmock.NewRows(campaignRowColumns))

		_, err := repo.GetByID(context.Background(), model.ChannelEmail, "missing")
		assert.True(t, appErrors.IsNotFound(err))
	})
}

func TestCampaignRepository_ListCampaigns(t *testing.T) {
	repo, mock, mockDB := newMockCampaignRepository(t)
	defer mockDB.Close()

	mock.ExpectQuery(`SELECT .* FROM whatsapp_campaigns WHERE 1=1 AND status=\$1 ORDER BY created_at DESC, id LIMIT \$2 OFFSET \$3`).
		WithArgs("active", 10, 0).
		WillReturnRows(sqlmock.NewRows(campaignRowColumns))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM whatsapp_campaigns WHERE 1=1 AND status=\$1`).
		WithArgs("active").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))

	campaigns, total, err := repo.ListCampaigns(context.Background(), model.ChannelWhatsApp, 0, 10, "active")
	require.NoError(t, err)
	assert.Empty(t, campaigns)
	assert.Equal(t, 0, total)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCampaignRepository_Activate(t *testing.T) {
	repo, mock, mockDB := newMockCampaignRepository(t)
	defer mockDB.Close()
	now := time.Now()

	mock.ExpectExec(`UPDATE telegram_campaigns SET status='active'`).
		WithArgs(now, "c1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE telegram_campaigns SET status='active'`).
		WithArgs(now, "c1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := repo.Activate(context.Background(), model.ChannelTelegram, "c1", now)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.Activate(context.Background(), model.ChannelTelegram, "c1", now)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCampaignRepository_TransitionStatus(t *testing.T) {
	repo, mock, mockDB := newMockCampaignRepository(t)
	defer mockDB.Close()
	now := time.Now()

	mock.ExpectExec(`UPDATE sms_campaigns`).
		WithArgs(model.CampaignPaused, now, "c1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := repo.TransitionStatus(context.Background(), model.ChannelSMS, "c1",
		[]model.CampaignStatus{model.CampaignActive}, model.CampaignPaused, now)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCampaignRepository_CompleteFinished(t *testing.T) {
	repo, mock, mockDB := newMockCampaignRepository(t)
	defer mockDB.Close()
	now := time.Now()

	mock.ExpectQuery(`UPDATE sms_campaigns c SET status='completed'.*NOT EXISTS.*FROM sms_logs l`).
		WithArgs(now).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("c1").AddRow("c2"))

	ids, err := repo.CompleteFinished(context.Background(), model.ChannelSMS, now)
	require.NoError(t, err)
	assert.Equal(t, []string{"c1", "c2"}, ids)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCampaignRepository_ListActiveLive(t *testing.T) {
	repo, mock, mockDB := newMockCampaignRepository(t)
	defer mockDB.Close()
	now := time.Now()

	for _, ch := range model.Channels() {
		rows := sqlmock.NewRows(campaignRowColumns)
		if ch == model.ChannelWhatsApp {
			rows.AddRow("c9", "u1", "q1", "Live", "active", "live", "all", nil, 0, "minutes",
				nil, nil, []byte(`[]`), []byte(`["Hi"]`), []byte(`{}`), 0, 0, 0, now, nil, nil, now, nil)
		}
		mock.ExpectQuery(`SELECT .* FROM ` + ch.CampaignTable() + ` WHERE status='active' AND mode='live' AND quiz_id=\$1`).
			WithArgs("q1").
			WillReturnRows(rows)
	}

	campaigns, err := repo.ListActiveLive(context.Background(), "q1")
	require.NoError(t, err)
	require.Len(t, campaigns, 1)
	assert.Equal(t, model.ChannelWhatsApp, campaigns[0].Channel)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCampaignRepository_ListUnresolved(t *testing.T) {
	repo, mock, mockDB := newMockCampaignRepository(t)
	defer mockDB.Close()
	now := time.Now()

	for _, ch := range model.Channels() {
		rows := sqlmock.NewRows(campaignRowColumns)
		if ch == model.ChannelEmail {
			rows.AddRow("c3", "u1", "q1", "Base", "active", "retroactive", "completed", nil, 1, "hours",
				nil, nil, []byte(`[]`), []byte(`["Hi"]`), []byte(`{}`), 0, 0, 0, now, nil, nil, now, nil)
		}
		mock.ExpectQuery(`SELECT .* FROM ` + ch.CampaignTable() + ` WHERE status='active' AND mode='retroactive' AND resolved_at IS NULL`).
			WillReturnRows(rows)
	}

	campaigns, err := repo.ListUnresolved(context.Background())
	require.NoError(t, err)
	require.Len(t, campaigns, 1)
	assert.Equal(t, "c3", campaigns[0].ID)
	assert.Equal(t, time.Hour, campaigns[0].TriggerDuration())
	assert.NoError(t, mock.ExpectationsWereMet())
}

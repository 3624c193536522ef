package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	appErrors "github.com/unclebandit/leadflow-backend/internal/errors"
	"github.com/unclebandit/leadflow-backend/internal/model"
	"github.com/unclebandit/leadflow-backend/internal/transport"
)

// sentLog enqueues a log, leases it and marks it sent under providerID.
func sentLog(t *testing.T, db *fakeDB, ch model.Channel, providerID string) {
	t.Helper()
	c := activeCampaign("c1", ch, model.ModeLive, t0)
	db.addCampaign(c)
	log := &model.DeliveryLog{Channel: ch, CampaignID: "c1", ResponseID: "r-" + providerID, Recipient: providerID, ScheduledAt: t0}
	_, err := fakeLogs{db}.Enqueue(context.Background(), log)
	require.NoError(t, err)
	ok, err := fakeLogs{db}.Lease(context.Background(), ch, log.ID, "tok", t0)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = fakeLogs{db}.MarkSent(context.Background(), ch, log.ID, "tok", providerID, t0)
	require.NoError(t, err)
	require.True(t, ok)
}

func newTestReceipts(db *fakeDB) *ReceiptService {
	s := NewReceiptService(fakeLogs{db}, transport.NewRegistry(), zap.NewNop())
	s.now = func() time.Time { return t0.Add(time.Hour) }
	return s
}

func TestApplyReceipt_IsIdempotent(t *testing.T) {
	db := newFakeDB()
	sentLog(t, db, model.ChannelEmail, "p1")
	s := newTestReceipts(db)
	ctx := context.Background()

	applied, err := s.ApplyReceipt(ctx, model.ChannelEmail, "p1", "delivered", "")
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = s.ApplyReceipt(ctx, model.ChannelEmail, "p1", "DELIVERED", "")
	require.NoError(t, err)
	assert.False(t, applied)

	applied, err = s.ApplyReceipt(ctx, model.ChannelEmail, "p1", "clicked", "")
	require.NoError(t, err)
	assert.True(t, applied)

	// opened after clicked is a stale receipt
	applied, err = s.ApplyReceipt(ctx, model.ChannelEmail, "p1", "opened", "")
	require.NoError(t, err)
	assert.False(t, applied)

	log := db.allLogs(model.ChannelEmail)[0]
	assert.Equal(t, model.StatusClicked, log.Status)
	assert.NotNil(t, log.DeliveredAt)
}

func TestApplyReceipt_RejectsChannelMismatches(t *testing.T) {
	db := newFakeDB()
	sentLog(t, db, model.ChannelSMS, "p1")
	s := newTestReceipts(db)

	applied, err := s.ApplyReceipt(context.Background(), model.ChannelSMS, "p1", "opened", "")
	require.NoError(t, err)
	assert.False(t, applied)

	applied, err = s.ApplyReceipt(context.Background(), model.ChannelSMS, "p1", "answered", "")
	require.NoError(t, err)
	assert.False(t, applied)

	_, err = s.ApplyReceipt(context.Background(), model.ChannelSMS, "p1", "teleported", "")
	assert.ErrorIs(t, err, appErrors.ErrValidation)

	_, err = s.ApplyReceipt(context.Background(), model.ChannelSMS, "missing", "delivered", "")
	assert.ErrorIs(t, err, appErrors.ErrDeliveryLogNotFound)
}

func TestApplyReceipt_FailedRecordsReason(t *testing.T) {
	db := newFakeDB()
	sentLog(t, db, model.ChannelSMS, "p1")

	applied, err := newTestReceipts(db).ApplyReceipt(context.Background(), model.ChannelSMS, "p1", "failed", "handset unreachable")
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, "handset unreachable", db.allLogs(model.ChannelSMS)[0].ErrorMessage)
}

func TestApplyReceipts_VoiceWebhook(t *testing.T) {
	db := newFakeDB()
	sentLog(t, db, model.ChannelVoice, "call-1")

	reg := transport.NewRegistry()
	reg.Register(model.ChannelVoice, transport.WithReceiptParser(&countingTransport{}, transport.ParseVoiceReceipts))
	s := NewReceiptService(fakeLogs{db}, reg, zap.NewNop())

	sum, err := s.ApplyReceipts(context.Background(), model.ChannelVoice, []byte(`[
		{"provider_id":"call-1","status":"completed"},
		{"provider_id":"call-1","status":"completed"},
		{"provider_id":"call-9","status":"busy"}]`))
	require.NoError(t, err)
	assert.Equal(t, &ReceiptSummary{Received: 3, Applied: 1, Ignored: 1, Unknown: 1}, sum)
	assert.Equal(t, model.StatusAnswered, db.allLogs(model.ChannelVoice)[0].Status)

	_, err = s.ApplyReceipts(context.Background(), model.ChannelVoice, []byte(`{`))
	assert.ErrorIs(t, err, appErrors.ErrValidation)
}

func TestApplyReceipts_UnknownStatusIsIgnored(t *testing.T) {
	db := newFakeDB()
	sentLog(t, db, model.ChannelSMS, "p1")
	s := newTestReceipts(db)

	sum, err := s.ApplyReceipts(context.Background(), model.ChannelSMS, []byte(`[
		{"provider_id":"p1","status":"teleported"},
		{"provider_id":"p1","status":"delivered"}]`))
	require.NoError(t, err)
	assert.Equal(t, &ReceiptSummary{Received: 2, Applied: 1, Ignored: 1}, sum)
	assert.Equal(t, model.StatusDelivered, db.allLogs(model.ChannelSMS)[0].Status)
}

package handler_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	appErrors "github.com/unclebandit/leadflow-backend/internal/errors"
	"github.com/unclebandit/leadflow-backend/internal/handler"
	"github.com/unclebandit/leadflow-backend/internal/model"
	"github.com/unclebandit/leadflow-backend/internal/queue"
	"github.com/unclebandit/leadflow-backend/internal/repository"
	"github.com/unclebandit/leadflow-backend/internal/service"
	"github.com/unclebandit/leadflow-backend/internal/transport"
)

type mockResponseRepo struct {
	repository.ResponseRepositoryInterface
	saved     map[string]*model.QuizResponse
	vars      map[string][]model.ResponseVariable
	structure []model.QuizElement
}

func newMockResponseRepo() *mockResponseRepo {
	return &mockResponseRepo{saved: map[string]*model.QuizResponse{}, vars: map[string][]model.ResponseVariable{}}
}

func (m *mockResponseRepo) SaveWithVariables(ctx context.Context, resp *model.QuizResponse, vars []model.ResponseVariable) (bool, error) {
	if _, ok := m.saved[resp.ID]; ok {
		return false, nil
	}
	m.saved[resp.ID] = resp
	m.vars[resp.ID] = vars
	return true, nil
}

func (m *mockResponseRepo) GetByID(ctx context.Context, id string) (*model.QuizResponse, error) {
	r, ok := m.saved[id]
	if !ok {
		return nil, appErrors.ErrResponseNotFound
	}
	return r, nil
}

func (m *mockResponseRepo) ListVariables(ctx context.Context, responseID string) ([]model.ResponseVariable, error) {
	return m.vars[responseID], nil
}

func (m *mockResponseRepo) GetStructure(ctx context.Context, quizID string) (*model.QuizStructure, error) {
	return model.NewQuizStructure(quizID, m.structure), nil
}

func (m *mockResponseRepo) SaveStructure(ctx context.Context, quizID string, elements []model.QuizElement) error {
	m.structure = elements
	return nil
}

func newResponseRouter(repo *mockResponseRepo) http.Handler {
	svc := service.NewResponseService(repo, queue.NewInMemoryQueue(zap.NewNop()), zap.NewNop())
	r := chi.NewRouter()
	handler.NewResponseHandler(svc, zap.NewNop()).Routes(r)
	return r
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

const submission = `{
	"id": "resp-1",
	"quizId": "quiz-1",
	"responses": [
		{"elementFieldId": "nome", "value": "Ana", "pageId": "p1"},
		{"elementFieldId": "telefone", "value": "+1 650 253 0000", "pageId": "p2"},
		{"elementFieldId": "objetivos", "value": ["gain", "energy"], "pageId": "p2"}
	],
	"metadata": {"isComplete": true, "completedAt": "2026-03-02T12:00:00Z", "country": "us", "phoneCountryCode": "+1"}
}`

func TestSubmitResponseHandler(t *testing.T) {
	repo := newMockResponseRepo()
	h := newResponseRouter(repo)

	w := do(t, h, http.MethodPost, "/quizzes/quiz-1/responses", submission)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	stored := repo.saved["resp-1"]
	require.NotNil(t, stored)
	assert.True(t, stored.IsComplete)
	assert.Equal(t, "US", stored.Country)
	assert.Equal(t, "2026-03-02T12:00:00Z", stored.SubmittedAt.Format("2006-01-02T15:04:05Z07:00"))

	var res service.SubmitResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Len(t, res.Variables, 3)

	w = do(t, h, http.MethodPost, "/quizzes/quiz-1/responses", submission)
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(t, h, http.MethodGet, "/responses/resp-1/variables", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"gain, energy"`)

	w = do(t, h, http.MethodGet, "/responses/nope/variables", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSubmitResponseHandler_Rejects(t *testing.T) {
	h := newResponseRouter(newMockResponseRepo())

	w := do(t, h, http.MethodPost, "/quizzes/quiz-2/responses", submission)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, h, http.MethodPost, "/quizzes/quiz-1/responses", `{"quizId":"quiz-1"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, h, http.MethodPost, "/quizzes/quiz-1/responses", `not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSaveStructureHandler(t *testing.T) {
	repo := newMockResponseRepo()
	h := newResponseRouter(repo)

	w := do(t, h, http.MethodPut, "/quizzes/quiz-1/elements",
		`{"elements":[{"element_id":"el-1","field_id":"telefone","element_type":"phone","page_id":"p1"}]}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.Len(t, repo.structure, 1)
	assert.Equal(t, "quiz-1", repo.structure[0].QuizID)

	w = do(t, h, http.MethodPut, "/quizzes/quiz-1/elements", `{"elements":[{"field_id":"x"}]}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

type mockLogRepo struct {
	repository.DeliveryLogRepositoryInterface
	log *model.DeliveryLog
}

func (m *mockLogRepo) FindByProviderID(ctx context.Context, ch model.Channel, providerID string) (*model.DeliveryLog, error) {
	if m.log == nil || m.log.ProviderID != providerID {
		return nil, appErrors.ErrDeliveryLogNotFound
	}
	cp := *m.log
	return &cp, nil
}

func (m *mockLogRepo) ApplyStatus(ctx context.Context, ch model.Channel, id int64, from, to model.DeliveryStatus, reason string, at time.Time) (bool, error) {
	if m.log.ID != id || m.log.Status != from {
		return false, nil
	}
	m.log.Status = to
	return true, nil
}

func newWebhookRouter(logs *mockLogRepo) http.Handler {
	reg := transport.NewRegistry()
	reg.Register(model.ChannelVoice, transport.WithReceiptParser(transport.NewMockTransport(1), transport.ParseVoiceReceipts))
	svc := service.NewReceiptService(logs, reg, zap.NewNop())
	r := chi.NewRouter()
	handler.NewWebhookHandler(svc, zap.NewNop()).Routes(r)
	return r
}

func TestReceiptHandler(t *testing.T) {
	logs := &mockLogRepo{log: &model.DeliveryLog{ID: 7, Channel: model.ChannelSMS, ProviderID: "p-7", Status: model.StatusSent}}
	h := newWebhookRouter(logs)

	w := do(t, h, http.MethodPost, "/webhooks/sms", `[{"provider_id":"p-7","status":"Delivered"},{"provider_id":"p-8","status":"delivered"}]`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var sum service.ReceiptSummary
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sum))
	assert.Equal(t, service.ReceiptSummary{Received: 2, Applied: 1, Unknown: 1}, sum)
	assert.Equal(t, model.StatusDelivered, logs.log.Status)

	// replaying the receipt changes nothing
	w = do(t, h, http.MethodPost, "/webhooks/sms", `{"provider_id":"p-7","status":"delivered"}`)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sum))
	assert.Equal(t, 1, sum.Ignored)
}

func TestReceiptHandler_Rejects(t *testing.T) {
	h := newWebhookRouter(&mockLogRepo{})

	w := do(t, h, http.MethodPost, "/webhooks/pigeon", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, h, http.MethodPost, "/webhooks/sms", `{"provider_id":`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestReceiptHandler_BodyTooLarge(t *testing.T) {
	logs := &mockLogRepo{log: &model.DeliveryLog{ID: 7, Channel: model.ChannelSMS, ProviderID: "p-7", Status: model.StatusSent}}
	h := newWebhookRouter(logs)

	// a valid array whose tail would be cut by a silent limit
	receipt := `{"provider_id":"p-7","status":"delivered"},`
	body := "[" + strings.Repeat(receipt, (1<<20)/len(receipt)+1) + `{"provider_id":"p-7","status":"delivered"}]`

	w := do(t, h, http.MethodPost, "/webhooks/sms", body)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	assert.Contains(t, w.Body.String(), "body exceeds")
	assert.Equal(t, model.StatusSent, logs.log.Status)
}

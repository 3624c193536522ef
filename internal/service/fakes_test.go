package service

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	appErrors "github.com/unclebandit/leadflow-backend/internal/errors"
	"github.com/unclebandit/leadflow-backend/internal/model"
	"github.com/unclebandit/leadflow-backend/internal/repository"
	"github.com/unclebandit/leadflow-backend/internal/transport"
)

// fakeDB keeps campaigns, logs, the lead ledger and responses in memory with
// the same compare-and-set semantics as the SQL repositories.
type fakeDB struct {
	mu         sync.Mutex
	campaigns  map[string]*model.Campaign // key: channel/id
	logs       map[model.Channel][]*model.DeliveryLog
	leads      map[string]model.CampaignLead // key: channel/campaign/response
	responses  []model.ResponseWithVariables
	structures map[string][]model.QuizElement
	nextID     int64
	leaseCalls int
}

func newFakeDB() *fakeDB {
	return &fakeDB{
		campaigns:  map[string]*model.Campaign{},
		logs:       map[model.Channel][]*model.DeliveryLog{},
		leads:      map[string]model.CampaignLead{},
		structures: map[string][]model.QuizElement{},
	}
}

func campaignKey(ch model.Channel, id string) string { return string(ch) + "/" + id }

func leadKey(ch model.Channel, campaignID, responseID string) string {
	return string(ch) + "/" + campaignID + "/" + responseID
}

func (f *fakeDB) addCampaign(c *model.Campaign) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *c
	f.campaigns[campaignKey(c.Channel, c.ID)] = &cp
}

func (f *fakeDB) campaign(ch model.Channel, id string) *model.Campaign {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.campaigns[campaignKey(ch, id)]
	if !ok {
		return nil
	}
	cp := *c
	return &cp
}

func (f *fakeDB) addResponse(resp model.QuizResponse, vars ...model.ResponseVariable) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = append(f.responses, model.ResponseWithVariables{Response: resp, Variables: vars})
}

func (f *fakeDB) allLogs(ch model.Channel) []model.DeliveryLog {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.DeliveryLog, 0, len(f.logs[ch]))
	for _, l := range f.logs[ch] {
		out = append(out, *l)
	}
	return out
}

func (f *fakeDB) lead(ch model.Channel, campaignID, responseID string) (model.CampaignLead, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.leads[leadKey(ch, campaignID, responseID)]
	return l, ok
}

// ====================== Campaigns ======================

type fakeCampaigns struct{ *fakeDB }

var _ repository.CampaignRepositoryInterface = fakeCampaigns{}

func (f fakeCampaigns) Create(ctx context.Context, c *model.Campaign) error {
	c.CreatedAt = time.Now()
	c.ApplyDefaults()
	f.addCampaign(c)
	return nil
}

func (f fakeCampaigns) Update(ctx context.Context, c *model.Campaign) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := campaignKey(c.Channel, c.ID)
	prev, ok := f.campaigns[key]
	if !ok {
		return appErrors.NewCampaignNotFound(string(c.Channel), c.ID)
	}
	cp := *c
	if prev.ActivatedAt != nil {
		cp.Mode = prev.Mode
	}
	f.campaigns[key] = &cp
	return nil
}

func (f fakeCampaigns) GetByID(ctx context.Context, ch model.Channel, id string) (*model.Campaign, error) {
	c := f.campaign(ch, id)
	if c == nil {
		return nil, appErrors.NewCampaignNotFound(string(ch), id)
	}
	return c, nil
}

func (f fakeCampaigns) ListCampaigns(ctx context.Context, ch model.Channel, offset, limit int, status string) ([]*model.Campaign, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var all []*model.Campaign
	for _, c := range f.campaigns {
		if c.Channel == ch && (status == "" || string(c.Status) == status) {
			cp := *c
			all = append(all, &cp)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	total := len(all)
	if offset >= total {
		return []*model.Campaign{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (f fakeCampaigns) TransitionStatus(ctx context.Context, ch model.Channel, id string, from []model.CampaignStatus, to model.CampaignStatus, at time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.campaigns[campaignKey(ch, id)]
	if !ok {
		return false, nil
	}
	for _, st := range from {
		if c.Status == st {
			c.Status = to
			if to == model.CampaignCompleted {
				c.CompletedAt = &at
			}
			return true, nil
		}
	}
	return false, nil
}

func (f fakeCampaigns) Activate(ctx context.Context, ch model.Channel, id string, at time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.campaigns[campaignKey(ch, id)]
	if !ok || c.Status != model.CampaignPending {
		return false, nil
	}
	c.Status = model.CampaignActive
	c.ActivatedAt = &at
	return true, nil
}

func (f fakeCampaigns) MarkResolved(ctx context.Context, ch model.Channel, id string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.campaigns[campaignKey(ch, id)]; ok {
		c.ResolvedAt = &at
	}
	return nil
}

func (f fakeCampaigns) AdvanceRotation(ctx context.Context, ch model.Channel, id string, by int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.campaigns[campaignKey(ch, id)]; ok {
		c.RotationCursor += by
	}
	return nil
}

func (f fakeCampaigns) list(match func(c *model.Campaign) bool) []*model.Campaign {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.Campaign
	for _, c := range f.campaigns {
		if match(c) {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (f fakeCampaigns) ListActiveLive(ctx context.Context, quizID string) ([]*model.Campaign, error) {
	return f.list(func(c *model.Campaign) bool {
		return c.Status == model.CampaignActive && c.Mode == model.ModeLive && (quizID == "" || c.QuizID == quizID)
	}), nil
}

func (f fakeCampaigns) ListUnresolved(ctx context.Context) ([]*model.Campaign, error) {
	return f.list(func(c *model.Campaign) bool {
		return c.Status == model.CampaignActive && c.Mode == model.ModeRetroactive && c.ResolvedAt == nil
	}), nil
}

func (f fakeCampaigns) CompleteFinished(ctx context.Context, ch model.Channel, at time.Time) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := []string{}
	for _, c := range f.campaigns {
		if c.Channel != ch || c.Status != model.CampaignActive || c.Mode != model.ModeRetroactive || c.ResolvedAt == nil {
			continue
		}
		done := true
		for _, l := range f.logs[ch] {
			if l.CampaignID == c.ID && (l.Status.IsOpen() || (l.Status == model.StatusFailed && l.RetryCount < l.MaxRetries)) {
				done = false
				break
			}
		}
		if done {
			c.Status = model.CampaignCompleted
			c.CompletedAt = &at
			ids = append(ids, c.ID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// ====================== Delivery logs ======================

type fakeLogs struct{ *fakeDB }

var _ repository.DeliveryLogRepositoryInterface = fakeLogs{}

func (f fakeLogs) Enqueue(ctx context.Context, log *model.DeliveryLog) (repository.EnqueueResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := log.Channel
	key := leadKey(ch, log.CampaignID, log.ResponseID)
	if _, ok := f.leads[key]; ok {
		return repository.EnqueueAlreadyProcessed, nil
	}
	f.leads[key] = model.CampaignLead{Channel: ch, CampaignID: log.CampaignID, ResponseID: log.ResponseID, Outcome: model.LeadEnqueued}

	for _, done := range f.logs[ch] {
		if done.CampaignID == log.CampaignID && done.Recipient == log.Recipient &&
			!done.Status.IsOpen() && done.Status != model.StatusFailed {
			f.leads[key] = model.CampaignLead{Channel: ch, CampaignID: log.CampaignID, ResponseID: log.ResponseID,
				Outcome: model.LeadDuplicate, Reason: repository.AlreadyMessagedReason}
			return repository.EnqueueAlreadyMessaged, nil
		}
	}

	for _, open := range f.logs[ch] {
		if open.CampaignID != log.CampaignID || open.Recipient != log.Recipient || !open.Status.IsOpen() {
			continue
		}
		if open.Status == model.StatusSending {
			f.leads[key] = model.CampaignLead{Channel: ch, CampaignID: log.CampaignID, ResponseID: log.ResponseID,
				Outcome: model.LeadDuplicate, Reason: "contact in flight"}
			return repository.EnqueueInFlight, nil
		}
		prevKey := leadKey(ch, log.CampaignID, open.ResponseID)
		prev := f.leads[prevKey]
		prev.Outcome, prev.Reason = model.LeadSkipped, model.SkipSuperseded
		f.leads[prevKey] = prev

		open.ResponseID = log.ResponseID
		open.Segment = log.Segment
		open.Variant = log.Variant
		open.Message = log.Message
		open.ScheduledAt = log.ScheduledAt
		log.ID = open.ID
		return repository.EnqueueSuperseded, nil
	}

	f.nextID++
	cp := *log
	cp.ID = f.nextID
	cp.Status = model.StatusPending
	log.ID = cp.ID
	f.logs[ch] = append(f.logs[ch], &cp)
	return repository.EnqueueInserted, nil
}

func (f fakeLogs) RecordSkip(ctx context.Context, ch model.Channel, campaignID, responseID, reason string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := leadKey(ch, campaignID, responseID)
	if _, ok := f.leads[key]; ok {
		return false, nil
	}
	f.leads[key] = model.CampaignLead{Channel: ch, CampaignID: campaignID, ResponseID: responseID, Outcome: model.LeadSkipped, Reason: reason}
	return true, nil
}

func (f fakeLogs) ListDue(ctx context.Context, ch model.Channel, now time.Time, limit int) ([]*model.DeliveryLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var due []*model.DeliveryLog
	for _, l := range f.logs[ch] {
		c := f.campaigns[campaignKey(ch, l.CampaignID)]
		if l.Status == model.StatusPending && !l.ScheduledAt.After(now) && c != nil && c.Status == model.CampaignActive {
			cp := *l
			due = append(due, &cp)
		}
	}
	sort.SliceStable(due, func(i, j int) bool {
		if !due[i].ScheduledAt.Equal(due[j].ScheduledAt) {
			return due[i].ScheduledAt.Before(due[j].ScheduledAt)
		}
		return due[i].ID < due[j].ID
	})
	if len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (f *fakeDB) findLog(ch model.Channel, id int64) *model.DeliveryLog {
	for _, l := range f.logs[ch] {
		if l.ID == id {
			return l
		}
	}
	return nil
}

func (f fakeLogs) Lease(ctx context.Context, ch model.Channel, id int64, token string, now time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leaseCalls++
	l := f.findLog(ch, id)
	if l == nil || l.Status != model.StatusPending || l.ScheduledAt.After(now) {
		return false, nil
	}
	if c := f.campaigns[campaignKey(ch, l.CampaignID)]; c == nil || c.Status != model.CampaignActive {
		return false, nil
	}
	l.Status = model.StatusSending
	l.LeaseToken = token
	l.LeasedAt = &now
	l.UpdatedAt = now
	return true, nil
}

func (f fakeLogs) MarkSent(ctx context.Context, ch model.Channel, id int64, token, providerID string, at time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l := f.findLog(ch, id)
	if l == nil || l.Status != model.StatusSending || l.LeaseToken != token {
		return false, nil
	}
	l.Status = model.StatusSent
	l.ProviderID = providerID
	l.ErrorMessage = ""
	l.SentAt = &at
	l.UpdatedAt = at
	l.LeaseToken = ""
	return true, nil
}

func (f fakeLogs) MarkFailed(ctx context.Context, ch model.Channel, id int64, token, reason string, at time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l := f.findLog(ch, id)
	if l == nil || l.Status != model.StatusSending || l.LeaseToken != token {
		return false, nil
	}
	l.Status = model.StatusFailed
	l.ErrorMessage = reason
	l.UpdatedAt = at
	l.LeaseToken = ""
	return true, nil
}

func (f fakeLogs) Release(ctx context.Context, ch model.Channel, id int64, token string, at time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l := f.findLog(ch, id)
	if l == nil || l.Status != model.StatusSending || l.LeaseToken != token {
		return false, nil
	}
	l.Status = model.StatusPending
	l.LeaseToken = ""
	l.LeasedAt = nil
	l.UpdatedAt = at
	return true, nil
}

func (f fakeLogs) RequeueFailed(ctx context.Context, ch model.Channel, now time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, l := range f.logs[ch] {
		if l.Status != model.StatusFailed || l.RetryCount >= l.MaxRetries {
			continue
		}
		c := f.campaigns[campaignKey(ch, l.CampaignID)]
		retryAt := l.UpdatedAt.Add(time.Duration(l.RetryDelaySeconds) * time.Second)
		if c == nil || c.Status != model.CampaignActive || retryAt.After(now) {
			continue
		}
		l.Status = model.StatusPending
		l.RetryCount++
		l.ScheduledAt = retryAt
		l.ErrorMessage = ""
		l.ProviderID = ""
		l.SentAt = nil
		l.UpdatedAt = now
		n++
	}
	return n, nil
}

func (f fakeLogs) ReapStaleLeases(ctx context.Context, ch model.Channel, leasedBefore, now time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, l := range f.logs[ch] {
		if l.Status == model.StatusSending && l.LeasedAt != nil && l.LeasedAt.Before(leasedBefore) {
			l.Status = model.StatusFailed
			l.ErrorMessage = repository.LeaseExpiredReason
			l.LeaseToken = ""
			l.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

func (f fakeLogs) FindByProviderID(ctx context.Context, ch model.Channel, providerID string) (*model.DeliveryLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, l := range f.logs[ch] {
		if l.ProviderID == providerID {
			cp := *l
			return &cp, nil
		}
	}
	return nil, appErrors.ErrDeliveryLogNotFound
}

func (f fakeLogs) ApplyStatus(ctx context.Context, ch model.Channel, id int64, from, to model.DeliveryStatus, reason string, at time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l := f.findLog(ch, id)
	if l == nil || l.Status != from {
		return false, nil
	}
	l.Status = to
	l.UpdatedAt = at
	switch to {
	case model.StatusDelivered:
		l.DeliveredAt = &at
	case model.StatusOpened:
		l.OpenedAt = &at
	case model.StatusClicked:
		l.ClickedAt = &at
	case model.StatusFailed:
		l.ErrorMessage = reason
	}
	return true, nil
}

func (f fakeLogs) GetByID(ctx context.Context, ch model.Channel, id int64) (*model.DeliveryLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l := f.findLog(ch, id)
	if l == nil {
		return nil, appErrors.ErrDeliveryLogNotFound
	}
	cp := *l
	return &cp, nil
}

func (f fakeLogs) List(ctx context.Context, ch model.Channel, campaignID, status string, offset, limit int) ([]*model.DeliveryLog, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var all []*model.DeliveryLog
	for _, l := range f.logs[ch] {
		if l.CampaignID == campaignID && (status == "" || string(l.Status) == status) {
			cp := *l
			all = append(all, &cp)
		}
	}
	total := len(all)
	if offset >= total {
		return []*model.DeliveryLog{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (f fakeLogs) Stats(ctx context.Context, ch model.Channel, campaignID string) (model.CampaignStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	byStatus := map[model.DeliveryStatus]int{}
	for _, l := range f.logs[ch] {
		if l.CampaignID == campaignID {
			byStatus[l.Status]++
		}
	}
	return model.NewCampaignStats(byStatus), nil
}

func (f fakeLogs) LeadOutcomes(ctx context.Context, ch model.Channel, campaignID string) (map[model.LeadOutcome]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[model.LeadOutcome]int{}
	for _, l := range f.leads {
		if l.Channel == ch && l.CampaignID == campaignID {
			out[l.Outcome]++
		}
	}
	return out, nil
}

func (f fakeLogs) CountOpen(ctx context.Context, ch model.Channel, campaignID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, l := range f.logs[ch] {
		if l.CampaignID == campaignID && (l.Status.IsOpen() || (l.Status == model.StatusFailed && l.RetryCount < l.MaxRetries)) {
			n++
		}
	}
	return n, nil
}

// ====================== Responses ======================

type fakeResponses struct{ *fakeDB }

var _ repository.ResponseRepositoryInterface = fakeResponses{}

func (f fakeResponses) SaveWithVariables(ctx context.Context, resp *model.QuizResponse, vars []model.ResponseVariable) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, r := range f.responses {
		if r.Response.ID != resp.ID {
			continue
		}
		have := map[string]bool{}
		for _, v := range r.Variables {
			have[v.Name] = true
		}
		for _, v := range vars {
			if !have[v.Name] {
				f.responses[i].Variables = append(f.responses[i].Variables, v)
			}
		}
		return false, nil
	}
	f.responses = append(f.responses, model.ResponseWithVariables{Response: *resp, Variables: append([]model.ResponseVariable(nil), vars...)})
	return true, nil
}

func (f fakeResponses) GetByID(ctx context.Context, id string) (*model.QuizResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.responses {
		if r.Response.ID == id {
			cp := r.Response
			return &cp, nil
		}
	}
	return nil, appErrors.ErrResponseNotFound
}

func (f fakeResponses) ListVariables(ctx context.Context, responseID string) ([]model.ResponseVariable, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.responses {
		if r.Response.ID == responseID {
			return append([]model.ResponseVariable{}, r.Variables...), nil
		}
	}
	return []model.ResponseVariable{}, nil
}

func (f fakeResponses) GetStructure(ctx context.Context, quizID string) (*model.QuizStructure, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return model.NewQuizStructure(quizID, f.structures[quizID]), nil
}

func (f fakeResponses) SaveStructure(ctx context.Context, quizID string, elements []model.QuizElement) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.structures[quizID] = append([]model.QuizElement(nil), elements...)
	return nil
}

func (f fakeResponses) ListCandidates(ctx context.Context, q repository.AudienceQuery) ([]model.ResponseWithVariables, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.ResponseWithVariables
	for _, r := range f.responses {
		resp := r.Response
		switch {
		case resp.QuizID != q.QuizID:
			continue
		case q.IsComplete != nil && resp.IsComplete != *q.IsComplete:
			continue
		case q.SubmittedFrom != nil && resp.SubmittedAt.Before(*q.SubmittedFrom):
			continue
		case q.SubmittedAfter != nil && !resp.SubmittedAt.After(*q.SubmittedAfter):
			continue
		case q.SubmittedUntil != nil && resp.SubmittedAt.After(*q.SubmittedUntil):
			continue
		}
		if ex := q.ExcludeProcessed; ex != nil {
			if _, ok := f.leads[leadKey(ex.Channel, ex.CampaignID, resp.ID)]; ok {
				continue
			}
		}
		out = append(out, model.ResponseWithVariables{Response: resp, Variables: append([]model.ResponseVariable(nil), r.Variables...)})
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].Response, out[j].Response
		if !a.SubmittedAt.Equal(b.SubmittedAt) {
			return a.SubmittedAt.Before(b.SubmittedAt)
		}
		return a.ID < b.ID
	})
	return out, nil
}

// ====================== Transports ======================

// countingTransport records every payload it accepts.
type countingTransport struct {
	mu    sync.Mutex
	sent  []transport.Payload
	fail  error
	delay time.Duration
	next  int
}

func (t *countingTransport) Send(ctx context.Context, p transport.Payload) (transport.Ack, error) {
	if t.delay > 0 {
		select {
		case <-time.After(t.delay):
		case <-ctx.Done():
			return transport.Ack{}, ctx.Err()
		}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fail != nil {
		return transport.Ack{}, t.fail
	}
	t.next++
	t.sent = append(t.sent, p)
	return transport.Ack{ProviderID: providerID(t.next)}, nil
}

func (t *countingTransport) payloads() []transport.Payload {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]transport.Payload(nil), t.sent...)
}

func providerID(n int) string {
	return "prov-" + strconv.Itoa(n)
}

type singleTransport struct{ t transport.Transport }

func (s singleTransport) Get(model.Channel) (transport.Transport, error) { return s.t, nil }

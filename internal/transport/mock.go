package transport

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrMockSendFailed is returned by MockTransport on a simulated failure.
var ErrMockSendFailed = errors.New("mock sending failed")

// MockTransport simulates a provider that accepts a share of the payloads.
// It counts what it accepts; the payloads themselves are kept only after
// RecordSent.
type MockTransport struct {
	mu          sync.Mutex
	rnd         *rand.Rand
	successRate float64
	accepted    int
	record      bool
	sent        []Payload
}

// NewMockTransport accepts payloads with probability successRate.
func NewMockTransport(successRate float64) *MockTransport {
	return &MockTransport{
		rnd:         rand.New(rand.NewSource(time.Now().UnixNano())),
		successRate: successRate,
	}
}

func (m *MockTransport) Send(ctx context.Context, p Payload) (Ack, error) {
	if err := ctx.Err(); err != nil {
		return Ack{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.rnd.Float64() >= m.successRate {
		return Ack{}, ErrMockSendFailed
	}
	m.accepted++
	if m.record {
		m.sent = append(m.sent, p)
	}
	return Ack{ProviderID: "mock-" + uuid.NewString()}, nil
}

// RecordSent makes the transport keep every accepted payload for Sent.
func (m *MockTransport) RecordSent() *MockTransport {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record = true
	return m
}

// Accepted returns how many payloads were accepted so far.
func (m *MockTransport) Accepted() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.accepted
}

// Sent returns the payloads accepted since RecordSent.
func (m *MockTransport) Sent() []Payload {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Payload(nil), m.sent...)
}

package llm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/PabloGalante/intel-relay/internal/domain"
)

// Responder produces the mock's answer for one request.
type Responder func(ctx context.Context, req domain.CompletionRequest) (string, error)

// MockLLM is a deterministic domain.ModelClient for local runs and tests.
// It records every request it receives.
type MockLLM struct {
	mu        sync.Mutex
	requests  []domain.CompletionRequest
	responder Responder
	delay     time.Duration
}

func NewMockLLM() *MockLLM {
	return &MockLLM{responder: echo}
}

// WithResponder replaces the default echo answer.
func (m *MockLLM) WithResponder(fn Responder) *MockLLM {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responder = fn
	return m
}

// WithDelay makes every call wait d (or until ctx is done) before answering.
func (m *MockLLM) WithDelay(d time.Duration) *MockLLM {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
	return m
}

func (m *MockLLM) Complete(ctx context.Context, req domain.CompletionRequest) (string, error) {
	m.mu.Lock()
	req.History = append([]domain.Turn(nil), req.History...)
	m.requests = append(m.requests, req)
	responder, delay := m.responder, m.delay
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(delay):
		}
	}
	return responder(ctx, req)
}

func (m *MockLLM) Requests() []domain.CompletionRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.CompletionRequest(nil), m.requests...)
}

func (m *MockLLM) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

func echo(_ context.Context, req domain.CompletionRequest) (string, error) {
	if req.Media != nil {
		return fmt.Sprintf("Received %s %q (%d bytes). %s", req.Media.Kind, req.Media.Filename, len(req.Media.Data), req.Prompt), nil
	}
	return fmt.Sprintf("You said %q. I remember %d earlier turns.", req.Prompt, len(req.History)), nil
}

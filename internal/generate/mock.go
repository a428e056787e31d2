package generate

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// MockProvider returns canned responses keyed by a substring of the prompt.
// Used in tests and for offline development.
type MockProvider struct {
	mu        sync.Mutex
	responses map[string]string
	err       error
	calls     []string
}

// NewMockProvider builds a mock; responses maps a prompt substring to the
// reply. A nil map yields a generic JSON reply for every prompt.
func NewMockProvider(responses map[string]string) *MockProvider {
	return &MockProvider{responses: responses}
}

// Fail makes every subsequent call return err.
func (m *MockProvider) Fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Calls returns the prompts seen so far.
func (m *MockProvider) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

func (m *MockProvider) Name() string { return "mock" }

func (m *MockProvider) Generate(_ context.Context, prompt string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, prompt)
	if m.err != nil {
		return "", m.err
	}
	for needle, reply := range m.responses {
		if strings.Contains(prompt, needle) {
			return reply, nil
		}
	}
	return fmt.Sprintf(`{"text": %q}`, "generated content"), nil
}

// Package memory keeps a bounded sliding window of conversation turns.
package memory

import (
	"sync"

	"github.com/WessleyAI/docchat/engine/domain"
)

// DefaultMaxMessages is the number of individual turns retained when no cap is given.
const DefaultMaxMessages = 20

// Memory is a FIFO window of chat turns capped at max entries. Turns are
// counted individually, so trimming may separate a user turn from its reply.
type Memory struct {
	mu    sync.Mutex
	max   int
	turns []domain.Turn
}

// New creates a Memory that retains at most max turns. A non-positive max
// falls back to DefaultMaxMessages.
func New(max int) *Memory {
	if max <= 0 {
		max = DefaultMaxMessages
	}
	return &Memory{max: max}
}

// Max returns the configured cap.
func (m *Memory) Max() int { return m.max }

// AddUser appends a user turn.
func (m *Memory) AddUser(content string) { m.add(domain.RoleUser, content) }

// AddAssistant appends an assistant turn.
func (m *Memory) AddAssistant(content string) { m.add(domain.RoleAssistant, content) }

func (m *Memory) add(role domain.Role, content string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.turns = append(m.turns, domain.Turn{Role: role, Content: content})
	if excess := len(m.turns) - m.max; excess > 0 {
		// Copy down so the backing array does not grow without bound.
		n := copy(m.turns, m.turns[excess:])
		clear(m.turns[n:])
		m.turns = m.turns[:n]
	}
}

// History returns a snapshot of the retained turns, oldest first.
func (m *Memory) History() []domain.Turn {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Turn, len(m.turns))
	copy(out, m.turns)
	return out
}

// Clear drops every turn.
func (m *Memory) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.turns = nil
}

// Count returns the number of turns held.
func (m *Memory) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.turns)
}

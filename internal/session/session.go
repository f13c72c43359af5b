// Package session owns per-call conversation state. A Manager is the
// sole owner of the session registry: sessions are created on setup,
// driven by dispatched relay messages, and torn down exactly once on
// stop or channel failure.
package session

import (
	"sync"
	"time"

	"github.com/callforge/relay/internal/detector"
)

// State is the session lifecycle position.
type State string

const (
	StateAwaitingSetup State = "awaiting_setup"
	StateActive        State = "active"
	StateProcessing    State = "processing"
	StateClosed        State = "closed"
)

// Turn is one exchanged conversation turn.
type Turn struct {
	Role string    `json:"role"`
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// Channel delivers outbound payloads to the caller transport. Send is
// always invoked under the session lock, so implementations only need
// to tolerate serialized use.
type Channel interface {
	Send(msg any) error
}

// timerHandle wraps time.AfterFunc so teardown cancels the silence
// timer exactly once even when a close races the firing callback.
type timerHandle struct {
	t    *time.Timer
	once sync.Once
}

func afterFunc(d time.Duration, fn func()) *timerHandle {
	return &timerHandle{t: time.AfterFunc(d, fn)}
}

func (h *timerHandle) cancel() {
	if h == nil {
		return
	}
	h.once.Do(func() { h.t.Stop() })
}

// Session holds all state of one live call. Fields are mutated only
// under mu; identity fields are written once on setup.
type Session struct {
	mu sync.Mutex

	callID     string
	workflowID string
	trackingID string
	from       string
	to         string
	language   string

	state          State
	turns          []Turn
	chunks         []detector.Chunk
	lastActivity   time.Time
	silence        *timerHandle
	silencePrompts int
	active         bool

	channel Channel
}

func (s *Session) CallID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callID
}

func (s *Session) WorkflowID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.workflowID
}

func (s *Session) TrackingID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.trackingID
}

func (s *Session) Language() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.language
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

func (s *Session) TurnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.turns)
}

// RecentTurns returns up to n most recent turns in chronological order.
func (s *Session) RecentTurns(n int) []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n <= 0 || n > len(s.turns) {
		n = len(s.turns)
	}
	out := make([]Turn, n)
	copy(out, s.turns[len(s.turns)-n:])
	return out
}

// sendLocked writes one outbound message. Callers must hold s.mu and
// must have verified the session is still active.
func (s *Session) sendLocked(msg any) error {
	return s.channel.Send(msg)
}

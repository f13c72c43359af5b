package session

import (
	"context"
	"encoding/base64"
	"errors"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/callforge/relay/internal/detector"
	"github.com/callforge/relay/internal/observability"
	"github.com/callforge/relay/internal/protocol"
)

var ErrNotFound = errors.New("session not found")

// Config bounds the silence-recovery loop.
type Config struct {
	// MaxSilence is the inactivity window before a re-engagement
	// prompt fires.
	MaxSilence time.Duration
	// MaxSilencePrompts bounds consecutive unanswered prompts before
	// the call is closed. Zero means unlimited.
	MaxSilencePrompts int
	// DefaultLanguage applies when setup carries no language code.
	DefaultLanguage string
}

// Processor handles utterances on behalf of a session. Calls are made
// on fresh goroutines so Dispatch never blocks on provider latency.
type Processor interface {
	StartSession(ctx context.Context, s *Session)
	ProcessUtterance(ctx context.Context, s *Session, text string, audio []byte)
	StopSession(ctx context.Context, s *Session)
}

// Manager is the sole owner of the session registry. At most one live
// session exists per call id; a later setup for the same id supersedes
// the earlier session.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	cfg     Config
	det     *detector.Detector
	metrics *observability.Metrics

	procMu    sync.RWMutex
	processor Processor
}

func NewManager(cfg Config, det *detector.Detector, metrics *observability.Metrics) *Manager {
	if cfg.MaxSilence <= 0 {
		cfg.MaxSilence = 10 * time.Second
	}
	if cfg.DefaultLanguage == "" {
		cfg.DefaultLanguage = "en"
	}
	return &Manager{
		sessions: make(map[string]*Session),
		cfg:      cfg,
		det:      det,
		metrics:  metrics,
	}
}

// SetProcessor wires the utterance handler after construction, which
// breaks the init cycle between the manager and the orchestrator.
func (m *Manager) SetProcessor(p Processor) {
	m.procMu.Lock()
	defer m.procMu.Unlock()
	m.processor = p
}

func (m *Manager) proc() Processor {
	m.procMu.RLock()
	defer m.procMu.RUnlock()
	return m.processor
}

// Open creates a session awaiting its setup message. The session is
// not registered by call id until setup arrives.
func (m *Manager) Open(ch Channel) *Session {
	s := &Session{
		state:        StateAwaitingSetup,
		active:       true,
		channel:      ch,
		lastActivity: time.Now().UTC(),
	}
	m.metrics.SessionEvents.WithLabelValues("opened").Inc()
	return s
}

// Get returns the live session for a call id.
func (m *Manager) Get(callID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[callID]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// ActiveCount reports the number of registered live sessions.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Dispatch routes one raw relay message to its handler. It never
// blocks on provider work; utterance processing runs on its own
// goroutine. Undecodable messages are scanned for a transcript-like
// field before being dropped.
func (m *Manager) Dispatch(ctx context.Context, s *Session, raw []byte) {
	msg, err := protocol.ParseInbound(raw)
	if err != nil {
		if errors.Is(err, protocol.ErrUnsupportedKind) {
			if text, ok := protocol.ExtractTranscript(raw); ok {
				m.metrics.RelayMessages.WithLabelValues("inbound", "extracted").Inc()
				m.handlePrompt(ctx, s, text)
				return
			}
		}
		log.Printf("session %s: dropping undecodable message: %v", s.CallID(), err)
		return
	}

	if kind, ok := protocol.KindOf(msg); ok {
		m.metrics.RelayMessages.WithLabelValues("inbound", string(kind)).Inc()
	}

	switch msg := msg.(type) {
	case protocol.Setup:
		m.handleSetup(ctx, s, msg)
	case protocol.Prompt:
		m.handlePrompt(ctx, s, msg.Text)
	case protocol.DTMF:
		m.handlePrompt(ctx, s, msg.Digit)
	case protocol.Interrupt:
		m.handleInterrupt(s)
	case protocol.Media:
		m.handleMedia(ctx, s, msg)
	case protocol.ErrorMessage:
		log.Printf("session %s: relay reported error %s: %s", s.CallID(), msg.Code, msg.Detail)
		m.CloseSession(ctx, s, "relay error")
	case protocol.Stop:
		m.CloseSession(ctx, s, "stop")
	}
}

func (m *Manager) handleSetup(ctx context.Context, s *Session, msg protocol.Setup) {
	s.mu.Lock()
	if s.state != StateAwaitingSetup {
		s.mu.Unlock()
		log.Printf("session %s: duplicate setup ignored", msg.CallID)
		return
	}
	s.callID = msg.CallID
	s.workflowID = msg.WorkflowID
	s.trackingID = msg.TrackingID
	if s.trackingID == "" {
		s.trackingID = uuid.NewString()
	}
	s.from = msg.From
	s.to = msg.To
	s.language = strings.TrimSpace(msg.Language)
	if s.language == "" {
		s.language = m.cfg.DefaultLanguage
	}
	s.state = StateActive
	s.lastActivity = time.Now().UTC()

	// Register before the silence timer starts and before the ack can
	// fail: any close from here on must find the session in the
	// registry. CloseSession releases s.mu before taking m.mu, so
	// nesting m.mu here cannot deadlock.
	m.mu.Lock()
	prev := m.sessions[msg.CallID]
	m.sessions[msg.CallID] = s
	m.mu.Unlock()

	m.resetSilenceLocked(s)
	sendErr := s.sendLocked(protocol.Language{Kind: protocol.KindLanguage, Code: s.language})
	s.mu.Unlock()

	if prev != nil && prev != s {
		m.CloseSession(ctx, prev, "superseded by new setup")
	}

	m.metrics.ActiveCalls.Inc()
	m.metrics.SessionEvents.WithLabelValues("setup").Inc()
	m.metrics.RelayMessages.WithLabelValues("outbound", string(protocol.KindLanguage)).Inc()

	if sendErr != nil {
		m.CloseSession(ctx, s, "channel error")
		return
	}
	if p := m.proc(); p != nil {
		go p.StartSession(ctx, s)
	}
}

func (m *Manager) handlePrompt(ctx context.Context, s *Session, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	p := m.proc()

	s.mu.Lock()
	if s.state != StateActive {
		st := s.state
		s.mu.Unlock()
		log.Printf("session %s: prompt ignored in state %s", s.CallID(), st)
		return
	}
	m.touchLocked(s)
	s.turns = append(s.turns, Turn{Role: "user", Text: text, At: time.Now().UTC()})
	if p != nil {
		s.state = StateProcessing
	}
	s.mu.Unlock()

	if p != nil {
		go p.ProcessUtterance(ctx, s, text, nil)
	}
}

func (m *Manager) handleInterrupt(s *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed || s.state == StateAwaitingSetup {
		return
	}
	m.touchLocked(s)
	s.chunks = nil
	m.metrics.SessionEvents.WithLabelValues("interrupt").Inc()
}

func (m *Manager) handleMedia(ctx context.Context, s *Session, msg protocol.Media) {
	payload, err := base64.StdEncoding.DecodeString(msg.PayloadBase64)
	if err != nil {
		log.Printf("session %s: dropping media with bad payload: %v", s.CallID(), err)
		return
	}
	now := time.Now().UTC()
	p := m.proc()

	s.mu.Lock()
	if s.state != StateActive {
		s.mu.Unlock()
		return
	}
	m.touchLocked(s)
	s.chunks = append(s.chunks, detector.Chunk{Data: payload, Seq: msg.Seq, ReceivedAt: now})

	decision, triggered := m.det.Evaluate(s.chunks, now)
	if !triggered {
		s.mu.Unlock()
		return
	}
	s.chunks = nil

	switch decision.Outcome {
	case detector.OutcomeSpeech:
		if p == nil {
			s.mu.Unlock()
			return
		}
		s.state = StateProcessing
		s.mu.Unlock()
		m.metrics.SessionEvents.WithLabelValues("speech_detected").Inc()
		go p.ProcessUtterance(ctx, s, "", decision.Audio)

	case detector.OutcomeFallback:
		s.turns = append(s.turns, Turn{Role: "assistant", Text: decision.Utterance, At: now})
		sendErr := s.sendLocked(protocol.Text{Kind: protocol.KindText, Text: decision.Utterance})
		s.mu.Unlock()
		m.metrics.SessionEvents.WithLabelValues("detector_fallback").Inc()
		m.metrics.RelayMessages.WithLabelValues("outbound", string(protocol.KindText)).Inc()
		if sendErr != nil {
			m.CloseSession(ctx, s, "channel error")
		}
	}
}

// SendReply writes an assistant text reply and moves a processing
// session back to active. It is a logged no-op after teardown.
func (m *Manager) SendReply(ctx context.Context, s *Session, text string) bool {
	s.mu.Lock()
	if !s.active || s.state == StateClosed {
		s.mu.Unlock()
		log.Printf("session %s: reply dropped after teardown", s.CallID())
		return false
	}
	s.turns = append(s.turns, Turn{Role: "assistant", Text: text, At: time.Now().UTC()})
	if s.state == StateProcessing {
		s.state = StateActive
	}
	m.resetSilenceLocked(s)
	sendErr := s.sendLocked(protocol.Text{Kind: protocol.KindText, Text: text})
	s.mu.Unlock()

	m.metrics.RelayMessages.WithLabelValues("outbound", string(protocol.KindText)).Inc()
	if sendErr != nil {
		m.CloseSession(ctx, s, "channel error")
		return false
	}
	return true
}

// SendMediaURL writes an outbound media reference, typically a data
// URL carrying synthesized speech. No-op after teardown.
func (m *Manager) SendMediaURL(ctx context.Context, s *Session, url string) bool {
	s.mu.Lock()
	if !s.active || s.state == StateClosed {
		s.mu.Unlock()
		return false
	}
	sendErr := s.sendLocked(protocol.MediaURL{Kind: protocol.KindMediaURL, URL: url})
	s.mu.Unlock()

	m.metrics.RelayMessages.WithLabelValues("outbound", string(protocol.KindMediaURL)).Inc()
	if sendErr != nil {
		m.CloseSession(ctx, s, "channel error")
		return false
	}
	return true
}

// RecordUserTurn appends a transcribed caller turn. Used when the
// utterance arrived as audio and the text only exists post-transcription.
func (m *Manager) RecordUserTurn(s *Session, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return
	}
	s.turns = append(s.turns, Turn{Role: "user", Text: text, At: time.Now().UTC()})
}

// CloseSession tears a session down exactly once: cancels its silence
// timer, removes it from the registry, and blocks all further channel
// writes. Safe under concurrent teardown triggers.
func (m *Manager) CloseSession(ctx context.Context, s *Session, reason string) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	wasRegistered := s.state != StateAwaitingSetup
	s.state = StateClosed
	s.active = false
	s.silence.cancel()
	s.silence = nil
	s.chunks = nil
	callID := s.callID
	s.mu.Unlock()

	if callID != "" {
		m.mu.Lock()
		if cur, ok := m.sessions[callID]; ok && cur == s {
			delete(m.sessions, callID)
		}
		m.mu.Unlock()
	}
	if wasRegistered {
		m.metrics.ActiveCalls.Dec()
	}
	m.metrics.SessionEvents.WithLabelValues("closed").Inc()
	log.Printf("session %s: closed (%s)", callID, reason)

	if p := m.proc(); p != nil {
		go p.StopSession(ctx, s)
	}
}

// touchLocked registers inbound activity: it refreshes the activity
// timestamp, clears the unanswered-prompt streak, and restarts the
// silence timer. Callers must hold s.mu.
func (m *Manager) touchLocked(s *Session) {
	s.lastActivity = time.Now().UTC()
	s.silencePrompts = 0
	m.resetSilenceLocked(s)
}

func (m *Manager) resetSilenceLocked(s *Session) {
	s.silence.cancel()
	s.silence = afterFunc(m.cfg.MaxSilence, func() { m.onSilence(s) })
}

// onSilence fires when the silence timer elapses. It sends one
// contextual re-engagement prompt and restarts the timer, closing the
// call after MaxSilencePrompts consecutive unanswered prompts.
func (m *Manager) onSilence(s *Session) {
	s.mu.Lock()
	if !s.active || s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	if s.state == StateProcessing {
		// A reply is in flight; give it another full window.
		m.resetSilenceLocked(s)
		s.mu.Unlock()
		return
	}
	if time.Since(s.lastActivity) < m.cfg.MaxSilence {
		// Inbound activity raced the callback past the timer's Stop;
		// a fresh timer is already running.
		s.mu.Unlock()
		return
	}

	s.silencePrompts++
	n := s.silencePrompts
	if m.cfg.MaxSilencePrompts > 0 && n > m.cfg.MaxSilencePrompts {
		closing := detector.ClosingPrompt()
		s.turns = append(s.turns, Turn{Role: "assistant", Text: closing, At: time.Now().UTC()})
		_ = s.sendLocked(protocol.Text{Kind: protocol.KindText, Text: closing})
		s.mu.Unlock()
		m.metrics.RelayMessages.WithLabelValues("outbound", string(protocol.KindText)).Inc()
		m.metrics.SessionEvents.WithLabelValues("silence_gave_up").Inc()
		m.CloseSession(context.Background(), s, "silence limit reached")
		return
	}

	prompt := detector.ReengagementPrompt(len(s.turns), n)
	s.turns = append(s.turns, Turn{Role: "assistant", Text: prompt, At: time.Now().UTC()})
	sendErr := s.sendLocked(protocol.Text{Kind: protocol.KindText, Text: prompt})
	m.resetSilenceLocked(s)
	s.mu.Unlock()

	m.metrics.SilencePrompts.Inc()
	m.metrics.SessionEvents.WithLabelValues("silence_prompt").Inc()
	m.metrics.RelayMessages.WithLabelValues("outbound", string(protocol.KindText)).Inc()
	if sendErr != nil {
		m.CloseSession(context.Background(), s, "channel error")
	}
}

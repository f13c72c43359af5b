package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/callforge/relay/internal/detector"
	"github.com/callforge/relay/internal/observability"
	"github.com/callforge/relay/internal/protocol"
)

type channelStub struct {
	mu   sync.Mutex
	msgs []any
	err  error
}

func (c *channelStub) Send(msg any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.msgs = append(c.msgs, msg)
	return nil
}

func (c *channelStub) sent() []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]any, len(c.msgs))
	copy(out, c.msgs)
	return out
}

func (c *channelStub) textMessages() []string {
	var out []string
	for _, msg := range c.sent() {
		if t, ok := msg.(protocol.Text); ok {
			out = append(out, t.Text)
		}
	}
	return out
}

type processorStub struct {
	start   func(*Session)
	process func(*Session, string, []byte)
	stop    func(*Session)
}

func (p *processorStub) StartSession(_ context.Context, s *Session) {
	if p.start != nil {
		p.start(s)
	}
}

func (p *processorStub) ProcessUtterance(_ context.Context, s *Session, text string, audio []byte) {
	if p.process != nil {
		p.process(s, text, audio)
	}
}

func (p *processorStub) StopSession(_ context.Context, s *Session) {
	if p.stop != nil {
		p.stop(s)
	}
}

func testMetrics(t *testing.T) *observability.Metrics {
	t.Helper()
	return observability.NewMetrics(fmt.Sprintf("relay_test_session_%d", time.Now().UnixNano()))
}

func newTestManager(t *testing.T, cfg Config) *Manager {
	t.Helper()
	return NewManager(cfg, detector.New(detector.DefaultConfig()), testMetrics(t))
}

func setupJSON(t *testing.T, callID string) []byte {
	t.Helper()
	raw, err := json.Marshal(protocol.Setup{Kind: protocol.KindSetup, CallID: callID, WorkflowID: "wf-1", Language: "en"})
	if err != nil {
		t.Fatalf("marshal setup: %v", err)
	}
	return raw
}

func promptJSON(t *testing.T, text string) []byte {
	t.Helper()
	raw, err := json.Marshal(protocol.Prompt{Kind: protocol.KindPrompt, Text: text})
	if err != nil {
		t.Fatalf("marshal prompt: %v", err)
	}
	return raw
}

func TestSetupActivatesSessionAndAcksLanguage(t *testing.T) {
	m := newTestManager(t, Config{MaxSilence: time.Minute})
	ch := &channelStub{}
	s := m.Open(ch)

	m.Dispatch(context.Background(), s, setupJSON(t, "call-1"))

	if got := s.State(); got != StateActive {
		t.Fatalf("state = %s, want active", got)
	}
	if s.CallID() != "call-1" || s.WorkflowID() != "wf-1" {
		t.Fatalf("identity not recorded: %q %q", s.CallID(), s.WorkflowID())
	}
	if s.TrackingID() == "" {
		t.Fatal("tracking id was not generated")
	}

	got, err := m.Get("call-1")
	if err != nil || got != s {
		t.Fatalf("registry lookup failed: %v", err)
	}

	sent := ch.sent()
	if len(sent) != 1 {
		t.Fatalf("sent %d messages, want the language ack", len(sent))
	}
	ack, ok := sent[0].(protocol.Language)
	if !ok || ack.Code != "en" {
		t.Fatalf("first outbound message = %+v, want language ack", sent[0])
	}
}

func TestPromptMovesToProcessingAndReplyReturnsToActive(t *testing.T) {
	m := newTestManager(t, Config{MaxSilence: time.Minute})
	got := make(chan string, 1)
	m.SetProcessor(&processorStub{
		process: func(_ *Session, text string, _ []byte) { got <- text },
	})
	ch := &channelStub{}
	s := m.Open(ch)
	m.Dispatch(context.Background(), s, setupJSON(t, "call-1"))

	m.Dispatch(context.Background(), s, promptJSON(t, "what are your hours"))

	select {
	case text := <-got:
		if text != "what are your hours" {
			t.Fatalf("processor got %q", text)
		}
	case <-time.After(time.Second):
		t.Fatal("processor was never invoked")
	}
	if s.State() != StateProcessing {
		t.Fatalf("state = %s, want processing", s.State())
	}

	if !m.SendReply(context.Background(), s, "we open at nine") {
		t.Fatal("SendReply returned false for a live session")
	}
	if s.State() != StateActive {
		t.Fatalf("state after reply = %s, want active", s.State())
	}

	turns := s.RecentTurns(0)
	if len(turns) != 2 || turns[0].Role != "user" || turns[1].Role != "assistant" {
		t.Fatalf("turn history wrong: %+v", turns)
	}
}

func TestSendReplyAfterStopWritesNothing(t *testing.T) {
	m := newTestManager(t, Config{MaxSilence: time.Minute})
	ch := &channelStub{}
	s := m.Open(ch)
	m.Dispatch(context.Background(), s, setupJSON(t, "call-1"))

	stopRaw, _ := json.Marshal(protocol.Stop{Kind: protocol.KindStop})
	m.Dispatch(context.Background(), s, stopRaw)
	if s.State() != StateClosed {
		t.Fatalf("state = %s, want closed", s.State())
	}
	before := len(ch.sent())

	if m.SendReply(context.Background(), s, "too late") {
		t.Fatal("SendReply reported success after teardown")
	}
	if after := len(ch.sent()); after != before {
		t.Fatalf("channel writes after stop: %d -> %d", before, after)
	}

	if _, err := m.Get("call-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("session still registered after stop: %v", err)
	}
}

func TestSilencePromptFiresAndTimerRestarts(t *testing.T) {
	m := newTestManager(t, Config{MaxSilence: 100 * time.Millisecond})
	ch := &channelStub{}
	s := m.Open(ch)
	m.Dispatch(context.Background(), s, setupJSON(t, "call-1"))

	time.Sleep(150 * time.Millisecond)
	if got := len(ch.textMessages()); got != 1 {
		t.Fatalf("re-engagement prompts after one window = %d, want exactly 1", got)
	}

	// The timer restarted, so a second window produces a second prompt.
	time.Sleep(150 * time.Millisecond)
	if got := len(ch.textMessages()); got < 2 {
		t.Fatalf("re-engagement prompts after two windows = %d, want at least 2", got)
	}
}

func TestSilenceRecoveryBoundedThenCloses(t *testing.T) {
	m := newTestManager(t, Config{MaxSilence: 50 * time.Millisecond, MaxSilencePrompts: 1})
	ch := &channelStub{}
	s := m.Open(ch)
	m.Dispatch(context.Background(), s, setupJSON(t, "call-1"))

	deadline := time.Now().Add(2 * time.Second)
	for s.State() != StateClosed {
		if time.Now().After(deadline) {
			t.Fatal("session never closed after exceeding the silence prompt bound")
		}
		time.Sleep(10 * time.Millisecond)
	}

	texts := ch.textMessages()
	if len(texts) != 2 {
		t.Fatalf("outbound texts = %v, want one prompt plus the closing line", texts)
	}
	if texts[1] != detector.ClosingPrompt() {
		t.Fatalf("last message = %q, want closing prompt", texts[1])
	}
	if _, err := m.Get("call-1"); !errors.Is(err, ErrNotFound) {
		t.Fatal("closed session still registered")
	}
}

func TestInboundActivityResetsSilenceStreak(t *testing.T) {
	m := newTestManager(t, Config{MaxSilence: 80 * time.Millisecond, MaxSilencePrompts: 1})
	ch := &channelStub{}
	s := m.Open(ch)
	m.Dispatch(context.Background(), s, setupJSON(t, "call-1"))

	time.Sleep(120 * time.Millisecond)
	if got := len(ch.textMessages()); got != 1 {
		t.Fatalf("prompts before activity = %d, want 1", got)
	}

	// A prompt resets the streak, so the next silence window prompts
	// again instead of closing.
	m.Dispatch(context.Background(), s, promptJSON(t, "still here"))
	m.SendReply(context.Background(), s, "glad to hear it")

	time.Sleep(120 * time.Millisecond)
	if s.State() == StateClosed {
		t.Fatal("session closed although activity reset the prompt streak")
	}
}

type hookChannel struct {
	send func(msg any) error
}

func (c *hookChannel) Send(msg any) error { return c.send(msg) }

func TestSetupRegistersSessionBeforeAck(t *testing.T) {
	m := newTestManager(t, Config{MaxSilence: time.Minute})
	registered := make(chan error, 1)
	ch := &hookChannel{send: func(any) error {
		_, err := m.Get("call-1")
		registered <- err
		return nil
	}}
	s := m.Open(ch)

	m.Dispatch(context.Background(), s, setupJSON(t, "call-1"))

	select {
	case err := <-registered:
		if err != nil {
			t.Fatalf("session not in the registry when the ack went out: %v", err)
		}
	default:
		t.Fatal("language ack was never sent")
	}
	if m.ActiveCount() != 1 {
		t.Fatalf("active count = %d, want 1", m.ActiveCount())
	}
}

func TestStaleSilenceCallbackAfterActivityIsIgnored(t *testing.T) {
	m := newTestManager(t, Config{MaxSilence: 10 * time.Second})
	ch := &channelStub{}
	s := m.Open(ch)
	m.Dispatch(context.Background(), s, setupJSON(t, "call-1"))
	before := len(ch.textMessages())

	// A callback that outlived its timer's Stop still runs; recent
	// activity must keep it from prompting.
	m.onSilence(s)

	if got := len(ch.textMessages()); got != before {
		t.Fatalf("outbound texts = %d, want %d", got, before)
	}
	s.mu.Lock()
	prompts := s.silencePrompts
	s.mu.Unlock()
	if prompts != 0 {
		t.Fatalf("silencePrompts = %d, want 0", prompts)
	}
}

func TestDuplicateSetupSupersedesPreviousSession(t *testing.T) {
	m := newTestManager(t, Config{MaxSilence: time.Minute})
	ch1 := &channelStub{}
	s1 := m.Open(ch1)
	m.Dispatch(context.Background(), s1, setupJSON(t, "call-1"))

	ch2 := &channelStub{}
	s2 := m.Open(ch2)
	m.Dispatch(context.Background(), s2, setupJSON(t, "call-1"))

	if s1.State() != StateClosed {
		t.Fatalf("first session state = %s, want closed", s1.State())
	}
	got, err := m.Get("call-1")
	if err != nil || got != s2 {
		t.Fatal("registry does not point at the superseding session")
	}
	if m.ActiveCount() != 1 {
		t.Fatalf("active count = %d, want 1", m.ActiveCount())
	}
}

func TestMediaChunksTriggerSpeechDetection(t *testing.T) {
	det := detector.New(detector.Config{
		MinBytes:      8,
		MinSpan:       time.Nanosecond,
		MinChunks:     2,
		FallbackAfter: time.Minute,
	})
	m := NewManager(Config{MaxSilence: time.Minute}, det, testMetrics(t))

	gotAudio := make(chan []byte, 1)
	m.SetProcessor(&processorStub{
		process: func(_ *Session, text string, audio []byte) {
			if text == "" {
				gotAudio <- audio
			}
		},
	})
	ch := &channelStub{}
	s := m.Open(ch)
	m.Dispatch(context.Background(), s, setupJSON(t, "call-1"))

	for seq := 1; seq <= 2; seq++ {
		raw, _ := json.Marshal(protocol.Media{
			Kind:          protocol.KindMedia,
			Seq:           seq,
			PayloadBase64: base64.StdEncoding.EncodeToString([]byte("chunk")),
		})
		m.Dispatch(context.Background(), s, raw)
		time.Sleep(2 * time.Millisecond)
	}

	select {
	case audio := <-gotAudio:
		if string(audio) != "chunkchunk" {
			t.Fatalf("audio = %q, want concatenated chunks", audio)
		}
	case <-time.After(time.Second):
		t.Fatal("speech detection never triggered")
	}

	s.mu.Lock()
	buffered := len(s.chunks)
	s.mu.Unlock()
	if buffered != 0 {
		t.Fatalf("chunk buffer not cleared after trigger: %d left", buffered)
	}
}

func TestStalledMediaSendsFallbackUtterance(t *testing.T) {
	det := detector.New(detector.Config{
		MinBytes:      1 << 20,
		MinSpan:       time.Minute,
		MinChunks:     100,
		FallbackAfter: time.Millisecond,
	})
	m := NewManager(Config{MaxSilence: time.Minute}, det, testMetrics(t))
	processed := make(chan struct{}, 1)
	m.SetProcessor(&processorStub{
		process: func(*Session, string, []byte) { processed <- struct{}{} },
	})
	ch := &channelStub{}
	s := m.Open(ch)
	m.Dispatch(context.Background(), s, setupJSON(t, "call-1"))

	for seq := 1; seq <= 2; seq++ {
		raw, _ := json.Marshal(protocol.Media{
			Kind:          protocol.KindMedia,
			Seq:           seq,
			PayloadBase64: base64.StdEncoding.EncodeToString([]byte{0}),
		})
		m.Dispatch(context.Background(), s, raw)
		time.Sleep(5 * time.Millisecond)
	}

	if texts := ch.textMessages(); len(texts) != 1 {
		t.Fatalf("fallback texts = %v, want exactly one canned utterance", texts)
	}
	select {
	case <-processed:
		t.Fatal("fallback must not reach the utterance processor")
	default:
	}
	if s.State() != StateActive {
		t.Fatalf("state = %s, want active after fallback", s.State())
	}
}

func TestUnrecognizedMessageFallsBackToTranscript(t *testing.T) {
	m := newTestManager(t, Config{MaxSilence: time.Minute})
	got := make(chan string, 1)
	m.SetProcessor(&processorStub{
		process: func(_ *Session, text string, _ []byte) { got <- text },
	})
	ch := &channelStub{}
	s := m.Open(ch)
	m.Dispatch(context.Background(), s, setupJSON(t, "call-1"))

	m.Dispatch(context.Background(), s, []byte(`{"kind":"vendor_custom","transcript":"read me anyway"}`))

	select {
	case text := <-got:
		if text != "read me anyway" {
			t.Fatalf("extracted transcript = %q", text)
		}
	case <-time.After(time.Second):
		t.Fatal("transcript extraction never reached the processor")
	}

	// Completely unusable shapes are dropped without state changes.
	m.Dispatch(context.Background(), s, []byte(`{"kind":"vendor_custom","blob":42}`))
	if s.State() == StateClosed {
		t.Fatal("unusable message must not close the session")
	}
}

func TestConcurrentTeardownRunsExactlyOnce(t *testing.T) {
	m := newTestManager(t, Config{MaxSilence: time.Minute})
	var stops int32
	stopped := make(chan struct{}, 8)
	m.SetProcessor(&processorStub{
		stop: func(*Session) {
			atomic.AddInt32(&stops, 1)
			stopped <- struct{}{}
		},
	})
	ch := &channelStub{}
	s := m.Open(ch)
	m.Dispatch(context.Background(), s, setupJSON(t, "call-1"))

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.CloseSession(context.Background(), s, "forced")
		}()
	}
	wg.Wait()

	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("stop hook never ran")
	}
	time.Sleep(20 * time.Millisecond)
	if got := atomic.LoadInt32(&stops); got != 1 {
		t.Fatalf("stop hook ran %d times, want exactly once", got)
	}
	if _, err := m.Get("call-1"); !errors.Is(err, ErrNotFound) {
		t.Fatal("session still registered after teardown")
	}
}

func TestInterruptClearsBufferedChunks(t *testing.T) {
	det := detector.New(detector.Config{
		MinBytes:      1 << 20,
		MinSpan:       time.Minute,
		MinChunks:     100,
		FallbackAfter: time.Minute,
	})
	m := NewManager(Config{MaxSilence: time.Minute}, det, testMetrics(t))
	ch := &channelStub{}
	s := m.Open(ch)
	m.Dispatch(context.Background(), s, setupJSON(t, "call-1"))

	raw, _ := json.Marshal(protocol.Media{
		Kind:          protocol.KindMedia,
		Seq:           1,
		PayloadBase64: base64.StdEncoding.EncodeToString([]byte("partial")),
	})
	m.Dispatch(context.Background(), s, raw)

	interrupt, _ := json.Marshal(protocol.Interrupt{Kind: protocol.KindInterrupt})
	m.Dispatch(context.Background(), s, interrupt)

	s.mu.Lock()
	buffered := len(s.chunks)
	s.mu.Unlock()
	if buffered != 0 {
		t.Fatalf("chunks after interrupt = %d, want 0", buffered)
	}
}

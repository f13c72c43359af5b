package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/callforge/relay/internal/cache"
	"github.com/callforge/relay/internal/calllog"
	"github.com/callforge/relay/internal/detector"
	"github.com/callforge/relay/internal/failover"
	"github.com/callforge/relay/internal/observability"
	"github.com/callforge/relay/internal/protocol"
	"github.com/callforge/relay/internal/provider"
	"github.com/callforge/relay/internal/session"
	"github.com/callforge/relay/internal/workflow"
)

type channelStub struct {
	mu   sync.Mutex
	msgs []any
}

func (c *channelStub) Send(msg any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
	return nil
}

func (c *channelStub) texts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, msg := range c.msgs {
		if t, ok := msg.(protocol.Text); ok {
			out = append(out, t.Text)
		}
	}
	return out
}

func (c *channelStub) mediaURLs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, msg := range c.msgs {
		if m, ok := msg.(protocol.MediaURL); ok {
			out = append(out, m.URL)
		}
	}
	return out
}

type countingLLM struct {
	inner provider.LLM
	calls int32
}

func (c *countingLLM) Complete(ctx context.Context, turns []provider.Turn) (string, error) {
	atomic.AddInt32(&c.calls, 1)
	return c.inner.Complete(ctx, turns)
}

type failingLLM struct{}

func (failingLLM) Complete(context.Context, []provider.Turn) (string, error) {
	return "", errors.New("model endpoint unreachable")
}

type rig struct {
	orch     *Orchestrator
	sessions *session.Manager
	cache    *cache.Cache
	window   *observability.ConversationWindow
	store    *calllog.InMemoryStore
	llm      *countingLLM
}

func mockChain(kind failover.OperationKind) failover.Plan {
	budget := failover.ProviderBudget{ID: "mock", MaxLatency: 500 * time.Millisecond}
	return failover.Plan{Language: "en", Kind: kind, Chain: [3]failover.ProviderBudget{budget}}
}

func newTestRig(t *testing.T, llm provider.LLM) *rig {
	t.Helper()
	metrics := observability.NewMetrics(fmt.Sprintf("relay_test_orch_%d", time.Now().UnixNano()))
	window := observability.NewConversationWindow(32, observability.Thresholds{})
	sessions := session.NewManager(session.Config{MaxSilence: time.Minute}, detector.New(detector.DefaultConfig()), metrics)

	opt := failover.New(failover.Config{})
	opt.SetPlan(mockChain(failover.KindCompletion))
	opt.SetPlan(mockChain(failover.KindSynthesis))
	opt.SetPlan(mockChain(failover.KindTranscription))

	registry := provider.NewRegistry()
	counting := &countingLLM{inner: llm}
	registry.RegisterLLM("mock", counting)
	registry.RegisterSpeech("mock", provider.NewMockSpeech())

	workflows := workflow.NewStaticLoader(workflow.Definition{SystemPrompt: "You are a phone assistant."})
	store := calllog.NewInMemoryStore()

	r := &rig{
		sessions: sessions,
		cache:    cache.New(cache.Config{}, nil),
		window:   window,
		store:    store,
		llm:      counting,
	}
	r.orch = New(Config{}, Deps{
		Sessions:  sessions,
		Cache:     r.cache,
		Optimizer: opt,
		Providers: registry,
		Workflows: workflows,
		CallLog:   store,
		Metrics:   metrics,
		Window:    window,
	})
	sessions.SetProcessor(r.orch)
	return r
}

func openCall(t *testing.T, r *rig, callID string) (*session.Session, *channelStub) {
	t.Helper()
	ch := &channelStub{}
	s := r.sessions.Open(ch)
	raw, _ := json.Marshal(protocol.Setup{Kind: protocol.KindSetup, CallID: callID, WorkflowID: "wf-1", Language: "en"})
	r.sessions.Dispatch(context.Background(), s, raw)
	return s, ch
}

func sendPrompt(t *testing.T, r *rig, s *session.Session, text string) {
	t.Helper()
	raw, _ := json.Marshal(protocol.Prompt{Kind: protocol.KindPrompt, Text: text})
	r.sessions.Dispatch(context.Background(), s, raw)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func countOf(texts []string, want string) int {
	n := 0
	for _, text := range texts {
		if text == want {
			n++
		}
	}
	return n
}

func TestProcessUtteranceGeneratesReplyWithSpokenForm(t *testing.T) {
	r := newTestRig(t, provider.NewMockLLM())
	s, ch := openCall(t, r, "call-1")

	sendPrompt(t, r, s, "hello there")

	want := "I heard you say: hello there"
	waitFor(t, "generated reply", func() bool {
		return countOf(ch.texts(), want) == 1
	})
	waitFor(t, "spoken form", func() bool {
		urls := ch.mediaURLs()
		return len(urls) == 1 && strings.HasPrefix(urls[0], "data:audio/wav;base64,")
	})

	if got := s.State(); got != session.StateActive {
		t.Fatalf("state after reply = %s, want active", got)
	}
	if r.cache.Len() != 1 {
		t.Fatalf("cache entries = %d, want the stored exchange", r.cache.Len())
	}

	waitFor(t, "call log turns", func() bool {
		turns, _ := r.store.RecentTurns(context.Background(), "call-1", 10)
		return len(turns) >= 3
	})
	turns, _ := r.store.RecentTurns(context.Background(), "call-1", 10)
	last := turns[len(turns)-1]
	if last.Role != "assistant" || last.Content != want {
		t.Fatalf("last logged turn = %+v", last)
	}
}

func TestRepeatUtteranceServedFromCache(t *testing.T) {
	r := newTestRig(t, provider.NewMockLLM())
	s, ch := openCall(t, r, "call-1")

	want := "I heard you say: hello there"
	sendPrompt(t, r, s, "hello there")
	waitFor(t, "first reply", func() bool { return countOf(ch.texts(), want) == 1 })

	sendPrompt(t, r, s, "hello there")
	waitFor(t, "second reply", func() bool { return countOf(ch.texts(), want) == 2 })

	if calls := atomic.LoadInt32(&r.llm.calls); calls != 1 {
		t.Fatalf("language model called %d times, want 1 (second reply from cache)", calls)
	}
	if snap := r.window.Snapshot(); snap.CacheHitRate <= 0 {
		t.Fatalf("cache hit rate = %v, want > 0", snap.CacheHitRate)
	}
}

func TestCompletionFailureDegradesToSpokenApology(t *testing.T) {
	r := newTestRig(t, failingLLM{})
	s, ch := openCall(t, r, "call-1")

	sendPrompt(t, r, s, "anyone there")

	waitFor(t, "apology", func() bool {
		return countOf(ch.texts(), apologyUtterance) == 1
	})
	if got := s.State(); got != session.StateActive {
		t.Fatalf("state = %s, want active (failures never end the call)", got)
	}
	if snap := r.window.Snapshot(); snap.ErrorRate <= 0 {
		t.Fatalf("error rate = %v, want > 0", snap.ErrorRate)
	}
}

func TestMissingPlanIsSpokenConfigurationFailure(t *testing.T) {
	r := newTestRig(t, provider.NewMockLLM())
	// Replace the optimizer with one that has no chains configured.
	r.orch.deps.Optimizer = failover.New(failover.Config{})
	s, ch := openCall(t, r, "call-1")

	sendPrompt(t, r, s, "hello")

	waitFor(t, "apology", func() bool {
		return countOf(ch.texts(), apologyUtterance) == 1
	})
	if got := s.State(); got != session.StateActive {
		t.Fatalf("state = %s, want active", got)
	}
}

func TestAudioUtteranceTranscribedBeforeCompletion(t *testing.T) {
	r := newTestRig(t, provider.NewMockLLM())
	s, ch := openCall(t, r, "call-1")

	r.orch.ProcessUtterance(context.Background(), s, "", []byte{1, 2, 3, 4})

	want := "I heard you say: simulated caller speech"
	if countOf(ch.texts(), want) != 1 {
		t.Fatalf("texts = %v, want transcribed echo", ch.texts())
	}

	var sawUser bool
	for _, turn := range s.RecentTurns(0) {
		if turn.Role == "user" && turn.Text == "simulated caller speech" {
			sawUser = true
		}
	}
	if !sawUser {
		t.Fatal("transcribed utterance was not recorded as a user turn")
	}
}

func TestStartSessionUsesWorkflowOpeningPrompt(t *testing.T) {
	r := newTestRig(t, provider.NewMockLLM())
	loader := workflow.NewStaticLoader(workflow.Definition{SystemPrompt: "assist"})
	loader.Register(workflow.Definition{
		ID:          "wf-1",
		Name:        "dental intake",
		NodePrompts: []string{"Welcome to Acme Dental. How can I help?"},
	})
	r.orch.deps.Workflows = loader

	_, ch := openCall(t, r, "call-1")

	waitFor(t, "workflow greeting", func() bool {
		return countOf(ch.texts(), "Welcome to Acme Dental. How can I help?") == 1
	})
}

// Package orchestrator ties the conversation pipeline together: cache
// first, then the language model through the failover optimizer, then
// speech synthesis, with the reply emitted back through the session
// manager. It also aggregates rolling latency and error health.
package orchestrator

import (
	"context"
	"encoding/base64"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/callforge/relay/internal/audio"
	"github.com/callforge/relay/internal/cache"
	"github.com/callforge/relay/internal/calllog"
	"github.com/callforge/relay/internal/failover"
	"github.com/callforge/relay/internal/observability"
	"github.com/callforge/relay/internal/policy"
	"github.com/callforge/relay/internal/provider"
	"github.com/callforge/relay/internal/session"
	"github.com/callforge/relay/internal/workflow"
)

// Config tunes the processing pipeline.
type Config struct {
	// ContextTurnLimit bounds how many recent turns are sent to the
	// language model.
	ContextTurnLimit int
	// ReplyConfidence is the minimum cache prediction confidence that
	// short-circuits the external call.
	ReplyConfidence float64
	// StoreConfidence is assigned to freshly generated responses.
	StoreConfidence float64
	// DefaultVoiceID selects the synthesis voice.
	DefaultVoiceID string
}

// Deps are the collaborating components, all constructed at startup.
type Deps struct {
	Sessions  *session.Manager
	Cache     *cache.Cache
	Optimizer *failover.Optimizer
	Providers *provider.Registry
	Workflows workflow.Loader
	CallLog   calllog.Store
	Metrics   *observability.Metrics
	Window    *observability.ConversationWindow
}

type Orchestrator struct {
	cfg  Config
	deps Deps
}

func New(cfg Config, deps Deps) *Orchestrator {
	if cfg.ContextTurnLimit <= 0 {
		cfg.ContextTurnLimit = 6
	}
	if cfg.ReplyConfidence <= 0 {
		cfg.ReplyConfidence = 0.8
	}
	if cfg.StoreConfidence <= 0 {
		cfg.StoreConfidence = 0.9
	}
	if cfg.DefaultVoiceID == "" {
		cfg.DefaultVoiceID = "neutral"
	}
	return &Orchestrator{cfg: cfg, deps: deps}
}

// Window exposes the rolling health window for the perf endpoint.
func (o *Orchestrator) Window() *observability.ConversationWindow {
	return o.deps.Window
}

const apologyUtterance = "I'm sorry, I'm having trouble on my end. Could you say that again?"

// StartSession greets the caller with the workflow's opening prompt.
func (o *Orchestrator) StartSession(ctx context.Context, s *session.Session) {
	greeting := "Hello! How can I help you today?"
	def, err := o.deps.Workflows.Load(s.WorkflowID())
	if err == nil && len(def.NodePrompts) > 0 {
		if open := strings.TrimSpace(def.NodePrompts[0]); open != "" {
			greeting = open
		}
	}
	o.deps.Sessions.SendReply(ctx, s, greeting)
	o.persistTurn(s, "assistant", greeting)
}

// ProcessUtterance handles one caller utterance end to end. Failures
// degrade to a spoken apology; the session always keeps going.
func (o *Orchestrator) ProcessUtterance(ctx context.Context, s *session.Session, text string, utteranceAudio []byte) {
	start := time.Now()
	lang := s.Language()

	if strings.TrimSpace(text) == "" && len(utteranceAudio) > 0 {
		transcript, err := o.transcribe(ctx, lang, utteranceAudio)
		if err != nil || strings.TrimSpace(transcript) == "" {
			log.Printf("orchestrator: call %s transcription failed: %v", s.CallID(), err)
			o.failUtterance(ctx, s)
			return
		}
		text = transcript
		o.deps.Sessions.RecordUserTurn(s, text)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		o.failUtterance(ctx, s)
		return
	}

	cctx := o.cacheContext(s, text)

	if pred, ok := o.deps.Cache.Predict(ctx, text, cctx); ok && pred.Confidence > o.cfg.ReplyConfidence {
		o.deps.Window.RecordCacheHit()
		o.deps.Metrics.CacheLookups.WithLabelValues(string(pred.Source), "hit").Inc()
		o.reply(ctx, s, pred.Response, pred.Audio)
		o.observe(start)
		o.persistExchange(s, text, pred.Response)
		return
	}
	o.deps.Window.RecordCacheMiss()
	o.deps.Metrics.CacheLookups.WithLabelValues("all", "miss").Inc()

	response, err := o.complete(ctx, s, lang, text)
	if err != nil {
		if errors.Is(err, failover.ErrNoPlan) || errors.Is(err, provider.ErrUnknownProvider) {
			log.Printf("orchestrator: call %s misconfigured completion chain: %v", s.CallID(), err)
		} else {
			log.Printf("orchestrator: call %s completion failed: %v", s.CallID(), err)
		}
		o.failUtterance(ctx, s)
		return
	}

	spoken := o.synthesize(ctx, lang, response)
	elapsed := time.Since(start)
	o.deps.Cache.Store(ctx, text, response, spoken, cctx, o.cfg.StoreConfidence, elapsed)
	o.deps.Metrics.CacheEntries.Set(float64(o.deps.Cache.Len()))

	o.reply(ctx, s, response, spoken)
	o.observe(start)
	o.persistExchange(s, text, response)
}

// StopSession runs after teardown. The session is already closed, so
// this only records the ending.
func (o *Orchestrator) StopSession(_ context.Context, s *session.Session) {
	log.Printf("orchestrator: call %s ended after %d turns", s.CallID(), s.TurnCount())
}

func (o *Orchestrator) observe(start time.Time) {
	elapsed := time.Since(start)
	o.deps.Window.ObserveLatency(elapsed)
	o.deps.Metrics.ObserveUtteranceLatency(elapsed)
}

// failUtterance degrades to the spoken apology without ending the call.
func (o *Orchestrator) failUtterance(ctx context.Context, s *session.Session) {
	o.deps.Window.RecordError()
	o.deps.Sessions.SendReply(ctx, s, apologyUtterance)
}

func (o *Orchestrator) reply(ctx context.Context, s *session.Session, text string, spoken []byte) {
	if !o.deps.Sessions.SendReply(ctx, s, text) {
		return
	}
	if len(spoken) > 0 {
		wav := audio.EncodeWAV(spoken, 0)
		url := "data:audio/wav;base64," + base64.StdEncoding.EncodeToString(wav)
		o.deps.Sessions.SendMediaURL(ctx, s, url)
	}
}

// cacheContext builds the lookup context from the turns preceding the
// current input. The trailing user turn is the input itself once it
// has been recorded, so it is excluded to keep store and predict keys
// aligned.
func (o *Orchestrator) cacheContext(s *session.Session, input string) cache.Context {
	turns := s.RecentTurns(o.cfg.ContextTurnLimit)
	if n := len(turns); n > 0 && turns[n-1].Role == "user" && turns[n-1].Text == input {
		turns = turns[:n-1]
	}
	recent := make([]string, 0, len(turns))
	for _, t := range turns {
		recent = append(recent, t.Text)
	}
	return cache.Context{Language: s.Language(), RecentTurns: recent}
}

func (o *Orchestrator) complete(ctx context.Context, s *session.Session, lang, input string) (string, error) {
	turns := o.modelContext(s, input)
	out, err := o.deps.Optimizer.Execute(ctx, lang, failover.KindCompletion, func(ctx context.Context, providerID string) (failover.Result, error) {
		llm, err := o.deps.Providers.LLM(providerID)
		if err != nil {
			return failover.Result{}, err
		}
		text, err := llm.Complete(ctx, turns)
		if err != nil {
			return failover.Result{}, err
		}
		return failover.Result{Text: text}, nil
	})
	if err != nil {
		return "", err
	}
	return out.Result.Text, nil
}

// modelContext assembles the bounded turn list for the language model:
// the workflow's system context followed by the most recent turns,
// ending with the current input.
func (o *Orchestrator) modelContext(s *session.Session, input string) []provider.Turn {
	var turns []provider.Turn
	if def, err := o.deps.Workflows.Load(s.WorkflowID()); err == nil {
		if prompt := def.ContextPrompt(); prompt != "" {
			turns = append(turns, provider.Turn{Role: provider.RoleSystem, Content: prompt})
		}
	}

	recent := s.RecentTurns(o.cfg.ContextTurnLimit)
	sawInput := false
	for _, t := range recent {
		role := provider.RoleUser
		if t.Role == "assistant" {
			role = provider.RoleAssistant
		}
		if role == provider.RoleUser && t.Text == input {
			sawInput = true
		}
		turns = append(turns, provider.Turn{Role: role, Content: t.Text})
	}
	if !sawInput {
		turns = append(turns, provider.Turn{Role: provider.RoleUser, Content: input})
	}
	return turns
}

// synthesize is best-effort: a call without audio still has its text
// reply, so synthesis failures only cost the spoken form.
func (o *Orchestrator) synthesize(ctx context.Context, lang, text string) []byte {
	out, err := o.deps.Optimizer.Execute(ctx, lang, failover.KindSynthesis, func(ctx context.Context, providerID string) (failover.Result, error) {
		speech, err := o.deps.Providers.Speech(providerID)
		if err != nil {
			return failover.Result{}, err
		}
		syn, err := speech.Synthesize(ctx, text, lang, o.cfg.DefaultVoiceID)
		if err != nil {
			return failover.Result{}, err
		}
		return failover.Result{Audio: syn.Audio, Quality: syn.Quality}, nil
	})
	if err != nil {
		log.Printf("orchestrator: synthesis unavailable: %v", err)
		return nil
	}
	return out.Result.Audio
}

func (o *Orchestrator) transcribe(ctx context.Context, lang string, utteranceAudio []byte) (string, error) {
	out, err := o.deps.Optimizer.Execute(ctx, lang, failover.KindTranscription, func(ctx context.Context, providerID string) (failover.Result, error) {
		speech, err := o.deps.Providers.Speech(providerID)
		if err != nil {
			return failover.Result{}, err
		}
		tr, err := speech.Transcribe(ctx, utteranceAudio, lang)
		if err != nil {
			return failover.Result{}, err
		}
		return failover.Result{Text: tr.Text, Confidence: tr.Confidence}, nil
	})
	if err != nil {
		return "", err
	}
	return out.Result.Text, nil
}

func (o *Orchestrator) persistExchange(s *session.Session, input, response string) {
	o.persistTurn(s, "user", input)
	o.persistTurn(s, "assistant", response)
}

// persistTurn writes to the call log off the hot path; a live call
// never waits on storage.
func (o *Orchestrator) persistTurn(s *session.Session, role, content string) {
	store := o.deps.CallLog
	if store == nil {
		return
	}
	scrubbed, _ := policy.RedactPII(content)
	record := calllog.Record{
		CallID:     s.CallID(),
		WorkflowID: s.WorkflowID(),
		Role:       role,
		Content:    scrubbed,
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := store.SaveTurn(ctx, record); err != nil {
			log.Printf("orchestrator: call log write failed: %v", err)
		}
	}()
}

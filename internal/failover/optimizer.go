// Package failover selects providers per language and races each call
// against the provider's latency budget, advancing down a fixed chain
// of three until one settles successfully.
package failover

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

// OperationKind names the capability a plan covers.
type OperationKind string

const (
	KindCompletion    OperationKind = "completion"
	KindSynthesis     OperationKind = "synthesis"
	KindTranscription OperationKind = "transcription"
)

// ProviderBudget describes one link of a failover chain.
type ProviderBudget struct {
	ID         string
	MaxLatency time.Duration
	MinQuality float64
}

// Plan is an ordered chain of exactly three provider budgets for one
// (language, operation kind) pair. Plans are read-only during
// execution and replaced whole via SetPlan.
type Plan struct {
	Language string
	Kind     OperationKind
	Chain    [3]ProviderBudget
}

// Result carries whichever fields the executed capability produced.
type Result struct {
	Text       string
	Audio      []byte
	Quality    float64
	Confidence float64
}

// Operation runs one provider attempt. Implementations must honor ctx
// cancellation so a lost race releases its in-flight work.
type Operation func(ctx context.Context, providerID string) (Result, error)

// Outcome reports the winning attempt of an Execute call.
type Outcome struct {
	Result   Result
	Provider string
	Attempts int
	Elapsed  time.Duration
}

// ErrNoPlan is returned when no chain is configured for the requested
// language or the fallback language.
var ErrNoPlan = errors.New("failover: no plan configured")

// ChainExhaustedError is raised when every provider in a chain fails.
type ChainExhaustedError struct {
	Language     string
	Kind         OperationKind
	Attempts     int
	LastProvider string
	LastErr      error
}

func (e *ChainExhaustedError) Error() string {
	return fmt.Sprintf("failover: all %d providers failed for %s/%s, last error from %s: %v",
		e.Attempts, e.Language, e.Kind, e.LastProvider, e.LastErr)
}

func (e *ChainExhaustedError) Unwrap() error { return e.LastErr }

// Config tunes plan re-ranking and degradation signaling.
type Config struct {
	// StatsWindow is the rolling attempt window per (language,
	// provider) pair.
	StatsWindow int
	// DemoteBelow is the success rate under which a provider is
	// moved to the back of its chain and a degradation signal fires.
	DemoteBelow float64
	// FallbackLanguage is consulted when no plan exists for the
	// requested language.
	FallbackLanguage string
	// OnDegraded fires once when a provider's rate crosses below
	// DemoteBelow, and re-arms after it recovers.
	OnDegraded func(language, provider string, rate float64)
	// OnAttempt observes every attempt with outcome "success",
	// "failure", or "timeout".
	OnAttempt func(language, provider, outcome string)
}

type planKey struct {
	language string
	kind     OperationKind
}

type statKey struct {
	language string
	provider string
}

// Optimizer owns the plan table and the rolling per-provider
// statistics shared by all active sessions.
type Optimizer struct {
	mu       sync.Mutex
	plans    map[planKey]Plan
	stats    map[statKey]*rolling
	degraded map[statKey]bool
	cfg      Config
}

// New builds an Optimizer with an empty plan table.
func New(cfg Config) *Optimizer {
	if cfg.StatsWindow <= 0 {
		cfg.StatsWindow = 20
	}
	if cfg.DemoteBelow <= 0 {
		cfg.DemoteBelow = 0.9
	}
	if cfg.FallbackLanguage == "" {
		cfg.FallbackLanguage = "en"
	}
	return &Optimizer{
		plans:    make(map[planKey]Plan),
		stats:    make(map[statKey]*rolling),
		degraded: make(map[statKey]bool),
		cfg:      cfg,
	}
}

// SetPlan installs or replaces the chain for the plan's (language,
// kind) pair.
func (o *Optimizer) SetPlan(p Plan) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.plans[planKey{p.Language, p.Kind}] = p
}

// PlanFor returns the configured chain for the language, falling back
// to the fallback language, re-ranked so providers whose recent
// success rate dropped below the demotion threshold move to the back.
func (o *Optimizer) PlanFor(language string, kind OperationKind) (Plan, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	p, ok := o.plans[planKey{language, kind}]
	if !ok {
		p, ok = o.plans[planKey{o.cfg.FallbackLanguage, kind}]
	}
	if !ok {
		return Plan{}, fmt.Errorf("%w: language=%s kind=%s", ErrNoPlan, language, kind)
	}

	healthy := make([]ProviderBudget, 0, len(p.Chain))
	demoted := make([]ProviderBudget, 0, len(p.Chain))
	for _, budget := range p.Chain {
		if budget.ID != "" && o.demotedLocked(language, budget.ID) {
			demoted = append(demoted, budget)
			continue
		}
		healthy = append(healthy, budget)
	}
	ranked := p
	copy(ranked.Chain[:], append(healthy, demoted...))
	ranked.Language = language
	return ranked, nil
}

// Execute walks the chain in order, racing each attempt against the
// provider's latency budget. The losing branch of every race is
// actively canceled before the next attempt starts.
func (o *Optimizer) Execute(ctx context.Context, language string, kind OperationKind, op Operation) (Outcome, error) {
	plan, err := o.PlanFor(language, kind)
	if err != nil {
		return Outcome{}, err
	}

	start := time.Now()
	attempts := 0
	var lastErr error
	lastProvider := ""

	for _, budget := range plan.Chain {
		if budget.ID == "" {
			continue
		}
		if err := ctx.Err(); err != nil {
			return Outcome{}, err
		}
		attempts++
		lastProvider = budget.ID

		res, err := o.attempt(ctx, budget, op)
		if err == nil && budget.MinQuality > 0 && res.Quality < budget.MinQuality {
			err = fmt.Errorf("provider %s quality %.2f below minimum %.2f",
				budget.ID, res.Quality, budget.MinQuality)
		}
		if err == nil {
			o.record(language, budget.ID, true, false)
			return Outcome{
				Result:   res,
				Provider: budget.ID,
				Attempts: attempts,
				Elapsed:  time.Since(start),
			}, nil
		}

		timedOut := errors.Is(err, context.DeadlineExceeded)
		o.record(language, budget.ID, false, timedOut)
		log.Printf("failover: provider %s failed for %s/%s: %v", budget.ID, language, kind, err)
		lastErr = err
	}

	if attempts == 0 {
		return Outcome{}, fmt.Errorf("%w: empty chain for %s/%s", ErrNoPlan, language, kind)
	}
	return Outcome{}, &ChainExhaustedError{
		Language:     language,
		Kind:         kind,
		Attempts:     attempts,
		LastProvider: lastProvider,
		LastErr:      lastErr,
	}
}

// attempt runs op under the provider's latency budget. The deferred
// cancel tears down the attempt context whether the operation settled
// or lost the race, so a slow provider call is never left running.
func (o *Optimizer) attempt(ctx context.Context, budget ProviderBudget, op Operation) (Result, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, budget.MaxLatency)
	defer cancel()

	type settled struct {
		res Result
		err error
	}
	done := make(chan settled, 1)
	go func() {
		res, err := op(attemptCtx, budget.ID)
		done <- settled{res, err}
	}()

	select {
	case s := <-done:
		return s.res, s.err
	case <-attemptCtx.Done():
		return Result{}, attemptCtx.Err()
	}
}

// SuccessRate reports the rolling success rate and sample count for a
// (language, provider) pair.
func (o *Optimizer) SuccessRate(language, provider string) (float64, int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	r, ok := o.stats[statKey{language, provider}]
	if !ok {
		return 1, 0
	}
	return r.successRate(), r.samples()
}

func (o *Optimizer) record(language, provider string, success, timedOut bool) {
	var degradedHook func(string, string, float64)
	var rate float64

	o.mu.Lock()
	key := statKey{language, provider}
	r, ok := o.stats[key]
	if !ok {
		r = newRolling(o.cfg.StatsWindow)
		o.stats[key] = r
	}
	r.record(success)

	rate = r.successRate()
	if r.samples() >= minDemotionSamples {
		switch {
		case rate < o.cfg.DemoteBelow && !o.degraded[key]:
			o.degraded[key] = true
			degradedHook = o.cfg.OnDegraded
		case rate >= o.cfg.DemoteBelow && o.degraded[key]:
			delete(o.degraded, key)
		}
	}
	attemptHook := o.cfg.OnAttempt
	o.mu.Unlock()

	if attemptHook != nil {
		outcome := "success"
		switch {
		case timedOut:
			outcome = "timeout"
		case !success:
			outcome = "failure"
		}
		attemptHook(language, provider, outcome)
	}
	if degradedHook != nil {
		degradedHook(language, provider, rate)
	}
}

func (o *Optimizer) demotedLocked(language, provider string) bool {
	return o.degraded[statKey{language, provider}]
}

// minDemotionSamples keeps a single early failure from demoting a
// provider before the window has meaningful data.
const minDemotionSamples = 4

// rolling is a fixed-size ring of attempt outcomes.
type rolling struct {
	outcomes []bool
	next     int
	count    int
}

func newRolling(window int) *rolling {
	return &rolling{outcomes: make([]bool, window)}
}

func (r *rolling) record(success bool) {
	r.outcomes[r.next] = success
	r.next = (r.next + 1) % len(r.outcomes)
	if r.count < len(r.outcomes) {
		r.count++
	}
}

func (r *rolling) samples() int { return r.count }

func (r *rolling) successRate() float64 {
	if r.count == 0 {
		return 1
	}
	successes := 0
	for i := 0; i < r.count; i++ {
		if r.outcomes[i] {
			successes++
		}
	}
	return float64(successes) / float64(r.count)
}

// Package cache is the multi-tier response cache that short-circuits
// language-model calls. Lookup tiers are tried in a fixed order: exact
// key, semantic similarity, conversation pattern, contextual
// fingerprint. First success wins.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"math"
	"sort"
	"strings"
	"sync"
	"time"
)

// Source names the tier that produced a prediction.
type Source string

const (
	SourceExact      Source = "exact"
	SourceSemantic   Source = "semantic"
	SourcePattern    Source = "pattern"
	SourceContextual Source = "contextual"
)

// Context carries the conversational surroundings of an input.
type Context struct {
	Language    string
	RecentTurns []string
}

// Fingerprint serializes the recent turns for key derivation and
// contextual matching.
func (c Context) Fingerprint() string {
	turns := c.RecentTurns
	if len(turns) > patternTurnDepth {
		turns = turns[len(turns)-patternTurnDepth:]
	}
	normalized := make([]string, 0, len(turns))
	for _, t := range turns {
		normalized = append(normalized, normalizeText(t))
	}
	return strings.Join(normalized, "|")
}

// Entry is one cached input/response pair.
type Entry struct {
	Key            string
	Input          string
	Response       string
	Audio          []byte
	Language       string
	Confidence     float64
	Usage          int
	CreatedAt      time.Time
	LastUsedAt     time.Time
	Embedding      []float64
	Fingerprint    string
	ProcessingTime time.Duration
}

// Prediction is a cache hit.
type Prediction struct {
	Response   string
	Audio      []byte
	Confidence float64
	Source     Source
}

// Config tunes lookup thresholds and eviction pressure.
type Config struct {
	MaxEntries        int
	MaxAge            time.Duration
	SemanticThreshold float64
	PatternThreshold  float64
	ContextThreshold  float64
}

func DefaultConfig() Config {
	return Config{
		MaxEntries:        1000,
		MaxAge:            time.Hour,
		SemanticThreshold: 0.85,
		PatternThreshold:  0.7,
		ContextThreshold:  0.6,
	}
}

// remoteTier is an optional write-through exact-match tier (Redis).
// Failures degrade silently to the in-process tiers.
type remoteTier interface {
	Get(ctx context.Context, key string) (remoteEntry, bool)
	Set(ctx context.Context, key string, entry remoteEntry)
}

// Cache owns all entries and the pattern table. A single mutex
// serializes stores, capacity eviction and the periodic age sweep so
// the two eviction paths can never double-remove.
type Cache struct {
	mu       sync.Mutex
	cfg      Config
	embedder Embedder
	entries  map[string]*Entry
	patterns map[string]*pattern
	remote   remoteTier

	now func() time.Time
}

func New(cfg Config, embedder Embedder) *Cache {
	def := DefaultConfig()
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = def.MaxEntries
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = def.MaxAge
	}
	if cfg.SemanticThreshold <= 0 {
		cfg.SemanticThreshold = def.SemanticThreshold
	}
	if cfg.PatternThreshold <= 0 {
		cfg.PatternThreshold = def.PatternThreshold
	}
	if cfg.ContextThreshold <= 0 {
		cfg.ContextThreshold = def.ContextThreshold
	}
	if embedder == nil {
		embedder = NewHashEmbedder(128)
	}
	return &Cache{
		cfg:      cfg,
		embedder: embedder,
		entries:  make(map[string]*Entry),
		patterns: make(map[string]*pattern),
		now:      time.Now,
	}
}

// SetRemote attaches the optional write-through tier.
func (c *Cache) SetRemote(remote remoteTier) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.remote = remote
}

// KeyFor derives the cache key from normalized input text plus the
// context fingerprint.
func KeyFor(input string, cctx Context) string {
	sum := sha256.Sum256([]byte(normalizeText(input) + "\x00" + cctx.Fingerprint()))
	return hex.EncodeToString(sum[:])
}

// Predict runs the tiers in order and returns the first hit. A hit
// bumps the entry's usage counter and last-used time.
func (c *Cache) Predict(ctx context.Context, input string, cctx Context) (Prediction, bool) {
	key := KeyFor(input, cctx)

	// Tier 1: exact key.
	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		c.touchLocked(e)
		pred := prediction(e.Response, e.Audio, e.Confidence, SourceExact)
		c.mu.Unlock()
		return pred, true
	}
	remote := c.remote
	c.mu.Unlock()

	// The remote exact tier runs outside the mutex: a slow or hung
	// backend must never stall other sessions' lookups and stores.
	if remote != nil {
		if re, ok := remote.Get(ctx, key); ok {
			c.mu.Lock()
			e := c.materializeLocked(key, re, cctx)
			pred := prediction(e.Response, e.Audio, e.Confidence, SourceExact)
			c.mu.Unlock()
			return pred, true
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Tier 2: semantic similarity within the same language.
	vec := c.embedder.Embed(input)
	var bestEntry *Entry
	bestSim := 0.0
	for _, e := range c.entries {
		if e.Language != cctx.Language {
			continue
		}
		if sim := Cosine(vec, e.Embedding); sim > bestSim {
			bestSim = sim
			bestEntry = e
		}
	}
	if bestEntry != nil && bestSim >= c.cfg.SemanticThreshold {
		c.touchLocked(bestEntry)
		conf := clamp01(bestSim * bestEntry.Confidence)
		return prediction(bestEntry.Response, bestEntry.Audio, conf, SourceSemantic), true
	}

	// Tier 3: conversation pattern. The current input is part of the
	// categorized sequence so predict and store derive the same id.
	if id := patternKey(cctx, input); id != "" {
		if p, ok := c.patterns[id]; ok {
			if best, ok := p.best(); ok && best.probability > c.cfg.PatternThreshold {
				return prediction(best.response, nil, clamp01(best.probability), SourcePattern), true
			}
		}
	}

	// Tier 4: contextual fingerprint overlap.
	fp := cctx.Fingerprint()
	if fp != "" {
		bestEntry = nil
		bestSim = 0
		for _, e := range c.entries {
			if sim := Jaccard(fp, e.Fingerprint); sim > bestSim {
				bestSim = sim
				bestEntry = e
			}
		}
		if bestEntry != nil && bestSim >= c.cfg.ContextThreshold {
			c.touchLocked(bestEntry)
			conf := clamp01(bestSim * bestEntry.Confidence)
			return prediction(bestEntry.Response, bestEntry.Audio, conf, SourceContextual), true
		}
	}

	return Prediction{}, false
}

// Store inserts a generated response, updates the pattern table, and
// evicts on capacity pressure. Size never exceeds MaxEntries on return.
func (c *Cache) Store(ctx context.Context, input, response string, audio []byte, cctx Context, confidence float64, processingTime time.Duration) {
	now := c.now()
	key := KeyFor(input, cctx)

	e := &Entry{
		Key:            key,
		Input:          input,
		Response:       response,
		Audio:          audio,
		Language:       cctx.Language,
		Confidence:     clamp01(confidence),
		Usage:          1,
		CreatedAt:      now,
		LastUsedAt:     now,
		Embedding:      c.embedder.Embed(input),
		Fingerprint:    cctx.Fingerprint(),
		ProcessingTime: processingTime,
	}

	c.mu.Lock()
	c.entries[key] = e

	if id := patternKey(cctx, input); id != "" {
		p, ok := c.patterns[id]
		if !ok {
			p = newPattern(id)
			c.patterns[id] = p
		}
		p.observe(response)
	}

	c.evictOverCapacityLocked()
	remote := c.remote
	c.mu.Unlock()

	if remote != nil {
		remote.Set(ctx, key, remoteEntry{
			Input:      input,
			Response:   response,
			Audio:      audio,
			Language:   cctx.Language,
			Confidence: e.Confidence,
		})
	}
}

// Len reports the live entry count.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Sweep removes entries older than MaxAge and returns how many were
// dropped.
func (c *Cache) Sweep() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, e := range c.entries {
		if now.Sub(e.CreatedAt) > c.cfg.MaxAge {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// StartSweeper runs Sweep on a ticker until ctx is done.
func (c *Cache) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.Sweep()
			}
		}
	}()
}

// evictOverCapacityLocked drops the lowest-scoring 10% of entries once
// the store exceeds capacity. Score favors frequently and recently
// used entries: usage / seconds-since-last-use.
func (c *Cache) evictOverCapacityLocked() {
	if len(c.entries) <= c.cfg.MaxEntries {
		return
	}
	now := c.now()

	type scored struct {
		key   string
		score float64
	}
	ranked := make([]scored, 0, len(c.entries))
	for key, e := range c.entries {
		age := now.Sub(e.LastUsedAt).Seconds()
		if age < 1 {
			age = 1
		}
		ranked = append(ranked, scored{key: key, score: float64(e.Usage) / age})
	}
	sort.Slice(ranked, func(i, j int) bool { return ranked[i].score < ranked[j].score })

	drop := int(math.Ceil(float64(len(ranked)) * 0.10))
	if over := len(c.entries) - c.cfg.MaxEntries; drop < over {
		drop = over
	}
	for i := 0; i < drop && i < len(ranked); i++ {
		delete(c.entries, ranked[i].key)
	}
}

func (c *Cache) touchLocked(e *Entry) {
	e.Usage++
	e.LastUsedAt = c.now()
}

// materializeLocked rebuilds a local entry from the remote tier so
// subsequent lookups stay in-process.
func (c *Cache) materializeLocked(key string, re remoteEntry, cctx Context) *Entry {
	now := c.now()
	e := &Entry{
		Key:         key,
		Input:       re.Input,
		Response:    re.Response,
		Audio:       re.Audio,
		Language:    re.Language,
		Confidence:  clamp01(re.Confidence),
		Usage:       1,
		CreatedAt:   now,
		LastUsedAt:  now,
		Embedding:   c.embedder.Embed(re.Input),
		Fingerprint: cctx.Fingerprint(),
	}
	c.entries[key] = e
	c.evictOverCapacityLocked()
	return e
}

func prediction(response string, audio []byte, confidence float64, source Source) Prediction {
	return Prediction{
		Response:   response,
		Audio:      audio,
		Confidence: clamp01(confidence),
		Source:     source,
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

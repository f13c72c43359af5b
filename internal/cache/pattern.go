package cache

import (
	"strings"
)

// turnCategory buckets an utterance for pattern matching.
type turnCategory string

const (
	categoryGreeting     turnCategory = "greeting"
	categoryFarewell     turnCategory = "farewell"
	categoryQuestion     turnCategory = "question"
	categoryRequest      turnCategory = "request"
	categoryConfirmation turnCategory = "confirmation"
	categoryStatement    turnCategory = "statement"
)

// patternTurnDepth bounds how many recent turns form a pattern id.
const patternTurnDepth = 3

var (
	greetingCues     = []string{"hello", "hi ", "hi,", "hey", "good morning", "good afternoon", "good evening"}
	farewellCues     = []string{"bye", "goodbye", "see you", "talk later", "that's all", "thats all", "thank you, goodbye"}
	requestCues      = []string{"please", "can you", "could you", "i want", "i need", "i'd like", "book", "schedule", "cancel"}
	confirmationCues = []string{"yes", "yeah", "yep", "sure", "correct", "that's right", "no,", "no thanks"}
)

func categorize(text string) turnCategory {
	t := " " + strings.TrimSpace(strings.ToLower(text)) + " "
	trimmed := strings.TrimSpace(t)

	for _, cue := range farewellCues {
		if strings.Contains(t, cue) {
			return categoryFarewell
		}
	}
	for _, cue := range greetingCues {
		if strings.HasPrefix(trimmed, strings.TrimSpace(cue)) {
			return categoryGreeting
		}
	}
	if strings.HasSuffix(trimmed, "?") || strings.HasPrefix(trimmed, "what") ||
		strings.HasPrefix(trimmed, "how") || strings.HasPrefix(trimmed, "when") ||
		strings.HasPrefix(trimmed, "where") || strings.HasPrefix(trimmed, "why") ||
		strings.HasPrefix(trimmed, "who") {
		return categoryQuestion
	}
	for _, cue := range requestCues {
		if strings.Contains(t, cue) {
			return categoryRequest
		}
	}
	for _, cue := range confirmationCues {
		if strings.HasPrefix(trimmed, strings.TrimSpace(cue)) {
			return categoryConfirmation
		}
	}
	return categoryStatement
}

// patternIDFor builds a pattern id from the categories of the most
// recent turns, oldest first.
func patternIDFor(recentTurns []string) string {
	if len(recentTurns) == 0 {
		return ""
	}
	start := 0
	if len(recentTurns) > patternTurnDepth {
		start = len(recentTurns) - patternTurnDepth
	}
	cats := make([]string, 0, patternTurnDepth)
	for _, turn := range recentTurns[start:] {
		cats = append(cats, string(categorize(turn)))
	}
	return strings.Join(cats, ">")
}

// patternKey scopes the categorized sequence by language so turns in
// one language never predict responses for another.
func patternKey(cctx Context, input string) string {
	id := patternIDFor(append(append([]string{}, cctx.RecentTurns...), input))
	if id == "" {
		return ""
	}
	return cctx.Language + "|" + id
}

// pattern maps a categorized turn sequence to probability-weighted
// candidate responses. Weights renormalize to sum 1 on every update.
type pattern struct {
	id         string
	candidates map[string]*candidate
	usage      int
}

type candidate struct {
	response    string
	weight      float64
	probability float64
}

func newPattern(id string) *pattern {
	return &pattern{id: id, candidates: make(map[string]*candidate)}
}

func (p *pattern) observe(response string) {
	c, ok := p.candidates[response]
	if !ok {
		c = &candidate{response: response}
		p.candidates[response] = c
	}
	c.weight++
	p.usage++
	p.renormalize()
}

func (p *pattern) renormalize() {
	var total float64
	for _, c := range p.candidates {
		total += c.weight
	}
	if total == 0 {
		return
	}
	for _, c := range p.candidates {
		c.probability = c.weight / total
	}
}

// best returns the highest-probability candidate.
func (p *pattern) best() (*candidate, bool) {
	var top *candidate
	for _, c := range p.candidates {
		if top == nil || c.probability > top.probability {
			top = c
		}
	}
	if top == nil {
		return nil, false
	}
	return top, true
}

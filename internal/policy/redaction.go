// Package policy scrubs caller PII from transcripts before they leave
// the hot path: persisted call logs and cached responses must never
// hold raw card numbers, phone numbers, or email addresses. On a phone
// call those arrive in two shapes, keyed digits and numbers read
// aloud, so both are masked.
package policy

import "regexp"

var (
	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phonePattern = regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`)
	cardPattern  = regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`)

	// Transcription renders numbers read aloud as digit words. Seven or
	// more in a row is a card, account, or phone number, not speech.
	spokenDigitsPattern = regexp.MustCompile(`(?i)\b(?:(?:zero|oh|one|two|three|four|five|six|seven|eight|nine|double)[ ,.-]+){6,}(?:zero|oh|one|two|three|four|five|six|seven|eight|nine)\b`)
)

// RedactPII masks common high-risk PII patterns in a transcript.
func RedactPII(input string) (redacted string, changed bool) {
	out := input

	next := emailPattern.ReplaceAllString(out, "[REDACTED_EMAIL]")
	changed = changed || next != out
	out = next

	// Cards first: a spoken card number read digit by digit would
	// otherwise match the phone pattern.
	next = cardPattern.ReplaceAllString(out, "[REDACTED_CARD]")
	changed = changed || next != out
	out = next

	next = phonePattern.ReplaceAllString(out, "[REDACTED_PHONE]")
	changed = changed || next != out
	out = next

	next = spokenDigitsPattern.ReplaceAllString(out, "[REDACTED_DIGITS]")
	changed = changed || next != out
	out = next

	return out, changed
}

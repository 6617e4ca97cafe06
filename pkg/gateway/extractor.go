package gateway

import (
	"regexp"
	"strings"

	"github.com/harun/switchboard/pkg/session"
)

// Extractor pulls memory fields out of user text.
type Extractor interface {
	Extract(text string, current session.Memory) session.MemoryPatch
}

// ExtractorFunc adapts a function to Extractor
type ExtractorFunc func(text string, current session.Memory) session.MemoryPatch

// Extract calls f
func (f ExtractorFunc) Extract(text string, current session.Memory) session.MemoryPatch {
	return f(text, current)
}

var (
	accountPattern  = regexp.MustCompile(`\b\d{8}\b`)
	sortCodePattern = regexp.MustCompile(`\b\d{2}[- ]?\d{2}[- ]?\d{2}\b`)
	digitsOnly      = regexp.MustCompile(`\D`)
)

// defaultIntentKeywords mark an utterance as stating what the customer wants.
var defaultIntentKeywords = []string{
	"balance", "transaction", "payment", "statement", "mortgage",
	"dispute", "card", "transfer", "loan", "fraud", "account",
}

const maxIntentLength = 200

// PatternExtractor recognises account numbers, sort codes and a first
// statement of intent with regular expressions and keywords.
type PatternExtractor struct {
	keywords []string
}

// NewPatternExtractor creates an extractor. Nil keywords means the defaults.
func NewPatternExtractor(keywords []string) *PatternExtractor {
	if len(keywords) == 0 {
		keywords = defaultIntentKeywords
	}
	return &PatternExtractor{keywords: keywords}
}

// Extract returns the fields found in text. Credentials are recorded as
// partial values; only verification promotes them.
func (e *PatternExtractor) Extract(text string, current session.Memory) session.MemoryPatch {
	var patch session.MemoryPatch

	remaining := text
	if acct := accountPattern.FindString(remaining); acct != "" {
		patch.PartialAccount = session.String(acct)
		remaining = strings.Replace(remaining, acct, " ", 1)
	}
	if sc := sortCodePattern.FindString(remaining); sc != "" {
		patch.PartialSortCode = session.String(digitsOnly.ReplaceAllString(sc, ""))
	}

	if current.UserIntent == "" {
		if intent := e.intent(text); intent != "" {
			patch.UserIntent = session.String(intent)
		}
	}

	return patch
}

func (e *PatternExtractor) intent(text string) string {
	lower := strings.ToLower(text)
	for _, kw := range e.keywords {
		if strings.Contains(lower, kw) {
			intent := strings.TrimSpace(text)
			if len(intent) > maxIntentLength {
				intent = intent[:maxIntentLength]
			}
			return intent
		}
	}
	return ""
}

// Package tokens provides Unicode-safe token estimation and
// oldest-first conversation truncation.
//
// Estimation is grapheme-cluster-aware via uniseg. Each cluster in an
// emoji or CJK range counts near one token; remaining text is weighted
// at roughly four characters per token, matching how common tokenizers
// treat Latin-script prose.
package tokens

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/rivo/uniseg"
)

// TurnOverhead approximates the per-turn framing cost (role markers,
// separators) a provider adds around each message.
const TurnOverhead = 4

// TruncationMarker is appended to string content cut mid-body.
const TruncationMarker = "..."

// Estimate returns the approximate token count for a string.
func Estimate(s string) int {
	if s == "" {
		return 0
	}

	tokens := 0
	pending := 0 // grapheme clusters awaiting the 4-per-token weighting
	gr := uniseg.NewGraphemes(s)
	for gr.Next() {
		r, _ := utf8.DecodeRuneInString(gr.Str())
		if isDenseRune(r) {
			tokens++
			continue
		}
		pending++
		if pending == 4 {
			tokens++
			pending = 0
		}
	}
	if pending > 0 {
		tokens++
	}
	return tokens
}

// isDenseRune reports whether a rune carries near-full token weight:
// emoji and CJK text tokenize close to one token per character.
func isDenseRune(r rune) bool {
	switch {
	case unicode.Is(unicode.Han, r),
		unicode.Is(unicode.Hiragana, r),
		unicode.Is(unicode.Katakana, r),
		unicode.Is(unicode.Hangul, r):
		return true
	case r >= 0x1F000 && r <= 0x1FAFF: // emoji and symbol blocks
		return true
	case r >= 0x2600 && r <= 0x27BF: // misc symbols and dingbats
		return true
	}
	return false
}

// Turn is the minimal shape the truncation engine needs.
type Turn struct {
	Role    string
	Content string
}

// EstimateTurn returns the token estimate for one turn including
// framing overhead.
func EstimateTurn(t Turn) int {
	return Estimate(t.Content) + TurnOverhead
}

// EstimateTurns returns the total token estimate for a sequence of turns.
func EstimateTurns(turns []Turn) int {
	total := 0
	for _, t := range turns {
		total += EstimateTurn(t)
	}
	return total
}

// TruncationResult reports what survived a truncation pass.
type TruncationResult struct {
	// Preserved holds the surviving turns in their original order.
	Preserved []Turn
	// Dropped is the number of turns removed.
	Dropped int
	// FinalTokenCount is the estimate for the preserved turns.
	FinalTokenCount int
	// Truncated reports whether anything was dropped.
	Truncated bool
}

// TruncateTurns drops the oldest turns until the sequence fits the
// budget. The newest turn is preserved whenever it alone fits; the
// surviving turns keep their original relative order. A budget of zero
// or less drops everything.
func TruncateTurns(turns []Turn, tokenBudget int) TruncationResult {
	if len(turns) == 0 {
		return TruncationResult{}
	}
	if tokenBudget <= 0 {
		return TruncationResult{Dropped: len(turns), Truncated: true}
	}

	// Walk newest-first, keeping turns while they fit.
	total := 0
	keepFrom := len(turns)
	for i := len(turns) - 1; i >= 0; i-- {
		cost := EstimateTurn(turns[i])
		if total+cost > tokenBudget {
			break
		}
		total += cost
		keepFrom = i
	}

	if keepFrom == len(turns) {
		// Not even the newest turn fits.
		return TruncationResult{Dropped: len(turns), Truncated: true}
	}

	preserved := append([]Turn(nil), turns[keepFrom:]...)
	return TruncationResult{
		Preserved:       preserved,
		Dropped:         keepFrom,
		FinalTokenCount: total,
		Truncated:       keepFrom > 0,
	}
}

// TruncateString shortens s to roughly maxTokens, preferring sentence
// boundaries, then word boundaries, then a raw cut that never splits a
// grapheme cluster. The truncation marker is appended whenever content
// is removed.
func TruncateString(s string, maxTokens int) string {
	if Estimate(s) <= maxTokens {
		return s
	}
	if maxTokens <= 0 {
		return TruncationMarker
	}

	limit := clusterPrefix(s, maxTokens)

	// Prefer the last sentence boundary inside the limit.
	if cut := lastSentenceEnd(s[:limit]); cut > 0 {
		return strings.TrimRight(s[:cut], " ") + TruncationMarker
	}
	// Then the last word boundary.
	if cut := strings.LastIndexByte(s[:limit], ' '); cut > 0 {
		return s[:cut] + TruncationMarker
	}
	return s[:limit] + TruncationMarker
}

// clusterPrefix returns the byte length of the longest prefix of s
// whose token estimate fits maxTokens, aligned to grapheme cluster
// boundaries.
func clusterPrefix(s string, maxTokens int) int {
	tokens := 0
	pending := 0
	end := 0
	gr := uniseg.NewGraphemes(s)
	for gr.Next() {
		r, _ := utf8.DecodeRuneInString(gr.Str())
		if isDenseRune(r) {
			tokens++
		} else {
			pending++
			if pending == 4 {
				tokens++
				pending = 0
			}
		}
		if tokens >= maxTokens {
			break
		}
		_, to := gr.Positions()
		end = to
	}
	return end
}

func lastSentenceEnd(s string) int {
	cut := -1
	for _, sep := range []string{". ", "! ", "? ", ".\n", "!\n", "?\n"} {
		if i := strings.LastIndex(s, sep); i >= 0 && i+1 > cut {
			cut = i + 1
		}
	}
	if cut < 0 {
		return 0
	}
	return cut
}

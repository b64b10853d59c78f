package tokens

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEstimate(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		minWant int
		maxWant int
	}{
		{"empty", "", 0, 0},
		{"short latin", "word", 1, 1},
		{"latin sentence", "the quick brown fox jumps over the lazy dog", 8, 14},
		{"cjk near one per char", "你好世界", 4, 4},
		{"emoji counted densely", "🎉🎉🎉", 3, 3},
		{"mixed", "hello 世界", 3, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Estimate(tt.input)
			assert.GreaterOrEqual(t, got, tt.minWant)
			assert.LessOrEqual(t, got, tt.maxWant)
		})
	}
}

func TestEstimate_CombiningClusters(t *testing.T) {
	// A multi-code-point emoji (family ZWJ sequence) is one grapheme
	// cluster and should count once, not once per code point.
	family := "\U0001F468‍\U0001F469‍\U0001F467"
	assert.Equal(t, 1, Estimate(family))
}

func TestTruncateTurns_FitsUnchanged(t *testing.T) {
	turns := []Turn{
		{Role: "user", Content: "hello"},
		{Role: "assistant", Content: "hi"},
	}
	res := TruncateTurns(turns, 1000)
	assert.False(t, res.Truncated)
	assert.Equal(t, 0, res.Dropped)
	require.Len(t, res.Preserved, 2)
	assert.Equal(t, EstimateTurns(turns), res.FinalTokenCount)
}

func TestTruncateTurns_DropsOldestFirst(t *testing.T) {
	turns := []Turn{
		{Role: "user", Content: strings.Repeat("old ", 50)},
		{Role: "assistant", Content: strings.Repeat("mid ", 50)},
		{Role: "user", Content: "newest"},
	}
	budget := EstimateTurn(turns[2]) + EstimateTurn(turns[1])
	res := TruncateTurns(turns, budget)

	assert.True(t, res.Truncated)
	assert.Equal(t, 1, res.Dropped)
	require.Len(t, res.Preserved, 2)
	assert.Equal(t, "newest", res.Preserved[1].Content)
	assert.Equal(t, strings.Repeat("mid ", 50), res.Preserved[0].Content)
}

func TestTruncateTurns_NewestAloneTooBig(t *testing.T) {
	turns := []Turn{
		{Role: "user", Content: "short"},
		{Role: "assistant", Content: strings.Repeat("enormous ", 200)},
	}
	res := TruncateTurns(turns, 10)
	assert.True(t, res.Truncated)
	assert.Equal(t, 2, res.Dropped)
	assert.Empty(t, res.Preserved)
}

func TestTruncateTurns_ZeroBudget(t *testing.T) {
	turns := []Turn{{Role: "user", Content: "x"}}
	res := TruncateTurns(turns, 0)
	assert.True(t, res.Truncated)
	assert.Equal(t, 1, res.Dropped)
}

func TestTruncateTurns_Monotonicity(t *testing.T) {
	turns := []Turn{
		{Role: "user", Content: strings.Repeat("a ", 30)},
		{Role: "assistant", Content: strings.Repeat("b ", 30)},
		{Role: "user", Content: strings.Repeat("c ", 30)},
		{Role: "assistant", Content: strings.Repeat("d ", 30)},
		{Role: "user", Content: strings.Repeat("e ", 30)},
	}

	prevCount := len(turns) + 1
	for budget := EstimateTurns(turns) + 10; budget >= 0; budget -= 5 {
		res := TruncateTurns(turns, budget)

		// Shrinking the budget never preserves more turns.
		assert.LessOrEqual(t, len(res.Preserved), prevCount)
		prevCount = len(res.Preserved)

		// Preserved turns are always the newest suffix.
		if n := len(res.Preserved); n > 0 {
			assert.Equal(t, turns[len(turns)-n:], res.Preserved)
		}
	}
}

func TestTruncateString_SentenceBoundary(t *testing.T) {
	s := "First sentence here. Second sentence follows. " + strings.Repeat("filler ", 100)
	got := TruncateString(s, 20)
	assert.True(t, strings.HasSuffix(got, TruncationMarker))
	assert.Contains(t, got, "First sentence here.")
	assert.Less(t, len(got), len(s))
}

func TestTruncateString_WordBoundary(t *testing.T) {
	s := strings.Repeat("word ", 200)
	got := TruncateString(s, 10)
	assert.True(t, strings.HasSuffix(got, TruncationMarker))
	trimmed := strings.TrimSuffix(got, TruncationMarker)
	assert.False(t, strings.HasSuffix(trimmed, "wor"), "cut mid-word: %q", got)
}

func TestTruncateString_NeverSplitsMultibyte(t *testing.T) {
	s := strings.Repeat("世界和平", 100)
	got := TruncateString(s, 12)
	assert.True(t, strings.HasSuffix(got, TruncationMarker))
	for _, r := range got {
		assert.NotEqual(t, '�', r, "invalid rune in %q", got)
	}
}

func TestTruncateString_FitsUnchanged(t *testing.T) {
	s := "short"
	assert.Equal(t, s, TruncateString(s, 100))
}

func TestTruncateString_ZeroBudget(t *testing.T) {
	assert.Equal(t, TruncationMarker, TruncateString("anything at all here", 0))
}

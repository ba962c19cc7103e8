package pricing

import (
	"math"
	"testing"

	"github.com/routexhq/routex/internal/storage"
)

func TestLookupLongestPrefixWins(t *testing.T) {
	t.Parallel()

	table := NewTable(map[string]Rate{
		"gpt-4o":      {InputPerMTok: 2.5, OutputPerMTok: 10},
		"gpt-4o-mini": {InputPerMTok: 0.15, OutputPerMTok: 0.6},
	}, nil)

	if got := table.Lookup("gpt-4o-mini-2024"); got.InputPerMTok != 0.15 {
		t.Fatalf("Lookup(gpt-4o-mini-2024).InputPerMTok = %v, want 0.15", got.InputPerMTok)
	}
	if got := table.Lookup("gpt-4o-2024"); got.InputPerMTok != 2.5 {
		t.Fatalf("Lookup(gpt-4o-2024).InputPerMTok = %v, want 2.5", got.InputPerMTok)
	}
}

func TestLookupFallback(t *testing.T) {
	t.Parallel()

	table := NewTable(nil, &Rate{InputPerMTok: 1, OutputPerMTok: 2})
	got := table.Lookup("mystery-model-9000")
	if got.InputPerMTok != 1 || got.OutputPerMTok != 2 {
		t.Fatalf("fallback rate = %+v", got)
	}
}

func TestCost(t *testing.T) {
	t.Parallel()

	table := NewTable(map[string]Rate{
		"claude-sonnet": {InputPerMTok: 3, OutputPerMTok: 15},
	}, nil)

	got := table.Cost("claude-sonnet-4", 1_000_000, 200_000)
	want := 3.0 + 0.2*15
	if math.Abs(got-want) > 1e-9 {
		t.Fatalf("Cost = %v, want %v", got, want)
	}
}

func TestOverridesReplaceDefaults(t *testing.T) {
	t.Parallel()

	table := NewTable(map[string]Rate{
		"claude-opus": {InputPerMTok: 10, OutputPerMTok: 50},
	}, nil)

	if got := table.Lookup("claude-opus-4"); got.OutputPerMTok != 50 {
		t.Fatalf("override not applied, OutputPerMTok = %v", got.OutputPerMTok)
	}
}

func TestTotalCost(t *testing.T) {
	t.Parallel()

	table := NewTable(map[string]Rate{
		"a": {InputPerMTok: 1, OutputPerMTok: 1},
		"b": {InputPerMTok: 2, OutputPerMTok: 2},
	}, &Rate{})

	got := table.TotalCost(map[string]storage.ModelTokens{
		"a-model": {InputTokens: 1_000_000, OutputTokens: 1_000_000},
		"b-model": {InputTokens: 500_000, OutputTokens: 0},
	})
	want := 2.0 + 1.0
	if math.Abs(got-want) > 1e-9 {
		t.Fatalf("TotalCost = %v, want %v", got, want)
	}
}

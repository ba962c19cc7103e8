package balancer

import (
	"errors"
	"math/rand/v2"
	"testing"

	routex "github.com/routexhq/routex/internal"
)

func ch(name string, priority, weight int, used int64, models ...string) *routex.Channel {
	return &routex.Channel{
		ID:           name,
		Name:         name,
		Vendor:       routex.VendorOpenAI,
		Priority:     priority,
		Weight:       weight,
		RequestCount: used,
		Models:       models,
		Status:       routex.StatusEnabled,
	}
}

func TestStrategyValidation(t *testing.T) {
	t.Parallel()
	b := New(StrategyPriority)
	if err := b.SetStrategy("fastest"); !errors.Is(err, routex.ErrBadRequest) {
		t.Fatalf("err = %v, want ErrBadRequest", err)
	}
	if err := b.SetStrategy(StrategyWeighted); err != nil {
		t.Fatal(err)
	}
	if got := b.Strategy(); got != StrategyWeighted {
		t.Fatalf("strategy = %s, want weighted", got)
	}
}

func TestSelect_NoCandidates(t *testing.T) {
	t.Parallel()
	b := New(StrategyPriority)
	if _, err := b.Select(nil, "gpt-4o"); !errors.Is(err, routex.ErrNoChannel) {
		t.Fatalf("err = %v, want ErrNoChannel", err)
	}
}

func TestSelect_ModelFilter(t *testing.T) {
	t.Parallel()
	b := New(StrategyPriority)
	pool := []*routex.Channel{
		ch("a", 1, 1, 0, "gpt-4o"),
		ch("b", 9, 1, 0, "claude-sonnet-4"),
		ch("c", 5, 1, 0), // empty models serves anything
	}
	got, err := b.Select(pool, "gpt-4o")
	if err != nil {
		t.Fatal(err)
	}
	// b is excluded despite its priority; c wins on priority among a and c.
	if got.Name != "c" {
		t.Fatalf("selected %s, want c", got.Name)
	}

	if _, err := b.Select(pool[:2], "gemini-pro"); !errors.Is(err, routex.ErrNoChannel) {
		t.Fatalf("err = %v, want ErrNoChannel for unsupported model", err)
	}
}

func TestPriority_RoundRobinWithinGroup(t *testing.T) {
	t.Parallel()
	b := New(StrategyPriority)
	pool := []*routex.Channel{
		ch("bravo", 10, 1, 0),
		ch("alpha", 10, 1, 0),
		ch("charlie", 1, 1, 0),
	}
	var picks []string
	for range 4 {
		got, err := b.Select(pool, "m")
		if err != nil {
			t.Fatal(err)
		}
		picks = append(picks, got.Name)
	}
	want := []string{"alpha", "bravo", "alpha", "bravo"}
	for i := range want {
		if picks[i] != want[i] {
			t.Fatalf("picks = %v, want %v", picks, want)
		}
	}
}

func TestRoundRobin_RotatesNameSorted(t *testing.T) {
	t.Parallel()
	b := New(StrategyRoundRobin)
	pool := []*routex.Channel{
		ch("c", 1, 1, 0),
		ch("a", 9, 1, 0),
		ch("b", 5, 1, 0),
	}
	var picks []string
	for range 6 {
		got, err := b.Select(pool, "m")
		if err != nil {
			t.Fatal(err)
		}
		picks = append(picks, got.Name)
	}
	want := []string{"a", "b", "c", "a", "b", "c"}
	for i := range want {
		if picks[i] != want[i] {
			t.Fatalf("picks = %v, want %v", picks, want)
		}
	}
}

func TestWeighted_Distribution(t *testing.T) {
	t.Parallel()
	b := New(StrategyWeighted)
	b.SetRand(rand.New(rand.NewPCG(1, 2)))
	pool := []*routex.Channel{
		ch("heavy", 1, 9, 0),
		ch("light", 1, 1, 0),
	}
	counts := map[string]int{}
	for range 1000 {
		got, err := b.Select(pool, "m")
		if err != nil {
			t.Fatal(err)
		}
		counts[got.Name]++
	}
	// Expect roughly 900/100.
	if counts["heavy"] < 850 || counts["heavy"] > 950 {
		t.Fatalf("heavy picked %d of 1000, want ~900", counts["heavy"])
	}
}

func TestWeighted_ZeroWeightTreatedAsOne(t *testing.T) {
	t.Parallel()
	b := New(StrategyWeighted)
	b.SetRand(rand.New(rand.NewPCG(7, 7)))
	pool := []*routex.Channel{
		ch("a", 1, 0, 0),
		ch("b", 1, 0, 0),
	}
	counts := map[string]int{}
	for range 200 {
		got, err := b.Select(pool, "m")
		if err != nil {
			t.Fatal(err)
		}
		counts[got.Name]++
	}
	if counts["a"] == 0 || counts["b"] == 0 {
		t.Fatalf("zero-weight channels should both be selectable: %v", counts)
	}
}

func TestLeastUsed(t *testing.T) {
	t.Parallel()
	b := New(StrategyLeastUsed)

	got, err := b.Select([]*routex.Channel{
		ch("a", 1, 1, 50),
		ch("b", 1, 1, 10),
		ch("c", 1, 1, 30),
	}, "m")
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "b" {
		t.Fatalf("selected %s, want b", got.Name)
	}

	// Ties break by highest priority, then name.
	got, err = b.Select([]*routex.Channel{
		ch("b", 5, 1, 10),
		ch("a", 5, 1, 10),
		ch("c", 9, 1, 10),
	}, "m")
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "c" {
		t.Fatalf("selected %s, want c on priority tie-break", got.Name)
	}

	got, err = b.Select([]*routex.Channel{
		ch("b", 5, 1, 10),
		ch("a", 5, 1, 10),
	}, "m")
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "a" {
		t.Fatalf("selected %s, want a on name tie-break", got.Name)
	}
}

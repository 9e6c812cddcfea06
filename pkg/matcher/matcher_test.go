package matcher

import (
	"context"
	"errors"
	"testing"
)

func TestJaccard(t *testing.T) {
	tests := []struct {
		a, b string
		want float64
	}{
		{"Pokemon Booster Box", "Pokémon Booster Box", 1},
		{"pokemon booster box", "pokemon booster pack", 0.5},
		{"one piece", "lorcana", 0},
		{"a b c d", "a", 0.25},
		{"", "", 1},
		{"", "box", 0},
	}
	for _, tc := range tests {
		if got := Jaccard(tc.a, tc.b); got != tc.want {
			t.Fatalf("Jaccard(%q, %q) = %v, want %v", tc.a, tc.b, got, tc.want)
		}
	}
}

func TestMatchTieBreakSmallestKey(t *testing.T) {
	m, _ := New(DefaultThreshold)
	pool := []Candidate{
		{Key: "sku-9", Name: "booster box red"},
		{Key: "sku-1", Name: "booster box blue"},
		{Key: "sku-5", Name: "booster box green"},
	}
	for i := 0; i < 20; i++ {
		got := m.Match("booster box", pool)
		if got.Key != "sku-1" {
			t.Fatalf("run %d: expected sku-1, got %s", i, got.Key)
		}
		if got.Score != 2.0/3.0 || !got.Matched {
			t.Fatalf("run %d: unexpected result %+v", i, got)
		}
	}
}

func TestMatchThresholdBoundary(t *testing.T) {
	m, err := New(0.5)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// 2 shared tokens out of 4 -> exactly 0.5, accepted
	at := m.Match("alpha beta gamma", []Candidate{{Key: "k", Name: "alpha beta delta"}})
	if at.Score != 0.5 || !at.Matched {
		t.Fatalf("score at threshold must be accepted: %+v", at)
	}

	// 1 shared token out of 3 -> below, rejected
	below := m.Match("alpha beta", []Candidate{{Key: "k", Name: "alpha gamma"}})
	if below.Matched {
		t.Fatalf("score below threshold must be rejected: %+v", below)
	}

	// 3 of 7 is 0.428..., rejected; 4 of 8 is 0.5, accepted
	r1 := m.Match("a b c d e", []Candidate{{Key: "k", Name: "a b c f g"}})
	if r1.Matched {
		t.Fatalf("3/7 must be rejected: %+v", r1)
	}
	r2 := m.Match("a b c d e f", []Candidate{{Key: "k", Name: "a b c d g h"}})
	if !r2.Matched {
		t.Fatalf("4/8 must be accepted: %+v", r2)
	}
}

func TestNewRejectsBadThreshold(t *testing.T) {
	for _, th := range []float64{-0.1, 1.01} {
		if _, err := New(th); err == nil {
			t.Fatalf("expected error for threshold %v", th)
		}
	}
}

func TestMatchEmptyPool(t *testing.T) {
	m, _ := New(0)
	if got := m.Match("box", nil); got.Matched || got.Key != "" {
		t.Fatalf("empty pool must not match: %+v", got)
	}
}

type recordingSink struct {
	calls []string
	fail  map[string]bool
}

func (s *recordingSink) AddAutoMapping(ctx context.Context, sourceKey, targetKey string, score float64) error {
	if s.fail[sourceKey] {
		return errors.New("write failed")
	}
	s.calls = append(s.calls, sourceKey+"->"+targetKey)
	return nil
}

func TestAutoMapAll(t *testing.T) {
	m, _ := New(DefaultThreshold)
	targets := []Candidate{
		{Key: "cat-1", Name: "Pokémon Booster Box"},
		{Key: "cat-2", Name: "Lorcana Starter Deck"},
	}
	sources := []Candidate{
		{Key: "pokemon booster box", Name: "pokemon booster box"},
		{Key: "lorcana starter deck set", Name: "lorcana starter deck set"},
		{Key: "magic bundle", Name: "magic bundle"},
		{Key: "lorcana starter deck", Name: "lorcana starter deck"},
	}
	sink := &recordingSink{fail: map[string]bool{"lorcana starter deck": true}}

	sum, err := m.AutoMapAll(context.Background(), sources, targets, sink)
	if err != nil {
		t.Fatalf("AutoMapAll: %v", err)
	}
	if sum.Total != 4 || sum.Mapped != 2 || sum.Unmatched != 1 || sum.Failed != 1 {
		t.Fatalf("unexpected summary: %+v", sum)
	}
	if len(sink.calls) != 2 || sink.calls[0] != "pokemon booster box->cat-1" || sink.calls[1] != "lorcana starter deck set->cat-2" {
		t.Fatalf("unexpected sink calls: %v", sink.calls)
	}
	if sum.Outcomes[0].Score != 1 {
		t.Fatalf("diacritic folded names must score 1.0, got %v", sum.Outcomes[0].Score)
	}
	if sum.Outcomes[2].Status != StatusUnmatched {
		t.Fatalf("expected unmatched outcome, got %+v", sum.Outcomes[2])
	}
}

func TestAutoMapAllCanceled(t *testing.T) {
	m, _ := New(DefaultThreshold)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sum, err := m.AutoMapAll(ctx, []Candidate{{Key: "a", Name: "a"}}, []Candidate{{Key: "a", Name: "a"}}, &recordingSink{})
	if !errors.Is(err, context.Canceled) || sum.Total != 0 {
		t.Fatalf("expected cancellation before any work, got %v %+v", err, sum)
	}
}

// Package matcher links product records across sources by token-set similarity.
package matcher

import (
	"context"
	"errors"
	"fmt"

	"github.com/sw33tLie/shelfsync/pkg/canon"
)

// DefaultThreshold is the minimum Jaccard score for an automatic mapping.
const DefaultThreshold = 0.5

// Candidate is one entry of a match pool, or one record to be matched.
type Candidate struct {
	Key  string
	Name string
}

// Result is the outcome of matching a single name against a pool.
type Result struct {
	Key     string
	Name    string
	Score   float64
	Matched bool
}

// Matcher selects the best pool entry for a name.
type Matcher struct {
	threshold float64
	// threshold as a reduced fraction, so boundary checks are exact
	num, den int
}

// New builds a Matcher. The threshold must lie in [0,1].
func New(threshold float64) (*Matcher, error) {
	if threshold < 0 || threshold > 1 {
		return nil, fmt.Errorf("matcher threshold %v out of range [0,1]", threshold)
	}
	num, den := toFraction(threshold)
	return &Matcher{threshold: threshold, num: num, den: den}, nil
}

// Threshold returns the configured acceptance threshold.
func (m *Matcher) Threshold() float64 { return m.threshold }

// Match returns the pool entry with the highest score. Ties go to the
// lexicographically smallest key. Result.Matched is set only when the score
// reaches the threshold.
func (m *Matcher) Match(name string, pool []Candidate) Result {
	tokens := tokenSet(name)

	var (
		best         Result
		bestI, bestU int
		found        bool
	)
	for _, c := range pool {
		i, u := overlap(tokens, tokenSet(c.Name))
		if !found || better(i, u, bestI, bestU) || (equal(i, u, bestI, bestU) && c.Key < best.Key) {
			best = Result{Key: c.Key, Name: c.Name, Score: ratio(i, u)}
			bestI, bestU = i, u
			found = true
		}
	}
	if !found {
		return Result{}
	}
	best.Matched = m.accepts(bestI, bestU)
	return best
}

// accepts compares i/u >= num/den without floating point.
func (m *Matcher) accepts(i, u int) bool {
	if u == 0 {
		return true // two empty sets are identical
	}
	return i*m.den >= m.num*u
}

// Jaccard returns |A∩B| / |A∪B| over the canonical token sets of a and b.
// Two names with no tokens at all are considered identical.
func Jaccard(a, b string) float64 {
	return ratio(overlap(tokenSet(a), tokenSet(b)))
}

func tokenSet(name string) map[string]struct{} {
	toks := canon.Tokens(name)
	set := make(map[string]struct{}, len(toks))
	for _, t := range toks {
		set[t] = struct{}{}
	}
	return set
}

func overlap(a, b map[string]struct{}) (inter, union int) {
	for t := range a {
		if _, ok := b[t]; ok {
			inter++
		}
	}
	union = len(a) + len(b) - inter
	return inter, union
}

func ratio(i, u int) float64 {
	if u == 0 {
		return 1
	}
	return float64(i) / float64(u)
}

// better reports i1/u1 > i2/u2.
func better(i1, u1, i2, u2 int) bool {
	i1, u1 = norm(i1, u1)
	i2, u2 = norm(i2, u2)
	return i1*u2 > i2*u1
}

func equal(i1, u1, i2, u2 int) bool {
	i1, u1 = norm(i1, u1)
	i2, u2 = norm(i2, u2)
	return i1*u2 == i2*u1
}

// norm maps the empty-union case 0/0 to 1/1.
func norm(i, u int) (int, int) {
	if u == 0 {
		return 1, 1
	}
	return i, u
}

// toFraction converts a threshold with up to six decimals into num/den.
func toFraction(f float64) (int, int) {
	const den = 1000000
	num := int(f*den + 0.5)
	return num, den
}

// Outcome status values for AutoMapAll.
const (
	StatusMapped    = "mapped"
	StatusUnmatched = "unmatched"
	StatusFailed    = "failed"
)

// Outcome records what happened to one source record in a batch.
type Outcome struct {
	SourceKey string
	TargetKey string
	Score     float64
	Status    string
	Err       error
}

// Summary aggregates a batch run.
type Summary struct {
	Total     int
	Mapped    int
	Unmatched int
	Failed    int
	Outcomes  []Outcome
}

// MappingSink persists an accepted automatic mapping.
type MappingSink interface {
	AddAutoMapping(ctx context.Context, sourceKey, targetKey string, score float64) error
}

// SinkFunc adapts a function to MappingSink.
type SinkFunc func(ctx context.Context, sourceKey, targetKey string, score float64) error

func (f SinkFunc) AddAutoMapping(ctx context.Context, sourceKey, targetKey string, score float64) error {
	return f(ctx, sourceKey, targetKey, score)
}

// AutoMapAll matches every source against the whole target pool. Only matches
// at or above the threshold reach the sink; everything else is reported.
func (m *Matcher) AutoMapAll(ctx context.Context, sources, targets []Candidate, sink MappingSink) (Summary, error) {
	if sink == nil {
		return Summary{}, errors.New("matcher: nil mapping sink")
	}
	sum := Summary{Outcomes: make([]Outcome, 0, len(sources))}
	for _, src := range sources {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		sum.Total++
		res := m.Match(src.Name, targets)
		out := Outcome{SourceKey: src.Key, TargetKey: res.Key, Score: res.Score}
		switch {
		case !res.Matched:
			out.Status = StatusUnmatched
			sum.Unmatched++
		default:
			if err := sink.AddAutoMapping(ctx, src.Key, res.Key, res.Score); err != nil {
				out.Status = StatusFailed
				out.Err = err
				sum.Failed++
			} else {
				out.Status = StatusMapped
				sum.Mapped++
			}
		}
		sum.Outcomes = append(sum.Outcomes, out)
	}
	return sum, nil
}

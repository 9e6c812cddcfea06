package matcher

import (
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func wordsGen() gopter.Gen {
	return gen.SliceOfN(5, gen.OneConstOf("box", "pack", "booster", "pokemon", "lorcana", "deck", "red", "blue"))
}

func TestJaccardProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("symmetric", prop.ForAll(
		func(a, b []string) bool {
			x, y := strings.Join(a, " "), strings.Join(b, " ")
			return Jaccard(x, y) == Jaccard(y, x)
		},
		wordsGen(), wordsGen(),
	))

	properties.Property("bounded in [0,1]", prop.ForAll(
		func(a, b []string) bool {
			s := Jaccard(strings.Join(a, " "), strings.Join(b, " "))
			return s >= 0 && s <= 1
		},
		wordsGen(), wordsGen(),
	))

	properties.Property("1.0 iff equal sets, 0.0 iff disjoint", prop.ForAll(
		func(a, b []string) bool {
			sa, sb := tokenSet(strings.Join(a, " ")), tokenSet(strings.Join(b, " "))
			s := Jaccard(strings.Join(a, " "), strings.Join(b, " "))
			i, _ := overlap(sa, sb)
			sameSets := i == len(sa) && i == len(sb)
			disjoint := i == 0 && (len(sa)+len(sb)) > 0
			return (s == 1) == sameSets && (s == 0) == disjoint
		},
		wordsGen(), wordsGen(),
	))

	properties.Property("matching is deterministic", prop.ForAll(
		func(a []string, names [][]string) bool {
			m, _ := New(DefaultThreshold)
			pool := make([]Candidate, len(names))
			for i, n := range names {
				pool[i] = Candidate{Key: string(rune('a' + i%26)), Name: strings.Join(n, " ")}
			}
			first := m.Match(strings.Join(a, " "), pool)
			second := m.Match(strings.Join(a, " "), pool)
			return first == second
		},
		wordsGen(), gen.SliceOfN(6, wordsGen()),
	))

	properties.TestingRun(t)
}

package resolve

import (
	"sort"

	"github.com/pcbuilder/gpumarket-cli/internal/model"
)

// sourceTrust orders hypothesis sources from least to most trusted. Unknown
// sources rank lowest. Manual curation outranks every automated source.
var sourceTrust = map[string]int{
	"heuristic":  1,
	"openai":     2,
	"gemini":     3,
	"anthropic":  4,
	"perplexity": 5,
	"manual":     6,
}

func trustOf(source string) int {
	return sourceTrust[source]
}

// RankHypotheses sorts hypotheses from worst to best: ascending source
// trust, then ascending creation time, then ascending id. The last element
// is the best-ranked hypothesis; iterating from the end and taking the
// first applicable one implements last-applicable-wins. The ordering is a
// total order over the inputs, so ranking the same set always yields the
// same result.
func RankHypotheses(hyps []model.Hypothesis) []model.Hypothesis {
	ranked := make([]model.Hypothesis, len(hyps))
	copy(ranked, hyps)
	sort.SliceStable(ranked, func(i, j int) bool {
		ti, tj := trustOf(ranked[i].Source), trustOf(ranked[j].Source)
		if ti != tj {
			return ti < tj
		}
		if !ranked[i].CreatedAt.Equal(ranked[j].CreatedAt) {
			return ranked[i].CreatedAt.Before(ranked[j].CreatedAt)
		}
		return ranked[i].ID < ranked[j].ID
	})
	return ranked
}

package similarity

import (
	"sort"
	"strconv"
	"strings"

	"github.com/fyrsmithlabs/patternd/internal/pattern"
)

// FeatureSet is a set of namespaced structural feature tokens.
type FeatureSet map[string]struct{}

// Features extracts the structural feature set of an observation.
//
// Identifiers are lowercased so that casing differences between observations
// of the same structure do not depress similarity. Control-flow tokens keep
// their position index: the shape ["for","if"] must not equal ["if","for"].
func Features(obs pattern.Observation) FeatureSet {
	fs := make(FeatureSet, len(obs.Identifiers)+len(obs.ControlFlow)+len(obs.Imports))
	for _, id := range obs.Identifiers {
		id = strings.ToLower(strings.TrimSpace(id))
		if id != "" {
			fs["ident:"+id] = struct{}{}
		}
	}
	for i, tok := range obs.ControlFlow {
		tok = strings.ToLower(strings.TrimSpace(tok))
		if tok != "" {
			fs["flow:"+strconv.Itoa(i)+":"+tok] = struct{}{}
		}
	}
	for _, imp := range obs.Imports {
		imp = strings.TrimSpace(imp)
		if imp != "" {
			fs["import:"+imp] = struct{}{}
		}
	}
	return fs
}

// Jaccard returns the Jaccard coefficient of two feature sets.
//
// The function is symmetric. Two equal non-empty sets score 1.0. Two empty
// sets score 0.0 by convention: an observation with no structure carries no
// evidence of sameness, and treating it as identical to everything would
// collapse unrelated clusters.
func Jaccard(a, b FeatureSet) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0.0
	}
	small, large := a, b
	if len(b) < len(a) {
		small, large = b, a
	}
	inter := 0
	for f := range small {
		if _, ok := large[f]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0.0
	}
	return float64(inter) / float64(union)
}

// sortedIdentifiers returns the lowercased, deduplicated, sorted identifier
// tokens of an observation.
func sortedIdentifiers(obs pattern.Observation) []string {
	seen := make(map[string]struct{}, len(obs.Identifiers))
	out := make([]string, 0, len(obs.Identifiers))
	for _, id := range obs.Identifiers {
		id = strings.ToLower(strings.TrimSpace(id))
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

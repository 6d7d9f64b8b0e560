package similarity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"

	"github.com/fyrsmithlabs/patternd/internal/pattern"
)

// Cluster is one group of observations judged to describe the same structure.
type Cluster struct {
	// Members are the observations merged into this cluster.
	Members []pattern.Observation

	// Features is the representative's feature set, kept so callers can
	// inspect cluster cohesion without re-extracting.
	Features FeatureSet
}

// NearPair is a pair of clusters whose similarity fell within epsilon below
// the merge threshold. Near misses indicate false-merge risk and are surfaced
// as warnings rather than silently merged or dropped.
type NearPair struct {
	A, B       pattern.Observation
	Similarity float64
	Threshold  float64
}

// ClusterObservations partitions observations with union-find: two
// observations join the same cluster when their Jaccard similarity meets the
// threshold. Pairs within epsilon below the threshold are reported as near
// misses.
//
// The pairwise pass checks ctx between rows so unbounded batches can be
// cancelled cooperatively.
func ClusterObservations(ctx context.Context, obs []pattern.Observation, threshold, epsilon float64) ([]Cluster, []NearPair, error) {
	n := len(obs)
	if n == 0 {
		return nil, nil, nil
	}

	features := make([]FeatureSet, n)
	for i, o := range obs {
		features[i] = Features(o)
	}

	uf := newUnionFind(n)
	var near []NearPair

	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		for j := i + 1; j < n; j++ {
			sim := Jaccard(features[i], features[j])
			switch {
			case sim >= threshold:
				uf.union(i, j)
			case epsilon > 0 && sim >= threshold-epsilon:
				near = append(near, NearPair{
					A:          obs[i],
					B:          obs[j],
					Similarity: sim,
					Threshold:  threshold,
				})
			}
		}
	}

	// Group members by root, preserving input order within each cluster.
	byRoot := make(map[int][]int, n)
	order := make([]int, 0, n)
	for i := 0; i < n; i++ {
		root := uf.find(i)
		if _, ok := byRoot[root]; !ok {
			order = append(order, root)
		}
		byRoot[root] = append(byRoot[root], i)
	}

	clusters := make([]Cluster, 0, len(order))
	for _, root := range order {
		members := make([]pattern.Observation, 0, len(byRoot[root]))
		for _, idx := range byRoot[root] {
			members = append(members, obs[idx])
		}
		rep := Representative(members)
		clusters = append(clusters, Cluster{
			Members:  members,
			Features: Features(rep),
		})
	}
	return clusters, near, nil
}

// Representative picks the cluster member that stands for the whole cluster:
// highest evidence count, ties broken by lexical signature order so the
// choice is deterministic regardless of input ordering.
func Representative(members []pattern.Observation) pattern.Observation {
	best := members[0]
	bestSig := Signature(best)
	for _, m := range members[1:] {
		sig := Signature(m)
		me, be := evidenceOf(m), evidenceOf(best)
		if me > be || (me == be && sig < bestSig) {
			best = m
			bestSig = sig
		}
	}
	return best
}

// ClusterScore returns the evidence-weighted mean confidence of the cluster
// members, clamped to [0,1].
func ClusterScore(members []pattern.Observation) float64 {
	var weighted, total float64
	for _, m := range members {
		w := float64(evidenceOf(m))
		weighted += m.Confidence * w
		total += w
	}
	if total == 0 {
		return 0
	}
	score := weighted / total
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// EvidenceTotal sums the evidence counts of the cluster members.
func EvidenceTotal(members []pattern.Observation) int {
	total := 0
	for _, m := range members {
		total += evidenceOf(m)
	}
	return total
}

// Signature returns the canonical signature of an observation: its
// lowercased, deduplicated identifiers joined in sorted order. Equal
// identifier sets produce equal signatures regardless of input ordering.
func Signature(obs pattern.Observation) string {
	return strings.Join(sortedIdentifiers(obs), "|")
}

// SignatureHash returns the stable hex sha256 of the canonical signature.
func SignatureHash(obs pattern.Observation) string {
	sum := sha256.Sum256([]byte(Signature(obs)))
	return hex.EncodeToString(sum[:])
}

func evidenceOf(obs pattern.Observation) int {
	if obs.EvidenceCount <= 0 {
		return 1
	}
	return obs.EvidenceCount
}

// unionFind is a path-compressing disjoint-set over element indices.
type unionFind struct {
	parent []int
	rank   []int
}

func newUnionFind(n int) *unionFind {
	uf := &unionFind{
		parent: make([]int, n),
		rank:   make([]int, n),
	}
	for i := range uf.parent {
		uf.parent[i] = i
	}
	return uf
}

func (uf *unionFind) find(x int) int {
	for uf.parent[x] != x {
		uf.parent[x] = uf.parent[uf.parent[x]]
		x = uf.parent[x]
	}
	return x
}

func (uf *unionFind) union(a, b int) {
	ra, rb := uf.find(a), uf.find(b)
	if ra == rb {
		return
	}
	if uf.rank[ra] < uf.rank[rb] {
		ra, rb = rb, ra
	}
	uf.parent[rb] = ra
	if uf.rank[ra] == uf.rank[rb] {
		uf.rank[ra]++
	}
}

// SortClustersBySize orders clusters largest first, ties by representative
// signature, for stable reporting.
func SortClustersBySize(clusters []Cluster) {
	sort.SliceStable(clusters, func(i, j int) bool {
		if len(clusters[i].Members) != len(clusters[j].Members) {
			return len(clusters[i].Members) > len(clusters[j].Members)
		}
		return Signature(Representative(clusters[i].Members)) < Signature(Representative(clusters[j].Members))
	})
}

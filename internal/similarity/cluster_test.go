package similarity

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/patternd/internal/pattern"
)

func obsWith(idents ...string) pattern.Observation {
	return pattern.Observation{
		Domain:      "go",
		Identifiers: idents,
		Confidence:  0.8,
	}
}

func TestJaccard_Symmetry(t *testing.T) {
	pairs := [][2]pattern.Observation{
		{obsWith("retry", "backoff"), obsWith("retry", "timeout")},
		{obsWith("a"), obsWith("b", "c", "d")},
		{obsWith(), obsWith("x")},
		{obsWith("x", "y"), obsWith("x", "y")},
	}

	for _, p := range pairs {
		a, b := Features(p[0]), Features(p[1])
		assert.Equal(t, Jaccard(a, b), Jaccard(b, a))
	}
}

func TestJaccard_IdenticalNonEmpty(t *testing.T) {
	fs := Features(obsWith("retry", "backoff", "jitter"))
	assert.Equal(t, 1.0, Jaccard(fs, fs))
}

func TestJaccard_BothEmpty(t *testing.T) {
	// Two empty sets score 0.0 by convention, not 1.0 and not an error.
	assert.Equal(t, 0.0, Jaccard(FeatureSet{}, FeatureSet{}))
}

func TestJaccard_PartialOverlap(t *testing.T) {
	a := Features(obsWith("retry", "backoff"))
	b := Features(obsWith("retry", "timeout"))

	// Intersection 1, union 3.
	assert.InDelta(t, 1.0/3.0, Jaccard(a, b), 0.001)
}

func TestFeatures_ControlFlowIsPositional(t *testing.T) {
	a := Features(pattern.Observation{ControlFlow: []string{"for", "if"}})
	b := Features(pattern.Observation{ControlFlow: []string{"if", "for"}})
	assert.NotEqual(t, 1.0, Jaccard(a, b))
}

func TestFeatures_IdentifiersCaseInsensitive(t *testing.T) {
	a := Features(obsWith("RetryLoop", "BackOff"))
	b := Features(obsWith("retryloop", "backoff"))
	assert.Equal(t, 1.0, Jaccard(a, b))
}

func TestSignature_OrderIndependent(t *testing.T) {
	a := obsWith("Gamma", "alpha", "Beta")
	b := obsWith("beta", "GAMMA", "Alpha")

	assert.Equal(t, Signature(a), Signature(b))
	assert.Equal(t, SignatureHash(a), SignatureHash(b))
	assert.Equal(t, "alpha|beta|gamma", Signature(a))
}

func TestSignature_DeduplicatesIdentifiers(t *testing.T) {
	a := obsWith("retry", "Retry", "retry")
	assert.Equal(t, "retry", Signature(a))
}

func TestClusterObservations_MergesAboveThreshold(t *testing.T) {
	obs := []pattern.Observation{
		obsWith("retry", "backoff", "jitter"),
		obsWith("retry", "backoff", "jitter", "maxattempts"),
		obsWith("mutex", "lock", "unlock"),
	}

	clusters, near, err := ClusterObservations(context.Background(), obs, 0.7, 0.05)
	require.NoError(t, err)
	assert.Empty(t, near)
	require.Len(t, clusters, 2)

	SortClustersBySize(clusters)
	assert.Len(t, clusters[0].Members, 2)
	assert.Len(t, clusters[1].Members, 1)
}

func TestClusterObservations_TransitiveMerge(t *testing.T) {
	// A~B and B~C merge all three even if A and C alone fall short.
	obs := []pattern.Observation{
		obsWith("a", "b", "c", "d"),
		obsWith("a", "b", "c", "e"),
		obsWith("a", "b", "e", "f"),
	}

	clusters, _, err := ClusterObservations(context.Background(), obs, 0.6, 0)
	require.NoError(t, err)
	assert.Len(t, clusters, 1)
	assert.Len(t, clusters[0].Members, 3)
}

func TestClusterObservations_NearThresholdSurfaced(t *testing.T) {
	// Similarity 3/5 = 0.6 against threshold 0.65 is a near miss at
	// epsilon 0.1: warned, not merged.
	obs := []pattern.Observation{
		obsWith("a", "b", "c", "d"),
		obsWith("a", "b", "c", "e"),
	}

	clusters, near, err := ClusterObservations(context.Background(), obs, 0.65, 0.1)
	require.NoError(t, err)
	assert.Len(t, clusters, 2)
	require.Len(t, near, 1)
	assert.InDelta(t, 0.6, near[0].Similarity, 0.001)
	assert.Equal(t, 0.65, near[0].Threshold)
}

func TestClusterObservations_Cancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	obs := []pattern.Observation{obsWith("a"), obsWith("b")}
	_, _, err := ClusterObservations(ctx, obs, 0.8, 0)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRepresentative_HighestEvidenceWins(t *testing.T) {
	a := obsWith("retry", "backoff")
	a.EvidenceCount = 2
	b := obsWith("retry", "backoff", "jitter")
	b.EvidenceCount = 7

	rep := Representative([]pattern.Observation{a, b})
	assert.Equal(t, 7, rep.EvidenceCount)
}

func TestRepresentative_TieBrokenBySignature(t *testing.T) {
	a := obsWith("zeta")
	b := obsWith("alpha")

	// Both default to evidence 1; lexically smaller signature wins.
	rep := Representative([]pattern.Observation{a, b})
	assert.Equal(t, "alpha", Signature(rep))
}

func TestClusterScore_EvidenceWeighted(t *testing.T) {
	a := obsWith("x")
	a.Confidence = 1.0
	a.EvidenceCount = 3
	b := obsWith("y")
	b.Confidence = 0.0
	b.EvidenceCount = 1

	assert.InDelta(t, 0.75, ClusterScore([]pattern.Observation{a, b}), 0.001)
}

func TestClusterScore_Clamped(t *testing.T) {
	a := obsWith("x")
	a.Confidence = 1.7 // malformed upstream, score still clamps
	assert.Equal(t, 1.0, ClusterScore([]pattern.Observation{a}))
}

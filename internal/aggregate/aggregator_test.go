package aggregate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/patternd/internal/pattern"
)

func validObs(domain string, conf float64, idents ...string) pattern.Observation {
	return pattern.Observation{
		Domain:      domain,
		Identifiers: idents,
		Confidence:  conf,
	}
}

func TestAggregate_EmptyBatchFailsFast(t *testing.T) {
	agg := New(DefaultConfig(), nil)

	_, err := agg.Aggregate(context.Background(), nil)
	require.Error(t, err)
	assert.True(t, pattern.IsValidation(err))
}

func TestAggregate_AllMalformedFailsFast(t *testing.T) {
	agg := New(DefaultConfig(), nil)

	batch := []pattern.Observation{
		{Domain: "", Identifiers: []string{"x"}, Confidence: 0.9},
		{Domain: "go", Confidence: 0.9}, // no structural features
	}

	_, err := agg.Aggregate(context.Background(), batch)
	require.Error(t, err)
	assert.True(t, pattern.IsValidation(err))
}

func TestAggregate_MalformedItemSkippedNotFatal(t *testing.T) {
	agg := New(DefaultConfig(), nil)

	batch := []pattern.Observation{
		validObs("go", 0.9, "retry", "backoff"),
		{Domain: "go", Identifiers: []string{"x"}, Confidence: 1.5}, // bad confidence
	}

	result, err := agg.Aggregate(context.Background(), batch)
	require.NoError(t, err)
	assert.Len(t, result.Candidates, 1)
	assert.Equal(t, 2, result.Observed)
	assert.Equal(t, 1, result.Merged)

	require.Len(t, result.Warnings, 1)
	assert.Equal(t, "skipped_item", result.Warnings[0].Kind)
}

func TestAggregate_DeduplicatesOverlappingObservations(t *testing.T) {
	agg := New(Config{SimilarityThreshold: 0.7, NearThresholdEpsilon: 0.05}, nil)

	a := validObs("go", 0.8, "retry", "backoff", "jitter")
	a.EvidenceCount = 2
	b := validObs("go", 0.9, "retry", "backoff", "jitter", "maxattempts")
	b.EvidenceCount = 6
	c := validObs("go", 0.7, "mutex", "lock", "unlock")

	result, err := agg.Aggregate(context.Background(), []pattern.Observation{a, b, c})
	require.NoError(t, err)
	require.Len(t, result.Candidates, 2)

	// Representative of the merged cluster is the higher-evidence member.
	merged := result.Candidates[0]
	assert.Equal(t, "backoff|jitter|maxattempts|retry", merged.Signature)
	assert.Equal(t, 8, merged.EvidenceCount)
	// Evidence-weighted mean: (0.8*2 + 0.9*6) / 8.
	assert.InDelta(t, 0.875, merged.Confidence, 0.001)
}

func TestAggregate_DomainsNeverMerge(t *testing.T) {
	agg := New(DefaultConfig(), nil)

	batch := []pattern.Observation{
		validObs("go", 0.9, "retry", "backoff"),
		validObs("python", 0.9, "retry", "backoff"),
	}

	result, err := agg.Aggregate(context.Background(), batch)
	require.NoError(t, err)
	assert.Len(t, result.Candidates, 2)
}

func TestAggregate_NearThresholdWarns(t *testing.T) {
	// Similarity 0.6 against threshold 0.65 with epsilon 0.1: two
	// candidates plus a near-threshold warning.
	agg := New(Config{SimilarityThreshold: 0.65, NearThresholdEpsilon: 0.1}, nil)

	batch := []pattern.Observation{
		validObs("go", 0.9, "a", "b", "c", "d"),
		validObs("go", 0.9, "a", "b", "c", "e"),
	}

	result, err := agg.Aggregate(context.Background(), batch)
	require.NoError(t, err)
	assert.Len(t, result.Candidates, 2)

	require.Len(t, result.Warnings, 1)
	assert.Equal(t, "near_threshold", result.Warnings[0].Kind)
	assert.InDelta(t, 0.6, result.Warnings[0].Similarity, 0.001)
}

func TestAggregate_Idempotent(t *testing.T) {
	agg := New(Config{SimilarityThreshold: 0.7, NearThresholdEpsilon: 0}, nil)

	batch := []pattern.Observation{
		validObs("go", 0.8, "retry", "backoff", "jitter"),
		validObs("go", 0.9, "retry", "backoff", "jitter", "maxattempts"),
		validObs("go", 0.7, "mutex", "lock", "unlock"),
	}

	first, err := agg.Aggregate(context.Background(), batch)
	require.NoError(t, err)

	// Feed the deduplicated output back in as observations.
	second := make([]pattern.Observation, 0, len(first.Candidates))
	for _, c := range first.Candidates {
		second = append(second, pattern.Observation{
			Domain:        c.Domain,
			Identifiers:   splitSignature(c.Signature),
			Confidence:    c.Confidence,
			EvidenceCount: c.EvidenceCount,
		})
	}

	rerun, err := agg.Aggregate(context.Background(), second)
	require.NoError(t, err)
	assert.Len(t, rerun.Candidates, len(first.Candidates))
}

func TestAggregate_Cancellation(t *testing.T) {
	agg := New(DefaultConfig(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := agg.Aggregate(ctx, []pattern.Observation{validObs("go", 0.9, "x")})
	assert.ErrorIs(t, err, context.Canceled)
}

func splitSignature(sig string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(sig); i++ {
		if i == len(sig) || sig[i] == '|' {
			if i > start {
				out = append(out, sig[start:i])
			}
			start = i + 1
		}
	}
	return out
}

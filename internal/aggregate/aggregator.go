package aggregate

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/patternd/internal/pattern"
	"github.com/fyrsmithlabs/patternd/internal/similarity"
)

// Config holds the aggregator's clustering knobs. Values come from the
// configuration surface, never hardcoded call sites.
type Config struct {
	// SimilarityThreshold is the minimum Jaccard similarity for two
	// observations to merge (default 0.8).
	SimilarityThreshold float64

	// NearThresholdEpsilon is the band below the threshold in which pairs
	// are surfaced as false-merge-risk warnings (default 0.05).
	NearThresholdEpsilon float64
}

// DefaultConfig returns the default clustering knobs.
func DefaultConfig() Config {
	return Config{
		SimilarityThreshold:  0.8,
		NearThresholdEpsilon: 0.05,
	}
}

// Warning describes a non-fatal condition found while aggregating a batch.
type Warning struct {
	// Kind is "skipped_item" or "near_threshold".
	Kind string `json:"kind"`

	// Detail is a human-readable description.
	Detail string `json:"detail"`

	// Similarity and Threshold are set for near_threshold warnings.
	Similarity float64 `json:"similarity,omitempty"`
	Threshold  float64 `json:"threshold,omitempty"`
}

// Result is the outcome of aggregating one batch.
type Result struct {
	// Candidates holds one deduplicated candidate per cluster.
	Candidates []pattern.PatternCandidate `json:"candidates"`

	// Warnings holds skipped-item and near-threshold notices.
	Warnings []Warning `json:"warnings,omitempty"`

	// Observed is the batch size before validation, Merged the number of
	// valid observations that went into clustering.
	Observed int `json:"observed"`
	Merged   int `json:"merged"`
}

// Aggregator deduplicates observation batches into pattern candidates.
type Aggregator struct {
	config Config
	logger *zap.Logger
}

// New creates an aggregator. A nil logger falls back to a no-op logger.
func New(cfg Config, logger *zap.Logger) *Aggregator {
	if cfg.SimilarityThreshold <= 0 || cfg.SimilarityThreshold > 1 {
		cfg.SimilarityThreshold = DefaultConfig().SimilarityThreshold
	}
	if cfg.NearThresholdEpsilon < 0 {
		cfg.NearThresholdEpsilon = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{config: cfg, logger: logger}
}

// Aggregate clusters a batch and returns one candidate per cluster.
//
// Failure semantics: malformed items are skipped and logged as warnings; an
// entirely unusable batch (empty, or no item survives validation) returns a
// ValidationError. Clustering honors ctx cancellation.
//
// Aggregating the output of a previous aggregation is idempotent: distinct
// representatives stay distinct because any pair that could merge would
// already have merged in the first pass.
func (a *Aggregator) Aggregate(ctx context.Context, batch []pattern.Observation) (*Result, error) {
	result := &Result{Observed: len(batch)}

	if len(batch) == 0 {
		return nil, pattern.NewValidationError("empty batch", pattern.ErrEmptyBatch)
	}

	valid := make([]pattern.Observation, 0, len(batch))
	for i, obs := range batch {
		if err := validateObservation(obs); err != nil {
			detail := fmt.Sprintf("item %d skipped: %v", i, err)
			result.Warnings = append(result.Warnings, Warning{Kind: "skipped_item", Detail: detail})
			a.logger.Warn("skipping malformed observation",
				zap.Int("index", i),
				zap.String("domain", obs.Domain),
				zap.Error(err),
			)
			continue
		}
		valid = append(valid, obs)
	}
	if len(valid) == 0 {
		return nil, pattern.NewValidationError("no valid items in batch", pattern.ErrEmptyBatch)
	}
	result.Merged = len(valid)

	// Observations never merge across domains: cluster per domain.
	byDomain := groupByDomain(valid)
	for _, domain := range byDomain.order {
		clusters, near, err := similarity.ClusterObservations(
			ctx, byDomain.groups[domain],
			a.config.SimilarityThreshold, a.config.NearThresholdEpsilon,
		)
		if err != nil {
			return nil, err
		}

		for _, pair := range near {
			w := Warning{
				Kind: "near_threshold",
				Detail: fmt.Sprintf("domain %s: %q vs %q within epsilon of merge threshold",
					domain, similarity.Signature(pair.A), similarity.Signature(pair.B)),
				Similarity: pair.Similarity,
				Threshold:  pair.Threshold,
			}
			result.Warnings = append(result.Warnings, w)
			a.logger.Warn("near-threshold pair not merged",
				zap.String("domain", domain),
				zap.Float64("similarity", pair.Similarity),
				zap.Float64("threshold", pair.Threshold),
			)
		}

		similarity.SortClustersBySize(clusters)
		for _, cluster := range clusters {
			rep := similarity.Representative(cluster.Members)
			result.Candidates = append(result.Candidates, pattern.PatternCandidate{
				Signature:     similarity.Signature(rep),
				SignatureHash: similarity.SignatureHash(rep),
				Domain:        domain,
				Confidence:    similarity.ClusterScore(cluster.Members),
				EvidenceCount: similarity.EvidenceTotal(cluster.Members),
			})
		}
	}

	a.logger.Debug("aggregated batch",
		zap.Int("observed", result.Observed),
		zap.Int("merged", result.Merged),
		zap.Int("candidates", len(result.Candidates)),
		zap.Int("warnings", len(result.Warnings)),
	)
	return result, nil
}

// validateObservation rejects items the pipeline cannot score or key.
func validateObservation(obs pattern.Observation) error {
	if obs.Domain == "" {
		return pattern.ErrEmptyDomain
	}
	if len(obs.Identifiers) == 0 && len(obs.ControlFlow) == 0 && len(obs.Imports) == 0 {
		return fmt.Errorf("observation has no structural features")
	}
	if obs.Confidence < 0 || obs.Confidence > 1 {
		return fmt.Errorf("confidence %v outside [0,1]", obs.Confidence)
	}
	if obs.EvidenceCount < 0 {
		return fmt.Errorf("evidence count %d is negative", obs.EvidenceCount)
	}
	return nil
}

// domainGroups preserves first-seen domain order for deterministic output.
type domainGroups struct {
	order  []string
	groups map[string][]pattern.Observation
}

func groupByDomain(obs []pattern.Observation) domainGroups {
	dg := domainGroups{groups: make(map[string][]pattern.Observation)}
	for _, o := range obs {
		if _, ok := dg.groups[o.Domain]; !ok {
			dg.order = append(dg.order, o.Domain)
		}
		dg.groups[o.Domain] = append(dg.groups[o.Domain], o)
	}
	return dg
}

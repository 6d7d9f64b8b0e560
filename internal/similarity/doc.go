// Package similarity implements the pure structural-similarity engine:
// feature extraction from observations, pairwise Jaccard similarity,
// union-find clustering, cluster confidence scoring, and stable signature
// generation. Nothing in this package performs I/O; long clustering passes
// honor context cancellation between merge steps.
package similarity

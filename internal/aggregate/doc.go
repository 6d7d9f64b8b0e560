// Package aggregate turns batches of raw pattern observations into
// deduplicated, confidence-scored pattern candidates.
//
// The aggregator is pure orchestration over the similarity engine: it
// validates items, clusters the survivors, elects one representative per
// cluster, and scores each cluster by evidence-weighted confidence. A
// malformed item inside an otherwise valid batch is skipped with a warning;
// a batch with no valid items fails fast with a validation error.
package aggregate

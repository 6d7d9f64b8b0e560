// Package gate implements the rolling-window trust gates.
//
// The promotion gate promotes on accumulated positive evidence; the demotion
// gate demotes on failure signals or governance overrides. The two are
// deliberately asymmetric: demotion requires a cooldown after the last status
// change, a higher injection floor, and a stricter failure threshold, because
// a false demotion discards established trust and costs more than a false
// promotion.
//
// Gates never write status. Each evaluation submits a transition request to
// the reducer with a snapshot of the metrics it saw; a losing submission
// observes a conflict and re-evaluates on the next scan with fresh metrics.
// The Scanner runs both gates periodically with a bounded batch per scan.
package gate

// Package ledger provides typed access to the shared job ledger: the
// ingest_jobs table and the per-lane batch state records, reached over the
// ledger's REST API. The conditional claim update in this package is the
// only concurrency-safety mechanism in the system.
package ledger

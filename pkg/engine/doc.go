// Package engine orchestrates escape-time generation for a viewport.
//
// # Generation
//
// Generator.Generate resolves a request in one of three ways:
//
//  1. Hit - the exact bounds and iteration count are cached and returned as is.
//  2. Incremental - a cached dataset with the same bounds, resolution and precision
//     but fewer iterations is extended by the missing iterations.
//  3. Fresh - the dataset is computed from zero iterates.
//
// Computation splits the coordinate grid into row chunks that run on a ChunkScheduler
// worker pool. Chunk outputs are stacked back in row order, escape values from the
// extended dataset are restored for pixels that had already escaped, and the result
// is committed to the cache before it is returned.
//
// # Planning
//
// Generator.Plan answers how a request would be served without computing anything.
// Generator.Refine runs a ladder of increasing iteration counts so that each step
// extends the previous one; RefinementSteps builds a geometric ladder.
//
// # Cancellation
//
// The context passed to Generate is checked once per iteration step in every chunk.
// A cancelled generation returns no dataset and no error, and nothing is committed.
//
// # Error Classification
//
// Failures are returned as *EngineError:
//
//   - Transient: cache or ledger I/O that may succeed on retry
//   - Permanent: invalid viewports, unresolvable bounds, arithmetic failures, and
//     requests denied by an admission policy (code POLICY_DENIED)
//
// Use IsTransient, IsPermanent, IsPolicyDenied and IsRetryable to inspect them.
package engine

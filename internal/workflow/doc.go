// Package workflow implements the Temporal workflows behind bulk batch
// dispatch.
//
// A bulk batch is too large to enqueue in one request, so BulkDispatchWorkflow
// walks it chunk by chunk through the DispatchChunk activity, pausing between
// chunks and backing off while the bulk queue is saturated. The workflow keeps
// only the resume offset in its state and continues as new after a bounded
// number of chunks so its history stays small.
//
// Workflows must stay deterministic: no wall-clock reads, randomness or I/O.
// Everything that touches the store or the broker lives in activities.
package workflow

// Package worker wires the evaluation runtime: it builds every component from
// configuration, runs the queue consumer pool and registers the bulk dispatch
// workflow with a Temporal worker.
package worker

import (
	"github.com/ahrav/go-evalpipe/internal/bulk"
	"github.com/ahrav/go-evalpipe/internal/workflow"
)

// Registry is satisfied by a Temporal worker and by the workflow test
// environment.
type Registry interface {
	RegisterWorkflow(w any)
	RegisterActivity(a any)
}

// RegisterAll registers all workflows and activities with the Temporal worker.
// It must be called once, before the worker is started.
func RegisterAll(w Registry, acts *bulk.Activities) {
	w.RegisterWorkflow(workflow.BulkDispatchWorkflow)
	w.RegisterActivity(acts.DispatchChunk)
}

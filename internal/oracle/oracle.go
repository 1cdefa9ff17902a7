// Package oracle defines the contract with the external content-analysis
// service and the middleware that wraps every adapter.
//
// Adapters must report failures with one of three kinds (Timeout,
// MalformedResponse, Other). The fallback validator routes on that kind, so
// middleware preserves it end to end.
package oracle

import (
	"context"

	"github.com/ahrav/go-evalpipe/internal/domain"
)

// Task selects what the oracle is asked to do with a document.
type Task string

const (
	// TaskEvaluate scores the document against the payload criteria.
	TaskEvaluate Task = "evaluate"

	// TaskTemplateFull compares the document with a template using the
	// complete template description.
	TaskTemplateFull Task = "template_full"

	// TaskTemplateSimplified is the reduced template prompt used under a
	// shorter budget.
	TaskTemplateSimplified Task = "template_simplified"
)

// IsTemplate reports whether the task is a template validation.
func (t Task) IsTemplate() bool {
	return t == TaskTemplateFull || t == TaskTemplateSimplified
}

// Request is one oracle invocation.
type Request struct {
	Task     Task
	Content  []byte
	Document domain.DocumentRef
	Context  string
	Criteria []domain.Criterion
	Template *domain.TemplateDescriptor
}

// TemplateAssessment is the oracle's verdict for a template task.
type TemplateAssessment struct {
	ThemeMatch         float64  `json:"theme_match"`
	StructureAdherence float64  `json:"structure_adherence"`
	Deviations         []string `json:"deviations,omitempty"`
}

// Response carries the analysis for TaskEvaluate and the assessment for
// template tasks.
type Response struct {
	Analysis domain.Analysis
	Template *TemplateAssessment
}

// Client analyzes documents.
type Client interface {
	Analyze(ctx context.Context, req *Request) (*Response, error)
}

// ClientFunc adapts a function to the Client interface.
type ClientFunc func(context.Context, *Request) (*Response, error)

// Analyze implements Client.
func (f ClientFunc) Analyze(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

// Middleware decorates a Client.
type Middleware func(Client) Client

// Chain wraps c with middlewares, the first one outermost.
func Chain(c Client, middlewares ...Middleware) Client {
	for i := len(middlewares) - 1; i >= 0; i-- {
		c = middlewares[i](c)
	}
	return c
}

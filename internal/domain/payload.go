package domain

import (
	"slices"
	"strings"
)

// DocumentRef locates a submitted document in the document store.
type DocumentRef struct {
	Key         string `json:"key" validate:"required"`
	ContentType string `json:"content_type,omitempty"`
	Filename    string `json:"filename,omitempty"`
}

// IsPDF reports whether the referenced document is a PDF.
func (d DocumentRef) IsPDF() bool {
	return d.ContentType == "application/pdf" || strings.HasSuffix(strings.ToLower(d.Filename), ".pdf")
}

// Criterion is a named scoring dimension with a caller-supplied weight.
// Weights are clamped to [0,100] when the overall score is computed.
type Criterion struct {
	Name        string  `json:"name" validate:"required"`
	Description string  `json:"description,omitempty"`
	Weight      float64 `json:"weight"`
}

// TemplateDescriptor describes the reference template a document is checked
// against. Its presence on a payload requests template validation.
type TemplateDescriptor struct {
	ID   string `json:"id" yaml:"id" validate:"required"`
	Name string `json:"name" yaml:"name"`

	// Description is free text handed to the oracle during full validation.
	Description string `json:"description,omitempty" yaml:"description"`

	// ThemeKeywords are the topics a matching document is expected to cover.
	ThemeKeywords []string `json:"theme_keywords,omitempty" yaml:"theme_keywords"`

	// Sections are the headings the template prescribes, in order.
	Sections []string `json:"sections,omitempty" yaml:"sections"`

	// MinPages and MaxPages bound the expected document length; zero disables the bound.
	MinPages int `json:"min_pages,omitempty" yaml:"min_pages" validate:"min=0"`
	MaxPages int `json:"max_pages,omitempty" yaml:"max_pages" validate:"min=0"`
}

// Payload carries everything the processor needs to evaluate one document.
type Payload struct {
	Document DocumentRef `json:"document" validate:"required"`

	// Context is the evaluation domain or category. It discriminates cache
	// entries so that identical bytes evaluated under different contexts
	// do not share results.
	Context string `json:"context" validate:"required"`

	Criteria []Criterion `json:"criteria" validate:"required,min=1,dive"`

	// Template is optional.
	Template *TemplateDescriptor `json:"template,omitempty" validate:"omitempty"`
}

// CriterionNames returns the criterion names in declaration order.
func (p Payload) CriterionNames() []string {
	names := make([]string, 0, len(p.Criteria))
	for _, c := range p.Criteria {
		names = append(names, c.Name)
	}
	return names
}

// Clone returns a deep copy of the payload.
func (p Payload) Clone() Payload {
	out := p
	out.Criteria = slices.Clone(p.Criteria)
	if p.Template != nil {
		t := *p.Template
		t.ThemeKeywords = slices.Clone(p.Template.ThemeKeywords)
		t.Sections = slices.Clone(p.Template.Sections)
		out.Template = &t
	}
	return out
}

// Subject is a stored submission: the document bytes plus their reference.
type Subject struct {
	ID       string      `json:"id"`
	Document DocumentRef `json:"document"`
	Content  []byte      `json:"-"`
}

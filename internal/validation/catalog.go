package validation

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/ahrav/go-evalpipe/internal/domain"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// ErrTemplateNotFound is returned by Catalog.Get for an unknown ID.
var ErrTemplateNotFound = errors.New("template not found")

// catalogFile is the on-disk YAML layout:
//
//	templates:
//	  - id: grant-proposal
//	    name: Grant proposal
//	    theme_keywords: [impact, budget]
//	    sections: [Summary, Methodology, Budget]
//	    min_pages: 2
type catalogFile struct {
	Templates []domain.TemplateDescriptor `yaml:"templates" validate:"dive"`
}

// Catalog holds named template descriptors so payloads can reference a
// template by ID alone.
type Catalog struct {
	mu        sync.RWMutex
	templates map[string]domain.TemplateDescriptor
}

// NewCatalog creates a catalog from descriptors.
func NewCatalog(templates ...domain.TemplateDescriptor) *Catalog {
	c := &Catalog{templates: make(map[string]domain.TemplateDescriptor, len(templates))}
	for _, t := range templates {
		c.templates[t.ID] = t
	}
	return c
}

// LoadCatalog reads a YAML catalog. An empty path yields an empty catalog.
func LoadCatalog(path string) (*Catalog, error) {
	if path == "" {
		return NewCatalog(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read template catalog: %w", err)
	}

	var f catalogFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse template catalog %s: %w", path, err)
	}
	if err := validate.Struct(&f); err != nil {
		return nil, fmt.Errorf("invalid template catalog %s: %w", path, err)
	}

	seen := make(map[string]struct{}, len(f.Templates))
	for _, t := range f.Templates {
		if _, dup := seen[t.ID]; dup {
			return nil, fmt.Errorf("invalid template catalog %s: duplicate id %q", path, t.ID)
		}
		seen[t.ID] = struct{}{}
	}
	return NewCatalog(f.Templates...), nil
}

// Get returns the descriptor registered under id.
func (c *Catalog) Get(id string) (domain.TemplateDescriptor, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.templates[id]
	if !ok {
		return domain.TemplateDescriptor{}, fmt.Errorf("%w: %s", ErrTemplateNotFound, id)
	}
	return t, nil
}

// Len returns the number of templates.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.templates)
}

// Resolve fills a payload template that carries only an ID from the
// catalog. Inline descriptors with content, and unknown IDs, are returned
// unchanged.
func (c *Catalog) Resolve(t *domain.TemplateDescriptor) *domain.TemplateDescriptor {
	if t == nil || !isBare(t) {
		return t
	}
	full, err := c.Get(t.ID)
	if err != nil {
		return t
	}
	return &full
}

func isBare(t *domain.TemplateDescriptor) bool {
	return t.Name == "" && t.Description == "" &&
		len(t.ThemeKeywords) == 0 && len(t.Sections) == 0 &&
		t.MinPages == 0 && t.MaxPages == 0
}

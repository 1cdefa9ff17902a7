// Package validation checks a document against a reference template using a
// four-tier fallback: full oracle validation, a simplified oracle prompt
// under a shorter budget, a local metadata comparison, and finally a
// neutral result. Validate always produces a result; oracle failures only
// move it down the tiers.
package validation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ahrav/go-evalpipe/internal/cache"
	"github.com/ahrav/go-evalpipe/internal/configuration"
	"github.com/ahrav/go-evalpipe/internal/document"
	"github.com/ahrav/go-evalpipe/internal/domain"
	"github.com/ahrav/go-evalpipe/internal/oracle"
)

// ErrNoTemplate is reported as a neutral reason when Validate is called
// without a template.
var ErrNoTemplate = errors.New("no template supplied")

// state is a position in the fallback state machine.
type state int

const (
	stateFull state = iota
	stateSimplified
	stateMetadataOnly
	stateNeutral
)

func (s state) tier() domain.ValidationTier {
	switch s {
	case stateFull:
		return domain.TierFull
	case stateSimplified:
		return domain.TierSimplified
	case stateMetadataOnly:
		return domain.TierMetadataOnly
	default:
		return domain.TierNeutral
	}
}

// Validator runs the fallback state machine.
type Validator struct {
	oracle oracle.Client
	cache  *cache.Store
	cfg    configuration.ValidationConfig
	logger *slog.Logger
}

// New creates a Validator. cache may be nil.
func New(client oracle.Client, store *cache.Store, cfg configuration.ValidationConfig) *Validator {
	return &Validator{
		oracle: client,
		cache:  store,
		cfg:    cfg,
		logger: slog.Default().With("component", "validator"),
	}
}

// Validate returns the best result the tiers can produce. It never fails:
// when every tier is exhausted, or on any unexpected fault, the result is
// neutral with a reason.
func (v *Validator) Validate(ctx context.Context, subject *domain.Subject, tmpl *domain.TemplateDescriptor) (res domain.ValidationResult) {
	if tmpl == nil {
		return domain.NeutralValidation(ErrNoTemplate.Error())
	}

	fp := templateFingerprint(subject.Content, tmpl)
	if v.cache != nil {
		var cached domain.ValidationResult
		if v.cache.GetJSON(ctx, fp, &cached) {
			v.logger.Debug("validation cache hit", "subject_id", subject.ID, "template_id", tmpl.ID, "tier", cached.Tier)
			return cached
		}
	}

	var attempts []domain.ValidationTier
	defer func() {
		if r := recover(); r != nil {
			v.logger.Error("validation panicked, using neutral result",
				"subject_id", subject.ID, "template_id", tmpl.ID, "panic", r)
			res = domain.NeutralValidation(fmt.Sprintf("validation aborted: %v", r))
			res.Attempts = append(attempts, domain.TierNeutral)
		}
	}()

	res = v.run(ctx, subject, tmpl, &attempts)
	res.Attempts = attempts

	if !res.IsNeutral() && v.cache != nil {
		v.cache.Put(ctx, fp, res)
	}
	return res
}

// templateFingerprint addresses a result by content and the full template
// descriptor.
func templateFingerprint(content []byte, tmpl *domain.TemplateDescriptor) cache.Fingerprint {
	descriptor, err := json.Marshal(tmpl)
	if err != nil {
		descriptor = []byte(tmpl.ID)
	}
	return cache.FingerprintOf(content, cache.TemplateDiscriminator(tmpl.ID, descriptor))
}

func (v *Validator) run(ctx context.Context, subject *domain.Subject, tmpl *domain.TemplateDescriptor, attempts *[]domain.ValidationTier) domain.ValidationResult {
	logger := v.logger.With("subject_id", subject.ID, "template_id", tmpl.ID)

	s := stateFull
	reason := ""
	for {
		*attempts = append(*attempts, s.tier())

		switch s {
		case stateFull:
			res, err := v.attemptOracle(ctx, subject, tmpl, oracle.TaskTemplateFull, v.cfg.FullTimeout)
			if err == nil {
				return res
			}
			kind := oracle.Classify(err)
			logger.Info("full validation failed", "kind", kind)
			if kind == oracle.KindTimeout {
				s = stateSimplified
			} else {
				s = stateMetadataOnly
			}

		case stateSimplified:
			res, err := v.attemptOracle(ctx, subject, tmpl, oracle.TaskTemplateSimplified, v.cfg.SimplifiedTimeout)
			if err == nil {
				return res
			}
			logger.Info("simplified validation failed", "kind", oracle.Classify(err))
			s = stateMetadataOnly

		case stateMetadataOnly:
			res, err := metadataOnly(subject, tmpl)
			if err == nil {
				return res
			}
			logger.Warn("metadata validation failed", "error", err)
			reason = "validation exhausted: " + err.Error()
			s = stateNeutral

		default:
			return domain.NeutralValidation(reason)
		}
	}
}

// attemptOracle runs one oracle tier under its own budget. A response
// without an assessment is treated as malformed.
func (v *Validator) attemptOracle(
	ctx context.Context,
	subject *domain.Subject,
	tmpl *domain.TemplateDescriptor,
	task oracle.Task,
	budget time.Duration,
) (domain.ValidationResult, error) {
	ctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	resp, err := v.oracle.Analyze(ctx, &oracle.Request{
		Task:     task,
		Content:  subject.Content,
		Document: subject.Document,
		Template: tmpl,
	})
	if err != nil {
		return domain.ValidationResult{}, err
	}
	if resp == nil || resp.Template == nil {
		return domain.ValidationResult{}, oracle.Malformed("response has no template assessment", nil)
	}

	tier := domain.TierFull
	if task == oracle.TaskTemplateSimplified {
		tier = domain.TierSimplified
	}
	a := resp.Template
	return domain.NewValidationResult(tier, a.ThemeMatch, a.StructureAdherence, a.Deviations), nil
}

// metadataOnly scores the document from extracted metadata alone: keyword
// coverage drives theme match, section coverage and page bounds drive
// structure adherence. A dimension the template says nothing about scores
// neutral.
func metadataOnly(subject *domain.Subject, tmpl *domain.TemplateDescriptor) (domain.ValidationResult, error) {
	doc, err := document.Extract(subject.Document, subject.Content)
	if err != nil {
		return domain.ValidationResult{}, err
	}

	var deviations []string

	theme := domain.NeutralScore
	if len(tmpl.ThemeKeywords) > 0 {
		found, missing := doc.KeywordCoverage(tmpl.ThemeKeywords)
		theme = coverage(len(found), len(missing))
		for _, m := range missing {
			deviations = append(deviations, "theme not covered: "+m)
		}
	}

	structure := domain.NeutralScore
	if len(tmpl.Sections) > 0 {
		found, missing := doc.SectionCoverage(tmpl.Sections)
		structure = coverage(len(found), len(missing))
		for _, m := range missing {
			deviations = append(deviations, "missing section: "+m)
		}
	}

	if dev, ok := pageDeviation(doc.Pages, tmpl.MinPages, tmpl.MaxPages); ok {
		structure -= pagePenalty
		deviations = append(deviations, dev)
	}

	return domain.NewValidationResult(domain.TierMetadataOnly, theme, structure, deviations), nil
}

// pagePenalty is subtracted from structure adherence when the page count is
// out of bounds.
const pagePenalty = 2.0

// coverage scores the found share of the usable entries. With no usable
// entries the dimension is neutral.
func coverage(found, missing int) float64 {
	if found+missing == 0 {
		return domain.NeutralScore
	}
	return domain.MaxScore * float64(found) / float64(found+missing)
}

func pageDeviation(pages, minPages, maxPages int) (string, bool) {
	switch {
	case minPages > 0 && pages < minPages:
		return fmt.Sprintf("%d pages, template expects at least %d", pages, minPages), true
	case maxPages > 0 && pages > maxPages:
		return fmt.Sprintf("%d pages, template allows at most %d", pages, maxPages), true
	}
	return "", false
}

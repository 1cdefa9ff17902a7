// Package providers implements oracle.Client adapters for concrete model
// services.
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/kaptinlin/jsonrepair"
	"github.com/sashabaranov/go-openai"

	"github.com/ahrav/go-evalpipe/internal/configuration"
	"github.com/ahrav/go-evalpipe/internal/document"
	"github.com/ahrav/go-evalpipe/internal/domain"
	"github.com/ahrav/go-evalpipe/internal/oracle"
)

// ProviderOpenAI names the OpenAI-compatible adapter in configuration.
const ProviderOpenAI = "openai"

// ErrUnknownProvider is returned by New for an unsupported provider name.
var ErrUnknownProvider = errors.New("unknown oracle provider")

// New builds the adapter named by cfg.Provider.
func New(cfg configuration.OracleConfig) (oracle.Client, error) {
	switch cfg.Provider {
	case ProviderOpenAI, "":
		return NewOpenAIClient(cfg), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, cfg.Provider)
	}
}

// OpenAIClient talks to any OpenAI-compatible chat completions endpoint and
// requests JSON-object responses.
type OpenAIClient struct {
	client      *openai.Client
	model       string
	temperature float32
	maxTokens   int
	logger      *slog.Logger
}

// NewOpenAIClient creates the adapter. An empty APIKey falls back to the
// environment variable named by APIKeyEnv.
func NewOpenAIClient(cfg configuration.OracleConfig) *OpenAIClient {
	apiKey := cfg.APIKey
	if apiKey == "" && cfg.APIKeyEnv != "" {
		apiKey = os.Getenv(cfg.APIKeyEnv)
	}

	clientConfig := openai.DefaultConfig(apiKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}

	return &OpenAIClient{
		client:      openai.NewClientWithConfig(clientConfig),
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		logger:      slog.Default().With("component", "oracle_openai"),
	}
}

// Analyze implements oracle.Client.
func (c *OpenAIClient) Analyze(ctx context.Context, req *oracle.Request) (*oracle.Response, error) {
	if req.Task.IsTemplate() && req.Template == nil {
		return nil, oracle.Other("template task without template", nil)
	}

	doc, err := document.Extract(req.Document, req.Content)
	if err != nil {
		return nil, oracle.Other("extract document text", err)
	}

	completion, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt(req.Task)},
			{Role: openai.ChatMessageRoleUser, Content: userPrompt(req, doc.Text)},
		},
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return nil, classifyOpenAIError(ctx, err)
	}
	c.logger.Debug("chat completion",
		"model", c.model,
		"task", req.Task,
		"total_tokens", completion.Usage.TotalTokens)
	if len(completion.Choices) == 0 {
		return nil, oracle.Malformed("completion has no choices", nil)
	}

	raw := completion.Choices[0].Message.Content
	if req.Task.IsTemplate() {
		return parseTemplate(raw)
	}
	return parseEvaluation(raw, req.Criteria)
}

func classifyOpenAIError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return oracle.Timeout("chat completion", ctx.Err())
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return fromStatus(apiErr.HTTPStatusCode, err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		return fromStatus(reqErr.HTTPStatusCode, err)
	}
	return oracle.AsError(err)
}

func fromStatus(status int, err error) error {
	switch status {
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return oracle.Timeout(fmt.Sprintf("provider returned %d", status), err)
	default:
		return oracle.Other(fmt.Sprintf("provider returned %d", status), err)
	}
}

// decodeJSON unmarshals raw into v, retrying once on a repaired copy.
func decodeJSON(raw string, v any) error {
	err := json.Unmarshal([]byte(raw), v)
	if err == nil {
		return nil
	}
	repaired, rerr := jsonrepair.JSONRepair(raw)
	if rerr != nil {
		return oracle.Malformed("response is not JSON", err)
	}
	if err := json.Unmarshal([]byte(repaired), v); err != nil {
		return oracle.Malformed("repaired response is not valid", err)
	}
	return nil
}

type evaluationWire struct {
	Scores []struct {
		Name  string   `json:"name"`
		Score *float64 `json:"score"`
	} `json:"scores"`
	Notes    string `json:"notes"`
	Relevant *bool  `json:"relevant"`
}

func parseEvaluation(raw string, criteria []domain.Criterion) (*oracle.Response, error) {
	var w evaluationWire
	if err := decodeJSON(raw, &w); err != nil {
		return nil, err
	}

	byName := make(map[string]float64, len(w.Scores))
	for _, s := range w.Scores {
		if s.Score == nil {
			return nil, oracle.Malformed(fmt.Sprintf("criterion %q has no score", s.Name), nil)
		}
		byName[s.Name] = *s.Score
	}

	analysis := domain.Analysis{Notes: w.Notes, Relevant: true}
	if w.Relevant != nil {
		analysis.Relevant = *w.Relevant
	}
	for _, c := range criteria {
		score, ok := byName[c.Name]
		if !ok {
			return nil, oracle.Malformed(fmt.Sprintf("criterion %q missing from response", c.Name), nil)
		}
		analysis.Scores = append(analysis.Scores, domain.CriterionScore{
			Name:   c.Name,
			Score:  domain.ClampScore(score),
			Weight: c.Weight,
		})
	}
	return &oracle.Response{Analysis: analysis}, nil
}

type templateWire struct {
	ThemeMatch         *float64 `json:"theme_match"`
	StructureAdherence *float64 `json:"structure_adherence"`
	Deviations         []string `json:"deviations"`
}

func parseTemplate(raw string) (*oracle.Response, error) {
	var w templateWire
	if err := decodeJSON(raw, &w); err != nil {
		return nil, err
	}
	if w.ThemeMatch == nil || w.StructureAdherence == nil {
		return nil, oracle.Malformed("template assessment missing scores", nil)
	}
	return &oracle.Response{Template: &oracle.TemplateAssessment{
		ThemeMatch:         domain.ClampScore(*w.ThemeMatch),
		StructureAdherence: domain.ClampScore(*w.StructureAdherence),
		Deviations:         w.Deviations,
	}}, nil
}

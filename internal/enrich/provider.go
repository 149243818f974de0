// Package enrich runs the fingerprint-gated enrichment pass: each distinct
// unlinked product description is sent once to an external extraction
// provider, and the result is stored as an append-only hypothesis. A failed
// extraction is counted and retried on a later run; it never blocks intake
// or resolution.
package enrich

import (
	"context"

	"go.uber.org/zap"

	"github.com/pcbuilder/gpumarket-cli/internal/model"
	"github.com/pcbuilder/gpumarket-cli/pkg/anthropic"
	"github.com/pcbuilder/gpumarket-cli/pkg/perplexity"
)

// Provider produces claimed attributes for one raw product description.
type Provider interface {
	Name() string
	Extract(ctx context.Context, description, productURL string) (model.HypothesisClaims, error)
}

// PerplexityProvider extracts claims via Perplexity: a search call to find
// the official spec page, then a chat completion grounded on it.
type PerplexityProvider struct {
	client perplexity.Client
	log    *zap.Logger
}

// NewPerplexityProvider creates a Perplexity-backed provider.
func NewPerplexityProvider(client perplexity.Client) *PerplexityProvider {
	return &PerplexityProvider{
		client: client,
		log:    zap.L().With(zap.String("component", "enrich.perplexity")),
	}
}

// Name identifies this provider as a hypothesis source.
func (p *PerplexityProvider) Name() string { return "perplexity" }

// Extract runs the two-step search-then-extract flow. The search step is
// best effort; a failed search degrades to an ungrounded extraction.
func (p *PerplexityProvider) Extract(ctx context.Context, description, productURL string) (model.HypothesisClaims, error) {
	sourceURL := productURL
	if sourceURL == "" {
		sourceURL = p.findOfficialURL(ctx, description)
	}

	temp := 0.0
	resp, err := p.client.ChatCompletion(ctx, perplexity.ChatCompletionRequest{
		Messages: []perplexity.Message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: buildUserPrompt(description, sourceURL)},
		},
		Temperature: &temp,
	})
	if err != nil {
		return model.HypothesisClaims{}, err
	}
	if len(resp.Choices) == 0 {
		return model.HypothesisClaims{}, errNoChoices
	}

	claims, err := parseClaims(resp.Choices[0].Message.Content)
	if err != nil {
		return model.HypothesisClaims{}, err
	}
	return mergeLexicalClaims(description, claims), nil
}

func (p *PerplexityProvider) findOfficialURL(ctx context.Context, description string) string {
	resp, err := p.client.Search(ctx, perplexity.SearchRequest{
		Query:      description + " official specifications page",
		MaxResults: 3,
	})
	if err != nil {
		p.log.Warn("search failed", zap.Error(err))
		return ""
	}
	if len(resp.Results) == 0 {
		return ""
	}
	return resp.Results[0].URL
}

// AnthropicProvider extracts claims with a single Claude message.
type AnthropicProvider struct {
	client anthropic.Client
	model  string
}

// NewAnthropicProvider creates an Anthropic-backed provider.
func NewAnthropicProvider(client anthropic.Client, modelID string) *AnthropicProvider {
	return &AnthropicProvider{client: client, model: modelID}
}

// Name identifies this provider as a hypothesis source.
func (p *AnthropicProvider) Name() string { return "anthropic" }

// Extract sends one extraction message and parses the JSON reply.
func (p *AnthropicProvider) Extract(ctx context.Context, description, productURL string) (model.HypothesisClaims, error) {
	temp := 0.0
	resp, err := p.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:       p.model,
		MaxTokens:   1024,
		System:      systemPrompt,
		Messages:    []anthropic.Message{{Role: "user", Content: buildUserPrompt(description, productURL)}},
		Temperature: &temp,
	})
	if err != nil {
		return model.HypothesisClaims{}, err
	}

	claims, err := parseClaims(resp.Text())
	if err != nil {
		return model.HypothesisClaims{}, err
	}
	resp.Usage.LogCost(p.model, "enrich")
	return mergeLexicalClaims(description, claims), nil
}

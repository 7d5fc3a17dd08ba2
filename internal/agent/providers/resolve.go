// Package providers implements the LLM backends behind the agent session.
//
// Each provider satisfies agent.LLMProvider: it accepts a completion
// request, opens a streaming call against the upstream API, and delivers
// tokens, tool calls, and usage as agent.CompletionChunk values on a
// channel. Two implementations cover the whole fleet: a native Anthropic
// client and an OpenAI-compatible client parameterized by base URL, which
// serves OpenAI itself plus Groq, Cerebras, Perplexity, and Gemini's
// OpenAI-compatibility endpoint.
//
// Model names are mapped to provider families by an ordered classifier
// rather than scattered substring checks: the first rule whose keyword (or
// pattern, for OpenAI's o-series) matches the lowercased model name wins.
// Rule order is load-bearing; "gemini-groq-hybrid" must resolve by the
// earliest listed family, and the OpenAI rules run last so "gpt" and
// o-series names act as the fallback family.
package providers

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/threadline-ai/threadline/internal/agent"
)

// Provider identifies an upstream LLM API family.
type Provider string

const (
	ProviderAnthropic  Provider = "anthropic"
	ProviderOpenAI     Provider = "openai"
	ProviderGemini     Provider = "gemini"
	ProviderGroq       Provider = "groq"
	ProviderCerebras   Provider = "cerebras"
	ProviderPerplexity Provider = "perplexity"
)

// baseURLs maps every OpenAI-compatible family to its default endpoint.
// Anthropic is absent: its native SDK carries its own default.
var baseURLs = map[Provider]string{
	ProviderOpenAI:     "https://api.openai.com/v1",
	ProviderGemini:     "https://generativelanguage.googleapis.com/v1beta/openai/",
	ProviderGroq:       "https://api.groq.com/openai/v1",
	ProviderCerebras:   "https://api.cerebras.ai/v1",
	ProviderPerplexity: "https://api.perplexity.ai",
}

// openAISeriesPattern matches OpenAI reasoning-model names such as "o1",
// "o3-mini", "o4". Anchored: "sonoma-sky" must not match.
var openAISeriesPattern = regexp.MustCompile(`^o(\d+)(-mini)?`)

// classifierRule maps model-name keywords (and optionally a pattern) to a
// provider family.
type classifierRule struct {
	provider Provider
	keywords []string
	pattern  *regexp.Regexp
}

// classifierRules is the dispatch priority list. First match wins.
var classifierRules = []classifierRule{
	{provider: ProviderCerebras, keywords: []string{"cerebras"}},
	{provider: ProviderGroq, keywords: []string{"groq"}},
	{provider: ProviderPerplexity, keywords: []string{"perplexity"}},
	{provider: ProviderGemini, keywords: []string{"gemini"}},
	{provider: ProviderAnthropic, keywords: []string{"claude", "anthropic"}},
	{provider: ProviderOpenAI, keywords: []string{"gpt"}, pattern: openAISeriesPattern},
}

// ClassifyModel resolves a model name to its provider family. The second
// return is false when no rule matches.
func ClassifyModel(model string) (Provider, bool) {
	lower := strings.ToLower(strings.TrimSpace(model))
	for _, rule := range classifierRules {
		for _, keyword := range rule.keywords {
			if strings.Contains(lower, keyword) {
				return rule.provider, true
			}
		}
		if rule.pattern != nil && rule.pattern.MatchString(lower) {
			return rule.provider, true
		}
	}
	return "", false
}

// Credential holds the API key for one provider family plus an optional
// endpoint override.
type Credential struct {
	APIKey  string
	BaseURL string
}

// Credentials maps provider families to their configured credentials.
// Families without an entry are treated as unconfigured.
type Credentials map[Provider]Credential

// Options carries the retry posture applied to every provider built by New.
type Options struct {
	MaxRetries int
	RetryDelay time.Duration
}

// New resolves model to its provider family, checks that a credential is
// configured, and builds the streaming client. Both an unclassifiable model
// and a classified-but-unconfigured one fail with ErrNoAPIKey so the caller
// reports a single understandable condition either way.
func New(model string, creds Credentials, opts Options) (agent.LLMProvider, error) {
	provider, ok := ClassifyModel(model)
	if !ok {
		return nil, fmt.Errorf("%w for model: %s", ErrNoAPIKey, model)
	}

	cred, ok := creds[provider]
	if !ok || cred.APIKey == "" {
		return nil, fmt.Errorf("%w for model: %s", ErrNoAPIKey, model)
	}

	if provider == ProviderAnthropic {
		return NewAnthropicProvider(AnthropicConfig{
			APIKey:     cred.APIKey,
			BaseURL:    cred.BaseURL,
			MaxRetries: opts.MaxRetries,
			RetryDelay: opts.RetryDelay,
		})
	}

	baseURL := cred.BaseURL
	if baseURL == "" {
		baseURL = baseURLs[provider]
	}
	return NewOpenAICompatProvider(OpenAICompatConfig{
		Name:       string(provider),
		APIKey:     cred.APIKey,
		BaseURL:    baseURL,
		MaxRetries: opts.MaxRetries,
		RetryDelay: opts.RetryDelay,
	})
}

// Factory adapts New into the callback shape the agent session consumes,
// closing over the configured credentials and retry options.
func Factory(creds Credentials, opts Options) agent.ProviderFactory {
	return func(model string) (agent.LLMProvider, error) {
		return New(model, creds, opts)
	}
}

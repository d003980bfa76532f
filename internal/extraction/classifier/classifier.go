// Package classifier is C10: an LLM-backed content classifier that guesses
// which registered domain schema a page's content belongs to, falling back
// conservatively whenever the provider or the response itself is unusable.
package classifier

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"github.com/tyevans/knowledge-mapper/internal/extraction/schema"
)

// Breaker is the subset of breaker.Breaker the classifier guards its
// provider calls with. Nil disables breaker protection entirely (useful
// for tests that don't wire Redis).
type Breaker interface {
	Run(ctx context.Context, fn func(ctx context.Context) error) error
}

const (
	// MinContentChars short-circuits classification for content too small
	// to carry a reliable signal.
	MinContentChars = 100
	// MaxContentChars is the size cap content is truncated to before
	// being sent to the provider.
	MaxContentChars = 4000

	defaultConfidenceThreshold = 0.5
)

// DefaultModel is used when the caller has no stronger preference; a small,
// cheap model is enough for a single-label classification task.
const DefaultModel = anthropic.Model("claude-3-5-haiku-20241022")

var (
	emailPattern  = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
	phonePattern  = regexp.MustCompile(`\b\d{3}[-.]?\d{3}[-.]?\d{4}\b`)
	ssnPattern    = regexp.MustCompile(`\b\d{3}-?\d{2}-?\d{4}\b`)
	cardPattern   = regexp.MustCompile(`\b\d{4}[-\s]?\d{4}[-\s]?\d{4}[-\s]?\d{4}\b`)
)

const promptTemplate = `You are a content classifier. Analyze the following content and classify it into exactly one of these domains:

%s

Respond with ONLY a JSON object in this exact format:
{"domain": "<domain_id>", "confidence": <0.0-1.0>, "reasoning": "<brief explanation>"}

Content to classify:
---
%s
---

Remember: Respond with ONLY the JSON object, no other text.`

// Result is the outcome of a classification attempt. Confidence of 0
// always indicates a fallback result. Alternatives preserves the original
// classification when a floor demoted it.
type Result struct {
	Domain       string
	Confidence   float64
	Reasoning    string
	Alternatives []Alternative
}

// Alternative records a classification the floor or validation step
// demoted in favor of the fallback domain.
type Alternative struct {
	Domain     string
	Confidence float64
}

// Registry is the subset of schema.Registry the classifier depends on.
type Registry interface {
	All() ([]schema.Summary, error)
	Has(domainID string) bool
}

// Classifier sanitizes, prompts, calls, and parses its way to a Result,
// never returning an error: provider failures, timeouts, and malformed
// responses all collapse to a fallback Result instead.
type Classifier struct {
	client              anthropic.Client
	model               anthropic.Model
	registry            Registry
	limiter             *rate.Limiter
	breaker             Breaker
	confidenceThreshold float64
	fallbackDomain      string
	timeout             time.Duration
}

// New constructs a Classifier. apiKey configures the Anthropic client;
// requestsPerSecond bounds outbound call rate. brk may be nil, in which
// case provider calls run unguarded (tests, or deployments without Redis).
func New(apiKey string, model anthropic.Model, registry Registry, requestsPerSecond float64, brk Breaker) *Classifier {
	if requestsPerSecond <= 0 {
		requestsPerSecond = 2
	}
	return &Classifier{
		client:              anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:               model,
		registry:            registry,
		limiter:             rate.NewLimiter(rate.Limit(requestsPerSecond), 1),
		breaker:             brk,
		confidenceThreshold: defaultConfidenceThreshold,
		fallbackDomain:      schema.DefaultDomainID,
		timeout:             30 * time.Second,
	}
}

// Classify guesses the domain for content. It never returns an error.
func (c *Classifier) Classify(ctx context.Context, content string) Result {
	trimmed := strings.TrimSpace(content)
	if len(trimmed) < MinContentChars {
		return c.fallback("content too short")
	}

	sanitized := sanitize(trimmed)
	truncated := sanitized
	if len(truncated) > MaxContentChars {
		truncated = truncated[:MaxContentChars]
	}

	prompt, err := c.buildPrompt(truncated)
	if err != nil {
		return c.fallback(fmt.Sprintf("prompt build failed: %v", err))
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.limiter.Wait(callCtx); err != nil {
		return c.fallback("rate limit wait failed")
	}

	var message *anthropic.Message
	call := func(ctx context.Context) error {
		m, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
			Model:     c.model,
			MaxTokens: 500,
			System: []anthropic.TextBlockParam{
				{Text: "You are a content classifier. Respond with only valid JSON, no other text."},
			},
			Messages: []anthropic.MessageParam{
				anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
			},
		})
		if err != nil {
			return err
		}
		message = m
		return nil
	}

	var err error
	if c.breaker != nil {
		err = c.breaker.Run(callCtx, call)
	} else {
		err = call(callCtx)
	}
	if err != nil {
		return c.fallback(fmt.Sprintf("provider call failed: %v", err))
	}
	if len(message.Content) == 0 {
		return c.fallback("empty provider response")
	}
	block := message.Content[0]
	if block.Type != "text" {
		return c.fallback(fmt.Sprintf("unexpected response format: not a text block (type=%s)", block.Type))
	}

	result, err := c.parse(block.Text)
	if err != nil {
		return c.fallback(fmt.Sprintf("parse error: %v", err))
	}

	return c.applyFloor(result)
}

// applyFloor demotes a parsed result below the confidence floor to the
// fallback domain, keeping the original domain as its only Alternative.
func (c *Classifier) applyFloor(result Result) Result {
	if result.Confidence < c.confidenceThreshold {
		return Result{
			Domain:     c.fallbackDomain,
			Confidence: result.Confidence,
			Reasoning: fmt.Sprintf("low confidence classification (%.2f < %.2f); original: %s. %s",
				result.Confidence, c.confidenceThreshold, result.Domain, result.Reasoning),
			Alternatives: []Alternative{{Domain: result.Domain, Confidence: result.Confidence}},
		}
	}

	return result
}

func (c *Classifier) fallback(reason string) Result {
	return Result{Domain: c.fallbackDomain, Confidence: 0, Reasoning: "fallback classification: " + reason}
}

func (c *Classifier) buildPrompt(content string) (string, error) {
	domains, err := c.registry.All()
	if err != nil {
		return "", err
	}
	var lines []string
	for _, d := range domains {
		lines = append(lines, fmt.Sprintf("- %s: %s", d.DomainID, d.Description))
	}
	return fmt.Sprintf(promptTemplate, strings.Join(lines, "\n"), content), nil
}

func (c *Classifier) parse(response string) (Result, error) {
	start := strings.Index(response, "{")
	end := strings.LastIndex(response, "}")
	if start == -1 || end == -1 || end < start {
		return Result{}, fmt.Errorf("no JSON object found in response")
	}
	body := response[start : end+1]
	if !gjson.Valid(body) {
		return Result{}, fmt.Errorf("invalid JSON in response")
	}

	parsed := gjson.Parse(body)
	domain := parsed.Get("domain").String()
	if domain == "" {
		domain = c.fallbackDomain
	}
	confidence := parsed.Get("confidence").Float()
	reasoning := parsed.Get("reasoning").String()

	if !c.registry.Has(domain) {
		demoted := confidence - 0.3
		if demoted < 0.3 {
			demoted = 0.3
		}
		return Result{
			Domain:     c.fallbackDomain,
			Confidence: demoted,
			Reasoning:  fmt.Sprintf("unknown domain %q in response, using fallback. original reasoning: %s", domain, reasoning),
		}, nil
	}

	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}

	return Result{Domain: domain, Confidence: confidence, Reasoning: reasoning}, nil
}

func sanitize(content string) string {
	s := emailPattern.ReplaceAllString(content, "[EMAIL]")
	s = phonePattern.ReplaceAllString(s, "[PHONE]")
	s = ssnPattern.ReplaceAllString(s, "[REDACTED]")
	s = cardPattern.ReplaceAllString(s, "[REDACTED]")
	return s
}

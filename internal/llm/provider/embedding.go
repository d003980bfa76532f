// Package provider holds small adapters between this core's internal
// interfaces (similarity.EmbeddingProvider) and the outside inference
// services it calls. Unlike the classifier, which talks to Anthropic
// directly, no embeddings SDK exists anywhere in the dependency set this
// core draws from, so VoyageEmbeddingProvider speaks the provider's HTTP
// API directly over net/http.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultVoyageEndpoint is Voyage AI's embeddings endpoint.
const DefaultVoyageEndpoint = "https://api.voyageai.com/v1/embeddings"

// VoyageEmbeddingProvider implements similarity.EmbeddingProvider by
// calling Voyage AI's REST embeddings endpoint. It is guarded by the same
// breaker.Breaker the classifier uses, so an open circuit short-circuits
// embedding lookups the same way it does classification.
type VoyageEmbeddingProvider struct {
	httpClient *http.Client
	endpoint   string
	apiKey     string
	model      string
	breaker    Breaker
}

// Breaker is the subset of breaker.Breaker used here.
type Breaker interface {
	Run(ctx context.Context, fn func(ctx context.Context) error) error
}

// NewVoyageEmbeddingProvider constructs a provider. brk may be nil to run
// unguarded (tests, or a deployment with no shared Redis breaker state).
func NewVoyageEmbeddingProvider(apiKey, model string, brk Breaker) *VoyageEmbeddingProvider {
	return &VoyageEmbeddingProvider{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		endpoint:   DefaultVoyageEndpoint,
		apiKey:     apiKey,
		model:      model,
		breaker:    brk,
	}
}

type voyageRequest struct {
	Input []string `json:"input"`
	Model string   `json:"model"`
}

type voyageResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

// Embed batch-encodes texts into vectors, in the same order as texts.
func (p *VoyageEmbeddingProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	var vectors [][]float32
	call := func(ctx context.Context) error {
		v, err := p.doEmbed(ctx, texts)
		if err != nil {
			return err
		}
		vectors = v
		return nil
	}

	var err error
	if p.breaker != nil {
		err = p.breaker.Run(ctx, call)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return nil, err
	}
	return vectors, nil
}

func (p *VoyageEmbeddingProvider) doEmbed(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(voyageRequest{Input: texts, Model: p.model})
	if err != nil {
		return nil, fmt.Errorf("provider: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("provider: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("provider: embedding request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("provider: embedding request failed with status %d: %s", resp.StatusCode, respBody)
	}

	var parsed voyageResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("provider: decode response: %w", err)
	}

	vectors := make([][]float32, len(texts))
	for _, d := range parsed.Data {
		if d.Index < 0 || d.Index >= len(vectors) {
			continue
		}
		vectors[d.Index] = d.Embedding
	}
	return vectors, nil
}

package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVoyageEmbeddingProviderEmbedsInRequestOrder(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req voyageRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		resp := voyageResponse{}
		for i, text := range req.Input {
			resp.Data = append(resp.Data, struct {
				Embedding []float32 `json:"embedding"`
				Index     int       `json:"index"`
			}{Embedding: []float32{float32(len(text)), float32(i)}, Index: i})
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	defer server.Close()

	p := NewVoyageEmbeddingProvider("test-key", "voyage-3", nil)
	p.endpoint = server.URL

	vectors, err := p.Embed(context.Background(), []string{"abc", "de"})
	require.NoError(t, err)
	require.Len(t, vectors, 2)
	assert.Equal(t, []float32{3, 0}, vectors[0])
	assert.Equal(t, []float32{2, 1}, vectors[1])
}

func TestVoyageEmbeddingProviderReturnsErrorOnNonOKStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"invalid api key"}`))
	}))
	defer server.Close()

	p := NewVoyageEmbeddingProvider("bad-key", "voyage-3", nil)
	p.endpoint = server.URL

	_, err := p.Embed(context.Background(), []string{"abc"})
	require.Error(t, err)
}

func TestVoyageEmbeddingProviderEmptyInputShortCircuits(t *testing.T) {
	p := NewVoyageEmbeddingProvider("test-key", "voyage-3", nil)
	vectors, err := p.Embed(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, vectors)
}

type fakeBreaker struct {
	called bool
	err    error
}

func (f *fakeBreaker) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	f.called = true
	if f.err != nil {
		return f.err
	}
	return fn(ctx)
}

func TestVoyageEmbeddingProviderRunsThroughBreaker(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(voyageResponse{})
	}))
	defer server.Close()

	brk := &fakeBreaker{}
	p := NewVoyageEmbeddingProvider("test-key", "voyage-3", brk)
	p.endpoint = server.URL

	_, err := p.Embed(context.Background(), []string{"abc"})
	require.NoError(t, err)
	assert.True(t, brk.called)
}

package preprocess

import (
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// Chunk is one bounded, overlap-joined slice of a document's clean text.
type Chunk struct {
	Index int
	Text  string
}

// ChunkConfig bounds the chunker's window size, overlap, and total work.
type ChunkConfig struct {
	MaxChunkSize int
	OverlapSize  int
	MaxChunks    int
}

// DefaultChunkConfig matches the sizes used by the classifier's prompt
// budget (C10) and the cross-chunk merger's expected window (C8).
func DefaultChunkConfig() ChunkConfig {
	return ChunkConfig{MaxChunkSize: 4000, OverlapSize: 200, MaxChunks: 50}
}

// Split divides text into chunks no larger than cfg.MaxChunkSize, with
// adjacent chunks sharing exactly cfg.OverlapSize characters (less only on
// the final chunk). Indices are dense starting at 0. Empty text yields no
// chunks; text shorter than MaxChunkSize yields exactly one chunk.
func Split(text string, cfg ChunkConfig) []Chunk {
	if text == "" {
		return nil
	}
	if cfg.MaxChunkSize <= 0 {
		cfg = DefaultChunkConfig()
	}
	if cfg.OverlapSize >= cfg.MaxChunkSize {
		cfg.OverlapSize = cfg.MaxChunkSize / 4
	}

	runes := []rune(text)
	if len(runes) <= cfg.MaxChunkSize {
		return []Chunk{{Index: 0, Text: text}}
	}

	stride := cfg.MaxChunkSize - cfg.OverlapSize
	var chunks []Chunk
	for start := 0; start < len(runes); start += stride {
		end := start + cfg.MaxChunkSize
		if end > len(runes) {
			end = len(runes)
		}
		chunkText := string(runes[start:end])
		if chunkText != "" {
			chunks = append(chunks, Chunk{Index: len(chunks), Text: chunkText})
		}
		if end == len(runes) {
			break
		}
		if cfg.MaxChunks > 0 && len(chunks) >= cfg.MaxChunks {
			break
		}
	}
	if len(chunks) == 0 {
		return []Chunk{{Index: 0, Text: text}}
	}
	return chunks
}

// ContentHash returns a hex-encoded blake2b-256 digest of text, used as
// scraped_pages.content_hash to detect unchanged re-crawls.
func ContentHash(text string) string {
	sum := blake2b.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

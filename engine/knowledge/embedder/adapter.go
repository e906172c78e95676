package embedder

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/embeddings/cybertron"
	"github.com/tmc/langchaingo/llms/openai"
)

// Provider enumerates supported embedding backends.
type Provider string

const (
	// ProviderOpenAI embeds through the OpenAI API. Used for query and
	// document embeddings where quality matters more than locality.
	ProviderOpenAI Provider = "openai"
	// ProviderLocal runs a local transformer through cybertron. The guardrail's
	// semantic screen requires this path: rejection must not cost an API call.
	ProviderLocal Provider = "local"
)

// Config describes one embedder instance.
type Config struct {
	Provider  Provider `yaml:"provider"`
	Model     string   `yaml:"model"`
	Dimension int      `yaml:"dimension"`
	CacheSize int      `yaml:"cache_size"`
}

var (
	errMissingModel     = errors.New("embedder: model is required")
	errInvalidDimension = errors.New("embedder: dimension must be greater than zero")
)

// Adapter wraps a langchaingo embedder and adds an LRU vector cache plus
// contextual error reporting.
type Adapter struct {
	provider  Provider
	model     string
	dimension int
	impl      embeddings.Embedder
	cacheMu   sync.Mutex
	cache     *lru.Cache[string, []float32]
}

// New constructs a provider-backed adapter.
func New(cfg *Config) (*Adapter, error) {
	if cfg == nil {
		return nil, errors.New("embedder: config is required")
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}
	impl, err := buildImpl(cfg)
	if err != nil {
		return nil, fmt.Errorf("embedder %s/%s: %w", cfg.Provider, cfg.Model, err)
	}
	adapter := &Adapter{provider: cfg.Provider, model: cfg.Model, dimension: cfg.Dimension, impl: impl}
	if cfg.CacheSize > 0 {
		if err := adapter.EnableCache(cfg.CacheSize); err != nil {
			return nil, err
		}
	}
	return adapter, nil
}

// Wrap builds an adapter around an existing embedder implementation.
func Wrap(cfg *Config, impl embeddings.Embedder) (*Adapter, error) {
	if cfg == nil {
		return nil, errors.New("embedder: config is required")
	}
	if impl == nil {
		return nil, errors.New("embedder: implementation is required")
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return &Adapter{provider: cfg.Provider, model: cfg.Model, dimension: cfg.Dimension, impl: impl}, nil
}

func validate(cfg *Config) error {
	if cfg.Model == "" {
		return errMissingModel
	}
	if cfg.Dimension <= 0 {
		return errInvalidDimension
	}
	return nil
}

func buildImpl(cfg *Config) (embeddings.Embedder, error) {
	switch cfg.Provider {
	case ProviderOpenAI, "":
		llm, err := openai.New(openai.WithEmbeddingModel(cfg.Model))
		if err != nil {
			return nil, err
		}
		return embeddings.NewEmbedder(llm)
	case ProviderLocal:
		enc, err := cybertron.NewCybertron(cybertron.WithModel(cfg.Model))
		if err != nil {
			return nil, err
		}
		return embeddings.NewEmbedder(enc)
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
	}
}

// Dimension returns the configured vector dimension.
func (a *Adapter) Dimension() int {
	return a.dimension
}

// EnableCache initializes the LRU embedding cache.
func (a *Adapter) EnableCache(size int) error {
	if size <= 0 {
		return errors.New("embedder: cache size must be greater than zero")
	}
	cache, err := lru.New[string, []float32](size)
	if err != nil {
		return fmt.Errorf("embedder: init cache: %w", err)
	}
	a.cacheMu.Lock()
	a.cache = cache
	a.cacheMu.Unlock()
	return nil
}

// EmbedQuery embeds a single text, serving repeats from the cache.
func (a *Adapter) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if vec, ok := a.lookup(text); ok {
		return vec, nil
	}
	vec, err := a.impl.EmbedQuery(ctx, text)
	if err != nil {
		return nil, a.withContext(err)
	}
	a.store(text, vec)
	return cloneVector(vec), nil
}

// EmbedDocuments embeds a batch of texts.
func (a *Adapter) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	vectors, err := a.impl.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, a.withContext(err)
	}
	if len(vectors) != len(texts) {
		return nil, a.withContext(fmt.Errorf("received %d embeddings for %d texts", len(vectors), len(texts)))
	}
	return vectors, nil
}

func (a *Adapter) lookup(text string) ([]float32, bool) {
	a.cacheMu.Lock()
	defer a.cacheMu.Unlock()
	if a.cache == nil {
		return nil, false
	}
	vec, ok := a.cache.Get(cacheKey(text))
	if !ok {
		return nil, false
	}
	return cloneVector(vec), true
}

func (a *Adapter) store(text string, vec []float32) {
	a.cacheMu.Lock()
	defer a.cacheMu.Unlock()
	if a.cache == nil {
		return
	}
	a.cache.Add(cacheKey(text), cloneVector(vec))
}

func (a *Adapter) withContext(err error) error {
	return fmt.Errorf("embedder %s/%s: %w", a.provider, a.model, err)
}

func cacheKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

func cloneVector(vec []float32) []float32 {
	if vec == nil {
		return nil
	}
	out := make([]float32, len(vec))
	copy(out, vec)
	return out
}

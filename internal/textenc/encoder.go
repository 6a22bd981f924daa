// Package textenc is a reference prompt encoder: hashed word tokens plus
// learned token and position embeddings, stored under CLIP parameter names.
package textenc

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"

	"github.com/samcharles93/redilate/internal/safetensors"
	"github.com/samcharles93/redilate/internal/tensor"
)

const (
	ConfigFile  = "config.json"
	WeightsFile = "model.safetensors"

	tokenEmbedding    = "text_model.embeddings.token_embedding.weight"
	positionEmbedding = "text_model.embeddings.position_embedding.weight"
)

type Config struct {
	VocabSize             int `json:"vocab_size"`
	HiddenSize            int `json:"hidden_size"`
	MaxPositionEmbeddings int `json:"max_position_embeddings"`
}

func DefaultConfig() Config {
	return Config{VocabSize: 4096, HiddenSize: 32, MaxPositionEmbeddings: 16}
}

func (c Config) validate() error {
	if c.VocabSize <= reservedTokens || c.HiddenSize <= 0 || c.MaxPositionEmbeddings < 2 {
		return fmt.Errorf("text encoder config: invalid sizes %+v", c)
	}
	return nil
}

// Encoder implements the sampler's TextEncoder.
type Encoder struct {
	cfg       Config
	tok       *Tokenizer
	tokens    *tensor.Tensor // [vocab, hidden]
	positions *tensor.Tensor // [max positions, hidden]
}

// New builds an encoder with seeded embeddings.
func New(cfg Config, seed uint64) (*Encoder, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	rng := tensor.NewRNG(seed)
	e := &Encoder{
		cfg:       cfg,
		tok:       NewTokenizer(cfg.VocabSize, cfg.MaxPositionEmbeddings),
		tokens:    tensor.New(cfg.VocabSize, cfg.HiddenSize),
		positions: tensor.New(cfg.MaxPositionEmbeddings, cfg.HiddenSize),
	}
	rng.FillNormal(e.tokens.Data, 0.02)
	rng.FillNormal(e.positions.Data, 0.01)
	return e, nil
}

// Load reads a text_encoder directory.
func Load(dir string) (*Encoder, error) {
	cfg := DefaultConfig()
	raw, err := os.ReadFile(filepath.Join(dir, ConfigFile))
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", ConfigFile, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	f, err := safetensors.Open(filepath.Join(dir, WeightsFile))
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	e := &Encoder{
		cfg:       cfg,
		tok:       NewTokenizer(cfg.VocabSize, cfg.MaxPositionEmbeddings),
		tokens:    tensor.New(cfg.VocabSize, cfg.HiddenSize),
		positions: tensor.New(cfg.MaxPositionEmbeddings, cfg.HiddenSize),
	}
	if err := f.LoadInto(tokenEmbedding, e.tokens); err != nil {
		return nil, err
	}
	if err := f.LoadInto(positionEmbedding, e.positions); err != nil {
		return nil, err
	}
	return e, nil
}

// Save writes config.json and weights to dir in the layout Load reads.
func (e *Encoder) Save(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(e.cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, ConfigFile), raw, 0o644); err != nil {
		return err
	}
	return safetensors.WriteFile(filepath.Join(dir, WeightsFile), []safetensors.Named{
		{Name: tokenEmbedding, Tensor: e.tokens},
		{Name: positionEmbedding, Tensor: e.positions},
	}, safetensors.WriteOptions{})
}

func (e *Encoder) Config() Config { return e.cfg }

func (e *Encoder) Tokenizer() *Tokenizer { return e.tok }

// Encode returns embeddings [len(prompts), max positions, hidden].
func (e *Encoder) Encode(ctx context.Context, prompts []string) (*tensor.Tensor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	seq, dim := e.cfg.MaxPositionEmbeddings, e.cfg.HiddenSize
	out := tensor.New(len(prompts), seq, dim)
	for b, p := range prompts {
		for pos, id := range e.tok.Encode(p) {
			dst := out.Data[(b*seq+pos)*dim : (b*seq+pos+1)*dim]
			copy(dst, e.tokens.Data[id*dim:(id+1)*dim])
			tensor.AddInPlace(dst, e.positions.Data[pos*dim:(pos+1)*dim])
		}
	}
	return out, nil
}

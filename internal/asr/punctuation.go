package asr

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	sherpa "github.com/k2-fsa/sherpa-onnx-go/sherpa_onnx"

	"asrworker/internal/component"
)

// Punctuator restores punctuation with a CT-Transformer model.
type Punctuator struct {
	modelDir string
	provider string

	mu   sync.Mutex
	punc *sherpa.OfflinePunctuation
}

var (
	_ component.PunctuationRestorer = (*Punctuator)(nil)
	_ component.Closer              = (*Punctuator)(nil)
)

// NewPunctuator creates an unloaded punctuator for the model in modelDir.
func NewPunctuator(modelDir, provider string) *Punctuator {
	if provider == "" {
		provider = "cpu"
	}
	return &Punctuator{modelDir: modelDir, provider: provider}
}

// Load creates the native punctuation model.
func (p *Punctuator) Load(ctx context.Context) error {
	model := findModelFile(p.modelDir, []string{"model.int8.onnx", "model.onnx"})
	if model == "" {
		return fmt.Errorf("punctuation model not found in %s", filepath.Clean(p.modelDir))
	}

	cfg := sherpa.OfflinePunctuationConfig{}
	cfg.Model.CtTransformer = model
	cfg.Model.NumThreads = 1
	cfg.Model.Provider = p.provider

	punc := sherpa.NewOfflinePunctuation(&cfg)
	if punc == nil {
		return fmt.Errorf("failed to create punctuation model")
	}

	p.mu.Lock()
	p.punc = punc
	p.mu.Unlock()
	return nil
}

// Restore returns text with punctuation added.
func (p *Punctuator) Restore(ctx context.Context, text string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.punc == nil {
		return "", component.ErrNotLoaded
	}
	if strings.TrimSpace(text) == "" {
		return text, nil
	}
	return p.punc.AddPunct(text), nil
}

// Close frees the native model.
func (p *Punctuator) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.punc != nil {
		sherpa.DeleteOfflinePunc(p.punc)
		p.punc = nil
	}
	return nil
}

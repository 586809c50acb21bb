package worker

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"asrworker/internal/asr"
	"asrworker/internal/component"
	"asrworker/internal/config"
)

// Assembly is the set of components declared by the configuration.
type Assembly struct {
	Loaders    []*component.Loader
	Recognizer *asr.Recognizer
	VAD        *asr.VAD
	Family     asr.Family
	ASRDir     string
}

// Preflight reports missing recognizer files before anything is loaded.
func (a *Assembly) Preflight() error {
	if a.Recognizer == nil {
		return nil
	}
	_, err := asr.Locate(a.Family, a.ASRDir)
	return err
}

// ModelType is the name reported to clients before the recognizer loads.
func (a *Assembly) ModelType() string {
	return "sherpa-" + string(a.Family)
}

func resolvePath(root, override, fallback string) string {
	if override == "" {
		return filepath.Join(root, fallback)
	}
	if filepath.IsAbs(override) {
		return override
	}
	return filepath.Join(root, override)
}

// Build creates one loader per enabled declaration, in order.
func Build(cfg config.Config, provider string, logger *slog.Logger) (*Assembly, error) {
	family, err := asr.ParseFamily(cfg.Backend)
	if err != nil {
		return nil, err
	}
	a := &Assembly{Family: family}
	var vadLoader *component.Loader

	// The recognizer needs the VAD handle, so create the VAD first.
	if spec, ok := cfg.Component("vad"); ok && spec.IsEnabled() {
		vadCfg := asr.DefaultVADConfig(resolvePath(cfg.ModelDir, spec.Path, asr.DefaultVADModel))
		vadCfg.Provider = provider
		a.VAD = asr.NewVAD(vadCfg)
	}

	for _, spec := range cfg.Components {
		if !spec.IsEnabled() {
			logger.Info("component disabled by configuration", "name", spec.Name)
			continue
		}

		var c component.Component
		switch spec.Name {
		case "asr":
			a.ASRDir = resolvePath(cfg.ModelDir, spec.Path, asr.DefaultModelDirName(family))
			a.Recognizer = asr.NewRecognizer(asr.Config{
				Family:         family,
				ModelDir:       a.ASRDir,
				Provider:       provider,
				NumThreads:     cfg.NumThreads,
				SampleRate:     16000,
				Language:       cfg.Defaults.Language,
				MaxActivePaths: cfg.Defaults.BeamSize,
				RequireFFmpeg:  cfg.RequireFFmpeg,
			}, a.VAD, logger)
			c = a.Recognizer
		case "vad":
			c = a.VAD
		case "punc":
			c = asr.NewPunctuator(resolvePath(cfg.ModelDir, spec.Path, asr.DefaultPunctuationDir), provider)
		default:
			return nil, fmt.Errorf("unknown component %q (want asr, vad or punc)", spec.Name)
		}
		l := component.NewLoader(spec.Name, spec.Required, c)
		if spec.Name == "vad" {
			vadLoader = l
		}
		a.Loaders = append(a.Loaders, l)
	}

	if a.Recognizer != nil {
		if vadLoader != nil {
			a.Recognizer.GateVAD(vadLoader.Loaded)
		} else {
			a.Recognizer.GateVAD(func() bool { return false })
		}
	}
	return a, nil
}
